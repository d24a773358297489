package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/netconverge/internal/neterr"
)

func TestDefaults(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())

	assert.Equal(t, "info", c.Log.Level)
	assert.Equal(t, DefaultTimeout, c.CheckpointTimeout())
	assert.Equal(t, DefaultExtendBy, c.ExtendBy())
	assert.Equal(t, DefaultPhaseEstimate, c.PhaseEstimate())
	assert.Zero(t, c.ApplyTimeout())
	assert.Equal(t, DefaultRetries, c.Verify.Retries)
	assert.Equal(t, DefaultInterval, c.VerifyInterval())
	assert.Equal(t, DefaultCallTimeout, c.CallTimeout())
	assert.Equal(t, DefaultOvsDBSocket, c.OvsDB.Socket)
	assert.True(t, c.HistoryEnabled())
	assert.Equal(t, DefaultRetain, c.History.Retain)
	assert.False(t, c.Backend.KernelOnly)
}

func TestParse(t *testing.T) {
	src := `
log {
  level = "debug"
  json  = true
}

checkpoint {
  timeout       = "2m"
  extend_by     = "45s"
  apply_timeout = "5m"
}

verify {
  retries               = 10
  interval              = "500ms"
  allow_kernel_rounding = true
}

backend {
  kernel_only = true
  netns       = "blue"
}

ovsdb {
  socket = "tcp:127.0.0.1:6640"
}

history {
  path   = "/tmp/nc.db"
  retain = 20
}
`
	c, err := Parse("netconverge.hcl", []byte(src))
	require.NoError(t, err)

	assert.Equal(t, "debug", c.Log.Level)
	assert.True(t, c.Log.JSON)
	assert.Equal(t, 2*time.Minute, c.CheckpointTimeout())
	assert.Equal(t, 45*time.Second, c.ExtendBy())
	assert.Equal(t, DefaultPhaseEstimate, c.PhaseEstimate())
	assert.Equal(t, 5*time.Minute, c.ApplyTimeout())
	assert.Equal(t, 10, c.Verify.Retries)
	assert.Equal(t, 500*time.Millisecond, c.VerifyInterval())
	assert.True(t, c.Verify.AllowKernelRounding)
	assert.True(t, c.Backend.KernelOnly)
	assert.Equal(t, "blue", c.Backend.Netns)
	assert.Equal(t, "tcp:127.0.0.1:6640", c.OvsDB.Socket)
	assert.Equal(t, "/tmp/nc.db", c.History.Path)
	assert.Equal(t, 20, c.History.Retain)
}

func TestParseEmptyOvsDBSocketDisables(t *testing.T) {
	c, err := Parse("netconverge.hcl", []byte("ovsdb {}\n"))
	require.NoError(t, err)
	assert.Empty(t, c.OvsDB.Socket)
}

func TestParseEnvReference(t *testing.T) {
	t.Setenv("NETCONVERGE_TEST_NETNS", "red")

	c, err := Parse("netconverge.hcl", []byte(`
backend {
  netns = env.NETCONVERGE_TEST_NETNS
}
`))
	require.NoError(t, err)
	assert.Equal(t, "red", c.Backend.Netns)
}

func TestParseReportsAllProblems(t *testing.T) {
	_, err := Parse("netconverge.hcl", []byte(`
log {
  level = "loud"
}

checkpoint {
  timeout = "soon"
}

ovsdb {
  socket = "/run/openvswitch/db.sock"
}
`))
	require.Error(t, err)
	assert.True(t, neterr.IsKind(err, neterr.KindInvalidArgument))

	var verrs ValidationErrors
	require.True(t, errors.As(err, &verrs))
	fields := make([]string, 0, len(verrs))
	for _, v := range verrs {
		fields = append(fields, v.Field)
	}
	assert.ElementsMatch(t, []string{"log.level", "checkpoint.timeout", "ovsdb.socket"}, fields)
}

func TestParseSyntaxError(t *testing.T) {
	_, err := Parse("netconverge.hcl", []byte("log {\n  level = \n"))
	assert.True(t, neterr.IsKind(err, neterr.KindInvalidArgument))

	_, err = Parse("netconverge.hcl", []byte("firewall {}\n"))
	assert.Error(t, err, "unknown blocks are rejected")
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()

	c, err := Load(filepath.Join(dir, "missing.hcl"))
	require.NoError(t, err)
	assert.Equal(t, Default(), c)

	path := filepath.Join(dir, "netconverge.hcl")
	require.NoError(t, os.WriteFile(path, []byte("verify {\n  retries = 2\n}\n"), 0o644))
	c, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, c.Verify.Retries)
}

func TestRenderRoundTrip(t *testing.T) {
	c := Default()
	c.Backend.Netns = "blue"

	out := Render(c)
	assert.True(t, strings.Contains(string(out), `netns`))

	back, err := Parse("rendered.hcl", out)
	require.NoError(t, err)
	assert.Equal(t, c, back)
}
