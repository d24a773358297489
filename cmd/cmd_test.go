package cmd

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/netconverge/internal/config"
	"grimm.is/netconverge/internal/neterr"
	"grimm.is/netconverge/internal/netstate"
	"grimm.is/netconverge/internal/plan"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, ExitOK},
		{errors.New("plain"), ExitFailure},
		{neterr.InvalidArgument("bad"), ExitInvalidArgument},
		{neterr.New(neterr.KindVerificationError, "mismatch"), ExitVerification},
		{neterr.NotSupported("no"), ExitNotSupported},
		{neterr.Dependency("missing"), ExitDependency},
		{neterr.PluginFailure("dbus"), ExitPluginFailure},
		{neterr.New(neterr.KindPermissionError, "EPERM"), ExitPermission},
		{neterr.New(neterr.KindTimeout, "late"), ExitTimeout},
		{neterr.Bug("oops"), ExitFailure},
		{fmt.Errorf("wrapped: %w", neterr.Dependency("missing")), ExitDependency},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ExitCode(tt.err), "%v", tt.err)
	}
}

func TestKernelOnly(t *testing.T) {
	cfg := config.Default()
	assert.False(t, kernelOnly(cfg, Options{}))
	assert.True(t, kernelOnly(cfg, Options{KernelOnly: true}))
	assert.True(t, kernelOnly(cfg, Options{DryRun: true}))

	cfg.Backend.Netns = "blue"
	assert.True(t, kernelOnly(cfg, Options{}))
}

func TestApplyContext(t *testing.T) {
	cfg := config.Default()
	bg := context.Background()

	ctx, cancel := applyContext(bg, cfg, Options{})
	defer cancel()
	_, ok := ctx.Deadline()
	assert.False(t, ok, "no deadline by default")

	cfg.Checkpoint.ApplyTimeout = "5m"
	ctx, cancel = applyContext(bg, cfg, Options{})
	defer cancel()
	deadline, ok := ctx.Deadline()
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(5*time.Minute), deadline, 10*time.Second)

	ctx, cancel = applyContext(bg, cfg, Options{ApplyTimeout: 30 * time.Second})
	defer cancel()
	deadline, ok = ctx.Deadline()
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(30*time.Second), deadline, 10*time.Second)
}

func parseState(t *testing.T, doc string) *netstate.NetworkState {
	t.Helper()
	s, err := netstate.Parse([]byte(doc))
	require.NoError(t, err)
	return s
}

func TestPredictAndDiff(t *testing.T) {
	current := parseState(t, `
interfaces:
- name: eth1
  type: ethernet
  state: up
- name: eth2
  type: ethernet
  state: up
- name: dummy9
  type: dummy
  state: up
hostname:
  running: old
  config: old
`)
	desired := parseState(t, `
interfaces:
- name: br0
  type: linux-bridge
  state: up
  bridge:
    port:
    - name: eth1
- name: dummy9
  type: dummy
  state: absent
hostname:
  config: edge-1
`)
	p, err := plan.Build(desired, current)
	require.NoError(t, err)

	predicted := predict(current, p)
	assert.Nil(t, predicted.Interface("dummy9", netstate.NamespaceKernel))
	require.NotNil(t, predicted.Interface("br0", netstate.NamespaceKernel))
	eth1 := predicted.Interface("eth1", netstate.NamespaceKernel)
	require.NotNil(t, eth1)
	require.NotNil(t, eth1.Controller)
	assert.Equal(t, "br0", *eth1.Controller)
	assert.NotNil(t, predicted.Interface("eth2", netstate.NamespaceKernel))
	assert.Equal(t, "edge-1", *predicted.HostName.Config)

	// current is untouched
	assert.NotNil(t, current.Interface("dummy9", netstate.NamespaceKernel))
	assert.Equal(t, "old", *current.HostName.Config)

	text, err := unifiedDiff(current, predicted)
	require.NoError(t, err)
	assert.Contains(t, text, "--- current")
	assert.Contains(t, text, "+++ desired")
	assert.Contains(t, text, "-- name: dummy9")
	assert.Contains(t, text, "+  name: br0")
	assert.Contains(t, text, "+  config: edge-1")
}

func TestApplyRoutes(t *testing.T) {
	dst := func(s string) *string { return &s }
	routes := []netstate.RouteEntry{
		{Destination: dst("10.0.0.0/8")},
		{Destination: dst("192.0.2.0/24")},
	}
	out := applyRoutes(routes, plan.RouteChanges{
		Remove: []netstate.RouteEntry{{Destination: dst("10.0.0.0/8")}},
		Add:    []netstate.RouteEntry{{Destination: dst("198.51.100.0/24")}},
	})
	require.Len(t, out, 2)
	assert.Equal(t, "192.0.2.0/24", *out[0].Destination)
	assert.Equal(t, "198.51.100.0/24", *out[1].Destination)
}
