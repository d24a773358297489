package metrics

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/netconverge/internal/neterr"
)

func TestResultLabel(t *testing.T) {
	assert.Equal(t, "success", ResultLabel(nil))
	assert.Equal(t, neterr.KindBug.String(), ResultLabel(neterr.Bug("x")))
	assert.Equal(t, neterr.KindUnknown.String(), ResultLabel(errors.New("plain")))
	assert.Equal(t, neterr.KindTimeout.String(),
		ResultLabel(neterr.Wrap(neterr.KindTimeout, context.DeadlineExceeded, "apply")))
}

func TestRecordApply(t *testing.T) {
	r := Get()
	before := testutil.ToFloat64(r.AppliesTotal.WithLabelValues("success"))
	r.RecordApply(nil, time.Unix(1700000000, 0))
	assert.Equal(t, before+1, testutil.ToFloat64(r.AppliesTotal.WithLabelValues("success")))
	assert.Equal(t, float64(1700000000), testutil.ToFloat64(r.LastApply))
}

func TestRecordRollbackAndExtension(t *testing.T) {
	r := Get()
	before := testutil.ToFloat64(r.RollbacksTotal.WithLabelValues("phase", "failed"))
	r.RecordRollback("phase", errors.New("bus gone"))
	assert.Equal(t, before+1, testutil.ToFloat64(r.RollbacksTotal.WithLabelValues("phase", "failed")))

	okBefore := testutil.ToFloat64(r.CheckpointExtensions.WithLabelValues("ok"))
	r.RecordExtension(nil)
	assert.Equal(t, okBefore+1, testutil.ToFloat64(r.CheckpointExtensions.WithLabelValues("ok")))
}

func TestRecordPlan(t *testing.T) {
	r := Get()
	r.RecordPlan(1, 2, 3)
	assert.Equal(t, float64(2), testutil.ToFloat64(r.PlannedChanges.WithLabelValues("add")))
}

func TestWriteTextfile(t *testing.T) {
	Get().ObservePhase("add", 250*time.Millisecond)
	path := filepath.Join(t.TempDir(), "netconverge.prom")
	require.NoError(t, WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "netconverge_phase_duration_seconds")
}
