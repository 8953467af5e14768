package telemetry

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistry_CountersIncrement(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRegistry(reg)

	r.JobRuns.WithLabelValues("job1", "success").Inc()
	r.ArtifactsProduced.WithLabelValues("job1", "local").Inc()
	r.RetentionDeletes.WithLabelValues("job1", "local", "daily").Add(2)

	var m dto.Metric
	require.NoError(t, r.JobRuns.WithLabelValues("job1", "success").Write(&m))
	assert.Equal(t, 1.0, m.GetCounter().GetValue())
}

func TestSampleDiskFree_SwallowsError(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRegistry(reg)
	// A nonexistent path shouldn't panic; gopsutil returns an error that we
	// swallow by design (observability, not a backup-blocking check).
	r.SampleDiskFree(context.Background(), "job1", "local", "/does/not/exist/at/all")
}
