// Package telemetry resolves the TODO left in agent/internal/metrics/metrics.go
// ("implement with gopsutil") for real, and exposes the prometheus counters
// and gauges named in SPEC_FULL.md's ambient "Metrics" stack: job runs,
// artifacts produced, retention deletions, lock wait time, and per-destination
// disk free space.
package telemetry

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/disk"
)

// Registry bundles vaultcron's prometheus collectors behind one struct so
// callers don't reach for package-level globals (the same discipline
// SPEC_FULL.md's RunContext threading applies to logging).
type Registry struct {
	Registerer prometheus.Registerer

	JobRuns           *prometheus.CounterVec
	ArtifactsProduced *prometheus.CounterVec
	RetentionDeletes  *prometheus.CounterVec
	LockWaitSeconds   prometheus.Histogram
	DestinationFreeBytes *prometheus.GaugeVec
}

// NewRegistry builds and registers every collector against reg. Pass
// prometheus.NewRegistry() for an isolated instance (tests, `serve` mode) or
// prometheus.DefaultRegisterer to participate in the default handler.
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		Registerer: reg,
		JobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vaultcron",
			Name:      "job_runs_total",
			Help:      "Number of job runs, labeled by job name and outcome.",
		}, []string{"job", "outcome"}),
		ArtifactsProduced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vaultcron",
			Name:      "artifacts_produced_total",
			Help:      "Number of artifacts produced, labeled by job and destination kind.",
		}, []string{"job", "storage"}),
		RetentionDeletes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vaultcron",
			Name:      "retention_deletes_total",
			Help:      "Number of artifacts pruned by the rotation engine, labeled by job, storage, and tier.",
		}, []string{"job", "storage", "tier"}),
		LockWaitSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "vaultcron",
			Name:      "lock_wait_seconds",
			Help:      "Time spent waiting to acquire the process lock.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
		DestinationFreeBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "vaultcron",
			Name:      "destination_free_bytes",
			Help:      "Free bytes at a path on a destination's filesystem, as recorded by SampleDiskFree.",
		}, []string{"job", "storage", "path"}),
	}

	reg.MustRegister(r.JobRuns, r.ArtifactsProduced, r.RetentionDeletes, r.LockWaitSeconds, r.DestinationFreeBytes)
	return r
}

// SampleDiskFree records free space at path under the job/storage labels. A
// gopsutil failure (path not yet mounted, exotic filesystem) is swallowed —
// this is an observability sample, never a gate on the backup itself.
func (r *Registry) SampleDiskFree(ctx context.Context, job, storage, path string) {
	usage, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return
	}
	r.DestinationFreeBytes.WithLabelValues(job, storage, path).Set(float64(usage.Free))
}
