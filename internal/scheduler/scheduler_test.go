package scheduler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/vaultcron/vaultcron/internal/config"
	"github.com/vaultcron/vaultcron/internal/runner"
)

func TestScheduler_StartSkipsJobsWithoutSchedule(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	logger := zap.New(core)

	cfg := &config.Config{
		Jobs: []config.Job{
			{Name: "mysql_main", Kind: config.KindMySQL, Schedule: "0 3 * * *"},
			{Name: "files_etc", Kind: config.KindDescFiles},
		},
	}
	controller := runner.New(cfg, nil, nil, nil, "")

	s, err := New(cfg, controller, logger)
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	var scheduled int64
	for _, entry := range logs.All() {
		if entry.Message == "scheduler started" {
			for _, f := range entry.Context {
				if f.Key == "jobs_scheduled" {
					scheduled = f.Integer
				}
			}
		}
	}
	assert.Equal(t, int64(1), scheduled)
}

func TestScheduler_StartWithNoScheduledJobs(t *testing.T) {
	logger := zap.NewNop()
	cfg := &config.Config{Jobs: []config.Job{{Name: "files_etc", Kind: config.KindDescFiles}}}
	controller := runner.New(cfg, nil, nil, nil, "")

	s, err := New(cfg, controller, logger)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Stop())
}
