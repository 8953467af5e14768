package notification

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/vaultcron/vaultcron/internal/config"
)

func TestReport_HasErrors(t *testing.T) {
	r := NewReport(time.Now())
	assert.False(t, r.HasErrors())

	r.Add("mysql_main", "mysql", time.Second, nil)
	assert.False(t, r.HasErrors())

	r.Add("files_etc", "desc_files", time.Second, errors.New("boom"))
	assert.True(t, r.HasErrors())
}

func TestReport_Render(t *testing.T) {
	r := NewReport(time.Now())
	r.Add("mysql_main", "mysql", 2*time.Second, nil)
	r.Add("files_etc", "desc_files", time.Second, errors.New("disk full"))

	subject, body := r.render("backup-host-1")
	assert.Contains(t, subject, "backup-host-1")
	assert.Contains(t, subject, "2 job(s)")
	assert.Contains(t, subject, "1 failed")
	assert.Contains(t, body, "mysql_main")
	assert.Contains(t, body, "FAILED: disk full")
}

func TestService_Send_SuppressedWithoutErrors(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	logger := zap.New(core)

	svc := NewService(&config.Main{AdminMail: "admin@example.com"}, logger)
	report := NewReport(time.Now())
	report.Add("mysql_main", "mysql", time.Second, nil)

	svc.Send(context.Background(), report)

	found := false
	for _, entry := range logs.All() {
		if entry.Message == "report suppressed" {
			found = true
		}
	}
	assert.True(t, found, "expected a report-suppressed debug log when level_message is not debug and no job failed")
}

func TestService_Send_NotSuppressedOnError(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	logger := zap.New(core)

	svc := NewService(&config.Main{AdminMail: "admin@example.com"}, logger)
	report := NewReport(time.Now())
	report.Add("files_etc", "desc_files", time.Second, errors.New("disk full"))

	svc.Send(context.Background(), report)

	for _, entry := range logs.All() {
		assert.NotEqual(t, "report suppressed", entry.Message)
	}
}

func TestService_Send_NoRecipientsIsANoop(t *testing.T) {
	logger := zap.NewNop()
	svc := NewService(&config.Main{LevelMessage: "debug"}, logger)
	report := NewReport(time.Now())
	report.Add("mysql_main", "mysql", time.Second, nil)

	require.NotPanics(t, func() {
		svc.Send(context.Background(), report)
	})
}
