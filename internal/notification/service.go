// Package notification renders and sends the end-of-run mail report §4.7/§7
// call for, adapted from the teacher's server/internal/notification service:
// the same typed-sentinel, load-then-send shape, stripped of the in-app
// (database/websocket) delivery channel vaultcron has no use for — a
// single-host CLI has no Hub to publish to and no per-user settings table.
package notification

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vaultcron/vaultcron/internal/config"
)

// JobResult is one job's outcome within a run, collected by the run
// controller for the closing report.
type JobResult struct {
	Name     string
	Kind     string
	Err      error
	Duration time.Duration
}

// Report accumulates JobResults across one invocation of the run controller.
type Report struct {
	StartedAt time.Time
	Results   []JobResult
}

// NewReport starts a report timed from startedAt.
func NewReport(startedAt time.Time) *Report {
	return &Report{StartedAt: startedAt}
}

// Add records one job's outcome.
func (r *Report) Add(name, kind string, duration time.Duration, err error) {
	r.Results = append(r.Results, JobResult{Name: name, Kind: kind, Err: err, Duration: duration})
}

// HasErrors reports whether any job in the report failed.
func (r *Report) HasErrors() bool {
	for _, res := range r.Results {
		if res.Err != nil {
			return true
		}
	}
	return false
}

// render builds the subject/body pair described by §7: every event goes to
// the log, but the mail report is a summary, one line per job.
func (r *Report) render(serverName string) (subject, body string) {
	failed := 0
	var sb strings.Builder
	for _, res := range r.Results {
		status := "OK"
		if res.Err != nil {
			status = "FAILED: " + res.Err.Error()
			failed++
		}
		fmt.Fprintf(&sb, "%-24s %-24s %8s  %s\n", res.Name, res.Kind, res.Duration.Round(time.Second), status)
	}

	subject = fmt.Sprintf("[vaultcron] %s: %d job(s), %d failed", serverName, len(r.Results), failed)
	body = fmt.Sprintf("Run started %s, finished %s.\n\n%s",
		r.StartedAt.Format(time.RFC3339), time.Now().Format(time.RFC3339), sb.String())
	return subject, body
}

// Service sends a Report by mail, subject to main.level_message per §7:
// "debug" always sends, anything else only sends when the report contains
// an error.
type Service struct {
	main   *config.Main
	email  *emailSender
	logger *zap.Logger
}

// NewService builds a Service bound to one run's main: configuration.
func NewService(main *config.Main, logger *zap.Logger) *Service {
	return &Service{
		main:   main,
		email:  newEmailSender(main),
		logger: logger.Named("notification"),
	}
}

// Send delivers report to admin_mail and client_mail, honoring
// level_message. A delivery failure is logged, never returned — the run
// itself has already concluded by the time Send is called.
func (s *Service) Send(ctx context.Context, report *Report) {
	if s.main.LevelMessage != "debug" && !report.HasErrors() {
		s.logger.Debug("report suppressed", zap.String("level_message", s.main.LevelMessage))
		return
	}

	recipients := make([]string, 0, 1+len(s.main.ClientMail))
	if s.main.AdminMail != "" {
		recipients = append(recipients, s.main.AdminMail)
	}
	recipients = append(recipients, s.main.ClientMail...)
	if len(recipients) == 0 {
		return
	}

	subject, body := report.render(s.main.ServerName)
	from := s.main.MailFrom
	if from == "" {
		from = s.main.AdminMail
	}

	if err := s.email.Send(ctx, recipients, from, subject, body); err != nil {
		s.logger.Warn("failed to send mail report", zap.Error(err))
	}
}
