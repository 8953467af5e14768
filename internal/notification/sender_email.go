package notification

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/vaultcron/vaultcron/internal/config"
)

// emailSender delivers the mail report via SMTP, in the teacher's
// load-then-send shape (internal/notification/sender_email.go), adapted from
// a settings-repository loader to a static main: loader — vaultcron has no
// running config-reload surface, so the loader is only kept as a seam for
// tests to inject a fixed SMTPConfig without touching the real config.Main.
type emailSender struct {
	loader func(ctx context.Context) (*SMTPConfig, error)
}

func newEmailSender(main *config.Main) *emailSender {
	return &emailSender{loader: func(context.Context) (*SMTPConfig, error) {
		return loadSMTPConfig(main)
	}}
}

// Send delivers subject/body to every recipient. A missing SMTP
// configuration is not an error — it means mail delivery is simply disabled.
func (s *emailSender) Send(ctx context.Context, to []string, from, subject, body string) error {
	if len(to) == 0 {
		return nil
	}

	cfg, err := s.loader(ctx)
	if err != nil {
		if err == ErrConfigNotFound {
			return nil
		}
		return fmt.Errorf("%w: load smtp config: %s", ErrSendFailed, err)
	}

	msg := buildEmail(from, to, subject, body)
	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))

	switch {
	case cfg.SSL:
		return s.sendImplicitTLS(addr, cfg, from, to, msg)
	case cfg.STARTTLS:
		return s.sendStartTLS(addr, cfg, from, to, msg)
	default:
		return s.sendPlain(addr, cfg, from, to, msg)
	}
}

func (s *emailSender) sendPlain(addr string, cfg *SMTPConfig, from string, to []string, msg []byte) error {
	var auth smtp.Auth
	if cfg.User != "" {
		auth = smtp.PlainAuth("", cfg.User, cfg.Password, cfg.Host)
	}
	if err := smtp.SendMail(addr, auth, from, to, msg); err != nil {
		return fmt.Errorf("%w: smtp.SendMail: %s", ErrSendFailed, err)
	}
	return nil
}

// sendStartTLS dials plaintext, then upgrades before AUTH/MAIL — for servers
// (typically :587) that expect STARTTLS rather than implicit TLS.
func (s *emailSender) sendStartTLS(addr string, cfg *SMTPConfig, from string, to []string, msg []byte) error {
	conn, err := net.DialTimeout("tcp", addr, cfg.Timeout)
	if err != nil {
		return fmt.Errorf("%w: dial: %s", ErrSendFailed, err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, cfg.Host)
	if err != nil {
		return fmt.Errorf("%w: smtp.NewClient: %s", ErrSendFailed, err)
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: cfg.Host, MinVersion: tls.VersionTLS12}); err != nil {
			return fmt.Errorf("%w: starttls: %s", ErrSendFailed, err)
		}
	}

	return deliver(client, cfg, from, to, msg)
}

// sendImplicitTLS dials straight into TLS (SMTPS, typically :465).
func (s *emailSender) sendImplicitTLS(addr string, cfg *SMTPConfig, from string, to []string, msg []byte) error {
	tlsCfg := &tls.Config{ServerName: cfg.Host, MinVersion: tls.VersionTLS12}

	dialer := &net.Dialer{Timeout: cfg.Timeout}
	conn, err := tls.DialWithDialer(dialer, "tcp", addr, tlsCfg)
	if err != nil {
		return fmt.Errorf("%w: tls.Dial: %s", ErrSendFailed, err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, cfg.Host)
	if err != nil {
		return fmt.Errorf("%w: smtp.NewClient: %s", ErrSendFailed, err)
	}
	defer client.Close()

	return deliver(client, cfg, from, to, msg)
}

func deliver(client *smtp.Client, cfg *SMTPConfig, from string, to []string, msg []byte) error {
	if cfg.User != "" {
		auth := smtp.PlainAuth("", cfg.User, cfg.Password, cfg.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("%w: smtp auth: %s", ErrSendFailed, err)
		}
	}
	if err := client.Mail(from); err != nil {
		return fmt.Errorf("%w: MAIL FROM: %s", ErrSendFailed, err)
	}
	for _, r := range to {
		if err := client.Rcpt(r); err != nil {
			return fmt.Errorf("%w: RCPT TO %s: %s", ErrSendFailed, r, err)
		}
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("%w: DATA: %s", ErrSendFailed, err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("%w: write body: %s", ErrSendFailed, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("%w: close DATA: %s", ErrSendFailed, err)
	}
	return client.Quit()
}

// buildEmail composes a minimal RFC 5322 plaintext message.
func buildEmail(from string, to []string, subject, body string) []byte {
	var sb strings.Builder
	sb.WriteString("From: " + from + "\r\n")
	sb.WriteString("To: " + strings.Join(to, ", ") + "\r\n")
	sb.WriteString("Subject: " + subject + "\r\n")
	sb.WriteString("Date: " + time.Now().UTC().Format(time.RFC1123Z) + "\r\n")
	sb.WriteString("MIME-Version: 1.0\r\n")
	sb.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	sb.WriteString("\r\n")
	sb.WriteString(body)
	return []byte(sb.String())
}
