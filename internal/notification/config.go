package notification

import (
	"fmt"
	"time"

	"github.com/vaultcron/vaultcron/internal/config"
)

// SMTPConfig holds everything needed to open one SMTP session. Unlike the
// teacher's settings-table-backed loader, vaultcron's SMTP configuration is
// static for the process lifetime — it comes straight off main:, so loading
// it back out of *config.Main is a pure function rather than a database read.
type SMTPConfig struct {
	Host     string
	Port     int
	SSL      bool // implicit TLS from the first byte (SMTPS, typically :465)
	STARTTLS bool // upgrade a plaintext connection before AUTH
	User     string
	Password string
	Timeout  time.Duration
}

// loadSMTPConfig derives an SMTPConfig from main:, or ErrConfigNotFound if
// smtp_server is unset (SMTP delivery is optional per §6).
func loadSMTPConfig(main *config.Main) (*SMTPConfig, error) {
	if main.SMTPServer == "" {
		return nil, ErrConfigNotFound
	}

	port := main.SMTPPort
	if port == 0 {
		port = 25
	}

	timeout := time.Duration(main.SMTPTimeout) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	if main.SMTPSSL && main.SMTPTLS {
		return nil, fmt.Errorf("%w: smtp_ssl and smtp_tls are mutually exclusive", ErrInvalidConfig)
	}

	return &SMTPConfig{
		Host:     main.SMTPServer,
		Port:     port,
		SSL:      main.SMTPSSL,
		STARTTLS: main.SMTPTLS,
		User:     main.SMTPUser,
		Password: main.SMTPPassword,
		Timeout:  timeout,
	}, nil
}
