package notification

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultcron/vaultcron/internal/config"
)

func TestLoadSMTPConfig_NotConfigured(t *testing.T) {
	_, err := loadSMTPConfig(&config.Main{})
	require.ErrorIs(t, err, ErrConfigNotFound)
}

func TestLoadSMTPConfig_Defaults(t *testing.T) {
	cfg, err := loadSMTPConfig(&config.Main{SMTPServer: "mail.example.com"})
	require.NoError(t, err)
	assert.Equal(t, "mail.example.com", cfg.Host)
	assert.Equal(t, 25, cfg.Port)
	assert.Equal(t, 30_000_000_000, int(cfg.Timeout))
}

func TestLoadSMTPConfig_ExplicitValues(t *testing.T) {
	cfg, err := loadSMTPConfig(&config.Main{
		SMTPServer:   "mail.example.com",
		SMTPPort:     587,
		SMTPTLS:      true,
		SMTPUser:     "backups",
		SMTPPassword: "secret",
		SMTPTimeout:  5,
	})
	require.NoError(t, err)
	assert.Equal(t, 587, cfg.Port)
	assert.True(t, cfg.STARTTLS)
	assert.False(t, cfg.SSL)
	assert.Equal(t, "backups", cfg.User)
}

func TestLoadSMTPConfig_SSLAndTLSMutuallyExclusive(t *testing.T) {
	_, err := loadSMTPConfig(&config.Main{
		SMTPServer: "mail.example.com",
		SMTPSSL:    true,
		SMTPTLS:    true,
	})
	require.ErrorIs(t, err, ErrInvalidConfig)
}
