package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	t.Parallel()

	cfg := Default()
	assert.Equal(t, ":2525", cfg.SMTP.Listen)
	assert.Equal(t, int64(10*1024*1024), cfg.SMTP.MaxMessageSize)
	assert.Equal(t, 64, cfg.Queue.Capacity)
	assert.Equal(t, "discord", cfg.Forward.Sink)
	assert.Equal(t, 2000, cfg.Forward.ChunkLimit)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoad_FileAndEnvLayering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.yaml")
	yaml := `
smtp:
  listen: ":2600"
  hostname: mail.internal
  idle_timeout: 90s
  allowed_recipients:
    - ops@example.com
discord:
  webhook_url: https://discord.com/api/webhooks/123456789/tok
queue:
  capacity: 16
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	// Environment overrides the file.
	t.Setenv("BRIDGE_SMTP_HOSTNAME", "mail.override")
	t.Setenv("BRIDGE_FORWARD_MAX_RETRIES", "7")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":2600", cfg.SMTP.Listen)
	assert.Equal(t, "mail.override", cfg.SMTP.Hostname)
	assert.Equal(t, 90*time.Second, cfg.SMTP.IdleTimeout)
	assert.Equal(t, []string{"ops@example.com"}, cfg.SMTP.AllowedRecipients)
	assert.Equal(t, 16, cfg.Queue.Capacity)
	assert.Equal(t, 7, cfg.Forward.MaxRetries)

	// Untouched keys keep their defaults.
	assert.Equal(t, int64(10*1024*1024), cfg.SMTP.MaxMessageSize)
	assert.Equal(t, time.Second, cfg.Forward.RetryBaseDelay)
}

func TestLoad_MissingFileFails(t *testing.T) {
	t.Parallel()

	_, err := Load("/nonexistent/bridge.yaml")
	assert.Error(t, err)
}

func TestLoad_NoFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":2525", cfg.SMTP.Listen)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	valid := func() *Config {
		cfg := Default()
		cfg.Discord.WebhookURL = "https://discord.com/api/webhooks/123456789/tok"
		return cfg
	}

	assert.NoError(t, valid().Validate())

	cfg := valid()
	cfg.Forward.Sink = "carrier-pigeon"
	assert.Error(t, cfg.Validate())

	cfg = valid()
	cfg.Queue.Capacity = 0
	assert.Error(t, cfg.Validate())

	cfg = valid()
	cfg.SMTP.MaxMessageSize = 0
	assert.Error(t, cfg.Validate())

	cfg = valid()
	cfg.TLS.CertFile = "cert.pem"
	assert.Error(t, cfg.Validate(), "cert without key")

	cfg = valid()
	cfg.Forward.Sink = "stdout"
	cfg.Discord = DiscordConfig{}
	assert.NoError(t, cfg.Validate(), "stdout sink needs no webhook")
}

func TestDiscordConfig_Auth(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     DiscordConfig
		wantID  string
		wantErr bool
	}{
		{
			name:   "url form",
			cfg:    DiscordConfig{WebhookURL: "https://discord.com/api/webhooks/123456789/tok"},
			wantID: "123456789",
		},
		{
			name:   "id and token form",
			cfg:    DiscordConfig{WebhookID: "42", WebhookToken: "tok"},
			wantID: "42",
		},
		{name: "nothing configured", cfg: DiscordConfig{}, wantErr: true},
		{name: "both forms", cfg: DiscordConfig{WebhookURL: "https://discord.com/api/webhooks/1/t", WebhookID: "1"}, wantErr: true},
		{name: "token without id", cfg: DiscordConfig{WebhookToken: "tok"}, wantErr: true},
		{name: "id without token", cfg: DiscordConfig{WebhookID: "42"}, wantErr: true},
		{name: "malformed url", cfg: DiscordConfig{WebhookURL: "https://discord.com/other/path"}, wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			auth, err := tc.cfg.Auth()
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantID, auth.ID)
		})
	}
}

func TestAuthEnabled(t *testing.T) {
	t.Parallel()

	cfg := Default()
	assert.False(t, cfg.AuthEnabled())

	cfg.SMTP.Username = "user"
	assert.False(t, cfg.AuthEnabled(), "password still missing")

	cfg.SMTP.Password = "pass"
	assert.True(t, cfg.AuthEnabled())
}
