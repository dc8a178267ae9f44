// Package config defines the bridge configuration: a YAML file as the
// base layer, overridden by BRIDGE_* environment variables, overridden by
// command-line flags.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf"
	kyaml "github.com/knadh/koanf/parsers/yaml"
	kenv "github.com/knadh/koanf/providers/env"
	kfile "github.com/knadh/koanf/providers/file"

	"github.com/quillmail/smtp-discord-bridge/internal/sink/discord"
)

// envPrefix is the prefix for environment variable overrides, e.g.
// BRIDGE_SMTP_LISTEN maps to smtp.listen.
const envPrefix = "BRIDGE_"

// Config holds the complete bridge configuration.
type Config struct {
	SMTP    SMTPConfig    `koanf:"smtp" yaml:"smtp"`
	Discord DiscordConfig `koanf:"discord" yaml:"discord"`
	Queue   QueueConfig   `koanf:"queue" yaml:"queue"`
	Forward ForwardConfig `koanf:"forward" yaml:"forward"`
	TLS     TLSConfig     `koanf:"tls" yaml:"tls"`
	Logging LoggingConfig `koanf:"logging" yaml:"logging"`
}

// SMTPConfig holds the inbound SMTP server configuration.
type SMTPConfig struct {
	Listen         string        `koanf:"listen" yaml:"listen"`
	Hostname       string        `koanf:"hostname" yaml:"hostname"`
	Username       string        `koanf:"username" yaml:"username"`
	Password       string        `koanf:"password" yaml:"password"`
	MaxMessageSize int64         `koanf:"max_message_size" yaml:"max_message_size"`
	MaxLineLength  int           `koanf:"max_line_length" yaml:"max_line_length"`
	MaxConnections int64         `koanf:"max_connections" yaml:"max_connections"`
	IdleTimeout    time.Duration `koanf:"idle_timeout" yaml:"idle_timeout"`

	// AllowedRecipients restricts RCPT TO when non-empty. Leaving it
	// empty accepts any recipient; the trust boundary is then whatever
	// network policy lets reach the listener.
	AllowedRecipients []string `koanf:"allowed_recipients" yaml:"allowed_recipients"`
}

// DiscordConfig identifies the destination webhook, either as a full URL
// or as an id/token pair. Exactly one of the two forms must be given.
type DiscordConfig struct {
	WebhookURL   string `koanf:"webhook_url" yaml:"webhook_url"`
	WebhookID    string `koanf:"webhook_id" yaml:"webhook_id"`
	WebhookToken string `koanf:"webhook_token" yaml:"webhook_token"`
}

// QueueConfig tunes the forwarding queue.
type QueueConfig struct {
	Capacity    int           `koanf:"capacity" yaml:"capacity"`
	EnqueueWait time.Duration `koanf:"enqueue_wait" yaml:"enqueue_wait"`
}

// ForwardConfig tunes the forwarder.
type ForwardConfig struct {
	// Sink selects the delivery backend: "discord" or "stdout".
	Sink           string        `koanf:"sink" yaml:"sink"`
	MaxRetries     int           `koanf:"max_retries" yaml:"max_retries"`
	RetryBaseDelay time.Duration `koanf:"retry_base_delay" yaml:"retry_base_delay"`
	ChunkLimit     int           `koanf:"chunk_limit" yaml:"chunk_limit"`
}

// TLSConfig holds STARTTLS certificate file paths. Empty paths fall back
// to an in-memory self-signed certificate.
type TLSConfig struct {
	CertFile string `koanf:"cert_file" yaml:"cert_file"`
	KeyFile  string `koanf:"key_file" yaml:"key_file"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `koanf:"level" yaml:"level"`
}

// Default returns the configuration baseline before any layering.
func Default() *Config {
	return &Config{
		SMTP: SMTPConfig{
			Listen:         ":2525",
			Hostname:       "localhost",
			MaxMessageSize: 10 * 1024 * 1024,
			MaxLineLength:  4096,
			MaxConnections: 64,
			IdleTimeout:    60 * time.Second,
		},
		Queue: QueueConfig{
			Capacity:    64,
			EnqueueWait: 5 * time.Second,
		},
		Forward: ForwardConfig{
			Sink:           "discord",
			MaxRetries:     3,
			RetryBaseDelay: time.Second,
			ChunkLimit:     2000,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load builds the effective configuration: defaults, then the YAML file
// at path (if given), then BRIDGE_* environment variables. A non-empty
// path that cannot be read is an error.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(kfile.Provider(path), kyaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(kenv.Provider(envPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// envKey maps BRIDGE_SMTP_MAX_MESSAGE_SIZE to smtp.max_message_size:
// strip the prefix, lowercase, and turn only the first underscore into
// the section separator (section names are single words).
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
	return strings.Replace(s, "_", ".", 1)
}

// Validate checks cross-field constraints before the bridge starts.
func (c *Config) Validate() error {
	switch c.Forward.Sink {
	case "discord":
		if _, err := c.Discord.Auth(); err != nil {
			return err
		}
	case "stdout":
	default:
		return fmt.Errorf("unknown sink %q (expected discord or stdout)", c.Forward.Sink)
	}

	if c.Queue.Capacity < 1 {
		return fmt.Errorf("queue capacity must be at least 1, got %d", c.Queue.Capacity)
	}
	if c.SMTP.MaxMessageSize < 1 {
		return fmt.Errorf("max_message_size must be positive, got %d", c.SMTP.MaxMessageSize)
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return fmt.Errorf("tls cert_file and key_file must be set together")
	}

	return nil
}

// AuthEnabled returns true if both SMTP username and password are set.
func (c *Config) AuthEnabled() bool {
	return c.SMTP.Username != "" && c.SMTP.Password != ""
}

// Auth resolves the webhook identity from whichever form is configured.
// Setting both the URL and the id/token pair is rejected as ambiguous.
func (d *DiscordConfig) Auth() (discord.WebhookAuth, error) {
	hasURL := d.WebhookURL != ""
	hasID := d.WebhookID != ""
	hasToken := d.WebhookToken != ""

	switch {
	case !hasURL && !hasID && !hasToken:
		return discord.WebhookAuth{}, fmt.Errorf("discord webhook not configured: set webhook_url, or webhook_id and webhook_token")
	case hasURL && (hasID || hasToken):
		return discord.WebhookAuth{}, fmt.Errorf("set either webhook_url or webhook_id/webhook_token, not both")
	case hasURL:
		return discord.ParseWebhookURL(d.WebhookURL)
	case !hasID:
		return discord.WebhookAuth{}, fmt.Errorf("webhook_token set but webhook_id missing")
	case !hasToken:
		return discord.WebhookAuth{}, fmt.Errorf("webhook_id set but webhook_token missing")
	default:
		return discord.WebhookAuth{ID: d.WebhookID, Token: d.WebhookToken}, nil
	}
}
