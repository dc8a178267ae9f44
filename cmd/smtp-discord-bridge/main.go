// Package main is the entry point for the SMTP to Discord bridge.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/quillmail/smtp-discord-bridge/internal/config"
	"github.com/quillmail/smtp-discord-bridge/internal/forward"
	"github.com/quillmail/smtp-discord-bridge/internal/queue"
	"github.com/quillmail/smtp-discord-bridge/internal/sink"
	"github.com/quillmail/smtp-discord-bridge/internal/sink/discord"
	"github.com/quillmail/smtp-discord-bridge/internal/sink/stdout"
	"github.com/quillmail/smtp-discord-bridge/internal/smtp"
	bridgetls "github.com/quillmail/smtp-discord-bridge/internal/tls"
)

var (
	configPath string

	rootCmd = &cobra.Command{
		Use:   "smtp-discord-bridge",
		Short: "SMTP server that relays incoming mail to a Discord channel",
		Long: `smtp-discord-bridge accepts mail over SMTP and posts the message
content to a Discord channel through a webhook. It is meant for cron
output, monitoring alerts, and other machine-generated mail on networks
where Discord is easier to watch than a mailbox.`,
		SilenceUsage: true,
		RunE:         runBridge,
	}

	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		RunE:  printConfig,
	}
)

func main() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML configuration file")
	rootCmd.Flags().String("listen", "", "SMTP listen address (overrides config)")
	rootCmd.Flags().String("sink", "", "delivery sink: discord or stdout (overrides config)")
	rootCmd.Flags().String("webhook-url", "", "Discord webhook URL (overrides config)")
	rootCmd.AddCommand(configCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runBridge(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	applyFlagOverrides(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	setupLogger(cfg.Logging.Level)

	tlsConfig, err := bridgetls.LoadOrGenerate(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.SMTP.Hostname)
	if err != nil {
		return fmt.Errorf("failed to set up TLS: %w", err)
	}
	tlsMode := "self-signed"
	if cfg.TLS.CertFile != "" {
		tlsMode = "file"
	}

	snk, err := selectSink(cfg)
	if err != nil {
		return err
	}

	q := queue.New(cfg.Queue.Capacity, cfg.Queue.EnqueueWait)
	forwarder := forward.New(q, snk, forward.Config{
		MaxRetries: cfg.Forward.MaxRetries,
		BaseDelay:  cfg.Forward.RetryBaseDelay,
	})

	server := smtp.New(smtp.ServerConfig{
		ListenAddr: cfg.SMTP.Listen,
		Session: smtp.SessionConfig{
			Hostname:          cfg.SMTP.Hostname,
			MaxMessageSize:    cfg.SMTP.MaxMessageSize,
			MaxLineLength:     cfg.SMTP.MaxLineLength,
			IdleTimeout:       cfg.SMTP.IdleTimeout,
			AllowedRecipients: cfg.SMTP.AllowedRecipients,
		},
		Submitter:      &forward.QueueSubmitter{Queue: q, ChunkLimit: cfg.Forward.ChunkLimit},
		TLSConfig:      tlsConfig,
		AuthUsername:   cfg.SMTP.Username,
		AuthPassword:   cfg.SMTP.Password,
		MaxConnections: cfg.SMTP.MaxConnections,
	})

	slog.Info("starting smtp-discord-bridge",
		"listen", cfg.SMTP.Listen,
		"sink", snk.Name(),
		"queue_capacity", cfg.Queue.Capacity,
		"auth_enabled", cfg.AuthEnabled(),
		"tls_mode", tlsMode,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, _ := errgroup.WithContext(context.Background())

	// The server owns the queue's lifetime: once it stops accepting mail
	// and all sessions are done, closing the queue lets the forwarder
	// finish whatever was accepted and exit on its own.
	g.Go(func() error {
		defer q.Close()
		return server.ListenAndServe(ctx)
	})
	g.Go(func() error {
		return forwarder.Run(context.Background())
	})

	err = g.Wait()

	stats := forwarder.Stats()
	slog.Info("smtp-discord-bridge stopped",
		"delivered", stats.Delivered,
		"dropped", stats.Dropped,
		"retries", stats.Retries,
	)
	return err
}

func printConfig(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	fmt.Fprint(cmd.OutOrStdout(), string(out))
	return nil
}

// applyFlagOverrides layers command-line flags over the file and
// environment configuration. Only explicitly set flags take effect.
func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("listen") {
		cfg.SMTP.Listen, _ = cmd.Flags().GetString("listen")
	}
	if cmd.Flags().Changed("sink") {
		cfg.Forward.Sink, _ = cmd.Flags().GetString("sink")
	}
	if cmd.Flags().Changed("webhook-url") {
		url, _ := cmd.Flags().GetString("webhook-url")
		cfg.Discord = config.DiscordConfig{WebhookURL: url}
	}
}

// setupLogger configures the global slog logger with JSON output and the
// specified log level.
func setupLogger(level string) {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

// selectSink chooses the delivery backend based on configuration.
func selectSink(cfg *config.Config) (sink.Sink, error) {
	switch cfg.Forward.Sink {
	case "stdout":
		slog.Info("using stdout sink")
		return stdout.New(), nil

	default:
		auth, err := cfg.Discord.Auth()
		if err != nil {
			return nil, err
		}
		slog.Info("using Discord webhook sink", "webhook_id", auth.ID)
		return discord.New(auth), nil
	}
}
