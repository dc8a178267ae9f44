package smtp

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// shutdownTimeout is the maximum time to wait for in-flight sessions
// during graceful shutdown.
const shutdownTimeout = 30 * time.Second

// ServerConfig holds the configuration for the SMTP acceptor.
type ServerConfig struct {
	// ListenAddr is the address to listen on (e.g. ":2525").
	ListenAddr string

	// Session carries the per-connection protocol limits.
	Session SessionConfig

	// Submitter receives accepted envelopes.
	Submitter Submitter

	// TLSConfig enables STARTTLS when non-nil.
	TLSConfig *tls.Config

	// AuthUsername and AuthPassword enable SMTP AUTH when both are set.
	AuthUsername string
	AuthPassword string

	// MaxConnections is the concurrency ceiling. Connections beyond it
	// are greeted with 421 and closed rather than silently refused.
	MaxConnections int64
}

// Server accepts connections and runs one Session per connection, bounded
// by the configured concurrency ceiling.
type Server struct {
	config   ServerConfig
	auth     *Authenticator
	listener net.Listener
	slots    *semaphore.Weighted

	// wg tracks in-flight session goroutines for graceful shutdown.
	wg sync.WaitGroup
}

// New creates a Server with the given configuration.
func New(cfg ServerConfig) *Server {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 64
	}

	return &Server{
		config: cfg,
		auth:   NewAuthenticator(cfg.AuthUsername, cfg.AuthPassword),
		slots:  semaphore.NewWeighted(cfg.MaxConnections),
	}
}

// ListenAndServe binds the configured address and serves until the
// context is cancelled. A failure to bind is returned to the caller; the
// server never retries startup on its own.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections from ln until the context is cancelled, then
// waits for in-flight sessions to finish.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.listener = ln

	slog.Info("SMTP server listening",
		"addr", ln.Addr().String(),
		"max_connections", s.config.MaxConnections,
		"auth_enabled", s.auth.Enabled(),
		"tls_enabled", s.config.TLSConfig != nil,
	)

	// Unblock Accept on shutdown.
	go func() {
		<-ctx.Done()
		slog.Info("shutting down SMTP server")
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				// Listener closed during shutdown.
				s.waitForSessions()
				return nil
			default:
				slog.Error("accept error", "error", err)
				continue
			}
		}

		if !s.slots.TryAcquire(1) {
			s.rejectBusy(conn)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.slots.Release(1)
			session := NewSession(
				conn,
				s.auth,
				s.config.Submitter,
				s.config.Session,
				s.config.TLSConfig,
			)
			session.Handle(ctx)
		}()
	}
}

// rejectBusy answers an over-ceiling connection with a protocol-correct
// 421 before closing it.
func (s *Server) rejectBusy(conn net.Conn) {
	slog.Warn("connection limit reached, rejecting", "peer", conn.RemoteAddr())
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	conn.Write([]byte("421 " + s.config.Session.Hostname + " too many connections, try again later\r\n"))
	conn.Close()
}

// waitForSessions waits for all in-flight sessions to complete, with a
// maximum timeout to prevent indefinite blocking.
func (s *Server) waitForSessions() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("all sessions completed")
	case <-time.After(shutdownTimeout):
		slog.Warn("shutdown timeout reached, forcing close")
	}
}

// Addr returns the listener address, or empty string if not listening.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}
