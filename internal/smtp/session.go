// Package smtp implements the inbound SMTP front end of the bridge: the
// line reader, the session state machine, optional STARTTLS and AUTH, and
// the connection acceptor.
package smtp

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/quillmail/smtp-discord-bridge/internal/email"
	"github.com/quillmail/smtp-discord-bridge/internal/parser"
	"github.com/quillmail/smtp-discord-bridge/internal/queue"
)

// dataTimeout bounds the whole DATA capture phase. It is deliberately
// longer than the per-command idle timeout since large messages trickle.
const dataTimeout = 5 * time.Minute

// Submitter hands an accepted envelope to the forwarding pipeline.
// A full queue is reported as queue.ErrFull so the session can answer
// with a temporary failure.
type Submitter interface {
	Submit(ctx context.Context, env *email.Envelope) error
}

// SessionConfig carries the per-session protocol limits.
type SessionConfig struct {
	Hostname       string
	MaxMessageSize int64
	MaxLineLength  int
	IdleTimeout    time.Duration

	// AllowedRecipients restricts RCPT TO when non-empty; addresses not
	// in the list get a 550. Empty accepts any recipient.
	AllowedRecipients []string
}

// Session owns one client connection and drives it through the SMTP
// command grammar. Nothing in a Session is shared with other
// connections; the Submitter is the only bridge to shared state.
type Session struct {
	conn   net.Conn
	reader *lineReader
	writer *bufio.Writer

	state  State
	authed bool

	auth    *Authenticator
	submit  Submitter
	cfg     SessionConfig
	allowed map[string]struct{}

	tlsConfig *tls.Config
	tlsActive bool

	// Current transaction.
	mailFrom string
	rcptTo   []string
}

// NewSession creates a session for conn. tlsConfig may be nil to disable
// STARTTLS.
func NewSession(conn net.Conn, auth *Authenticator, submit Submitter, cfg SessionConfig, tlsConfig *tls.Config) *Session {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	if cfg.MaxLineLength <= 0 {
		cfg.MaxLineLength = 4096
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 10 * 1024 * 1024
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}

	allowed := make(map[string]struct{}, len(cfg.AllowedRecipients))
	for _, addr := range cfg.AllowedRecipients {
		allowed[strings.ToLower(addr)] = struct{}{}
	}

	return &Session{
		conn:      conn,
		reader:    newLineReader(conn, cfg.MaxLineLength),
		writer:    bufio.NewWriter(conn),
		state:     StateGreeting,
		auth:      auth,
		submit:    submit,
		cfg:       cfg,
		allowed:   allowed,
		tlsConfig: tlsConfig,
	}
}

// Handle runs the session until the client quits, the connection fails,
// or the context is cancelled.
func (s *Session) Handle(ctx context.Context) {
	defer s.conn.Close()

	s.writeLine("220 %s ESMTP smtp-discord-bridge", s.cfg.Hostname)

	for {
		select {
		case <-ctx.Done():
			s.writeLine("421 %s service shutting down", s.cfg.Hostname)
			return
		default:
		}

		if err := s.conn.SetDeadline(time.Now().Add(s.cfg.IdleTimeout)); err != nil {
			slog.Error("failed to set connection deadline", "error", err)
			return
		}

		line, err := s.reader.ReadLine()
		if err != nil {
			s.handleReadError(err)
			return
		}
		if line == "" {
			continue
		}

		verb, arg := parseCommand(line)
		if s.handleCommand(ctx, verb, arg) {
			return
		}
	}
}

// handleReadError sends the best-effort parting reply for a failed read.
func (s *Session) handleReadError(err error) {
	var netErr net.Error
	switch {
	case errors.Is(err, ErrLineTooLong):
		s.writeLine("500 line too long, closing connection")
	case errors.As(err, &netErr) && netErr.Timeout():
		s.state = StateClosing
		// The idle deadline also expired the write side; give the parting
		// reply its own short deadline.
		s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		s.writeLine("421 %s idle timeout, closing connection", s.cfg.Hostname)
	case err != io.EOF:
		slog.Debug("connection read error", "error", err)
	}
}

// handleCommand processes one command, returning true when the session
// should end.
func (s *Session) handleCommand(ctx context.Context, verb, arg string) bool {
	next, reply := Transition(s.state, verb)
	if !reply.OK() {
		s.writeLine(reply.String())
		return false
	}

	switch verb {
	case "EHLO", "HELO":
		s.handleGreeting(verb, arg, next)
	case "STARTTLS":
		s.handleSTARTTLS(next)
	case "AUTH":
		s.handleAUTH(arg)
	case "MAIL":
		s.handleMAIL(arg, next)
	case "RCPT":
		s.handleRCPT(arg, next)
	case "DATA":
		return s.handleDATA(ctx, reply)
	case "RSET":
		s.state = next
		s.resetTransaction()
		s.writeLine(reply.String())
	case "NOOP":
		s.writeLine(reply.String())
	case "QUIT":
		s.state = next
		s.writeLine(reply.String())
		return true
	}
	return false
}

// handleGreeting processes EHLO and HELO, advertising extensions on EHLO.
func (s *Session) handleGreeting(verb, arg string, next State) {
	if arg == "" {
		s.writeLine("501 Syntax: %s hostname", verb)
		return
	}

	s.state = next
	s.resetTransaction()

	if verb == "HELO" {
		s.writeLine("250 %s Hello %s", s.cfg.Hostname, arg)
		return
	}

	s.writeLine("250-%s Hello %s", s.cfg.Hostname, arg)
	if s.tlsConfig != nil && !s.tlsActive {
		s.writeLine("250-STARTTLS")
	}
	if s.auth.Enabled() {
		s.writeLine("250-AUTH PLAIN LOGIN")
	}
	s.writeLine("250-SIZE %d", s.cfg.MaxMessageSize)
	s.writeLine("250 OK")
}

// handleSTARTTLS upgrades the connection to TLS and resets the session.
func (s *Session) handleSTARTTLS(next State) {
	if s.tlsConfig == nil {
		s.writeLine("454 TLS not available")
		return
	}
	if s.tlsActive {
		s.writeLine("454 TLS already active")
		return
	}

	s.writeLine("220 Ready to start TLS")

	tlsConn := tls.Server(s.conn, s.tlsConfig)
	if err := tlsConn.Handshake(); err != nil {
		slog.Error("TLS handshake failed", "error", err)
		return
	}

	s.conn = tlsConn
	s.reader = newLineReader(tlsConn, s.cfg.MaxLineLength)
	s.writer = bufio.NewWriter(tlsConn)
	s.tlsActive = true
	s.authed = false
	s.state = next
	s.resetTransaction()
}

// handleAUTH processes AUTH PLAIN and AUTH LOGIN.
func (s *Session) handleAUTH(arg string) {
	if !s.auth.Enabled() {
		s.writeLine("503 AUTH not available")
		return
	}
	if s.authed {
		s.writeLine("503 already authenticated")
		return
	}

	parts := strings.SplitN(arg, " ", 2)
	switch strings.ToUpper(parts[0]) {
	case "PLAIN":
		s.handleAuthPlain(parts)
	case "LOGIN":
		s.handleAuthLogin()
	default:
		s.writeLine("504 Unrecognized authentication type")
	}
}

func (s *Session) handleAuthPlain(parts []string) {
	var encoded string

	if len(parts) > 1 && parts[1] != "" {
		encoded = parts[1]
	} else {
		s.writeLine("334")
		line, err := s.reader.ReadLine()
		if err != nil {
			slog.Error("failed to read AUTH PLAIN response", "error", err)
			return
		}
		encoded = line
	}

	if encoded == "*" {
		s.writeLine("501 Authentication cancelled")
		return
	}

	if err := s.auth.VerifyPlain(encoded); err != nil {
		s.writeLine("535 Authentication failed")
		return
	}

	s.authed = true
	s.writeLine("235 Authentication successful")
}

func (s *Session) handleAuthLogin() {
	// Base64 "Username:" and "Password:" challenges.
	s.writeLine("334 VXNlcm5hbWU6")
	encodedUser, err := s.reader.ReadLine()
	if err != nil {
		slog.Error("failed to read AUTH LOGIN username", "error", err)
		return
	}
	if encodedUser == "*" {
		s.writeLine("501 Authentication cancelled")
		return
	}

	s.writeLine("334 UGFzc3dvcmQ6")
	encodedPass, err := s.reader.ReadLine()
	if err != nil {
		slog.Error("failed to read AUTH LOGIN password", "error", err)
		return
	}
	if encodedPass == "*" {
		s.writeLine("501 Authentication cancelled")
		return
	}

	if err := s.auth.VerifyLogin(encodedUser, encodedPass); err != nil {
		s.writeLine("535 Authentication failed")
		return
	}

	s.authed = true
	s.writeLine("235 Authentication successful")
}

// handleMAIL processes MAIL FROM, including the SIZE parameter.
func (s *Session) handleMAIL(arg string, next State) {
	if s.auth.Enabled() && !s.authed {
		s.writeLine("530 Authentication required")
		return
	}

	if !strings.HasPrefix(strings.ToUpper(arg), "FROM:") {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}

	addrPart, params := splitParams(arg[5:])
	addr, ok := extractAddress(addrPart)
	if !ok {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}

	for _, p := range params {
		if size, found := strings.CutPrefix(strings.ToUpper(p), "SIZE="); found {
			declared, err := strconv.ParseInt(size, 10, 64)
			if err != nil {
				s.writeLine("501 invalid SIZE parameter")
				return
			}
			if declared > s.cfg.MaxMessageSize {
				s.writeLine("552 message size exceeds maximum of %d bytes", s.cfg.MaxMessageSize)
				return
			}
		}
	}

	s.mailFrom = addr
	s.rcptTo = nil
	s.state = next
	s.writeLine("250 OK")
}

// handleRCPT processes RCPT TO, applying the recipient allow-list.
func (s *Session) handleRCPT(arg string, next State) {
	if !strings.HasPrefix(strings.ToUpper(arg), "TO:") {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}

	addrPart, _ := splitParams(arg[3:])
	addr, ok := extractAddress(addrPart)
	if !ok || addr == "" {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}

	if len(s.allowed) > 0 {
		if _, found := s.allowed[strings.ToLower(addr)]; !found {
			s.writeLine("550 recipient not configured on this bridge")
			return
		}
	}

	s.rcptTo = append(s.rcptTo, addr)
	s.state = next
	s.writeLine("250 OK")
}

// handleDATA collects the message payload, assembles the envelope and
// hands it to the forwarding pipeline. It returns true when the failure
// mode requires closing the connection.
func (s *Session) handleDATA(ctx context.Context, reply Reply) bool {
	s.writeLine(reply.String())
	s.state = StateData

	if err := s.conn.SetDeadline(time.Now().Add(dataTimeout)); err != nil {
		slog.Error("failed to set DATA deadline", "error", err)
		return true
	}

	data, err := s.reader.ReadData(s.cfg.MaxMessageSize)
	if err != nil {
		return s.handleDataError(err)
	}

	env, err := parser.Parse(data)
	if err != nil {
		slog.Warn("failed to assemble message", "error", err, "peer", s.conn.RemoteAddr())
		s.writeLine("554 message could not be processed")
		s.resetTransaction()
		s.state = StateReady
		return false
	}

	env.ID = ulid.Make().String()
	env.From = s.mailFrom
	env.To = append([]string(nil), s.rcptTo...)
	env.Size = int64(len(data))
	env.Received = time.Now().UTC()

	if err := s.submit.Submit(ctx, env); err != nil {
		// ErrFull is overload and ErrClosed is shutdown; both resolve by
		// having the sending MTA retry later.
		if !errors.Is(err, queue.ErrFull) && !errors.Is(err, queue.ErrClosed) {
			slog.Error("submit failed", "id", env.ID, "error", err)
		}
		s.writeLine("451 server busy, try again later")
		s.resetTransaction()
		s.state = StateReady
		return false
	}

	slog.Info("message accepted",
		"id", env.ID,
		"from", env.From,
		"recipients", len(env.To),
		"size", env.Size,
	)
	s.writeLine("250 OK queued as %s", env.ID)
	s.resetTransaction()
	s.state = StateReady
	return false
}

// handleDataError answers a failed DATA capture. Oversize keeps the
// connection open; anything else is fatal to the session because the
// stream position is unknown.
func (s *Session) handleDataError(err error) bool {
	var netErr net.Error
	switch {
	case errors.Is(err, ErrMessageTooLarge):
		s.writeLine("552 message exceeds maximum size of %d bytes", s.cfg.MaxMessageSize)
		s.resetTransaction()
		s.state = StateReady
		return false
	case errors.Is(err, ErrLineTooLong):
		s.writeLine("500 line too long, closing connection")
		s.state = StateClosing
	case errors.As(err, &netErr) && netErr.Timeout():
		s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		s.writeLine("421 %s timeout during DATA, closing connection", s.cfg.Hostname)
		s.state = StateClosing
	default:
		slog.Debug("error reading DATA", "error", err)
		s.state = StateClosing
	}
	return true
}

// resetTransaction clears the mail transaction without touching the
// greeting or authentication state.
func (s *Session) resetTransaction() {
	s.mailFrom = ""
	s.rcptTo = nil
}

// writeLine writes one reply line followed by CRLF and flushes.
func (s *Session) writeLine(format string, args ...interface{}) {
	line := fmt.Sprintf(format, args...)
	if _, err := s.writer.WriteString(line + "\r\n"); err != nil {
		slog.Debug("failed to write to client", "error", err)
		return
	}
	if err := s.writer.Flush(); err != nil {
		slog.Debug("failed to flush to client", "error", err)
	}
}

// parseCommand splits a protocol line into the uppercased verb and its
// argument.
func parseCommand(line string) (string, string) {
	verb, arg, _ := strings.Cut(line, " ")
	return strings.ToUpper(verb), arg
}

// splitParams separates the address portion of a MAIL/RCPT argument from
// trailing ESMTP parameters.
func splitParams(arg string) (string, []string) {
	fields := strings.Fields(strings.TrimSpace(arg))
	if len(fields) == 0 {
		return "", nil
	}
	return fields[0], fields[1:]
}

// extractAddress pulls the address out of an angle-bracket or bare form.
// The empty reverse-path <> is valid for MAIL FROM (bounce messages), so
// ok distinguishes syntax errors from an intentionally empty address.
func extractAddress(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}

	if strings.HasPrefix(s, "<") {
		end := strings.Index(s, ">")
		if end < 0 {
			return "", false
		}
		return s[1:end], true
	}

	return s, true
}
