package smtp

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"
)

func TestServer_RejectsOverConnectionLimit(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	srv := New(ServerConfig{
		Session:        SessionConfig{Hostname: "mail.test.com"},
		Submitter:      &mockSubmitter{},
		MaxConnections: 1,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serveDone := make(chan struct{})
	go func() {
		srv.Serve(ctx, ln)
		close(serveDone)
	}()

	// First connection occupies the only slot.
	first, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("first dial: %v", err)
	}
	defer first.Close()
	if got := readLine(t, bufio.NewReader(first)); !strings.HasPrefix(got, "220") {
		t.Fatalf("first connection greeting: got %q", got)
	}

	// The second must be turned away with a 421, not silently dropped.
	second, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("second dial: %v", err)
	}
	defer second.Close()
	second.SetReadDeadline(time.Now().Add(5 * time.Second))

	got := readLine(t, bufio.NewReader(second))
	if !strings.HasPrefix(got, "421") {
		t.Errorf("over-limit connection: got %q, want 421", got)
	}
	if !strings.Contains(got, "mail.test.com") {
		t.Errorf("421 reply should contain hostname, got %q", got)
	}

	cancel()
	select {
	case <-serveDone:
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop after cancellation")
	}
}

func TestServer_SlotFreedAfterDisconnect(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	srv := New(ServerConfig{
		Session:        SessionConfig{Hostname: "mail.test.com"},
		Submitter:      &mockSubmitter{},
		MaxConnections: 1,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx, ln)

	first, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("first dial: %v", err)
	}
	reader := bufio.NewReader(first)
	readLine(t, reader)
	sendCmd(t, first, "QUIT")
	readLine(t, reader)
	first.Close()

	// The freed slot must become available again. Retry briefly since the
	// release happens after the session goroutine finishes.
	deadline := time.Now().Add(5 * time.Second)
	for {
		conn, err := net.Dial("tcp", ln.Addr().String())
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		got, err := bufio.NewReader(conn).ReadString('\n')
		conn.Close()
		if err == nil && strings.HasPrefix(got, "220") {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("slot never freed, last reply %q err %v", got, err)
		}
		time.Sleep(50 * time.Millisecond)
	}
}
