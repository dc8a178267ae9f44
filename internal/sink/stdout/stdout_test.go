package stdout

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestSink_Post(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	s := NewWithWriter(&buf)

	if err := s.Post(context.Background(), "alert: backup failed"); err != nil {
		t.Fatalf("Post: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "alert: backup failed") {
		t.Errorf("output missing content: %q", out)
	}
	if !strings.Contains(out, "----") {
		t.Errorf("output missing delimiter: %q", out)
	}
}

func TestSink_Name(t *testing.T) {
	t.Parallel()

	if got := New().Name(); got != "stdout" {
		t.Errorf("Name() = %q, want %q", got, "stdout")
	}
}
