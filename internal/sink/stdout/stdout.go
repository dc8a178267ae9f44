// Package stdout implements a Sink that prints chunks to standard output
// instead of posting them, for local testing and dry runs.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
)

// Sink prints formatted message chunks to stdout.
type Sink struct {
	// writer is the output destination, defaulting to os.Stdout.
	writer io.Writer
}

// New creates a stdout Sink that writes to os.Stdout.
func New() *Sink {
	return &Sink{writer: os.Stdout}
}

// NewWithWriter creates a stdout Sink that writes to the given writer.
// This is useful for testing.
func NewWithWriter(w io.Writer) *Sink {
	return &Sink{writer: w}
}

// Post prints the chunk with a delimiter. It always succeeds.
func (s *Sink) Post(_ context.Context, content string) error {
	fmt.Fprintln(s.writer, "----------------------------------------")
	fmt.Fprintln(s.writer, content)
	return nil
}

// Name returns the sink name.
func (s *Sink) Name() string {
	return "stdout"
}
