package smtp

import (
	"bufio"
	"bytes"
	"io"
	"strings"
)

// lineReader turns a connection's byte stream into CRLF-terminated
// protocol lines with a hard per-line length limit, and handles the DATA
// capture mode with dot-unstuffing and a cumulative size ceiling.
type lineReader struct {
	r          *bufio.Reader
	maxLineLen int
}

func newLineReader(r io.Reader, maxLineLen int) *lineReader {
	return &lineReader{
		r:          bufio.NewReader(r),
		maxLineLen: maxLineLen,
	}
}

// ReadLine reads one protocol line, stripped of its CRLF (or bare LF)
// terminator. Lines longer than the limit yield ErrLineTooLong.
func (lr *lineReader) ReadLine() (string, error) {
	var line []byte

	for {
		chunk, err := lr.r.ReadSlice('\n')
		line = append(line, chunk...)

		// +2 allows the CRLF terminator on a maximum-length line.
		if len(line) > lr.maxLineLen+2 {
			return "", ErrLineTooLong
		}

		if err == bufio.ErrBufferFull {
			continue
		}
		if err != nil {
			return "", err
		}
		return strings.TrimRight(string(line), "\r\n"), nil
	}
}

// ReadData collects the DATA section until the lone-dot terminator,
// undoing dot-stuffing and normalizing line endings to CRLF. If the
// payload exceeds maxSize, the remainder is still consumed through the
// terminator so the session can reply 552 in protocol, but nothing is
// retained; the error is ErrMessageTooLarge.
func (lr *lineReader) ReadData(maxSize int64) ([]byte, error) {
	var buf bytes.Buffer
	tooLarge := false

	for {
		line, err := lr.ReadLine()
		if err != nil {
			return nil, err
		}

		if line == "." {
			break
		}

		// Dot-stuffing undo: a leading dot escaping the terminator.
		if strings.HasPrefix(line, ".") {
			line = line[1:]
		}

		if tooLarge {
			continue
		}
		if int64(buf.Len()+len(line)+2) > maxSize {
			tooLarge = true
			buf.Reset()
			continue
		}
		buf.WriteString(line)
		buf.WriteString("\r\n")
	}

	if tooLarge {
		return nil, ErrMessageTooLarge
	}
	return buf.Bytes(), nil
}
