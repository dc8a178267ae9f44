package forward

import (
	"fmt"
	"strings"

	"github.com/quillmail/smtp-discord-bridge/internal/email"
)

// Format renders an envelope into chat message chunks, each at most
// limit characters. The first chunk carries the mail header summary; the
// body is split at line boundaries where possible. The output is fully
// determined by the envelope, so re-running Format yields identical
// chunk boundaries.
func Format(env *email.Envelope, limit int) []string {
	var lines []string

	lines = append(lines, "**New Email**")
	lines = append(lines, fmt.Sprintf("From: %s", senderLine(env)))
	lines = append(lines, fmt.Sprintf("To: %s", strings.Join(env.To, ", ")))
	if env.Subject != "" {
		lines = append(lines, fmt.Sprintf("Subject: %s", env.Subject))
	}
	if env.Date != "" {
		lines = append(lines, fmt.Sprintf("Date: %s", env.Date))
	}

	lines = append(lines, "")
	lines = append(lines, splitBodyLines(env.TextBody)...)

	if len(env.Attachments) > 0 {
		lines = append(lines, "")
		for _, att := range env.Attachments {
			lines = append(lines, fmt.Sprintf("Attachment: %s (%s, %d bytes)", att.Filename, att.ContentType, att.Size))
		}
	}
	for _, w := range env.Warnings {
		lines = append(lines, fmt.Sprintf("[warning: %s]", w))
	}

	return packLines(lines, limit)
}

// senderLine prefers the envelope sender and appends the From header when
// it adds information.
func senderLine(env *email.Envelope) string {
	if env.FromHeader != "" && env.FromHeader != env.From {
		return fmt.Sprintf("%s (%s)", env.From, env.FromHeader)
	}
	return env.From
}

func splitBodyLines(body string) []string {
	body = strings.ReplaceAll(body, "\r\n", "\n")
	body = strings.TrimRight(body, "\n")
	if body == "" {
		return nil
	}
	return strings.Split(body, "\n")
}

// packLines greedily joins lines into chunks no longer than limit. A
// single line longer than the limit is hard-split; everything else breaks
// at line boundaries.
func packLines(lines []string, limit int) []string {
	if limit <= 0 {
		return []string{strings.Join(lines, "\n")}
	}

	var chunks []string
	var current strings.Builder

	flush := func() {
		if current.Len() > 0 {
			chunks = append(chunks, current.String())
			current.Reset()
		}
	}

	for _, line := range lines {
		for len(line) > limit {
			flush()
			chunks = append(chunks, line[:limit])
			line = line[limit:]
		}

		need := len(line)
		if current.Len() > 0 {
			need++ // joining newline
		}
		if current.Len()+need > limit {
			flush()
		}
		if current.Len() > 0 {
			current.WriteByte('\n')
		}
		current.WriteString(line)
	}
	flush()

	if len(chunks) == 0 {
		chunks = []string{""}
	}
	return chunks
}
