// Package parser assembles raw DATA payloads into envelopes: ordered
// headers, best-effort MIME text extraction, degraded variants instead of
// failures wherever the content is merely unusual rather than unusable.
package parser

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/textproto"
	"strings"
	"unicode/utf8"

	"github.com/quillmail/smtp-discord-bridge/internal/email"
)

// nonTextPlaceholder is the body used when no text part could be extracted.
const nonTextPlaceholder = "[no text content; original Content-Type: %s]"

// Parse assembles a raw RFC 5322 payload into an Envelope carrying the
// ordered header block and an extracted plain-text body. Unknown MIME
// structures and encodings degrade to warnings; Parse only fails when the
// payload cannot be represented as text at all (non-UTF-8 content).
func Parse(raw []byte) (*email.Envelope, error) {
	headers, body, warnings := splitMessage(raw)

	env := &email.Envelope{
		Headers:  headers,
		Warnings: warnings,
	}

	env.Subject = decodeHeaderWord(env.Get("Subject"))
	env.FromHeader = decodeHeaderWord(env.Get("From"))
	env.Date = env.Get("Date")

	text, bodyWarnings := extractText(env, body)
	env.Warnings = append(env.Warnings, bodyWarnings...)

	if !utf8.ValidString(text) {
		return nil, fmt.Errorf("message body is not valid UTF-8")
	}
	env.TextBody = text

	return env, nil
}

// splitMessage separates the header block from the body and parses the
// headers into an ordered list, unfolding continuation lines. A payload
// whose first line does not look like a header is treated as all body.
func splitMessage(raw []byte) ([]email.Header, []byte, []string) {
	var warnings []string

	headerBlock, body := cutHeaderBlock(raw)
	if len(headerBlock) == 0 {
		return nil, body, warnings
	}

	lines := splitLines(headerBlock)
	if len(lines) > 0 && !strings.Contains(lines[0], ":") {
		warnings = append(warnings, "message has no header block")
		return nil, raw, warnings
	}

	var headers []email.Header
	for _, line := range lines {
		if line == "" {
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			// Continuation of the previous header.
			if len(headers) == 0 {
				warnings = append(warnings, "continuation line before first header ignored")
				continue
			}
			headers[len(headers)-1].Value += " " + strings.TrimSpace(line)
			continue
		}

		name, value, found := strings.Cut(line, ":")
		if !found || strings.ContainsAny(name, " \t") {
			warnings = append(warnings, fmt.Sprintf("malformed header line ignored: %.40q", line))
			continue
		}
		headers = append(headers, email.Header{
			Name:  textproto.CanonicalMIMEHeaderKey(name),
			Value: strings.TrimSpace(value),
		})
	}

	return headers, body, warnings
}

// cutHeaderBlock splits raw at the first blank line. If there is none,
// the whole payload is headers per RFC 5322, but a missing separator on
// real mail almost always means a bare body, so headerless input falls
// through to splitMessage's heuristic.
func cutHeaderBlock(raw []byte) (header, body []byte) {
	for _, sep := range []string{"\r\n\r\n", "\n\n"} {
		if idx := bytes.Index(raw, []byte(sep)); idx >= 0 {
			return raw[:idx], raw[idx+len(sep):]
		}
	}
	return raw, nil
}

func splitLines(block []byte) []string {
	s := strings.ReplaceAll(string(block), "\r\n", "\n")
	return strings.Split(s, "\n")
}

// extractText produces the presentation body for an envelope: the plain
// text part of whatever structure the message has, or a placeholder.
func extractText(env *email.Envelope, body []byte) (string, []string) {
	var warnings []string

	contentType := env.Get("Content-Type")
	if contentType == "" {
		contentType = "text/plain"
	}

	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		warnings = append(warnings, fmt.Sprintf("unparseable Content-Type %q, treating as plain text", contentType))
		return string(body), warnings
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			warnings = append(warnings, "multipart message missing boundary, passing body through")
			return string(body), warnings
		}
		text, found, partWarnings, attachments := firstTextPart(bytes.NewReader(body), boundary)
		warnings = append(warnings, partWarnings...)
		env.Attachments = append(env.Attachments, attachments...)
		if !found {
			return fmt.Sprintf(nonTextPlaceholder, mediaType), warnings
		}
		return text, warnings
	}

	decoded, decodeWarnings := decodeTransferEncoding(body, env.Get("Content-Transfer-Encoding"))
	warnings = append(warnings, decodeWarnings...)

	if strings.HasPrefix(mediaType, "text/") {
		return string(decoded), warnings
	}

	warnings = append(warnings, fmt.Sprintf("non-text top-level content type %q", mediaType))
	return fmt.Sprintf(nonTextPlaceholder, mediaType), warnings
}

// firstTextPart walks a multipart body and returns the first text/plain
// part, collecting attachment metadata and warnings along the way.
// Nested multiparts are descended into.
func firstTextPart(body io.Reader, boundary string) (text string, found bool, warnings []string, attachments []email.AttachmentInfo) {
	reader := multipart.NewReader(body, boundary)

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("multipart read error: %v", err))
			break
		}

		partType := part.Header.Get("Content-Type")
		if partType == "" {
			partType = "text/plain"
		}

		mediaType, params, err := mime.ParseMediaType(partType)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("skipping part with unparseable Content-Type %q", partType))
			continue
		}

		if strings.HasPrefix(mediaType, "multipart/") {
			nested := params["boundary"]
			if nested == "" {
				warnings = append(warnings, "nested multipart missing boundary, skipped")
				continue
			}
			nestedText, nestedFound, nestedWarnings, nestedAtts := firstTextPart(part, nested)
			warnings = append(warnings, nestedWarnings...)
			attachments = append(attachments, nestedAtts...)
			if nestedFound && !found {
				text = nestedText
				found = true
			}
			continue
		}

		content, err := io.ReadAll(part)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("failed to read %s part: %v", mediaType, err))
			continue
		}

		decoded, decodeWarnings := decodeTransferEncoding(content, part.Header.Get("Content-Transfer-Encoding"))
		warnings = append(warnings, decodeWarnings...)

		disposition := part.Header.Get("Content-Disposition")
		if strings.HasPrefix(disposition, "attachment") || part.FileName() != "" {
			attachments = append(attachments, email.AttachmentInfo{
				Filename:    attachmentName(part, params, mediaType),
				ContentType: mediaType,
				Size:        len(decoded),
			})
			continue
		}

		if mediaType == "text/plain" && !found {
			text = string(decoded)
			found = true
			continue
		}

		slog.Debug("ignoring MIME part", "content_type", mediaType, "disposition", disposition)
	}

	return text, found, warnings, attachments
}

// decodeTransferEncoding decodes base64 and quoted-printable content.
// Unknown encodings pass through untouched with a warning marker rather
// than failing the message.
func decodeTransferEncoding(content []byte, encoding string) ([]byte, []string) {
	encoding = strings.ToLower(strings.TrimSpace(encoding))

	switch encoding {
	case "", "7bit", "8bit", "binary":
		return content, nil
	case "quoted-printable":
		decoded, err := io.ReadAll(quotedprintable.NewReader(bytes.NewReader(content)))
		if err != nil {
			return content, []string{fmt.Sprintf("quoted-printable decode failed, passing through: %v", err)}
		}
		return decoded, nil
	case "base64":
		cleaned := strings.NewReplacer("\r", "", "\n", "").Replace(string(content))
		decoded, err := base64.StdEncoding.DecodeString(cleaned)
		if err != nil {
			decoded, err = base64.RawStdEncoding.DecodeString(cleaned)
		}
		if err != nil {
			return content, []string{fmt.Sprintf("base64 decode failed, passing through: %v", err)}
		}
		return decoded, nil
	default:
		return content, []string{fmt.Sprintf("unsupported transfer encoding %q passed through as-is", encoding)}
	}
}

// decodeHeaderWord decodes RFC 2047 encoded words in a header value,
// falling back to the raw value when decoding fails.
func decodeHeaderWord(value string) string {
	if !strings.Contains(value, "=?") {
		return value
	}
	dec := new(mime.WordDecoder)
	decoded, err := dec.DecodeHeader(value)
	if err != nil {
		return value
	}
	return decoded
}

// attachmentName picks a display name for an attachment, preferring the
// Content-Disposition filename, then the Content-Type name parameter.
func attachmentName(part *multipart.Part, params map[string]string, mediaType string) string {
	if fn := part.FileName(); fn != "" {
		return fn
	}
	if name, ok := params["name"]; ok && name != "" {
		return name
	}
	if _, subtype, ok := strings.Cut(mediaType, "/"); ok {
		return "attachment." + subtype
	}
	return "attachment"
}
