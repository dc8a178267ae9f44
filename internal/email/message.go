// Package email defines the envelope data model shared between the SMTP
// front end and the Discord forwarder.
package email

import "time"

// Header is a single message header field. Headers are kept as an ordered
// list because fields may repeat and presentation must be deterministic.
type Header struct {
	Name  string
	Value string
}

// Envelope is one accepted mail transaction: the SMTP envelope addresses
// plus the parsed content of the DATA payload. An Envelope is immutable
// once handed to the forwarding queue.
type Envelope struct {
	// ID is a ULID assigned when the message is accepted.
	ID string

	// From is the MAIL FROM address, raw and syntactically unvalidated
	// beyond angle-bracket extraction.
	From string

	// To holds the accepted RCPT TO addresses in the order they were
	// issued. Duplicates are permitted.
	To []string

	// Headers is the raw header block in original order.
	Headers []Header

	// Subject, FromHeader and Date are extracted from the header block
	// for presentation. They may be empty.
	Subject    string
	FromHeader string
	Date       string

	// TextBody is the extracted plain-text body. For non-text content it
	// holds a placeholder describing the original content type.
	TextBody string

	// Warnings records degraded-parse markers (unknown encodings,
	// skipped parts). The message is still forwarded.
	Warnings []string

	// Attachments lists attachment metadata. The bridge cannot post
	// files, so only name/type/size survive into the formatted output.
	Attachments []AttachmentInfo

	// Size is the DATA payload size in bytes after dot-unstuffing.
	Size int64

	// Received is when the final "." was accepted.
	Received time.Time
}

// AttachmentInfo describes an attachment without carrying its content.
type AttachmentInfo struct {
	Filename    string
	ContentType string
	Size        int
}

// Get returns the first value of the named header, or "" if absent.
// Names are matched as stored; the parser canonicalizes them.
func (e *Envelope) Get(name string) string {
	for _, h := range e.Headers {
		if h.Name == name {
			return h.Value
		}
	}
	return ""
}
