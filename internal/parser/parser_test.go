package parser

import (
	"strings"
	"testing"
)

func TestParse_PlainText(t *testing.T) {
	t.Parallel()

	raw := "From: Cron Daemon <root@host>\r\n" +
		"To: ops@example.com\r\n" +
		"Subject: nightly job output\r\n" +
		"Date: Sat, 30 Aug 2026 03:14:00 +0000\r\n" +
		"\r\n" +
		"job finished in 42s\r\n"

	env, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if env.Subject != "nightly job output" {
		t.Errorf("Subject: got %q", env.Subject)
	}
	if env.FromHeader != "Cron Daemon <root@host>" {
		t.Errorf("FromHeader: got %q", env.FromHeader)
	}
	if env.Date != "Sat, 30 Aug 2026 03:14:00 +0000" {
		t.Errorf("Date: got %q", env.Date)
	}
	if env.TextBody != "job finished in 42s\r\n" {
		t.Errorf("TextBody: got %q", env.TextBody)
	}
	if len(env.Warnings) != 0 {
		t.Errorf("unexpected warnings: %v", env.Warnings)
	}
}

func TestParse_HeaderOrderPreserved(t *testing.T) {
	t.Parallel()

	raw := "Received: from a\r\n" +
		"Received: from b\r\n" +
		"Subject: hi\r\n" +
		"\r\n" +
		"body\r\n"

	env, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	wantNames := []string{"Received", "Received", "Subject"}
	if len(env.Headers) != len(wantNames) {
		t.Fatalf("header count: got %d, want %d", len(env.Headers), len(wantNames))
	}
	for i, name := range wantNames {
		if env.Headers[i].Name != name {
			t.Errorf("header %d: got %q, want %q", i, env.Headers[i].Name, name)
		}
	}
	if env.Headers[0].Value != "from a" || env.Headers[1].Value != "from b" {
		t.Errorf("duplicate headers must keep distinct values in order: %v", env.Headers)
	}
}

func TestParse_ContinuationUnfolding(t *testing.T) {
	t.Parallel()

	raw := "Subject: a very long\r\n" +
		"\tfolded subject line\r\n" +
		"\r\n" +
		"body\r\n"

	env, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if env.Subject != "a very long folded subject line" {
		t.Errorf("Subject: got %q", env.Subject)
	}
}

func TestParse_EncodedWordSubject(t *testing.T) {
	t.Parallel()

	raw := "Subject: =?utf-8?q?caf=C3=A9_report?=\r\n" +
		"\r\n" +
		"body\r\n"

	env, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if env.Subject != "café report" {
		t.Errorf("Subject: got %q", env.Subject)
	}
}

func TestParse_MissingHeaderBlock(t *testing.T) {
	t.Parallel()

	raw := "this is just body text\r\n" +
		"\r\n" +
		"with no headers at all\r\n"

	env, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if len(env.Headers) != 0 {
		t.Errorf("headers: got %v, want none", env.Headers)
	}
	if !strings.Contains(env.TextBody, "this is just body text") {
		t.Errorf("whole payload should become the body, got %q", env.TextBody)
	}
	if len(env.Warnings) == 0 {
		t.Error("expected a missing-header-block warning")
	}
}

func TestParse_MalformedHeaderLineWarns(t *testing.T) {
	t.Parallel()

	raw := "Subject: ok\r\n" +
		"this line has spaces before: the colon\r\n" +
		"X-Good: fine\r\n" +
		"\r\n" +
		"body\r\n"

	env, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if env.Get("X-Good") != "fine" {
		t.Errorf("valid header after malformed line lost: %v", env.Headers)
	}
	if len(env.Warnings) == 0 {
		t.Error("expected a malformed-header warning")
	}
}

func TestParse_QuotedPrintableBody(t *testing.T) {
	t.Parallel()

	raw := "Content-Type: text/plain; charset=utf-8\r\n" +
		"Content-Transfer-Encoding: quoted-printable\r\n" +
		"\r\n" +
		"caf=C3=A9 =3D good\r\n"

	env, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !strings.Contains(env.TextBody, "café = good") {
		t.Errorf("TextBody: got %q", env.TextBody)
	}
}

func TestParse_Base64Body(t *testing.T) {
	t.Parallel()

	// "hello from base64"
	raw := "Content-Type: text/plain\r\n" +
		"Content-Transfer-Encoding: base64\r\n" +
		"\r\n" +
		"aGVsbG8gZnJv\r\n" +
		"bSBiYXNlNjQ=\r\n"

	env, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if env.TextBody != "hello from base64" {
		t.Errorf("TextBody: got %q", env.TextBody)
	}
}

func TestParse_UnknownEncodingPassesThrough(t *testing.T) {
	t.Parallel()

	raw := "Content-Type: text/plain\r\n" +
		"Content-Transfer-Encoding: x-custom\r\n" +
		"\r\n" +
		"untouched content\r\n"

	env, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !strings.Contains(env.TextBody, "untouched content") {
		t.Errorf("TextBody: got %q", env.TextBody)
	}
	if len(env.Warnings) != 1 || !strings.Contains(env.Warnings[0], "x-custom") {
		t.Errorf("warnings: got %v, want unsupported-encoding warning", env.Warnings)
	}
}

func TestParse_MultipartFirstTextPart(t *testing.T) {
	t.Parallel()

	raw := "Subject: mixed\r\n" +
		"Content-Type: multipart/alternative; boundary=\"BOUND\"\r\n" +
		"\r\n" +
		"--BOUND\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"plain version\r\n" +
		"--BOUND\r\n" +
		"Content-Type: text/html\r\n" +
		"\r\n" +
		"<p>html version</p>\r\n" +
		"--BOUND--\r\n"

	env, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !strings.Contains(env.TextBody, "plain version") {
		t.Errorf("TextBody: got %q", env.TextBody)
	}
	if strings.Contains(env.TextBody, "html version") {
		t.Errorf("html part leaked into body: %q", env.TextBody)
	}
}

func TestParse_MultipartWithAttachment(t *testing.T) {
	t.Parallel()

	raw := "Content-Type: multipart/mixed; boundary=\"BOUND\"\r\n" +
		"\r\n" +
		"--BOUND\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"see attached\r\n" +
		"--BOUND\r\n" +
		"Content-Type: application/pdf\r\n" +
		"Content-Disposition: attachment; filename=\"report.pdf\"\r\n" +
		"Content-Transfer-Encoding: base64\r\n" +
		"\r\n" +
		"JVBERi0=\r\n" +
		"--BOUND--\r\n"

	env, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !strings.Contains(env.TextBody, "see attached") {
		t.Errorf("TextBody: got %q", env.TextBody)
	}
	if len(env.Attachments) != 1 {
		t.Fatalf("attachments: got %v", env.Attachments)
	}
	att := env.Attachments[0]
	if att.Filename != "report.pdf" {
		t.Errorf("Filename: got %q", att.Filename)
	}
	if att.ContentType != "application/pdf" {
		t.Errorf("ContentType: got %q", att.ContentType)
	}
	if att.Size != 5 { // decoded "%PDF-"
		t.Errorf("Size: got %d, want 5", att.Size)
	}
}

func TestParse_NestedMultipart(t *testing.T) {
	t.Parallel()

	raw := "Content-Type: multipart/mixed; boundary=\"OUTER\"\r\n" +
		"\r\n" +
		"--OUTER\r\n" +
		"Content-Type: multipart/alternative; boundary=\"INNER\"\r\n" +
		"\r\n" +
		"--INNER\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"nested plain text\r\n" +
		"--INNER--\r\n" +
		"--OUTER--\r\n"

	env, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !strings.Contains(env.TextBody, "nested plain text") {
		t.Errorf("TextBody: got %q", env.TextBody)
	}
}

func TestParse_MultipartWithoutTextPart(t *testing.T) {
	t.Parallel()

	raw := "Content-Type: multipart/alternative; boundary=\"BOUND\"\r\n" +
		"\r\n" +
		"--BOUND\r\n" +
		"Content-Type: text/html\r\n" +
		"\r\n" +
		"<p>only html</p>\r\n" +
		"--BOUND--\r\n"

	env, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !strings.Contains(env.TextBody, "[no text content") {
		t.Errorf("want placeholder body, got %q", env.TextBody)
	}
}

func TestParse_NonTextTopLevel(t *testing.T) {
	t.Parallel()

	raw := "Content-Type: application/octet-stream\r\n" +
		"\r\n" +
		"binaryish but valid utf-8\r\n"

	env, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !strings.Contains(env.TextBody, "application/octet-stream") {
		t.Errorf("placeholder should name the content type, got %q", env.TextBody)
	}
	if len(env.Warnings) == 0 {
		t.Error("expected a non-text warning")
	}
}

func TestParse_InvalidUTF8Fails(t *testing.T) {
	t.Parallel()

	raw := "Subject: bad\r\n\r\n\xff\xfe\xfd\r\n"
	if _, err := Parse([]byte(raw)); err == nil {
		t.Fatal("non-UTF-8 body must fail assembly")
	}
}

func TestParse_HeaderGetIsCaseInsensitive(t *testing.T) {
	t.Parallel()

	raw := "x-custom-header: value\r\n\r\nbody\r\n"
	env, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if env.Get("X-Custom-Header") != "value" {
		t.Errorf("Get: got %q", env.Get("X-Custom-Header"))
	}
}
