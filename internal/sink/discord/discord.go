// Package discord implements a Sink that posts messages to a Discord
// channel through a webhook.
package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/quillmail/smtp-discord-bridge/internal/sink"
)

// MaxMessageLen is the Discord limit on message content length.
const MaxMessageLen = 2000

// WebhookAuth identifies a Discord webhook.
type WebhookAuth struct {
	ID    string
	Token string
}

// ParseWebhookURL extracts the webhook id and token from a full webhook
// URL. As of this writing the format is
// https://discord.com/api/webhooks/ID/TOKEN; the hostname is not checked
// since Discord has changed domains before.
func ParseWebhookURL(raw string) (WebhookAuth, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return WebhookAuth{}, fmt.Errorf("invalid webhook URL: %w", err)
	}

	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(segments) < 4 || segments[0] != "api" || segments[1] != "webhooks" {
		return WebhookAuth{}, fmt.Errorf("webhook URL path must be /api/webhooks/ID/TOKEN, got %q", u.Path)
	}
	if segments[2] == "" {
		return WebhookAuth{}, fmt.Errorf("webhook URL missing id")
	}
	if _, err := strconv.ParseUint(segments[2], 10, 64); err != nil {
		return WebhookAuth{}, fmt.Errorf("webhook id %q is not numeric: %w", segments[2], err)
	}
	if segments[3] == "" {
		return WebhookAuth{}, fmt.Errorf("webhook URL missing token")
	}

	return WebhookAuth{ID: segments[2], Token: segments[3]}, nil
}

// Webhook posts messages to a Discord webhook endpoint.
type Webhook struct {
	executeURL string
	httpClient *http.Client
}

// New creates a Webhook sink for the given webhook identity.
func New(auth WebhookAuth) *Webhook {
	return &Webhook{
		executeURL: fmt.Sprintf("https://discord.com/api/webhooks/%s/%s?wait=true", auth.ID, auth.Token),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// newWithOverrides creates a Webhook with a custom endpoint and HTTP
// client, used for testing.
func newWithOverrides(executeURL string, client *http.Client) *Webhook {
	return &Webhook{
		executeURL: executeURL,
		httpClient: client,
	}
}

// executePayload is the webhook execute request body. Only plain content
// messages are sent; attachments are surfaced as text by the formatter.
type executePayload struct {
	Content string `json:"content"`
}

// apiError is the error body Discord returns on failed requests.
type apiError struct {
	Message    string  `json:"message"`
	Code       int     `json:"code"`
	RetryAfter float64 `json:"retry_after"`
}

// Post submits one content chunk to the webhook. The returned error is
// classified for the forwarder's retry logic: rate limits and 5xx are
// transient, payload rejections are permanent.
func (w *Webhook) Post(ctx context.Context, content string) error {
	bodyJSON, err := json.Marshal(executePayload{Content: content})
	if err != nil {
		return sink.Permanent("failed to marshal webhook payload: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.executeURL, bytes.NewReader(bodyJSON))
	if err != nil {
		return sink.Permanent("failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return sink.Transient("webhook request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	respBody, _ := io.ReadAll(resp.Body)

	message := strings.TrimSpace(string(respBody))
	var decoded apiError
	if jsonErr := json.Unmarshal(respBody, &decoded); jsonErr == nil && decoded.Message != "" {
		message = decoded.Message
	}

	return classify(resp.StatusCode, message, retryAfterSeconds(resp, decoded))
}

// Name returns the sink name.
func (w *Webhook) Name() string {
	return "discord"
}

// classify maps a webhook HTTP failure onto the sink error taxonomy.
func classify(statusCode int, message string, retryAfter int) error {
	switch {
	case statusCode == http.StatusTooManyRequests:
		return &sink.Error{
			Message:           fmt.Sprintf("rate limited by Discord (HTTP 429): %s", message),
			RetryAfterSeconds: retryAfter,
		}
	case statusCode >= 500:
		return sink.Transient("Discord server error (HTTP %d): %s", statusCode, message)
	default:
		// 400 malformed payload, 401/403 bad token, 404 deleted webhook:
		// retrying cannot succeed.
		return sink.Permanent("Discord rejected webhook request (HTTP %d): %s", statusCode, message)
	}
}

// retryAfterSeconds extracts the rate-limit delay from either the
// Retry-After header or the JSON body, whichever is present.
func retryAfterSeconds(resp *http.Response, decoded apiError) int {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if seconds, err := strconv.Atoi(v); err == nil && seconds > 0 {
			return seconds
		}
	}
	if decoded.RetryAfter > 0 {
		// Body value is fractional seconds; round up so we never retry early.
		return int(math.Ceil(decoded.RetryAfter))
	}
	return 0
}
