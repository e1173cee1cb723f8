// Package push delivers notifications to the push gateway over HTTP.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/brightfeed/notify/internal/channel"
	"github.com/brightfeed/notify/internal/retry"
)

const requestTimeout = 10 * time.Second

// Sender posts push payloads to the gateway endpoint.
type Sender struct {
	url    string
	apiKey string
	client *http.Client
}

// New creates a push sender for the given gateway URL and API key.
func New(url, apiKey string) *Sender {
	return &Sender{
		url:    url,
		apiKey: apiKey,
		client: &http.Client{Timeout: requestTimeout},
	}
}

func (s *Sender) Name() string { return channel.Push }

// pushRequest is the gateway wire format.
type pushRequest struct {
	UserID         string            `json:"user_id"`
	NotificationID string            `json:"notification_id"`
	Title          string            `json:"title"`
	Body           string            `json:"body"`
	Priority       string            `json:"priority"`
	Data           map[string]string `json:"data,omitempty"`
}

// Send posts the envelope to the gateway. Gateway 4xx responses other than
// 429 are permanent; everything else is left retryable.
func (s *Sender) Send(ctx context.Context, env *channel.Envelope) error {
	if s.url == "" {
		return retry.Permanent("push gateway not configured", nil)
	}

	body, err := json.Marshal(pushRequest{
		UserID:         env.UserID,
		NotificationID: env.NotificationID,
		Title:          env.Title,
		Body:           env.Message,
		Priority:       env.Priority,
		Data:           env.Metadata,
	})
	if err != nil {
		return retry.Permanent("failed to marshal push request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent("failed to build push request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("push gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err = fmt.Errorf("push gateway returned %d: %s", resp.StatusCode, detail)
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return retry.Permanent("push gateway rejected request", err)
	}
	return err
}
