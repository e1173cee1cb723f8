// Package sms delivers notifications through an HTTP SMS gateway.
package sms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/brightfeed/notify/internal/channel"
	"github.com/brightfeed/notify/internal/retry"
)

const (
	requestTimeout = 10 * time.Second

	// maxBodyLen truncates SMS bodies to a single concatenated-message budget.
	maxBodyLen = 320
)

// Sender posts SMS payloads to the gateway endpoint.
type Sender struct {
	url    string
	apiKey string
	client *http.Client
}

// New creates an SMS sender for the given gateway URL and API key.
func New(url, apiKey string) *Sender {
	return &Sender{
		url:    url,
		apiKey: apiKey,
		client: &http.Client{Timeout: requestTimeout},
	}
}

func (s *Sender) Name() string { return channel.SMS }

// validNumber checks the E.164 shape: leading +, 8 to 15 digits.
func validNumber(phone string) bool {
	if len(phone) < 9 || len(phone) > 16 || phone[0] != '+' {
		return false
	}
	for _, r := range phone[1:] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

type smsRequest struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

// truncateBody cuts the message to the SMS budget on a rune boundary so the
// gateway never receives a split multi-byte character.
func truncateBody(text string) string {
	if len(text) <= maxBodyLen {
		return text
	}
	cut := maxBodyLen - 3
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + "..."
}

// Send posts the envelope to the gateway. The message is truncated to the
// SMS budget; the title is dropped since SMS has no subject line.
func (s *Sender) Send(ctx context.Context, env *channel.Envelope) error {
	if s.url == "" {
		return retry.Permanent("sms gateway not configured", nil)
	}
	if env.Phone == "" {
		return retry.Permanent("sms recipient is required", nil)
	}
	if !validNumber(env.Phone) {
		return retry.Permanent("invalid phone number: "+env.Phone, nil)
	}

	text := truncateBody(env.Message)

	body, err := json.Marshal(smsRequest{To: env.Phone, Body: text})
	if err != nil {
		return retry.Permanent("failed to marshal sms request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent("failed to build sms request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("sms gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err = fmt.Errorf("sms gateway returned %d: %s", resp.StatusCode, detail)
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return retry.Permanent("sms gateway rejected request", err)
	}
	return err
}
