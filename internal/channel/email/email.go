// Package email delivers notifications over email through a chain of
// providers: the first configured provider that succeeds wins.
package email

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/brightfeed/notify/internal/channel"
	"github.com/brightfeed/notify/internal/channel/email/provider"
	"github.com/brightfeed/notify/internal/retry"
)

// configurable lets the chain skip providers that never initialized.
type configurable interface {
	IsConfigured() bool
}

// Sender implements the email channel over an ordered provider chain.
type Sender struct {
	from      string
	providers []provider.Provider
}

// NewSender creates an email sender with the given from address and provider
// chain. With no providers supplied, the default chain is Resend, then SES,
// then local SMTP.
func NewSender(from, resendAPIKey string, providers ...provider.Provider) *Sender {
	if len(providers) == 0 {
		providers = []provider.Provider{
			provider.NewResendProvider(resendAPIKey),
			provider.NewSESProvider(),
			provider.NewSMTPProvider(),
		}
	}
	return &Sender{from: from, providers: providers}
}

func (s *Sender) Name() string { return channel.Email }

// Send delivers the envelope through the provider chain. A permanent error
// from any provider stops the chain; transient errors fall through to the
// next provider.
func (s *Sender) Send(ctx context.Context, env *channel.Envelope) error {
	if env.EmailAddr == "" {
		return retry.Permanent("email address is empty", nil)
	}

	msg := &provider.Message{
		From:    s.from,
		To:      env.EmailAddr,
		Subject: env.Title,
		Text:    env.Message,
		HTML:    renderHTML(env),
	}

	var lastErr error
	for _, p := range s.providers {
		if c, ok := p.(configurable); ok && !c.IsConfigured() {
			continue
		}

		err := p.Send(ctx, msg)
		if err == nil {
			return nil
		}
		if !retry.IsRetryable(err) {
			return retry.Permanent(fmt.Sprintf("%s rejected email", p.Name()), err)
		}

		slog.Warn("Email provider failed, trying next",
			"provider", p.Name(),
			"error", err,
		)
		lastErr = err
	}

	if lastErr == nil {
		return retry.Permanent("no email provider configured", nil)
	}
	return fmt.Errorf("all email providers failed: %w", lastErr)
}

// renderHTML wraps the plain message in a minimal HTML body.
func renderHTML(env *channel.Envelope) string {
	var b strings.Builder
	b.WriteString("<html><body>")
	fmt.Fprintf(&b, "<h3>%s</h3>", env.Title)
	fmt.Fprintf(&b, "<p>%s</p>", env.Message)
	b.WriteString("</body></html>")
	return b.String()
}
