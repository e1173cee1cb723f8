// Package provider defines the email provider abstraction and its
// implementations. Providers are tried in configured order; the first
// success wins.
package provider

import "context"

// Message is a provider-agnostic email.
type Message struct {
	From    string
	To      string
	Subject string
	HTML    string
	Text    string
}

// Provider sends email through one upstream service.
type Provider interface {
	Name() string
	Send(ctx context.Context, msg *Message) error
}
