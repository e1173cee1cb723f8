// Package channel defines the delivery channel abstraction and the registry
// the orchestrator dispatches through.
package channel

import (
	"context"
	"fmt"
)

// Channel names. These are the values stored in channel_results and in the
// history row's channels array.
const (
	Push  = "push"
	Email = "email"
	SMS   = "sms"
)

// Names lists all channels in dispatch order.
var Names = []string{Push, Email, SMS}

// Envelope is the channel-agnostic rendering of a notification, resolved
// against the recipient's preferences before dispatch.
type Envelope struct {
	NotificationID string
	UserID         string
	Title          string
	Message        string
	Priority       string

	EmailAddr string
	Phone     string

	Metadata map[string]string
}

// Channel delivers an envelope over one transport. Send returns nil on
// success, a retry.PermanentError for failures that retrying cannot fix, and
// any other error for transient failures.
type Channel interface {
	Name() string
	Send(ctx context.Context, env *Envelope) error
}

// Registry maps channel names to implementations.
type Registry struct {
	channels map[string]Channel
}

// NewRegistry builds a registry from the given channels.
func NewRegistry(chs ...Channel) *Registry {
	r := &Registry{channels: make(map[string]Channel, len(chs))}
	for _, ch := range chs {
		r.channels[ch.Name()] = ch
	}
	return r
}

// Get returns the channel registered under name.
func (r *Registry) Get(name string) (Channel, error) {
	ch, ok := r.channels[name]
	if !ok {
		return nil, fmt.Errorf("no channel registered for %q", name)
	}
	return ch, nil
}

// Register adds or replaces a channel.
func (r *Registry) Register(ch Channel) {
	r.channels[ch.Name()] = ch
}
