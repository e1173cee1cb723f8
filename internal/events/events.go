// Package events defines the domain event model carried on the notification bus.
// Events are self-describing JSON records keyed by target_user_id so that all
// events for a recipient land on the same partition.
package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType identifies the domain action that produced an event.
type EventType string

const (
	TypeLike     EventType = "like"
	TypeComment  EventType = "comment"
	TypeFollow   EventType = "follow"
	TypeBellPost EventType = "bell_post"
	TypeMention  EventType = "mention"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case TypeLike, TypeComment, TypeFollow, TypeBellPost, TypeMention:
		return true
	}
	return false
}

// Priority determines which bus topic an event is produced to.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Priorities lists all priorities from highest to lowest.
var Priorities = []Priority{PriorityHigh, PriorityNormal, PriorityLow}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// Rank returns a sortable weight, higher priorities first (high=2, low=0).
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	default:
		return 0
	}
}

// Topic returns the bus topic for this priority (e.g. "notifications.high").
func (p Priority) Topic() string {
	return "notifications." + string(p)
}

// DefaultPriority returns the priority an event type is produced with when the
// caller does not set one explicitly. Mentions are always high so they bypass DND.
func DefaultPriority(t EventType) Priority {
	switch t {
	case TypeMention:
		return PriorityHigh
	case TypeLike:
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// TargetRef is the polymorphic (type, id) pair identifying what the event is about.
type TargetRef struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// String returns the canonical "type:id" form used in aggregation keys.
func (r TargetRef) String() string {
	return r.Type + ":" + r.ID
}

// Payload is the tagged variant carried by an event. Each event type has a typed
// payload; unknown producer fields travel in the Extra map for forward compatibility.
type Payload interface {
	EventType() EventType
}

// LikePayload is carried by "like" events.
type LikePayload struct {
	PostID      string            `json:"post_id"`
	PostPreview string            `json:"post_preview,omitempty"`
	Extra       map[string]string `json:"extra,omitempty"`
}

func (LikePayload) EventType() EventType { return TypeLike }

// CommentPayload is carried by "comment" events.
type CommentPayload struct {
	PostID      string            `json:"post_id"`
	CommentID   string            `json:"comment_id"`
	CommentText string            `json:"comment_text,omitempty"`
	Extra       map[string]string `json:"extra,omitempty"`
}

func (CommentPayload) EventType() EventType { return TypeComment }

// FollowPayload is carried by "follow" events.
type FollowPayload struct {
	Extra map[string]string `json:"extra,omitempty"`
}

func (FollowPayload) EventType() EventType { return TypeFollow }

// BellPostPayload is carried by "bell_post" events (a followed user with the bell
// enabled published a post).
type BellPostPayload struct {
	PostID    string            `json:"post_id"`
	PostTitle string            `json:"post_title,omitempty"`
	Extra     map[string]string `json:"extra,omitempty"`
}

func (BellPostPayload) EventType() EventType { return TypeBellPost }

// MentionPayload is carried by "mention" events.
type MentionPayload struct {
	PostID    string            `json:"post_id,omitempty"`
	CommentID string            `json:"comment_id,omitempty"`
	Excerpt   string            `json:"excerpt,omitempty"`
	Extra     map[string]string `json:"extra,omitempty"`
}

func (MentionPayload) EventType() EventType { return TypeMention }

// Event is the unit produced on the bus.
// Actor display fields are denormalised by the producer so consumers never have
// to resolve user records on the hot path.
type Event struct {
	EventID      string    `json:"event_id"`
	Type         EventType `json:"type"`
	Priority     Priority  `json:"priority"`
	ActorID      string    `json:"actor_id"`
	ActorName    string    `json:"actor_name,omitempty"`
	ActorAvatar  string    `json:"actor_avatar,omitempty"`
	TargetUserID string    `json:"target_user_id"`
	TargetRef    TargetRef `json:"target_ref"`
	Payload      Payload   `json:"-"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// Validate checks the fields every consumer relies on.
// Returns an error for malformed events; callers drop these with a log.
func (e *Event) Validate() error {
	if e.EventID == "" {
		return fmt.Errorf("event_id cannot be empty")
	}
	if !e.Type.Valid() {
		return fmt.Errorf("unknown event type: %q", e.Type)
	}
	if !e.Priority.Valid() {
		return fmt.Errorf("unknown priority: %q", e.Priority)
	}
	if e.ActorID == "" {
		return fmt.Errorf("actor_id cannot be empty")
	}
	if e.TargetUserID == "" {
		return fmt.Errorf("target_user_id cannot be empty")
	}
	if e.OccurredAt.IsZero() {
		return fmt.Errorf("occurred_at cannot be zero")
	}
	return nil
}

// eventWire mirrors Event on the wire with the payload as a raw JSON object.
type eventWire struct {
	EventID      string          `json:"event_id"`
	Type         EventType       `json:"type"`
	Priority     Priority        `json:"priority"`
	ActorID      string          `json:"actor_id"`
	ActorName    string          `json:"actor_name,omitempty"`
	ActorAvatar  string          `json:"actor_avatar,omitempty"`
	TargetUserID string          `json:"target_user_id"`
	TargetRef    TargetRef       `json:"target_ref"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	OccurredAt   time.Time       `json:"occurred_at"`
}

// MarshalJSON serialises the event with its typed payload inlined as an object.
func (e Event) MarshalJSON() ([]byte, error) {
	w := eventWire{
		EventID:      e.EventID,
		Type:         e.Type,
		Priority:     e.Priority,
		ActorID:      e.ActorID,
		ActorName:    e.ActorName,
		ActorAvatar:  e.ActorAvatar,
		TargetUserID: e.TargetUserID,
		TargetRef:    e.TargetRef,
		OccurredAt:   e.OccurredAt,
	}
	if e.Payload != nil {
		raw, err := json.Marshal(e.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", e.Type, err)
		}
		w.Payload = raw
	}
	return json.Marshal(w)
}

// UnmarshalJSON deserialises the event, decoding the payload into the variant
// matching the event type. A missing payload yields the zero variant.
func (e *Event) UnmarshalJSON(data []byte) error {
	var w eventWire
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("failed to unmarshal event: %w", err)
	}

	e.EventID = w.EventID
	e.Type = w.Type
	e.Priority = w.Priority
	e.ActorID = w.ActorID
	e.ActorName = w.ActorName
	e.ActorAvatar = w.ActorAvatar
	e.TargetUserID = w.TargetUserID
	e.TargetRef = w.TargetRef
	e.OccurredAt = w.OccurredAt

	payload, err := decodePayload(w.Type, w.Payload)
	if err != nil {
		return err
	}
	e.Payload = payload
	return nil
}

// decodePayload decodes raw payload JSON into the typed variant for t.
func decodePayload(t EventType, raw json.RawMessage) (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch t {
	case TypeLike:
		var v LikePayload
		err = unmarshalPayload(raw, &v)
		p = v
	case TypeComment:
		var v CommentPayload
		err = unmarshalPayload(raw, &v)
		p = v
	case TypeFollow:
		var v FollowPayload
		err = unmarshalPayload(raw, &v)
		p = v
	case TypeBellPost:
		var v BellPostPayload
		err = unmarshalPayload(raw, &v)
		p = v
	case TypeMention:
		var v MentionPayload
		err = unmarshalPayload(raw, &v)
		p = v
	default:
		return nil, fmt.Errorf("unknown event type: %q", t)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s payload: %w", t, err)
	}
	return p, nil
}

func unmarshalPayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}
