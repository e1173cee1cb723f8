package events

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func validEvent() Event {
	return Event{
		EventID:      "e-1",
		Type:         TypeLike,
		Priority:     PriorityLow,
		ActorID:      "u-actor",
		ActorName:    "Alice",
		TargetUserID: "u-recipient",
		TargetRef:    TargetRef{Type: "post", ID: "p-42"},
		Payload:      LikePayload{PostID: "p-42"},
		OccurredAt:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestEvent_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Event)
		wantErr string
	}{
		{name: "valid event", mutate: func(e *Event) {}},
		{name: "missing event id", mutate: func(e *Event) { e.EventID = "" }, wantErr: "event_id"},
		{name: "unknown type", mutate: func(e *Event) { e.Type = "poke" }, wantErr: "event type"},
		{name: "unknown priority", mutate: func(e *Event) { e.Priority = "urgent" }, wantErr: "priority"},
		{name: "missing actor", mutate: func(e *Event) { e.ActorID = "" }, wantErr: "actor_id"},
		{name: "missing target user", mutate: func(e *Event) { e.TargetUserID = "" }, wantErr: "target_user_id"},
		{name: "zero occurred_at", mutate: func(e *Event) { e.OccurredAt = time.Time{} }, wantErr: "occurred_at"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := validEvent()
			tt.mutate(&ev)
			err := ev.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() = nil, want error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestEvent_JSONRoundTrip(t *testing.T) {
	ev := Event{
		EventID:      "e-7",
		Type:         TypeComment,
		Priority:     PriorityNormal,
		ActorID:      "u-1",
		ActorName:    "Bob",
		TargetUserID: "u-2",
		TargetRef:    TargetRef{Type: "post", ID: "p-9"},
		Payload: CommentPayload{
			PostID:      "p-9",
			CommentID:   "c-3",
			CommentText: "nice post",
			Extra:       map[string]string{"thread": "root"},
		},
		OccurredAt: time.Date(2026, 3, 1, 8, 30, 0, 0, time.UTC),
	}

	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	// The wire record must be self-describing with an RFC3339 timestamp.
	if !strings.Contains(string(data), `"occurred_at":"2026-03-01T08:30:00Z"`) {
		t.Errorf("marshalled event missing RFC3339 occurred_at: %s", data)
	}

	var got Event
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}

	payload, ok := got.Payload.(CommentPayload)
	if !ok {
		t.Fatalf("Unmarshal() payload type = %T, want CommentPayload", got.Payload)
	}
	if payload.CommentID != "c-3" || payload.CommentText != "nice post" {
		t.Errorf("payload = %+v, want comment c-3 with text", payload)
	}
	if payload.Extra["thread"] != "root" {
		t.Errorf("payload extra not preserved: %+v", payload.Extra)
	}
	if got.TargetRef.String() != "post:p-9" {
		t.Errorf("TargetRef = %q, want post:p-9", got.TargetRef.String())
	}
}

func TestEvent_UnmarshalPayloadVariants(t *testing.T) {
	tests := []struct {
		name string
		typ  EventType
		want EventType
	}{
		{"like", TypeLike, TypeLike},
		{"comment", TypeComment, TypeComment},
		{"follow", TypeFollow, TypeFollow},
		{"bell_post", TypeBellPost, TypeBellPost},
		{"mention", TypeMention, TypeMention},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := `{"event_id":"e","type":"` + string(tt.typ) + `","priority":"normal",` +
				`"actor_id":"a","target_user_id":"b","target_ref":{"type":"post","id":"p"},` +
				`"payload":{},"occurred_at":"2026-03-01T00:00:00Z"}`
			var ev Event
			if err := json.Unmarshal([]byte(raw), &ev); err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}
			if ev.Payload == nil {
				t.Fatal("Unmarshal() payload is nil")
			}
			if ev.Payload.EventType() != tt.want {
				t.Errorf("payload variant = %v, want %v", ev.Payload.EventType(), tt.want)
			}
		})
	}
}

func TestEvent_UnmarshalUnknownType(t *testing.T) {
	raw := `{"event_id":"e","type":"poke","priority":"normal","actor_id":"a",` +
		`"target_user_id":"b","occurred_at":"2026-03-01T00:00:00Z"}`
	var ev Event
	if err := json.Unmarshal([]byte(raw), &ev); err == nil {
		t.Error("Unmarshal() = nil error for unknown event type, want error")
	}
}

func TestPriority_Topic(t *testing.T) {
	tests := []struct {
		priority Priority
		want     string
	}{
		{PriorityHigh, "notifications.high"},
		{PriorityNormal, "notifications.normal"},
		{PriorityLow, "notifications.low"},
	}
	for _, tt := range tests {
		if got := tt.priority.Topic(); got != tt.want {
			t.Errorf("Topic(%s) = %q, want %q", tt.priority, got, tt.want)
		}
	}
}

func TestPriority_Rank(t *testing.T) {
	if !(PriorityHigh.Rank() > PriorityNormal.Rank() && PriorityNormal.Rank() > PriorityLow.Rank()) {
		t.Error("priority ranks are not strictly ordered high > normal > low")
	}
}

func TestDefaultPriority(t *testing.T) {
	if got := DefaultPriority(TypeMention); got != PriorityHigh {
		t.Errorf("DefaultPriority(mention) = %v, want high", got)
	}
	if got := DefaultPriority(TypeLike); got != PriorityLow {
		t.Errorf("DefaultPriority(like) = %v, want low", got)
	}
	if got := DefaultPriority(TypeFollow); got != PriorityNormal {
		t.Errorf("DefaultPriority(follow) = %v, want normal", got)
	}
}
