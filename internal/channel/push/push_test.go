package push

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/brightfeed/notify/internal/channel"
	"github.com/brightfeed/notify/internal/retry"
)

func testEnvelope() *channel.Envelope {
	return &channel.Envelope{
		NotificationID: "n-1",
		UserID:         "u-1",
		Title:          "New like on your post",
		Message:        "Alice liked your post",
		Priority:       "low",
	}
}

func TestSender_Send(t *testing.T) {
	var got pushRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer key-123" {
			t.Errorf("missing bearer auth, got %q", r.Header.Get("Authorization"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s := New(srv.URL, "key-123")
	if err := s.Send(context.Background(), testEnvelope()); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if got.UserID != "u-1" || got.Body != "Alice liked your post" {
		t.Errorf("gateway received %+v", got)
	}
}

func TestSender_Send_ClientErrorIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unknown device token", http.StatusBadRequest)
	}))
	defer srv.Close()

	err := New(srv.URL, "").Send(context.Background(), testEnvelope())
	if !retry.IsPermanent(err) {
		t.Errorf("Send() error = %v, want permanent", err)
	}
}

func TestSender_Send_ServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := New(srv.URL, "").Send(context.Background(), testEnvelope())
	if err == nil {
		t.Fatal("Send() = nil, want error")
	}
	if retry.IsPermanent(err) {
		t.Errorf("Send() error = %v, want retryable", err)
	}
	if !retry.IsRetryable(err) {
		t.Errorf("IsRetryable() = false for %v", err)
	}
}

func TestSender_Send_Unconfigured(t *testing.T) {
	err := New("", "").Send(context.Background(), testEnvelope())
	if !retry.IsPermanent(err) {
		t.Errorf("Send() error = %v, want permanent when unconfigured", err)
	}
}
