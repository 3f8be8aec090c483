package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

type failingChannel struct{}

func (failingChannel) Name() string                                 { return "failing" }
func (failingChannel) Send(ctx context.Context, msg *Message) error { return errors.New("down") }

func TestDispatcherCountsDeliveries(t *testing.T) {
	rec := NewRecorder("rec")
	d := NewDispatcher(slog.Default(), rec, failingChannel{})

	delivered := d.Send(context.Background(), &Message{
		Subject: "quarantine applied",
		Body:    "host isolated",
	})

	if delivered != 1 {
		t.Errorf("expected 1 delivery, got %d", delivered)
	}

	msgs := rec.Messages()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 recorded message, got %d", len(msgs))
	}
	if msgs[0].Subject != "quarantine applied" {
		t.Errorf("unexpected subject %q", msgs[0].Subject)
	}
	// Defaults filled in on send.
	if msgs[0].Priority != PriorityNormal {
		t.Errorf("expected normal priority, got %q", msgs[0].Priority)
	}
	if msgs[0].CreatedAt.IsZero() {
		t.Error("expected created_at to be set")
	}
}

func TestWebhookChannel(t *testing.T) {
	var received Message
	var gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-Token")
		json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ch := NewWebhookChannel("hook", srv.URL, map[string]string{"X-Token": "s3cret"})
	err := ch.Send(context.Background(), &Message{
		Subject:  "approval requested",
		Priority: PriorityHigh,
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if received.Subject != "approval requested" {
		t.Errorf("unexpected payload %+v", received)
	}
	if gotHeader != "s3cret" {
		t.Errorf("custom header not sent, got %q", gotHeader)
	}
}

func TestWebhookChannelNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	ch := NewWebhookChannel("hook", srv.URL, nil)
	if err := ch.Send(context.Background(), &Message{Subject: "x"}); err == nil {
		t.Error("expected error for non-2xx response")
	}
}

func TestSlackChannelPayload(t *testing.T) {
	var payload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&payload)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ch := NewSlackChannel(srv.URL, "#sec-ops", "remedyd")
	err := ch.Send(context.Background(), &Message{
		Subject:  "rollback executed",
		Body:     "reversed block-ip",
		Priority: PriorityCritical,
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if payload["channel"] != "#sec-ops" || payload["username"] != "remedyd" {
		t.Errorf("unexpected payload %v", payload)
	}
}

func TestStaticDirectory(t *testing.T) {
	dir := NewStaticDirectory(map[string][]Approver{
		"admin": {{ID: "u-1", Email: "a@example.com"}},
	})

	members, err := dir.ResolveRole(context.Background(), "admin")
	if err != nil {
		t.Fatalf("ResolveRole: %v", err)
	}
	if len(members) != 1 || members[0].Email != "a@example.com" {
		t.Errorf("unexpected members %+v", members)
	}

	if _, err := dir.ResolveRole(context.Background(), "nope"); err == nil {
		t.Error("expected error for unknown role")
	}
}
