package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestWebhookNotifierTemplateRendering(t *testing.T) {
	var body string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		body = string(data)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier, err := NewWebhookNotifier(zerolog.Nop(), server.URL, `{"kind":"{{ .Kind }}","fields":{{ len .Fields }}}`)
	if err != nil {
		t.Fatalf("NewWebhookNotifier error: %v", err)
	}

	if err := notifier.Notify(context.Background(), testEvent()); err != nil {
		t.Fatalf("Notify error: %v", err)
	}
	if body != `{"kind":"update_rolled_back","fields":1}` {
		t.Fatalf("unexpected payload %s", body)
	}
}

func TestWebhookNotifierDefaultTemplateIsJSON(t *testing.T) {
	var body []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier, err := NewWebhookNotifier(zerolog.Nop(), server.URL, "")
	if err != nil {
		t.Fatalf("NewWebhookNotifier error: %v", err)
	}
	ev := testEvent()
	ev.Detail = `quote " and newline` + "\n"
	if err := notifier.Notify(context.Background(), ev); err != nil {
		t.Fatalf("Notify error: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("payload is not JSON: %v (%s)", err, body)
	}
	if decoded["detail"] != ev.Detail {
		t.Fatalf("detail not preserved: %v", decoded["detail"])
	}
	if decoded["occurred_at"] != "2026-10-14T09:30:00Z" {
		t.Fatalf("unexpected timestamp %v", decoded["occurred_at"])
	}
}

func TestWebhookNotifierRetriesOnServerError(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier, err := NewWebhookNotifier(zerolog.Nop(), server.URL, "")
	if err != nil {
		t.Fatalf("NewWebhookNotifier error: %v", err)
	}
	notifier.poster.timing.retryInitial = time.Millisecond
	notifier.poster.timing.retryMax = 2 * time.Millisecond
	notifier.poster.timing.retryBudget = 20 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	if err := notifier.Notify(ctx, testEvent()); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestWebhookNotifierInvalidTemplate(t *testing.T) {
	_, err := NewWebhookNotifier(zerolog.Nop(), "http://example.com", "{{")
	if err == nil || !strings.Contains(err.Error(), "parse webhook template") {
		t.Fatalf("expected template error, got %v", err)
	}
}

func TestWebhookNotifierDisabled(t *testing.T) {
	notifier, err := NewWebhookNotifier(zerolog.Nop(), "", "")
	if err != nil || notifier != nil {
		t.Fatalf("expected nil notifier, got %v %v", notifier, err)
	}
	if err := notifier.Notify(context.Background(), testEvent()); err != nil {
		t.Fatalf("nil notifier should be inert, got %v", err)
	}
}
