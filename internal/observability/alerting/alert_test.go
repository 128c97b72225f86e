package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	xerrors "ChainPilot/internal/errors"
)

type failingNotifier struct{}

func (failingNotifier) Channel() Channel { return Channel("broken") }
func (failingNotifier) Notify(context.Context, Event) error {
	return errors.New("unreachable")
}

func sampleEvent() Event {
	return Event{
		Code:       xerrors.CodeOrchestration,
		Message:    "provider down",
		Severity:   xerrors.SeverityCritical,
		JobID:      "job-1",
		Attempts:   3,
		MaxRetries: 3,
		Metadata:   map[string]string{"stage": "terminal"},
		OccurredAt: time.Unix(1700000000, 0).UTC(),
	}
}

func TestLogNotifierWritesStructuredEntry(t *testing.T) {
	var buf bytes.Buffer
	n := &LogNotifier{Logger: slog.New(slog.NewJSONHandler(&buf, nil))}
	if err := n.Notify(context.Background(), sampleEvent()); err != nil {
		t.Fatalf("notify: %v", err)
	}
	out := buf.String()
	for _, want := range []string{`"level":"ERROR"`, `"job_id":"job-1"`, `"stage":"terminal"`, `"code":"ORCHESTRATION_FAILED"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %s in %s", want, out)
		}
	}
}

func TestWebhookNotifierPostsJSON(t *testing.T) {
	received := make(chan Event, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var event Event
		if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		received <- event
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, time.Second)
	if err := n.Notify(context.Background(), sampleEvent()); err != nil {
		t.Fatalf("notify: %v", err)
	}
	event := <-received
	if event.JobID != "job-1" || event.Code != xerrors.CodeOrchestration {
		t.Fatalf("unexpected payload: %+v", event)
	}
}

func TestWebhookNotifierRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	if err := NewWebhookNotifier(srv.URL, time.Second).Notify(context.Background(), sampleEvent()); err == nil {
		t.Fatalf("expected error for 502")
	}
}

func TestFanoutCollectsErrors(t *testing.T) {
	var buf bytes.Buffer
	d := NewFanout(&LogNotifier{Logger: slog.New(slog.NewTextHandler(&buf, nil))}, failingNotifier{}, nil)
	if got := d.Channels(); len(got) != 2 || got[0] != "broken" || got[1] != ChannelLog {
		t.Fatalf("unexpected channels: %v", got)
	}
	err := d.Notify(context.Background(), sampleEvent())
	if err == nil || !strings.Contains(err.Error(), "channel broken") {
		t.Fatalf("expected joined error, got %v", err)
	}
	if buf.Len() == 0 {
		t.Fatalf("log notifier should still run")
	}

	var nilDispatcher *FanoutDispatcher
	if err := nilDispatcher.Notify(context.Background(), sampleEvent()); err != nil {
		t.Fatalf("nil dispatcher should be a no-op: %v", err)
	}
}
