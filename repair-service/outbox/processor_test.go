package outbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"fadedreams/repairhub/repair-service/domain"
)

func newProcessor(t *testing.T, store *domain.MemoryStore, clock *time.Time) *Processor {
	t.Helper()
	p := NewProcessor(store, time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))
	p.now = func() time.Time { return *clock }
	return p
}

func queue(t *testing.T, store *domain.MemoryStore, eventType string, now time.Time) *domain.OutboxEvent {
	t.Helper()
	event, err := domain.NewOutboxEvent(eventType, "req-1", map[string]string{"k": "v"}, now)
	if err != nil {
		t.Fatalf("NewOutboxEvent: %v", err)
	}
	if err := store.SaveOutboxEvents(context.Background(), event); err != nil {
		t.Fatalf("SaveOutboxEvents: %v", err)
	}
	return event
}

func TestProcessOnceMarksDelivered(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	store := domain.NewMemoryStore()
	p := newProcessor(t, store, &now)
	queue(t, store, domain.EventRequestTransitioned, now)

	var seen []string
	p.Handle(domain.EventRequestTransitioned, func(ctx context.Context, e *domain.OutboxEvent) error {
		seen = append(seen, e.ID)
		return nil
	})

	n, err := p.ProcessOnce(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("ProcessOnce = %d, %v", n, err)
	}
	if len(seen) != 1 {
		t.Fatalf("handler called %d times", len(seen))
	}
	if got := store.OutboxEvents()[0].Status; got != domain.OutboxDone {
		t.Fatalf("status = %s", got)
	}

	n, _ = p.ProcessOnce(context.Background())
	if n != 0 || len(seen) != 1 {
		t.Fatal("delivered event was handled again")
	}
}

func TestFailedEventBacksOffThenDies(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	store := domain.NewMemoryStore()
	p := newProcessor(t, store, &now)
	queue(t, store, domain.EventSMSAccepted, now)

	calls := 0
	p.Handle(domain.EventSMSAccepted, func(ctx context.Context, e *domain.OutboxEvent) error {
		calls++
		return errors.New("provider down")
	})

	p.ProcessOnce(context.Background())
	event := store.OutboxEvents()[0]
	if event.Attempts != 1 || event.Status != domain.OutboxPending {
		t.Fatalf("after first failure: %+v", event)
	}
	if !event.NextAttemptAt.Equal(now.Add(2 * time.Second)) {
		t.Fatalf("next attempt = %v", event.NextAttemptAt)
	}

	// not due yet
	p.ProcessOnce(context.Background())
	if calls != 1 {
		t.Fatalf("handler ran before the backoff elapsed")
	}

	for i := 0; i < DefaultMaxAttempts; i++ {
		now = now.Add(maxBackoff)
		p.ProcessOnce(context.Background())
	}
	event = store.OutboxEvents()[0]
	if event.Status != domain.OutboxDead {
		t.Fatalf("status = %s, want dead", event.Status)
	}
	if event.Attempts != DefaultMaxAttempts || calls != DefaultMaxAttempts {
		t.Fatalf("attempts = %d calls = %d", event.Attempts, calls)
	}
	if event.LastError != "provider down" {
		t.Fatalf("last error = %q", event.LastError)
	}
}

func TestUnknownEventTypeIsRetried(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	store := domain.NewMemoryStore()
	p := newProcessor(t, store, &now)
	queue(t, store, "something.else", now)

	p.ProcessOnce(context.Background())
	event := store.OutboxEvents()[0]
	if event.Attempts != 1 || event.Status != domain.OutboxPending {
		t.Fatalf("unexpected event state %+v", event)
	}
}

func TestBackoffCaps(t *testing.T) {
	cases := map[int]time.Duration{
		0:  2 * time.Second,
		1:  2 * time.Second,
		2:  4 * time.Second,
		5:  32 * time.Second,
		8:  256 * time.Second,
		9:  maxBackoff,
		20: maxBackoff,
	}
	for attempts, want := range cases {
		if got := Backoff(attempts); got != want {
			t.Errorf("Backoff(%d) = %v, want %v", attempts, got, want)
		}
	}
}
