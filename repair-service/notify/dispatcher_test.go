package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"fadedreams/repairhub/repair-service/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEnsureConversationConcurrent(t *testing.T) {
	store := domain.NewMemoryStore()
	d := NewDispatcher(store, testLogger())
	ctx := context.Background()

	const callers = 16
	ids := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conv, err := d.EnsureConversation(ctx, "req-1", "cust-1", "rep-1")
			if err != nil {
				t.Errorf("EnsureConversation: %v", err)
				return
			}
			ids[i] = conv.ID
		}(i)
	}
	wg.Wait()

	for _, id := range ids[1:] {
		if id != ids[0] {
			t.Fatalf("got different conversations %s and %s", ids[0], id)
		}
	}
	msgs, err := store.ListMessages(ctx, ids[0])
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected exactly one seed message, got %d", len(msgs))
	}
	if msgs[0].Sender.Kind != domain.ActorRepairer {
		t.Fatalf("seed message sent by %s", msgs[0].Sender.Kind)
	}
}

func TestEnsureConversationReturnsExisting(t *testing.T) {
	store := domain.NewMemoryStore()
	d := NewDispatcher(store, testLogger())
	ctx := context.Background()

	first, err := d.EnsureConversation(ctx, "req-1", "cust-1", "rep-1")
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	second, err := d.EnsureConversation(ctx, "req-1", "cust-1", "rep-1")
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("conversation ids differ: %s vs %s", first.ID, second.ID)
	}
	if !second.Includes(domain.Participant{ID: "cust-1", Kind: domain.ActorUser}) {
		t.Fatal("customer is not a participant")
	}
}

type failingStore struct {
	*domain.MemoryStore
}

func (failingStore) CreateNotification(ctx context.Context, n *domain.Notification) error {
	return errors.New("disk full")
}

func TestNotifyReportsFailureWithoutPanicking(t *testing.T) {
	d := NewDispatcher(failingStore{domain.NewMemoryStore()}, testLogger())
	res := d.Notify(context.Background(), Notice{
		Recipient: domain.Participant{ID: "cust-1", Kind: domain.ActorUser},
		Type:      domain.NotifyJobAccepted,
		Message:   "accepted",
	})
	if res.OK() {
		t.Fatal("expected a failed result")
	}
}

func TestNotifyStoresUnread(t *testing.T) {
	store := domain.NewMemoryStore()
	d := NewDispatcher(store, testLogger())
	var pushed int
	d.Subscribe(func(*domain.Notification) { pushed++ })

	recipient := domain.Participant{ID: "rep-1", Kind: domain.ActorRepairer}
	res := d.Notify(context.Background(), Notice{
		Recipient: recipient,
		Type:      domain.NotifyQuoteAccepted,
		Message:   "Your quote was accepted",
		Related:   &domain.EntityRef{Kind: "ServiceRequest", ID: "req-1"},
	})
	if !res.OK() {
		t.Fatalf("Notify: %v", res.Err)
	}
	list, _ := store.ListNotifications(context.Background(), recipient)
	if len(list) != 1 || list[0].Read {
		t.Fatalf("unexpected notifications: %+v", list)
	}
	if pushed != 1 {
		t.Fatalf("listener called %d times", pushed)
	}
}
