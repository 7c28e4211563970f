package realtime

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"fadedreams/repairhub/repair-service/domain"
	"fadedreams/repairhub/repair-service/notify"
)

type recordingBus struct {
	mu   sync.Mutex
	msgs []BusMessage
}

func (b *recordingBus) Publish(ctx context.Context, msg BusMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, msg)
	return nil
}

func (b *recordingBus) Start(ctx context.Context, onMsg func(BusMessage)) error { return nil }
func (b *recordingBus) Close() error                                             { return nil }

var (
	customer = domain.Actor{Kind: domain.ActorUser, ID: "cust-1"}
	repairer = domain.Actor{Kind: domain.ActorRepairer, ID: "rep-1"}
)

type chatFixture struct {
	store *domain.MemoryStore
	conv  *domain.Conversation
	req   *domain.ServiceRequest
	notes *notify.Dispatcher
}

func newChat(t *testing.T, logger *slog.Logger) *chatFixture {
	t.Helper()
	ctx := context.Background()
	store := domain.NewMemoryStore()
	if err := store.CreateRepairer(ctx, &domain.Repairer{ID: repairer.ID, Email: "rep@example.com"}); err != nil {
		t.Fatalf("CreateRepairer: %v", err)
	}
	now := time.Now()
	req := &domain.ServiceRequest{
		ID:         "req-1",
		CustomerID: customer.ID,
		RepairerID: repairer.ID,
		Issue:      "leaking tap",
		Status:     domain.StatusAccepted,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := store.CreateRequest(ctx, req); err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	notes := notify.NewDispatcher(store, logger)
	conv, err := notes.EnsureConversation(ctx, req.ID, customer.ID, repairer.ID)
	if err != nil {
		t.Fatalf("EnsureConversation: %v", err)
	}
	return &chatFixture{store: store, conv: conv, req: req, notes: notes}
}

func (f *chatFixture) finish(t *testing.T, status domain.Status) {
	t.Helper()
	_, err := f.store.ApplyTransition(context.Background(), f.req.ID,
		domain.RequestGuard{Status: domain.StatusAccepted, RepairerID: repairer.ID},
		domain.RequestChange{Status: status, At: time.Now()}, nil)
	if err != nil {
		t.Fatalf("ApplyTransition: %v", err)
	}
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestSendPersistsBroadcastsAndNotifies(t *testing.T) {
	logger := discard()
	f := newChat(t, logger)
	bus := &recordingBus{}
	relay := NewRelay(f.store, f.notes, bus, logger)
	ctx := context.Background()

	msg, err := relay.Send(ctx, customer, SendMessage{ConversationID: f.conv.ID, SenderID: customer.ID, SenderKind: domain.ActorUser, Text: " when can you come? "})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if msg.Text != "when can you come?" || msg.Receiver.ID != repairer.ID {
		t.Fatalf("unexpected message %+v", msg)
	}

	msgs, _ := f.store.ListMessages(ctx, f.conv.ID)
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want seed plus one", len(msgs))
	}
	conv, _ := f.store.GetConversation(ctx, f.conv.ID)
	if conv.LastMessageID != msg.ID {
		t.Fatalf("last message = %s, want %s", conv.LastMessageID, msg.ID)
	}
	if len(bus.msgs) != 1 || bus.msgs[0].Room != f.conv.ID || bus.msgs[0].Envelope.Event != EventReceiveMessage {
		t.Fatalf("bus messages = %+v", bus.msgs)
	}
	notes, _ := f.store.ListNotifications(ctx, repairer.Participant())
	if len(notes) != 1 || notes[0].Type != domain.NotifyNewMessage {
		t.Fatalf("repairer notifications = %+v", notes)
	}
}

func TestSendToFinishedJobIsRefused(t *testing.T) {
	for _, status := range []domain.Status{domain.StatusCompleted, domain.StatusCancelled} {
		t.Run(string(status), func(t *testing.T) {
			logger := discard()
			f := newChat(t, logger)
			bus := &recordingBus{}
			relay := NewRelay(f.store, f.notes, bus, logger)
			f.finish(t, status)

			_, err := relay.Send(context.Background(), repairer, SendMessage{ConversationID: f.conv.ID, Text: "hello"})
			if !IsEnded(err) {
				t.Fatalf("expected chat ended, got %v", err)
			}
			msgs, _ := f.store.ListMessages(context.Background(), f.conv.ID)
			if len(msgs) != 1 {
				t.Fatalf("message persisted after the job ended: %d", len(msgs))
			}
			if len(bus.msgs) != 0 {
				t.Fatal("message broadcast after the job ended")
			}

			joined, err := relay.Join(context.Background(), customer, f.conv.ID)
			if err != nil {
				t.Fatalf("Join: %v", err)
			}
			if !joined.Ended() || len(joined.Messages) != 1 {
				t.Fatalf("joined = %+v", joined)
			}
		})
	}
}

func TestOnlyParticipantsMaySend(t *testing.T) {
	logger := discard()
	f := newChat(t, logger)
	relay := NewRelay(f.store, f.notes, &recordingBus{}, logger)
	ctx := context.Background()

	stranger := domain.Actor{Kind: domain.ActorRepairer, ID: "rep-2"}
	if _, err := relay.Send(ctx, stranger, SendMessage{ConversationID: f.conv.ID, Text: "hi"}); !domain.IsAuthorization(err) {
		t.Fatalf("stranger: %v", err)
	}
	if _, err := relay.Join(ctx, stranger, f.conv.ID); !domain.IsAuthorization(err) {
		t.Fatalf("stranger join: %v", err)
	}
	spoofed := SendMessage{ConversationID: f.conv.ID, SenderID: repairer.ID, SenderKind: domain.ActorRepairer, Text: "hi"}
	if _, err := relay.Send(ctx, customer, spoofed); !domain.IsAuthorization(err) {
		t.Fatalf("spoofed sender: %v", err)
	}
	if _, err := relay.Send(ctx, customer, SendMessage{ConversationID: f.conv.ID, Text: "   "}); !domain.IsValidation(err) {
		t.Fatalf("blank text: %v", err)
	}
}
