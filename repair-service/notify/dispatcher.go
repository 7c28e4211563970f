package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"fadedreams/repairhub/repair-service/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Store is the persistence the dispatcher writes to.
type Store interface {
	CreateNotification(ctx context.Context, n *domain.Notification) error
	FindConversationByRequest(ctx context.Context, requestID string) (*domain.Conversation, error)
	CreateConversation(ctx context.Context, conv *domain.Conversation, seed *domain.Message) error
}

// Notice describes a notification to deliver.
type Notice struct {
	Recipient domain.Participant
	Type      domain.NotificationType
	Message   string
	Link      string
	Related   *domain.EntityRef
}

// Result reports the outcome of a best-effort notification.
type Result struct {
	Notification *domain.Notification
	Err          error
}

func (r Result) OK() bool { return r.Err == nil }

// Listener is told about every stored notification, e.g. to push it to a
// connected socket.
type Listener func(n *domain.Notification)

// Dispatcher writes notifications and opens conversations.
type Dispatcher struct {
	store     Store
	logger    *slog.Logger
	now       func() time.Time
	listeners []Listener
}

func NewDispatcher(store Store, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{store: store, logger: logger, now: time.Now}
}

// Subscribe registers l for every notification stored afterwards.
func (d *Dispatcher) Subscribe(l Listener) {
	d.listeners = append(d.listeners, l)
}

// Notify stores a notification for one recipient. It never fails the
// caller; the returned Result carries any error.
func (d *Dispatcher) Notify(ctx context.Context, notice Notice) Result {
	ctx, span := otel.Tracer("repair-service").Start(ctx, "Notify")
	defer span.End()
	span.SetAttributes(
		attribute.String("recipientID", notice.Recipient.ID),
		attribute.String("recipientKind", string(notice.Recipient.Kind)),
		attribute.String("type", string(notice.Type)),
	)

	if notice.Recipient.ID == "" || notice.Message == "" {
		err := domain.ValidationError{Field: "notification", Msg: "recipient and message are required"}
		span.RecordError(err)
		span.SetStatus(codes.Error, "Invalid notification")
		return Result{Err: err}
	}

	n := &domain.Notification{
		ID:        domain.NewID(),
		Recipient: notice.Recipient,
		Type:      notice.Type,
		Message:   notice.Message,
		Link:      notice.Link,
		Related:   notice.Related,
		CreatedAt: d.now(),
	}
	if err := d.store.CreateNotification(ctx, n); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to store notification")
		d.logger.Warn("Failed to store notification", "recipientID", notice.Recipient.ID, "type", notice.Type, "error", err)
		return Result{Err: fmt.Errorf("store notification: %w", err)}
	}
	for _, l := range d.listeners {
		l(n)
	}
	return Result{Notification: n}
}

// SeedMessage is the first message posted by the repairer in a new conversation.
const SeedMessage = "Hi! I have picked up your request and will keep you posted here."

// EnsureConversation returns the conversation of a request, creating it with
// both participants and one seed message from the repairer when absent.
// Concurrent callers for the same request all get the same conversation.
func (d *Dispatcher) EnsureConversation(ctx context.Context, requestID, customerID, repairerID string) (*domain.Conversation, error) {
	ctx, span := otel.Tracer("repair-service").Start(ctx, "EnsureConversation")
	defer span.End()
	span.SetAttributes(attribute.String("requestID", requestID))

	if requestID == "" || customerID == "" || repairerID == "" {
		err := domain.ValidationError{Field: "conversation", Msg: "request, customer and repairer are required"}
		span.RecordError(err)
		span.SetStatus(codes.Error, "Invalid conversation")
		return nil, err
	}

	existing, err := d.store.FindConversationByRequest(ctx, requestID)
	if err == nil {
		return existing, nil
	}
	if !domain.IsNotFound(err) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to look up conversation")
		return nil, err
	}

	now := d.now()
	customer := domain.Participant{ID: customerID, Kind: domain.ActorUser}
	repairer := domain.Participant{ID: repairerID, Kind: domain.ActorRepairer}
	conv := &domain.Conversation{
		ID:               domain.NewID(),
		ServiceRequestID: requestID,
		Participants:     []domain.Participant{customer, repairer},
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	seed := &domain.Message{
		ID:               domain.NewID(),
		ConversationID:   conv.ID,
		ServiceRequestID: requestID,
		Sender:           repairer,
		Receiver:         customer,
		Text:             SeedMessage,
		CreatedAt:        now,
	}
	conv.LastMessageID = seed.ID

	err = d.store.CreateConversation(ctx, conv, seed)
	if domain.IsConflict(err) {
		// lost the race; the winner's conversation is authoritative
		existing, ferr := d.store.FindConversationByRequest(ctx, requestID)
		if ferr != nil {
			span.RecordError(ferr)
			span.SetStatus(codes.Error, "Failed to re-read conversation")
			return nil, ferr
		}
		return existing, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to create conversation")
		return nil, err
	}
	d.logger.Info("Opened conversation", "requestID", requestID, "conversationID", conv.ID)
	return conv, nil
}
