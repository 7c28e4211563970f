package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"fadedreams/repairhub/repair-service/domain"
	"fadedreams/repairhub/repair-service/notify"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const maxMessageLength = 2000

// Store is what the relay reads and writes for chat.
type Store interface {
	GetConversation(ctx context.Context, id string) (*domain.Conversation, error)
	ListMessages(ctx context.Context, conversationID string) ([]*domain.Message, error)
	GetRequest(ctx context.Context, id string) (*domain.ServiceRequest, error)
	AppendMessage(ctx context.Context, msg *domain.Message) error
}

type Notifier interface {
	Notify(ctx context.Context, notice notify.Notice) notify.Result
}

// RoomState is where a socket stands in one conversation room.
type RoomState int

const (
	RoomJoined RoomState = iota + 1
	RoomMessaging
	RoomEnded
)

func (s RoomState) String() string {
	switch s {
	case RoomJoined:
		return "joined"
	case RoomMessaging:
		return "messaging"
	case RoomEnded:
		return "ended"
	}
	return "none"
}

// EndedError reports chat activity on a job that reached a terminal status.
type EndedError struct {
	ConversationID string
	Status         domain.Status
}

func (e EndedError) Error() string {
	return fmt.Sprintf("chat ended: job is %s", e.Status)
}

func IsEnded(err error) bool {
	var e EndedError
	return errors.As(err, &e)
}

// Joined is the state of a room right after joining it.
type Joined struct {
	Conversation *domain.Conversation
	Messages     []*domain.Message
	Status       domain.Status
}

func (j *Joined) Ended() bool { return j.Status.Terminal() }

// Relay validates chat activity and fans accepted messages out on the bus.
type Relay struct {
	store    Store
	notifier Notifier
	bus      Bus
	logger   *slog.Logger
	now      func() time.Time
}

func NewRelay(store Store, notifier Notifier, bus Bus, logger *slog.Logger) *Relay {
	return &Relay{store: store, notifier: notifier, bus: bus, logger: logger, now: time.Now}
}

func (r *Relay) participantConversation(ctx context.Context, actor domain.Actor, conversationID string) (*domain.Conversation, error) {
	if conversationID == "" {
		return nil, domain.ValidationError{Field: "conversationId", Msg: "is required"}
	}
	conv, err := r.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.Includes(actor.Participant()) {
		return nil, domain.AuthorizationError{Msg: "not a participant of this conversation", Forbidden: true}
	}
	return conv, nil
}

// Join loads the history of a room and the current status of its job.
func (r *Relay) Join(ctx context.Context, actor domain.Actor, conversationID string) (*Joined, error) {
	ctx, span := otel.Tracer("repair-service").Start(ctx, "RelayJoin")
	defer span.End()
	span.SetAttributes(attribute.String("conversationID", conversationID))

	conv, err := r.participantConversation(ctx, actor, conversationID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Join refused")
		return nil, err
	}
	msgs, err := r.store.ListMessages(ctx, conv.ID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to load messages")
		return nil, err
	}
	req, err := r.store.GetRequest(ctx, conv.ServiceRequestID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to load service request")
		return nil, err
	}
	return &Joined{Conversation: conv, Messages: msgs, Status: req.Status}, nil
}

// Send persists and broadcasts one message. The job status is read again on
// every call since another path may have closed the job meanwhile.
func (r *Relay) Send(ctx context.Context, actor domain.Actor, in SendMessage) (*domain.Message, error) {
	ctx, span := otel.Tracer("repair-service").Start(ctx, "RelaySend")
	defer span.End()
	span.SetAttributes(attribute.String("conversationID", in.ConversationID))

	msg, err := r.send(ctx, actor, in)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Send refused")
		return nil, err
	}
	return msg, nil
}

func (r *Relay) send(ctx context.Context, actor domain.Actor, in SendMessage) (*domain.Message, error) {
	text := strings.TrimSpace(in.Text)
	switch {
	case text == "":
		return nil, domain.ValidationError{Field: "text", Msg: "is required"}
	case utf8.RuneCountInString(text) > maxMessageLength:
		return nil, domain.ValidationError{Field: "text", Msg: fmt.Sprintf("longer than %d characters", maxMessageLength)}
	}
	if (in.SenderID != "" && in.SenderID != actor.ID) || (in.SenderKind != "" && in.SenderKind != actor.Kind) {
		return nil, domain.AuthorizationError{Msg: "sender does not match the session", Forbidden: true}
	}

	conv, err := r.participantConversation(ctx, actor, in.ConversationID)
	if err != nil {
		return nil, err
	}
	req, err := r.store.GetRequest(ctx, conv.ServiceRequestID)
	if err != nil {
		return nil, err
	}
	if req.Status.Terminal() {
		return nil, EndedError{ConversationID: conv.ID, Status: req.Status}
	}

	sender := actor.Participant()
	receiver, _ := conv.Other(sender)
	msg := &domain.Message{
		ID:               domain.NewID(),
		ConversationID:   conv.ID,
		ServiceRequestID: conv.ServiceRequestID,
		Sender:           sender,
		Receiver:         receiver,
		Text:             text,
		CreatedAt:        r.now(),
	}
	if err := r.store.AppendMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}

	env, err := NewEnvelope(EventReceiveMessage, msg)
	if err != nil {
		return nil, err
	}
	if err := r.bus.Publish(ctx, BusMessage{Room: conv.ID, Envelope: env}); err != nil {
		// the message is stored; clients still get it from pastMessages
		r.logger.Warn("Failed to publish chat message", "conversationID", conv.ID, "messageID", msg.ID, "error", err)
	}

	if receiver.ID != "" {
		res := r.notifier.Notify(ctx, notify.Notice{
			Recipient: receiver,
			Type:      domain.NotifyNewMessage,
			Message:   preview(text),
			Link:      "/conversations/" + conv.ID,
			Related:   &domain.EntityRef{Kind: "Conversation", ID: conv.ID},
		})
		if !res.OK() {
			r.logger.Warn("Failed to notify receiver", "conversationID", conv.ID, "error", res.Err)
		}
	}
	return msg, nil
}

func preview(text string) string {
	const n = 80
	if utf8.RuneCountInString(text) <= n {
		return "New message: " + text
	}
	return "New message: " + string([]rune(text)[:n]) + "..."
}

// PushNotification forwards a stored notification to the recipient's
// sockets. It is meant to be registered with notify.Dispatcher.Subscribe.
func (r *Relay) PushNotification(n *domain.Notification) {
	env, err := NewEnvelope(EventNotification, n)
	if err != nil {
		return
	}
	recipient := n.Recipient
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.bus.Publish(ctx, BusMessage{Recipient: &recipient, Envelope: env}); err != nil {
		r.logger.Warn("Failed to publish notification", "notificationID", n.ID, "error", err)
	}
}
