package service

import (
	"context"

	"fadedreams/repairhub/repair-service/domain"

	"go.opentelemetry.io/otel/attribute"
)

// ConversationForRequest returns the chat of an assigned request, opening it
// on demand. It races safely with the conversation opened on acceptance.
func (s *Service) ConversationForRequest(ctx context.Context, actor domain.Actor, requestID string) (*domain.Conversation, error) {
	ctx, span := s.tracer.Start(ctx, "ServiceConversationForRequest")
	defer span.End()
	span.SetAttributes(attribute.String("requestID", requestID))

	req, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, fail(span, err, "Failed to get service request")
	}
	isOwner := actor.Kind == domain.ActorUser && req.CustomerID == actor.ID
	isAssigned := actor.Kind == domain.ActorRepairer && req.RepairerID == actor.ID
	if !isOwner && !isAssigned {
		return nil, fail(span, forbidden("not a participant of this job"), "Forbidden")
	}
	if !req.Assigned() {
		return nil, fail(span, domain.ValidationError{Field: "repairer", Msg: "no repairer is assigned yet"}, "Unassigned request")
	}
	conv, err := s.notifier.EnsureConversation(ctx, req.ID, req.CustomerID, req.RepairerID)
	if err != nil {
		return nil, fail(span, err, "Failed to open conversation")
	}
	return conv, nil
}

// ListMessages returns the history of a conversation to one of its
// participants.
func (s *Service) ListMessages(ctx context.Context, actor domain.Actor, conversationID string) ([]*domain.Message, error) {
	ctx, span := s.tracer.Start(ctx, "ServiceListMessages")
	defer span.End()
	span.SetAttributes(attribute.String("conversationID", conversationID))

	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, fail(span, err, "Failed to get conversation")
	}
	if !conv.Includes(actor.Participant()) {
		return nil, fail(span, forbidden("not a participant of this conversation"), "Forbidden")
	}
	msgs, err := s.store.ListMessages(ctx, conv.ID)
	if err != nil {
		return nil, fail(span, err, "Failed to list messages")
	}
	span.SetAttributes(attribute.Int("messageCount", len(msgs)))
	return msgs, nil
}
