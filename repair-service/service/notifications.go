package service

import (
	"context"

	"fadedreams/repairhub/repair-service/domain"
)

func (s *Service) ListNotifications(ctx context.Context, actor domain.Actor) ([]*domain.Notification, error) {
	ctx, span := s.tracer.Start(ctx, "ServiceListNotifications")
	defer span.End()

	if err := requireKind(actor, domain.ActorUser, domain.ActorRepairer, domain.ActorAdmin); err != nil {
		return nil, fail(span, err, "No session")
	}
	list, err := s.store.ListNotifications(ctx, actor.Participant())
	if err != nil {
		return nil, fail(span, err, "Failed to list notifications")
	}
	return list, nil
}

// MarkNotificationRead flags one of the caller's notifications as read. A
// notification owned by someone else is reported as not found.
func (s *Service) MarkNotificationRead(ctx context.Context, actor domain.Actor, id string) (*domain.Notification, error) {
	ctx, span := s.tracer.Start(ctx, "ServiceMarkNotificationRead")
	defer span.End()

	n, err := s.store.MarkNotificationRead(ctx, id, actor.Participant())
	if err != nil {
		return nil, fail(span, err, "Failed to mark notification read")
	}
	return n, nil
}

func (s *Service) DeleteNotification(ctx context.Context, actor domain.Actor, id string) error {
	ctx, span := s.tracer.Start(ctx, "ServiceDeleteNotification")
	defer span.End()

	if err := s.store.DeleteNotification(ctx, id, actor.Participant()); err != nil {
		return fail(span, err, "Failed to delete notification")
	}
	return nil
}
