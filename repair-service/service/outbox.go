package service

import (
	"context"
	"encoding/json"

	"fadedreams/repairhub/repair-service/domain"
	"fadedreams/repairhub/repair-service/outbox"
)

// Publisher forwards request.transitioned events to the event stream.
type Publisher interface {
	PublishOutboxEvent(ctx context.Context, event *domain.OutboxEvent) error
}

func decode(event *domain.OutboxEvent, v any) error {
	if err := json.Unmarshal(event.Payload, v); err != nil {
		return domain.ValidationError{Field: "payload", Msg: "undecodable " + event.EventType + " event", Err: err}
	}
	return nil
}

// RegisterOutboxHandlers wires the side effects queued by transitions and
// payments into p. A nil publisher only logs transitions.
func (s *Service) RegisterOutboxHandlers(p *outbox.Processor, publisher Publisher) {
	p.Handle(domain.EventRequestTransitioned, func(ctx context.Context, event *domain.OutboxEvent) error {
		if publisher == nil {
			s.logger.Debug("Event stream disabled, dropping transition", "eventID", event.ID, "requestID", event.AggregateID)
			return nil
		}
		return publisher.PublishOutboxEvent(ctx, event)
	})

	p.Handle(domain.EventSMSAccepted, func(ctx context.Context, event *domain.OutboxEvent) error {
		var msg domain.AcceptedSMS
		if err := decode(event, &msg); err != nil {
			return err
		}
		return s.sms.NotifyAccepted(ctx, msg)
	})

	p.Handle(domain.EventSMSCompletionOTP, func(ctx context.Context, event *domain.OutboxEvent) error {
		var msg domain.CompletionOTPSMS
		if err := decode(event, &msg); err != nil {
			return err
		}
		return s.sms.NotifyCompletionOTP(ctx, msg)
	})

	p.Handle(domain.EventPaymentPayout, func(ctx context.Context, event *domain.OutboxEvent) error {
		var req domain.PayoutRequested
		if err := decode(event, &req); err != nil {
			return err
		}
		return s.Payout(ctx, req.PaymentID)
	})
}
