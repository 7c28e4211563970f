package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"fadedreams/repairhub/repair-service/domain"
	"fadedreams/repairhub/repair-service/lifecycle"
	"fadedreams/repairhub/repair-service/notify"
	"fadedreams/repairhub/repair-service/payment"

	"go.opentelemetry.io/otel/attribute"
)

// Checkout is what a client needs to open the gateway's payment page.
type Checkout struct {
	Payment     *domain.Payment `json:"payment"`
	OrderID     string          `json:"orderId"`
	AmountMinor int64           `json:"amount"`
	Currency    string          `json:"currency"`
}

func (s *Service) ownPayment(ctx context.Context, actor domain.Actor, paymentID string) (*domain.Payment, error) {
	p, err := s.store.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	switch {
	case actor.Kind == domain.ActorAdmin:
	case actor.Kind == domain.ActorUser && p.CustomerID == actor.ID:
	case actor.Kind == domain.ActorRepairer && p.RepairerID == actor.ID:
	default:
		return nil, forbidden("not your payment")
	}
	return p, nil
}

// ListPayments returns the payments of a request visible to actor.
func (s *Service) ListPayments(ctx context.Context, actor domain.Actor, requestID string) ([]*domain.Payment, error) {
	ctx, span := s.tracer.Start(ctx, "ServiceListPayments")
	defer span.End()

	req, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, fail(span, err, "Failed to get service request")
	}
	if !canView(actor, req) || (actor.Kind == domain.ActorRepairer && req.RepairerID != actor.ID) {
		return nil, fail(span, forbidden("not your service request"), "Forbidden")
	}
	list, err := s.store.ListPaymentsByRequest(ctx, requestID)
	if err != nil {
		return nil, fail(span, err, "Failed to list payments")
	}
	return list, nil
}

// Checkout creates the gateway order for an open payment of the caller.
// Calling it again for a pending payment returns the existing order.
func (s *Service) Checkout(ctx context.Context, actor domain.Actor, paymentID string) (*Checkout, error) {
	ctx, span := s.tracer.Start(ctx, "ServiceCheckout")
	defer span.End()
	span.SetAttributes(attribute.String("paymentID", paymentID))

	if err := requireKind(actor, domain.ActorUser); err != nil {
		return nil, fail(span, err, "Not a customer")
	}
	p, err := s.ownPayment(ctx, actor, paymentID)
	if err != nil {
		return nil, fail(span, err, "Failed to load payment")
	}
	if !p.Status.Open() {
		return nil, fail(span, domain.ConflictError{Resource: "payment", Msg: "payment is " + string(p.Status)}, "Payment closed")
	}
	if p.Status == domain.PaymentPending && p.GatewayOrderID != "" {
		return &Checkout{Payment: p, OrderID: p.GatewayOrderID, AmountMinor: payment.MinorUnits(p.Amount), Currency: p.Currency}, nil
	}

	order, err := s.gateway.CreateOrder(ctx, payment.OrderRequest{
		Amount:   p.Amount,
		Currency: p.Currency,
		Receipt:  p.ID,
		Notes: map[string]string{
			"paymentId":      p.ID,
			"serviceRequest": p.ServiceRequestID,
			"kind":           string(p.Kind),
		},
	})
	if err != nil {
		s.logger.Error("Failed to create gateway order", "paymentID", p.ID, "error", err)
		return nil, fail(span, err, "Failed to create order")
	}

	updated, err := s.store.UpdatePayment(ctx, p.ID, []domain.PaymentStatus{domain.PaymentCreated}, domain.PaymentChange{
		Status:         domain.PaymentPending,
		GatewayOrderID: order.ID,
		At:             s.now(),
	})
	if err != nil {
		return nil, fail(span, err, "Failed to store order")
	}
	span.SetAttributes(attribute.String("orderID", order.ID))
	s.logger.Info("Checkout opened", "paymentID", p.ID, "orderID", order.ID, "amount", p.Amount)
	return &Checkout{Payment: updated, OrderID: order.ID, AmountMinor: order.Amount, Currency: p.Currency}, nil
}

type webhookEvent struct {
	Event   string `json:"event"`
	Payload struct {
		Payment struct {
			Entity struct {
				ID      string `json:"id"`
				OrderID string `json:"order_id"`
				Status  string `json:"status"`
			} `json:"entity"`
		} `json:"payment"`
	} `json:"payload"`
}

const (
	webhookCaptured = "payment.captured"
	webhookFailed   = "payment.failed"
)

// HandleGatewayWebhook applies a signed payment callback. Unknown events and
// repeated deliveries are accepted without effect.
func (s *Service) HandleGatewayWebhook(ctx context.Context, body []byte, signature string) error {
	ctx, span := s.tracer.Start(ctx, "ServiceHandleGatewayWebhook")
	defer span.End()

	if s.cfg.WebhookSecret == "" || !payment.VerifySignature(body, signature, s.cfg.WebhookSecret) {
		return fail(span, domain.AuthorizationError{Msg: "invalid webhook signature"}, "Bad signature")
	}
	var ev webhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return fail(span, domain.ValidationError{Field: "body", Msg: "malformed webhook", Err: err}, "Malformed webhook")
	}
	entity := ev.Payload.Payment.Entity
	span.SetAttributes(attribute.String("event", ev.Event), attribute.String("orderID", entity.OrderID))

	if ev.Event != webhookCaptured && ev.Event != webhookFailed {
		s.logger.Info("Ignoring gateway event", "event", ev.Event)
		return nil
	}
	p, err := s.store.FindPaymentByOrder(ctx, entity.OrderID)
	if err != nil {
		return fail(span, err, "Unknown order")
	}
	if !p.Status.Open() {
		s.logger.Info("Payment already settled", "paymentID", p.ID, "status", p.Status, "event", ev.Event)
		return nil
	}

	if ev.Event == webhookFailed {
		_, err := s.store.UpdatePayment(ctx, p.ID, []domain.PaymentStatus{domain.PaymentCreated, domain.PaymentPending}, domain.PaymentChange{
			Status:           domain.PaymentFailed,
			GatewayPaymentID: entity.ID,
			At:               s.now(),
		})
		if err != nil {
			return fail(span, err, "Failed to mark payment failed")
		}
		s.logger.Warn("Payment failed", "paymentID", p.ID, "orderID", entity.OrderID)
		return nil
	}
	return s.capture(ctx, p, entity.ID)
}

func (s *Service) capture(ctx context.Context, p *domain.Payment, gatewayPaymentID string) error {
	ctx, span := s.tracer.Start(ctx, "ServiceCapturePayment")
	defer span.End()

	now := s.now()
	captured, err := s.store.UpdatePayment(ctx, p.ID, []domain.PaymentStatus{domain.PaymentCreated, domain.PaymentPending}, domain.PaymentChange{
		Status:           domain.PaymentCaptured,
		GatewayPaymentID: gatewayPaymentID,
		At:               now,
	})
	if domain.IsConflict(err) {
		// a concurrent delivery of the same event won
		return nil
	}
	if err != nil {
		return fail(span, err, "Failed to capture payment")
	}
	s.logger.Info("Payment captured", "paymentID", captured.ID, "amount", captured.Amount)

	if captured.RepairerID != "" && captured.RepairerPayout > 0 {
		event, err := domain.NewOutboxEvent(domain.EventPaymentPayout, captured.ID, domain.PayoutRequested{PaymentID: captured.ID}, now)
		if err == nil {
			err = s.store.SaveOutboxEvents(ctx, event)
		}
		if err != nil {
			s.logger.Error("Failed to queue payout", "paymentID", captured.ID, "error", err)
			span.RecordError(err)
		}
	}

	if captured.Kind == domain.PaymentForJob {
		_, err := s.engine.Transition(ctx, captured.ServiceRequestID, domain.SystemActor, domain.StatusCompleted, lifecycle.Input{})
		if err != nil {
			s.logger.Warn("Could not complete job after payment", "requestID", captured.ServiceRequestID, "error", err)
		}
	}

	if captured.RepairerID != "" {
		s.notifier.Notify(ctx, notify.Notice{
			Recipient: domain.Participant{Kind: domain.ActorRepairer, ID: captured.RepairerID},
			Type:      domain.NotifyPaymentReceived,
			Message:   fmt.Sprintf("Payment of %.2f %s received", captured.Amount, captured.Currency),
			Link:      "/payments/" + captured.ID,
			Related:   &domain.EntityRef{Kind: "Payment", ID: captured.ID},
		})
	}
	return nil
}

// Payout transfers the repairer's share of a captured payment.
func (s *Service) Payout(ctx context.Context, paymentID string) error {
	ctx, span := s.tracer.Start(ctx, "ServicePayout")
	defer span.End()
	span.SetAttributes(attribute.String("paymentID", paymentID))

	p, err := s.store.GetPayment(ctx, paymentID)
	if err != nil {
		return fail(span, err, "Failed to load payment")
	}
	switch p.Status {
	case domain.PaymentCaptured:
	case domain.PaymentPayoutInitiated, domain.PaymentPayoutCompleted:
		return nil
	default:
		return fail(span, domain.ValidationError{Field: "status", Msg: "payment " + string(p.Status) + " cannot be paid out"}, "Not captured")
	}
	rep, err := s.store.GetRepairer(ctx, p.RepairerID)
	if err != nil {
		return fail(span, err, "Failed to load repairer")
	}
	if rep.PayoutAccount == "" {
		return fail(span, domain.ValidationError{Field: "payoutAccount", Msg: "repairer has no payout account"}, "No payout account")
	}

	transfer, err := s.gateway.CreateTransfer(ctx, payment.TransferRequest{
		Destination: rep.PayoutAccount,
		Amount:      p.RepairerPayout,
		Currency:    p.Currency,
		Notes:       map[string]string{"paymentId": p.ID, "serviceRequest": p.ServiceRequestID},
	})
	if err != nil {
		return fail(span, err, "Failed to create transfer")
	}
	_, err = s.store.UpdatePayment(ctx, p.ID, []domain.PaymentStatus{domain.PaymentCaptured}, domain.PaymentChange{
		Status:            domain.PaymentPayoutInitiated,
		GatewayTransferID: transfer.ID,
		At:                s.now(),
	})
	if err != nil {
		return fail(span, err, "Failed to record transfer")
	}
	s.logger.Info("Payout initiated", "paymentID", p.ID, "transferID", transfer.ID, "amount", p.RepairerPayout)
	return nil
}

// PaymentReceipt renders a PDF receipt for a settled payment.
func (s *Service) PaymentReceipt(ctx context.Context, actor domain.Actor, paymentID string) ([]byte, error) {
	ctx, span := s.tracer.Start(ctx, "ServicePaymentReceipt")
	defer span.End()

	p, err := s.ownPayment(ctx, actor, paymentID)
	if err != nil {
		return nil, fail(span, err, "Failed to load payment")
	}
	switch p.Status {
	case domain.PaymentCaptured, domain.PaymentPayoutInitiated, domain.PaymentPayoutCompleted:
	default:
		return nil, fail(span, domain.ValidationError{Field: "status", Msg: "no receipt for a " + string(p.Status) + " payment"}, "Not settled")
	}
	req, err := s.store.GetRequest(ctx, p.ServiceRequestID)
	if err != nil {
		return nil, fail(span, err, "Failed to load service request")
	}
	data := payment.ReceiptData{Payment: p, Request: req, IssuedAt: s.now().In(time.UTC)}
	if u, err := s.store.GetUser(ctx, p.CustomerID); err == nil {
		data.CustomerName = u.Name
	}
	if p.RepairerID != "" {
		if r, err := s.store.GetRepairer(ctx, p.RepairerID); err == nil {
			data.RepairerName = r.Name
		}
	}
	pdf, err := payment.BuildReceiptPDF(data)
	if err != nil {
		return nil, fail(span, err, "Failed to render receipt")
	}
	return pdf, nil
}
