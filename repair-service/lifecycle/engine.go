package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"fadedreams/repairhub/repair-service/domain"
	"fadedreams/repairhub/repair-service/notify"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Store is the persistence the engine reads and mutates.
type Store interface {
	GetRequest(ctx context.Context, id string) (*domain.ServiceRequest, error)
	ApplyTransition(ctx context.Context, id string, guard domain.RequestGuard, change domain.RequestChange, events []*domain.OutboxEvent) (*domain.ServiceRequest, error)
	GetUser(ctx context.Context, id string) (*domain.User, error)
	GetRepairer(ctx context.Context, id string) (*domain.Repairer, error)
	IncrementRedFlag(ctx context.Context, repairerID string, threshold int) (*domain.Repairer, error)
	CreatePayment(ctx context.Context, p *domain.Payment) error
	FindOpenPayment(ctx context.Context, requestID string, kind domain.PaymentKind) (*domain.Payment, error)
	SaveOutboxEvents(ctx context.Context, events ...*domain.OutboxEvent) error
}

// Notifier delivers post-commit notifications and opens conversations.
type Notifier interface {
	Notify(ctx context.Context, notice notify.Notice) notify.Result
	EnsureConversation(ctx context.Context, requestID, customerID, repairerID string) (*domain.Conversation, error)
}

type OTPIssuer interface {
	Issue(ctx context.Context, purpose domain.OTPPurpose, key string) (*domain.OTP, error)
}

type Config struct {
	// BanThreshold is the red flag count above which a repairer is banned.
	BanThreshold       int
	RejectionFee       float64
	PlatformFeePercent float64
	Currency           string
}

// Input carries the optional payload of a transition.
type Input struct {
	EstimatedPrice float64 `json:"estimatedPrice"`
}

// Outcome is the committed request plus whatever the side effects produced.
// Warnings list side effects that failed after the commit.
type Outcome struct {
	Request      *domain.ServiceRequest `json:"request"`
	Payment      *domain.Payment        `json:"payment,omitempty"`
	Conversation *domain.Conversation   `json:"conversation,omitempty"`
	Warnings     []string               `json:"warnings,omitempty"`
}

func (o *Outcome) warn(format string, args ...any) {
	o.Warnings = append(o.Warnings, fmt.Sprintf(format, args...))
}

// Engine validates and applies ServiceRequest status transitions.
type Engine struct {
	store    Store
	notifier Notifier
	otps     OTPIssuer
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

func NewEngine(store Store, notifier Notifier, otps OTPIssuer, cfg Config, logger *slog.Logger) *Engine {
	if cfg.BanThreshold <= 0 {
		cfg.BanThreshold = 3
	}
	if cfg.Currency == "" {
		cfg.Currency = "INR"
	}
	return &Engine{
		store:    store,
		notifier: notifier,
		otps:     otps,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// check is the context a guard evaluates.
type check struct {
	ctx   context.Context
	store Store
	req   *domain.ServiceRequest
	actor domain.Actor
	input Input
}

type guard func(c *check) error

func repairerNotBanned(c *check) error {
	rep, err := c.store.GetRepairer(c.ctx, c.actor.ID)
	if domain.IsNotFound(err) {
		return domain.AuthorizationError{Msg: "unknown repairer", Err: err}
	}
	if err != nil {
		return err
	}
	if rep.Banned {
		return domain.AuthorizationError{Msg: "repairer is banned", Forbidden: true}
	}
	return nil
}

func priceWithinQuotation(c *check) error {
	price := c.input.EstimatedPrice
	if price <= 0 {
		return domain.ValidationError{Field: "estimatedPrice", Msg: "must be positive"}
	}
	if q := c.req.Quotation; q != nil && !q.Contains(price) {
		return domain.ValidationError{
			Field: "estimatedPrice",
			Msg:   fmt.Sprintf("%.2f is outside the quotation range %.2f-%.2f", price, q.Min, q.Max),
		}
	}
	return nil
}

func priceSet(c *check) error {
	if c.req.EstimatedPrice <= 0 {
		return domain.ValidationError{Field: "estimatedPrice", Msg: "no valid quote has been submitted"}
	}
	return nil
}

func authorize(r rule, req *domain.ServiceRequest, actor domain.Actor) error {
	switch r.relation {
	case unassigned:
		if req.Assigned() {
			return domain.ConflictError{Resource: "service request", Msg: "already assigned"}
		}
	case assigned:
		if req.RepairerID != actor.ID {
			return domain.AuthorizationError{Msg: "request is not assigned to this repairer", Forbidden: true}
		}
	case owner:
		if req.CustomerID != actor.ID {
			return domain.AuthorizationError{Msg: "request belongs to another customer", Forbidden: true}
		}
	}
	return nil
}

// acceptedTwice reports a second accept of a request that is already accepted.
func acceptedTwice(req *domain.ServiceRequest, target domain.Status) bool {
	return req.Status == domain.StatusAccepted && target == domain.StatusAccepted
}

// takesRequest reports whether target claims an unassigned request.
func takesRequest(target domain.Status) bool {
	return target == domain.StatusAccepted || target == domain.StatusPendingQuote
}

// Transition moves a request to target on behalf of actor. Validation and
// authorization happen before the write; side effects that fail after the
// write are reported in Outcome.Warnings and never undo it.
func (e *Engine) Transition(ctx context.Context, requestID string, actor domain.Actor, target domain.Status, in Input) (*Outcome, error) {
	ctx, span := otel.Tracer("repair-service").Start(ctx, "Transition")
	defer span.End()
	span.SetAttributes(
		attribute.String("requestID", requestID),
		attribute.String("actorKind", string(actor.Kind)),
		attribute.String("target", string(target)),
	)

	out, err := e.transition(ctx, requestID, actor, target, in)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Transition failed")
		return nil, err
	}
	return out, nil
}

func (e *Engine) transition(ctx context.Context, requestID string, actor domain.Actor, target domain.Status, in Input) (*Outcome, error) {
	if !target.Valid() {
		return nil, domain.ValidationError{Field: "status", Msg: fmt.Sprintf("unknown status %q", target)}
	}
	if actor.Kind != domain.ActorSystem && actor.ID == "" {
		return nil, domain.AuthorizationError{Msg: "actor is required"}
	}

	req, err := e.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}

	r, ok := lookup(req.Status, target, actor.Kind)
	if !ok {
		if acceptedTwice(req, target) {
			return nil, domain.ConflictError{Resource: "service request", Msg: "already assigned"}
		}
		return nil, domain.InvalidTransitionError{From: req.Status, To: target, Actor: actor.Kind}
	}
	if err := authorize(r, req, actor); err != nil {
		return nil, err
	}
	c := &check{ctx: ctx, store: e.store, req: req, actor: actor, input: in}
	for _, g := range r.guards {
		if err := g(c); err != nil {
			return nil, err
		}
	}

	now := e.now()
	change := domain.RequestChange{Status: target, Stamps: r.stamps, At: now}
	if r.has(effectAssign) {
		change.RepairerID = actor.ID
	}
	if r.has(effectSetPrice) {
		price := in.EstimatedPrice
		change.EstimatedPrice = &price
	}
	projected := *req
	change.Apply(&projected)
	if err := projected.CheckAssignment(); err != nil {
		return nil, err
	}

	out := &Outcome{}
	events, err := e.events(ctx, r, req, &projected, actor, out)
	if err != nil {
		return nil, err
	}

	guard := domain.RequestGuard{Status: req.Status, RepairerID: req.RepairerID}
	updated, err := e.store.ApplyTransition(ctx, req.ID, guard, change, events)
	if domain.IsConflict(err) {
		return nil, e.classifyConflict(ctx, req, target)
	}
	if err != nil {
		return nil, fmt.Errorf("apply transition: %w", err)
	}
	out.Request = updated

	e.logger.Info("Service request transitioned",
		"requestID", updated.ID, "from", req.Status, "to", updated.Status,
		"actorKind", actor.Kind, "actorID", actor.ID)

	e.afterCommit(ctx, r, updated, out)
	return out, nil
}

// classifyConflict re-reads a request whose guarded write lost a race.
func (e *Engine) classifyConflict(ctx context.Context, before *domain.ServiceRequest, target domain.Status) error {
	current, err := e.store.GetRequest(ctx, before.ID)
	if err != nil {
		return err
	}
	if !before.Assigned() && current.Assigned() && takesRequest(target) {
		return domain.ConflictError{Resource: "service request", Msg: "already assigned"}
	}
	return domain.ConflictError{Resource: "service request", Msg: fmt.Sprintf("request moved to %s concurrently", current.Status)}
}

// events builds the outbox events written with the transition.
func (e *Engine) events(ctx context.Context, r rule, before, after *domain.ServiceRequest, actor domain.Actor, out *Outcome) ([]*domain.OutboxEvent, error) {
	now := e.now()
	transitioned, err := domain.NewOutboxEvent(domain.EventRequestTransitioned, before.ID, domain.RequestTransitioned{
		RequestID:      before.ID,
		CustomerID:     after.CustomerID,
		RepairerID:     after.RepairerID,
		From:           before.Status,
		To:             after.Status,
		ActorKind:      actor.Kind,
		ActorID:        actor.ID,
		EstimatedPrice: after.EstimatedPrice,
		PostalCode:     after.Location.PostalCode,
		OccurredAt:     now,
	}, now)
	if err != nil {
		return nil, err
	}
	events := []*domain.OutboxEvent{transitioned}

	if r.has(effectAcceptedSMS) {
		customer, cerr := e.store.GetUser(ctx, after.CustomerID)
		repairer, rerr := e.store.GetRepairer(ctx, after.RepairerID)
		if cerr != nil || rerr != nil {
			out.warn("accepted sms skipped: could not load both parties")
		} else {
			sms, err := domain.NewOutboxEvent(domain.EventSMSAccepted, before.ID, domain.AcceptedSMS{
				CustomerPhone: customer.Phone,
				CustomerName:  customer.Name,
				RepairerPhone: repairer.Phone,
				RepairerName:  repairer.Name,
				Issue:         after.Issue,
			}, now)
			if err != nil {
				return nil, err
			}
			events = append(events, sms)
		}
	}

	return events, nil
}

// sendCompletionOTP issues the completion code of a committed pending_otp
// request and queues its SMS. The previous code stays valid until then.
func (e *Engine) sendCompletionOTP(ctx context.Context, req *domain.ServiceRequest) error {
	customer, err := e.store.GetUser(ctx, req.CustomerID)
	if err != nil {
		return fmt.Errorf("load customer for completion otp: %w", err)
	}
	code, err := e.otps.Issue(ctx, domain.OTPCompletion, req.ID)
	if err != nil {
		return err
	}
	sms, err := domain.NewOutboxEvent(domain.EventSMSCompletionOTP, req.ID, domain.CompletionOTPSMS{
		Phone: customer.Phone,
		Code:  code.Code,
		Issue: req.Issue,
		Price: req.EstimatedPrice,
	}, e.now())
	if err != nil {
		return err
	}
	return e.store.SaveOutboxEvents(ctx, sms)
}

func label(req *domain.ServiceRequest) string {
	if req.Issue != "" {
		return req.Issue
	}
	return req.ServiceType
}

// afterCommit runs the best-effort side effects of a committed transition.
func (e *Engine) afterCommit(ctx context.Context, r rule, req *domain.ServiceRequest, out *Outcome) {
	if r.has(effectOpenConversation) {
		conv, err := e.notifier.EnsureConversation(ctx, req.ID, req.CustomerID, req.RepairerID)
		if err != nil {
			e.logger.Warn("Failed to open conversation", "requestID", req.ID, "error", err)
			out.warn("conversation: %v", err)
		} else {
			out.Conversation = conv
		}
	}

	if r.has(effectCompletionOTP) {
		if err := e.sendCompletionOTP(ctx, req); err != nil {
			e.logger.Warn("Failed to send completion otp", "requestID", req.ID, "error", err)
			out.warn("completion otp: %v", err)
		}
	}

	if r.has(effectRedFlag) {
		rep, err := e.store.IncrementRedFlag(ctx, req.RepairerID, e.cfg.BanThreshold)
		if err != nil {
			e.logger.Warn("Failed to red-flag repairer", "repairerID", req.RepairerID, "error", err)
			out.warn("redflag: %v", err)
		} else if rep.Banned {
			e.logger.Warn("Repairer banned", "repairerID", rep.ID, "redflag", rep.RedFlags)
		}
	}

	if r.has(effectRejectionFee) && e.cfg.RejectionFee > 0 {
		p, err := e.createPayment(ctx, req, domain.PaymentForRejectionFee, e.cfg.RejectionFee)
		if err != nil {
			e.logger.Warn("Failed to create rejection fee", "requestID", req.ID, "error", err)
			out.warn("rejection fee: %v", err)
		} else {
			out.Payment = p
		}
	}

	if r.has(effectJobPayment) {
		p, err := e.EnsureJobPayment(ctx, req)
		if err != nil {
			e.logger.Warn("Failed to open job payment", "requestID", req.ID, "error", err)
			out.warn("payment: %v", err)
		} else {
			out.Payment = p
		}
	}

	for _, n := range r.notify {
		recipient := domain.Participant{Kind: n.recipient, ID: req.CustomerID}
		if n.recipient == domain.ActorRepairer {
			recipient.ID = req.RepairerID
		}
		if recipient.ID == "" {
			continue
		}
		res := e.notifier.Notify(ctx, notify.Notice{
			Recipient: recipient,
			Type:      n.kind,
			Message:   fmt.Sprintf(n.text, label(req)),
			Link:      "/requests/" + req.ID,
			Related:   &domain.EntityRef{Kind: "ServiceRequest", ID: req.ID},
		})
		if !res.OK() {
			out.warn("notification %s: %v", n.kind, res.Err)
		}
	}
}

// EnsureJobPayment returns the open job payment of a request, creating one
// for the quoted price when none exists.
func (e *Engine) EnsureJobPayment(ctx context.Context, req *domain.ServiceRequest) (*domain.Payment, error) {
	existing, err := e.store.FindOpenPayment(ctx, req.ID, domain.PaymentForJob)
	if err == nil {
		return existing, nil
	}
	if !domain.IsNotFound(err) {
		return nil, err
	}
	if req.EstimatedPrice <= 0 {
		return nil, domain.ValidationError{Field: "estimatedPrice", Msg: "no valid quote has been submitted"}
	}
	return e.createPayment(ctx, req, domain.PaymentForJob, req.EstimatedPrice)
}

func (e *Engine) createPayment(ctx context.Context, req *domain.ServiceRequest, kind domain.PaymentKind, amount float64) (*domain.Payment, error) {
	fee, payout := domain.SplitFee(amount, e.cfg.PlatformFeePercent)
	now := e.now()
	p := &domain.Payment{
		ID:               domain.NewID(),
		ServiceRequestID: req.ID,
		CustomerID:       req.CustomerID,
		RepairerID:       req.RepairerID,
		Kind:             kind,
		Amount:           domain.Round2(amount),
		PlatformFee:      fee,
		RepairerPayout:   payout,
		Currency:         e.cfg.Currency,
		Status:           domain.PaymentCreated,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := e.store.CreatePayment(ctx, p); err != nil {
		return nil, fmt.Errorf("create payment: %w", err)
	}
	return p, nil
}
