package service

import (
	"context"
	"fmt"
	"strings"

	"fadedreams/repairhub/repair-service/domain"
	"fadedreams/repairhub/repair-service/lifecycle"

	"go.opentelemetry.io/otel/attribute"
)

type CreateRequestInput struct {
	ServiceType       string                 `json:"serviceType"`
	Category          string                 `json:"category"`
	Issue             string                 `json:"issue"`
	Description       string                 `json:"description"`
	Quotation         *domain.QuotationRange `json:"quotation,omitempty"`
	Location          domain.Location        `json:"location"`
	PreferredTimeSlot string                 `json:"preferredTimeSlot"`
	Urgency           domain.Urgency         `json:"urgency"`
}

func (in CreateRequestInput) validate() error {
	switch {
	case strings.TrimSpace(in.ServiceType) == "":
		return domain.ValidationError{Field: "serviceType", Msg: "is required"}
	case strings.TrimSpace(in.Category) == "":
		return domain.ValidationError{Field: "category", Msg: "is required"}
	case strings.TrimSpace(in.Issue) == "":
		return domain.ValidationError{Field: "issue", Msg: "is required"}
	case strings.TrimSpace(in.Location.Address) == "":
		return domain.ValidationError{Field: "location.address", Msg: "is required"}
	case strings.TrimSpace(in.Location.PostalCode) == "":
		return domain.ValidationError{Field: "location.postalCode", Msg: "is required"}
	case !in.Urgency.Valid():
		return domain.ValidationError{Field: "urgency", Msg: "must be low, medium or high"}
	}
	if q := in.Quotation; q != nil && (q.Min <= 0 || q.Max < q.Min) {
		return domain.ValidationError{Field: "quotation", Msg: "needs 0 < min <= max"}
	}
	return nil
}

// CreateServiceRequest posts a new job for the calling customer.
func (s *Service) CreateServiceRequest(ctx context.Context, actor domain.Actor, in CreateRequestInput) (*domain.ServiceRequest, error) {
	ctx, span := s.tracer.Start(ctx, "ServiceCreateRequest")
	defer span.End()

	if err := requireKind(actor, domain.ActorUser); err != nil {
		return nil, fail(span, err, "Not a customer")
	}
	if in.Urgency == "" {
		in.Urgency = domain.UrgencyMedium
	}
	if err := in.validate(); err != nil {
		s.logger.Error("Invalid service request", "error", err)
		return nil, fail(span, err, "Invalid service request")
	}

	now := s.now()
	req := &domain.ServiceRequest{
		ID:                domain.NewID(),
		CustomerID:        actor.ID,
		ServiceType:       strings.TrimSpace(in.ServiceType),
		Category:          strings.TrimSpace(in.Category),
		Issue:             strings.TrimSpace(in.Issue),
		Description:       strings.TrimSpace(in.Description),
		Quotation:         in.Quotation,
		Location:          in.Location,
		PreferredTimeSlot: in.PreferredTimeSlot,
		Urgency:           in.Urgency,
		Status:            domain.StatusRequested,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	req.Location.PostalCode = strings.TrimSpace(req.Location.PostalCode)
	if err := s.store.CreateRequest(ctx, req); err != nil {
		s.logger.Error("Failed to create service request", "error", err)
		return nil, fail(span, err, "Failed to create service request")
	}
	span.SetAttributes(attribute.String("requestID", req.ID))
	s.logger.Info("Created service request", "requestID", req.ID, "customerID", actor.ID, "postalCode", req.Location.PostalCode)
	return req, nil
}

func open(req *domain.ServiceRequest) bool {
	return req.Status == domain.StatusRequested && !req.Assigned()
}

func canView(actor domain.Actor, req *domain.ServiceRequest) bool {
	switch actor.Kind {
	case domain.ActorAdmin:
		return true
	case domain.ActorUser:
		return req.CustomerID == actor.ID
	case domain.ActorRepairer:
		return req.RepairerID == actor.ID || open(req)
	}
	return false
}

// GetServiceRequest returns a request visible to actor: the owner, the
// assigned repairer, or any repairer while the request is open.
func (s *Service) GetServiceRequest(ctx context.Context, actor domain.Actor, id string) (*domain.ServiceRequest, error) {
	ctx, span := s.tracer.Start(ctx, "ServiceGetRequest")
	defer span.End()
	span.SetAttributes(attribute.String("requestID", id))

	if id == "" {
		return nil, fail(span, domain.ValidationError{Field: "id", Msg: "is required"}, "Invalid request id")
	}
	req, err := s.store.GetRequest(ctx, id)
	if err != nil {
		return nil, fail(span, err, "Failed to get service request")
	}
	if !canView(actor, req) {
		return nil, fail(span, forbidden("not your service request"), "Forbidden")
	}
	return req, nil
}

func (s *Service) ListCustomerRequests(ctx context.Context, actor domain.Actor) ([]*domain.ServiceRequest, error) {
	ctx, span := s.tracer.Start(ctx, "ServiceListCustomerRequests")
	defer span.End()

	if err := requireKind(actor, domain.ActorUser); err != nil {
		return nil, fail(span, err, "Not a customer")
	}
	reqs, err := s.store.ListRequestsByCustomer(ctx, actor.ID)
	if err != nil {
		return nil, fail(span, err, "Failed to list requests")
	}
	span.SetAttributes(attribute.Int("requestCount", len(reqs)))
	return reqs, nil
}

func (s *Service) ListRepairerJobs(ctx context.Context, actor domain.Actor) ([]*domain.ServiceRequest, error) {
	ctx, span := s.tracer.Start(ctx, "ServiceListRepairerJobs")
	defer span.End()

	if err := requireKind(actor, domain.ActorRepairer); err != nil {
		return nil, fail(span, err, "Not a repairer")
	}
	reqs, err := s.store.ListRequestsByRepairer(ctx, actor.ID)
	if err != nil {
		return nil, fail(span, err, "Failed to list jobs")
	}
	span.SetAttributes(attribute.Int("requestCount", len(reqs)))
	return reqs, nil
}

// PostalPrefix is the part of a postal code that open-request matching uses.
func PostalPrefix(postalCode string, n int) string {
	postalCode = strings.TrimSpace(postalCode)
	if n <= 0 || len(postalCode) <= n {
		return postalCode
	}
	return postalCode[:n]
}

// ListOpenRequests lists unassigned requests near the calling repairer.
func (s *Service) ListOpenRequests(ctx context.Context, actor domain.Actor) ([]*domain.ServiceRequest, error) {
	ctx, span := s.tracer.Start(ctx, "ServiceListOpenRequests")
	defer span.End()

	if err := requireKind(actor, domain.ActorRepairer); err != nil {
		return nil, fail(span, err, "Not a repairer")
	}
	rep, err := s.store.GetRepairer(ctx, actor.ID)
	if err != nil {
		return nil, fail(span, err, "Failed to load repairer")
	}
	prefix := PostalPrefix(rep.PostalCode, s.cfg.PostalPrefixLength)
	reqs, err := s.store.ListOpenRequests(ctx, prefix)
	if err != nil {
		return nil, fail(span, err, "Failed to list open requests")
	}
	span.SetAttributes(attribute.String("postalPrefix", prefix), attribute.Int("requestCount", len(reqs)))
	return reqs, nil
}

// Transition hands an actor's status change to the lifecycle engine.
func (s *Service) Transition(ctx context.Context, actor domain.Actor, requestID string, target domain.Status, in lifecycle.Input) (*lifecycle.Outcome, error) {
	if err := requireKind(actor, domain.ActorUser, domain.ActorRepairer); err != nil {
		return nil, err
	}
	out, err := s.engine.Transition(ctx, requestID, actor, target, in)
	if err != nil {
		s.logger.Warn("Transition refused", "requestID", requestID, "target", target, "actorKind", actor.Kind, "error", err)
		return nil, err
	}
	for _, w := range out.Warnings {
		s.logger.Warn("Transition side effect failed", "requestID", requestID, "warning", w)
	}
	return out, nil
}

// VerifyCompletionOTP completes a job once the assigned repairer enters the
// code the customer received.
func (s *Service) VerifyCompletionOTP(ctx context.Context, actor domain.Actor, requestID, code string) (*lifecycle.Outcome, error) {
	ctx, span := s.tracer.Start(ctx, "ServiceVerifyCompletionOTP")
	defer span.End()
	span.SetAttributes(attribute.String("requestID", requestID))

	if err := requireKind(actor, domain.ActorRepairer); err != nil {
		return nil, fail(span, err, "Not a repairer")
	}
	req, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, fail(span, err, "Failed to get service request")
	}
	if req.RepairerID != actor.ID {
		return nil, fail(span, forbidden("not your job"), "Forbidden")
	}
	if req.Status != domain.StatusPendingOTP {
		err := domain.InvalidTransitionError{From: req.Status, To: domain.StatusCompleted, Actor: actor.Kind,
			Msg: fmt.Sprintf("no completion otp pending for status %s", req.Status)}
		return nil, fail(span, err, "No otp pending")
	}
	if err := s.otps.Verify(ctx, domain.OTPCompletion, req.ID, strings.TrimSpace(code)); err != nil {
		return nil, fail(span, err, "OTP verification failed")
	}
	out, err := s.engine.Transition(ctx, req.ID, domain.SystemActor, domain.StatusCompleted, lifecycle.Input{})
	if err != nil {
		return nil, fail(span, err, "Failed to complete job")
	}
	s.logger.Info("Job completed by otp", "requestID", req.ID, "repairerID", actor.ID)
	return out, nil
}
