package handlers

import (
	"net/http"

	"fadedreams/repairhub/repair-service/domain"
	"fadedreams/repairhub/repair-service/lifecycle"
	"fadedreams/repairhub/repair-service/service"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/attribute"
)

func (h *Handler) CreateServiceRequest(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "CreateServiceRequest")
	defer span.End()

	var in service.CreateRequestInput
	if err := decodeBody(w, r, &in); err != nil {
		h.fail(w, r, span, err, "Invalid request body")
		return
	}
	req, err := h.svc.CreateServiceRequest(ctx, actorOf(r), in)
	if err != nil {
		h.fail(w, r, span, err, "Failed to create service request")
		return
	}
	span.SetAttributes(attribute.String("requestID", req.ID))
	h.logger.Info("Service request created", "requestID", req.ID, "app", "repair-service")
	writeJSON(w, http.StatusCreated, req)
}

// ListRequests lists a customer's own requests or a repairer's jobs.
func (h *Handler) ListRequests(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "ListRequests")
	defer span.End()

	actor := actorOf(r)
	var (
		list []*domain.ServiceRequest
		err  error
	)
	if actor.Kind == domain.ActorRepairer {
		list, err = h.svc.ListRepairerJobs(ctx, actor)
	} else {
		list, err = h.svc.ListCustomerRequests(ctx, actor)
	}
	if err != nil {
		h.fail(w, r, span, err, "Failed to list service requests")
		return
	}
	span.SetAttributes(attribute.Int("requestCount", len(list)))
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) ListOpenRequests(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "ListOpenRequests")
	defer span.End()

	list, err := h.svc.ListOpenRequests(ctx, actorOf(r))
	if err != nil {
		h.fail(w, r, span, err, "Failed to list open requests")
		return
	}
	span.SetAttributes(attribute.Int("requestCount", len(list)))
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) GetServiceRequest(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "GetServiceRequest")
	defer span.End()

	requestID := mux.Vars(r)["requestID"]
	span.SetAttributes(attribute.String("requestID", requestID))
	req, err := h.svc.GetServiceRequest(ctx, actorOf(r), requestID)
	if err != nil {
		h.fail(w, r, span, err, "Failed to get service request")
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type transitionInput struct {
	Status domain.Status `json:"status"`
	lifecycle.Input
}

// Transition moves a request to the status named in the body.
func (h *Handler) Transition(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "Transition")
	defer span.End()

	requestID := mux.Vars(r)["requestID"]
	var in transitionInput
	if err := decodeBody(w, r, &in); err != nil {
		h.fail(w, r, span, err, "Invalid request body")
		return
	}
	span.SetAttributes(
		attribute.String("requestID", requestID),
		attribute.String("target", string(in.Status)),
	)
	out, err := h.svc.Transition(ctx, actorOf(r), requestID, in.Status, in.Input)
	if err != nil {
		h.fail(w, r, span, err, "Transition refused")
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) VerifyCompletionOTP(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "VerifyCompletionOTP")
	defer span.End()

	requestID := mux.Vars(r)["requestID"]
	span.SetAttributes(attribute.String("requestID", requestID))
	var in struct {
		Code string `json:"code"`
	}
	if err := decodeBody(w, r, &in); err != nil {
		h.fail(w, r, span, err, "Invalid request body")
		return
	}
	out, err := h.svc.VerifyCompletionOTP(ctx, actorOf(r), requestID, in.Code)
	if err != nil {
		h.fail(w, r, span, err, "Completion OTP rejected")
		return
	}
	writeJSON(w, http.StatusOK, out)
}
