package handlers

import (
	"io"
	"net/http"

	"fadedreams/repairhub/repair-service/domain"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/attribute"
)

func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "ListPayments")
	defer span.End()

	requestID := mux.Vars(r)["requestID"]
	span.SetAttributes(attribute.String("requestID", requestID))
	list, err := h.svc.ListPayments(ctx, actorOf(r), requestID)
	if err != nil {
		h.fail(w, r, span, err, "Failed to list payments")
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "Checkout")
	defer span.End()

	paymentID := mux.Vars(r)["paymentID"]
	span.SetAttributes(attribute.String("paymentID", paymentID))
	out, err := h.svc.Checkout(ctx, actorOf(r), paymentID)
	if err != nil {
		h.fail(w, r, span, err, "Checkout failed")
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// PaymentWebhook needs the raw body since the signature covers its bytes.
func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "PaymentWebhook")
	defer span.End()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.fail(w, r, span, domain.ValidationError{Field: "body", Msg: "unreadable webhook body", Err: err}, "Invalid webhook body")
		return
	}
	if err := h.svc.HandleGatewayWebhook(ctx, body, r.Header.Get(SignatureHeader)); err != nil {
		h.fail(w, r, span, err, "Webhook rejected")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) PaymentReceipt(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "PaymentReceipt")
	defer span.End()

	paymentID := mux.Vars(r)["paymentID"]
	span.SetAttributes(attribute.String("paymentID", paymentID))
	pdf, err := h.svc.PaymentReceipt(ctx, actorOf(r), paymentID)
	if err != nil {
		h.fail(w, r, span, err, "Failed to build receipt")
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", `attachment; filename="receipt-`+paymentID+`.pdf"`)
	w.WriteHeader(http.StatusOK)
	w.Write(pdf)
}
