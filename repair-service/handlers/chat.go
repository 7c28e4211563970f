package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/attribute"
)

func (h *Handler) ConversationForRequest(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "ConversationForRequest")
	defer span.End()

	requestID := mux.Vars(r)["requestID"]
	span.SetAttributes(attribute.String("requestID", requestID))
	conv, err := h.svc.ConversationForRequest(ctx, actorOf(r), requestID)
	if err != nil {
		h.fail(w, r, span, err, "Failed to open conversation")
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "ListMessages")
	defer span.End()

	conversationID := mux.Vars(r)["conversationID"]
	span.SetAttributes(attribute.String("conversationID", conversationID))
	msgs, err := h.svc.ListMessages(ctx, actorOf(r), conversationID)
	if err != nil {
		h.fail(w, r, span, err, "Failed to list messages")
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "ListNotifications")
	defer span.End()

	list, err := h.svc.ListNotifications(ctx, actorOf(r))
	if err != nil {
		h.fail(w, r, span, err, "Failed to list notifications")
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) MarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "MarkNotificationRead")
	defer span.End()

	id := mux.Vars(r)["notificationID"]
	span.SetAttributes(attribute.String("notificationID", id))
	n, err := h.svc.MarkNotificationRead(ctx, actorOf(r), id)
	if err != nil {
		h.fail(w, r, span, err, "Failed to mark notification read")
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (h *Handler) DeleteNotification(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "DeleteNotification")
	defer span.End()

	id := mux.Vars(r)["notificationID"]
	span.SetAttributes(attribute.String("notificationID", id))
	if err := h.svc.DeleteNotification(ctx, actorOf(r), id); err != nil {
		h.fail(w, r, span, err, "Failed to delete notification")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
