package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"fadedreams/repairhub/repair-service/auth"
	"fadedreams/repairhub/repair-service/domain"
	"fadedreams/repairhub/repair-service/service"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gorilla/mux/otelmux"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SignatureHeader carries the gateway's HMAC of a webhook body.
const SignatureHeader = "X-Razorpay-Signature"

const maxBodyBytes = 1 << 20

// Handler serves the HTTP API of repair-service.
type Handler struct {
	svc           *service.Service
	issuer        *auth.Issuer
	repairers     auth.RepairerGetter
	secureCookies bool
	logger        *slog.Logger
	writeError    auth.ErrorWriter
	tracer        trace.Tracer
}

func NewHandler(svc *service.Service, issuer *auth.Issuer, repairers auth.RepairerGetter, secureCookies bool, logger *slog.Logger) *Handler {
	return &Handler{
		svc:           svc,
		issuer:        issuer,
		repairers:     repairers,
		secureCookies: secureCookies,
		logger:        logger,
		writeError:    ErrorWriter(logger),
		tracer:        otel.Tracer("repair-service"),
	}
}

// NewRouter wires every route. ws may be nil when the realtime relay is off.
func NewRouter(h *Handler, ws http.Handler) *mux.Router {
	r := mux.NewRouter()
	r.Use(otelmux.Middleware("repair-service"))

	r.HandleFunc("/health", h.Health).Methods("GET")
	if ws != nil {
		r.Handle("/ws", ws)
	}

	r.HandleFunc("/auth/users/register", h.RegisterUser).Methods("POST")
	r.HandleFunc("/auth/repairers/register", h.RegisterRepairer).Methods("POST")
	r.HandleFunc("/auth/login", h.Login).Methods("POST")
	r.HandleFunc("/auth/logout", h.Logout).Methods("POST")
	r.HandleFunc("/auth/otp/send", h.SendLoginOTP).Methods("POST")
	r.HandleFunc("/auth/otp/verify", h.VerifyLoginOTP).Methods("POST")
	r.HandleFunc("/payments/webhook", h.PaymentWebhook).Methods("POST")

	api := r.NewRoute().Subrouter()
	api.Use(auth.Middleware(h.issuer, h.repairers, h.writeError))
	customers := auth.Require(h.writeError, domain.ActorUser)
	repairers := auth.Require(h.writeError, domain.ActorRepairer)
	admins := auth.Require(h.writeError, domain.ActorAdmin)

	api.HandleFunc("/me", h.Profile).Methods("GET")

	api.Handle("/requests", customers(http.HandlerFunc(h.CreateServiceRequest))).Methods("POST")
	api.HandleFunc("/requests", h.ListRequests).Methods("GET")
	api.Handle("/requests/open", repairers(http.HandlerFunc(h.ListOpenRequests))).Methods("GET")
	api.HandleFunc("/requests/{requestID}", h.GetServiceRequest).Methods("GET")
	api.HandleFunc("/requests/{requestID}/transitions", h.Transition).Methods("POST")
	api.Handle("/requests/{requestID}/completion-otp", repairers(http.HandlerFunc(h.VerifyCompletionOTP))).Methods("POST")
	api.HandleFunc("/requests/{requestID}/conversation", h.ConversationForRequest).Methods("GET")
	api.HandleFunc("/requests/{requestID}/payments", h.ListPayments).Methods("GET")

	api.HandleFunc("/conversations/{conversationID}/messages", h.ListMessages).Methods("GET")

	api.HandleFunc("/notifications", h.ListNotifications).Methods("GET")
	api.HandleFunc("/notifications/{notificationID}/read", h.MarkNotificationRead).Methods("PATCH")
	api.HandleFunc("/notifications/{notificationID}", h.DeleteNotification).Methods("DELETE")

	api.Handle("/payments/{paymentID}/checkout", customers(http.HandlerFunc(h.Checkout))).Methods("POST")
	api.HandleFunc("/payments/{paymentID}/receipt", h.PaymentReceipt).Methods("GET")

	api.Handle("/admin/repairers/{repairerID}/unban", admins(http.HandlerFunc(h.UnbanRepairer))).Methods("POST")
	return r
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, span trace.Span, err error, msg string) {
	span.RecordError(err)
	span.SetStatus(codes.Error, msg)
	h.writeError(w, r, err)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return domain.ValidationError{Field: "body", Msg: "invalid request body", Err: err}
	}
	return nil
}

func actorOf(r *http.Request) domain.Actor {
	actor, _ := auth.ActorFrom(r.Context())
	return actor
}

func parseKind(s string) (domain.ActorKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "user", "customer":
		return domain.ActorUser, nil
	case "repairer":
		return domain.ActorRepairer, nil
	case "admin":
		return domain.ActorAdmin, nil
	}
	return "", domain.ValidationError{Field: "kind", Msg: fmt.Sprintf("unknown account kind %q", s)}
}

// Health is polled by the Consul check.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "HealthCheck")
	defer span.End()

	if err := h.svc.Ping(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Store unreachable")
		h.logger.Error("Health check failed", "error", err, "app", "repair-service")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
