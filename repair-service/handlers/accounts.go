package handlers

import (
	"net/http"

	"fadedreams/repairhub/repair-service/auth"
	"fadedreams/repairhub/repair-service/service"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/attribute"
)

func (h *Handler) RegisterUser(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "RegisterUser")
	defer span.End()

	var in service.RegisterInput
	if err := decodeBody(w, r, &in); err != nil {
		h.fail(w, r, span, err, "Invalid request body")
		return
	}
	u, err := h.svc.RegisterUser(ctx, in)
	if err != nil {
		h.fail(w, r, span, err, "Failed to register user")
		return
	}
	span.SetAttributes(attribute.String("userID", u.ID))
	writeJSON(w, http.StatusCreated, u)
}

func (h *Handler) RegisterRepairer(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "RegisterRepairer")
	defer span.End()

	var in service.RegisterInput
	if err := decodeBody(w, r, &in); err != nil {
		h.fail(w, r, span, err, "Invalid request body")
		return
	}
	rep, err := h.svc.RegisterRepairer(ctx, in)
	if err != nil {
		h.fail(w, r, span, err, "Failed to register repairer")
		return
	}
	span.SetAttributes(attribute.String("repairerID", rep.ID))
	writeJSON(w, http.StatusCreated, rep)
}

func (h *Handler) startSession(w http.ResponseWriter, sess *service.Session) {
	auth.SetSessionCookie(w, h.issuer, sess.Token, h.secureCookies)
	writeJSON(w, http.StatusOK, sess)
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "Login")
	defer span.End()

	var in struct {
		Kind     string `json:"kind"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(w, r, &in); err != nil {
		h.fail(w, r, span, err, "Invalid request body")
		return
	}
	kind, err := parseKind(in.Kind)
	if err != nil {
		h.fail(w, r, span, err, "Invalid account kind")
		return
	}
	sess, err := h.svc.Login(ctx, kind, in.Email, in.Password)
	if err != nil {
		h.fail(w, r, span, err, "Login failed")
		return
	}
	h.startSession(w, sess)
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	auth.ClearSessionCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

type phoneInput struct {
	Kind  string `json:"kind"`
	Phone string `json:"phone"`
	Code  string `json:"code,omitempty"`
}

func (h *Handler) SendLoginOTP(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "SendLoginOTP")
	defer span.End()

	var in phoneInput
	if err := decodeBody(w, r, &in); err != nil {
		h.fail(w, r, span, err, "Invalid request body")
		return
	}
	kind, err := parseKind(in.Kind)
	if err != nil {
		h.fail(w, r, span, err, "Invalid account kind")
		return
	}
	if err := h.svc.SendLoginOTP(ctx, kind, in.Phone); err != nil {
		h.fail(w, r, span, err, "Failed to send login OTP")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
}

func (h *Handler) VerifyLoginOTP(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "VerifyLoginOTP")
	defer span.End()

	var in phoneInput
	if err := decodeBody(w, r, &in); err != nil {
		h.fail(w, r, span, err, "Invalid request body")
		return
	}
	kind, err := parseKind(in.Kind)
	if err != nil {
		h.fail(w, r, span, err, "Invalid account kind")
		return
	}
	sess, err := h.svc.VerifyLoginOTP(ctx, kind, in.Phone, in.Code)
	if err != nil {
		h.fail(w, r, span, err, "Login OTP rejected")
		return
	}
	h.startSession(w, sess)
}

func (h *Handler) Profile(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "Profile")
	defer span.End()

	account, err := h.svc.Profile(ctx, actorOf(r))
	if err != nil {
		h.fail(w, r, span, err, "Failed to load profile")
		return
	}
	writeJSON(w, http.StatusOK, account)
}

func (h *Handler) UnbanRepairer(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "UnbanRepairer")
	defer span.End()

	repairerID := mux.Vars(r)["repairerID"]
	span.SetAttributes(attribute.String("repairerID", repairerID))
	rep, err := h.svc.UnbanRepairer(ctx, actorOf(r), repairerID)
	if err != nil {
		h.fail(w, r, span, err, "Failed to unban repairer")
		return
	}
	writeJSON(w, http.StatusOK, rep)
}
