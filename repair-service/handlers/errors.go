package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"fadedreams/repairhub/repair-service/domain"
)

// ErrorBody is the JSON shape of every failed response.
type ErrorBody struct {
	Error   string         `json:"error"`
	Code    string         `json:"code"`
	Details map[string]any `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// errorResponse maps the domain error taxonomy to a status and body.
// Anything unclassified is reported as a generic internal error.
func errorResponse(err error) (int, ErrorBody) {
	var (
		validation domain.ValidationError
		authz      domain.AuthorizationError
		notFound   domain.NotFoundError
		transition domain.InvalidTransitionError
		conflict   domain.ConflictError
		external   domain.ExternalServiceError
	)
	switch {
	case errors.As(err, &validation):
		body := ErrorBody{Error: validation.Error(), Code: "validation_error"}
		if validation.Field != "" {
			body.Details = map[string]any{"field": validation.Field}
		}
		return http.StatusBadRequest, body
	case errors.As(err, &transition):
		return http.StatusBadRequest, ErrorBody{
			Error: transition.Error(),
			Code:  "invalid_transition",
			Details: map[string]any{
				"from":  transition.From,
				"to":    transition.To,
				"actor": transition.Actor,
			},
		}
	case errors.As(err, &conflict):
		return http.StatusBadRequest, ErrorBody{Error: conflict.Error(), Code: "conflict"}
	case errors.As(err, &authz):
		if authz.Forbidden {
			return http.StatusForbidden, ErrorBody{Error: authz.Msg, Code: "forbidden"}
		}
		return http.StatusUnauthorized, ErrorBody{Error: authz.Msg, Code: "unauthorized"}
	case errors.As(err, &notFound):
		return http.StatusNotFound, ErrorBody{Error: notFound.Error(), Code: "not_found"}
	case errors.As(err, &external):
		return http.StatusBadGateway, ErrorBody{
			Error:   external.Service + " is unavailable, try again later",
			Code:    "external_service_error",
			Details: map[string]any{"service": external.Service},
		}
	}
	return http.StatusInternalServerError, ErrorBody{Error: "internal server error", Code: "internal_error"}
}

// ErrorWriter returns an auth.ErrorWriter that logs server-side failures.
func ErrorWriter(logger *slog.Logger) func(w http.ResponseWriter, r *http.Request, err error) {
	return func(w http.ResponseWriter, r *http.Request, err error) {
		status, body := errorResponse(err)
		if status >= http.StatusInternalServerError {
			logger.Error("Request failed", "method", r.Method, "path", r.URL.Path, "status", status, "error", err, "app", "repair-service")
		} else {
			logger.Info("Request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err, "app", "repair-service")
		}
		writeJSON(w, status, body)
	}
}
