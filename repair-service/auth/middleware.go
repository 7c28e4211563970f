package auth

import (
	"context"
	"net/http"
	"strings"

	"fadedreams/repairhub/repair-service/domain"
)

type contextKey struct{}

// RepairerGetter loads a repairer to check the ban flag on every request.
type RepairerGetter interface {
	GetRepairer(ctx context.Context, id string) (*domain.Repairer, error)
}

// ErrorWriter renders an error response.
type ErrorWriter func(w http.ResponseWriter, r *http.Request, err error)

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, contextKey{}, actor)
}

func ActorFrom(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(contextKey{}).(domain.Actor)
	return actor, ok
}

// TokenFromRequest reads the session cookie, falling back to a bearer header.
func TokenFromRequest(r *http.Request) string {
	if c, err := r.Cookie(CookieName); err == nil && c.Value != "" {
		return c.Value
	}
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

// Authenticate resolves the caller for an already-read token. Banned
// repairers are refused even while their token is still valid.
func Authenticate(ctx context.Context, issuer *Issuer, repairers RepairerGetter, token string) (domain.Actor, error) {
	if token == "" {
		return domain.Actor{}, domain.AuthorizationError{Msg: "missing session"}
	}
	actor, err := issuer.Parse(token)
	if err != nil {
		return domain.Actor{}, err
	}
	if actor.Kind == domain.ActorRepairer {
		rep, err := repairers.GetRepairer(ctx, actor.ID)
		if err != nil {
			if domain.IsNotFound(err) {
				return domain.Actor{}, domain.AuthorizationError{Msg: "invalid session", Err: err}
			}
			return domain.Actor{}, err
		}
		if rep.Banned {
			return domain.Actor{}, domain.AuthorizationError{Msg: "repairer account is banned", Forbidden: true}
		}
	}
	return actor, nil
}

// Middleware puts the authenticated actor in the request context.
func Middleware(issuer *Issuer, repairers RepairerGetter, writeError ErrorWriter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, err := Authenticate(r.Context(), issuer, repairers, TokenFromRequest(r))
			if err != nil {
				writeError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
		})
	}
}

// Require refuses callers whose kind is not in kinds.
func Require(writeError ErrorWriter, kinds ...domain.ActorKind) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := ActorFrom(r.Context())
			if !ok {
				writeError(w, r, domain.AuthorizationError{Msg: "missing session"})
				return
			}
			for _, k := range kinds {
				if actor.Kind == k {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeError(w, r, domain.AuthorizationError{Msg: "not allowed for " + string(actor.Kind), Forbidden: true})
		})
	}
}

// SetSessionCookie writes token as an HTTP-only cookie.
func SetSessionCookie(w http.ResponseWriter, issuer *Issuer, token string, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(issuer.TTL().Seconds()),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func ClearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{Name: CookieName, Value: "", Path: "/", MaxAge: -1, HttpOnly: true})
}
