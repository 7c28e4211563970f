package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"fadedreams/repairhub/repair-service/domain"
)

func TestSignAndParse(t *testing.T) {
	issuer := NewIssuer("secret", time.Hour)
	token, err := issuer.Sign(domain.Actor{Kind: domain.ActorRepairer, ID: "rep-1"})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	actor, err := issuer.Parse(token)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if actor.Kind != domain.ActorRepairer || actor.ID != "rep-1" {
		t.Fatalf("actor = %+v", actor)
	}

	if _, err := NewIssuer("other", time.Hour).Parse(token); !domain.IsAuthorization(err) {
		t.Fatalf("token verified under the wrong secret: %v", err)
	}
}

func TestExpiredTokenIsRejected(t *testing.T) {
	issuer := NewIssuer("secret", time.Minute)
	start := time.Now()
	issuer.now = func() time.Time { return start }
	token, err := issuer.Sign(domain.Actor{Kind: domain.ActorUser, ID: "u-1"})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	issuer.now = func() time.Time { return start.Add(2 * time.Minute) }
	if _, err := issuer.Parse(token); !domain.IsAuthorization(err) {
		t.Fatalf("expected expired token to fail, got %v", err)
	}
}

func TestSystemActorGetsNoSession(t *testing.T) {
	if _, err := NewIssuer("secret", time.Hour).Sign(domain.SystemActor); !domain.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("correct horse")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if !CheckPassword(hash, "correct horse") {
		t.Fatal("password did not match its hash")
	}
	if CheckPassword(hash, "wrong horse") {
		t.Fatal("wrong password matched")
	}
	if _, err := HashPassword("short"); err == nil {
		t.Fatal("short password accepted")
	}
}

func TestMiddlewareRefusesBannedRepairer(t *testing.T) {
	store := domain.NewMemoryStore()
	ctx := context.Background()
	if err := store.CreateRepairer(ctx, &domain.Repairer{ID: "rep-1", Email: "r1@example.com"}); err != nil {
		t.Fatalf("CreateRepairer: %v", err)
	}
	issuer := NewIssuer("secret", time.Hour)
	token, _ := issuer.Sign(domain.Actor{Kind: domain.ActorRepairer, ID: "rep-1"})

	var status int
	writeError := func(w http.ResponseWriter, r *http.Request, err error) {
		status = http.StatusUnauthorized
		var ae domain.AuthorizationError
		if errors.As(err, &ae) && ae.Forbidden {
			status = http.StatusForbidden
		}
		w.WriteHeader(status)
	}
	var seen domain.Actor
	h := Middleware(issuer, store, writeError)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = ActorFrom(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/requests", nil)
	req.AddCookie(&http.Cookie{Name: CookieName, Value: token})
	h.ServeHTTP(httptest.NewRecorder(), req)
	if seen.ID != "rep-1" {
		t.Fatalf("actor not placed in context: %+v", seen)
	}

	for i := 0; i < 4; i++ {
		if _, err := store.IncrementRedFlag(ctx, "rep-1", 3); err != nil {
			t.Fatalf("IncrementRedFlag: %v", err)
		}
	}
	seen = domain.Actor{}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden || seen.ID != "" {
		t.Fatalf("banned repairer got through: code %d", rec.Code)
	}
}

func TestMiddlewareWithoutTokenIsUnauthorized(t *testing.T) {
	issuer := NewIssuer("secret", time.Hour)
	called := false
	h := Middleware(issuer, domain.NewMemoryStore(), func(w http.ResponseWriter, r *http.Request, err error) {
		w.WriteHeader(http.StatusUnauthorized)
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/requests", nil))
	if rec.Code != http.StatusUnauthorized || called {
		t.Fatalf("code = %d called = %v", rec.Code, called)
	}
}
