package auth

import (
	"errors"
	"fmt"
	"time"

	"fadedreams/repairhub/repair-service/domain"

	"github.com/golang-jwt/jwt/v5"
)

// CookieName carries the session token.
const CookieName = "session"

type Claims struct {
	Kind domain.ActorKind `json:"kind"`
	jwt.RegisteredClaims
}

// Issuer signs and parses role-tagged session tokens.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewIssuer(secret string, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Issuer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

func (i *Issuer) TTL() time.Duration { return i.ttl }

func (i *Issuer) Sign(actor domain.Actor) (string, error) {
	if actor.ID == "" || actor.Kind == "" || actor.Kind == domain.ActorSystem {
		return "", domain.ValidationError{Field: "actor", Msg: "cannot issue a session for this actor"}
	}
	now := i.now()
	claims := Claims{
		Kind: actor.Kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := t.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign session: %w", err)
	}
	return signed, nil
}

func (i *Issuer) Parse(token string) (domain.Actor, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return i.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(i.now))
	if err != nil {
		return domain.Actor{}, domain.AuthorizationError{Msg: "invalid session", Err: err}
	}
	c, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || c.Subject == "" {
		return domain.Actor{}, domain.AuthorizationError{Msg: "invalid session", Err: errors.New("invalid token")}
	}
	switch c.Kind {
	case domain.ActorUser, domain.ActorRepairer, domain.ActorAdmin:
	default:
		return domain.Actor{}, domain.AuthorizationError{Msg: "invalid session"}
	}
	return domain.Actor{Kind: c.Kind, ID: c.Subject}, nil
}
