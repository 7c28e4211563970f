package service

import (
	"context"
	"log/slog"
	"time"

	"fadedreams/repairhub/repair-service/auth"
	"fadedreams/repairhub/repair-service/domain"
	"fadedreams/repairhub/repair-service/lifecycle"
	"fadedreams/repairhub/repair-service/notify"
	"fadedreams/repairhub/repair-service/otp"
	"fadedreams/repairhub/repair-service/payment"
	"fadedreams/repairhub/repair-service/sms"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type Config struct {
	Currency      string
	WebhookSecret string
	// SMSTimeout bounds synchronous SMS delivery (login codes).
	SMSTimeout time.Duration
	// PostalPrefixLength is how many leading characters of a repairer's
	// postal code select the open requests shown to them.
	PostalPrefixLength int
}

// Deps are the collaborators built once at startup.
type Deps struct {
	Store    domain.Store
	Engine   *lifecycle.Engine
	Notifier *notify.Dispatcher
	OTPs     *otp.Service
	SMS      sms.Sender
	Gateway  payment.Gateway
	Issuer   *auth.Issuer
}

// Service implements the marketplace operations behind the HTTP API.
type Service struct {
	store    domain.Store
	engine   *lifecycle.Engine
	notifier *notify.Dispatcher
	otps     *otp.Service
	sms      sms.Sender
	gateway  payment.Gateway
	issuer   *auth.Issuer
	cfg      Config
	tracer   trace.Tracer
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a new instance of the marketplace service
func NewService(d Deps, cfg Config, logger *slog.Logger) *Service {
	if cfg.Currency == "" {
		cfg.Currency = "INR"
	}
	if cfg.SMSTimeout <= 0 {
		cfg.SMSTimeout = 10 * time.Second
	}
	if cfg.PostalPrefixLength <= 0 {
		cfg.PostalPrefixLength = 3
	}
	return &Service{
		store:    d.Store,
		engine:   d.Engine,
		notifier: d.Notifier,
		otps:     d.OTPs,
		sms:      d.SMS,
		gateway:  d.Gateway,
		issuer:   d.Issuer,
		cfg:      cfg,
		tracer:   otel.Tracer("repair-service"),
		logger:   logger,
		now:      time.Now,
	}
}

// Ping checks the backing store.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func fail(span trace.Span, err error, msg string) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, msg)
	return err
}

func forbidden(msg string) error {
	return domain.AuthorizationError{Msg: msg, Forbidden: true}
}

func requireKind(actor domain.Actor, kinds ...domain.ActorKind) error {
	for _, k := range kinds {
		if actor.Kind == k && actor.ID != "" {
			return nil
		}
	}
	if actor.ID == "" {
		return domain.AuthorizationError{Msg: "missing session"}
	}
	return forbidden("not allowed for " + string(actor.Kind))
}
