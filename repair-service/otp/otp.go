package otp

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"
	"time"

	"fadedreams/repairhub/repair-service/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Store keeps at most one code per purpose and key.
type Store interface {
	SaveOTP(ctx context.Context, otp *domain.OTP) error
	GetOTP(ctx context.Context, purpose domain.OTPPurpose, key string) (*domain.OTP, error)
	ConsumeOTP(ctx context.Context, purpose domain.OTPPurpose, key, code string) (bool, error)
}

// GenerateCode returns a cryptographically secure 6-digit code.
func GenerateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", fmt.Errorf("failed to generate random number: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

type Service struct {
	store Store
	ttl   time.Duration
	now   func() time.Time
	gen   func() (string, error)
}

func NewService(store Store, ttl time.Duration) *Service {
	return &Service{store: store, ttl: ttl, now: time.Now, gen: GenerateCode}
}

// Issue stores a fresh code for purpose/key, replacing any earlier one.
func (s *Service) Issue(ctx context.Context, purpose domain.OTPPurpose, key string) (*domain.OTP, error) {
	ctx, span := otel.Tracer("repair-service").Start(ctx, "IssueOTP")
	defer span.End()
	span.SetAttributes(attribute.String("purpose", string(purpose)))

	if key == "" {
		return nil, domain.ValidationError{Field: "otp", Msg: "key is required"}
	}
	code, err := s.gen()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to generate otp")
		return nil, err
	}
	now := s.now()
	record := &domain.OTP{
		ID:        domain.NewID(),
		Purpose:   purpose,
		Key:       key,
		Code:      code,
		ExpiresAt: now.Add(s.ttl),
		CreatedAt: now,
	}
	if err := s.store.SaveOTP(ctx, record); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to save otp")
		return nil, fmt.Errorf("save otp: %w", err)
	}
	return record, nil
}

// Verify checks code against the latest one issued for purpose/key and
// deletes it on success, so a code verifies at most once.
func (s *Service) Verify(ctx context.Context, purpose domain.OTPPurpose, key, code string) error {
	ctx, span := otel.Tracer("repair-service").Start(ctx, "VerifyOTP")
	defer span.End()
	span.SetAttributes(attribute.String("purpose", string(purpose)))

	if code == "" {
		return domain.ValidationError{Field: "otp", Msg: "code is required"}
	}
	record, err := s.store.GetOTP(ctx, purpose, key)
	if domain.IsNotFound(err) {
		return domain.ValidationError{Field: "otp", Msg: "no otp requested or it has expired", Err: err}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to load otp")
		return err
	}
	if record.Expired(s.now()) {
		return domain.ValidationError{Field: "otp", Msg: "otp expired"}
	}
	if subtle.ConstantTimeCompare([]byte(record.Code), []byte(code)) != 1 {
		return domain.ValidationError{Field: "otp", Msg: "invalid otp"}
	}
	consumed, err := s.store.ConsumeOTP(ctx, purpose, key, code)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to consume otp")
		return err
	}
	if !consumed {
		return domain.ValidationError{Field: "otp", Msg: "otp already used"}
	}
	return nil
}
