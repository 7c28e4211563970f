package otp

import (
	"context"
	"testing"
	"time"

	"fadedreams/repairhub/repair-service/domain"
)

func newTestService(now *time.Time, codes ...string) *Service {
	s := NewService(domain.NewMemoryStore(), 5*time.Minute)
	s.now = func() time.Time { return *now }
	i := 0
	s.gen = func() (string, error) {
		c := codes[i%len(codes)]
		i++
		return c, nil
	}
	return s
}

func TestGenerateCodeIsSixDigits(t *testing.T) {
	for i := 0; i < 50; i++ {
		code, err := GenerateCode()
		if err != nil {
			t.Fatalf("GenerateCode: %v", err)
		}
		if len(code) != 6 {
			t.Fatalf("code %q is not 6 digits", code)
		}
	}
}

func TestVerifyConsumesCode(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	s := newTestService(&now, "111111")

	if _, err := s.Issue(ctx, domain.OTPCompletion, "req-1"); err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if err := s.Verify(ctx, domain.OTPCompletion, "req-1", "111111"); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if err := s.Verify(ctx, domain.OTPCompletion, "req-1", "111111"); !domain.IsValidation(err) {
		t.Fatalf("replay should fail with a validation error, got %v", err)
	}
}

func TestVerifyOnlyLatestCodeMatches(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	s := newTestService(&now, "111111", "222222")

	s.Issue(ctx, domain.OTPLogin, "+911234567890")
	s.Issue(ctx, domain.OTPLogin, "+911234567890")

	if err := s.Verify(ctx, domain.OTPLogin, "+911234567890", "111111"); !domain.IsValidation(err) {
		t.Fatalf("stale code accepted: %v", err)
	}
	if err := s.Verify(ctx, domain.OTPLogin, "+911234567890", "222222"); err != nil {
		t.Fatalf("latest code rejected: %v", err)
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	s := newTestService(&now, "333333")

	s.Issue(ctx, domain.OTPLogin, "+911234567890")
	now = now.Add(6 * time.Minute)
	err := s.Verify(ctx, domain.OTPLogin, "+911234567890", "333333")
	if !domain.IsValidation(err) || err.Error() != "otp: otp expired" {
		t.Fatalf("expected expiry error, got %v", err)
	}
}

func TestVerifyUnknownKey(t *testing.T) {
	now := time.Now()
	s := newTestService(&now, "444444")
	if err := s.Verify(context.Background(), domain.OTPLogin, "nobody", "444444"); !domain.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
