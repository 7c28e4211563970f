package sms

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"fadedreams/repairhub/repair-service/domain"

	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

type fakeCreator struct {
	mu    sync.Mutex
	sent  []*twilioApi.CreateMessageParams
	err   error
	block chan struct{}
}

func (f *fakeCreator) CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, params)
	if f.err != nil {
		return nil, f.err
	}
	sid := "SM123"
	return &twilioApi.ApiV2010Message{Sid: &sid}, nil
}

func newTestSender(api messageCreator, timeout time.Duration) *TwilioSender {
	return &TwilioSender{
		api:     api,
		from:    "+15005550006",
		timeout: timeout,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestSendOTP(t *testing.T) {
	api := &fakeCreator{}
	s := newTestSender(api, time.Second)

	if err := s.SendOTP(context.Background(), "+911234567890", "654321"); err != nil {
		t.Fatalf("SendOTP: %v", err)
	}
	if len(api.sent) != 1 {
		t.Fatalf("expected one message, got %d", len(api.sent))
	}
	p := api.sent[0]
	if *p.To != "+911234567890" || !strings.Contains(*p.Body, "654321") {
		t.Fatalf("unexpected message to=%s body=%s", *p.To, *p.Body)
	}
}

func TestNotifyAcceptedSendsToBothParties(t *testing.T) {
	api := &fakeCreator{}
	s := newTestSender(api, time.Second)

	err := s.NotifyAccepted(context.Background(), domain.AcceptedSMS{
		CustomerPhone: "+911", CustomerName: "Cara",
		RepairerPhone: "+912", RepairerName: "Ravi",
		Issue: "leaking tap",
	})
	if err != nil {
		t.Fatalf("NotifyAccepted: %v", err)
	}
	if len(api.sent) != 2 {
		t.Fatalf("expected two messages, got %d", len(api.sent))
	}
}

func TestProviderFailureIsExternal(t *testing.T) {
	s := newTestSender(&fakeCreator{err: errors.New("21211 invalid number")}, time.Second)
	err := s.SendOTP(context.Background(), "+910", "000000")
	if !domain.IsExternal(err) {
		t.Fatalf("expected external service error, got %v", err)
	}
}

func TestSendIsBounded(t *testing.T) {
	api := &fakeCreator{block: make(chan struct{})}
	defer close(api.block)
	s := newTestSender(api, 20*time.Millisecond)

	start := time.Now()
	err := s.NotifyCompletionOTP(context.Background(), domain.CompletionOTPSMS{Phone: "+911", Code: "123456", Issue: "tap", Price: 2500})
	if !domain.IsExternal(err) {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("send was not bounded by the timeout")
	}
}

func TestMissingPhone(t *testing.T) {
	s := newTestSender(&fakeCreator{}, time.Second)
	if err := s.SendOTP(context.Background(), "", "123456"); !domain.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestTwilioClientHasRequestTimeout(t *testing.T) {
	c := newTwilioHTTPClient("AC123", "token", 3*time.Second)
	if c.HTTPClient == nil || c.HTTPClient.Timeout != 3*time.Second {
		t.Fatalf("http client = %+v", c.HTTPClient)
	}
	if c.Credentials == nil || c.Credentials.Username != "AC123" {
		t.Fatalf("credentials not set")
	}
	if _, err := NewTwilioSender("AC123", "token", "+15005550006", time.Second, slog.New(slog.NewTextHandler(io.Discard, nil))); err != nil {
		t.Fatalf("NewTwilioSender: %v", err)
	}
}
