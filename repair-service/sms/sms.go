package sms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"fadedreams/repairhub/repair-service/domain"

	"github.com/twilio/twilio-go"
	twilioClient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Sender delivers the text messages of the marketplace. Every method
// returns an error when the message was not accepted by the provider.
type Sender interface {
	SendOTP(ctx context.Context, phone, code string) error
	NotifyAccepted(ctx context.Context, msg domain.AcceptedSMS) error
	NotifyCompletionOTP(ctx context.Context, msg domain.CompletionOTPSMS) error
}

func otpBody(code string) string {
	return fmt.Sprintf("Your RepairHub verification code is %s. It expires in a few minutes.", code)
}

func acceptedBodies(msg domain.AcceptedSMS) (toCustomer, toRepairer string) {
	toCustomer = fmt.Sprintf("Hi %s, %s (%s) accepted your request: %s.", msg.CustomerName, msg.RepairerName, msg.RepairerPhone, msg.Issue)
	toRepairer = fmt.Sprintf("Hi %s, you accepted %s's request: %s. Contact: %s.", msg.RepairerName, msg.CustomerName, msg.Issue, msg.CustomerPhone)
	return toCustomer, toRepairer
}

func completionBody(msg domain.CompletionOTPSMS) string {
	return fmt.Sprintf("Your repair \"%s\" (Rs. %.2f) is done. Share code %s with the repairer to confirm completion.", msg.Issue, msg.Price, msg.Code)
}

type messageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// TwilioSender sends SMS through the Twilio REST API.
type TwilioSender struct {
	api     messageCreator
	from    string
	timeout time.Duration
	logger  *slog.Logger
}

func NewTwilioSender(accountSid, authToken, from string, timeout time.Duration, logger *slog.Logger) (*TwilioSender, error) {
	if accountSid == "" || authToken == "" || from == "" {
		return nil, errors.New("missing Twilio credentials")
	}
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Client: newTwilioHTTPClient(accountSid, authToken, timeout),
	})
	return &TwilioSender{api: client.Api, from: from, timeout: timeout, logger: logger}, nil
}

// newTwilioHTTPClient bounds every Twilio request by timeout.
func newTwilioHTTPClient(accountSid, authToken string, timeout time.Duration) *twilioClient.Client {
	c := &twilioClient.Client{
		Credentials: twilioClient.NewCredentials(accountSid, authToken),
		HTTPClient:  &http.Client{Timeout: timeout},
	}
	c.SetAccountSid(accountSid)
	return c
}

// send waits at most s.timeout for Twilio. The SDK call takes no context;
// the HTTP client timeout ends the request itself.
func (s *TwilioSender) send(ctx context.Context, to, body string) error {
	ctx, span := otel.Tracer("repair-service").Start(ctx, "TwilioSend")
	defer span.End()

	if to == "" {
		err := domain.ValidationError{Field: "phone", Msg: "recipient phone is required"}
		span.RecordError(err)
		span.SetStatus(codes.Error, "Missing phone")
		return err
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetFrom(s.from)
	params.SetTo(to)
	params.SetBody(body)

	type result struct {
		sid string
		err error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := s.api.CreateMessage(params)
		if err != nil {
			done <- result{err: err}
			return
		}
		sid := ""
		if resp != nil && resp.Sid != nil {
			sid = *resp.Sid
		}
		done <- result{sid: sid}
	}()

	select {
	case <-ctx.Done():
		err := domain.ExternalServiceError{Service: "sms", Err: ctx.Err()}
		span.RecordError(err)
		span.SetStatus(codes.Error, "SMS timed out")
		s.logger.Error("SMS delivery timed out", "to", to, "error", ctx.Err())
		return err
	case res := <-done:
		if res.err != nil {
			err := domain.ExternalServiceError{Service: "sms", Err: res.err}
			span.RecordError(err)
			span.SetStatus(codes.Error, "SMS rejected")
			s.logger.Error("Failed to send SMS", "to", to, "error", res.err)
			return err
		}
		span.SetAttributes(attribute.String("sid", res.sid))
		s.logger.Info("SMS sent", "sid", res.sid)
		return nil
	}
}

func (s *TwilioSender) SendOTP(ctx context.Context, phone, code string) error {
	return s.send(ctx, phone, otpBody(code))
}

func (s *TwilioSender) NotifyAccepted(ctx context.Context, msg domain.AcceptedSMS) error {
	toCustomer, toRepairer := acceptedBodies(msg)
	return errors.Join(
		s.send(ctx, msg.CustomerPhone, toCustomer),
		s.send(ctx, msg.RepairerPhone, toRepairer),
	)
}

func (s *TwilioSender) NotifyCompletionOTP(ctx context.Context, msg domain.CompletionOTPSMS) error {
	return s.send(ctx, msg.Phone, completionBody(msg))
}

// LogSender writes messages to the log instead of sending them. It is used
// when no SMS provider is configured.
type LogSender struct {
	logger *slog.Logger
}

func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) SendOTP(ctx context.Context, phone, code string) error {
	s.logger.Info("SMS (not sent)", "to", phone, "body", otpBody(code))
	return nil
}

func (s *LogSender) NotifyAccepted(ctx context.Context, msg domain.AcceptedSMS) error {
	toCustomer, toRepairer := acceptedBodies(msg)
	s.logger.Info("SMS (not sent)", "to", msg.CustomerPhone, "body", toCustomer)
	s.logger.Info("SMS (not sent)", "to", msg.RepairerPhone, "body", toRepairer)
	return nil
}

func (s *LogSender) NotifyCompletionOTP(ctx context.Context, msg domain.CompletionOTPSMS) error {
	s.logger.Info("SMS (not sent)", "to", msg.Phone, "body", completionBody(msg))
	return nil
}
