package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Outbox event types.
const (
	EventRequestTransitioned = "request.transitioned"
	EventSMSAccepted         = "sms.accepted"
	EventSMSCompletionOTP    = "sms.completion_otp"
	EventPaymentPayout       = "payment.payout"
)

// RequestTransitioned is published to Kafka for every committed transition.
type RequestTransitioned struct {
	RequestID      string    `json:"requestId"`
	CustomerID     string    `json:"customerId"`
	RepairerID     string    `json:"repairerId,omitempty"`
	From           Status    `json:"from"`
	To             Status    `json:"to"`
	ActorKind      ActorKind `json:"actorKind"`
	ActorID        string    `json:"actorId,omitempty"`
	EstimatedPrice float64   `json:"estimatedPrice"`
	PostalCode     string    `json:"postalCode"`
	OccurredAt     time.Time `json:"occurredAt"`
}

// AcceptedSMS asks the SMS collaborator to tell both parties a job was taken.
type AcceptedSMS struct {
	CustomerPhone string `json:"customerPhone"`
	CustomerName  string `json:"customerName"`
	RepairerPhone string `json:"repairerPhone"`
	RepairerName  string `json:"repairerName"`
	Issue         string `json:"issue"`
}

// CompletionOTPSMS carries the completion code to the customer.
type CompletionOTPSMS struct {
	Phone string  `json:"phone"`
	Code  string  `json:"code"`
	Issue string  `json:"issue"`
	Price float64 `json:"price"`
}

// PayoutRequested asks the payout handler to transfer a captured payment.
type PayoutRequested struct {
	PaymentID string `json:"paymentId"`
}

// NewID returns a new document id.
func NewID() string {
	return primitive.NewObjectID().Hex()
}

// NewOutboxEvent encodes payload as JSON into a pending event due at now.
func NewOutboxEvent(eventType, aggregateID string, payload any, now time.Time) (*OutboxEvent, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	return &OutboxEvent{
		ID:            NewID(),
		EventType:     eventType,
		AggregateID:   aggregateID,
		Payload:       raw,
		Status:        OutboxPending,
		NextAttemptAt: now,
		CreatedAt:     now,
	}, nil
}

// Round2 rounds to two decimals.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// SplitFee returns the platform fee and the repairer payout for amount.
func SplitFee(amount, feePercent float64) (fee, payout float64) {
	fee = Round2(amount * feePercent / 100)
	payout = Round2(amount - fee)
	return fee, payout
}
