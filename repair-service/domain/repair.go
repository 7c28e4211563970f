package domain

import (
	"strings"
	"time"
)

// ActorKind tags who a document reference points at.
type ActorKind string

const (
	ActorUser     ActorKind = "User"
	ActorRepairer ActorKind = "Repairer"
	ActorAdmin    ActorKind = "Admin"
	ActorSystem   ActorKind = "System"
)

// Actor is the authenticated caller of an operation.
type Actor struct {
	Kind ActorKind `json:"kind"`
	ID   string    `json:"id"`
}

// SystemActor drives transitions no account may request directly.
var SystemActor = Actor{Kind: ActorSystem}

func (a Actor) Participant() Participant {
	return Participant{ID: a.ID, Kind: a.Kind}
}

// Status is the lifecycle state of a ServiceRequest.
type Status string

const (
	StatusRequested      Status = "requested"
	StatusPendingQuote   Status = "pending_quote"
	StatusQuoted         Status = "quoted"
	StatusAccepted       Status = "accepted"
	StatusInProgress     Status = "in_progress"
	StatusPendingOTP     Status = "pending_otp"
	StatusPendingPayment Status = "pending_payment"
	StatusCompleted      Status = "completed"
	StatusCancelled      Status = "cancelled"
	StatusRejected       Status = "rejected"
)

// AllStatuses lists every lifecycle state in declaration order.
var AllStatuses = []Status{
	StatusRequested,
	StatusPendingQuote,
	StatusQuoted,
	StatusAccepted,
	StatusInProgress,
	StatusPendingOTP,
	StatusPendingPayment,
	StatusCompleted,
	StatusCancelled,
	StatusRejected,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusRejected
}

type Urgency string

const (
	UrgencyLow    Urgency = "low"
	UrgencyMedium Urgency = "medium"
	UrgencyHigh   Urgency = "high"
)

func (u Urgency) Valid() bool {
	return u == UrgencyLow || u == UrgencyMedium || u == UrgencyHigh
}

// GeoPoint holds optional coordinates of a job site.
type GeoPoint struct {
	Latitude  float64 `bson:"latitude" json:"latitude"`
	Longitude float64 `bson:"longitude" json:"longitude"`
}

// Location is where the repair takes place.
type Location struct {
	Address     string    `bson:"address" json:"address"`
	PostalCode  string    `bson:"postalCode" json:"postalCode"`
	Coordinates *GeoPoint `bson:"coordinates,omitempty" json:"coordinates,omitempty"`
}

// QuotationRange bounds the price a repairer may quote.
type QuotationRange struct {
	Min float64 `bson:"min" json:"min"`
	Max float64 `bson:"max" json:"max"`
}

// Contains reports whether price lies inside the inclusive range.
func (q QuotationRange) Contains(price float64) bool {
	return price >= q.Min && price <= q.Max
}

// ServiceRequest is a job posted by a customer.
//
// RepairerID is the authoritative assignment signal. A request in status
// requested never carries a repairer; every other non-cancelled status does.
type ServiceRequest struct {
	ID                string          `bson:"_id" json:"id"`
	CustomerID        string          `bson:"customer" json:"customer"`
	RepairerID        string          `bson:"repairer,omitempty" json:"repairer,omitempty"`
	ServiceType       string          `bson:"serviceType" json:"serviceType"`
	Category          string          `bson:"category" json:"category"`
	Issue             string          `bson:"issue" json:"issue"`
	Description       string          `bson:"description,omitempty" json:"description,omitempty"`
	Quotation         *QuotationRange `bson:"quotation,omitempty" json:"quotation,omitempty"`
	EstimatedPrice    float64         `bson:"estimatedPrice" json:"estimatedPrice"`
	Location          Location        `bson:"location" json:"location"`
	PreferredTimeSlot string          `bson:"preferredTimeSlot,omitempty" json:"preferredTimeSlot,omitempty"`
	Urgency           Urgency         `bson:"urgency" json:"urgency"`
	Status            Status          `bson:"status" json:"status"`
	AssignedAt        *time.Time      `bson:"assignedAt,omitempty" json:"assignedAt,omitempty"`
	AcceptedAt        *time.Time      `bson:"acceptedAt,omitempty" json:"acceptedAt,omitempty"`
	OTPSentAt         *time.Time      `bson:"otpSentAt,omitempty" json:"otpSentAt,omitempty"`
	CompletedAt       *time.Time      `bson:"completedAt,omitempty" json:"completedAt,omitempty"`
	CancelledAt       *time.Time      `bson:"cancelledAt,omitempty" json:"cancelledAt,omitempty"`
	CreatedAt         time.Time       `bson:"createdAt" json:"createdAt"`
	UpdatedAt         time.Time       `bson:"updatedAt" json:"updatedAt"`
}

// Assigned reports whether a repairer holds the request.
func (r *ServiceRequest) Assigned() bool {
	return r.RepairerID != ""
}

// CheckAssignment enforces the repairer/status invariant before a write.
func (r *ServiceRequest) CheckAssignment() error {
	switch {
	case r.Status == StatusRequested && r.Assigned():
		return ValidationError{Field: "repairer", Msg: "a requested job cannot have a repairer"}
	case r.Status != StatusRequested && r.Status != StatusCancelled && !r.Assigned():
		return ValidationError{Field: "repairer", Msg: "status " + string(r.Status) + " requires an assigned repairer"}
	}
	return nil
}

// MatchesPostalPrefix is the open-request matching rule.
func (r *ServiceRequest) MatchesPostalPrefix(prefix string) bool {
	prefix = strings.TrimSpace(prefix)
	return prefix == "" || strings.HasPrefix(r.Location.PostalCode, prefix)
}

// User is a customer account.
type User struct {
	ID           string    `bson:"_id" json:"id"`
	Name         string    `bson:"name" json:"name"`
	Email        string    `bson:"email" json:"email"`
	Phone        string    `bson:"phone" json:"phone"`
	PasswordHash string    `bson:"passwordHash" json:"-"`
	PostalCode   string    `bson:"postalCode,omitempty" json:"postalCode,omitempty"`
	CreatedAt    time.Time `bson:"createdAt" json:"createdAt"`
}

// Repairer is a service provider account.
type Repairer struct {
	ID            string    `bson:"_id" json:"id"`
	Name          string    `bson:"name" json:"name"`
	Email         string    `bson:"email" json:"email"`
	Phone         string    `bson:"phone" json:"phone"`
	PasswordHash  string    `bson:"passwordHash" json:"-"`
	PostalCode    string    `bson:"postalCode" json:"postalCode"`
	Services      []string  `bson:"services,omitempty" json:"services,omitempty"`
	PayoutAccount string    `bson:"payoutAccount,omitempty" json:"payoutAccount,omitempty"`
	RedFlags      int       `bson:"redflag" json:"redflag"`
	Banned        bool      `bson:"banned" json:"banned"`
	CreatedAt     time.Time `bson:"createdAt" json:"createdAt"`
}

// Admin is a back-office account.
type Admin struct {
	ID           string    `bson:"_id" json:"id"`
	Name         string    `bson:"name" json:"name"`
	Email        string    `bson:"email" json:"email"`
	PasswordHash string    `bson:"passwordHash" json:"-"`
	CreatedAt    time.Time `bson:"createdAt" json:"createdAt"`
}

// Participant references an account together with its kind.
type Participant struct {
	ID   string    `bson:"id" json:"id"`
	Kind ActorKind `bson:"kind" json:"kind"`
}

// Conversation is the chat channel of one assigned ServiceRequest.
type Conversation struct {
	ID               string        `bson:"_id" json:"id"`
	ServiceRequestID string        `bson:"serviceRequest" json:"serviceRequest"`
	Participants     []Participant `bson:"participants" json:"participants"`
	LastMessageID    string        `bson:"lastMessage,omitempty" json:"lastMessage,omitempty"`
	CreatedAt        time.Time     `bson:"createdAt" json:"createdAt"`
	UpdatedAt        time.Time     `bson:"updatedAt" json:"updatedAt"`
}

// Includes reports whether id/kind is one of the participants.
func (c *Conversation) Includes(p Participant) bool {
	for _, member := range c.Participants {
		if member.ID == p.ID && member.Kind == p.Kind {
			return true
		}
	}
	return false
}

// Other returns the participant that is not p.
func (c *Conversation) Other(p Participant) (Participant, bool) {
	for _, member := range c.Participants {
		if member.ID != p.ID || member.Kind != p.Kind {
			return member, true
		}
	}
	return Participant{}, false
}

// Message is an immutable chat entry.
type Message struct {
	ID               string      `bson:"_id" json:"id"`
	ConversationID   string      `bson:"conversation" json:"conversation"`
	ServiceRequestID string      `bson:"serviceRequest" json:"serviceRequest"`
	Sender           Participant `bson:"sender" json:"sender"`
	Receiver         Participant `bson:"receiver" json:"receiver"`
	Text             string      `bson:"text" json:"text"`
	CreatedAt        time.Time   `bson:"createdAt" json:"createdAt"`
}

type NotificationType string

const (
	NotifyJobAccepted     NotificationType = "job_accepted"
	NotifyQuoteRequested  NotificationType = "quote_requested"
	NotifyQuoteSubmitted  NotificationType = "quote_submitted"
	NotifyQuoteAccepted   NotificationType = "quote_accepted"
	NotifyQuoteRejected   NotificationType = "quote_rejected"
	NotifyJobStarted      NotificationType = "job_started"
	NotifyJobCompleted    NotificationType = "job_completed"
	NotifyJobCancelled    NotificationType = "job_cancelled"
	NotifyCompletionOTP   NotificationType = "completion_otp"
	NotifyPaymentDue      NotificationType = "payment_due"
	NotifyPaymentReceived NotificationType = "payment_received"
	NotifyNewMessage      NotificationType = "new_message"
)

// EntityRef points at the document a notification is about.
type EntityRef struct {
	Kind string `bson:"kind" json:"kind"`
	ID   string `bson:"id" json:"id"`
}

// Notification belongs to exactly one recipient.
type Notification struct {
	ID        string           `bson:"_id" json:"id"`
	Recipient Participant      `bson:"recipient" json:"recipient"`
	Type      NotificationType `bson:"type" json:"type"`
	Message   string           `bson:"message" json:"message"`
	Read      bool             `bson:"read" json:"read"`
	Link      string           `bson:"link,omitempty" json:"link,omitempty"`
	Related   *EntityRef       `bson:"related,omitempty" json:"related,omitempty"`
	CreatedAt time.Time        `bson:"createdAt" json:"createdAt"`
}

type OTPPurpose string

const (
	OTPLogin      OTPPurpose = "login"
	OTPCompletion OTPPurpose = "completion"
)

// OTP is an ephemeral code keyed by phone (login) or request id (completion).
type OTP struct {
	ID        string     `bson:"_id" json:"id"`
	Purpose   OTPPurpose `bson:"purpose" json:"purpose"`
	Key       string     `bson:"key" json:"key"`
	Code      string     `bson:"code" json:"-"`
	ExpiresAt time.Time  `bson:"expiresAt" json:"expiresAt"`
	CreatedAt time.Time  `bson:"createdAt" json:"createdAt"`
}

// Expired reports whether the code can no longer be used at now.
func (o *OTP) Expired(now time.Time) bool {
	return o.ExpiresAt.Before(now)
}

type PaymentStatus string

const (
	PaymentCreated         PaymentStatus = "created"
	PaymentPending         PaymentStatus = "pending"
	PaymentCaptured        PaymentStatus = "captured"
	PaymentFailed          PaymentStatus = "failed"
	PaymentRefunded        PaymentStatus = "refunded"
	PaymentPayoutInitiated PaymentStatus = "payout_initiated"
	PaymentPayoutCompleted PaymentStatus = "payout_completed"
)

// Open reports whether the payment can still be paid.
func (s PaymentStatus) Open() bool {
	return s == PaymentCreated || s == PaymentPending
}

type PaymentKind string

const (
	PaymentForJob          PaymentKind = "job"
	PaymentForRejectionFee PaymentKind = "rejection_fee"
)

// Payment belongs to one ServiceRequest and one customer.
type Payment struct {
	ID                string        `bson:"_id" json:"id"`
	ServiceRequestID  string        `bson:"serviceRequest" json:"serviceRequest"`
	CustomerID        string        `bson:"customer" json:"customer"`
	RepairerID        string        `bson:"repairer,omitempty" json:"repairer,omitempty"`
	Kind              PaymentKind   `bson:"kind" json:"kind"`
	Amount            float64       `bson:"amount" json:"amount"`
	PlatformFee       float64       `bson:"platformFee" json:"platformFee"`
	RepairerPayout    float64       `bson:"repairerPayout" json:"repairerPayout"`
	Currency          string        `bson:"currency" json:"currency"`
	Status            PaymentStatus `bson:"status" json:"status"`
	GatewayOrderID    string        `bson:"gatewayOrderId,omitempty" json:"gatewayOrderId,omitempty"`
	GatewayPaymentID  string        `bson:"gatewayPaymentId,omitempty" json:"gatewayPaymentId,omitempty"`
	GatewayTransferID string        `bson:"gatewayTransferId,omitempty" json:"gatewayTransferId,omitempty"`
	CreatedAt         time.Time     `bson:"createdAt" json:"createdAt"`
	UpdatedAt         time.Time     `bson:"updatedAt" json:"updatedAt"`
}

type OutboxStatus string

const (
	OutboxPending OutboxStatus = "pending"
	OutboxDone    OutboxStatus = "done"
	OutboxDead    OutboxStatus = "dead"
)

// OutboxEvent is a side effect queued by a committed write.
type OutboxEvent struct {
	ID            string       `bson:"_id" json:"id"`
	EventType     string       `bson:"event_type" json:"event_type"`
	AggregateID   string       `bson:"aggregate_id" json:"aggregate_id"`
	Payload       []byte       `bson:"payload" json:"payload"`
	Status        OutboxStatus `bson:"status" json:"status"`
	Attempts      int          `bson:"attempts" json:"attempts"`
	LastError     string       `bson:"last_error,omitempty" json:"last_error,omitempty"`
	NextAttemptAt time.Time    `bson:"next_attempt_at" json:"next_attempt_at"`
	CreatedAt     time.Time    `bson:"created_at" json:"created_at"`
	ProcessedAt   *time.Time   `bson:"processed_at,omitempty" json:"processed_at,omitempty"`
}
