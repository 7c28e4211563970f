package domain

import (
	"context"
	"time"
)

// Stamp names a per-transition timestamp field of a ServiceRequest.
type Stamp string

const (
	StampAssigned  Stamp = "assignedAt"
	StampAccepted  Stamp = "acceptedAt"
	StampOTPSent   Stamp = "otpSentAt"
	StampCompleted Stamp = "completedAt"
	StampCancelled Stamp = "cancelledAt"
)

// RequestGuard is the state a ServiceRequest must still be in for a
// conditional write to apply. An empty RepairerID means unassigned.
type RequestGuard struct {
	Status     Status
	RepairerID string
}

// Holds reports whether r still matches the guard.
func (g RequestGuard) Holds(r *ServiceRequest) bool {
	return r.Status == g.Status && r.RepairerID == g.RepairerID
}

// RequestChange is the mutation a transition applies.
type RequestChange struct {
	Status         Status
	RepairerID     string
	EstimatedPrice *float64
	Stamps         []Stamp
	At             time.Time
}

// Apply writes the change onto r.
func (c RequestChange) Apply(r *ServiceRequest) {
	r.Status = c.Status
	if c.RepairerID != "" {
		r.RepairerID = c.RepairerID
	}
	if c.EstimatedPrice != nil {
		r.EstimatedPrice = *c.EstimatedPrice
	}
	for _, stamp := range c.Stamps {
		at := c.At
		switch stamp {
		case StampAssigned:
			r.AssignedAt = &at
		case StampAccepted:
			r.AcceptedAt = &at
		case StampOTPSent:
			r.OTPSentAt = &at
		case StampCompleted:
			r.CompletedAt = &at
		case StampCancelled:
			r.CancelledAt = &at
		}
	}
	r.UpdatedAt = c.At
}

// PaymentChange sets the non-empty fields on a payment.
type PaymentChange struct {
	Status            PaymentStatus
	GatewayOrderID    string
	GatewayPaymentID  string
	GatewayTransferID string
	At                time.Time
}

func (c PaymentChange) Apply(p *Payment) {
	if c.Status != "" {
		p.Status = c.Status
	}
	if c.GatewayOrderID != "" {
		p.GatewayOrderID = c.GatewayOrderID
	}
	if c.GatewayPaymentID != "" {
		p.GatewayPaymentID = c.GatewayPaymentID
	}
	if c.GatewayTransferID != "" {
		p.GatewayTransferID = c.GatewayTransferID
	}
	p.UpdatedAt = c.At
}

type RequestRepository interface {
	CreateRequest(ctx context.Context, req *ServiceRequest) error
	GetRequest(ctx context.Context, id string) (*ServiceRequest, error)
	ListRequestsByCustomer(ctx context.Context, customerID string) ([]*ServiceRequest, error)
	ListRequestsByRepairer(ctx context.Context, repairerID string) ([]*ServiceRequest, error)
	ListOpenRequests(ctx context.Context, postalPrefix string) ([]*ServiceRequest, error)
	// ApplyTransition writes change and events in one atomic step, only if
	// the stored request still satisfies guard. A request that moved on
	// yields a ConflictError.
	ApplyTransition(ctx context.Context, id string, guard RequestGuard, change RequestChange, events []*OutboxEvent) (*ServiceRequest, error)
	// WatchNewRequests streams requests inserted after the call.
	WatchNewRequests(ctx context.Context) (<-chan *ServiceRequest, error)
}

type AccountRepository interface {
	CreateUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	FindUserByEmail(ctx context.Context, email string) (*User, error)
	FindUserByPhone(ctx context.Context, phone string) (*User, error)

	CreateRepairer(ctx context.Context, r *Repairer) error
	GetRepairer(ctx context.Context, id string) (*Repairer, error)
	FindRepairerByEmail(ctx context.Context, email string) (*Repairer, error)
	FindRepairerByPhone(ctx context.Context, phone string) (*Repairer, error)
	// IncrementRedFlag adds one red flag and bans the repairer once the
	// counter exceeds threshold.
	IncrementRedFlag(ctx context.Context, repairerID string, threshold int) (*Repairer, error)
	// Unban clears the ban and the red flag counter.
	Unban(ctx context.Context, repairerID string) (*Repairer, error)

	CreateAdmin(ctx context.Context, a *Admin) error
	GetAdmin(ctx context.Context, id string) (*Admin, error)
	FindAdminByEmail(ctx context.Context, email string) (*Admin, error)
}

type ConversationRepository interface {
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	FindConversationByRequest(ctx context.Context, requestID string) (*Conversation, error)
	// CreateConversation stores conv together with its seed message. A
	// conversation already stored for the same request yields a ConflictError.
	CreateConversation(ctx context.Context, conv *Conversation, seed *Message) error
	// AppendMessage stores msg and moves the conversation's last message pointer.
	AppendMessage(ctx context.Context, msg *Message) error
	ListMessages(ctx context.Context, conversationID string) ([]*Message, error)
}

type NotificationRepository interface {
	CreateNotification(ctx context.Context, n *Notification) error
	ListNotifications(ctx context.Context, recipient Participant) ([]*Notification, error)
	MarkNotificationRead(ctx context.Context, id string, recipient Participant) (*Notification, error)
	DeleteNotification(ctx context.Context, id string, recipient Participant) error
}

type OTPRepository interface {
	// SaveOTP replaces any code stored for the same purpose and key.
	SaveOTP(ctx context.Context, otp *OTP) error
	GetOTP(ctx context.Context, purpose OTPPurpose, key string) (*OTP, error)
	// ConsumeOTP deletes the record only if it still carries code. It
	// reports whether a record was deleted.
	ConsumeOTP(ctx context.Context, purpose OTPPurpose, key, code string) (bool, error)
}

type PaymentRepository interface {
	CreatePayment(ctx context.Context, p *Payment) error
	GetPayment(ctx context.Context, id string) (*Payment, error)
	FindOpenPayment(ctx context.Context, requestID string, kind PaymentKind) (*Payment, error)
	FindPaymentByOrder(ctx context.Context, orderID string) (*Payment, error)
	ListPaymentsByRequest(ctx context.Context, requestID string) ([]*Payment, error)
	// UpdatePayment applies change only while the payment is in one of from.
	UpdatePayment(ctx context.Context, id string, from []PaymentStatus, change PaymentChange) (*Payment, error)
}

type OutboxRepository interface {
	SaveOutboxEvents(ctx context.Context, events ...*OutboxEvent) error
	GetDueOutboxEvents(ctx context.Context, now time.Time, limit int) ([]*OutboxEvent, error)
	MarkOutboxEventProcessed(ctx context.Context, eventID string) error
	MarkOutboxEventFailed(ctx context.Context, eventID string, attempts int, lastErr string, next time.Time, dead bool) error
}

// Store is the full persistence surface of the service.
type Store interface {
	RequestRepository
	AccountRepository
	ConversationRepository
	NotificationRepository
	OTPRepository
	PaymentRepository
	OutboxRepository
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}
