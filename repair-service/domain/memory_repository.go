package domain

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore holds all data in memory. It backs tests and STORE=memory
// development runs. A single mutex makes every method atomic, which gives
// the same guarantees the Mongo transactions give.
type MemoryStore struct {
	mu sync.Mutex

	requests      map[string]*ServiceRequest
	users         map[string]*User
	repairers     map[string]*Repairer
	admins        map[string]*Admin
	conversations map[string]*Conversation
	messages      []*Message
	notifications map[string]*Notification
	otps          map[string]*OTP
	payments      map[string]*Payment
	outbox        []*OutboxEvent

	watchers []chan *ServiceRequest
}

// NewMemoryStore creates a new in-memory storage
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests:      make(map[string]*ServiceRequest),
		users:         make(map[string]*User),
		repairers:     make(map[string]*Repairer),
		admins:        make(map[string]*Admin),
		conversations: make(map[string]*Conversation),
		notifications: make(map[string]*Notification),
		otps:          make(map[string]*OTP),
		payments:      make(map[string]*Payment),
	}
}

func clone[T any](v *T) *T {
	c := *v
	return &c
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.watchers {
		close(ch)
	}
	m.watchers = nil
	return nil
}

// Service request operations
func (m *MemoryStore) CreateRequest(ctx context.Context, req *ServiceRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.requests[req.ID]; exists {
		return ConflictError{Resource: "service request", Msg: "duplicate id"}
	}
	m.requests[req.ID] = clone(req)
	for _, ch := range m.watchers {
		select {
		case ch <- clone(req):
		default:
		}
	}
	return nil
}

func (m *MemoryStore) GetRequest(ctx context.Context, id string) (*ServiceRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, exists := m.requests[id]
	if !exists {
		return nil, NotFoundError{Resource: "service request", ID: id}
	}
	return clone(req), nil
}

func (m *MemoryStore) filterRequests(keep func(*ServiceRequest) bool) []*ServiceRequest {
	out := []*ServiceRequest{}
	for _, req := range m.requests {
		if keep(req) {
			out = append(out, clone(req))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func (m *MemoryStore) ListRequestsByCustomer(ctx context.Context, customerID string) ([]*ServiceRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.filterRequests(func(r *ServiceRequest) bool { return r.CustomerID == customerID }), nil
}

func (m *MemoryStore) ListRequestsByRepairer(ctx context.Context, repairerID string) ([]*ServiceRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.filterRequests(func(r *ServiceRequest) bool { return r.RepairerID == repairerID }), nil
}

func (m *MemoryStore) ListOpenRequests(ctx context.Context, postalPrefix string) ([]*ServiceRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.filterRequests(func(r *ServiceRequest) bool {
		return r.Status == StatusRequested && !r.Assigned() && r.MatchesPostalPrefix(postalPrefix)
	}), nil
}

func (m *MemoryStore) ApplyTransition(ctx context.Context, id string, guard RequestGuard, change RequestChange, events []*OutboxEvent) (*ServiceRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, exists := m.requests[id]
	if !exists {
		return nil, NotFoundError{Resource: "service request", ID: id}
	}
	if !guard.Holds(req) {
		return nil, ConflictError{Resource: "service request", Msg: "request changed concurrently"}
	}
	change.Apply(req)
	for _, event := range events {
		m.outbox = append(m.outbox, clone(event))
	}
	return clone(req), nil
}

func (m *MemoryStore) WatchNewRequests(ctx context.Context) (<-chan *ServiceRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan *ServiceRequest, 16)
	m.watchers = append(m.watchers, ch)
	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, w := range m.watchers {
			if w == ch {
				m.watchers = append(m.watchers[:i], m.watchers[i+1:]...)
				close(ch)
				break
			}
		}
	}()
	return ch, nil
}

// Account operations
func (m *MemoryStore) CreateUser(ctx context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.users {
		if strings.EqualFold(existing.Email, u.Email) {
			return ConflictError{Resource: "users", Msg: "email already registered"}
		}
	}
	m.users[u.ID] = clone(u)
	return nil
}

func (m *MemoryStore) GetUser(ctx context.Context, id string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if u, ok := m.users[id]; ok {
		return clone(u), nil
	}
	return nil, NotFoundError{Resource: "user", ID: id}
}

func (m *MemoryStore) findUser(match func(*User) bool, key string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, u := range m.users {
		if match(u) {
			return clone(u), nil
		}
	}
	return nil, NotFoundError{Resource: "user", ID: key}
}

func (m *MemoryStore) FindUserByEmail(ctx context.Context, email string) (*User, error) {
	return m.findUser(func(u *User) bool { return u.Email == email }, email)
}

func (m *MemoryStore) FindUserByPhone(ctx context.Context, phone string) (*User, error) {
	return m.findUser(func(u *User) bool { return u.Phone == phone }, phone)
}

func (m *MemoryStore) CreateRepairer(ctx context.Context, r *Repairer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.repairers {
		if strings.EqualFold(existing.Email, r.Email) {
			return ConflictError{Resource: "repairers", Msg: "email already registered"}
		}
	}
	m.repairers[r.ID] = clone(r)
	return nil
}

func (m *MemoryStore) GetRepairer(ctx context.Context, id string) (*Repairer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.repairers[id]; ok {
		return clone(r), nil
	}
	return nil, NotFoundError{Resource: "repairer", ID: id}
}

func (m *MemoryStore) findRepairer(match func(*Repairer) bool, key string) (*Repairer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.repairers {
		if match(r) {
			return clone(r), nil
		}
	}
	return nil, NotFoundError{Resource: "repairer", ID: key}
}

func (m *MemoryStore) FindRepairerByEmail(ctx context.Context, email string) (*Repairer, error) {
	return m.findRepairer(func(r *Repairer) bool { return r.Email == email }, email)
}

func (m *MemoryStore) FindRepairerByPhone(ctx context.Context, phone string) (*Repairer, error) {
	return m.findRepairer(func(r *Repairer) bool { return r.Phone == phone }, phone)
}

func (m *MemoryStore) IncrementRedFlag(ctx context.Context, repairerID string, threshold int) (*Repairer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.repairers[repairerID]
	if !ok {
		return nil, NotFoundError{Resource: "repairer", ID: repairerID}
	}
	r.RedFlags++
	if r.RedFlags > threshold {
		r.Banned = true
	}
	return clone(r), nil
}

func (m *MemoryStore) Unban(ctx context.Context, repairerID string) (*Repairer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.repairers[repairerID]
	if !ok {
		return nil, NotFoundError{Resource: "repairer", ID: repairerID}
	}
	r.Banned = false
	r.RedFlags = 0
	return clone(r), nil
}

func (m *MemoryStore) CreateAdmin(ctx context.Context, a *Admin) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.admins {
		if strings.EqualFold(existing.Email, a.Email) {
			return ConflictError{Resource: "admins", Msg: "email already registered"}
		}
	}
	m.admins[a.ID] = clone(a)
	return nil
}

func (m *MemoryStore) GetAdmin(ctx context.Context, id string) (*Admin, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if a, ok := m.admins[id]; ok {
		return clone(a), nil
	}
	return nil, NotFoundError{Resource: "admin", ID: id}
}

func (m *MemoryStore) FindAdminByEmail(ctx context.Context, email string) (*Admin, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, a := range m.admins {
		if a.Email == email {
			return clone(a), nil
		}
	}
	return nil, NotFoundError{Resource: "admin", ID: email}
}

// Conversation operations
func cloneConversation(c *Conversation) *Conversation {
	out := clone(c)
	out.Participants = append([]Participant(nil), c.Participants...)
	return out
}

func (m *MemoryStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.conversations[id]; ok {
		return cloneConversation(c), nil
	}
	return nil, NotFoundError{Resource: "conversation", ID: id}
}

func (m *MemoryStore) FindConversationByRequest(ctx context.Context, requestID string) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range m.conversations {
		if c.ServiceRequestID == requestID {
			return cloneConversation(c), nil
		}
	}
	return nil, NotFoundError{Resource: "conversation", ID: requestID}
}

func (m *MemoryStore) CreateConversation(ctx context.Context, conv *Conversation, seed *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range m.conversations {
		if c.ServiceRequestID == conv.ServiceRequestID {
			return ConflictError{Resource: "conversation", Msg: "already exists for request"}
		}
	}
	m.conversations[conv.ID] = cloneConversation(conv)
	if seed != nil {
		m.messages = append(m.messages, clone(seed))
	}
	return nil
}

func (m *MemoryStore) AppendMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[msg.ConversationID]
	if !ok {
		return NotFoundError{Resource: "conversation", ID: msg.ConversationID}
	}
	m.messages = append(m.messages, clone(msg))
	c.LastMessageID = msg.ID
	c.UpdatedAt = msg.CreatedAt
	return nil
}

func (m *MemoryStore) ListMessages(ctx context.Context, conversationID string) ([]*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []*Message{}
	for _, msg := range m.messages {
		if msg.ConversationID == conversationID {
			out = append(out, clone(msg))
		}
	}
	return out, nil
}

// Notification operations
func (m *MemoryStore) CreateNotification(ctx context.Context, n *Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.notifications[n.ID] = clone(n)
	return nil
}

func (m *MemoryStore) ListNotifications(ctx context.Context, recipient Participant) ([]*Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []*Notification{}
	for _, n := range m.notifications {
		if n.Recipient == recipient {
			out = append(out, clone(n))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) MarkNotificationRead(ctx context.Context, id string, recipient Participant) (*Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.notifications[id]
	if !ok || n.Recipient != recipient {
		return nil, NotFoundError{Resource: "notification", ID: id}
	}
	n.Read = true
	return clone(n), nil
}

func (m *MemoryStore) DeleteNotification(ctx context.Context, id string, recipient Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.notifications[id]
	if !ok || n.Recipient != recipient {
		return NotFoundError{Resource: "notification", ID: id}
	}
	delete(m.notifications, id)
	return nil
}

// OTP operations. Expired records are left for GetOTP to report, the way
// the TTL monitor lags behind expiresAt in Mongo.
func otpKey(purpose OTPPurpose, key string) string {
	return string(purpose) + ":" + key
}

func (m *MemoryStore) SaveOTP(ctx context.Context, otp *OTP) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.otps[otpKey(otp.Purpose, otp.Key)] = clone(otp)
	return nil
}

func (m *MemoryStore) GetOTP(ctx context.Context, purpose OTPPurpose, key string) (*OTP, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if otp, ok := m.otps[otpKey(purpose, key)]; ok {
		return clone(otp), nil
	}
	return nil, NotFoundError{Resource: "otp", ID: key}
}

func (m *MemoryStore) ConsumeOTP(ctx context.Context, purpose OTPPurpose, key, code string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := otpKey(purpose, key)
	otp, ok := m.otps[k]
	if !ok || otp.Code != code {
		return false, nil
	}
	delete(m.otps, k)
	return true, nil
}

// Payment operations
func (m *MemoryStore) CreatePayment(ctx context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.payments[p.ID] = clone(p)
	return nil
}

func (m *MemoryStore) GetPayment(ctx context.Context, id string) (*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.payments[id]; ok {
		return clone(p), nil
	}
	return nil, NotFoundError{Resource: "payment", ID: id}
}

func (m *MemoryStore) FindOpenPayment(ctx context.Context, requestID string, kind PaymentKind) (*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range m.payments {
		if p.ServiceRequestID == requestID && p.Kind == kind && p.Status.Open() {
			return clone(p), nil
		}
	}
	return nil, NotFoundError{Resource: "payment", ID: requestID}
}

func (m *MemoryStore) FindPaymentByOrder(ctx context.Context, orderID string) (*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range m.payments {
		if orderID != "" && p.GatewayOrderID == orderID {
			return clone(p), nil
		}
	}
	return nil, NotFoundError{Resource: "payment", ID: orderID}
}

func (m *MemoryStore) ListPaymentsByRequest(ctx context.Context, requestID string) ([]*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []*Payment{}
	for _, p := range m.payments {
		if p.ServiceRequestID == requestID {
			out = append(out, clone(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) UpdatePayment(ctx context.Context, id string, from []PaymentStatus, change PaymentChange) (*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.payments[id]
	if !ok {
		return nil, NotFoundError{Resource: "payment", ID: id}
	}
	if len(from) > 0 {
		allowed := false
		for _, s := range from {
			if p.Status == s {
				allowed = true
				break
			}
		}
		if !allowed {
			return nil, ConflictError{Resource: "payment", Msg: "payment is no longer in an updatable state"}
		}
	}
	change.Apply(p)
	return clone(p), nil
}

// Outbox operations
func (m *MemoryStore) SaveOutboxEvents(ctx context.Context, events ...*OutboxEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, event := range events {
		m.outbox = append(m.outbox, clone(event))
	}
	return nil
}

func (m *MemoryStore) GetDueOutboxEvents(ctx context.Context, now time.Time, limit int) ([]*OutboxEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []*OutboxEvent{}
	for _, event := range m.outbox {
		if event.Status == OutboxPending && !event.NextAttemptAt.After(now) {
			out = append(out, clone(event))
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (m *MemoryStore) outboxEvent(id string) (*OutboxEvent, error) {
	for _, event := range m.outbox {
		if event.ID == id {
			return event, nil
		}
	}
	return nil, NotFoundError{Resource: "outbox event", ID: id}
}

func (m *MemoryStore) MarkOutboxEventProcessed(ctx context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	event, err := m.outboxEvent(eventID)
	if err != nil {
		return err
	}
	now := time.Now()
	event.Status = OutboxDone
	event.ProcessedAt = &now
	return nil
}

func (m *MemoryStore) MarkOutboxEventFailed(ctx context.Context, eventID string, attempts int, lastErr string, next time.Time, dead bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	event, err := m.outboxEvent(eventID)
	if err != nil {
		return err
	}
	event.Attempts = attempts
	event.LastError = lastErr
	event.NextAttemptAt = next
	event.Status = OutboxPending
	if dead {
		event.Status = OutboxDead
	}
	return nil
}

// OutboxEvents returns a snapshot of every queued event.
func (m *MemoryStore) OutboxEvents() []*OutboxEvent {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*OutboxEvent, 0, len(m.outbox))
	for _, event := range m.outbox {
		out = append(out, clone(event))
	}
	return out
}

var _ Store = (*MemoryStore)(nil)
