package domain

import (
	"context"
	"testing"
	"time"
)

func seedRequest(t *testing.T, store *MemoryStore, id, postal string) *ServiceRequest {
	t.Helper()
	req := &ServiceRequest{
		ID:          id,
		CustomerID:  "cust-1",
		ServiceType: "plumbing",
		Category:    "home",
		Issue:       "leaking tap",
		Location:    Location{Address: "1 Main St", PostalCode: postal},
		Urgency:     UrgencyMedium,
		Status:      StatusRequested,
		CreatedAt:   time.Now(),
	}
	if err := store.CreateRequest(context.Background(), req); err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	return req
}

func TestApplyTransitionGuard(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	seedRequest(t, store, "req-1", "560001")

	change := RequestChange{Status: StatusAccepted, RepairerID: "rep-1", Stamps: []Stamp{StampAssigned}, At: time.Now()}
	events := []*OutboxEvent{{ID: "evt-1", EventType: "request.transitioned", Status: OutboxPending}}
	updated, err := store.ApplyTransition(ctx, "req-1", RequestGuard{Status: StatusRequested}, change, events)
	if err != nil {
		t.Fatalf("first transition: %v", err)
	}
	if updated.RepairerID != "rep-1" || updated.AssignedAt == nil {
		t.Fatalf("unexpected request after transition: %+v", updated)
	}

	change.RepairerID = "rep-2"
	if _, err := store.ApplyTransition(ctx, "req-1", RequestGuard{Status: StatusRequested}, change, events); !IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
	got, _ := store.GetRequest(ctx, "req-1")
	if got.RepairerID != "rep-1" {
		t.Fatalf("repairer changed to %q", got.RepairerID)
	}
	if n := len(store.OutboxEvents()); n != 1 {
		t.Fatalf("expected 1 outbox event, got %d", n)
	}

	if _, err := store.ApplyTransition(ctx, "missing", RequestGuard{Status: StatusRequested}, change, nil); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestListOpenRequestsByPrefix(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	seedRequest(t, store, "a", "560001")
	seedRequest(t, store, "b", "560102")
	seedRequest(t, store, "c", "110001")

	open, err := store.ListOpenRequests(ctx, "560")
	if err != nil {
		t.Fatalf("ListOpenRequests: %v", err)
	}
	if len(open) != 2 {
		t.Fatalf("expected 2 open requests, got %d", len(open))
	}
	all, _ := store.ListOpenRequests(ctx, "")
	if len(all) != 3 {
		t.Fatalf("expected 3 open requests without prefix, got %d", len(all))
	}
}

func TestIncrementRedFlagBansAboveThreshold(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.CreateRepairer(ctx, &Repairer{ID: "rep-1", Email: "r@example.com"}); err != nil {
		t.Fatalf("CreateRepairer: %v", err)
	}
	var rep *Repairer
	for i := 1; i <= 4; i++ {
		var err error
		rep, err = store.IncrementRedFlag(ctx, "rep-1", 3)
		if err != nil {
			t.Fatalf("IncrementRedFlag: %v", err)
		}
		if rep.RedFlags != i {
			t.Fatalf("redflag = %d, want %d", rep.RedFlags, i)
		}
		if i <= 3 && rep.Banned {
			t.Fatalf("banned after %d flags", i)
		}
	}
	if !rep.Banned {
		t.Fatal("expected ban after the fourth flag")
	}

	rep, err := store.Unban(ctx, "rep-1")
	if err != nil {
		t.Fatalf("Unban: %v", err)
	}
	if rep.Banned || rep.RedFlags != 0 {
		t.Fatalf("unban left %+v", rep)
	}
}

func TestCreateConversationIsUniquePerRequest(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	conv := &Conversation{ID: "c1", ServiceRequestID: "req-1"}
	if err := store.CreateConversation(ctx, conv, &Message{ID: "m1", ConversationID: "c1"}); err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	dup := &Conversation{ID: "c2", ServiceRequestID: "req-1"}
	if err := store.CreateConversation(ctx, dup, &Message{ID: "m2", ConversationID: "c2"}); !IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
	msgs, _ := store.ListMessages(ctx, "c1")
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
}

func TestConsumeOTPOnlyOnce(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	otp := &OTP{ID: "o1", Purpose: OTPLogin, Key: "+911234567890", Code: "123456", ExpiresAt: time.Now().Add(time.Minute)}
	if err := store.SaveOTP(ctx, otp); err != nil {
		t.Fatalf("SaveOTP: %v", err)
	}
	if ok, _ := store.ConsumeOTP(ctx, OTPLogin, otp.Key, "000000"); ok {
		t.Fatal("wrong code consumed the otp")
	}
	if ok, _ := store.ConsumeOTP(ctx, OTPLogin, otp.Key, "123456"); !ok {
		t.Fatal("expected the otp to be consumed")
	}
	if ok, _ := store.ConsumeOTP(ctx, OTPLogin, otp.Key, "123456"); ok {
		t.Fatal("replay consumed the otp again")
	}
}

func TestCheckAssignment(t *testing.T) {
	cases := []struct {
		status   Status
		repairer string
		wantErr  bool
	}{
		{StatusRequested, "", false},
		{StatusRequested, "rep", true},
		{StatusQuoted, "", true},
		{StatusQuoted, "rep", false},
		{StatusCancelled, "", false},
		{StatusCancelled, "rep", false},
	}
	for _, tc := range cases {
		r := &ServiceRequest{Status: tc.status, RepairerID: tc.repairer}
		if err := r.CheckAssignment(); (err != nil) != tc.wantErr {
			t.Errorf("%s/%q: err = %v, wantErr %v", tc.status, tc.repairer, err, tc.wantErr)
		}
	}
}
