package grpcsvc

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"fadedreams/repairhub/repair-service/domain"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

func request(id, postal string, created time.Time) *domain.ServiceRequest {
	return &domain.ServiceRequest{
		ID:          id,
		CustomerID:  "cust-1",
		ServiceType: "plumbing",
		Category:    "home",
		Issue:       "leaking tap",
		Location:    domain.Location{Address: "12 MG Road", PostalCode: postal},
		Urgency:     domain.UrgencyMedium,
		Status:      domain.StatusRequested,
		Quotation:   &domain.QuotationRange{Min: 2000, Max: 3500},
		CreatedAt:   created,
		UpdatedAt:   created,
	}
}

func TestWatchOpenRequestsStreamsExistingThenNew(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store := domain.NewMemoryStore()
	now := time.Now()
	for _, r := range []*domain.ServiceRequest{
		request("req-near", "560034", now),
		request("req-far", "110001", now),
	} {
		if err := store.CreateRequest(ctx, r); err != nil {
			t.Fatalf("CreateRequest: %v", err)
		}
	}

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	Register(srv, NewRepairServer(store, slog.New(slog.NewTextHandler(io.Discard, nil))))
	go srv.Serve(lis)
	defer srv.Stop()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer conn.Close()

	stream, err := WatchOpenRequests(ctx, conn, "560")
	if err != nil {
		t.Fatalf("WatchOpenRequests: %v", err)
	}
	first, err := stream.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if got := first.Fields["id"].GetStringValue(); got != "req-near" {
		t.Fatalf("first request = %s", got)
	}
	if hi := first.Fields["quotation"].GetStructValue().Fields["max"].GetNumberValue(); hi != 3500 {
		t.Fatalf("quotation max = %v", hi)
	}

	// the watcher is registered before the initial listing is sent
	if err := store.CreateRequest(ctx, request("req-other-city", "400001", now)); err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	if err := store.CreateRequest(ctx, request("req-new", "560078", now)); err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	next, err := stream.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if got := next.Fields["id"].GetStringValue(); got != "req-new" {
		t.Fatalf("streamed request = %s", got)
	}
}

func TestToStructOmitsMissingQuotation(t *testing.T) {
	r := request("req-1", "560034", time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	r.Quotation = nil
	s, err := ToStruct(r)
	if err != nil {
		t.Fatalf("ToStruct: %v", err)
	}
	if _, ok := s.Fields["quotation"]; ok {
		t.Fatal("quotation present")
	}
	if s.Fields["createdAt"].GetStringValue() != "2026-01-02T03:04:05Z" {
		t.Fatalf("createdAt = %v", s.Fields["createdAt"])
	}
}
