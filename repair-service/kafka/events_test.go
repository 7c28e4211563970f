package kafka

import (
	"testing"
	"time"

	"fadedreams/repairhub/repair-service/domain"

	"github.com/hamba/avro/v2"
)

func TestEncodeFramesWithSchemaID(t *testing.T) {
	schema, err := avro.Parse(serviceRequestEventSchema)
	if err != nil {
		t.Fatalf("parse schema: %v", err)
	}
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	event, err := domain.NewOutboxEvent(domain.EventRequestTransitioned, "req-1", domain.RequestTransitioned{
		RequestID:  "req-1",
		CustomerID: "cust-1",
		RepairerID: "rep-1",
		From:       domain.StatusRequested,
		To:         domain.StatusAccepted,
		ActorKind:  domain.ActorRepairer,
		ActorID:    "rep-1",
		PostalCode: "560001",
		OccurredAt: now,
	}, now)
	if err != nil {
		t.Fatalf("NewOutboxEvent: %v", err)
	}

	record, err := FromOutbox(event)
	if err != nil {
		t.Fatalf("FromOutbox: %v", err)
	}
	data, err := Encode(schema, 42, record)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if data[0] != 0 {
		t.Fatalf("magic byte = %d", data[0])
	}

	var decoded ServiceRequestEvent
	id, err := Decode(schema, data, &decoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if id != 42 {
		t.Fatalf("schema id = %d", id)
	}
	if decoded.ToStatus != "accepted" || decoded.RepairerID == nil || *decoded.RepairerID != "rep-1" {
		t.Fatalf("unexpected record %+v", decoded)
	}
	if !decoded.OccurredAt.Equal(now) {
		t.Fatalf("occurred_at = %v", decoded.OccurredAt)
	}
}

func TestFromOutboxRejectsOtherEvents(t *testing.T) {
	_, err := FromOutbox(&domain.OutboxEvent{EventType: domain.EventSMSAccepted, Payload: []byte(`{}`)})
	if err == nil {
		t.Fatal("expected an error for a non-transition event")
	}
}
