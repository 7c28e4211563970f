package kafka

import (
	_ "embed"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"fadedreams/repairhub/repair-service/domain"

	"github.com/hamba/avro/v2"
)

//go:embed service_request_event.avsc
var serviceRequestEventSchema string

// ServiceRequestEvent mirrors the Avro schema
type ServiceRequestEvent struct {
	RequestID      string    `avro:"request_id"`
	CustomerID     string    `avro:"customer_id"`
	RepairerID     *string   `avro:"repairer_id"`
	FromStatus     string    `avro:"from_status"`
	ToStatus       string    `avro:"to_status"`
	ActorKind      string    `avro:"actor_kind"`
	ActorID        *string   `avro:"actor_id"`
	EstimatedPrice float64   `avro:"estimated_price"`
	PostalCode     string    `avro:"postal_code"`
	OccurredAt     time.Time `avro:"occurred_at"`
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// FromOutbox decodes the JSON payload of a request.transitioned event.
func FromOutbox(event *domain.OutboxEvent) (*ServiceRequestEvent, error) {
	if event.EventType != domain.EventRequestTransitioned {
		return nil, fmt.Errorf("unexpected event type %q", event.EventType)
	}
	var t domain.RequestTransitioned
	if err := json.Unmarshal(event.Payload, &t); err != nil {
		return nil, fmt.Errorf("decode outbox payload: %w", err)
	}
	return &ServiceRequestEvent{
		RequestID:      t.RequestID,
		CustomerID:     t.CustomerID,
		RepairerID:     optional(t.RepairerID),
		FromStatus:     string(t.From),
		ToStatus:       string(t.To),
		ActorKind:      string(t.ActorKind),
		ActorID:        optional(t.ActorID),
		EstimatedPrice: t.EstimatedPrice,
		PostalCode:     t.PostalCode,
		OccurredAt:     t.OccurredAt.UTC().Truncate(time.Millisecond),
	}, nil
}

// Encode frames an Avro record the way schema-registry aware consumers
// expect: magic byte 0, the big-endian schema id, then the Avro body.
func Encode(schema avro.Schema, schemaID int, v any) ([]byte, error) {
	body, err := avro.Marshal(schema, v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal avro: %w", err)
	}
	out := make([]byte, 5, 5+len(body))
	out[0] = 0
	binary.BigEndian.PutUint32(out[1:5], uint32(schemaID))
	return append(out, body...), nil
}

// Decode reverses Encode and returns the schema id.
func Decode(schema avro.Schema, data []byte, v any) (int, error) {
	if len(data) < 5 || data[0] != 0 {
		return 0, errors.New("invalid message length")
	}
	schemaID := int(binary.BigEndian.Uint32(data[1:5]))
	if err := avro.Unmarshal(schema, data[5:], v); err != nil {
		return schemaID, fmt.Errorf("failed to unmarshal avro: %w", err)
	}
	return schemaID, nil
}
