package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"fadedreams/repairhub/repair-service/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	DefaultMaxAttempts = 8
	DefaultBatchSize   = 50
	maxBackoff         = 5 * time.Minute
	baseBackoff        = 2 * time.Second
)

// Store is the slice of the repository the processor needs.
type Store interface {
	GetDueOutboxEvents(ctx context.Context, now time.Time, limit int) ([]*domain.OutboxEvent, error)
	MarkOutboxEventProcessed(ctx context.Context, eventID string) error
	MarkOutboxEventFailed(ctx context.Context, eventID string, attempts int, lastErr string, next time.Time, dead bool) error
}

// Handler delivers one event. A returned error schedules a retry.
type Handler func(ctx context.Context, event *domain.OutboxEvent) error

// Processor processes events from the outbox collection
type Processor struct {
	store       Store
	logger      *slog.Logger
	interval    time.Duration
	maxAttempts int
	batchSize   int
	now         func() time.Time

	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewProcessor creates a new Processor polling every interval.
func NewProcessor(store Store, interval time.Duration, logger *slog.Logger) *Processor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Processor{
		store:       store,
		logger:      logger,
		interval:    interval,
		maxAttempts: DefaultMaxAttempts,
		batchSize:   DefaultBatchSize,
		now:         time.Now,
		handlers:    make(map[string]Handler),
	}
}

// Handle registers the handler for an event type, replacing any previous one.
func (p *Processor) Handle(eventType string, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[eventType] = h
}

func (p *Processor) handler(eventType string) (Handler, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	h, ok := p.handlers[eventType]
	return h, ok
}

// Start begins processing outbox events until ctx is cancelled.
func (p *Processor) Start(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Info("Starting outbox processor", "interval", p.interval.String(), "app", "repair-service")
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Stopping outbox processor", "app", "repair-service")
			return ctx.Err()
		case <-ticker.C:
			if _, err := p.ProcessOnce(ctx); err != nil {
				p.logger.Error("Failed to process outbox events", "error", err, "app", "repair-service")
			}
		}
	}
}

// ProcessOnce handles every due event once and returns how many succeeded.
func (p *Processor) ProcessOnce(ctx context.Context) (int, error) {
	ctx, span := otel.Tracer("repair-service").Start(ctx, "ProcessOutboxEvents")
	defer span.End()

	events, err := p.store.GetDueOutboxEvents(ctx, p.now(), p.batchSize)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to get due outbox events")
		return 0, err
	}

	processed := 0
	for _, event := range events {
		if ctx.Err() != nil {
			break
		}
		if err := p.deliver(ctx, event); err != nil {
			span.RecordError(err)
			p.fail(ctx, event, err)
			continue
		}
		if err := p.store.MarkOutboxEventProcessed(ctx, event.ID); err != nil {
			span.RecordError(err)
			p.logger.Error("Failed to mark outbox event as processed", "eventID", event.ID, "error", err, "app", "repair-service")
			continue
		}
		processed++
		p.logger.Debug("Processed outbox event", "eventID", event.ID, "eventType", event.EventType, "app", "repair-service")
	}

	span.SetAttributes(
		attribute.Int("dueEventCount", len(events)),
		attribute.Int("processedEventCount", processed),
	)
	return processed, nil
}

var errNoHandler = errors.New("no handler registered")

func (p *Processor) deliver(ctx context.Context, event *domain.OutboxEvent) (err error) {
	h, ok := p.handler(event.EventType)
	if !ok {
		return fmt.Errorf("%w for %q", errNoHandler, event.EventType)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, event)
}

func (p *Processor) fail(ctx context.Context, event *domain.OutboxEvent, cause error) {
	attempts := event.Attempts + 1
	dead := attempts >= p.maxAttempts || domain.IsValidation(cause)
	next := p.now().Add(Backoff(attempts))

	if err := p.store.MarkOutboxEventFailed(ctx, event.ID, attempts, cause.Error(), next, dead); err != nil {
		p.logger.Error("Failed to record outbox failure", "eventID", event.ID, "error", err, "app", "repair-service")
		return
	}
	if dead {
		p.logger.Error("Outbox event is dead", "eventID", event.ID, "eventType", event.EventType, "attempts", attempts, "error", cause, "app", "repair-service")
		return
	}
	p.logger.Warn("Outbox event failed, will retry", "eventID", event.ID, "eventType", event.EventType, "attempts", attempts, "nextAttemptAt", next, "error", cause, "app", "repair-service")
}

// Backoff doubles from two seconds per attempt and caps at five minutes.
func Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := baseBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}
