package realtime

import (
	"context"
	"sync"

	"fadedreams/repairhub/repair-service/domain"
)

// BusMessage is routed either to a conversation room or to every socket of
// one recipient.
type BusMessage struct {
	Room      string              `json:"room,omitempty"`
	Recipient *domain.Participant `json:"recipient,omitempty"`
	Envelope  Envelope            `json:"envelope"`
}

// Bus carries chat events between relay instances.
type Bus interface {
	Publish(ctx context.Context, msg BusMessage) error
	// Start delivers every published message to onMsg until ctx ends. It
	// returns once the subscription is live.
	Start(ctx context.Context, onMsg func(BusMessage)) error
	Close() error
}

// LocalBus delivers in process, for a single instance.
type LocalBus struct {
	mu    sync.RWMutex
	onMsg func(BusMessage)
}

func NewLocalBus() *LocalBus { return &LocalBus{} }

func (b *LocalBus) Publish(ctx context.Context, msg BusMessage) error {
	b.mu.RLock()
	onMsg := b.onMsg
	b.mu.RUnlock()
	if onMsg != nil {
		onMsg(msg)
	}
	return nil
}

func (b *LocalBus) Start(ctx context.Context, onMsg func(BusMessage)) error {
	b.mu.Lock()
	b.onMsg = onMsg
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		b.mu.Lock()
		b.onMsg = nil
		b.mu.Unlock()
	}()
	return nil
}

func (b *LocalBus) Close() error { return nil }
