package channels

import (
	"context"

	"github.com/KafClaw/crewlink/internal/bus"
)

// Mirror copies persisted chat deliveries to an external system (Slack, Kafka).
type Mirror interface {
	// Name returns the mirror name (e.g. "slack").
	Name() string
	// Start subscribes the mirror to the bus.
	Start(ctx context.Context) error
	// Stop unsubscribes and releases resources.
	Stop() error
	// Send delivers one message.
	Send(ctx context.Context, d *bus.Delivery) error
}

// BaseChannel provides common functionality for mirrors.
type BaseChannel struct {
	Bus    *bus.MessageBus
	unsubs []func()
}

func (b *BaseChannel) subscribe(channel string, cb func(*bus.Delivery)) {
	b.unsubs = append(b.unsubs, b.Bus.Subscribe(channel, cb))
}

func (b *BaseChannel) unsubscribeAll() {
	for _, u := range b.unsubs {
		u()
	}
	b.unsubs = nil
}
