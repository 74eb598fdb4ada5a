// Package bus provides the async delivery bus between the chat store and the
// outbound mirrors (Slack, Kafka, SSE streams).
package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// AllChannels subscribes a callback to every channel.
const AllChannels = "*"

// Delivery is a persisted chat message handed to subscribers.
type Delivery struct {
	MessageID string         `json:"message_id"`
	Channel   string         `json:"channel"`
	Scope     string         `json:"scope"`
	From      string         `json:"from"`
	To        string         `json:"to,omitempty"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

type subscription struct {
	id int
	cb func(*Delivery)
}

// MessageBus decouples the chat store from delivery sinks. A single dispatcher
// goroutine delivers in publish order, so per-channel order is preserved.
type MessageBus struct {
	outbound chan *Delivery
	subs     map[string][]subscription
	nextID   int
	running  bool
	mu       sync.RWMutex
}

// NewMessageBus creates a new message bus with the given outbound buffer.
func NewMessageBus(buffer int) *MessageBus {
	if buffer <= 0 {
		buffer = 100
	}
	return &MessageBus{
		outbound: make(chan *Delivery, buffer),
		subs:     make(map[string][]subscription),
	}
}

// Publish queues a delivery. It blocks while the buffer is full and gives up
// when ctx is done.
func (b *MessageBus) Publish(ctx context.Context, d *Delivery) error {
	if d.Timestamp.IsZero() {
		d.Timestamp = time.Now()
	}
	select {
	case b.outbound <- d:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers a callback for deliveries to channel (or AllChannels).
// The returned function removes the subscription.
func (b *MessageBus) Subscribe(channel string, callback func(*Delivery)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs[channel] = append(b.subs[channel], subscription{id: id, cb: callback})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[channel]
		for i, s := range subs {
			if s.id == id {
				b.subs[channel] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
		if len(b.subs[channel]) == 0 {
			delete(b.subs, channel)
		}
	}
}

// DispatchOutbound runs the outbound dispatcher until ctx is cancelled.
// This should be run as a goroutine.
func (b *MessageBus) DispatchOutbound(ctx context.Context) error {
	b.mu.Lock()
	b.running = true
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.running = false
		b.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d := <-b.outbound:
			b.deliver(d)
		}
	}
}

func (b *MessageBus) deliver(d *Delivery) {
	b.mu.RLock()
	callbacks := make([]func(*Delivery), 0, len(b.subs[d.Channel])+len(b.subs[AllChannels]))
	for _, s := range b.subs[d.Channel] {
		callbacks = append(callbacks, s.cb)
	}
	for _, s := range b.subs[AllChannels] {
		callbacks = append(callbacks, s.cb)
	}
	b.mu.RUnlock()

	for _, cb := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("Bus subscriber panicked", "channel", d.Channel, "message_id", d.MessageID, "panic", r)
				}
			}()
			cb(d)
		}()
	}
}

// Running reports whether a dispatcher is active.
func (b *MessageBus) Running() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.running
}

// SubscriberCount returns the number of active subscriptions.
func (b *MessageBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, subs := range b.subs {
		n += len(subs)
	}
	return n
}

// OutboundSize returns the number of pending deliveries.
func (b *MessageBus) OutboundSize() int {
	return len(b.outbound)
}
