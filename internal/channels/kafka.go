package channels

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/KafClaw/crewlink/internal/bus"
	"github.com/KafClaw/crewlink/internal/config"
	"github.com/KafClaw/crewlink/internal/scope"
)

// messageWriter is the subset of *kafka.Writer the mirror uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaMirror publishes every delivery to a Kafka topic. Messages are keyed
// by channel so per-channel order survives partitioning.
type KafkaMirror struct {
	BaseChannel
	config config.KafkaMirrorConfig
	writer messageWriter
}

// NewKafkaMirror builds a mirror writing to cfg.Topic on cfg.Brokers.
func NewKafkaMirror(cfg config.KafkaMirrorConfig, messageBus *bus.MessageBus) (*KafkaMirror, error) {
	m := &KafkaMirror{BaseChannel: BaseChannel{Bus: messageBus}, config: cfg}
	if !cfg.Enabled {
		return m, nil
	}
	brokers := splitBrokers(cfg.Brokers)
	if len(brokers) == 0 {
		return nil, errors.New("kafka mirror: no brokers configured")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, errors.New("kafka mirror: no topic configured")
	}
	m.writer = &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}
	return m, nil
}

func (m *KafkaMirror) Name() string { return "kafka" }

func (m *KafkaMirror) Start(ctx context.Context) error {
	if !m.config.Enabled || m.writer == nil {
		return nil
	}
	m.subscribe(bus.AllChannels, func(d *bus.Delivery) {
		sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := m.Send(sendCtx, d); err != nil {
			slog.Warn("Kafka mirror write failed", "topic", m.config.Topic, "message_id", d.MessageID, "error", err)
		}
	})
	slog.Info("Kafka mirror started", "topic", m.config.Topic)
	return nil
}

func (m *KafkaMirror) Stop() error {
	m.unsubscribeAll()
	if m.writer != nil {
		return m.writer.Close()
	}
	return nil
}

func (m *KafkaMirror) Send(ctx context.Context, d *bus.Delivery) error {
	if m.writer == nil {
		return nil
	}
	msg, err := encodeDelivery(d)
	if err != nil {
		return err
	}
	return withRetry(ctx, 3, 250*time.Millisecond, func() (bool, error) {
		err := m.writer.WriteMessages(ctx, msg)
		return err != nil && ctx.Err() == nil, err
	})
}

func encodeDelivery(d *bus.Delivery) (kafka.Message, error) {
	value, err := json.Marshal(d)
	if err != nil {
		return kafka.Message{}, err
	}
	headers := []kafka.Header{
		{Key: "crewlink-scope", Value: []byte(d.Scope)},
		{Key: "crewlink-from", Value: []byte(d.From)},
	}
	// Caller-supplied scope overrides carry no kind headers.
	if sc := scope.Scope(d.Scope); sc.Kind() != scope.KindUnknown {
		headers = append(headers,
			kafka.Header{Key: "crewlink-scope-kind", Value: []byte(sc.Kind())},
			kafka.Header{Key: "crewlink-scope-id", Value: []byte(sc.ID())},
		)
	}
	return kafka.Message{
		Key:     []byte(d.Channel),
		Value:   value,
		Headers: headers,
		Time:    d.Timestamp,
	}, nil
}

func splitBrokers(s string) []string {
	var out []string
	for _, b := range strings.Split(s, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}
