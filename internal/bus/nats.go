package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSConfig configures the NATS-backed bus.
type NATSConfig struct {
	URL           string `json:"url"`
	ClientID      string `json:"client_id,omitempty"`
	MaxReconnects int    `json:"max_reconnects,omitempty"`
}

// NATSBus is the NATS-backed Bus. Envelopes travel as JSON; refused acks rely
// on the deployment's JetStream redelivery when configured, otherwise they are
// logged and dropped (core NATS is at-most-once).
type NATSBus struct {
	conn *nats.Conn
}

// NewNATSBus connects to NATS with reconnection handlers.
func NewNATSBus(cfg NATSConfig) (*NATSBus, error) {
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = 60
	}
	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				slog.Warn("nats disconnected", "error", err)
			} else {
				slog.Info("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				slog.Error("nats connection closed", "error", err)
			} else {
				slog.Info("nats connection closed")
			}
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			slog.Error("nats error", "subject", subject, "error", err)
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	slog.Info("connected to nats", "url", cfg.URL)
	return &NATSBus{conn: conn}, nil
}

func (b *NATSBus) Publish(ctx context.Context, topic string, ev *Envelope) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := b.conn.Publish(topic, data); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

func (b *NATSBus) Subscribe(topic string, handler Handler) (Subscription, error) {
	sub, err := b.conn.Subscribe(topic, b.msgHandler(topic, handler))
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", topic, err)
	}
	return &natsSubscription{sub: sub}, nil
}

func (b *NATSBus) QueueSubscribe(topic, group string, handler Handler) (Subscription, error) {
	sub, err := b.conn.QueueSubscribe(topic, group, b.msgHandler(topic, handler))
	if err != nil {
		return nil, fmt.Errorf("queue subscribe to %s: %w", topic, err)
	}
	return &natsSubscription{sub: sub}, nil
}

func (b *NATSBus) msgHandler(topic string, handler Handler) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var ev Envelope
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			slog.Error("nats: unmarshal envelope", "subject", msg.Subject, "error", err)
			return
		}
		if err := handler(context.Background(), &ev); err != nil {
			slog.Warn("nats: handler refused ack", "subject", msg.Subject, "type", ev.Type, "error", err)
			if msg.Reply != "" {
				_ = msg.Nak()
			}
		}
	}
}

func (b *NATSBus) Close() {
	b.conn.Close()
}

type natsSubscription struct {
	sub *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() error {
	if s.sub == nil {
		return nil
	}
	return s.sub.Unsubscribe()
}

func (s *natsSubscription) IsValid() bool {
	return s.sub != nil && s.sub.IsValid()
}
