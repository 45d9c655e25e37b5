package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the subset of *amqp.Channel the forwarder uses.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Forwarder republishes bus events to a topic exchange, routed by event type.
type Forwarder struct {
	ch       Channel
	exchange string
	timeout  time.Duration
	logger   *slog.Logger
}

// NewForwarder declares exchange as a durable topic exchange.
func NewForwarder(ch Channel, exchange string, logger *slog.Logger) (*Forwarder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &Forwarder{ch: ch, exchange: exchange, timeout: 5 * time.Second, logger: logger}, nil
}

// Run forwards events until in is closed or ctx is done. Publish failures are
// logged; the bus is the source of truth and events are best effort.
func (f *Forwarder) Run(ctx context.Context, in <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-in:
			if !ok {
				return
			}
			if err := f.forward(ctx, e); err != nil {
				f.logger.Warn("event forward failed", "type", e.Type, "error", err)
			}
		}
	}
}

// Start runs Run in a new goroutine. The returned channel is closed once Run
// has returned, so callers can hold the connection open until in is drained.
func (f *Forwarder) Start(ctx context.Context, in <-chan Event) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.Run(ctx, in)
	}()
	return done
}

func (f *Forwarder) forward(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	pubCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	return f.ch.PublishWithContext(pubCtx, f.exchange, string(e.Type), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    e.At,
		Type:         string(e.Type),
		Body:         body,
	})
}
