package bridge

import (
	"context"

	"github.com/nats-io/nats.go"

	"github.com/example/chat-realtime/pkg/otelhelper"
)

// Subscription is a live bus subscription.
type Subscription interface {
	Unsubscribe() error
}

// Bus is the minimal shared-bus surface the bridge needs. Subjects use NATS
// conventions: dot-separated tokens, with ">" matching any remaining tokens.
type Bus interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Subscribe(subject string, handler func(subject string, data []byte)) (Subscription, error)
}

// NATSBus adapts a NATS connection to the Bus interface, propagating trace
// context in message headers: injected on publish, extracted into a consumer
// span around each delivered message.
type NATSBus struct {
	nc *nats.Conn
}

// NewNATSBus wraps nc.
func NewNATSBus(nc *nats.Conn) *NATSBus {
	return &NATSBus{nc: nc}
}

func (b *NATSBus) Publish(ctx context.Context, subject string, data []byte) error {
	return otelhelper.TracedPublish(ctx, b.nc, subject, data)
}

func (b *NATSBus) Subscribe(subject string, handler func(subject string, data []byte)) (Subscription, error) {
	sub, err := b.nc.Subscribe(subject, func(msg *nats.Msg) {
		_, span := otelhelper.StartConsumerSpan(context.Background(), msg, "bridge.receive")
		handler(msg.Subject, msg.Data)
		span.End()
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}
