package bus

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// GoChannelBus is an in-process Bus on watermill's gochannel transport.
// Suitable for single-instance deployments and tests; per-topic ordering
// matches publish order.
type GoChannelBus struct {
	pubsub *gochannel.GoChannel
}

// NewGoChannelBus creates an in-process bus.
func NewGoChannelBus() *GoChannelBus {
	return &GoChannelBus{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{
				OutputChannelBuffer: 64,
				Persistent:          false,
			},
			watermill.NopLogger{},
		),
	}
}

// Publish implements Bus.
func (b *GoChannelBus) Publish(_ context.Context, topic string, payload []byte) error {
	return b.pubsub.Publish(topic, message.NewMessage(watermill.NewUUID(), payload))
}

// Subscribe implements Bus.
func (b *GoChannelBus) Subscribe(ctx context.Context, topic string) (<-chan []byte, func(), error) {
	subCtx, cancel := context.WithCancel(ctx)
	msgs, err := b.pubsub.Subscribe(subCtx, topic)
	if err != nil {
		cancel()
		return nil, nil, err
	}

	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		for msg := range msgs {
			msg.Ack()
			select {
			case out <- msg.Payload:
			case <-subCtx.Done():
				return
			}
		}
	}()
	return out, cancel, nil
}

// Close implements Bus.
func (b *GoChannelBus) Close() error {
	return b.pubsub.Close()
}
