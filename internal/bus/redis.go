package bus

import (
	"context"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"github.com/BlackBearCC/mbti-gateway/internal/logging"
)

// RedisBus is a Bus over redis pub/sub. Every gateway instance sharing the
// redis deployment sees publishes from every other instance, which is what
// makes room broadcast work across processes.
type RedisBus struct {
	client redis.UniversalClient
}

// NewRedisBus wraps an existing redis client.
func NewRedisBus(client redis.UniversalClient) *RedisBus {
	return &RedisBus{client: client}
}

// Publish implements Bus. Transient failures are retried briefly; a publish
// that still fails is reported to the caller and must not take down the
// broadcaster.
func (b *RedisBus) Publish(ctx context.Context, topic string, payload []byte) error {
	op := func() error {
		return b.client.Publish(ctx, topic, payload).Err()
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	return backoff.Retry(op, policy)
}

// Subscribe implements Bus. The underlying go-redis subscription reconnects
// on transport errors; deliveries resume on the same channel.
func (b *RedisBus) Subscribe(ctx context.Context, topic string) (<-chan []byte, func(), error) {
	sub := b.client.Subscribe(ctx, topic)
	// Force the SUBSCRIBE round trip so a dead redis fails here, not on
	// first delivery.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, err
	}

	subCtx, cancel := context.WithCancel(ctx)
	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		ch := sub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	release := func() {
		cancel()
		if err := sub.Close(); err != nil {
			logging.Warn().Err(err).Str("topic", topic).Msg("closing bus subscription failed")
		}
	}
	return out, release, nil
}

// Close implements Bus. Subscriptions hold their own handles; closing the
// shared client is left to the owner of the redis connection.
func (b *RedisBus) Close() error {
	return nil
}
