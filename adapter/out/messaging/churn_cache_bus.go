package messaging

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"churn_server/core/port/out"
)

// ChannelPromptInvalidation carries tenant ids whose prompt context changed.
const ChannelPromptInvalidation = "prompt:invalidate"

const resubscribeDelay = time.Second

// RedisCacheBus broadcasts prompt cache invalidations over Redis pub/sub.
type RedisCacheBus struct {
	client *redis.Client
	log    zerolog.Logger
}

func NewRedisCacheBus(client *redis.Client, log zerolog.Logger) *RedisCacheBus {
	return &RedisCacheBus{
		client: client,
		log:    log.With().Str("component", "prompt_cache_bus").Logger(),
	}
}

var _ out.PromptCacheBus = (*RedisCacheBus)(nil)

func (b *RedisCacheBus) PublishInvalidation(ctx context.Context, tenantID uuid.UUID) error {
	if err := b.client.Publish(ctx, ChannelPromptInvalidation, tenantID.String()).Err(); err != nil {
		return fmt.Errorf("publish invalidation: %w", err)
	}
	return nil
}

// ListenInvalidations relies on go-redis to reconnect and resubscribe; every
// subscribe confirmation is reported through onReset.
func (b *RedisCacheBus) ListenInvalidations(ctx context.Context, onTenant func(uuid.UUID), onReset func()) error {
	ps := b.client.Subscribe(ctx, ChannelPromptInvalidation)
	defer ps.Close()

	for {
		msg, err := ps.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			b.log.Warn().Err(err).Msg("Invalidation subscription interrupted")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(resubscribeDelay):
			}
			continue
		}

		switch m := msg.(type) {
		case *redis.Subscription:
			if m.Kind == "subscribe" {
				b.log.Debug().Str("channel", m.Channel).Msg("Subscribed, flushing prompt cache")
				onReset()
			}
		case *redis.Message:
			tenantID, err := uuid.Parse(m.Payload)
			if err != nil {
				b.log.Warn().Str("payload", m.Payload).Msg("Ignoring malformed invalidation")
				continue
			}
			onTenant(tenantID)
		}
	}
}
