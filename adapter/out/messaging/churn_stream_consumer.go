package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// JobHandler processes one stream entry. Returning an error leaves the entry
// pending so it is reclaimed later.
type JobHandler interface {
	Handle(ctx context.Context, stream string, data []byte) error
}

// ConsumerConfig holds consumer configuration.
type ConsumerConfig struct {
	Group    string
	Consumer string
	Streams  []string
	Handler  JobHandler
	Logger   zerolog.Logger

	BatchSize            int64
	Block                time.Duration
	PendingCheckInterval time.Duration
	PendingIdleTime      time.Duration
	MaxRetries           int
}

// Consumer reads a consumer group across streams, reclaims entries stuck
// in the pending list and moves entries that keep failing to dlq:<stream>.
type Consumer struct {
	client *redis.Client
	cfg    ConsumerConfig
	log    zerolog.Logger
}

func NewConsumer(client *redis.Client, cfg ConsumerConfig) *Consumer {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 10
	}
	if cfg.Block == 0 {
		cfg.Block = 5 * time.Second
	}
	if cfg.PendingCheckInterval == 0 {
		cfg.PendingCheckInterval = 30 * time.Second
	}
	if cfg.PendingIdleTime == 0 {
		// Longer than a full import so a slow job is not stolen mid-run.
		cfg.PendingIdleTime = 20 * time.Minute
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	return &Consumer{client: client, cfg: cfg, log: cfg.Logger.With().Str("component", "stream_consumer").Logger()}
}

// Run blocks until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	c.log.Info().
		Str("group", c.cfg.Group).
		Str("consumer", c.cfg.Consumer).
		Strs("streams", c.cfg.Streams).
		Msg("starting consumer")

	for _, stream := range c.cfg.Streams {
		if err := c.createGroup(ctx, stream); err != nil {
			return err
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.reclaimLoop(ctx)
	}()
	defer func() { <-done }()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		streams, err := c.read(ctx)
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Error().Err(err).Msg("error reading from streams")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		for _, s := range streams {
			for _, msg := range s.Messages {
				c.handle(ctx, s.Stream, msg)
			}
		}
	}
}

func (c *Consumer) createGroup(ctx context.Context, stream string) error {
	err := c.client.XGroupCreateMkStream(ctx, stream, c.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group on %s: %w", stream, err)
	}
	return nil
}

func (c *Consumer) read(ctx context.Context) ([]redis.XStream, error) {
	args := make([]string, len(c.cfg.Streams)*2)
	for i, stream := range c.cfg.Streams {
		args[i] = stream
		args[len(c.cfg.Streams)+i] = ">"
	}
	return c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		Streams:  args,
		Count:    c.cfg.BatchSize,
		Block:    c.cfg.Block,
	}).Result()
}

func (c *Consumer) handle(ctx context.Context, stream string, msg redis.XMessage) {
	data, ok := msg.Values["data"].(string)
	if !ok {
		c.log.Warn().Str("stream", stream).Str("id", msg.ID).Msg("dropping entry without data field")
		c.ack(ctx, stream, msg.ID)
		return
	}

	start := time.Now()
	if err := c.cfg.Handler.Handle(ctx, stream, []byte(data)); err != nil {
		c.log.Error().Err(err).Str("stream", stream).Str("id", msg.ID).Msg("error processing entry")
		return
	}
	c.log.Debug().Str("stream", stream).Str("id", msg.ID).Dur("took", time.Since(start)).Msg("processed entry")
	c.ack(ctx, stream, msg.ID)
}

func (c *Consumer) ack(ctx context.Context, stream, id string) {
	if err := c.client.XAck(ctx, stream, c.cfg.Group, id).Err(); err != nil {
		c.log.Error().Err(err).Str("stream", stream).Str("id", id).Msg("error acknowledging entry")
	}
}

func (c *Consumer) reclaimLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.PendingCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, stream := range c.cfg.Streams {
				c.reclaim(ctx, stream)
			}
		}
	}
}

func (c *Consumer) reclaim(ctx context.Context, stream string) {
	pending, err := c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  c.cfg.Group,
		Idle:   c.cfg.PendingIdleTime,
		Start:  "-",
		End:    "+",
		Count:  100,
	}).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Error().Err(err).Str("stream", stream).Msg("error listing pending entries")
		}
		return
	}

	for _, p := range pending {
		if int(p.RetryCount) >= c.cfg.MaxRetries {
			c.log.Warn().Str("stream", stream).Str("id", p.ID).Int64("retries", p.RetryCount).Msg("entry exceeded max retries, moving to DLQ")
			if err := c.deadLetter(ctx, stream, p.ID); err != nil {
				c.log.Error().Err(err).Str("id", p.ID).Msg("error moving entry to DLQ")
				continue
			}
			c.ack(ctx, stream, p.ID)
			continue
		}

		claimed, err := c.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   stream,
			Group:    c.cfg.Group,
			Consumer: c.cfg.Consumer,
			MinIdle:  c.cfg.PendingIdleTime,
			Messages: []string{p.ID},
		}).Result()
		if err != nil {
			c.log.Error().Err(err).Str("id", p.ID).Msg("error claiming entry")
			continue
		}
		for _, msg := range claimed {
			c.log.Info().Str("stream", stream).Str("id", msg.ID).Int64("retries", p.RetryCount).Msg("reprocessing pending entry")
			c.handle(ctx, stream, msg)
		}
	}
}

func (c *Consumer) deadLetter(ctx context.Context, stream, id string) error {
	msgs, err := c.client.XRange(ctx, stream, id, id).Result()
	if err != nil {
		return fmt.Errorf("read entry for DLQ: %w", err)
	}
	if len(msgs) == 0 {
		return nil
	}

	values := map[string]any{
		"original_stream": stream,
		"original_id":     id,
		"failed_at":       time.Now().UTC().Format(time.RFC3339),
		"consumer":        c.cfg.Consumer,
	}
	for k, v := range msgs[0].Values {
		values["original_"+k] = v
	}
	return c.client.XAdd(ctx, &redis.XAddArgs{Stream: "dlq:" + stream, Values: values}).Err()
}
