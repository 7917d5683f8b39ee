// Package messaging carries domain events and jobs over Redis streams.
package messaging

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"churn_server/core/domain"
	"churn_server/core/port/out"
)

const (
	StreamRiskCards  = "risk:cards"
	StreamImportJobs = "import:jobs"

	// maxStreamLen caps each stream; older entries are trimmed approximately.
	maxStreamLen = 10000

	EventRiskCardCreated = "risk_card.created"
)

// RedisProducer publishes to Redis streams. Every entry carries one "data"
// field holding the JSON payload.
type RedisProducer struct {
	client *redis.Client
}

func NewRedisProducer(client *redis.Client) *RedisProducer {
	return &RedisProducer{client: client}
}

var (
	_ out.EventPublisher    = (*RedisProducer)(nil)
	_ out.ImportJobProducer = (*RedisProducer)(nil)
)

func (p *RedisProducer) PublishRiskCardCreated(ctx context.Context, card *domain.RiskCard) error {
	return p.publish(ctx, StreamRiskCards, &out.RiskCardEvent{
		Type:        EventRiskCardCreated,
		TenantID:    card.TenantID,
		CardID:      card.ID,
		TicketID:    card.TicketID,
		TriggerType: card.TriggerType,
		NeedsReview: card.NeedsReview,
		CreatedAt:   card.CreatedAt,
	})
}

func (p *RedisProducer) PublishImportJob(ctx context.Context, job *out.ImportJob) error {
	if job.Requested.IsZero() {
		job.Requested = time.Now().UTC()
	}
	return p.publish(ctx, StreamImportJobs, job)
}

func (p *RedisProducer) publish(ctx context.Context, stream string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", stream, err)
	}
	err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: maxStreamLen,
		Approx: true,
		Values: map[string]any{"data": data},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", stream, err)
	}
	return nil
}
