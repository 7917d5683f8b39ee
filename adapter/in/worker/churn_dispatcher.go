package worker

import (
	"context"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"churn_server/adapter/out/messaging"
	"churn_server/core/port/out"
)

// Dispatcher routes stream entries to their processor.
type Dispatcher struct {
	imports *ImportProcessor
	log     zerolog.Logger
}

func NewDispatcher(imports *ImportProcessor, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{imports: imports, log: log.With().Str("component", "dispatcher").Logger()}
}

var _ messaging.JobHandler = (*Dispatcher)(nil)

// Streams lists the streams the dispatcher understands.
func (d *Dispatcher) Streams() []string {
	return []string{messaging.StreamImportJobs, messaging.StreamRiskCards}
}

func (d *Dispatcher) Handle(ctx context.Context, stream string, data []byte) error {
	switch stream {
	case messaging.StreamImportJobs:
		return d.imports.Process(ctx, data)
	case messaging.StreamRiskCards:
		return d.announce(data)
	default:
		d.log.Warn().Str("stream", stream).Msg("unknown stream")
		return nil
	}
}

// announce writes new cards to the worker log so on-call sees them.
func (d *Dispatcher) announce(data []byte) error {
	var ev out.RiskCardEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		d.log.Warn().Err(err).Msg("dropping malformed risk card event")
		return nil
	}
	e := d.log.Info().
		Str("event", ev.Type).
		Str("tenant_id", ev.TenantID.String()).
		Str("card_id", ev.CardID.String()).
		Str("trigger", string(ev.TriggerType)).
		Bool("needs_review", ev.NeedsReview)
	if ev.TicketID != nil {
		e = e.Str("ticket_id", ev.TicketID.String())
	}
	e.Msg("risk card opened")
	return nil
}
