package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"churn_server/core/domain"
	"churn_server/pkg/logger"
	"churn_server/pkg/metrics"
	"churn_server/pkg/resilience"
)

// AnalyzerConfig holds the classifier call policy.
type AnalyzerConfig struct {
	Model           string
	Timeout         time.Duration // per remote call
	MaxRetries      int           // total attempts for transient failures
	BackoffBase     time.Duration
	BackoffMax      time.Duration
	MaxContentChars int
	// Prompts replaces the builtin templates; nil keeps them.
	Prompts map[string]*PromptTemplate
}

// DefaultAnalyzerConfig returns the production call policy.
func DefaultAnalyzerConfig() AnalyzerConfig {
	return AnalyzerConfig{
		Model:           DefaultModel,
		Timeout:         30 * time.Second,
		MaxRetries:      3,
		BackoffBase:     time.Second,
		BackoffMax:      10 * time.Second,
		MaxContentChars: DefaultMaxContentChars,
	}
}

// TicketAnalyzer is the LLM-backed Analyzer. One Analyze call makes one
// remote request per attempt; sentiment and topics share that request.
type TicketAnalyzer struct {
	llm     Completer
	cfg     AnalyzerConfig
	breaker *gobreaker.CircuitBreaker
	metrics *metrics.PipelineMetrics
	sleep   func(ctx context.Context, d time.Duration) error
}

func NewTicketAnalyzer(llm Completer, cfg AnalyzerConfig, m *metrics.PipelineMetrics) *TicketAnalyzer {
	def := DefaultAnalyzerConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = def.BackoffMax
	}
	if cfg.MaxContentChars <= 0 {
		cfg.MaxContentChars = def.MaxContentChars
	}
	if cfg.Prompts == nil {
		cfg.Prompts = BuiltinPromptTemplates()
	}

	return &TicketAnalyzer{
		llm: llm,
		cfg: cfg,
		breaker: resilience.NewBreaker(resilience.BreakerConfig{
			Name:      "llm-gateway",
			IsFailure: domain.IsRetryable,
		}),
		metrics: m,
		sleep:   resilience.Sleep,
	}
}

// Analyze classifies one ticket. Transient failures are retried with
// doubling backoff, invalid output gets one more call, anything else fails fast.
func (a *TicketAnalyzer) Analyze(ctx context.Context, in domain.AnalysisInput) (*domain.AnalysisResult, error) {
	system, user, err := RenderPrompt(a.cfg.Prompts, in, a.cfg.MaxContentChars)
	if err != nil {
		return nil, &domain.AnalysisFailedError{TicketID: in.TicketID, Reason: "render prompt", Err: fmt.Errorf("%w: %v", domain.ErrPermanentRemote, err)}
	}
	backoff := resilience.Backoff{Base: a.cfg.BackoffBase, Max: a.cfg.BackoffMax}
	log := logger.WithField("ticket_id", in.TicketID)

	transientAttempts := 0
	parseRetried := false
	for {
		start := time.Now()
		raw, err := a.call(ctx, system, user)
		if err == nil {
			var result *domain.AnalysisResult
			result, err = ParseAnalysis(raw, in)
			if err == nil {
				result.Model = a.cfg.Model
				result.Latency = time.Since(start)
				a.metrics.ObserveLLMRequest("success", result.Latency)
				if result.TopicErr != nil {
					log.WithError(result.TopicErr).Warn("[TicketAnalyzer] topic portion rejected, keeping sentiment")
				}
				return result, nil
			}
		}
		a.metrics.ObserveLLMRequest(outcomeLabel(err), time.Since(start))

		if ctx.Err() != nil {
			return nil, failed(in.TicketID, "cancelled", ctx.Err())
		}

		switch {
		case domain.IsInvalidOutput(err):
			if !parseRetried {
				parseRetried = true
				log.WithError(err).Warn("[TicketAnalyzer] invalid model output, retrying once")
				continue
			}
			return nil, failed(in.TicketID, "invalid model output", fmt.Errorf("%w: %w", domain.ErrPermanentRemote, err))

		case domain.IsRetryable(err):
			transientAttempts++
			if transientAttempts >= a.cfg.MaxRetries {
				return nil, failed(in.TicketID, fmt.Sprintf("gateway unavailable after %d attempts", transientAttempts), err)
			}
			delay := backoff.Delay(transientAttempts - 1)
			log.WithError(err).Warn("[TicketAnalyzer] transient failure (attempt %d/%d), retrying in %v",
				transientAttempts, a.cfg.MaxRetries, delay)
			if serr := a.sleep(ctx, delay); serr != nil {
				return nil, failed(in.TicketID, "cancelled", serr)
			}

		default:
			return nil, failed(in.TicketID, "gateway rejected request", err)
		}
	}
}

// call makes one remote request under its own deadline and the breaker.
func (a *TicketAnalyzer) call(ctx context.Context, system, user string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	out, err := a.breaker.Execute(func() (interface{}, error) {
		raw, err := a.llm.CompleteJSON(callCtx, system, user)
		if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && !domain.IsRetryable(err) {
			err = fmt.Errorf("%w: call timed out after %v: %v", domain.ErrTransientRemote, a.cfg.Timeout, err)
		}
		return raw, err
	})
	if err != nil {
		if resilience.IsOpen(err) {
			return "", fmt.Errorf("%w: %v", domain.ErrTransientRemote, err)
		}
		return "", err
	}
	return out.(string), nil
}

func failed(ticketID uuid.UUID, reason string, err error) error {
	return &domain.AnalysisFailedError{TicketID: ticketID, Reason: reason, Err: err}
}

func outcomeLabel(err error) string {
	switch {
	case domain.IsRetryable(err):
		return "transient"
	case domain.IsInvalidOutput(err):
		return "invalid"
	default:
		return "permanent"
	}
}
