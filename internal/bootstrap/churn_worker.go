package bootstrap

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"churn_server/adapter/in/worker"
	"churn_server/adapter/out/messaging"
	"churn_server/pkg/logger"
)

const consumerGroup = "churn-workers"

// Worker consumes the job streams and runs the import scheduler.
type Worker struct {
	consumer  *messaging.Consumer
	scheduler *worker.ImportScheduler
	zlog      zerolog.Logger
}

// NewWorker needs Redis; streams are the only way jobs reach a worker.
func NewWorker(deps *Dependencies) (*Worker, error) {
	if deps.Redis == nil || deps.Producer == nil {
		return nil, errors.New("worker mode requires REDIS_URL")
	}
	cfg := deps.Config

	zlog := logger.Default().Zerolog().With().Str("component", "worker").Logger()
	if cfg.IsDevelopment() {
		zlog = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Str("component", "worker").Logger()
	}

	imports := worker.NewImportProcessor(deps.Ingestion, deps.Rules, 0, zlog)
	dispatcher := worker.NewDispatcher(imports, zlog)

	w := &Worker{zlog: zlog}
	w.consumer = messaging.NewConsumer(deps.Redis, messaging.ConsumerConfig{
		Group:                consumerGroup,
		Consumer:             cfg.WorkerID,
		Streams:              dispatcher.Streams(),
		Handler:              dispatcher,
		Logger:               zlog,
		BatchSize:            int64(cfg.ConsumerBatchSize),
		Block:                msDuration(cfg.ConsumerBlockMS),
		PendingCheckInterval: secDuration(cfg.ConsumerPendingCheckSec),
		MaxRetries:           cfg.ConsumerMaxRetries,
	})

	if cfg.SchedulerEnabled {
		w.scheduler = worker.NewImportScheduler(deps.TenantRepo, deps.Producer, cfg.SchedulerInterval, cfg.ImportWindowDays, zlog)
	}
	return w, nil
}

// Run blocks until ctx is cancelled or a component fails.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return w.consumer.Run(ctx)
	})
	if w.scheduler != nil {
		g.Go(func() error {
			return w.scheduler.Run(ctx)
		})
	} else {
		w.zlog.Info().Msg("import scheduler disabled")
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func msDuration(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }
func secDuration(s int) time.Duration  { return time.Duration(s) * time.Second }
