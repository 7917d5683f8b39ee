package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"churn_server/config"
	"churn_server/internal/bootstrap"
	"churn_server/pkg/logger"
)

const shutdownTimeout = 30 * time.Second

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:          "churn",
	Short:        "Support ticket churn-risk analysis service",
	SilenceUsage: true,
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		loaded, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
		logger.Init(logger.Config{
			Level:   logger.ParseLevel(cfg.LogLevel),
			Service: "churn",
			Pretty:  cfg.IsDevelopment(),
		})
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd, importCmd, suggestCmd, teardownCmd, migrateCmd, promptsCmd, tokenCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// withDeps builds the dependency graph for one command and tears it down afterwards.
func withDeps(ctx context.Context, fn func(deps *bootstrap.Dependencies) error) error {
	deps, cleanup, err := bootstrap.NewDependencies(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()
	return fn(deps)
}
