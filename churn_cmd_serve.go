package main

import (
	"context"
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"churn_server/internal/bootstrap"
	"churn_server/pkg/logger"
)

var serveMode string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, the stream worker, or both",
	RunE: func(cmd *cobra.Command, _ []string) error {
		switch serveMode {
		case "api", "worker", "all":
		default:
			return fmt.Errorf("unknown mode %q (want api, worker or all)", serveMode)
		}
		return withDeps(cmd.Context(), func(deps *bootstrap.Dependencies) error {
			return serve(cmd.Context(), deps, serveMode)
		})
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveMode, "mode", "all", "run mode: api, worker, all")
}

func serve(ctx context.Context, deps *bootstrap.Dependencies, mode string) error {
	g, ctx := errgroup.WithContext(ctx)

	if mode == "worker" || mode == "all" {
		w, err := bootstrap.NewWorker(deps)
		if err != nil {
			if mode == "worker" {
				return err
			}
			logger.WithError(err).Warn("Worker disabled")
		} else {
			g.Go(func() error {
				logger.Info("Starting worker...")
				return w.Run(ctx)
			})
		}
	}

	if mode == "api" || mode == "all" {
		app := bootstrap.NewApp(deps)
		g.Go(func() error {
			addr := ":" + deps.Config.Port
			logger.Info("Starting API server on %s", addr)
			return app.Listen(addr)
		})
		g.Go(func() error {
			<-ctx.Done()
			return shutdown(app)
		})
	}

	return g.Wait()
}

func shutdown(app *fiber.App) error {
	logger.Info("Shutting down API server (timeout: %v)...", shutdownTimeout)
	if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
		logger.WithError(err).Error("Error shutting down")
		return err
	}
	logger.Info("API server shut down gracefully")
	return nil
}
