package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-lifecycle/internal/app"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the crawler and wait for a shutdown trigger",
		Long: `Starts the ops HTTP server, the periodic checkpoint timer and the
crawl workload, then blocks until a termination signal or a programmatic
trigger arrives. The process exit code reports the shutdown verdict:
0 for a fully successful run, 1 otherwise.`,
		RunE: runCommand,
	}
}

func runCommand(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	a, err := app.New(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	logger := a.Logger

	// Workload context: canceled the moment a shutdown run starts so the
	// crawler stops picking up new pages while in-flight fetches finish
	// under the critical-operations gate.
	workCtx, stopWork := context.WithCancel(cmd.Context())
	defer stopWork()
	go func() {
		select {
		case <-a.Coordinator.Triggered():
			stopWork()
		case <-workCtx.Done():
		}
	}()

	go func() {
		logger.Info("ops server listening", zap.String("addr", a.Server.Addr))
		if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ops server failed", zap.Error(err))
		}
	}()
	go a.RunPeriodicCheckpoints(workCtx)
	if a.Crawler != nil {
		go func() {
			if err := a.Crawler.Run(workCtx); err != nil {
				logger.Warn("crawl loop stopped", zap.Error(err))
			}
		}()
	}

	stats, runErr := a.Coordinator.Run(cmd.Context())
	stopWork()

	srvCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := a.Server.Shutdown(srvCtx); err != nil {
		logger.Warn("ops server shutdown", zap.Error(err))
	}
	cancel()

	if runErr != nil {
		logger.Warn("shutdown run finished with errors", zap.Error(runErr))
	}
	a.Close()
	os.Exit(stats.ExitCode())
	return nil
}
