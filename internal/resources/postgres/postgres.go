// Package postgres registers a database cleanup task for a pgx connection
// pool.
package postgres

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-lifecycle/internal/lifecycle"
)

// Pool is the subset of pgxpool.Pool the adapter needs. pgxmock pools
// satisfy it as well.
type Pool interface {
	Ping(ctx context.Context) error
	Close()
}

// Config tunes the registered cleanup task.
type Config struct {
	// ResourceID defaults to "db.pool".
	ResourceID string
	// Priority within the cleanup order; databases close late so that
	// tasks flushing data still have a connection.
	Priority int
	// Timeout bounds the close attempt.
	Timeout time.Duration
}

// Resource wraps a pgx pool and owns its shutdown.
type Resource struct {
	pool   Pool
	cfg    Config
	logger *zap.Logger
}

// New wraps an open pool.
func New(pool Pool, cfg Config, logger *zap.Logger) (*Resource, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if cfg.ResourceID == "" {
		cfg.ResourceID = "db.pool"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resource{pool: pool, cfg: cfg, logger: logger}, nil
}

// Register adds the pool's cleanup task to the registry.
func (r *Resource) Register(reg lifecycle.Registrar) error {
	return reg.RegisterCleanup(lifecycle.CleanupTask{
		ResourceID: r.cfg.ResourceID,
		Kind:       lifecycle.KindDatabase,
		Priority:   r.cfg.Priority,
		Timeout:    r.cfg.Timeout,
		Required:   true,
		Cleanup:    r.cleanup,
		Force:      r.pool.Close,
	})
}

// cleanup verifies the pool is still reachable, then closes it. Close
// blocks until checked-out connections are returned, which is exactly the
// drain behavior wanted here, so it runs in a goroutine guarded by ctx.
func (r *Resource) cleanup(ctx context.Context) error {
	if err := r.pool.Ping(ctx); err != nil {
		r.logger.Warn("pool unreachable before close, closing anyway",
			zap.String("resource_id", r.cfg.ResourceID),
			zap.Error(err),
		)
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-done:
		r.logger.Info("database pool closed", zap.String("resource_id", r.cfg.ResourceID))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("close pool %s: %w", r.cfg.ResourceID, ctx.Err())
	}
}
