// Package gcsblob registers a cleanup task that closes a Google Cloud
// Storage client once outbound uploads have finished.
package gcsblob

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-lifecycle/internal/lifecycle"
)

// Config tunes the registered cleanup task.
type Config struct {
	// ResourceID defaults to "gcs.client".
	ResourceID string
	// Priority within the cleanup order.
	Priority int
	// Timeout bounds the close attempt.
	Timeout time.Duration
}

// Resource wraps a storage client and owns its shutdown.
type Resource struct {
	client *storage.Client
	cfg    Config
	logger *zap.Logger
}

// New wraps an open client.
func New(client *storage.Client, cfg Config, logger *zap.Logger) (*Resource, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.ResourceID == "" {
		cfg.ResourceID = "gcs.client"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resource{client: client, cfg: cfg, logger: logger}, nil
}

// Register adds the client's cleanup task to the registry.
func (r *Resource) Register(reg lifecycle.Registrar) error {
	return reg.RegisterCleanup(lifecycle.CleanupTask{
		ResourceID: r.cfg.ResourceID,
		Kind:       lifecycle.KindNetwork,
		Priority:   r.cfg.Priority,
		Timeout:    r.cfg.Timeout,
		Cleanup:    r.cleanup,
	})
}

func (r *Resource) cleanup(_ context.Context) error {
	if err := r.client.Close(); err != nil {
		return fmt.Errorf("close gcs client %s: %w", r.cfg.ResourceID, err)
	}
	r.logger.Info("gcs client closed", zap.String("resource_id", r.cfg.ResourceID))
	return nil
}
