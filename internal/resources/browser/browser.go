// Package browser registers a cleanup task that tears down a headless
// Chrome session managed through chromedp.
package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-lifecycle/internal/lifecycle"
)

// Config tunes the allocator and the registered cleanup task.
type Config struct {
	// ResourceID defaults to "browser.chromedp".
	ResourceID string
	// Priority within the cleanup order; browser sessions close early
	// since nothing else depends on them.
	Priority int
	// Timeout bounds the graceful close attempt.
	Timeout time.Duration
	// UserAgent overrides the browser user agent when set.
	UserAgent string
}

// Session owns a chromedp exec allocator and one browser context. The
// host renders pages through Context; cleanup cancels both.
type Session struct {
	cfg         Config
	logger      *zap.Logger
	allocator   context.Context
	allocCancel context.CancelFunc

	mu         sync.Mutex
	browser    context.Context
	browserCxl context.CancelFunc
	closed     bool
}

// New builds the allocator. No browser process starts until the first
// chromedp.Run against Context.
func New(cfg Config, logger *zap.Logger) *Session {
	if cfg.ResourceID == "" {
		cfg.ResourceID = "browser.chromedp"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
	)
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	return &Session{
		cfg:         cfg,
		logger:      logger,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}
}

// Context returns the shared browser context, creating it on first use.
func (s *Session) Context() (context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("browser session %s is closed", s.cfg.ResourceID)
	}
	if s.browser == nil {
		s.browser, s.browserCxl = chromedp.NewContext(s.allocator)
	}
	return s.browser, nil
}

// Register adds the session's cleanup task to the registry.
func (s *Session) Register(reg lifecycle.Registrar) error {
	return reg.RegisterCleanup(lifecycle.CleanupTask{
		ResourceID: s.cfg.ResourceID,
		Kind:       lifecycle.KindBrowser,
		Priority:   s.cfg.Priority,
		Timeout:    s.cfg.Timeout,
		Cleanup:    s.cleanup,
		Force:      s.forceClose,
	})
}

func (s *Session) cleanup(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.close()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("browser session closed", zap.String("resource_id", s.cfg.ResourceID))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("close browser %s: %w", s.cfg.ResourceID, ctx.Err())
	}
}

// close cancels the browser context before the allocator so Chrome gets a
// chance to exit cleanly. Idempotent.
func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.browserCxl != nil {
		s.browserCxl()
	}
	s.allocCancel()
}

func (s *Session) forceClose() {
	s.close()
}

// Close releases the session outside the coordinator path. Idempotent.
func (s *Session) Close() {
	s.close()
}
