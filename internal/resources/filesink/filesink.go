// Package filesink is a buffered append-only result writer whose cleanup
// task flushes and closes the underlying file.
package filesink

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-lifecycle/internal/lifecycle"
)

// Config tunes the sink and its registered cleanup task.
type Config struct {
	// Path of the output file; created if missing, appended otherwise.
	Path string
	// ResourceID defaults to "file." plus the path.
	ResourceID string
	// Priority within the cleanup order; file sinks flush early so that
	// buffered results hit disk before connections go away.
	Priority int
	// Timeout bounds the flush attempt.
	Timeout time.Duration
	// BufferSize for the writer; bufio's default when zero.
	BufferSize int
}

// Sink buffers line-oriented writes to a single file.
type Sink struct {
	cfg    Config
	logger *zap.Logger

	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
	closed bool
	lines  int
}

// Open creates or opens the configured file for appending.
func Open(cfg Config, logger *zap.Logger) (*Sink, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("path is required")
	}
	if cfg.ResourceID == "" {
		cfg.ResourceID = "file." + cfg.Path
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	file, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open sink %s: %w", cfg.Path, err)
	}
	var writer *bufio.Writer
	if cfg.BufferSize > 0 {
		writer = bufio.NewWriterSize(file, cfg.BufferSize)
	} else {
		writer = bufio.NewWriter(file)
	}
	return &Sink{cfg: cfg, logger: logger, file: file, writer: writer}, nil
}

// WriteLine appends one record. The write lands in the buffer; only
// cleanup (or a full buffer) reaches the disk.
func (s *Sink) WriteLine(line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("sink %s is closed", s.cfg.ResourceID)
	}
	if _, err := s.writer.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("write sink %s: %w", s.cfg.ResourceID, err)
	}
	s.lines++
	return nil
}

// Lines reports how many records have been accepted.
func (s *Sink) Lines() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lines
}

// Register adds the sink's cleanup task to the registry. The task is
// required: losing buffered results fails the run under RequiredOnly.
func (s *Sink) Register(reg lifecycle.Registrar) error {
	return reg.RegisterCleanup(lifecycle.CleanupTask{
		ResourceID: s.cfg.ResourceID,
		Kind:       lifecycle.KindFile,
		Priority:   s.cfg.Priority,
		Timeout:    s.cfg.Timeout,
		Required:   true,
		Cleanup:    s.cleanup,
		Force:      s.forceClose,
	})
}

func (s *Sink) cleanup(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.writer.Flush(); err != nil {
		s.file.Close()
		return fmt.Errorf("flush sink %s: %w", s.cfg.ResourceID, err)
	}
	if err := s.file.Sync(); err != nil {
		s.file.Close()
		return fmt.Errorf("sync sink %s: %w", s.cfg.ResourceID, err)
	}
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("close sink %s: %w", s.cfg.ResourceID, err)
	}
	s.logger.Info("file sink flushed",
		zap.String("resource_id", s.cfg.ResourceID),
		zap.Int("lines", s.lines),
	)
	return nil
}

// forceClose drops the buffer and releases the descriptor.
func (s *Sink) forceClose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.file.Close()
}
