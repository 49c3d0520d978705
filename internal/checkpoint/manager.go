package checkpoint

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-lifecycle/internal/integrity"
	"github.com/JakeFAU/crawl-lifecycle/internal/lifecycle"
	"github.com/JakeFAU/crawl-lifecycle/internal/retry"
)

const backupDirName = ".backups"

// Config controls the Manager.
type Config struct {
	// Dir is the checkpoint directory. Created if absent.
	Dir string `mapstructure:"dir"`
	// Format selects the serialization for new checkpoints.
	Format Format `mapstructure:"format"`
	// Backup keeps a copy of an overwritten checkpoint under .backups.
	Backup bool `mapstructure:"backup"`
	// MirrorTimeout bounds a best-effort mirror upload (default 10s).
	MirrorTimeout time.Duration `mapstructure:"mirror_timeout"`
}

// Mirror uploads committed checkpoint files to remote storage. Uploads are
// best-effort; a mirror failure never blocks termination.
type Mirror interface {
	Upload(ctx context.Context, name string, data []byte) error
}

// WriteResult reports the outcome of one Create call. Create never lets a
// failure escape as an error or panic; it is carried here.
type WriteResult struct {
	ID          string
	Path        string
	BackupPath  string
	ContentHash string
	Size        int64
	Verified    bool
	Err         error
}

// OK reports whether the checkpoint was committed and verified.
func (r WriteResult) OK() bool {
	return r.Err == nil && r.Verified
}

// Summary describes one stored checkpoint without its payload.
type Summary struct {
	ID        string    `json:"id"`
	Path      string    `json:"path"`
	Format    Format    `json:"format"`
	CreatedAt time.Time `json:"created_at"`
	Size      int64     `json:"size"`
}

// Manager owns the checkpoint directory: atomic writes, backups, loading,
// verification and retention. All write/verify logic for recoverable state
// lives here; nothing else in the process touches checkpoint files.
type Manager struct {
	cfg      Config
	verifier *integrity.Verifier
	hasher   lifecycle.Hasher
	clock    lifecycle.Clock
	retry    *retry.Policy
	mirror   Mirror
	logger   *zap.Logger
}

// Option customizes a Manager.
type Option func(*Manager)

// WithMirror attaches a remote mirror for committed checkpoints.
func WithMirror(m Mirror) Option {
	return func(mgr *Manager) { mgr.mirror = m }
}

// WithRetry overrides the shared write retry policy.
func WithRetry(p *retry.Policy) Option {
	return func(mgr *Manager) { mgr.retry = p }
}

// NewManager builds a Manager and prepares the checkpoint directory.
func NewManager(
	cfg Config,
	verifier *integrity.Verifier,
	hasher lifecycle.Hasher,
	clock lifecycle.Clock,
	logger *zap.Logger,
	opts ...Option,
) (*Manager, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, fmt.Errorf("checkpoint directory is required")
	}
	if cfg.Format == "" {
		cfg.Format = FormatJSON
	}
	if cfg.MirrorTimeout <= 0 {
		cfg.MirrorTimeout = 10 * time.Second
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create checkpoint directory: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		cfg:      cfg,
		verifier: verifier,
		hasher:   hasher,
		clock:    clock,
		retry:    retry.NewPolicy(),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Path returns the final path for a checkpoint id under the configured
// format.
func (m *Manager) Path(id string) string {
	return filepath.Join(m.cfg.Dir, fmt.Sprintf("checkpoint_%s.%s", id, m.cfg.Format.Ext()))
}

// Create persists a new checkpoint: serialize to a temp file in the target
// directory, back up any existing file with the same id, atomically rename
// into place, then verify the committed bytes. Calling Create again with
// the same id is last-write-wins; the previous write's backup is retained
// for manual recovery.
func (m *Manager) Create(ctx context.Context, id string, state lifecycle.State, metadata map[string]string) WriteResult {
	result := WriteResult{ID: id}
	defer func() {
		if rec := recover(); rec != nil {
			result.Err = &lifecycle.CheckpointWriteError{ID: id, Err: fmt.Errorf("panic: %v", rec)}
		}
	}()

	if strings.TrimSpace(id) == "" {
		result.Err = &lifecycle.CheckpointWriteError{ID: id, Err: fmt.Errorf("checkpoint id is required")}
		return result
	}

	cp := &Checkpoint{
		ID:            id,
		CreatedAt:     m.clock.Now(),
		SchemaVersion: SchemaVersion,
		Application:   state.Application,
		Scrape:        state.Scrape,
		Resource:      state.Resource,
		Metadata:      metadata,
	}
	payload, err := cp.canonicalPayload()
	if err != nil {
		result.Err = &lifecycle.CheckpointWriteError{ID: id, Err: err}
		return result
	}
	cp.ContentHash, err = m.hasher.Hash(payload)
	if err != nil {
		result.Err = &lifecycle.CheckpointWriteError{ID: id, Err: err}
		return result
	}
	result.ContentHash = cp.ContentHash

	data, err := encode(cp, m.cfg.Format)
	if err != nil {
		result.Err = &lifecycle.CheckpointWriteError{ID: id, Err: err}
		return result
	}
	result.Size = int64(len(data))

	finalPath := m.Path(id)
	result.Path = finalPath

	for attempt := 0; ; attempt++ {
		err = m.commit(finalPath, data, &result)
		if err == nil {
			break
		}
		if m.retry != nil && m.retry.ShouldRetry(err, attempt) {
			m.logger.Warn("checkpoint write failed, retrying",
				zap.String("id", id),
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
			if waitErr := m.retry.Wait(ctx, attempt); waitErr == nil {
				continue
			}
		}
		result.Err = &lifecycle.CheckpointWriteError{ID: id, Err: err}
		return result
	}

	check := m.verifier.VerifyData(payload, cp.ContentHash)
	result.Verified = check.OK()
	if !result.Verified {
		result.Err = &lifecycle.CheckpointIntegrityError{ID: id, Expected: cp.ContentHash, Actual: check.Actual}
		return result
	}

	m.logger.Info("checkpoint committed",
		zap.String("id", id),
		zap.String("path", finalPath),
		zap.Int64("bytes", result.Size),
		zap.String("hash", cp.ContentHash),
	)
	m.mirrorCommitted(ctx, finalPath, data)
	return result
}

// commit writes data to a temp file next to finalPath and renames it into
// place, preserving any previous file as a backup first. A crash at any
// point leaves the previously committed file either intact at the final
// path or copied under .backups; partial writes are never visible.
func (m *Manager) commit(finalPath string, data []byte, result *WriteResult) error {
	tmp, err := os.CreateTemp(m.cfg.Dir, filepath.Base(finalPath)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		// Best effort; gone already when the rename succeeded.
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if m.cfg.Backup {
		backupPath, err := m.backupExisting(finalPath)
		if err != nil {
			return err
		}
		result.BackupPath = backupPath
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

// backupExisting copies the current file at finalPath into .backups with a
// timestamp suffix. Backups are never removed by this subsystem.
func (m *Manager) backupExisting(finalPath string) (string, error) {
	src, err := os.Open(finalPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("open existing checkpoint: %w", err)
	}
	defer src.Close()

	backupDir := filepath.Join(m.cfg.Dir, backupDirName)
	if err := os.MkdirAll(backupDir, 0o750); err != nil {
		return "", fmt.Errorf("create backup directory: %w", err)
	}
	stamp := m.clock.Now().UTC().Format("20060102T150405.000000000")
	backupPath := filepath.Join(backupDir, fmt.Sprintf("%s.%s", filepath.Base(finalPath), stamp))

	dst, err := os.OpenFile(backupPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return "", fmt.Errorf("create backup file: %w", err)
	}
	defer dst.Close()
	if _, err := io.Copy(dst, src); err != nil {
		return "", fmt.Errorf("copy backup: %w", err)
	}
	return backupPath, nil
}

// Load reads and validates the checkpoint with the given id. The embedded
// id must match and required fields must be present; the content hash is
// re-verified against the state payload.
func (m *Manager) Load(id string) (*Checkpoint, error) {
	path, format, err := m.locate(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint %q: %w", id, err)
	}
	cp, err := decode(data, format)
	if err != nil {
		return nil, fmt.Errorf("parse checkpoint %q: %w", id, err)
	}
	if err := cp.validate(id); err != nil {
		return nil, err
	}
	payload, err := cp.canonicalPayload()
	if err != nil {
		return nil, err
	}
	if check := m.verifier.VerifyData(payload, cp.ContentHash); !check.OK() {
		return nil, &lifecycle.CheckpointIntegrityError{ID: id, Expected: cp.ContentHash, Actual: check.Actual}
	}
	return cp, nil
}

// Verify re-checks the stored checkpoint against its recorded hash and
// returns the integrity check outcome.
func (m *Manager) Verify(id string) integrity.Check {
	path, format, err := m.locate(id)
	if err != nil {
		return m.verifier.VerifyFile(m.Path(id), "", 0)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return m.verifier.Report(path, integrity.ResultCorrupted, fmt.Sprintf("read: %v", err))
	}
	cp, err := decode(data, format)
	if err != nil {
		return m.verifier.Report(path, integrity.ResultCorrupted, fmt.Sprintf("parse: %v", err))
	}
	payload, err := cp.canonicalPayload()
	if err != nil {
		return m.verifier.Report(path, integrity.ResultCorrupted, fmt.Sprintf("canonicalize: %v", err))
	}
	return m.verifier.VerifyData(payload, cp.ContentHash)
}

// List returns summaries for all stored checkpoints, newest first.
func (m *Manager) List() ([]Summary, error) {
	entries, err := os.ReadDir(m.cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint directory: %w", err)
	}
	var out []Summary
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		id, format, ok := parseFileName(entry.Name())
		if !ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		out = append(out, Summary{
			ID:        id,
			Path:      filepath.Join(m.cfg.Dir, entry.Name()),
			Format:    format,
			CreatedAt: info.ModTime().UTC(),
			Size:      info.Size(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Prune removes old checkpoints. The keepCount most recent files are always
// retained regardless of age; among the rest, files older than maxAge are
// removed. Backups are never touched. It returns the removed ids.
func (m *Manager) Prune(maxAge time.Duration, keepCount int) ([]string, error) {
	summaries, err := m.List()
	if err != nil {
		return nil, err
	}
	if keepCount < 0 {
		keepCount = 0
	}
	cutoff := m.clock.Now().Add(-maxAge)
	var removed []string
	for i, s := range summaries {
		if i < keepCount {
			continue
		}
		if maxAge > 0 && s.CreatedAt.After(cutoff) {
			continue
		}
		if err := os.Remove(s.Path); err != nil {
			m.logger.Warn("prune failed to remove checkpoint",
				zap.String("id", s.ID),
				zap.Error(err),
			)
			continue
		}
		removed = append(removed, s.ID)
	}
	if len(removed) > 0 {
		m.logger.Info("pruned checkpoints", zap.Strings("ids", removed))
	}
	return removed, nil
}

// Latest returns the most recent checkpoint, loading and validating it.
func (m *Manager) Latest() (*Checkpoint, error) {
	summaries, err := m.List()
	if err != nil {
		return nil, err
	}
	if len(summaries) == 0 {
		return nil, lifecycle.ErrCheckpointNotFound
	}
	return m.Load(summaries[0].ID)
}

// RunPeriodic writes a checkpoint with the fixed id on every tick until ctx
// finishes. The shutdown run's DataPreservation phase uses the same Create
// path, so the periodic writer is stopped before shutdown snapshots.
func (m *Manager) RunPeriodic(ctx context.Context, interval time.Duration, id string, provider lifecycle.StateProvider) {
	if interval <= 0 || provider == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if result := m.Create(ctx, id, provider(), map[string]string{"trigger": "periodic"}); !result.OK() {
				m.logger.Warn("periodic checkpoint failed", zap.String("id", id), zap.Error(result.Err))
			}
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) mirrorCommitted(ctx context.Context, path string, data []byte) {
	if m.mirror == nil {
		return
	}
	uploadCtx, cancel := context.WithTimeout(ctx, m.cfg.MirrorTimeout)
	defer cancel()
	if err := m.mirror.Upload(uploadCtx, filepath.Base(path), data); err != nil {
		m.logger.Warn("checkpoint mirror upload failed",
			zap.String("path", path),
			zap.Error(err),
		)
	}
}

// locate finds the stored file for id in either supported format.
func (m *Manager) locate(id string) (string, Format, error) {
	for _, format := range []Format{m.cfg.Format, FormatJSON, FormatBinary} {
		path := filepath.Join(m.cfg.Dir, fmt.Sprintf("checkpoint_%s.%s", id, format.Ext()))
		if _, err := os.Stat(path); err == nil {
			return path, format, nil
		}
	}
	return "", "", lifecycle.ErrCheckpointNotFound
}

func parseFileName(name string) (string, Format, bool) {
	if !strings.HasPrefix(name, "checkpoint_") {
		return "", "", false
	}
	rest := strings.TrimPrefix(name, "checkpoint_")
	dot := strings.LastIndexByte(rest, '.')
	if dot <= 0 {
		return "", "", false
	}
	format, ok := FormatForExt(rest[dot+1:])
	if !ok {
		return "", "", false
	}
	return rest[:dot], format, true
}
