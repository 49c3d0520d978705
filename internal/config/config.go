// Package config loads and validates lifecycle service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/crawl-lifecycle/internal/checkpoint"
	"github.com/JakeFAU/crawl-lifecycle/internal/coordinator"
	"github.com/JakeFAU/crawl-lifecycle/internal/lifecycle"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Shutdown   ShutdownConfig   `mapstructure:"shutdown"`
	Registry   RegistryConfig   `mapstructure:"registry"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Storage    StorageConfig    `mapstructure:"storage"`
	DB         DBConfig         `mapstructure:"db"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Crawl      CrawlConfig      `mapstructure:"crawl"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig controls the ops HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines ops API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// ShutdownConfig governs the shutdown sequence.
type ShutdownConfig struct {
	AckTimeoutSec      int      `mapstructure:"ack_timeout_seconds"`
	DrainTimeoutSec    int      `mapstructure:"drain_timeout_seconds"`
	CleanupTimeoutSec  int      `mapstructure:"cleanup_timeout_seconds"`
	PreserveTimeoutSec int      `mapstructure:"preserve_timeout_seconds"`
	FinalizeTimeoutSec int      `mapstructure:"finalize_timeout_seconds"`
	HardKillSec        int      `mapstructure:"hard_kill_seconds"`
	Strictness         string   `mapstructure:"strictness"`
	FailFast           bool     `mapstructure:"fail_fast"`
	Escalation         string   `mapstructure:"escalation"`
	GraceMs            int      `mapstructure:"grace_ms"`
	MaxParallel        int      `mapstructure:"max_parallel"`
	ParallelKinds      []string `mapstructure:"parallel_kinds"`
	PublishTopic       string   `mapstructure:"publish_topic"`
}

// RegistryConfig controls cleanup task registration defaults.
type RegistryConfig struct {
	DefaultTaskTimeoutSec int `mapstructure:"default_task_timeout_seconds"`
}

// CheckpointConfig controls checkpoint persistence and retention.
type CheckpointConfig struct {
	Dir              string `mapstructure:"dir"`
	Format           string `mapstructure:"format"`
	Backup           bool   `mapstructure:"backup"`
	IntervalSec      int    `mapstructure:"interval_seconds"`
	PruneMaxAgeHours int    `mapstructure:"prune_max_age_hours"`
	PruneKeepCount   int    `mapstructure:"prune_keep_count"`
	MirrorTimeoutSec int    `mapstructure:"mirror_timeout_seconds"`
}

// StorageConfig sets the optional GCS mirror for committed checkpoints.
type StorageConfig struct {
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// DBConfig controls access to the shutdown journal database.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// CrawlConfig governs the embedded crawl workload.
type CrawlConfig struct {
	StartURL       string   `mapstructure:"start_url"`
	AllowedDomains []string `mapstructure:"allowed_domains"`
	UserAgent      string   `mapstructure:"user_agent"`
	MaxDepth       int      `mapstructure:"max_depth"`
	MaxPages       int      `mapstructure:"max_pages"`
	DelaySeconds   int      `mapstructure:"delay_seconds"`
	BrowserEnabled bool     `mapstructure:"browser_enabled"`
	NavTimeoutSec  int      `mapstructure:"nav_timeout_seconds"`
	ResultsDir     string   `mapstructure:"results_dir"`
	ResumeFromLast bool     `mapstructure:"resume_from_last"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LIFECYCLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("shutdown.ack_timeout_seconds", 2)
	v.SetDefault("shutdown.drain_timeout_seconds", 10)
	v.SetDefault("shutdown.cleanup_timeout_seconds", 60)
	v.SetDefault("shutdown.preserve_timeout_seconds", 30)
	v.SetDefault("shutdown.finalize_timeout_seconds", 5)
	v.SetDefault("shutdown.hard_kill_seconds", 120)
	v.SetDefault("shutdown.strictness", string(coordinator.StrictnessAll))
	v.SetDefault("shutdown.escalation", string(lifecycle.EscalationIgnore))
	v.SetDefault("shutdown.grace_ms", 2000)
	v.SetDefault("shutdown.max_parallel", 4)
	v.SetDefault("shutdown.parallel_kinds", []string{string(lifecycle.KindFile), string(lifecycle.KindNetwork)})
	v.SetDefault("registry.default_task_timeout_seconds", 10)
	v.SetDefault("checkpoint.dir", "checkpoints")
	v.SetDefault("checkpoint.format", "json")
	v.SetDefault("checkpoint.backup", true)
	v.SetDefault("checkpoint.interval_seconds", 0)
	v.SetDefault("checkpoint.prune_max_age_hours", 168)
	v.SetDefault("checkpoint.prune_keep_count", 5)
	v.SetDefault("checkpoint.mirror_timeout_seconds", 10)
	v.SetDefault("crawl.user_agent", "crawl-lifecycle-bot/0.1")
	v.SetDefault("crawl.max_depth", 1)
	v.SetDefault("crawl.max_pages", 10)
	v.SetDefault("crawl.delay_seconds", 1)
	v.SetDefault("crawl.nav_timeout_seconds", 25)
	v.SetDefault("crawl.results_dir", "results")
	v.SetDefault("crawl.resume_from_last", true)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Shutdown.HardKillSec <= 0 {
		return fmt.Errorf("shutdown.hard_kill_seconds must be > 0")
	}
	switch coordinator.Strictness(c.Shutdown.Strictness) {
	case coordinator.StrictnessAll, coordinator.StrictnessRequiredOnly:
	default:
		return fmt.Errorf("shutdown.strictness must be ALL or REQUIRED_ONLY")
	}
	switch lifecycle.EscalationPolicy(c.Shutdown.Escalation) {
	case lifecycle.EscalationIgnore, lifecycle.EscalationForceTerminate, lifecycle.EscalationEscalate:
	default:
		return fmt.Errorf("shutdown.escalation must be IGNORE, FORCE_TERMINATE or ESCALATE")
	}
	if c.Checkpoint.Dir == "" {
		return fmt.Errorf("checkpoint.dir is required")
	}
	switch c.Checkpoint.Format {
	case "json", "bin":
	default:
		return fmt.Errorf("checkpoint.format must be json or bin")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Crawl.BrowserEnabled && c.Crawl.NavTimeoutSec <= 0 {
		return fmt.Errorf("crawl.nav_timeout_seconds must be > 0 when the browser is enabled")
	}
	return nil
}

// PhaseTimeouts converts the per-phase second knobs into the coordinator's
// timeout map.
func (c Config) PhaseTimeouts() map[lifecycle.Phase]time.Duration {
	return map[lifecycle.Phase]time.Duration{
		lifecycle.PhaseAcknowledged:     time.Duration(c.Shutdown.AckTimeoutSec) * time.Second,
		lifecycle.PhaseCriticalOpsDrain: time.Duration(c.Shutdown.DrainTimeoutSec) * time.Second,
		lifecycle.PhaseResourceCleanup:  time.Duration(c.Shutdown.CleanupTimeoutSec) * time.Second,
		lifecycle.PhaseDataPreservation: time.Duration(c.Shutdown.PreserveTimeoutSec) * time.Second,
		lifecycle.PhaseFinalization:     time.Duration(c.Shutdown.FinalizeTimeoutSec) * time.Second,
	}
}

// ParallelKinds converts the configured kind names into the executor's set.
func (c Config) ParallelKinds() []lifecycle.TaskKind {
	out := make([]lifecycle.TaskKind, 0, len(c.Shutdown.ParallelKinds))
	for _, k := range c.Shutdown.ParallelKinds {
		kind := lifecycle.TaskKind(strings.ToUpper(k))
		if lifecycle.KnownKind(kind) {
			out = append(out, kind)
		}
	}
	return out
}

// CheckpointFormat maps the configured format name onto the manager's
// serialization format.
func (c Config) CheckpointFormat() checkpoint.Format {
	if c.Checkpoint.Format == "bin" {
		return checkpoint.FormatBinary
	}
	return checkpoint.FormatJSON
}

// HardKillTimeout returns the whole-run watchdog budget.
func (c Config) HardKillTimeout() time.Duration {
	return time.Duration(c.Shutdown.HardKillSec) * time.Second
}
