// Package app initializes and holds the long-lived services of the
// process, acting as a dependency injection container. Everything the
// run command needs is built here, in dependency order, and torn down in
// reverse by Close.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"cloud.google.com/go/pubsub"
	gcstorage "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-lifecycle/internal/api"
	"github.com/JakeFAU/crawl-lifecycle/internal/checkpoint"
	checkpointgcs "github.com/JakeFAU/crawl-lifecycle/internal/checkpoint/gcs"
	"github.com/JakeFAU/crawl-lifecycle/internal/clock/system"
	"github.com/JakeFAU/crawl-lifecycle/internal/config"
	"github.com/JakeFAU/crawl-lifecycle/internal/coordinator"
	"github.com/JakeFAU/crawl-lifecycle/internal/executor"
	"github.com/JakeFAU/crawl-lifecycle/internal/hash/sha256"
	"github.com/JakeFAU/crawl-lifecycle/internal/host"
	idgen "github.com/JakeFAU/crawl-lifecycle/internal/id/uuid"
	"github.com/JakeFAU/crawl-lifecycle/internal/integrity"
	"github.com/JakeFAU/crawl-lifecycle/internal/lifecycle"
	"github.com/JakeFAU/crawl-lifecycle/internal/logging"
	"github.com/JakeFAU/crawl-lifecycle/internal/metrics"
	"github.com/JakeFAU/crawl-lifecycle/internal/progress"
	"github.com/JakeFAU/crawl-lifecycle/internal/progress/sinks"
	pubsubpub "github.com/JakeFAU/crawl-lifecycle/internal/publisher/pubsub"
	"github.com/JakeFAU/crawl-lifecycle/internal/registry"
	"github.com/JakeFAU/crawl-lifecycle/internal/resources/browser"
	"github.com/JakeFAU/crawl-lifecycle/internal/resources/filesink"
	"github.com/JakeFAU/crawl-lifecycle/internal/resources/gcsblob"
	"github.com/JakeFAU/crawl-lifecycle/internal/retry"
	"github.com/JakeFAU/crawl-lifecycle/internal/sigtrap"
	"github.com/JakeFAU/crawl-lifecycle/internal/storage/postgres"
)

// App holds the wired services for one process lifetime.
type App struct {
	Cfg         config.Config
	Logger      *zap.Logger
	Registry    *registry.Registry
	Checkpoints *checkpoint.Manager
	Coordinator *coordinator.Coordinator
	Crawler     *host.Crawler
	Server      *http.Server

	hub       *progress.Hub
	trap      *sigtrap.Trap
	sink      *filesink.Sink
	browser   *browser.Session
	gcsClient *gcstorage.Client
	pubClient *pubsub.Client
	journal   *postgres.JournalStore
}

// New builds the full service graph from configuration. It fails fast:
// any collaborator that cannot start aborts the process before a single
// page is crawled.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	metrics.Init()

	clock := system.New()
	hasher := sha256.New()
	verifier := integrity.New(hasher, clock, logger)

	a := &App{Cfg: cfg, Logger: logger}

	a.Registry = registry.New(clock, logger,
		registry.WithDefaultTimeout(time.Duration(cfg.Registry.DefaultTaskTimeoutSec)*time.Second),
	)

	mgrOpts := []checkpoint.Option{checkpoint.WithRetry(retry.NewPolicy())}
	if cfg.Storage.GCSBucket != "" {
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client: %w", err)
		}
		a.gcsClient = client
		mirror, err := checkpointgcs.New(client, checkpointgcs.Config{
			Bucket: cfg.Storage.GCSBucket,
			Prefix: cfg.Storage.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("checkpoint mirror: %w", err)
		}
		mgrOpts = append(mgrOpts, checkpoint.WithMirror(mirror))
		logger.Info("mirroring checkpoints to gcs", zap.String("bucket", cfg.Storage.GCSBucket))
	}
	a.Checkpoints, err = checkpoint.NewManager(checkpoint.Config{
		Dir:           cfg.Checkpoint.Dir,
		Format:        cfg.CheckpointFormat(),
		Backup:        cfg.Checkpoint.Backup,
		MirrorTimeout: time.Duration(cfg.Checkpoint.MirrorTimeoutSec) * time.Second,
	}, verifier, hasher, clock, logger, mgrOpts...)
	if err != nil {
		return nil, fmt.Errorf("checkpoint manager: %w", err)
	}

	hubSinks, err := a.buildSinks(ctx)
	if err != nil {
		return nil, err
	}
	a.hub = progress.NewHub(progress.Config{Logger: logger}, hubSinks...)

	var pub lifecycle.Publisher
	if cfg.PubSub.ProjectID != "" && cfg.Shutdown.PublishTopic != "" {
		client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub client: %w", err)
		}
		a.pubClient = client
		pub = pubsubpub.New(client, map[string]string{"service": "crawl-lifecycle"})
		logger.Info("publishing run summaries", zap.String("topic", cfg.Shutdown.PublishTopic))
	}

	a.trap = sigtrap.New(logger)

	a.Coordinator, err = coordinator.New(coordinator.Config{
		Executor: executor.Config{
			Escalation:    lifecycle.EscalationPolicy(cfg.Shutdown.Escalation),
			GracePeriod:   time.Duration(cfg.Shutdown.GraceMs) * time.Millisecond,
			ParallelKinds: cfg.ParallelKinds(),
			MaxParallel:   cfg.Shutdown.MaxParallel,
			Retry:         retry.NewPolicy(),
		},
		PhaseTimeouts:   cfg.PhaseTimeouts(),
		HardKillTimeout: cfg.HardKillTimeout(),
		Strictness:      coordinator.Strictness(cfg.Shutdown.Strictness),
		FailFast:        cfg.Shutdown.FailFast,
		PublishTopic:    cfg.Shutdown.PublishTopic,
		Exit:            os.Exit,
	}, coordinator.Deps{
		Registry:    a.Registry,
		Checkpoints: a.Checkpoints,
		Trap:        a.trap,
		Emitter:     a.hub,
		Publisher:   pub,
		Provider:    a.stateProvider,
		IDs:         idgen.New(),
		Clock:       clock,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("coordinator: %w", err)
	}

	if err := a.buildWorkload(ctx); err != nil {
		return nil, err
	}

	srv := api.NewServer(a.Coordinator, a.Registry, a.Checkpoints, cfg, logger)
	a.Server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info("application services initialized")
	return a, nil
}

// buildSinks assembles the progress fan-out: structured log lines always,
// Prometheus collectors always, and the database journal when a DSN is
// configured.
func (a *App) buildSinks(ctx context.Context) ([]progress.Sink, error) {
	out := []progress.Sink{sinks.NewLogSink(a.Logger)}

	prom, err := sinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		return nil, fmt.Errorf("prometheus sink: %w", err)
	}
	out = append(out, prom)

	if a.Cfg.DB.DSN != "" {
		journal, err := postgres.NewJournalStore(ctx, postgres.JournalStoreConfig{
			DSN:      a.Cfg.DB.DSN,
			MaxConns: a.Cfg.DB.MaxConns,
			MinConns: a.Cfg.DB.MinConns,
		})
		if err != nil {
			return nil, fmt.Errorf("journal store: %w", err)
		}
		a.journal = journal
		out = append(out, sinks.NewJournalSink(journal, a.Logger))
		a.Logger.Info("journaling shutdown runs to postgres")
	}
	return out, nil
}

// buildWorkload wires the crawl workload and its owned resources: the
// result sink registers a required file cleanup, the optional browser
// session registers a browser cleanup, and the optional GCS client
// registers a network cleanup.
func (a *App) buildWorkload(_ context.Context) error {
	if a.Cfg.Crawl.StartURL == "" {
		a.Logger.Info("no start url configured, running without a crawl workload")
		return nil
	}
	if err := os.MkdirAll(a.Cfg.Crawl.ResultsDir, 0o755); err != nil {
		return fmt.Errorf("create results dir: %w", err)
	}
	sink, err := filesink.Open(filesink.Config{
		Path:       filepath.Join(a.Cfg.Crawl.ResultsDir, "results.ndjson"),
		ResourceID: "file.results",
		Priority:   100,
	}, a.Logger)
	if err != nil {
		return fmt.Errorf("result sink: %w", err)
	}
	a.sink = sink
	if err := sink.Register(a.Coordinator); err != nil {
		return fmt.Errorf("register result sink: %w", err)
	}

	if a.Cfg.Crawl.BrowserEnabled {
		a.browser = browser.New(browser.Config{
			Priority:  80,
			UserAgent: a.Cfg.Crawl.UserAgent,
		}, a.Logger)
		if err := a.browser.Register(a.Coordinator); err != nil {
			return fmt.Errorf("register browser session: %w", err)
		}
	}

	if a.gcsClient != nil {
		res, err := gcsblob.New(a.gcsClient, gcsblob.Config{
			ResourceID: "gcs.checkpoints",
			Priority:   20,
		}, a.Logger)
		if err != nil {
			return fmt.Errorf("gcs resource: %w", err)
		}
		if err := res.Register(a.Coordinator); err != nil {
			return fmt.Errorf("register gcs client: %w", err)
		}
	}

	crawler, err := host.New(a.Cfg.Crawl, a.Coordinator, sink, a.Logger)
	if err != nil {
		return fmt.Errorf("crawler: %w", err)
	}
	a.Crawler = crawler

	if a.Cfg.Crawl.ResumeFromLast {
		cp, err := a.Checkpoints.Latest()
		switch {
		case err == nil:
			crawler.Resume(cp.State())
			a.Logger.Info("resumed from checkpoint", zap.String("checkpoint_id", cp.ID))
		case errors.Is(err, lifecycle.ErrCheckpointNotFound):
			a.Logger.Info("no checkpoint to resume from")
		default:
			a.Logger.Warn("checkpoint resume failed, starting fresh", zap.Error(err))
		}
	}
	metrics.SetRegisteredResources(a.Registry.Len())
	return nil
}

// stateProvider feeds the DataPreservation phase and the periodic timer.
func (a *App) stateProvider() lifecycle.State {
	if a.Crawler != nil {
		return a.Crawler.State()
	}
	return lifecycle.State{
		Application: map[string]any{},
		Scrape:      map[string]any{},
		Resource:    map[string]any{},
	}
}

// RunPeriodicCheckpoints starts the background checkpoint timer when
// configured. Blocks until ctx is canceled.
func (a *App) RunPeriodicCheckpoints(ctx context.Context) {
	interval := time.Duration(a.Cfg.Checkpoint.IntervalSec) * time.Second
	if interval <= 0 {
		return
	}
	a.Checkpoints.RunPeriodic(ctx, interval, "periodic", a.stateProvider)
}

// Close tears down what the shutdown run itself does not own: the event
// hub (drained), the external clients and the logger. Resource cleanups
// registered with the coordinator already ran by the time this is called.
func (a *App) Close() {
	if a.hub != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.hub.Close(ctx); err != nil {
			a.Logger.Warn("drain progress hub", zap.Error(err))
		}
		cancel()
	}
	if a.journal != nil {
		a.journal.Close()
	}
	if a.browser != nil {
		a.browser.Close()
	}
	if a.pubClient != nil {
		if err := a.pubClient.Close(); err != nil {
			a.Logger.Warn("close pubsub client", zap.Error(err))
		}
	}
	_ = a.Logger.Sync()
}
