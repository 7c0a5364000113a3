// Package server builds the service's dependency graph and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"slices"
	"sync"
	"syscall"
	"time"

	gcsclient "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/site-auditor/internal/aggregator"
	"github.com/JakeFAU/site-auditor/internal/analyzer"
	"github.com/JakeFAU/site-auditor/internal/analyzer/modules"
	"github.com/JakeFAU/site-auditor/internal/api"
	"github.com/JakeFAU/site-auditor/internal/assets"
	"github.com/JakeFAU/site-auditor/internal/audit"
	"github.com/JakeFAU/site-auditor/internal/cache"
	"github.com/JakeFAU/site-auditor/internal/clock"
	"github.com/JakeFAU/site-auditor/internal/config"
	"github.com/JakeFAU/site-auditor/internal/fetch"
	headless "github.com/JakeFAU/site-auditor/internal/fetch/chromedp"
	collyfetch "github.com/JakeFAU/site-auditor/internal/fetch/colly"
	"github.com/JakeFAU/site-auditor/internal/id/uuid"
	"github.com/JakeFAU/site-auditor/internal/jobqueue"
	badgerjournal "github.com/JakeFAU/site-auditor/internal/jobqueue/badger"
	broker "github.com/JakeFAU/site-auditor/internal/jobqueue/memory"
	"github.com/JakeFAU/site-auditor/internal/logging"
	"github.com/JakeFAU/site-auditor/internal/notify"
	"github.com/JakeFAU/site-auditor/internal/orchestrator"
	"github.com/JakeFAU/site-auditor/internal/policy/blocklist"
	"github.com/JakeFAU/site-auditor/internal/policy/ratelimit"
	"github.com/JakeFAU/site-auditor/internal/progress"
	progresssinks "github.com/JakeFAU/site-auditor/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/site-auditor/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/site-auditor/internal/publisher/pubsub"
	"github.com/JakeFAU/site-auditor/internal/registry"
	"github.com/JakeFAU/site-auditor/internal/report"
	gcsstorage "github.com/JakeFAU/site-auditor/internal/storage/gcs"
	localstorage "github.com/JakeFAU/site-auditor/internal/storage/local"
	memorystorage "github.com/JakeFAU/site-auditor/internal/storage/memory"
	miniostorage "github.com/JakeFAU/site-auditor/internal/storage/minio"
	pgstore "github.com/JakeFAU/site-auditor/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/site-auditor/internal/storage/sqlite"
	"github.com/JakeFAU/site-auditor/internal/telemetry"
	"github.com/JakeFAU/site-auditor/internal/watchdog"
)

// Option overrides a dependency, mostly for tests.
type Option func(*options)

type options struct {
	logger     *zap.Logger
	browser    fetch.Browser
	downloader fetch.Downloader
	registerer prometheus.Registerer
	analyzers  []analyzer.Module
}

// WithLogger replaces the configured logger.
func WithLogger(l *zap.Logger) Option { return func(o *options) { o.logger = l } }

// WithBrowser replaces headless Chrome.
func WithBrowser(b fetch.Browser) Option { return func(o *options) { o.browser = b } }

// WithDownloader replaces the colly downloader.
func WithDownloader(d fetch.Downloader) Option { return func(o *options) { o.downloader = d } }

// WithRegisterer registers progress collectors somewhere other than the
// default Prometheus registry.
func WithRegisterer(r prometheus.Registerer) Option { return func(o *options) { o.registerer = r } }

// WithAnalyzers replaces the built-in analyzer modules.
func WithAnalyzers(m ...analyzer.Module) Option { return func(o *options) { o.analyzers = m } }

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  audit.Clock

	store        audit.Store
	assets       *assets.Store
	broker       *broker.Broker
	registry     *registry.Registry
	orchestrator *orchestrator.Orchestrator
	results      *report.Builder
	cache        *cache.Cache
	watchdog     *watchdog.Watchdog
	progressHub  *progress.Hub
	apiServer    *api.Server

	blocked *blocklist.Blocklist
	ready   []api.ReadinessCheck
	closers []func(context.Context) error

	background *errgroup.Group
	stopBg     context.CancelFunc
	closeOnce  sync.Once
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		var err error
		logger, err = logging.New(cfg.Logging.Development, cfg.Logging.Level)
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		zap.ReplaceGlobals(logger)
	}

	app := &App{cfg: cfg, logger: logger, clock: clock.NewSystem(), blocked: blocklist.New(cfg.API.BlockedHosts)}
	app.logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.String("database", cfg.Database.Driver),
		zap.String("assets", cfg.Assets.Backend))

	ok := false
	defer func() {
		if !ok {
			app.closeAll(context.WithoutCancel(ctx))
		}
	}()

	tp, mp, err := telemetry.InitTelemetry(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		ProjectID:   cfg.Telemetry.ProjectID,
		Region:      cfg.Telemetry.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry init failed: %w", err)
	}
	app.closers = append(app.closers, tp.Shutdown, mp.Shutdown)

	if err := app.setupDatabase(ctx); err != nil {
		return nil, err
	}
	blobs, err := app.setupStorage(ctx)
	if err != nil {
		return nil, err
	}
	app.assets = assets.New(blobs)

	publisher, err := app.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}
	if err := app.setupProgress(ctx, o.registerer); err != nil {
		return nil, err
	}
	notifier := notify.New(app.progressHub, publisher, cfg.PubSub.Topic, app.clock, logger)

	app.cache = cache.New(cache.Config{
		ResultTTL:     cfg.Cache.ResultTTL,
		RenderedTTL:   cfg.Cache.RenderedTTL,
		SweepInterval: cfg.Cache.SweepInterval,
	}, app.clock, logger)
	agg := aggregator.New(app.store, app.cache, notifier, app.clock, logger)

	if err := app.setupBroker(); err != nil {
		return nil, err
	}
	if err := app.setupFetch(o); err != nil {
		return nil, err
	}
	analyzers := o.analyzers
	if analyzers == nil {
		analyzers = modules.Builtins()
	}
	if err := app.setupAnalyzers(analyzers, agg, notifier); err != nil {
		return nil, err
	}

	app.orchestrator = orchestrator.New(orchestrator.Config{
		FetchWait:      cfg.Fetch.Wait,
		FetchOptions:   retryOptions(cfg.Fetch.RetryConfig),
		FanoutParallel: cfg.Orchestrator.FanoutParallel,
	}, app.store, app.broker, app.registry, agg, notifier, app.clock, logger)

	wdCfg := watchdog.Config{
		Enabled:    cfg.Watchdog.Enabled,
		StaleAfter: cfg.Watchdog.StaleAfter,
		Schedule:   cfg.Watchdog.Schedule,
		BatchSize:  cfg.Watchdog.BatchSize,
	}
	if err := wdCfg.Validate(); err != nil {
		return nil, err
	}
	app.watchdog = watchdog.New(wdCfg, app.store, agg, notifier, app.clock, logger)

	app.results = report.NewBuilder(app.store, app.assets)
	apiCfg := api.Config{
		AllowedOrigins: cfg.API.AllowedOrigins,
		RequestTimeout: cfg.API.RequestTimeout,
		DefaultTenant:  cfg.API.DefaultTenant,
		BlockedHosts:   cfg.API.BlockedHosts,
	}
	if cfg.Auth.Enabled {
		apiCfg.APIKey = cfg.Auth.APIKey
	}
	app.apiServer = api.NewServer(api.Deps{
		Analyses:     app.store,
		Orchestrator: app.orchestrator,
		Results:      app.results,
		Cache:        app.cache,
		Modules:      app.registry,
		IDs:          uuid.New(),
		Clock:        app.clock,
		Ready:        app.ready,
	}, apiCfg, logger)

	ok = true
	return app, nil
}

func (a *App) setupDatabase(ctx context.Context) error {
	switch a.cfg.Database.Driver {
	case "postgres":
		store, err := pgstore.New(ctx, pgstore.Config{
			DSN:             a.cfg.Database.DSN,
			MaxConns:        a.cfg.Database.MaxConns,
			MaxConnLifetime: a.cfg.Database.MaxConnLifetime,
		})
		if err != nil {
			return fmt.Errorf("postgres store init failed: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { store.Close(); return nil })
		if a.cfg.Database.Migrate {
			if err := store.Migrate(ctx); err != nil {
				return fmt.Errorf("postgres migrate failed: %w", err)
			}
		}
		a.store = store
		a.ready = append(a.ready, store.Ping)
		a.logger.Info("using postgres persistence")
	case "sqlite":
		store, err := sqlitestore.Open(ctx, a.cfg.Database.Path)
		if err != nil {
			return fmt.Errorf("sqlite store init failed: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return store.Close() })
		a.store = store
		a.ready = append(a.ready, store.Ping)
		a.logger.Info("using sqlite persistence", zap.String("path", a.cfg.Database.Path))
	default:
		a.logger.Warn("using in-memory persistence; analyses are lost on restart")
		a.store = memorystorage.NewStore()
	}
	return nil
}

func (a *App) setupStorage(ctx context.Context) (audit.BlobStore, error) {
	switch a.cfg.Assets.Backend {
	case "gcs":
		client, err := gcsclient.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return client.Close() })
		blobs, err := gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Assets.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("using GCS asset storage", zap.String("bucket", a.cfg.Assets.GCSBucket))
		return blobs, nil
	case "minio":
		m := a.cfg.Assets.Minio
		blobs, err := miniostorage.New(ctx, miniostorage.Config{
			Endpoint:  m.Endpoint,
			Region:    m.Region,
			Bucket:    m.Bucket,
			AccessKey: m.AccessKey,
			SecretKey: m.SecretKey,
			UseSSL:    m.UseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("minio blob store init failed: %w", err)
		}
		a.logger.Info("using MinIO asset storage", zap.String("endpoint", m.Endpoint), zap.String("bucket", m.Bucket))
		return blobs, nil
	case "local":
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Assets.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local asset storage", zap.String("path", a.cfg.Assets.LocalDir))
		return blobs, nil
	default:
		a.logger.Info("using in-memory asset storage")
		return memorystorage.NewBlobStore(), nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (audit.Publisher, error) {
	if a.cfg.PubSub.ProjectID == "" {
		a.logger.Warn("no Pub/Sub project configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	pub, err := gcppublisher.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error { return pub.Close() })
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.Topic))
	return pub, nil
}

func (a *App) setupProgress(ctx context.Context, reg prometheus.Registerer) error {
	promSink, err := progresssinks.NewPrometheusSink(reg)
	if err != nil {
		return fmt.Errorf("progress metrics init failed: %w", err)
	}
	hubCfg := progress.Config{
		BufferSize:     a.cfg.Progress.BufferSize,
		MaxBatchEvents: a.cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   a.cfg.Progress.MaxBatchWait,
		SinkTimeout:    a.cfg.Progress.SinkTimeout,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         a.logger.Named("progress_hub"),
	}
	a.progressHub = progress.NewHub(hubCfg,
		progresssinks.NewLogSink(a.logger.Named("progress_log")),
		promSink,
	)
	a.closers = append(a.closers, a.progressHub.Close)
	a.logger.Info("progress hub initialized",
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait))
	return nil
}

func (a *App) setupBroker() error {
	var journal jobqueue.Journal
	if dir := a.cfg.Queue.JournalDir; dir != "" {
		j, err := badgerjournal.Open(dir)
		if err != nil {
			return fmt.Errorf("job journal init failed: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return j.Close() })
		journal = j
		a.logger.Info("job journal enabled", zap.String("dir", dir))
	}
	a.broker = broker.NewBroker(broker.Config{
		Capacity: a.cfg.Queue.Capacity,
		Journal:  journal,
		Observer: telemetry.ObserveQueueJob,

		// A restarted process has no orchestrator waiting on old fetches and
		// their analyses were already failed on shutdown.
		DiscardOnRecover: []string{orchestrator.FetchQueue},
	}, uuid.New(), a.logger)
	return nil
}

func (a *App) setupFetch(o options) error {
	browser := o.browser
	if browser == nil {
		headers := make(http.Header, len(a.cfg.Browser.Headers))
		for k, v := range a.cfg.Browser.Headers {
			headers.Set(k, v)
		}
		b, err := headless.New(headless.Config{
			MaxParallel:    a.cfg.Browser.MaxParallel,
			UserAgent:      a.cfg.Browser.UserAgent,
			Headers:        headers,
			ViewportWidth:  int64(a.cfg.Browser.ViewportWidth),
			ViewportHeight: int64(a.cfg.Browser.ViewportHeight),
			SettleDelay:    a.cfg.Browser.SettleDelay,
			ExecPath:       a.cfg.Browser.ExecPath,
		})
		if err != nil {
			return fmt.Errorf("headless browser init failed: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { b.Close(); return nil })
		browser = b
		a.logger.Info("using headless chrome", zap.Int("max_parallel", a.cfg.Browser.MaxParallel))
	}
	downloader := o.downloader
	if downloader == nil {
		downloader = collyfetch.New(collyfetch.Config{
			UserAgent:   a.cfg.Browser.UserAgent,
			Timeout:     a.cfg.Downloader.Timeout,
			MaxBodySize: a.cfg.Downloader.MaxBodySize,
		})
	}
	limiter := ratelimit.New(ratelimit.Config{
		RPS:       a.cfg.RateLimit.RPS,
		Burst:     a.cfg.RateLimit.Burst,
		Overrides: a.cfg.RateLimit.Overrides,
	})

	stage := fetch.NewStage(fetch.Config{
		NavigationTimeout:  a.cfg.Fetch.NavigationTimeout,
		ArtifactTimeout:    a.cfg.Fetch.ArtifactTimeout,
		Screenshot:         a.cfg.Fetch.Screenshot,
		MaxLinkedResources: a.cfg.Fetch.MaxLinkedResources,
		DownloadParallel:   a.cfg.Fetch.DownloadParallel,
	}, browser, downloader, limiter, a.assets, a.clock, a.logger)
	if err := a.broker.Register(orchestrator.FetchQueue, stage.Handle, a.cfg.Fetch.Concurrency); err != nil {
		return fmt.Errorf("register fetch queue: %w", err)
	}
	return nil
}

func (a *App) setupAnalyzers(available []analyzer.Module, reconciler audit.Reconciler, notifier *notify.Notifier) error {
	enabled := a.cfg.Analyzer.Modules
	known := make([]string, 0, len(available))
	for _, m := range available {
		known = append(known, m.Name())
	}
	for _, name := range enabled {
		if !slices.Contains(known, name) {
			return fmt.Errorf("analyzer.modules: unknown module %q (known: %v)", name, known)
		}
	}

	a.registry = registry.New()
	opts := retryOptions(a.cfg.Analyzer.RetryConfig)
	for _, m := range available {
		if len(enabled) > 0 && !slices.Contains(enabled, m.Name()) {
			continue
		}
		worker := analyzer.NewWorker(m, a.store, a.assets, reconciler, notifier, a.clock, a.logger)
		if err := a.broker.Register(registry.QueueName(m.Name()), worker.Handle, a.cfg.Analyzer.Concurrency); err != nil {
			return fmt.Errorf("register analyzer queue: %w", err)
		}
		mod := audit.Module{Name: m.Name(), Description: m.Description()}
		if err := a.registry.Register(mod, registry.QueueEnqueue(a.broker, m.Name(), opts)); err != nil {
			return fmt.Errorf("register analyzer: %w", err)
		}
		a.logger.Info("analyzer registered", zap.String("module", m.Name()))
	}
	if len(a.registry.Entries()) == 0 {
		return errors.New("no analyzer modules enabled")
	}
	return nil
}

func retryOptions(rc config.RetryConfig) jobqueue.Options {
	return jobqueue.Options{
		Retries:    rc.Retries,
		Backoff:    rc.Backoff,
		MaxBackoff: rc.MaxBackoff,
		Timeout:    rc.Timeout,
	}
}

// Start launches the queue workers, journal replay, cache sweeper, and
// watchdog. They stop when Close is called or ctx ends.
func (a *App) Start(ctx context.Context) {
	bgCtx, cancel := context.WithCancel(ctx)
	a.stopBg = cancel
	g, gctx := errgroup.WithContext(bgCtx)
	a.background = g

	g.Go(func() error { return a.broker.Run(gctx) })
	g.Go(func() error {
		restored, err := a.broker.Recover(gctx)
		if err != nil {
			a.logger.Error("journal replay failed", zap.Error(err))
			return nil
		}
		if restored > 0 {
			a.logger.Info("journaled jobs restored", zap.Int("count", restored))
		}
		return nil
	})
	g.Go(func() error {
		a.cache.Run(gctx)
		return nil
	})
	g.Go(func() error { return a.watchdog.Run(gctx) })
}

// Run starts the application and blocks until the context is canceled or
// a termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.Start(ctx)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	return a.Close(shutdownCtx)
}

// Close stops intake, waits for in-flight orchestration, stops background
// workers, and releases infrastructure. Later calls are no-ops.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() { a.shutdown(ctx) })
	return nil
}

func (a *App) shutdown(ctx context.Context) {
	if err := a.orchestrator.Shutdown(ctx); err != nil {
		a.logger.Warn("orchestrator shutdown incomplete", zap.Error(err))
	}
	a.broker.Close()
	if a.stopBg != nil {
		a.stopBg()
		if err := a.background.Wait(); err != nil {
			a.logger.Warn("background worker error", zap.Error(err))
		}
	}
	a.closeAll(ctx)
	a.logger.Info("shutdown complete")
}

func (a *App) closeAll(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Warn("close failed", zap.Error(err))
		}
	}
	a.closers = nil
	_ = a.logger.Sync()
}

// Handler exposes the HTTP API.
func (a *App) Handler() http.Handler { return a.apiServer.Handler() }

// Submit creates a pending analysis for targetURL and starts it.
func (a *App) Submit(ctx context.Context, targetURL, tenant string) (string, error) {
	if a.blocked.BlockedURL(targetURL) {
		return "", fmt.Errorf("target host of %q is blocked", targetURL)
	}
	id, err := uuid.New().NewID()
	if err != nil {
		return "", fmt.Errorf("generate analysis id: %w", err)
	}
	if tenant == "" {
		tenant = a.cfg.API.DefaultTenant
	}
	if err := a.store.CreateAnalysis(ctx, audit.Analysis{
		ID:        id,
		TargetURL: targetURL,
		Tenant:    tenant,
		Status:    audit.AnalysisPending,
		CreatedAt: a.clock.Now(),
	}); err != nil {
		return "", fmt.Errorf("create analysis: %w", err)
	}
	a.orchestrator.Submit(id, targetURL)
	return id, nil
}

// Await polls until the analysis is terminal or ctx ends.
func (a *App) Await(ctx context.Context, analysisID string, every time.Duration) (audit.StatusReport, error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		status, err := a.orchestrator.GetAnalysisStatus(ctx, analysisID)
		if err != nil {
			return audit.StatusReport{}, err
		}
		if status.Analysis.Status.Terminal() {
			return status, nil
		}
		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Report builds and renders the analysis report in lang.
func (a *App) Report(ctx context.Context, analysisID, lang string) (string, error) {
	res, err := a.results.Build(ctx, analysisID)
	if err != nil {
		return "", err
	}
	return report.Render(res, lang)
}
