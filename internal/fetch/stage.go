package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/site-auditor/internal/assets"
	"github.com/JakeFAU/site-auditor/internal/audit"
	"github.com/JakeFAU/site-auditor/internal/jobqueue"
	"github.com/JakeFAU/site-auditor/internal/telemetry"
)

// Config tunes the fetch stage.
type Config struct {
	NavigationTimeout  time.Duration
	ArtifactTimeout    time.Duration
	Screenshot         bool
	MaxLinkedResources int
	DownloadParallel   int
}

func (c Config) withDefaults() Config {
	if c.NavigationTimeout <= 0 {
		c.NavigationTimeout = 45 * time.Second
	}
	if c.ArtifactTimeout <= 0 {
		c.ArtifactTimeout = 10 * time.Second
	}
	if c.MaxLinkedResources <= 0 {
		c.MaxLinkedResources = 20
	}
	if c.DownloadParallel <= 0 {
		c.DownloadParallel = 4
	}
	return c
}

// fatalNavigation lists browser error codes that retrying cannot fix.
var fatalNavigation = []string{
	"ERR_NAME_NOT_RESOLVED",
	"ERR_NAME_RESOLUTION_FAILED",
	"ERR_ADDRESS_UNREACHABLE",
	"ERR_INVALID_URL",
	"ERR_UNSAFE_PORT",
	"ERR_CERT_",
	"ERR_SSL_PROTOCOL_ERROR",
}

// Stage executes fetch jobs.
type Stage struct {
	cfg        Config
	browser    Browser
	downloader Downloader
	limiter    Limiter
	assets     *assets.Store
	clock      audit.Clock
	logger     *zap.Logger
}

// NewStage wires a Stage. downloader and limiter may be nil.
func NewStage(cfg Config, browser Browser, downloader Downloader, limiter Limiter, store *assets.Store, clk audit.Clock, logger *zap.Logger) *Stage {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Stage{
		cfg:        cfg.withDefaults(),
		browser:    browser,
		downloader: downloader,
		limiter:    limiter,
		assets:     store,
		clock:      clk,
		logger:     logger.Named("fetch"),
	}
}

// Handle adapts Run to the job queue: it decodes an audit.FetchJob payload
// and returns an encoded audit.FetchResult.
func (s *Stage) Handle(ctx context.Context, job jobqueue.Job) ([]byte, error) {
	var fj audit.FetchJob
	if err := json.Unmarshal(job.Payload, &fj); err != nil {
		return nil, audit.Fatal(StageName, fmt.Errorf("decode fetch job: %w", err))
	}
	res, err := s.execute(ctx, fj)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(res)
	if err != nil {
		return nil, audit.Fatal(StageName, fmt.Errorf("encode fetch result: %w", err))
	}
	return out, nil
}

// Run fetches job.TargetURL and returns the manifest reference. Only a
// navigation failure or a manifest write failure fails the stage; individual
// artifacts that cannot be stored are listed as missing.
func (s *Stage) Run(ctx context.Context, job audit.FetchJob) (audit.AssetReference, error) {
	res, err := s.execute(ctx, job)
	return res.Manifest, err
}

func (s *Stage) execute(ctx context.Context, job audit.FetchJob) (audit.FetchResult, error) {
	start := time.Now()
	res, err := s.run(ctx, job)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		if kind := audit.KindOf(err); kind != "" {
			outcome = string(kind)
		}
	}
	telemetry.ObserveStage(StageName, outcome, time.Since(start))
	return res, err
}

func (s *Stage) run(ctx context.Context, job audit.FetchJob) (audit.FetchResult, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "fetch.Run")
	defer span.End()
	logger := s.logger.With(zap.String("analysis_id", job.AnalysisID), zap.String("url", job.TargetURL))

	target, err := url.Parse(job.TargetURL)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return audit.FetchResult{}, audit.Fatal(StageName, fmt.Errorf("invalid target url %q", job.TargetURL))
	}
	if _, err := assets.Prefix(job.Tenant, job.AnalysisID); err != nil {
		return audit.FetchResult{}, audit.Fatal(StageName, err)
	}

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx, job.TargetURL); err != nil {
			return audit.FetchResult{}, audit.Transient(StageName, err)
		}
	}

	session, err := s.browser.Open(ctx)
	if err != nil {
		return audit.FetchResult{}, audit.Transient(StageName, fmt.Errorf("open browser session: %w", err))
	}
	defer session.Close()

	navCtx, cancel := context.WithTimeout(ctx, s.cfg.NavigationTimeout)
	page, err := session.Navigate(navCtx, job.TargetURL)
	cancel()
	if err != nil {
		logger.Warn("navigation failed", zap.Error(err))
		return audit.FetchResult{}, classifyNavigation(err)
	}

	c := &collector{
		stage:    s,
		job:      job,
		logger:   logger,
		manifest: newManifest(job, page, s.clock.Now()),
	}
	c.store(ctx, assets.KindHTML, "page.html", page.HTML, "text/html; charset=utf-8", page.FinalURL)
	if s.cfg.Screenshot {
		c.screenshot(ctx, session)
	}
	c.linked(ctx, page)
	c.wellKnown(ctx, page.FinalURL)

	putCtx, cancel := context.WithTimeout(ctx, s.cfg.ArtifactTimeout)
	defer cancel()
	ref, err := s.assets.PutManifest(putCtx, c.manifest)
	if err != nil {
		return audit.FetchResult{}, audit.Fatal(StageName, fmt.Errorf("write manifest: %w", err))
	}
	logger.Info("fetch complete",
		zap.Int("artifacts", len(c.manifest.Artifacts)),
		zap.Int("missing", len(c.manifest.Missing)),
		zap.Int("status_code", page.StatusCode))
	return audit.FetchResult{Manifest: ref, StatusCode: page.StatusCode}, nil
}

func classifyNavigation(err error) error {
	if audit.IsFatal(err) {
		return err
	}
	msg := err.Error()
	for _, code := range fatalNavigation {
		if strings.Contains(msg, code) {
			return audit.Fatal(StageName, fmt.Errorf("navigate: %w", err))
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &audit.StageError{Stage: StageName, Kind: audit.KindTimeout, Err: fmt.Errorf("navigate: %w", err)}
	}
	return audit.Transient(StageName, fmt.Errorf("navigate: %w", err))
}

func newManifest(job audit.FetchJob, page Page, now time.Time) assets.Manifest {
	final := page.FinalURL
	if final == "" {
		final = job.TargetURL
	}
	tenant := job.Tenant
	if tenant == "" {
		tenant = assets.DefaultTenant
	}
	return assets.Manifest{
		AnalysisID: job.AnalysisID,
		Tenant:     tenant,
		TargetURL:  job.TargetURL,
		FinalURL:   final,
		StatusCode: page.StatusCode,
		Headers:    map[string][]string(page.Headers.Clone()),
		FetchedAt:  now,
	}
}

// collector accumulates artifacts into a manifest; safe for concurrent use.
type collector struct {
	stage  *Stage
	job    audit.FetchJob
	logger *zap.Logger

	mu       sync.Mutex
	manifest assets.Manifest
}

func (c *collector) store(ctx context.Context, kind, name string, data []byte, contentType, source string) {
	ctx, cancel := context.WithTimeout(ctx, c.stage.cfg.ArtifactTimeout)
	defer cancel()
	a, err := c.stage.assets.PutArtifact(ctx, c.job.Tenant, c.job.AnalysisID, kind, name, data, contentType)
	if err != nil {
		c.missing(kind, source, err.Error())
		return
	}
	a.SourceURL = source
	telemetry.ObserveArtifact(kind, "stored")
	c.mu.Lock()
	c.manifest.Artifacts = append(c.manifest.Artifacts, a)
	c.mu.Unlock()
}

func (c *collector) missing(kind, source, reason string) {
	c.logger.Debug("artifact missing", zap.String("kind", kind), zap.String("source", source), zap.String("reason", reason))
	telemetry.ObserveArtifact(kind, "missing")
	c.mu.Lock()
	c.manifest.Missing = append(c.manifest.Missing, assets.Missing{Kind: kind, SourceURL: source, Reason: reason})
	c.mu.Unlock()
}

func (c *collector) screenshot(ctx context.Context, session Session) {
	shotCtx, cancel := context.WithTimeout(ctx, c.stage.cfg.ArtifactTimeout)
	png, err := session.Screenshot(shotCtx)
	cancel()
	if err != nil {
		c.missing(assets.KindScreenshot, "", err.Error())
		return
	}
	c.store(ctx, assets.KindScreenshot, "screenshot.png", png, "image/png", "")
}

func (c *collector) linked(ctx context.Context, page Page) {
	base, err := url.Parse(c.manifest.FinalURL)
	if err != nil {
		return
	}
	res, err := extractResources(page.HTML, base)
	if err != nil {
		c.missing(assets.KindStylesheet, "", err.Error())
		return
	}
	for _, css := range res.inlineStyles {
		data := []byte(css)
		c.store(ctx, assets.KindInlineStyle, assets.ContentAddressedName("css", ".css", data), data, "text/css", page.FinalURL)
	}
	if c.stage.downloader == nil {
		return
	}

	type item struct{ kind, url string }
	var items []item
	for _, u := range res.stylesheets {
		items = append(items, item{assets.KindStylesheet, u})
	}
	for _, u := range res.scripts {
		items = append(items, item{assets.KindScript, u})
	}
	if len(items) > c.stage.cfg.MaxLinkedResources {
		for _, skipped := range items[c.stage.cfg.MaxLinkedResources:] {
			c.missing(skipped.kind, skipped.url, "linked resource limit reached")
		}
		items = items[:c.stage.cfg.MaxLinkedResources]
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.stage.cfg.DownloadParallel)
	for _, it := range items {
		g.Go(func() error {
			dir, ext, ct := "css", ".css", "text/css"
			if it.kind == assets.KindScript {
				dir, ext, ct = "js", ".js", "application/javascript"
			}
			res, ok := c.download(gctx, it.kind, it.url)
			if !ok {
				return nil
			}
			if res.ContentType != "" {
				ct = res.ContentType
			}
			c.store(gctx, it.kind, assets.ContentAddressedName(dir, ext, res.Body), res.Body, ct, it.url)
			return nil
		})
	}
	_ = g.Wait()
}

func (c *collector) wellKnown(ctx context.Context, finalURL string) {
	if c.stage.downloader == nil {
		return
	}
	origin, err := url.Parse(finalURL)
	if err != nil {
		return
	}
	for _, wk := range []struct{ kind, path, name, ct string }{
		{assets.KindRobots, "/robots.txt", "robots.txt", "text/plain"},
		{assets.KindSitemap, "/sitemap.xml", "sitemap.xml", "application/xml"},
	} {
		u := url.URL{Scheme: origin.Scheme, Host: origin.Host, Path: wk.path}
		res, ok := c.download(ctx, wk.kind, u.String())
		if !ok {
			continue
		}
		c.store(ctx, wk.kind, wk.name, res.Body, wk.ct, u.String())
	}
}

func (c *collector) download(ctx context.Context, kind, rawURL string) (Resource, bool) {
	ctx, cancel := context.WithTimeout(ctx, c.stage.cfg.ArtifactTimeout)
	defer cancel()
	res, err := c.stage.downloader.Download(ctx, rawURL)
	if err != nil {
		c.missing(kind, rawURL, err.Error())
		return Resource{}, false
	}
	if res.StatusCode != http.StatusOK {
		c.missing(kind, rawURL, fmt.Sprintf("status %d", res.StatusCode))
		return Resource{}, false
	}
	return res, true
}
