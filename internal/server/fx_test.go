package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-auditor/internal/audit"
	"github.com/JakeFAU/site-auditor/internal/config"
	"github.com/JakeFAU/site-auditor/internal/fetch"
)

const homePage = `<html lang="en"><head><title>Acme widgets for every workshop</title>
<meta name="description" content="Widgets, gadgets and more for the home workshop.">
</head><body><h1>Acme</h1><img src="/logo.png" alt="Acme logo"></body></html>`

type stubSession struct{}

func (stubSession) Navigate(_ context.Context, url string) (fetch.Page, error) {
	return fetch.Page{
		RequestedURL: url,
		FinalURL:     url,
		StatusCode:   http.StatusOK,
		Headers:      http.Header{"Content-Type": []string{"text/html"}},
		HTML:         []byte(homePage),
	}, nil
}

func (stubSession) Screenshot(context.Context) ([]byte, error) { return []byte("png"), nil }

func (stubSession) Close() {}

type stubBrowser struct{}

func (stubBrowser) Open(context.Context) (fetch.Session, error) { return stubSession{}, nil }

type stubDownloader struct{}

func (stubDownloader) Download(_ context.Context, url string) (fetch.Resource, error) {
	return fetch.Resource{URL: url, StatusCode: http.StatusOK, ContentType: "image/png", Body: []byte("img")}, nil
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.RateLimit.RPS = 0
	cfg.Fetch.Wait = 15 * time.Second
	cfg.Fetch.Timeout = 5 * time.Second
	cfg.Fetch.Screenshot = false
	return cfg
}

func buildTestApp(t *testing.T, cfg config.Config) (*App, error) {
	t.Helper()
	return Build(context.Background(), cfg,
		WithLogger(zap.NewNop()),
		WithBrowser(stubBrowser{}),
		WithDownloader(stubDownloader{}),
		WithRegisterer(prometheus.NewRegistry()),
	)
}

func TestBuildRunsAnalysisEndToEnd(t *testing.T) {
	app, err := buildTestApp(t, testConfig(t))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	app.Start(ctx)
	defer func() { require.NoError(t, app.Close(context.Background())) }()

	id, err := app.Submit(ctx, "https://acme.example/", "")
	require.NoError(t, err)

	status, err := app.Await(ctx, id, 10*time.Millisecond)
	require.NoError(t, err)
	require.True(t, status.Analysis.Status.Terminal())
	require.NotEqual(t, audit.AnalysisFailed, status.Analysis.Status)
	require.Equal(t, "default", status.Analysis.Tenant)
	require.Len(t, status.Modules, 3)

	md, err := app.Report(ctx, id, "de")
	require.NoError(t, err)
	require.Contains(t, md, "Website-Prüfbericht")
	require.Contains(t, md, "https://acme.example/")
}

func TestBuildServesHTTP(t *testing.T) {
	app, err := buildTestApp(t, testConfig(t))
	require.NoError(t, err)
	defer func() { require.NoError(t, app.Close(context.Background())) }()

	srv := httptest.NewServer(app.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/readyz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestBuildSelectsModules(t *testing.T) {
	cfg := testConfig(t)
	cfg.Analyzer.Modules = []string{"seo"}
	app, err := buildTestApp(t, cfg)
	require.NoError(t, err)
	defer func() { require.NoError(t, app.Close(context.Background())) }()

	mods := app.registry.Modules()
	require.Len(t, mods, 1)
	require.Equal(t, "seo", mods[0].Name)
}

func TestBuildRejectsUnknownModule(t *testing.T) {
	cfg := testConfig(t)
	cfg.Analyzer.Modules = []string{"seo", "lighthouse"}
	_, err := buildTestApp(t, cfg)
	require.ErrorContains(t, err, `unknown module "lighthouse"`)
}

func TestBuildLocalAssets(t *testing.T) {
	cfg := testConfig(t)
	cfg.Assets.Backend = "local"
	cfg.Assets.LocalDir = t.TempDir()
	cfg.Queue.JournalDir = t.TempDir()
	app, err := buildTestApp(t, cfg)
	require.NoError(t, err)
	require.NoError(t, app.Close(context.Background()))
}

func TestSubmitRejectsBlockedHost(t *testing.T) {
	cfg := testConfig(t)
	cfg.API.BlockedHosts = []string{"*.internal"}
	app, err := buildTestApp(t, cfg)
	require.NoError(t, err)
	defer func() { require.NoError(t, app.Close(context.Background())) }()

	_, err = app.Submit(context.Background(), "http://db.internal/", "")
	require.ErrorContains(t, err, "blocked")
}
