package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-auditor/internal/assets"
	"github.com/JakeFAU/site-auditor/internal/audit"
	"github.com/JakeFAU/site-auditor/internal/clock"
	"github.com/JakeFAU/site-auditor/internal/jobqueue"
	"github.com/JakeFAU/site-auditor/internal/storage/memory"
)

const pageHTML = `<html><head>
<title>Home</title>
<style>body{color:red}</style>
<link rel="stylesheet" href="/static/site.css">
<link rel="icon" href="/favicon.ico">
<script src="https://cdn.example.net/app.js"></script>
</head><body><h1>Hello</h1></body></html>`

type fakeSession struct {
	page       Page
	navErr     error
	shot       []byte
	shotErr    error
	closed     *atomic.Int32
	navTimeout *time.Duration
}

func (s *fakeSession) Navigate(ctx context.Context, _ string) (Page, error) {
	if dl, ok := ctx.Deadline(); ok && s.navTimeout != nil {
		*s.navTimeout = time.Until(dl)
	}
	return s.page, s.navErr
}

func (s *fakeSession) Screenshot(context.Context) ([]byte, error) { return s.shot, s.shotErr }

func (s *fakeSession) Close() { s.closed.Add(1) }

type fakeBrowser struct {
	session *fakeSession
	openErr error
	closed  atomic.Int32
}

func (b *fakeBrowser) Open(context.Context) (Session, error) {
	if b.openErr != nil {
		return nil, b.openErr
	}
	b.session.closed = &b.closed
	return b.session, nil
}

type fakeDownloader struct {
	mu        sync.Mutex
	resources map[string]Resource
	requested []string
}

func (d *fakeDownloader) Download(_ context.Context, url string) (Resource, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requested = append(d.requested, url)
	res, ok := d.resources[url]
	if !ok {
		return Resource{URL: url, StatusCode: http.StatusNotFound}, nil
	}
	return res, nil
}

type failingBlobs struct {
	*memory.BlobStore
	failSuffix string
}

func (f failingBlobs) Put(ctx context.Context, path string, data []byte, ct string) error {
	if len(path) >= len(f.failSuffix) && path[len(path)-len(f.failSuffix):] == f.failSuffix {
		return errors.New("disk full")
	}
	return f.BlobStore.Put(ctx, path, data, ct)
}

func okPage() Page {
	return Page{
		RequestedURL: "https://example.com",
		FinalURL:     "https://example.com/",
		StatusCode:   200,
		Headers:      http.Header{"Content-Type": {"text/html"}},
		HTML:         []byte(pageHTML),
	}
}

func newTestStage(browser Browser, dl Downloader, blobs audit.BlobStore, cfg Config) *Stage {
	clk := clock.NewManual(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	return NewStage(cfg, browser, dl, nil, assets.New(blobs), clk, zap.NewNop())
}

var testJob = audit.FetchJob{AnalysisID: "a1", Tenant: "acme", TargetURL: "https://example.com"}

func TestStageCapturesArtifactsAndManifest(t *testing.T) {
	t.Parallel()

	browser := &fakeBrowser{session: &fakeSession{page: okPage(), shot: []byte("png")}}
	dl := &fakeDownloader{resources: map[string]Resource{
		"https://example.com/static/site.css": {StatusCode: 200, ContentType: "text/css", Body: []byte("h1{}")},
		"https://cdn.example.net/app.js":      {StatusCode: 200, Body: []byte("console.log(1)")},
		"https://example.com/robots.txt":      {StatusCode: 200, Body: []byte("User-agent: *")},
	}}
	blobs := memory.NewBlobStore()
	stage := newTestStage(browser, dl, blobs, Config{Screenshot: true})

	ref, err := stage.Run(context.Background(), testJob)
	require.NoError(t, err)
	require.Equal(t, audit.AssetReference("acme/a1/manifest.json"), ref)
	require.EqualValues(t, 1, browser.closed.Load())

	m, err := assets.New(blobs).LoadManifest(context.Background(), ref)
	require.NoError(t, err)
	require.Equal(t, "https://example.com/", m.FinalURL)
	require.Equal(t, 200, m.StatusCode)

	html, ok := m.Find(assets.KindHTML)
	require.True(t, ok)
	require.Equal(t, "acme/a1/page.html", html.Path)
	_, ok = m.Find(assets.KindScreenshot)
	require.True(t, ok)
	require.Len(t, m.FindAll(assets.KindInlineStyle), 1)
	require.Len(t, m.FindAll(assets.KindStylesheet), 1)
	require.Len(t, m.FindAll(assets.KindScript), 1)
	_, ok = m.Find(assets.KindRobots)
	require.True(t, ok)

	require.Len(t, m.Missing, 1)
	require.Equal(t, assets.KindSitemap, m.Missing[0].Kind)
	require.Equal(t, "status 404", m.Missing[0].Reason)

	for _, a := range m.Artifacts {
		require.Contains(t, a.Path, "acme/a1/")
	}
}

func TestStageArtifactFailuresAreNonFatal(t *testing.T) {
	t.Parallel()

	browser := &fakeBrowser{session: &fakeSession{page: okPage(), shotErr: errors.New("gpu crashed")}}
	blobs := failingBlobs{BlobStore: memory.NewBlobStore(), failSuffix: "page.html"}
	stage := newTestStage(browser, nil, blobs, Config{Screenshot: true})

	ref, err := stage.Run(context.Background(), testJob)
	require.NoError(t, err)

	m, err := assets.New(blobs).LoadManifest(context.Background(), ref)
	require.NoError(t, err)
	kinds := map[string]bool{}
	for _, miss := range m.Missing {
		kinds[miss.Kind] = true
	}
	require.True(t, kinds[assets.KindHTML])
	require.True(t, kinds[assets.KindScreenshot])
}

func TestStageManifestFailureIsFatal(t *testing.T) {
	t.Parallel()

	browser := &fakeBrowser{session: &fakeSession{page: okPage()}}
	blobs := failingBlobs{BlobStore: memory.NewBlobStore(), failSuffix: "manifest.json"}
	stage := newTestStage(browser, nil, blobs, Config{})

	_, err := stage.Run(context.Background(), testJob)
	require.True(t, audit.IsFatal(err))
	require.EqualValues(t, 1, browser.closed.Load())
}

func TestStageNavigationErrorClassification(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		kind audit.ErrorKind
	}{
		{"dns", errors.New("page load error net::ERR_NAME_NOT_RESOLVED"), audit.KindFatal},
		{"cert", errors.New("net::ERR_CERT_DATE_INVALID"), audit.KindFatal},
		{"reset", errors.New("net::ERR_CONNECTION_RESET"), audit.KindTransient},
		{"deadline", context.DeadlineExceeded, audit.KindTimeout},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			browser := &fakeBrowser{session: &fakeSession{navErr: tc.err}}
			stage := newTestStage(browser, nil, memory.NewBlobStore(), Config{})
			_, err := stage.Run(context.Background(), testJob)
			require.Equal(t, tc.kind, audit.KindOf(err))
			require.EqualValues(t, 1, browser.closed.Load())
		})
	}
}

func TestStageNavigationTimeoutApplied(t *testing.T) {
	t.Parallel()

	var observed time.Duration
	browser := &fakeBrowser{session: &fakeSession{page: okPage(), navTimeout: &observed}}
	stage := newTestStage(browser, nil, memory.NewBlobStore(), Config{NavigationTimeout: 2 * time.Second})
	_, err := stage.Run(context.Background(), testJob)
	require.NoError(t, err)
	require.Greater(t, observed, time.Duration(0))
	require.LessOrEqual(t, observed, 2*time.Second)
}

func TestStageRejectsBadInput(t *testing.T) {
	t.Parallel()

	browser := &fakeBrowser{session: &fakeSession{page: okPage()}}
	stage := newTestStage(browser, nil, memory.NewBlobStore(), Config{})

	_, err := stage.Run(context.Background(), audit.FetchJob{AnalysisID: "a1", TargetURL: "ftp://example.com"})
	require.True(t, audit.IsFatal(err))
	_, err = stage.Run(context.Background(), audit.FetchJob{AnalysisID: "../x", TargetURL: "https://example.com"})
	require.True(t, audit.IsFatal(err))

	browser.openErr = errors.New("no slots")
	_, err = stage.Run(context.Background(), testJob)
	require.Equal(t, audit.KindTransient, audit.KindOf(err))
	require.Zero(t, browser.closed.Load())
}

func TestStageHandleEncodesResult(t *testing.T) {
	t.Parallel()

	browser := &fakeBrowser{session: &fakeSession{page: okPage()}}
	stage := newTestStage(browser, nil, memory.NewBlobStore(), Config{})

	payload, err := json.Marshal(testJob)
	require.NoError(t, err)
	out, err := stage.Handle(context.Background(), jobqueue.Job{ID: "j1", Queue: "fetch", Payload: payload, Attempt: 1})
	require.NoError(t, err)

	var res audit.FetchResult
	require.NoError(t, json.Unmarshal(out, &res))
	require.Equal(t, audit.AssetReference("acme/a1/manifest.json"), res.Manifest)
	require.Equal(t, 200, res.StatusCode)

	_, err = stage.Handle(context.Background(), jobqueue.Job{Payload: []byte("{")})
	require.True(t, audit.IsFatal(err))
}
