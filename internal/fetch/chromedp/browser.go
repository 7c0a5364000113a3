// Package headless provides fetch.Browser sessions backed by chromedp.
package headless

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/site-auditor/internal/fetch"
)

// Config controls the headless browser.
type Config struct {
	MaxParallel    int
	UserAgent      string
	Headers        http.Header
	ViewportWidth  int64
	ViewportHeight int64
	// SettleDelay is how long to wait after the body is ready so late
	// scripts can mutate the DOM.
	SettleDelay time.Duration
	// ExecPath overrides the Chrome binary; empty uses the default lookup.
	ExecPath string
}

// Browser implements fetch.Browser on a shared Chrome allocator.
type Browser struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

var _ fetch.Browser = (*Browser)(nil)

// New starts an allocator. Chrome itself launches lazily on the first Open.
func New(cfg Config) (*Browser, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.ViewportWidth <= 0 {
		cfg.ViewportWidth = 1366
	}
	if cfg.ViewportHeight <= 0 {
		cfg.ViewportHeight = 768
	}
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.WindowSize(int(cfg.ViewportWidth), int(cfg.ViewportHeight)),
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Browser{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close shuts Chrome down.
func (b *Browser) Close() {
	b.allocCancel()
}

// Open waits for a free slot and opens a tab.
func (b *Browser) Open(ctx context.Context) (fetch.Session, error) {
	if err := b.acquire(ctx); err != nil {
		return nil, err
	}
	tabCtx, tabCancel := chromedp.NewContext(b.allocator)
	meta := newResponseMeta()
	chromedp.ListenTarget(tabCtx, meta.captureEvent)

	if err := chromedp.Run(tabCtx, b.setupAction()); err != nil {
		tabCancel()
		b.release()
		return nil, fmt.Errorf("start tab: %w", err)
	}
	return &session{browser: b, tab: tabCtx, cancel: tabCancel, meta: meta}, nil
}

func (b *Browser) setupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if b.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(b.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(b.cfg.Headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(b.cfg.Headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

func (b *Browser) acquire(ctx context.Context) error {
	if b.limiter == nil {
		return nil
	}
	select {
	case b.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (b *Browser) release() {
	if b.limiter == nil {
		return
	}
	select {
	case <-b.limiter:
	default:
	}
}

type session struct {
	browser *Browser
	tab     context.Context
	cancel  context.CancelFunc
	meta    *responseMeta
	once    sync.Once
}

// bind derives a tab context that honors ctx's deadline and cancellation.
func (s *session) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithCancel(s.tab)
	if dl, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		runCtx, cancelDeadline = context.WithDeadline(runCtx, dl)
		prev := cancel
		cancel = func() { cancelDeadline(); prev() }
	}
	stop := context.AfterFunc(ctx, cancel)
	return runCtx, func() { stop(); cancel() }
}

func (s *session) Navigate(ctx context.Context, url string) (fetch.Page, error) {
	runCtx, cancel := s.bind(ctx)
	defer cancel()

	var html, finalURL string
	actions := []chromedp.Action{
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	}
	if s.browser.cfg.SettleDelay > 0 {
		actions = append(actions, chromedp.Sleep(s.browser.cfg.SettleDelay))
	}
	actions = append(actions,
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return fetch.Page{}, fmt.Errorf("chromedp run: %w", ctx.Err())
		}
		return fetch.Page{}, fmt.Errorf("chromedp run: %w", err)
	}

	status, headers, responseURL := s.meta.snapshotWithFallbacks(url, finalURL)
	if finalURL == "" {
		finalURL = responseURL
	}
	if headers == nil {
		headers = http.Header{}
	}
	return fetch.Page{
		RequestedURL: url,
		FinalURL:     finalURL,
		StatusCode:   status,
		Headers:      headers,
		HTML:         []byte(html),
	}, nil
}

func (s *session) Screenshot(ctx context.Context) ([]byte, error) {
	runCtx, cancel := s.bind(ctx)
	defer cancel()

	var buf []byte
	// quality 100 yields PNG
	if err := chromedp.Run(runCtx, chromedp.FullScreenshot(&buf, 100)); err != nil {
		return nil, fmt.Errorf("screenshot: %w", err)
	}
	return buf, nil
}

func (s *session) Close() {
	s.once.Do(func() {
		s.cancel()
		s.browser.release()
	})
}

type responseMeta struct {
	mu      sync.RWMutex
	status  int
	headers http.Header
	url     string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{
		headers: http.Header{},
	}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range event.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []string:
			for _, entry := range v {
				headers.Add(key, entry)
			}
		case []interface{}:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	m.mu.Lock()
	m.status = int(event.Response.Status)
	m.headers = headers
	m.url = event.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

// snapshotWithFallbacks reports the last document response, defaulting to
// 200 and the browser location when no response event was seen.
func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, http.Header, string) {
	m.mu.RLock()
	status, headers, url := m.status, m.headers.Clone(), m.url
	m.mu.RUnlock()

	switch {
	case url != "":
	case finalURL != "":
		url = finalURL
	default:
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	return status, headers, url
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		switch len(values) {
		case 0:
		case 1:
			headers[key] = values[0]
		default:
			headers[key] = append([]string(nil), values...)
		}
	}
	return headers
}
