// Package collyfetch implements fetch.Downloader using gocolly.
package collyfetch

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/site-auditor/internal/fetch"
)

// Config controls collector behavior.
type Config struct {
	UserAgent   string
	Timeout     time.Duration
	MaxBodySize int
}

// Downloader implements fetch.Downloader with a shared colly collector.
type Downloader struct {
	cfg           Config
	baseCollector *colly.Collector
}

var _ fetch.Downloader = (*Downloader)(nil)

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Downloader.
func New(cfg Config) *Downloader {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = 5 << 20
	}
	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(newHTTPTransport())
	c.AllowURLRevisit = true
	c.IgnoreRobotsTxt = true
	c.ParseHTTPErrorResponse = true
	c.MaxBodySize = cfg.MaxBodySize
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.SetRequestTimeout(cfg.Timeout)

	return &Downloader{cfg: cfg, baseCollector: c}
}

// Download performs a GET and reports the response even for error statuses.
func (d *Downloader) Download(ctx context.Context, url string) (fetch.Resource, error) {
	var (
		result   fetch.Resource
		fetchErr error
	)
	collector := d.buildCollector(ctx, &result, &fetchErr)
	if err := runCollector(ctx, collector, url, &fetchErr); err != nil {
		return fetch.Resource{}, err
	}
	if result.URL == "" {
		result.URL = url
	}
	return result, nil
}

func (d *Downloader) buildCollector(ctx context.Context, result *fetch.Resource, fetchErr *error) *colly.Collector {
	collector := d.baseCollector.Clone()
	if dl, ok := ctx.Deadline(); ok {
		if remaining := time.Until(dl); remaining > 0 && remaining < d.cfg.Timeout {
			collector.SetRequestTimeout(remaining)
		}
	}
	configureCollectorHooks(collector, result, fetchErr)
	return collector
}

func configureCollectorHooks(hooks collectorHooks, result *fetch.Resource, fetchErr *error) {
	hooks.OnResponse(func(r *colly.Response) {
		*result = fetch.Resource{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Body:       append([]byte(nil), r.Body...),
		}
		if r.Headers != nil {
			result.ContentType = r.Headers.Get("Content-Type")
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly download canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
