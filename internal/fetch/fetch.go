// Package fetch runs the fetch stage: it navigates a headless browser to the
// target, captures the rendered page and its linked resources, stores every
// artifact under the analysis namespace, and writes the manifest analyzers
// consume.
package fetch

import (
	"context"
	"net/http"
)

// StageName labels fetch errors, metrics, and logs.
const StageName = "fetch"

// Page is what a browser session captured after navigation.
type Page struct {
	RequestedURL string
	FinalURL     string
	StatusCode   int
	Headers      http.Header
	HTML         []byte
}

// Session is one browser tab. Close must always be called.
type Session interface {
	Navigate(ctx context.Context, url string) (Page, error)
	Screenshot(ctx context.Context) ([]byte, error)
	Close()
}

// Browser hands out sessions, blocking while all slots are in use.
type Browser interface {
	Open(ctx context.Context) (Session, error)
}

// Resource is an auxiliary HTTP download.
type Resource struct {
	URL         string
	StatusCode  int
	ContentType string
	Body        []byte
}

// Downloader fetches auxiliary resources without a browser.
type Downloader interface {
	Download(ctx context.Context, url string) (Resource, error)
}

// Limiter paces requests per host.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}
