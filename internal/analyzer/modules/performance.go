package modules

import (
	"context"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/site-auditor/internal/analyzer"
	"github.com/JakeFAU/site-auditor/internal/assets"
	"github.com/JakeFAU/site-auditor/internal/audit"
)

// Thresholds for the performance module.
const (
	maxDocumentBytes   = 500 << 10
	maxScriptBytes     = 1 << 20
	maxStylesheetBytes = 300 << 10
	maxBlockingScripts = 3
)

// Performance inspects payload sizes and render-blocking resources.
type Performance struct{}

// Name implements analyzer.Module.
func (Performance) Name() string { return "performance" }

// Description implements analyzer.Module.
func (Performance) Description() string {
	return "Page weight, render-blocking resources, compression, and image hints"
}

// Analyze implements analyzer.Module.
func (Performance) Analyze(_ context.Context, in analyzer.Input) ([]audit.Finding, error) {
	doc, err := parse(in)
	if err != nil {
		return nil, err
	}
	var out []audit.Finding

	if n := len(in.HTML); n > maxDocumentBytes {
		out = append(out, finding("perf.document-size", audit.SeverityWarning, "", "document is %d KiB", n>>10))
	}
	if total := sumSize(in.Manifest.FindAll(assets.KindScript)); total > maxScriptBytes {
		out = append(out, finding("perf.script-weight", audit.SeverityWarning, "", "scripts total %d KiB", total>>10))
	}
	styles := sumSize(in.Manifest.FindAll(assets.KindStylesheet)) + sumSize(in.Manifest.FindAll(assets.KindInlineStyle))
	if styles > maxStylesheetBytes {
		out = append(out, finding("perf.style-weight", audit.SeverityWarning, "", "styles total %d KiB", styles>>10))
	}

	blocking := doc.Find("head script[src]").FilterFunction(func(_ int, s *goquery.Selection) bool {
		_, async := s.Attr("async")
		_, deferred := s.Attr("defer")
		return !async && !deferred && s.AttrOr("type", "") != "module"
	}).Length()
	if blocking > maxBlockingScripts {
		out = append(out, finding("perf.render-blocking", audit.SeverityWarning, "head script[src]", "%d render-blocking scripts in head", blocking))
	}

	lazy := 0
	doc.Find("img").Each(func(_ int, s *goquery.Selection) {
		if s.AttrOr("loading", "") != "lazy" {
			lazy++
		}
	})
	if lazy > 10 {
		out = append(out, finding("perf.lazy-images", audit.SeverityInfo, "img", "%d images load eagerly; consider loading=\"lazy\"", lazy))
	}

	if enc := headerValue(in.Manifest.Headers, "Content-Encoding"); enc == "" && len(in.HTML) > 10<<10 {
		out = append(out, finding("perf.compression", audit.SeverityInfo, "", "document served without content encoding"))
	}
	for _, m := range in.Manifest.Missing {
		if m.Kind == assets.KindScript || m.Kind == assets.KindStylesheet {
			out = append(out, finding("perf.resource-unavailable", audit.SeverityInfo, "", "%s %s unavailable: %s", m.Kind, m.SourceURL, m.Reason))
		}
	}
	return out, nil
}

func sumSize(artifacts []assets.Artifact) int {
	total := 0
	for _, a := range artifacts {
		total += a.Size
	}
	return total
}

func headerValue(h map[string][]string, key string) string {
	for k, v := range h {
		if strings.EqualFold(k, key) && len(v) > 0 {
			return v[0]
		}
	}
	return ""
}
