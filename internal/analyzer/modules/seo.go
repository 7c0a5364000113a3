package modules

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/temoto/robotstxt"

	"github.com/JakeFAU/site-auditor/internal/analyzer"
	"github.com/JakeFAU/site-auditor/internal/assets"
	"github.com/JakeFAU/site-auditor/internal/audit"
)

const (
	minTitle       = 10
	maxTitle       = 60
	minDescription = 50
	maxDescription = 160
)

// SEO checks titles, meta descriptions, headings, canonical links, and
// crawlability hints.
type SEO struct{}

// Name implements analyzer.Module.
func (SEO) Name() string { return "seo" }

// Description implements analyzer.Module.
func (SEO) Description() string {
	return "Search engine optimization: title, description, headings, canonical, robots"
}

// Analyze implements analyzer.Module.
func (SEO) Analyze(ctx context.Context, in analyzer.Input) ([]audit.Finding, error) {
	doc, err := parse(in)
	if err != nil {
		return nil, err
	}
	var out []audit.Finding

	if in.Manifest.StatusCode >= http.StatusBadRequest {
		out = append(out, finding("seo.status", audit.SeverityError, "", "page responded with HTTP %d", in.Manifest.StatusCode))
	}

	title := strings.TrimSpace(doc.Find("head title").First().Text())
	switch n := len([]rune(title)); {
	case n == 0:
		out = append(out, finding("seo.title.missing", audit.SeverityError, "head > title", "document has no title"))
	case n < minTitle:
		out = append(out, finding("seo.title.short", audit.SeverityWarning, "head > title", "title is %d characters; aim for %d-%d", n, minTitle, maxTitle))
	case n > maxTitle:
		out = append(out, finding("seo.title.long", audit.SeverityWarning, "head > title", "title is %d characters; aim for %d-%d", n, minTitle, maxTitle))
	}

	desc, ok := doc.Find(`meta[name="description"]`).First().Attr("content")
	desc = strings.TrimSpace(desc)
	switch n := len([]rune(desc)); {
	case !ok || n == 0:
		out = append(out, finding("seo.description.missing", audit.SeverityWarning, `meta[name="description"]`, "meta description is missing"))
	case n < minDescription || n > maxDescription:
		out = append(out, finding("seo.description.length", audit.SeverityInfo, `meta[name="description"]`, "meta description is %d characters; aim for %d-%d", n, minDescription, maxDescription))
	}

	switch h1 := doc.Find("h1").Length(); {
	case h1 == 0:
		out = append(out, finding("seo.h1.missing", audit.SeverityWarning, "h1", "page has no h1 heading"))
	case h1 > 1:
		out = append(out, finding("seo.h1.multiple", audit.SeverityInfo, "h1", "page has %d h1 headings", h1))
	}

	if doc.Find(`link[rel="canonical"][href]`).Length() == 0 {
		out = append(out, finding("seo.canonical.missing", audit.SeverityInfo, `link[rel="canonical"]`, "no canonical link"))
	}

	doc.Find(`meta[name="robots"]`).Each(func(_ int, s *goquery.Selection) {
		if strings.Contains(strings.ToLower(s.AttrOr("content", "")), "noindex") {
			out = append(out, finding("seo.robots.noindex", audit.SeverityWarning, `meta[name="robots"]`, "page is marked noindex"))
		}
	})

	if lang := strings.TrimSpace(doc.Find("html").AttrOr("lang", "")); lang == "" {
		out = append(out, finding("seo.lang.missing", audit.SeverityInfo, "html", "html element has no lang attribute"))
	}

	if robots, ok := in.Manifest.Find(assets.KindRobots); !ok {
		out = append(out, finding("seo.robots_txt.missing", audit.SeverityInfo, "", "robots.txt not found"))
	} else if f, blocked := robotsBlocked(ctx, in, robots); blocked {
		out = append(out, f)
	}
	if _, ok := in.Manifest.Find(assets.KindSitemap); !ok {
		out = append(out, finding("seo.sitemap.missing", audit.SeverityInfo, "", "sitemap.xml not found"))
	}
	return out, nil
}

// robotsBlocked reports whether robots.txt disallows the page for generic
// crawlers. An unreadable or unparsable file is not a finding.
func robotsBlocked(ctx context.Context, in analyzer.Input, a assets.Artifact) (audit.Finding, bool) {
	body, err := in.Read(ctx, a)
	if err != nil {
		return audit.Finding{}, false
	}
	data, err := robotstxt.FromBytes(body)
	if err != nil {
		return audit.Finding{}, false
	}
	page := in.Manifest.FinalURL
	if page == "" {
		page = in.Manifest.TargetURL
	}
	path := "/"
	if u, err := url.Parse(page); err == nil && u.EscapedPath() != "" {
		path = u.EscapedPath()
	}
	if data.TestAgent(path, "*") {
		return audit.Finding{}, false
	}
	return finding("seo.robots_txt.blocked", audit.SeverityError, "", "robots.txt disallows %s for all crawlers", path), true
}
