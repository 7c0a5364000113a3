package modules

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/site-auditor/internal/analyzer"
	"github.com/JakeFAU/site-auditor/internal/assets"
	"github.com/JakeFAU/site-auditor/internal/audit"
	"github.com/JakeFAU/site-auditor/internal/storage/memory"
)

const cleanPage = `<!doctype html><html lang="en"><head>
<title>Example Domain - a clean page</title>
<meta name="description" content="A carefully written description that is long enough to satisfy the checks.">
<link rel="canonical" href="https://example.com/">
</head><body>
<h1>Welcome</h1><h2>Section</h2>
<img src="/logo.png" alt="Logo">
<label for="q">Search</label><input id="q" type="text">
<a href="/about">About</a>
<button>Go</button>
</body></html>`

const brokenPage = `<html><head>
<meta name="robots" content="noindex,follow">
<script src="/a.js"></script><script src="/b.js"></script><script src="/c.js"></script><script src="/d.js"></script>
<script src="/e.js" defer></script>
</head><body>
<h1>One</h1><h1>Two</h1><h4>Deep</h4>
<img src="/x.png">
<input type="text" name="email">
<a href="/icon"></a>
<button></button>
<div id="dup"></div><span id="dup"></span>
</body></html>`

func rules(findings []audit.Finding) map[string]bool {
	out := map[string]bool{}
	for _, f := range findings {
		out[f.RuleID] = true
	}
	return out
}

func input(html string, m assets.Manifest) analyzer.Input {
	return analyzer.Input{HTML: []byte(html), Manifest: m}
}

func completeManifest() assets.Manifest {
	return assets.Manifest{
		StatusCode: 200,
		Headers:    map[string][]string{"Content-Encoding": {"gzip"}},
		Artifacts: []assets.Artifact{
			{Kind: assets.KindRobots}, {Kind: assets.KindSitemap},
		},
	}
}

func TestSEO(t *testing.T) {
	t.Parallel()

	clean, err := SEO{}.Analyze(context.Background(), input(cleanPage, completeManifest()))
	require.NoError(t, err)
	require.Empty(t, clean)

	broken, err := SEO{}.Analyze(context.Background(), input(brokenPage, assets.Manifest{StatusCode: 404}))
	require.NoError(t, err)
	got := rules(broken)
	for _, rule := range []string{
		"seo.status", "seo.title.missing", "seo.description.missing", "seo.h1.multiple",
		"seo.canonical.missing", "seo.robots.noindex", "seo.lang.missing",
		"seo.robots_txt.missing", "seo.sitemap.missing",
	} {
		require.True(t, got[rule], rule)
	}
}

func TestSEORobotsDisallow(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := assets.New(memory.NewBlobStore())
	robots, err := store.PutArtifact(ctx, "acme", "a-1", assets.KindRobots, "robots.txt",
		[]byte("User-agent: *\nDisallow: /private/\n"), "text/plain")
	require.NoError(t, err)

	m := completeManifest()
	m.Artifacts = append(m.Artifacts, robots)

	m.FinalURL = "https://example.com/private/page"
	blocked, err := SEO{}.Analyze(ctx, analyzer.NewInput(audit.AnalyzerJob{}, m, []byte(cleanPage), store))
	require.NoError(t, err)
	require.True(t, rules(blocked)["seo.robots_txt.blocked"])

	m.FinalURL = "https://example.com/public"
	open, err := SEO{}.Analyze(ctx, analyzer.NewInput(audit.AnalyzerJob{}, m, []byte(cleanPage), store))
	require.NoError(t, err)
	require.Empty(t, open)
}

func TestAccessibility(t *testing.T) {
	t.Parallel()

	clean, err := Accessibility{}.Analyze(context.Background(), input(cleanPage, completeManifest()))
	require.NoError(t, err)
	require.Empty(t, clean)

	broken, err := Accessibility{}.Analyze(context.Background(), input(brokenPage, assets.Manifest{}))
	require.NoError(t, err)
	got := rules(broken)
	for _, rule := range []string{
		"a11y.html-lang", "a11y.image-alt", "a11y.form-label", "a11y.link-name",
		"a11y.button-name", "a11y.duplicate-id", "a11y.heading-order",
	} {
		require.True(t, got[rule], rule)
	}
	for _, f := range broken {
		if f.RuleID == "a11y.image-alt" {
			require.Equal(t, `img[src="/x.png"]`, f.Selector)
		}
	}
}

func TestAccessibilityCapsRepeatedFindings(t *testing.T) {
	t.Parallel()

	page := `<html lang="en"><body>` + strings.Repeat(`<img src="a.png">`, 50) + `</body></html>`
	findings, err := Accessibility{}.Analyze(context.Background(), input(page, assets.Manifest{}))
	require.NoError(t, err)
	require.Len(t, findings, maxPerRule)
}

func TestPerformance(t *testing.T) {
	t.Parallel()

	clean, err := Performance{}.Analyze(context.Background(), input(cleanPage, completeManifest()))
	require.NoError(t, err)
	require.Empty(t, clean)

	m := assets.Manifest{
		Artifacts: []assets.Artifact{{Kind: assets.KindScript, Size: 2 << 20}},
		Missing:   []assets.Missing{{Kind: assets.KindStylesheet, SourceURL: "https://cdn/x.css", Reason: "status 404"}},
	}
	page := brokenPage + strings.Repeat(" ", 11<<10)
	broken, err := Performance{}.Analyze(context.Background(), input(page, m))
	require.NoError(t, err)
	got := rules(broken)
	for _, rule := range []string{"perf.script-weight", "perf.render-blocking", "perf.compression", "perf.resource-unavailable"} {
		require.True(t, got[rule], rule)
	}
}

func TestModulesRequireDocument(t *testing.T) {
	t.Parallel()

	for _, m := range Builtins() {
		_, err := m.Analyze(context.Background(), analyzer.Input{})
		require.True(t, errors.Is(err, ErrNoDocument), m.Name())
		require.True(t, audit.IsFatal(err), m.Name())
		require.NotEmpty(t, m.Description())
	}
}
