package assets

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/site-auditor/internal/audit"
	"github.com/JakeFAU/site-auditor/internal/storage/memory"
)

func TestPrefix(t *testing.T) {
	t.Parallel()

	p, err := Prefix("acme", "a1")
	require.NoError(t, err)
	require.Equal(t, "acme/a1", p)

	p, err = Prefix("", "a1")
	require.NoError(t, err)
	require.Equal(t, "default/a1", p)

	for _, bad := range [][2]string{{"acme", ""}, {"..", "a1"}, {"acme", "a/b"}, {`a\b`, "a1"}} {
		_, err := Prefix(bad[0], bad[1])
		require.ErrorIs(t, err, ErrInvalidSegment, "%v", bad)
	}
}

func TestArtifactsStayInsideNamespace(t *testing.T) {
	t.Parallel()
	blobs := memory.NewBlobStore()
	s := New(blobs)
	ctx := context.Background()

	a, err := s.PutArtifact(ctx, "acme", "a1", KindHTML, "../../other/page.html", []byte("<html>"), "text/html")
	require.NoError(t, err)
	require.Equal(t, "acme/a1/other/page.html", a.Path)
	require.Equal(t, 6, a.Size)
	require.Len(t, a.SHA256, 64)

	got, err := s.Read(ctx, a)
	require.NoError(t, err)
	require.Equal(t, "<html>", string(got))
	require.Equal(t, []string{"acme/a1/other/page.html"}, blobs.Keys("acme/"))
}

func TestContentAddressedName(t *testing.T) {
	t.Parallel()

	a := ContentAddressedName("css", ".css", []byte("body{}"))
	b := ContentAddressedName("css", ".css", []byte("body{}"))
	c := ContentAddressedName("css", ".css", []byte("p{}"))
	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
	require.Regexp(t, `^css/[0-9a-f]{16}\.css$`, a)
}

func TestManifestRoundTrip(t *testing.T) {
	t.Parallel()
	s := New(memory.NewBlobStore())
	ctx := context.Background()

	m := Manifest{
		AnalysisID: "a1",
		Tenant:     "acme",
		TargetURL:  "https://example.com",
		FinalURL:   "https://example.com/",
		StatusCode: 200,
		FetchedAt:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Artifacts: []Artifact{
			{Kind: KindHTML, Path: "acme/a1/page.html"},
			{Kind: KindStylesheet, Path: "acme/a1/css/1.css"},
			{Kind: KindStylesheet, Path: "acme/a1/css/2.css"},
		},
		Missing: []Missing{{Kind: KindScreenshot, Reason: "timeout"}},
	}
	ref, err := s.PutManifest(ctx, m)
	require.NoError(t, err)
	want, err := ManifestRef("acme", "a1")
	require.NoError(t, err)
	require.Equal(t, want, ref)

	loaded, err := s.LoadManifest(ctx, ref)
	require.NoError(t, err)
	require.Equal(t, m, loaded)

	html, ok := loaded.Find(KindHTML)
	require.True(t, ok)
	require.Equal(t, "acme/a1/page.html", html.Path)
	require.Len(t, loaded.FindAll(KindStylesheet), 2)
	_, ok = loaded.Find(KindScript)
	require.False(t, ok)

	_, err = s.LoadManifest(ctx, "acme/none/manifest.json")
	require.ErrorIs(t, err, audit.ErrNotFound)
}

func TestFindings(t *testing.T) {
	t.Parallel()
	s := New(memory.NewBlobStore())
	ctx := context.Background()

	findings := []audit.Finding{{Module: "seo", RuleID: "title-missing", Severity: audit.SeverityError, Message: "no title"}}
	p, err := s.PutFindings(ctx, "acme", "a1", "seo", findings)
	require.NoError(t, err)
	require.Equal(t, "acme/a1/findings/seo.json", p)

	got, err := s.LoadFindings(ctx, "acme", "a1", "seo")
	require.NoError(t, err)
	require.Equal(t, findings, got)

	_, err = s.PutFindings(ctx, "acme", "a1", "performance", nil)
	require.NoError(t, err)
	empty, err := s.LoadFindings(ctx, "acme", "a1", "performance")
	require.NoError(t, err)
	require.Empty(t, empty)

	_, err = s.LoadFindings(ctx, "acme", "a1", "accessibility")
	require.ErrorIs(t, err, audit.ErrNotFound)
}
