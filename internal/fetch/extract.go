package fetch

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

type linkedResources struct {
	inlineStyles []string
	stylesheets  []string
	scripts      []string
}

// extractResources lists inline styles and absolute stylesheet/script URLs
// referenced by the page, deduplicated in document order.
func extractResources(html []byte, base *url.URL) (linkedResources, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return linkedResources{}, fmt.Errorf("parse html: %w", err)
	}
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if u, err := base.Parse(strings.TrimSpace(href)); err == nil {
			base = u
		}
	}

	var out linkedResources
	seen := make(map[string]bool)
	add := func(dst *[]string, ref string) {
		u, ok := resolve(base, ref)
		if !ok || seen[u] {
			return
		}
		seen[u] = true
		*dst = append(*dst, u)
	}

	doc.Find("style").Each(func(_ int, s *goquery.Selection) {
		if css := strings.TrimSpace(s.Text()); css != "" {
			out.inlineStyles = append(out.inlineStyles, css)
		}
	})
	doc.Find("link[href]").Each(func(_ int, s *goquery.Selection) {
		rel := strings.ToLower(s.AttrOr("rel", ""))
		if !strings.Contains(rel, "stylesheet") {
			return
		}
		add(&out.stylesheets, s.AttrOr("href", ""))
	})
	doc.Find("script[src]").Each(func(_ int, s *goquery.Selection) {
		add(&out.scripts, s.AttrOr("src", ""))
	})
	return out, nil
}

func resolve(base *url.URL, ref string) (string, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "data:") || strings.HasPrefix(ref, "javascript:") {
		return "", false
	}
	u, err := base.Parse(ref)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return "", false
	}
	u.Fragment = ""
	return u.String(), true
}
