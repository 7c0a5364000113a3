package modules

import (
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/site-auditor/internal/analyzer"
	"github.com/JakeFAU/site-auditor/internal/audit"
)

// maxPerRule caps repeated findings for one rule.
const maxPerRule = 20

// Accessibility runs a handful of static WCAG checks.
type Accessibility struct{}

// Name implements analyzer.Module.
func (Accessibility) Name() string { return "accessibility" }

// Description implements analyzer.Module.
func (Accessibility) Description() string {
	return "Static accessibility checks: alt text, form labels, link names, document language"
}

// Analyze implements analyzer.Module.
func (Accessibility) Analyze(_ context.Context, in analyzer.Input) ([]audit.Finding, error) {
	doc, err := parse(in)
	if err != nil {
		return nil, err
	}
	var out []audit.Finding
	add := func(rule string, sev audit.Severity, s *goquery.Selection, msg string) {
		n := 0
		for _, f := range out {
			if f.RuleID == rule {
				n++
			}
		}
		if n < maxPerRule {
			out = append(out, audit.Finding{RuleID: rule, Severity: sev, Selector: describe(s), Message: msg})
		}
	}

	if strings.TrimSpace(doc.Find("html").AttrOr("lang", "")) == "" {
		add("a11y.html-lang", audit.SeverityError, doc.Find("html"), "html element must have a lang attribute")
	}

	doc.Find("img").Each(func(_ int, s *goquery.Selection) {
		if _, ok := s.Attr("alt"); !ok && s.AttrOr("role", "") != "presentation" {
			add("a11y.image-alt", audit.SeverityError, s, "image has no alt attribute")
		}
	})

	labelled := map[string]bool{}
	doc.Find("label[for]").Each(func(_ int, s *goquery.Selection) {
		labelled[s.AttrOr("for", "")] = true
	})
	doc.Find("input, select, textarea").Each(func(_ int, s *goquery.Selection) {
		switch strings.ToLower(s.AttrOr("type", "")) {
		case "hidden", "submit", "button", "reset", "image":
			return
		}
		if id, ok := s.Attr("id"); ok && labelled[id] {
			return
		}
		if s.AttrOr("aria-label", "") != "" || s.AttrOr("aria-labelledby", "") != "" || s.ParentsFiltered("label").Length() > 0 {
			return
		}
		add("a11y.form-label", audit.SeverityError, s, "form control has no accessible label")
	})

	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		if strings.TrimSpace(s.Text()) != "" || s.AttrOr("aria-label", "") != "" || s.AttrOr("title", "") != "" {
			return
		}
		if s.Find("img[alt]").FilterFunction(func(_ int, img *goquery.Selection) bool {
			return strings.TrimSpace(img.AttrOr("alt", "")) != ""
		}).Length() > 0 {
			return
		}
		add("a11y.link-name", audit.SeverityWarning, s, "link has no discernible text")
	})

	doc.Find("button").Each(func(_ int, s *goquery.Selection) {
		if strings.TrimSpace(s.Text()) == "" && s.AttrOr("aria-label", "") == "" {
			add("a11y.button-name", audit.SeverityError, s, "button has no discernible text")
		}
	})

	seen := map[string]bool{}
	doc.Find("[id]").Each(func(_ int, s *goquery.Selection) {
		id := s.AttrOr("id", "")
		if seen[id] {
			add("a11y.duplicate-id", audit.SeverityWarning, s, fmt.Sprintf("id %q is not unique", id))
		}
		seen[id] = true
	})

	prev := 0
	doc.Find("h1, h2, h3, h4, h5, h6").Each(func(_ int, s *goquery.Selection) {
		level := int(goquery.NodeName(s)[1] - '0')
		if prev > 0 && level > prev+1 {
			add("a11y.heading-order", audit.SeverityInfo, s, fmt.Sprintf("heading jumps from h%d to h%d", prev, level))
		}
		prev = level
	})
	return out, nil
}

// describe builds a short CSS-like selector for a finding.
func describe(s *goquery.Selection) string {
	if s == nil || s.Length() == 0 {
		return ""
	}
	name := goquery.NodeName(s)
	if id := s.AttrOr("id", ""); id != "" {
		return name + "#" + id
	}
	if class := strings.Fields(s.AttrOr("class", "")); len(class) > 0 {
		return name + "." + class[0]
	}
	for _, attr := range []string{"src", "href", "name"} {
		if v := s.AttrOr(attr, ""); v != "" {
			return fmt.Sprintf("%s[%s=%q]", name, attr, v)
		}
	}
	return name
}
