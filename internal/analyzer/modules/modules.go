// Package modules contains the built-in analyzer modules. Each inspects the
// rendered document with goquery and reports findings; none is a complete
// audit engine.
package modules

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/site-auditor/internal/analyzer"
	"github.com/JakeFAU/site-auditor/internal/audit"
)

// ErrNoDocument is returned when the fetch stage stored no HTML.
var ErrNoDocument = errors.New("rendered document not captured")

// Builtins returns every built-in module.
func Builtins() []analyzer.Module {
	return []analyzer.Module{
		Accessibility{},
		Performance{},
		SEO{},
	}
}

func parse(in analyzer.Input) (*goquery.Document, error) {
	if len(in.HTML) == 0 {
		// Not retryable: the artifact will not appear on a later attempt.
		return nil, audit.Fatal(analyzer.StageName, ErrNoDocument)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(in.HTML))
	if err != nil {
		return nil, audit.Fatal(analyzer.StageName, fmt.Errorf("parse html: %w", err))
	}
	return doc, nil
}

func finding(rule string, sev audit.Severity, selector, format string, args ...any) audit.Finding {
	return audit.Finding{RuleID: rule, Severity: sev, Selector: selector, Message: fmt.Sprintf(format, args...)}
}
