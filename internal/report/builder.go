package report

import (
	"context"
	"errors"
	"fmt"

	"github.com/JakeFAU/site-auditor/internal/assets"
	"github.com/JakeFAU/site-auditor/internal/audit"
)

// ModuleResult is one analyzer's outcome.
type ModuleResult struct {
	Module       string          `json:"module"`
	Status       audit.JobStatus `json:"status"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Findings     []audit.Finding `json:"findings"`
}

// Summary counts findings by severity.
type Summary struct {
	Errors   int `json:"errors"`
	Warnings int `json:"warnings"`
	Info     int `json:"info"`
}

// Total returns the number of findings.
func (s Summary) Total() int { return s.Errors + s.Warnings + s.Info }

func (s *Summary) add(f audit.Finding) {
	switch f.Severity {
	case audit.SeverityError:
		s.Errors++
	case audit.SeverityWarning:
		s.Warnings++
	default:
		s.Info++
	}
}

// Result is the assembled analysis result.
type Result struct {
	Analysis audit.Analysis `json:"analysis"`
	Modules  []ModuleResult `json:"modules"`
	Summary  Summary        `json:"summary"`
}

// Final reports whether the analysis reached a terminal status, after
// which the result no longer changes.
func (r Result) Final() bool { return r.Analysis.Status.Terminal() }

// Builder assembles results.
type Builder struct {
	store  audit.Store
	assets *assets.Store
}

// NewBuilder creates a Builder.
func NewBuilder(store audit.Store, assetStore *assets.Store) *Builder {
	return &Builder{store: store, assets: assetStore}
}

// Build reads the analysis, its module records, and the findings of every
// completed module.
func (b *Builder) Build(ctx context.Context, analysisID string) (Result, error) {
	analysis, err := b.store.GetAnalysis(ctx, analysisID)
	if err != nil {
		return Result{}, fmt.Errorf("load analysis: %w", err)
	}
	records, err := b.store.ListJobRecords(ctx, analysisID)
	if err != nil {
		return Result{}, fmt.Errorf("list job records: %w", err)
	}

	res := Result{Analysis: analysis, Modules: make([]ModuleResult, 0, len(records))}
	for _, r := range records {
		if r.Module == audit.FetchModuleName {
			continue
		}
		mr := ModuleResult{Module: r.Module, Status: r.Status, ErrorMessage: r.ErrorMessage, Findings: []audit.Finding{}}
		if r.Status == audit.JobCompleted {
			findings, err := b.assets.LoadFindings(ctx, analysis.Tenant, analysisID, r.Module)
			switch {
			case errors.Is(err, audit.ErrNotFound):
			case err != nil:
				return Result{}, fmt.Errorf("load findings: %w", err)
			default:
				mr.Findings = findings
			}
		}
		for _, f := range mr.Findings {
			res.Summary.add(f)
		}
		res.Modules = append(res.Modules, mr)
	}
	return res, nil
}
