package audit

import "fmt"

var analysisEdges = map[AnalysisStatus][]AnalysisStatus{
	AnalysisPending:    {AnalysisProcessing, AnalysisFailed},
	AnalysisProcessing: {AnalysisCompleted, AnalysisCompletedWithErrors},
}

// CanTransition reports whether from -> to is an edge of the status DAG.
func CanTransition(from, to AnalysisStatus) bool {
	for _, next := range analysisEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns ErrInvalidTransition for edges outside the DAG.
func ValidateTransition(from, to AnalysisStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// TerminalFor picks the aggregate status for a set of terminal job records.
func TerminalFor(records []JobRecord) AnalysisStatus {
	for _, r := range records {
		if r.Status == JobFailed {
			return AnalysisCompletedWithErrors
		}
	}
	return AnalysisCompleted
}
