// Package report assembles the final result of an analysis from its status
// rows and the findings each analyzer persisted, and renders it as a
// localized Markdown summary.
package report
