package report

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/nao1215/markdown"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/JakeFAU/site-auditor/internal/audit"
)

type labels struct {
	title, target, status, created, completed string
	summary, severity, count, total           string
	errors, warnings, info                    string
	modules, module, findings, rule, message  string
	element, noFindings, failed, pending      string
	inProgress                                string
}

var catalog = map[string]labels{
	"en": {
		title: "Site Audit Report", target: "Target", status: "Status", created: "Created", completed: "Completed",
		summary: "Summary", severity: "Severity", count: "Count", total: "Total",
		errors: "Errors", warnings: "Warnings", info: "Info",
		modules: "Modules", module: "Module", findings: "Findings", rule: "Rule", message: "Message",
		element: "Element", noFindings: "No findings.", failed: "Module failed: %s", pending: "Module did not finish (%s).",
		inProgress: "The analysis is still running; results may be incomplete.",
	},
	"de": {
		title: "Website-Prüfbericht", target: "Ziel", status: "Status", created: "Erstellt", completed: "Abgeschlossen",
		summary: "Zusammenfassung", severity: "Schweregrad", count: "Anzahl", total: "Gesamt",
		errors: "Fehler", warnings: "Warnungen", info: "Hinweise",
		modules: "Module", module: "Modul", findings: "Befunde", rule: "Regel", message: "Meldung",
		element: "Element", noFindings: "Keine Befunde.", failed: "Modul fehlgeschlagen: %s", pending: "Modul nicht abgeschlossen (%s).",
		inProgress: "Die Analyse läuft noch; die Ergebnisse sind möglicherweise unvollständig.",
	},
	"es": {
		title: "Informe de auditoría del sitio", target: "Destino", status: "Estado", created: "Creado", completed: "Completado",
		summary: "Resumen", severity: "Gravedad", count: "Cantidad", total: "Total",
		errors: "Errores", warnings: "Advertencias", info: "Información",
		modules: "Módulos", module: "Módulo", findings: "Hallazgos", rule: "Regla", message: "Mensaje",
		element: "Elemento", noFindings: "Sin hallazgos.", failed: "El módulo falló: %s", pending: "El módulo no terminó (%s).",
		inProgress: "El análisis sigue en curso; los resultados pueden estar incompletos.",
	},
	"fr": {
		title: "Rapport d'audit du site", target: "Cible", status: "Statut", created: "Créé", completed: "Terminé",
		summary: "Résumé", severity: "Gravité", count: "Nombre", total: "Total",
		errors: "Erreurs", warnings: "Avertissements", info: "Informations",
		modules: "Modules", module: "Module", findings: "Constats", rule: "Règle", message: "Message",
		element: "Élément", noFindings: "Aucun constat.", failed: "Échec du module : %s", pending: "Module non terminé (%s).",
		inProgress: "L'analyse est toujours en cours ; les résultats peuvent être incomplets.",
	},
}

const timeLayout = "2006-01-02 15:04:05 MST"

// Render writes res as Markdown in lang. lang is normalized first.
func Render(res Result, lang string) (string, error) {
	lang = NormalizeLang(lang)
	l := catalog[lang]
	title := cases.Title(language.Make(lang))

	var buf bytes.Buffer
	md := markdown.NewMarkdown(&buf)

	md.H1(l.title)
	md.PlainText("")
	rows := [][]string{
		{l.status, string(res.Analysis.Status)},
		{l.created, res.Analysis.CreatedAt.UTC().Format(timeLayout)},
	}
	if res.Analysis.CompletedAt != nil {
		rows = append(rows, []string{l.completed, res.Analysis.CompletedAt.UTC().Format(timeLayout)})
	}
	md.Table(markdown.TableSet{Header: []string{l.target, "`" + res.Analysis.TargetURL + "`"}, Rows: rows})
	md.PlainText("")

	if !res.Final() {
		md.Note(l.inProgress)
		md.PlainText("")
	}

	md.H2(l.summary)
	md.PlainText("")
	md.Table(markdown.TableSet{
		Header: []string{l.severity, l.count},
		Rows: [][]string{
			{l.errors, strconv.Itoa(res.Summary.Errors)},
			{l.warnings, strconv.Itoa(res.Summary.Warnings)},
			{l.info, strconv.Itoa(res.Summary.Info)},
			{"**" + l.total + "**", "**" + strconv.Itoa(res.Summary.Total()) + "**"},
		},
	})
	md.PlainText("")

	md.H2(l.modules)
	md.PlainText("")
	for _, m := range res.Modules {
		md.H3(title.String(m.Module))
		md.PlainText("")
		switch m.Status {
		case audit.JobFailed:
			md.Warningf(l.failed, m.ErrorMessage)
			md.PlainText("")
			continue
		case audit.JobPending, audit.JobRunning:
			md.Notef(l.pending, m.Status)
			md.PlainText("")
			continue
		}
		if len(m.Findings) == 0 {
			md.PlainText(l.noFindings)
			md.PlainText("")
			continue
		}
		md.Table(markdown.TableSet{
			Header: []string{l.severity, l.rule, l.message, l.element},
			Rows:   findingRows(m.Findings),
		})
		md.PlainText("")
	}

	if err := md.Build(); err != nil {
		return "", fmt.Errorf("render report: %w", err)
	}
	return buf.String(), nil
}

func findingRows(findings []audit.Finding) [][]string {
	rows := make([][]string, len(findings))
	for i, f := range findings {
		sel := f.Selector
		if sel == "" {
			sel = "-"
		} else {
			sel = "`" + sel + "`"
		}
		rows[i] = []string{string(f.Severity), f.RuleID, escapeCell(f.Message), sel}
	}
	return rows
}

func escapeCell(s string) string {
	return strings.NewReplacer("|", `\|`, "\n", " ").Replace(s)
}
