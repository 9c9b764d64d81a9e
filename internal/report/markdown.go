package report

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/gustycube/sensorwatch/internal/analytics"
)

func renderMarkdown(w io.Writer, doc Document, topN int) error {
	s, a := doc.Snapshot, doc.Assessment
	var b strings.Builder

	fmt.Fprintf(&b, "# Sensor Traffic Security Report\n\n")
	fmt.Fprintf(&b, "Generated %s for the last %s (%s to %s).\n\n",
		doc.GeneratedAt.Format(time.RFC3339), s.Window, s.Start.UTC().Format(time.RFC3339), s.End.UTC().Format(time.RFC3339))

	fmt.Fprintf(&b, "## Executive Summary\n\n%s\n\n", a.ExecutiveSummary)
	fmt.Fprintf(&b, "| Risk level | Confidence | Method | Total requests |\n|---|---|---|---|\n")
	fmt.Fprintf(&b, "| %s | %s | %s | %d |\n\n", a.RiskLevel, a.Confidence, a.Method, s.TotalRequests)
	if a.ModelError != "" {
		fmt.Fprintf(&b, "> Model analysis unavailable: %s\n\n", escape(a.ModelError))
	}

	list(&b, "Key Findings", a.Findings)
	list(&b, "Recommendations", a.Recommendations)

	b.WriteString("## Remediation Commands\n\n```sh\n")
	for _, c := range a.Commands {
		b.WriteString(c + "\n")
	}
	b.WriteString("```\n\n")

	b.WriteString("## Threat Indicators\n\n")
	if len(s.Indicators) == 0 {
		b.WriteString("No addresses matched a threat rule.\n\n")
	} else {
		b.WriteString("| Address | Rule | Sensors | Countries | Requests | New |\n|---|---|---|---|---|---|\n")
		for _, ind := range s.Indicators {
			fmt.Fprintf(&b, "| %s | %s | %s | %s | %d | %s |\n", ind.Address, ind.Kind,
				escape(strings.Join(ind.Sensors, ", ")), escape(strings.Join(ind.Countries, ", ")), ind.Count, yesNo(ind.FirstSeen))
		}
		b.WriteString("\n")
	}

	table(&b, "Top Countries", &s.Countries, s.TotalRequests, topN)
	table(&b, "Top Sensors", &s.Sensors, s.TotalRequests, topN)
	table(&b, "Top Network Operators", &s.ISPs, s.TotalRequests, topN)
	table(&b, "Top Addresses", &s.Addresses, s.TotalRequests, topN)

	if len(s.Partial) > 0 {
		b.WriteString("## Data Gaps\n\n")
		for _, p := range s.Partial {
			fmt.Fprintf(&b, "- %s\n", escape(p.Error()))
		}
		b.WriteString("\n")
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func list(b *strings.Builder, title string, items []string) {
	fmt.Fprintf(b, "## %s\n\n", title)
	for i, it := range items {
		fmt.Fprintf(b, "%d. %s\n", i+1, it)
	}
	b.WriteString("\n")
}

func table(b *strings.Builder, title string, d *analytics.Distribution, total int64, topN int) {
	fmt.Fprintf(b, "## %s\n\n", title)
	if d.Len() == 0 {
		b.WriteString("No data.\n\n")
		return
	}
	b.WriteString("| Name | Requests | Share |\n|---|---|---|\n")
	for _, e := range d.Top(topN) {
		share := 0.0
		if total > 0 {
			share = 100 * float64(e.Count) / float64(total)
		}
		fmt.Fprintf(b, "| %s | %d | %.1f%% |\n", escape(e.Key), e.Count, share)
	}
	b.WriteString("\n")
}

func escape(s string) string {
	s = strings.ReplaceAll(s, "|", `\|`)
	return strings.ReplaceAll(s, "\n", " ")
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}
