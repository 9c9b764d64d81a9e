package assess

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/gustycube/sensorwatch/internal/analytics"
)

// SystemPrompt frames every model conversation.
const SystemPrompt = "You are an expert cybersecurity analyst specializing in network traffic analysis and threat detection."

// DefaultTemplate renders the user message. It receives PromptData.
const DefaultTemplate = `{{.Instructions}}

ANALYTICS WINDOW: last {{.Window}} ({{.Start}} to {{.End}})
TOTAL REQUESTS: {{.TotalRequests}}
{{range .Sections}}
{{.Title}}:
{{range .Entries}}  {{.Key}}: {{.Count}}
{{else}}  (no data)
{{end}}{{end}}
FLAGGED ADDRESSES ({{len .Indicators}}):
{{range .Indicators}}  {{.Address}} [{{.Kind}}] sensors={{join .Sensors ","}} countries={{join .Countries ","}} requests={{.Count}}{{if .FirstSeen}} new{{end}}
{{else}}  none
{{end}}{{if .Partial}}
UNAVAILABLE DIMENSIONS: {{join .Partial ", "}}
{{end}}
Respond with a single ` + "```json" + ` fenced block containing an object with these keys:
  "executive_summary": string
  "risk_level": one of "Low", "Medium", "High", "Critical"
  "key_findings": list of strings
  "recommendations": list of strings
  "confidence": one of "Low", "Medium", "High"
`

// Section is one titled top-N table in the prompt.
type Section struct {
	Title   string
	Entries []analytics.Entry
}

// PromptData is what templates can reference.
type PromptData struct {
	Instructions  string
	Window        string
	Start, End    string
	TotalRequests int64
	Sections      []Section
	Indicators    []analytics.ThreatIndicator
	Partial       []string
}

func newPromptData(instructions string, snap *analytics.Snapshot, topN int) PromptData {
	return PromptData{
		Instructions:  strings.TrimSpace(instructions),
		Window:        snap.Window.String(),
		Start:         snap.Start.UTC().Format(time.RFC3339),
		End:           snap.End.UTC().Format(time.RFC3339),
		TotalRequests: snap.TotalRequests,
		Sections: []Section{
			{Title: "TOP COUNTRIES", Entries: snap.Countries.Top(topN)},
			{Title: "TOP SENSORS", Entries: snap.Sensors.Top(topN)},
			{Title: "TOP NETWORK OPERATORS", Entries: snap.ISPs.Top(topN)},
			{Title: "TOP ADDRESSES", Entries: snap.Addresses.Top(topN)},
		},
		Indicators: snap.Indicators,
		Partial:    partialDimensions(snap),
	}
}

var funcs = template.FuncMap{"join": strings.Join}

// RenderPrompt executes tmpl (DefaultTemplate when empty) over the snapshot. The output depends
// only on its inputs.
func RenderPrompt(tmpl, instructions string, snap *analytics.Snapshot, topN int) (string, error) {
	if snap == nil {
		return "", fmt.Errorf("no snapshot")
	}
	if tmpl == "" {
		tmpl = DefaultTemplate
	}
	if topN <= 0 {
		topN = 10
	}
	t, err := template.New("prompt").Funcs(funcs).Option("missingkey=error").Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("parse prompt template: %w", err)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, newPromptData(instructions, snap, topN)); err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}
	return buf.String(), nil
}
