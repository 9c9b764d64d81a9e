package ui

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/gustycube/sensorwatch/internal/analytics"
	"github.com/gustycube/sensorwatch/internal/pipeline"
	"github.com/gustycube/sensorwatch/internal/rpc"
)

// PrintRun writes a human summary of a finished run.
func PrintRun(w io.Writer, run *pipeline.Run) {
	fmt.Fprintf(w, "Run %s: %s in %s\n", run.ID, strings.ToUpper(string(run.Status)), run.Duration().Truncate(time.Millisecond))
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, st := range run.Stages {
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\n", st.Stage, st.Status, st.Duration.Truncate(time.Millisecond), st.Detail)
	}
	tw.Flush()

	if run.Error != "" {
		fmt.Fprintf(w, "Error (%s): %s\n", run.ErrorKind, run.Error)
	}
	if s := run.Snapshot; s != nil {
		fmt.Fprintf(w, "Requests: %d over %s, %d flagged addresses\n", s.TotalRequests, s.Window, len(s.Flagged()))
	}
	if a := run.Assessment; a != nil {
		fmt.Fprintf(w, "Risk: %s (%s, confidence %s)\n", a.RiskLevel, a.Method, a.Confidence)
		fmt.Fprintf(w, "Summary: %s\n", a.ExecutiveSummary)
		if len(a.Commands) > 0 {
			fmt.Fprintln(w, "Commands:")
			for _, c := range a.Commands {
				fmt.Fprintf(w, "  %s\n", c)
			}
		}
	}
	if run.Artifact != nil {
		kind := "report"
		if run.Artifact.Minimal {
			kind = "minimal report"
		}
		fmt.Fprintf(w, "Wrote %s to %s (uploaded: %t)\n", kind, run.Artifact.Dir, run.Uploaded)
	}
}

// PrintStatus writes a status query result.
func PrintStatus(w io.Writer, st pipeline.Status) {
	fmt.Fprintln(w, st.Message)
	if st.NextRun != nil {
		fmt.Fprintf(w, "Next run: %s\n", st.NextRun.Format(time.RFC3339))
	}
	if st.Error != "" {
		fmt.Fprintf(w, "Error: %s\n", st.Error)
	}
}

// PrintCapabilities lists what the backend advertised during the handshake.
func PrintCapabilities(w io.Writer, info *rpc.ServerInfo, caps []rpc.Capability) {
	if info != nil {
		fmt.Fprintf(w, "%s %s (protocol %s)\n", info.Name, info.Version, info.ProtocolVersion)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, c := range caps {
		fmt.Fprintf(tw, "  %s\t%s\n", c.Name, firstLine(c.Description))
	}
	tw.Flush()
}

// PrintEntries writes drill-down rows, newest first as returned by the backend.
func PrintEntries(w io.Writer, rows []analytics.LogEntry) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tADDRESS\tSENSOR\tCOUNTRY\tCITY\tISP")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", r.Timestamp, r.IP, r.Sensor, r.CountryCode, r.City, r.ISP)
	}
	tw.Flush()
	fmt.Fprintf(w, "%d entries\n", len(rows))
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
