package assess

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/gustycube/sensorwatch/internal/analytics"
)

const (
	DefaultDenyFormat  = "iptables -I INPUT -s %s -j DROP"
	DefaultDenyFormat6 = "ip6tables -I INPUT -s %s -j DROP"
)

// DefaultVerifyCommands are appended to every command list.
var DefaultVerifyCommands = []string{
	"iptables -L INPUT -n -v --line-numbers",
	"ss -tan state established",
}

var baselineRecommendations = []string{
	"Continue monitoring traffic patterns",
	"Review access logs regularly",
	"Implement automated alerting for unusual traffic spikes",
	"Consider geographic access controls",
}

// maxIndicatorFindings caps per-address findings; the rest are summarized in one line.
const maxIndicatorFindings = 20

// Commands returns one deny command per flagged address followed by the verification commands.
// The list is never empty.
func Commands(snap *analytics.Snapshot, opts Options) []string {
	opts.setDefaults()
	var out []string
	if snap != nil {
		for _, addr := range snap.Flagged() {
			format := opts.DenyFormat
			if ip, err := netip.ParseAddr(addr); err == nil && ip.Is6() {
				format = opts.DenyFormat6
			}
			out = append(out, fmt.Sprintf(format, addr))
		}
	}
	return append(out, opts.VerifyCommands...)
}

// ruleRisk grades by how many addresses were flagged and whether any hit a restricted sensor.
func ruleRisk(snap *analytics.Snapshot) RiskLevel {
	flagged := len(snap.Flagged())
	restricted := 0
	for _, ind := range snap.Indicators {
		if ind.Kind == analytics.KindRestrictedSensorGeo {
			restricted++
		}
	}
	switch {
	case flagged == 0:
		return RiskLow
	case flagged <= 2 && restricted == 0:
		return RiskMedium
	case flagged <= 10:
		return RiskHigh
	default:
		return RiskCritical
	}
}

// RuleAssessment builds an assessment from the snapshot alone. A nil snapshot yields the Error
// method with Unknown risk and Low confidence.
func RuleAssessment(snap *analytics.Snapshot, opts Options) Assessment {
	if snap == nil {
		return Assessment{
			ExecutiveSummary: "No analytics snapshot was available, so risk could not be assessed.",
			RiskLevel:        RiskUnknown,
			Findings:         []string{"No traffic data was available for this run."},
			Recommendations:  append([]string{"Check that the log backend is reachable"}, baselineRecommendations...),
			Commands:         Commands(nil, opts),
			Confidence:       ConfidenceLow,
			Method:           MethodError,
		}
	}

	risk := ruleRisk(snap)
	restricted, multi := 0, 0
	for _, ind := range snap.Indicators {
		switch ind.Kind {
		case analytics.KindRestrictedSensorGeo:
			restricted++
		case analytics.KindMultiSensor:
			multi++
		}
	}
	flagged := len(snap.Flagged())

	summary := fmt.Sprintf("%d requests over the last %s; %d addresses flagged (%d restricted-sensor, %d multi-sensor). Rule-based risk: %s.",
		snap.TotalRequests, snap.Window.String(), flagged, restricted, multi, risk)

	return Assessment{
		ExecutiveSummary: summary,
		RiskLevel:        risk,
		Findings:         ruleFindings(snap),
		Recommendations:  ruleRecommendations(snap, restricted),
		Commands:         Commands(snap, opts),
		Confidence:       ConfidenceMedium,
		Method:           MethodRules,
	}
}

func ruleFindings(snap *analytics.Snapshot) []string {
	out := []string{fmt.Sprintf("Observed %d requests from %d countries across %d sensors.",
		snap.TotalRequests, realKeys(&snap.Countries), realKeys(&snap.Sensors))}

	if top := snap.Countries.Top(1); len(top) == 1 && top[0].Key != analytics.Other && snap.TotalRequests > 0 {
		out = append(out, fmt.Sprintf("Top source country: %s (%d requests, %.1f%%).",
			top[0].Key, top[0].Count, 100*float64(top[0].Count)/float64(snap.TotalRequests)))
	}

	for i, ind := range snap.Indicators {
		if i == maxIndicatorFindings {
			out = append(out, fmt.Sprintf("%d more flagged addresses not listed.", len(snap.Indicators)-i))
			break
		}
		switch ind.Kind {
		case analytics.KindRestrictedSensorGeo:
			out = append(out, fmt.Sprintf("%s reached a restricted sensor (%s) from %s (%d requests).",
				ind.Address, strings.Join(ind.Sensors, ", "), strings.Join(ind.Countries, ", "), ind.Count))
		default:
			out = append(out, fmt.Sprintf("%s touched %d distinct sensors: %s.",
				ind.Address, len(ind.Sensors), strings.Join(ind.Sensors, ", ")))
		}
	}
	if len(snap.Indicators) == 0 {
		out = append(out, "No addresses matched a threat rule.")
	}

	if dims := partialDimensions(snap); len(dims) > 0 {
		out = append(out, fmt.Sprintf("Data for %s was unavailable; figures are partial.", strings.Join(dims, ", ")))
	}
	return out
}

func ruleRecommendations(snap *analytics.Snapshot, restricted int) []string {
	var out []string
	if len(snap.Indicators) > 0 {
		out = append(out, "Block the flagged addresses with the generated commands and review their activity")
	}
	if restricted > 0 {
		out = append(out, "Limit restricted sensors to allow-listed countries at the network edge")
	}
	if dims := partialDimensions(snap); len(dims) > 0 {
		out = append(out, "Investigate backend query failures for: "+strings.Join(dims, ", "))
	}
	return append(out, baselineRecommendations...)
}

func partialDimensions(snap *analytics.Snapshot) []string {
	var dims []string
	for _, p := range snap.Partial {
		dims = append(dims, string(p.Dimension))
	}
	return dims
}

func realKeys(d *analytics.Distribution) int {
	n := d.Len()
	if d.Get(analytics.Other) > 0 {
		n--
	}
	return n
}
