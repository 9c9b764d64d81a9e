package analytics

import (
	"net/netip"
	"strings"
)

// Rules configure indicator derivation.
type Rules struct {
	// RestrictedSensors are sensors that only allow-listed countries should reach.
	RestrictedSensors []string `yaml:"restricted_sensors" json:"restricted_sensors"`
	// AllowedCountries match either the country name or its code, case-insensitively.
	AllowedCountries []string `yaml:"allowed_countries" json:"allowed_countries"`
	// An address touching more than MultiSensorThreshold distinct sensors is flagged.
	// Zero means 1.
	MultiSensorThreshold int `yaml:"multi_sensor_threshold" json:"multi_sensor_threshold"`
}

type addressStats struct {
	addr       string
	count      int64
	sensors    []string
	countries  []string
	restricted bool
}

func appendUnique(list []string, s string) []string {
	if s == "" {
		return list
	}
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}

func toSet(list []string) map[string]bool {
	set := make(map[string]bool, len(list))
	for _, s := range list {
		set[strings.ToLower(strings.TrimSpace(s))] = true
	}
	return set
}

// DeriveIndicators flags addresses in rows. An address is flagged when it hit a restricted sensor
// from a country outside the allow-list, or when it hit more than the threshold of distinct
// sensors. A restricted hit takes precedence when both apply. Rows whose address is not an IP are
// ignored. Indicators come out in the order their address was first observed.
func DeriveIndicators(rows []LogEntry, rules Rules) []ThreatIndicator {
	threshold := rules.MultiSensorThreshold
	if threshold <= 0 {
		threshold = 1
	}
	restricted := toSet(rules.RestrictedSensors)
	allowed := toSet(rules.AllowedCountries)

	var order []*addressStats
	byAddr := make(map[string]*addressStats)
	for _, row := range rows {
		ip, err := netip.ParseAddr(strings.TrimSpace(row.IP))
		if err != nil {
			continue
		}
		key := ip.Unmap().String()
		st, ok := byAddr[key]
		if !ok {
			st = &addressStats{addr: key}
			byAddr[key] = st
			order = append(order, st)
		}
		st.count++
		st.sensors = appendUnique(st.sensors, row.Sensor)
		st.countries = appendUnique(st.countries, countryLabel(row))

		if restricted[strings.ToLower(row.Sensor)] && !isAllowed(allowed, row) {
			st.restricted = true
		}
	}

	var out []ThreatIndicator
	for _, st := range order {
		var kind IndicatorKind
		switch {
		case st.restricted:
			kind = KindRestrictedSensorGeo
		case len(st.sensors) > threshold:
			kind = KindMultiSensor
		default:
			continue
		}
		out = append(out, ThreatIndicator{
			Address:   st.addr,
			Kind:      kind,
			Sensors:   st.sensors,
			Countries: st.countries,
			Count:     st.count,
		})
	}
	return out
}

func countryLabel(row LogEntry) string {
	if row.CountryCode != "" {
		return row.CountryCode
	}
	return row.Country
}

func isAllowed(allowed map[string]bool, row LogEntry) bool {
	return allowed[strings.ToLower(row.Country)] || allowed[strings.ToLower(row.CountryCode)]
}
