package analytics

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrNoData is returned by Snapshot when every dimension query failed.
var ErrNoData = errors.New("no analytics data reachable")

// Dimension is an axis traffic is grouped by.
type Dimension string

const (
	DimCountry Dimension = "country"
	DimSensor  Dimension = "sensor"
	DimISP     Dimension = "isp"
	DimAddress Dimension = "address"
)

// Dimensions lists every dimension in the order snapshots report them.
var Dimensions = []Dimension{DimCountry, DimSensor, DimISP, DimAddress}

// Window is a lookback period such as "1h", "24h", "7d" or "2w".
type Window struct {
	raw string
	d   time.Duration
}

// DefaultWindow is the last 24 hours.
var DefaultWindow = Window{raw: "24h", d: 24 * time.Hour}

func ParseWindow(s string) (Window, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 {
		return Window{}, fmt.Errorf("invalid window %q", s)
	}
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n <= 0 {
		return Window{}, fmt.Errorf("invalid window %q", s)
	}
	var unit time.Duration
	switch s[len(s)-1] {
	case 'h':
		unit = time.Hour
	case 'd':
		unit = 24 * time.Hour
	case 'w':
		unit = 7 * 24 * time.Hour
	default:
		return Window{}, fmt.Errorf("invalid window unit in %q (want h, d or w)", s)
	}
	return Window{raw: s, d: time.Duration(n) * unit}, nil
}

func (w Window) String() string {
	if w.raw == "" {
		return DefaultWindow.raw
	}
	return w.raw
}

func (w Window) Duration() time.Duration {
	if w.d == 0 {
		return DefaultWindow.d
	}
	return w.d
}

func (w Window) MarshalJSON() ([]byte, error) { return json.Marshal(w.String()) }

func (w *Window) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseWindow(s)
	if err != nil {
		return err
	}
	*w = parsed
	return nil
}

// IndicatorKind names the rule that flagged an address.
type IndicatorKind string

const (
	KindRestrictedSensorGeo IndicatorKind = "restricted_sensor_geo"
	KindMultiSensor         IndicatorKind = "multi_sensor"
)

// ThreatIndicator is a rule-derived flag on one address.
type ThreatIndicator struct {
	Address   string        `json:"address"`
	Kind      IndicatorKind `json:"kind"`
	Sensors   []string      `json:"sensors"`
	Countries []string      `json:"countries"`
	Count     int64         `json:"count"`
	FirstSeen bool          `json:"first_seen"`
}

// PartialDataError records one dimension that could not be fetched.
type PartialDataError struct {
	Dimension Dimension
	Err       error
}

func (e *PartialDataError) Error() string {
	return fmt.Sprintf("dimension %s unavailable: %v", e.Dimension, e.Err)
}

func (e *PartialDataError) Unwrap() error { return e.Err }

func (e *PartialDataError) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{"dimension": string(e.Dimension), "error": e.Err.Error()})
}

// Snapshot is the analytics picture for one window. It is not modified after Aggregator.Snapshot
// returns it.
type Snapshot struct {
	ID            string              `json:"id"`
	Window        Window              `json:"window"`
	Start         time.Time           `json:"start"`
	End           time.Time           `json:"end"`
	TotalRequests int64               `json:"total_requests"`
	Countries     Distribution        `json:"countries"`
	Sensors       Distribution        `json:"sensors"`
	ISPs          Distribution        `json:"isps"`
	Addresses     Distribution        `json:"addresses"`
	Indicators    []ThreatIndicator   `json:"indicators"`
	Partial       []*PartialDataError `json:"partial,omitempty"`
}

// Distribution returns the distribution for dim.
func (s *Snapshot) Distribution(dim Dimension) *Distribution {
	switch dim {
	case DimCountry:
		return &s.Countries
	case DimSensor:
		return &s.Sensors
	case DimISP:
		return &s.ISPs
	case DimAddress:
		return &s.Addresses
	}
	return nil
}

// Flagged returns each flagged address once, in indicator order.
func (s *Snapshot) Flagged() []string {
	seen := make(map[string]bool, len(s.Indicators))
	var out []string
	for _, ind := range s.Indicators {
		if seen[ind.Address] {
			continue
		}
		seen[ind.Address] = true
		out = append(out, ind.Address)
	}
	return out
}

// Degraded reports whether any dimension failed.
func (s *Snapshot) Degraded() bool { return len(s.Partial) > 0 }
