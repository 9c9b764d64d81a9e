package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/gustycube/sensorwatch/internal/dedup"
	"github.com/gustycube/sensorwatch/internal/logging"
	"github.com/gustycube/sensorwatch/internal/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	mu           sync.Mutex
	handshakeErr error
	groups       map[Dimension]*GroupReply
	groupErrs    map[Dimension]error
	rows         []LogEntry
	rowsErr      error
	calls        int
}

func (f *fakeBackend) Handshake(context.Context) error { return f.handshakeErr }

func (f *fakeBackend) TrafficByGroup(_ context.Context, dim Dimension, _ Window, _ int) (*GroupReply, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if err := f.groupErrs[dim]; err != nil {
		return nil, err
	}
	if r, ok := f.groups[dim]; ok {
		return r, nil
	}
	return &GroupReply{Dimension: dim}, nil
}

func (f *fakeBackend) SearchByAddress(context.Context, string, Window, int) ([]LogEntry, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.rows, f.rowsErr
}

func (f *fakeBackend) SearchByCountry(context.Context, string, Window, int) ([]LogEntry, error) {
	return f.rows, f.rowsErr
}

func row(ip, sensor, country string) LogEntry {
	return LogEntry{IP: ip, Sensor: sensor, Country: country, CountryCode: country}
}

func healthyBackend() *fakeBackend {
	return &fakeBackend{
		groups: map[Dimension]*GroupReply{
			DimCountry: {TotalRequests: 10, Groups: []Group{{"US", 7}, {"DE", 3}}},
			DimSensor:  {TotalRequests: 10, Groups: []Group{{"web-1", 6}, {"ssh-1", 2}}},
			DimISP:     {TotalRequests: 10, Groups: []Group{{"Comcast", 5}}},
		},
		rows: []LogEntry{
			row("203.0.113.5", "ssh-1", "CN"),
			row("198.51.100.9", "web-1", "US"),
			row("198.51.100.9", "web-2", "US"),
			row("192.0.2.1", "web-1", "US"),
		},
	}
}

var testRules = Rules{RestrictedSensors: []string{"ssh-1"}, AllowedCountries: []string{"US"}}

func TestDistribution_AddAndTop(t *testing.T) {
	var d Distribution
	d.Add("b", 2)
	d.Add("a", 5)
	d.Add("c", 2)
	d.Add("b", 1)

	assert.Equal(t, int64(10), d.Sum())
	assert.Equal(t, 3, d.Len())
	assert.Equal(t, int64(3), d.Get("b"))
	assert.Equal(t, int64(0), d.Get("missing"))

	top := d.Top(3)
	require.Len(t, top, 3)
	assert.Equal(t, "a", top[0].Key)
	assert.Equal(t, "b", top[1].Key)
	assert.Equal(t, "c", top[2].Key)
}

func TestDistribution_TopTieBreakIsFirstObservation(t *testing.T) {
	var d Distribution
	for _, k := range []string{"zeta", "alpha", "mid"} {
		d.Add(k, 4)
	}
	top := d.Top(2)
	assert.Equal(t, []Entry{{"zeta", 4}, {"alpha", 4}}, top)
	assert.Len(t, d.Top(0), 3)
}

func TestDistribution_JSONKeepsOrder(t *testing.T) {
	var d Distribution
	d.Add("US", 7)
	d.Add("DE", 3)
	b, err := json.Marshal(d)
	require.NoError(t, err)
	assert.Equal(t, `{"US":7,"DE":3}`, string(b))

	var back Distribution
	require.NoError(t, json.Unmarshal([]byte(`{"z":1,"a":2}`), &back))
	assert.Equal(t, []Entry{{"z", 1}, {"a", 2}}, back.Entries())
}

func TestParseWindow(t *testing.T) {
	for _, s := range []string{"1h", "24h", "7d", "2w"} {
		w, err := ParseWindow(s)
		require.NoError(t, err, s)
		assert.Equal(t, s, w.String())
	}
	w, _ := ParseWindow("7d")
	assert.Equal(t, float64(7*24), w.Duration().Hours())

	for _, s := range []string{"", "h", "0h", "-1d", "10m", "abc"} {
		_, err := ParseWindow(s)
		assert.Error(t, err, s)
	}
	assert.Equal(t, "24h", Window{}.String())
}

func TestSnapshot_AllDimensions(t *testing.T) {
	agg := NewAggregator(healthyBackend(), testRules, Options{}, dedup.NewMemory(), logging.Nop())
	snap, err := agg.Snapshot(context.Background(), DefaultWindow)
	require.NoError(t, err)

	assert.NotEmpty(t, snap.ID)
	assert.Equal(t, int64(10), snap.TotalRequests)
	assert.Empty(t, snap.Partial)
	assert.Equal(t, int64(7), snap.Countries.Get("US"))
	assert.Equal(t, int64(3), snap.Countries.Get("DE"))
	assert.Equal(t, int64(2), snap.Addresses.Get("198.51.100.9"))
	assert.Equal(t, snap.End.Add(-DefaultWindow.Duration()), snap.Start)

	for _, dim := range Dimensions {
		assert.Equal(t, snap.TotalRequests, snap.Distribution(dim).Sum(), "dimension %s", dim)
	}
	assert.Equal(t, int64(2), snap.Sensors.Get(Other))
	assert.Equal(t, int64(5), snap.ISPs.Get(Other))
	assert.Equal(t, int64(6), snap.Addresses.Get(Other))

	require.Len(t, snap.Indicators, 2)
	assert.Equal(t, "203.0.113.5", snap.Indicators[0].Address)
	assert.Equal(t, KindRestrictedSensorGeo, snap.Indicators[0].Kind)
	assert.Equal(t, "198.51.100.9", snap.Indicators[1].Address)
	assert.Equal(t, KindMultiSensor, snap.Indicators[1].Kind)
	assert.Equal(t, []string{"203.0.113.5", "198.51.100.9"}, snap.Flagged())
}

func TestSnapshot_OneDimensionFails(t *testing.T) {
	b := healthyBackend()
	b.groupErrs = map[Dimension]error{DimISP: &rpc.TimeoutError{Method: rpc.MethodToolsCall}}

	agg := NewAggregator(b, testRules, Options{}, nil, logging.Nop())
	snap, err := agg.Snapshot(context.Background(), DefaultWindow)
	require.NoError(t, err)

	assert.Equal(t, 0, snap.ISPs.Len())
	assert.Equal(t, int64(7), snap.Countries.Get("US"))
	assert.Equal(t, int64(10), snap.TotalRequests)
	require.Len(t, snap.Partial, 1)
	assert.Equal(t, DimISP, snap.Partial[0].Dimension)
	assert.True(t, snap.Degraded())

	var te *rpc.TimeoutError
	assert.ErrorAs(t, snap.Partial[0], &te)
}

func TestSnapshot_AddressFailureMeansNoIndicators(t *testing.T) {
	b := healthyBackend()
	b.rowsErr = errors.New("scan failed")

	agg := NewAggregator(b, testRules, Options{}, nil, logging.Nop())
	snap, err := agg.Snapshot(context.Background(), DefaultWindow)
	require.NoError(t, err)
	assert.Empty(t, snap.Indicators)
	assert.Equal(t, 0, snap.Addresses.Len())
}

func TestSnapshot_AllDimensionsFail(t *testing.T) {
	boom := errors.New("boom")
	b := &fakeBackend{
		groupErrs: map[Dimension]error{DimCountry: boom, DimSensor: boom, DimISP: boom},
		rowsErr:   boom,
	}
	agg := NewAggregator(b, testRules, Options{}, nil, logging.Nop())
	snap, err := agg.Snapshot(context.Background(), DefaultWindow)
	assert.Nil(t, snap)
	assert.ErrorIs(t, err, ErrNoData)
}

func TestSnapshot_HandshakeFailureIsFatal(t *testing.T) {
	b := healthyBackend()
	b.handshakeErr = &rpc.TransportError{Method: rpc.MethodInitialize, ExitCode: 1}

	agg := NewAggregator(b, testRules, Options{}, nil, logging.Nop())
	_, err := agg.Snapshot(context.Background(), DefaultWindow)
	var te *rpc.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 0, b.calls)
}

func TestSnapshot_FirstSeen(t *testing.T) {
	seen := dedup.NewMemory()
	agg := NewAggregator(healthyBackend(), testRules, Options{}, seen, logging.Nop())

	first, err := agg.Snapshot(context.Background(), DefaultWindow)
	require.NoError(t, err)
	for _, ind := range first.Indicators {
		assert.True(t, ind.FirstSeen, ind.Address)
	}

	second, err := agg.Snapshot(context.Background(), DefaultWindow)
	require.NoError(t, err)
	for _, ind := range second.Indicators {
		assert.False(t, ind.FirstSeen, ind.Address)
	}
}

func TestDeriveIndicators(t *testing.T) {
	tests := []struct {
		name  string
		rows  []LogEntry
		rules Rules
		want  map[string]IndicatorKind
	}{
		{
			name:  "restricted sensor from allowed country",
			rows:  []LogEntry{row("10.0.0.1", "ssh-1", "US")},
			rules: testRules,
			want:  map[string]IndicatorKind{},
		},
		{
			name:  "restricted sensor from other country",
			rows:  []LogEntry{row("10.0.0.1", "SSH-1", "RU")},
			rules: testRules,
			want:  map[string]IndicatorKind{"10.0.0.1": KindRestrictedSensorGeo},
		},
		{
			name:  "empty allow-list flags every restricted hit",
			rows:  []LogEntry{row("10.0.0.1", "ssh-1", "US")},
			rules: Rules{RestrictedSensors: []string{"ssh-1"}},
			want:  map[string]IndicatorKind{"10.0.0.1": KindRestrictedSensorGeo},
		},
		{
			name:  "single sensor is fine",
			rows:  []LogEntry{row("10.0.0.1", "web-1", "US"), row("10.0.0.1", "web-1", "US")},
			rules: testRules,
			want:  map[string]IndicatorKind{},
		},
		{
			name:  "multiple sensors",
			rows:  []LogEntry{row("2001:db8::1", "web-1", "US"), row("2001:db8::1", "web-2", "US")},
			rules: testRules,
			want:  map[string]IndicatorKind{"2001:db8::1": KindMultiSensor},
		},
		{
			name:  "threshold raised",
			rows:  []LogEntry{row("10.0.0.1", "a", "US"), row("10.0.0.1", "b", "US")},
			rules: Rules{MultiSensorThreshold: 2},
			want:  map[string]IndicatorKind{},
		},
		{
			name:  "non-ip addresses never flagged",
			rows:  []LogEntry{row("not-an-ip", "ssh-1", "RU"), row("", "a", "RU"), row("", "b", "RU")},
			rules: testRules,
			want:  map[string]IndicatorKind{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DeriveIndicators(tt.rows, tt.rules)
			kinds := map[string]IndicatorKind{}
			for _, ind := range got {
				kinds[ind.Address] = ind.Kind
			}
			assert.Equal(t, tt.want, kinds)
		})
	}
}

func TestDeriveIndicators_Details(t *testing.T) {
	rows := []LogEntry{
		row("10.0.0.2", "web-1", "US"),
		row("10.0.0.1", "ssh-1", "RU"),
		row("10.0.0.2", "web-2", "CA"),
		row("10.0.0.1", "web-1", "RU"),
	}
	got := DeriveIndicators(rows, testRules)
	require.Len(t, got, 2)
	assert.Equal(t, "10.0.0.2", got[0].Address)
	assert.Equal(t, []string{"web-1", "web-2"}, got[0].Sensors)
	assert.Equal(t, []string{"US", "CA"}, got[0].Countries)
	assert.Equal(t, int64(2), got[0].Count)
	assert.Equal(t, "10.0.0.1", got[1].Address)
	assert.Equal(t, KindRestrictedSensorGeo, got[1].Kind)
}

func TestDecodeGroupReply(t *testing.T) {
	raw := json.RawMessage(`{"total_requests":10,"unique_ips":4,"time_range":"24h",
		"top_country":[{"name":"US","count":7},{"name":"DE","count":3}],
		"sensor_distribution":{"web-1":10},"top_isps":["Comcast"]}`)
	reply, err := DecodeGroupReply(DimCountry, raw)
	require.NoError(t, err)
	assert.Equal(t, int64(10), reply.TotalRequests)
	assert.Equal(t, []Group{{"US", 7}, {"DE", 3}}, reply.Groups)

	bad := []string{
		`[]`,
		`{"top_country":[]}`,
		`{"total_requests":"ten","top_country":[]}`,
		`{"total_requests":10}`,
		`{"total_requests":10,"top_country":{"US":7}}`,
		`{"total_requests":5,"top_country":[{"name":"US","count":7}]}`,
		`{"total_requests":10,"top_sensor":[]}`,
	}
	for _, b := range bad {
		_, err := DecodeGroupReply(DimCountry, json.RawMessage(b))
		assert.ErrorIs(t, err, ErrShape, b)
	}
}

func TestDecodeEntries(t *testing.T) {
	rows, err := DecodeEntries(json.RawMessage(`[{"timestamp":"2024-01-01 00:00:00","ip":"1.2.3.4","sensor":"s","country":"Germany","country_code":"DE","latitude":1.5}]`))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "DE", rows[0].CountryCode)
	assert.Equal(t, 1.5, rows[0].Latitude)

	_, err = DecodeEntries(json.RawMessage(`{"rows":[]}`))
	assert.ErrorIs(t, err, ErrShape)
}
