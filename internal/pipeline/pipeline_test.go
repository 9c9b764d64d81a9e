package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gustycube/sensorwatch/internal/analytics"
	"github.com/gustycube/sensorwatch/internal/assess"
	"github.com/gustycube/sensorwatch/internal/llm"
	"github.com/gustycube/sensorwatch/internal/logging"
	"github.com/gustycube/sensorwatch/internal/prompt"
	"github.com/gustycube/sensorwatch/internal/report"
	"github.com/gustycube/sensorwatch/internal/rpc"
	"github.com/gustycube/sensorwatch/internal/upload"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticBackend struct {
	groups map[analytics.Dimension]*analytics.GroupReply
	rows   []analytics.LogEntry
}

func (b *staticBackend) Handshake(context.Context) error { return nil }

func (b *staticBackend) TrafficByGroup(_ context.Context, dim analytics.Dimension, _ analytics.Window, _ int) (*analytics.GroupReply, error) {
	if r, ok := b.groups[dim]; ok {
		return r, nil
	}
	return nil, errors.New("dimension unavailable")
}

func (b *staticBackend) SearchByAddress(context.Context, string, analytics.Window, int) ([]analytics.LogEntry, error) {
	return b.rows, nil
}

func (b *staticBackend) SearchByCountry(context.Context, string, analytics.Window, int) ([]analytics.LogEntry, error) {
	return nil, nil
}

type hangingModel struct{}

func (hangingModel) Complete(ctx context.Context, _ []llm.Message) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

type failingModel struct{}

func (failingModel) Complete(context.Context, []llm.Message) (string, error) {
	return "", llm.ErrUnavailable
}

type recordingUploader struct {
	ok    bool
	calls int
}

func (u *recordingUploader) Upload(context.Context, report.Location) bool {
	u.calls++
	return u.ok
}

type brokenAssembler struct{ *report.Assembler }

func (brokenAssembler) Assemble(*analytics.Snapshot, assess.Assessment, string) (report.Location, error) {
	return report.Location{}, &report.AssemblyError{Path: "report.md", Err: errors.New("disk full")}
}

var rules = analytics.Rules{RestrictedSensors: []string{"ssh-1"}, AllowedCountries: []string{"US"}}

func entry(ip, sensor, country string) analytics.LogEntry {
	return analytics.LogEntry{IP: ip, Sensor: sensor, Country: country, CountryCode: country}
}

func orchestrator(t *testing.T, backend analytics.Backend, model llm.ChatModel, up upload.Uploader) *Orchestrator {
	t.Helper()
	log := logging.Nop()
	agg := analytics.NewAggregator(backend, rules, analytics.Options{}, nil, log)
	as := assess.New(model, prompt.Static(prompt.Default), assess.Options{Timeout: 50 * time.Millisecond}, log)
	asm := report.NewAssembler(report.Options{Root: t.TempDir()}, log)
	return New(Deps{Aggregator: agg, Assessor: as, Assembler: asm, Uploader: up}, Options{}, log)
}

func stageStatus(t *testing.T, run *Run, stage Stage) StageStatus {
	t.Helper()
	o, ok := run.Outcome(stage)
	require.True(t, ok, "stage %s not recorded", stage)
	return o.Status
}

// Country totals of 10 with the model timing out: the snapshot keeps the total and the
// assessment falls back to rules with Low risk because nothing is flagged.
func TestRun_ModelTimeoutFallsBackToRules(t *testing.T) {
	backend := &staticBackend{
		groups: map[analytics.Dimension]*analytics.GroupReply{
			analytics.DimCountry: {TotalRequests: 10, Groups: []analytics.Group{{Name: "US", Count: 7}, {Name: "DE", Count: 3}}},
		},
	}
	o := orchestrator(t, backend, hangingModel{}, upload.Noop{})

	run, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RunSucceeded, run.Status)
	require.NotNil(t, run.Snapshot)
	assert.Equal(t, int64(10), run.Snapshot.TotalRequests)
	assert.Equal(t, int64(10), run.Snapshot.Countries.Sum())
	require.NotNil(t, run.Assessment)
	assert.Equal(t, assess.MethodRules, run.Assessment.Method)
	assert.Equal(t, assess.RiskLow, run.Assessment.RiskLevel)
	assert.NotEmpty(t, run.Assessment.ModelError)

	assert.Equal(t, StageDegraded, stageStatus(t, run, StageFetch))
	assert.Equal(t, StageDegraded, stageStatus(t, run, StageAssess))
	assert.Equal(t, StageOK, stageStatus(t, run, StageAssemble))
	assert.Equal(t, StageSkipped, stageStatus(t, run, StageUpload))
	assert.True(t, run.Degraded())
	assert.Same(t, run, o.LastRun())
}

func TestRun_TwoFlaggedAddressesGiveTwoBlockCommands(t *testing.T) {
	backend := &staticBackend{
		groups: map[analytics.Dimension]*analytics.GroupReply{
			analytics.DimCountry: {TotalRequests: 4, Groups: []analytics.Group{{Name: "CN", Count: 2}, {Name: "US", Count: 2}}},
			analytics.DimSensor:  {TotalRequests: 4, Groups: []analytics.Group{{Name: "ssh-1", Count: 2}, {Name: "web-1", Count: 2}}},
			analytics.DimISP:     {TotalRequests: 4},
		},
		rows: []analytics.LogEntry{
			entry("203.0.113.5", "ssh-1", "CN"),
			entry("203.0.113.6", "ssh-1", "CN"),
			entry("192.0.2.1", "web-1", "US"),
			entry("192.0.2.2", "web-1", "US"),
		},
	}
	o := orchestrator(t, backend, failingModel{}, upload.Noop{})

	run, err := o.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, RunSucceeded, run.Status)
	assert.Equal(t, StageOK, stageStatus(t, run, StageFetch))

	var block, verify int
	for _, c := range run.Assessment.Commands {
		if strings.Contains(c, "-j DROP") {
			block++
		} else {
			verify++
		}
	}
	assert.Equal(t, 2, block)
	assert.GreaterOrEqual(t, verify, 1)
}

func TestRun_HandshakeFailureIsFatal(t *testing.T) {
	client := rpc.New(rpc.Config{Command: []string{"sh", "-c", "echo boom >&2; exit 1"}}, logging.Nop())
	o := orchestrator(t, analytics.NewRPCBackend(client), failingModel{}, upload.Noop{})

	run, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RunFailed, run.Status)
	assert.Nil(t, run.Snapshot)
	assert.Nil(t, run.Assessment)
	assert.Nil(t, run.Artifact)
	assert.Equal(t, "transport", run.ErrorKind)
	assert.Contains(t, run.Error, "boom")
	assert.Equal(t, StageFailed, stageStatus(t, run, StageHandshake))
	for _, s := range []Stage{StageFetch, StageAssess, StageAssemble, StageUpload} {
		assert.Equal(t, StageSkipped, stageStatus(t, run, s))
	}

	st := o.Status()
	assert.False(t, st.Running)
	assert.Contains(t, st.Message, "failed")
	assert.Contains(t, st.Error, "boom")
}

func TestRun_NoDimensionsIsFatal(t *testing.T) {
	o := orchestrator(t, &failingBackend{}, failingModel{}, upload.Noop{})

	run, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RunFailed, run.Status)
	assert.Equal(t, "no_data", run.ErrorKind)
	assert.Equal(t, StageOK, stageStatus(t, run, StageHandshake))
	assert.Equal(t, StageFailed, stageStatus(t, run, StageFetch))
}

type failingBackend struct{ staticBackend }

func (failingBackend) SearchByAddress(context.Context, string, analytics.Window, int) ([]analytics.LogEntry, error) {
	return nil, errors.New("search failed")
}

func TestRun_AssemblyFailureWritesMinimalReport(t *testing.T) {
	backend := &staticBackend{groups: map[analytics.Dimension]*analytics.GroupReply{
		analytics.DimCountry: {TotalRequests: 1, Groups: []analytics.Group{{Name: "US", Count: 1}}},
	}}
	log := logging.Nop()
	up := &recordingUploader{ok: true}
	o := New(Deps{
		Aggregator: analytics.NewAggregator(backend, rules, analytics.Options{}, nil, log),
		Assessor:   assess.New(nil, nil, assess.Options{}, log),
		Assembler:  brokenAssembler{report.NewAssembler(report.Options{Root: t.TempDir()}, log)},
		Uploader:   up,
	}, Options{}, log)

	run, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RunSucceeded, run.Status)
	require.NotNil(t, run.Artifact)
	assert.True(t, run.Artifact.Minimal)
	assert.Equal(t, StageDegraded, stageStatus(t, run, StageAssemble))

	b, err := os.ReadFile(run.Artifact.Files[0])
	require.NoError(t, err)
	var doc report.Document
	require.NoError(t, json.Unmarshal(b, &doc))
	assert.Equal(t, run.Snapshot.ID, doc.Snapshot.ID)

	assert.Equal(t, 1, up.calls)
	assert.True(t, run.Uploaded)
}

func TestRun_UploadFailureIsIgnored(t *testing.T) {
	backend := &staticBackend{groups: map[analytics.Dimension]*analytics.GroupReply{
		analytics.DimCountry: {TotalRequests: 1, Groups: []analytics.Group{{Name: "US", Count: 1}}},
	}}
	up := &recordingUploader{ok: false}
	o := orchestrator(t, backend, failingModel{}, up)

	run, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RunSucceeded, run.Status)
	assert.False(t, run.Uploaded)
	assert.Equal(t, 1, up.calls)
	assert.Equal(t, StageFailed, stageStatus(t, run, StageUpload))
}

type blockingSnapshotter struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingSnapshotter) Handshake(context.Context) error { return nil }

func (b *blockingSnapshotter) Fetch(context.Context, analytics.Window) (*analytics.Snapshot, error) {
	close(b.entered)
	<-b.release
	return nil, analytics.ErrNoData
}

func TestSingleFlight(t *testing.T) {
	snap := &blockingSnapshotter{entered: make(chan struct{}), release: make(chan struct{})}
	o := New(Deps{Aggregator: snap}, Options{}, logging.Nop())

	require.NoError(t, o.Trigger(context.Background()))
	<-snap.entered
	assert.True(t, o.Running())
	assert.True(t, o.Status().Running)

	_, err := o.Run(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.ErrorIs(t, o.Trigger(context.Background()), ErrAlreadyRunning)
	assert.Nil(t, o.LastRun())

	close(snap.release)
	require.Eventually(t, func() bool { return !o.Running() && o.LastRun() != nil }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, RunFailed, o.LastRun().Status)
}

type panickingSnapshotter struct{}

func (panickingSnapshotter) Handshake(context.Context) error { return nil }

func (panickingSnapshotter) Fetch(context.Context, analytics.Window) (*analytics.Snapshot, error) {
	panic("nil map write")
}

// clockSnapshotter advances a fake clock inside each step so stage durations are exact.
type clockSnapshotter struct {
	now                 *time.Time
	handshake, fetching time.Duration
}

func (c *clockSnapshotter) Handshake(context.Context) error {
	*c.now = c.now.Add(c.handshake)
	return nil
}

func (c *clockSnapshotter) Fetch(_ context.Context, w analytics.Window) (*analytics.Snapshot, error) {
	*c.now = c.now.Add(c.fetching)
	return &analytics.Snapshot{ID: "s", Window: w, TotalRequests: 1}, nil
}

func TestRun_StageDurationsAreSeparate(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	snap := &clockSnapshotter{now: &now, handshake: 2 * time.Second, fetching: 5 * time.Second}
	log := logging.Nop()
	o := New(Deps{
		Aggregator: snap,
		Assessor:   assess.New(nil, nil, assess.Options{}, log),
		Assembler:  report.NewAssembler(report.Options{Root: t.TempDir()}, log),
	}, Options{}, log)
	o.now = func() time.Time { return now }

	run, err := o.Run(context.Background())
	require.NoError(t, err)
	hs, ok := run.Outcome(StageHandshake)
	require.True(t, ok)
	fetch, ok := run.Outcome(StageFetch)
	require.True(t, ok)
	assert.Equal(t, 2*time.Second, hs.Duration)
	assert.Equal(t, 5*time.Second, fetch.Duration)
	assert.Equal(t, 7*time.Second, run.Duration())
}

func TestRun_PanicEndsFailed(t *testing.T) {
	o := New(Deps{Aggregator: panickingSnapshotter{}}, Options{}, logging.Nop())
	run, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RunFailed, run.Status)
	assert.Equal(t, "panic", run.ErrorKind)
	assert.Len(t, run.Stages, len(Stages))
	assert.False(t, o.Running())
}

func TestNewStatus(t *testing.T) {
	assert.Equal(t, "no analysis has run yet", NewStatus(false, nil, nil).Message)
	assert.Equal(t, "analysis running", NewStatus(true, nil, nil).Message)

	end := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	ok := &Run{Status: RunSucceeded, End: end, Stages: []StageOutcome{{Stage: StageFetch, Status: StageOK}}}
	s := NewStatus(false, ok, nil)
	assert.Equal(t, "last analysis completed at 2024-05-01T12:00:00Z", s.Message)
	assert.Empty(t, s.Error)

	degraded := &Run{Status: RunSucceeded, End: end, Stages: []StageOutcome{{Stage: StageUpload, Status: StageFailed}}}
	assert.Contains(t, NewStatus(false, degraded, nil).Message, "degraded")
}
