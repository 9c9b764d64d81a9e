package pipeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/gustycube/sensorwatch/internal/analytics"
	"github.com/gustycube/sensorwatch/internal/assess"
	"github.com/gustycube/sensorwatch/internal/report"
)

// ErrAlreadyRunning is returned when a run is requested while another is active.
var ErrAlreadyRunning = errors.New("pipeline already running")

type Stage string

const (
	StageHandshake Stage = "handshake"
	StageFetch     Stage = "fetch"
	StageAssess    Stage = "assess"
	StageAssemble  Stage = "assemble"
	StageUpload    Stage = "upload"
)

// Stages lists every stage in execution order.
var Stages = []Stage{StageHandshake, StageFetch, StageAssess, StageAssemble, StageUpload}

type StageStatus string

const (
	StageOK       StageStatus = "ok"
	StageDegraded StageStatus = "degraded"
	StageFailed   StageStatus = "failed"
	StageSkipped  StageStatus = "skipped"
)

// StageOutcome records how one stage of a run ended.
type StageOutcome struct {
	Stage    Stage         `json:"stage"`
	Status   StageStatus   `json:"status"`
	Detail   string        `json:"detail,omitempty"`
	Duration time.Duration `json:"duration_ns"`
}

type RunStatus string

const (
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// Run is one pass through the pipeline. A Run is never modified after it is published.
type Run struct {
	ID         string              `json:"id"`
	Start      time.Time           `json:"start"`
	End        time.Time           `json:"end"`
	Status     RunStatus           `json:"status"`
	Stages     []StageOutcome      `json:"stages"`
	Snapshot   *analytics.Snapshot `json:"snapshot,omitempty"`
	Assessment *assess.Assessment  `json:"assessment,omitempty"`
	Artifact   *report.Location    `json:"artifact,omitempty"`
	Uploaded   bool                `json:"uploaded"`
	Error      string              `json:"error,omitempty"`
	// ErrorKind classifies Error: transport, timeout, protocol, remote, no_data, panic or internal.
	ErrorKind string `json:"error_kind,omitempty"`
}

// Duration is the wall-clock length of the run.
func (r *Run) Duration() time.Duration { return r.End.Sub(r.Start) }

// Outcome returns the recorded outcome of stage, if the run reached it.
func (r *Run) Outcome(stage Stage) (StageOutcome, bool) {
	for _, o := range r.Stages {
		if o.Stage == stage {
			return o, true
		}
	}
	return StageOutcome{}, false
}

// Degraded reports a run that succeeded with at least one stage not ok.
func (r *Run) Degraded() bool {
	if r.Status != RunSucceeded {
		return false
	}
	for _, o := range r.Stages {
		if o.Status == StageDegraded || o.Status == StageFailed {
			return true
		}
	}
	return false
}

// Status is what status queries return. It is always safe to serialize.
type Status struct {
	Running bool       `json:"running"`
	NextRun *time.Time `json:"next_run,omitempty"`
	LastRun *Run       `json:"last_run,omitempty"`
	Message string     `json:"message"`
	Error   string     `json:"error,omitempty"`
}

// NewStatus builds the human-readable status for the given state.
func NewStatus(running bool, last *Run, next *time.Time) Status {
	s := Status{Running: running, LastRun: last, NextRun: next}
	switch {
	case running:
		s.Message = "analysis running"
	case last == nil:
		s.Message = "no analysis has run yet"
	case last.Status == RunFailed:
		s.Message = fmt.Sprintf("last analysis failed at %s", last.End.Format(time.RFC3339))
	case last.Degraded():
		s.Message = fmt.Sprintf("last analysis completed degraded at %s", last.End.Format(time.RFC3339))
	default:
		s.Message = fmt.Sprintf("last analysis completed at %s", last.End.Format(time.RFC3339))
	}
	if last != nil && last.Status == RunFailed {
		s.Error = last.Error
	}
	return s
}
