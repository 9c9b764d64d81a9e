package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gustycube/sensorwatch/internal/analytics"
	"github.com/gustycube/sensorwatch/internal/assess"
	"github.com/gustycube/sensorwatch/internal/metrics"
	"github.com/gustycube/sensorwatch/internal/report"
	"github.com/gustycube/sensorwatch/internal/rpc"
	"github.com/gustycube/sensorwatch/internal/telemetry"
	"github.com/gustycube/sensorwatch/internal/upload"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// Snapshotter produces the analytics snapshot. Handshake runs first; Fetch returns an error
// wrapping analytics.ErrNoData when no dimension could be fetched.
type Snapshotter interface {
	Handshake(ctx context.Context) error
	Fetch(ctx context.Context, window analytics.Window) (*analytics.Snapshot, error)
}

type Assessor interface {
	Assess(ctx context.Context, snap *analytics.Snapshot) assess.Assessment
}

type Assembler interface {
	Assemble(snap *analytics.Snapshot, as assess.Assessment, dest string) (report.Location, error)
	WriteMinimal(snap *analytics.Snapshot, as assess.Assessment, dest string) (report.Location, error)
}

type Deps struct {
	Aggregator Snapshotter
	Assessor   Assessor
	Assembler  Assembler
	// Uploader may be nil or upload.Noop, in which case the upload stage is skipped.
	Uploader upload.Uploader
}

type Options struct {
	Window analytics.Window
	// RunTimeout bounds a whole run. Zero means no bound beyond the per-stage timeouts.
	RunTimeout time.Duration
}

// Orchestrator runs the pipeline. At most one run is active at a time.
type Orchestrator struct {
	deps    Deps
	opts    Options
	log     *zap.SugaredLogger
	running atomic.Bool
	last    atomic.Pointer[Run]
	now     func() time.Time
}

func New(deps Deps, opts Options, log *zap.SugaredLogger) *Orchestrator {
	if opts.Window.Duration() == 0 {
		opts.Window = analytics.DefaultWindow
	}
	return &Orchestrator{deps: deps, opts: opts, log: log, now: time.Now}
}

// Run executes one run synchronously. It returns ErrAlreadyRunning without doing anything when
// a run is active. Otherwise the returned Run is the one published as LastRun.
func (o *Orchestrator) Run(ctx context.Context) (*Run, error) {
	if !o.running.CompareAndSwap(false, true) {
		metrics.SkippedTriggers.Inc()
		return nil, ErrAlreadyRunning
	}
	defer o.running.Store(false)
	return o.execute(ctx), nil
}

// Trigger starts a run in the background. The run is detached from ctx cancellation.
func (o *Orchestrator) Trigger(ctx context.Context) error {
	if !o.running.CompareAndSwap(false, true) {
		metrics.SkippedTriggers.Inc()
		return ErrAlreadyRunning
	}
	go func() {
		defer o.running.Store(false)
		o.execute(context.WithoutCancel(ctx))
	}()
	return nil
}

// LastRun returns the most recently completed run, or nil.
func (o *Orchestrator) LastRun() *Run { return o.last.Load() }

func (o *Orchestrator) Running() bool { return o.running.Load() }

// Status reports the orchestrator's state without a schedule.
func (o *Orchestrator) Status() Status { return NewStatus(o.Running(), o.LastRun(), nil) }

// builder accumulates a run privately until it is published.
type builder struct {
	run   Run
	stamp time.Time
	now   func() time.Time
}

func (b *builder) record(stage Stage, status StageStatus, detail string) {
	now := b.now()
	b.run.Stages = append(b.run.Stages, StageOutcome{Stage: stage, Status: status, Detail: detail, Duration: now.Sub(b.stamp)})
	b.stamp = now
	metrics.Stages.WithLabelValues(string(stage), string(status)).Inc()
}

// skipRest marks every stage not yet recorded as skipped.
func (b *builder) skipRest() {
	for _, s := range Stages {
		if _, ok := b.run.Outcome(s); !ok {
			b.run.Stages = append(b.run.Stages, StageOutcome{Stage: s, Status: StageSkipped})
			metrics.Stages.WithLabelValues(string(s), string(StageSkipped)).Inc()
		}
	}
}

func (b *builder) fail(err error, kind string) {
	b.run.Status = RunFailed
	b.run.Error = err.Error()
	b.run.ErrorKind = kind
}

func (o *Orchestrator) execute(ctx context.Context) *Run {
	start := o.now().UTC()
	b := &builder{run: Run{ID: uuid.NewString(), Start: start}, stamp: start, now: o.now}

	ctx, span := telemetry.Tracer("pipeline").Start(ctx, "pipeline.Run")
	defer span.End()
	span.SetAttributes(attribute.String("run_id", b.run.ID))
	if o.opts.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.opts.RunTimeout)
		defer cancel()
	}

	o.log.Infow("run started", "run", b.run.ID, "window", o.opts.Window.String())

	func() {
		defer func() {
			if r := recover(); r != nil {
				o.log.Errorw("run panicked", "run", b.run.ID, "panic", r, "stack", string(debug.Stack()))
				b.fail(fmt.Errorf("panic: %v", r), "panic")
			}
		}()
		o.stages(ctx, b)
	}()
	b.skipRest()

	run := b.run
	run.End = o.now().UTC()
	if run.Status == "" {
		run.Status = RunSucceeded
	}
	if run.Status == RunFailed {
		span.SetStatus(codes.Error, run.Error)
	}
	span.SetAttributes(attribute.String("status", string(run.Status)))

	o.last.Store(&run)
	metrics.Runs.WithLabelValues(string(run.Status)).Inc()
	metrics.RunDuration.Observe(run.Duration().Seconds())
	o.log.Infow("run finished", "run", run.ID, "status", run.Status, "degraded", run.Degraded(),
		"duration", run.Duration(), "error", run.Error)
	return &run
}

func (o *Orchestrator) stages(ctx context.Context, b *builder) {
	if err := o.deps.Aggregator.Handshake(ctx); err != nil {
		b.record(StageHandshake, StageFailed, err.Error())
		b.fail(err, errorKind(err))
		o.log.Errorw("run aborted", "run", b.run.ID, "stage", StageHandshake, "err", err, "kind", b.run.ErrorKind)
		return
	}
	b.record(StageHandshake, StageOK, "")

	snap, err := o.deps.Aggregator.Fetch(ctx, o.opts.Window)
	if err != nil {
		kind := errorKind(err)
		if errors.Is(err, analytics.ErrNoData) {
			kind = "no_data"
		}
		b.record(StageFetch, StageFailed, err.Error())
		b.fail(err, kind)
		o.log.Errorw("run aborted", "run", b.run.ID, "stage", StageFetch, "err", err, "kind", kind)
		return
	}
	if snap.Degraded() {
		b.record(StageFetch, StageDegraded, partialDetail(snap))
	} else {
		b.record(StageFetch, StageOK, "")
	}
	b.run.Snapshot = snap

	as := o.deps.Assessor.Assess(ctx, snap)
	b.run.Assessment = &as
	switch {
	case as.Method == assess.MethodModel:
		b.record(StageAssess, StageOK, as.Model)
	case as.ModelError != "":
		b.record(StageAssess, StageDegraded, string(as.Method)+": "+as.ModelError)
	default:
		b.record(StageAssess, StageDegraded, string(as.Method))
	}

	dest := reportDir(b.run)
	loc, err := o.deps.Assembler.Assemble(snap, as, dest)
	if err != nil {
		o.log.Warnw("report assembly failed, writing minimal report", "run", b.run.ID, "err", err)
		loc, err = o.deps.Assembler.WriteMinimal(snap, as, dest)
		if err != nil {
			o.log.Errorw("minimal report failed", "run", b.run.ID, "err", err)
			b.record(StageAssemble, StageFailed, err.Error())
			return
		}
		b.record(StageAssemble, StageDegraded, "minimal report")
	} else {
		b.record(StageAssemble, StageOK, loc.Dir)
	}
	b.run.Artifact = &loc

	if o.deps.Uploader == nil {
		return
	}
	if _, noop := o.deps.Uploader.(upload.Noop); noop {
		return
	}
	if o.deps.Uploader.Upload(ctx, loc) {
		b.run.Uploaded = true
		b.record(StageUpload, StageOK, "")
	} else {
		o.log.Warnw("upload failed, ignoring", "run", b.run.ID, "dir", loc.Dir)
		b.record(StageUpload, StageFailed, "upload failed")
	}
}

// reportDir names the run's report directory.
func reportDir(r Run) string {
	return r.Start.Format("20060102T150405Z") + "-" + r.ID[:8]
}

func partialDetail(snap *analytics.Snapshot) string {
	dims := make([]string, 0, len(snap.Partial))
	for _, p := range snap.Partial {
		dims = append(dims, string(p.Dimension))
	}
	return fmt.Sprintf("partial data: %v", dims)
}

func errorKind(err error) string {
	if k := rpc.Kind(err); k != "" {
		return k
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "internal"
}
