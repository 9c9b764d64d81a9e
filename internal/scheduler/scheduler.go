package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gustycube/sensorwatch/internal/pipeline"
	"github.com/gustycube/sensorwatch/internal/queue"
	"go.uber.org/zap"
)

// ErrStarted is returned by Start on a running scheduler.
var ErrStarted = errors.New("scheduler already started")

// idlePoll is how often Done's closer checks for a detached run to finish.
const idlePoll = 20 * time.Millisecond

// Runner is the part of the orchestrator the scheduler drives.
type Runner interface {
	Run(ctx context.Context) (*pipeline.Run, error)
	Trigger(ctx context.Context) error
	Running() bool
	LastRun() *pipeline.Run
}

// Leaser hands out remote triggers. *queue.RedisQueue implements it.
type Leaser interface {
	Lease(ctx context.Context) (*queue.Lease, error)
}

type Scheduler struct {
	orch         Runner
	interval     time.Duration
	initialDelay time.Duration
	log          *zap.SugaredLogger
	remote       Leaser

	mu     sync.Mutex
	next   time.Time
	cancel context.CancelFunc
	done   chan struct{}
}

func New(orch Runner, interval, initialDelay time.Duration, log *zap.SugaredLogger) *Scheduler {
	if interval <= 0 {
		interval = time.Hour
	}
	if initialDelay < 0 {
		initialDelay = 0
	}
	return &Scheduler{orch: orch, interval: interval, initialDelay: initialDelay, log: log}
}

// WithRemote makes Start also consume triggers from l.
func (s *Scheduler) WithRemote(l Leaser) *Scheduler {
	s.remote = l
	return s
}

// Start begins ticking: the first run fires after the initial delay, then every interval.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return ErrStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.next = time.Now().Add(s.initialDelay)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.loop(ctx)
	}()
	if s.remote != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.consume(ctx)
		}()
	}
	done := s.done
	go func() {
		wg.Wait()
		s.awaitIdle()
		close(done)
	}()

	s.log.Infow("scheduler started", "interval", s.interval, "first_run", s.next, "remote", s.remote != nil)
	return nil
}

// Stop prevents further ticks. A run already in progress, scheduled or triggered, is left to
// finish; Done is closed once it has.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.cancel = nil
	s.next = time.Time{}
	s.log.Infow("scheduler stopped")
}

// Done is closed after Stop once the scheduler's goroutines have exited and no run is in
// flight. It is nil before Start.
func (s *Scheduler) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Status never fails; it reports the orchestrator state plus the next scheduled run.
func (s *Scheduler) Status() pipeline.Status {
	s.mu.Lock()
	var next *time.Time
	if !s.next.IsZero() {
		n := s.next
		next = &n
	}
	s.mu.Unlock()
	return pipeline.NewStatus(s.orch.Running(), s.orch.LastRun(), next)
}

// TriggerNow starts an out-of-schedule run in the background.
func (s *Scheduler) TriggerNow() error {
	err := s.orch.Trigger(context.Background())
	if errors.Is(err, pipeline.ErrAlreadyRunning) {
		s.log.Infow("manual trigger ignored, already running")
	}
	return err
}

func (s *Scheduler) loop(ctx context.Context) {
	timer := time.NewTimer(s.initialDelay)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		s.mu.Lock()
		if ctx.Err() == nil {
			s.next = time.Now().Add(s.interval)
		}
		s.mu.Unlock()

		start := time.Now()
		s.tick(ctx)
		// Runs longer than the interval start the next tick immediately.
		timer.Reset(max(s.interval-time.Since(start), 0))
	}
}

// awaitIdle blocks while the orchestrator has a run in flight. Triggered runs execute on the
// orchestrator's own goroutine, so this is the only way to see them end.
func (s *Scheduler) awaitIdle() {
	t := time.NewTicker(idlePoll)
	defer t.Stop()
	for s.orch.Running() {
		<-t.C
	}
}

// tick runs synchronously; the run outlives a Stop issued meanwhile.
func (s *Scheduler) tick(ctx context.Context) {
	run, err := s.orch.Run(context.WithoutCancel(ctx))
	if errors.Is(err, pipeline.ErrAlreadyRunning) {
		s.log.Infow("scheduled run skipped, already running")
		return
	}
	if err != nil {
		s.log.Errorw("scheduled run failed to start", "err", err)
		return
	}
	s.log.Infow("scheduled run complete", "run", run.ID, "status", run.Status)
}

func (s *Scheduler) consume(ctx context.Context) {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	b.MaxInterval = time.Minute
	for ctx.Err() == nil {
		lease, err := s.remote.Lease(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			wait := b.NextBackOff()
			s.log.Warnw("trigger lease failed", "err", err, "retry_in", wait)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		b.Reset()
		if lease == nil {
			continue
		}

		t := lease.Trigger
		switch err := s.orch.Trigger(ctx); {
		case errors.Is(err, pipeline.ErrAlreadyRunning):
			s.log.Infow("remote trigger ignored, already running", "trigger", t.ID, "requester", t.Requester)
		case err != nil:
			s.log.Warnw("remote trigger failed", "trigger", t.ID, "err", err)
		default:
			s.log.Infow("remote trigger started run", "trigger", t.ID, "requester", t.Requester, "reason", t.Reason, "attempt", t.Attempt)
		}
		// Triggers are never queued behind an active run, so they are acked either way.
		if err := lease.Ack(context.WithoutCancel(ctx)); err != nil {
			s.log.Warnw("trigger ack failed", "trigger", t.ID, "err", err)
		}
	}
}
