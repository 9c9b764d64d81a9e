// Package circuitbreaker stops calling a model endpoint that keeps failing, so a dead primary
// costs one fast rejection per run instead of a full timeout.
package circuitbreaker

import (
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	ErrOpen            = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config tunes a breaker.
type Config struct {
	// MaxRequests is how many probes may run while half-open.
	MaxRequests uint32
	// Interval is how often closed-state counts are cleared.
	Interval time.Duration
	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration
	// Threshold is the number of outcomes needed before the failure ratio is judged, and the
	// number of successful probes needed to close again.
	Threshold uint32
	// FailureRatio at or above which a closed breaker opens.
	FailureRatio float64
	// OnStateChange is called with the breaker's name on every transition. It runs under the
	// breaker's lock and must not call back into it.
	OnStateChange func(name string, from, to State)
}

func DefaultConfig() Config {
	return Config{
		MaxRequests:  1,
		Interval:     60 * time.Second,
		Timeout:      60 * time.Second,
		Threshold:    5,
		FailureRatio: 0.6,
	}
}

func (c *Config) normalize() {
	if c.MaxRequests == 0 {
		c.MaxRequests = 1
	}
	if c.Interval == 0 {
		c.Interval = 60 * time.Second
	}
	if c.Timeout == 0 {
		c.Timeout = 60 * time.Second
	}
	if c.Threshold == 0 {
		c.Threshold = 1
	}
}

// Breaker guards one endpoint.
type Breaker struct {
	name string
	cfg  Config

	mu       sync.Mutex
	state    State
	expiry   time.Time
	inFlight uint32 // probes admitted while half-open
	total    uint32
	failures uint32
}

func New(name string, cfg Config) *Breaker {
	cfg.normalize()
	b := &Breaker{name: name, cfg: cfg}
	b.resetCounts(time.Now())
	return b
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current(time.Now())
}

// Counts returns outcomes recorded in the current generation.
func (b *Breaker) Counts() (total, failures uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total, b.failures
}

// Execute runs fn unless the breaker is rejecting calls. fn's error counts as a failure.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := fn()
	b.record(err == nil)
	return err
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.current(time.Now()) {
	case StateOpen:
		return ErrOpen
	case StateHalfOpen:
		if b.inFlight >= b.cfg.MaxRequests {
			return ErrTooManyRequests
		}
		b.inFlight++
	}
	return nil
}

func (b *Breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	switch b.current(now) {
	case StateClosed:
		b.total++
		if !success {
			b.failures++
		}
		if b.total >= b.cfg.Threshold && float64(b.failures)/float64(b.total) >= b.cfg.FailureRatio {
			b.transition(StateOpen, now)
		}
	case StateHalfOpen:
		if !success {
			b.transition(StateOpen, now)
			return
		}
		b.total++
		if b.inFlight > 0 {
			b.inFlight--
		}
		if b.total >= b.cfg.Threshold {
			b.transition(StateClosed, now)
		}
	}
}

// current advances time-based transitions and returns the state.
func (b *Breaker) current(now time.Time) State {
	switch b.state {
	case StateClosed:
		if now.After(b.expiry) {
			b.resetCounts(now)
		}
	case StateOpen:
		if now.After(b.expiry) {
			b.transition(StateHalfOpen, now)
		}
	}
	return b.state
}

func (b *Breaker) transition(to State, now time.Time) {
	from := b.state
	b.state = to
	b.resetCounts(now)
	if b.cfg.OnStateChange != nil && from != to {
		b.cfg.OnStateChange(b.name, from, to)
	}
}

func (b *Breaker) resetCounts(now time.Time) {
	b.total, b.failures, b.inFlight = 0, 0, 0
	switch b.state {
	case StateClosed:
		b.expiry = now.Add(b.cfg.Interval)
	case StateOpen:
		b.expiry = now.Add(b.cfg.Timeout)
	default:
		b.expiry = time.Time{}
	}
}

// Set holds one breaker per endpoint, created on first use.
type Set struct {
	cfg Config

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

func NewSet(cfg Config) *Set {
	return &Set{cfg: cfg, breakers: make(map[string]*Breaker)}
}

func (s *Set) Execute(endpoint string, fn func() error) error {
	return s.get(endpoint).Execute(fn)
}

func (s *Set) State(endpoint string) State { return s.get(endpoint).State() }

func (s *Set) get(endpoint string) *Breaker {
	s.mu.RLock()
	b, ok := s.breakers[endpoint]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.breakers[endpoint]; ok {
		return b
	}
	b = New(endpoint, s.cfg)
	s.breakers[endpoint] = b
	return b
}

// Stat is a point-in-time view of one endpoint's breaker.
type Stat struct {
	Endpoint string `json:"endpoint"`
	State    string `json:"state"`
	Total    uint32 `json:"total"`
	Failures uint32 `json:"failures"`
}

// Stats lists every known endpoint, sorted by name.
func (s *Set) Stats() []Stat {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Stat, 0, len(s.breakers))
	for name, b := range s.breakers {
		total, failures := b.Counts()
		out = append(out, Stat{Endpoint: name, State: b.State().String(), Total: total, Failures: failures})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint < out[j].Endpoint })
	return out
}

// Reset forgets an endpoint's history.
func (s *Set) Reset(endpoint string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.breakers, endpoint)
}
