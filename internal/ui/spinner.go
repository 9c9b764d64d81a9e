package ui

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// IsTerminal reports whether f is a character device.
func IsTerminal(f *os.File) bool {
	stat, err := f.Stat()
	if err != nil {
		return false
	}
	return (stat.Mode() & os.ModeCharDevice) != 0
}

// Spinner animates one status line until stopped. It is silent when disabled.
type Spinner struct {
	mu       sync.Mutex
	out      io.Writer
	chars    []rune
	current  int
	message  string
	started  time.Time
	interval time.Duration
	enabled  bool
	stop     chan struct{}
	done     chan struct{}
}

func NewSpinner(out io.Writer, enabled bool) *Spinner {
	return &Spinner{
		out:      out,
		chars:    []rune{'⠋', '⠙', '⠹', '⠸', '⠼', '⠴', '⠦', '⠧', '⠇', '⠏'},
		interval: 100 * time.Millisecond,
		enabled:  enabled,
	}
}

// Start shows message with elapsed time. Starting an active spinner only changes the message.
func (s *Spinner) Start(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.message = message
	if !s.enabled || s.stop != nil {
		return
	}
	s.started = time.Now()
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.loop(s.stop, s.done)
}

func (s *Spinner) loop(stop, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			s.mu.Lock()
			fmt.Fprintf(s.out, "\r%s", s.frame())
			s.mu.Unlock()
		}
	}
}

// frame renders the next animation step. Caller holds s.mu.
func (s *Spinner) frame() string {
	s.current = (s.current + 1) % len(s.chars)
	return fmt.Sprintf("%c %s (%s)", s.chars[s.current], s.message, time.Since(s.started).Truncate(time.Second))
}

// Stop halts the animation and clears the line.
func (s *Spinner) Stop() {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
	s.mu.Lock()
	fmt.Fprintf(s.out, "\r%s\r", strings.Repeat(" ", len(s.message)+20))
	s.mu.Unlock()
}

func (s *Spinner) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stop != nil
}
