package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"strings"
	"time"

	"github.com/gustycube/sensorwatch/internal/circuitbreaker"
	"github.com/gustycube/sensorwatch/internal/logging"
)

// Status represents the health status of a component
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Check represents a health check for a component
type Check struct {
	Name        string        `json:"name"`
	Status      Status        `json:"status"`
	Message     string        `json:"message,omitempty"`
	LastChecked time.Time     `json:"last_checked"`
	Duration    time.Duration `json:"duration_ms"`
}

// Response represents the overall health response
type Response struct {
	Status    Status            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    []Check           `json:"checks"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Checker defines the interface for health checks
type Checker interface {
	Check(ctx context.Context) Check
}

// Handler manages health and readiness checks
type Handler struct {
	mu       sync.RWMutex
	checkers map[string]Checker
	metadata map[string]string
	logger   *logging.Logger
	ready    bool
}

// NewHandler creates a new health handler
func NewHandler(logger *logging.Logger) *Handler {
	return &Handler{
		checkers: make(map[string]Checker),
		metadata: make(map[string]string),
		logger:   logger,
	}
}

// RegisterChecker adds a health checker
func (h *Handler) RegisterChecker(name string, checker Checker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkers[name] = checker
}

// SetMetadata sets metadata for the health response
func (h *Handler) SetMetadata(key, value string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.metadata[key] = value
}

// SetReady marks the service as ready
func (h *Handler) SetReady(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ready = ready
}

// IsReady returns the readiness status
func (h *Handler) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ready
}

// Evaluate runs every registered checker and folds the results into one response.
func (h *Handler) Evaluate(ctx context.Context) Response {
	h.mu.RLock()
	names := make([]string, 0, len(h.checkers))
	checkers := make(map[string]Checker, len(h.checkers))
	for k, v := range h.checkers {
		names = append(names, k)
		checkers[k] = v
	}
	metadata := make(map[string]string, len(h.metadata))
	for k, v := range h.metadata {
		metadata[k] = v
	}
	h.mu.RUnlock()
	sort.Strings(names)

	response := Response{
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Checks:    []Check{},
		Metadata:  metadata,
	}
	for _, name := range names {
		check := checkers[name].Check(ctx)
		check.Name = name
		response.Checks = append(response.Checks, check)

		if check.Status == StatusUnhealthy {
			response.Status = StatusUnhealthy
		} else if check.Status == StatusDegraded && response.Status == StatusHealthy {
			response.Status = StatusDegraded
		}
	}
	return response
}

// HealthHandler handles health check requests
func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	response := h.Evaluate(ctx)

	// degraded still answers 200
	statusCode := http.StatusOK
	if response.Status == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
		h.logger.Warnw("health check unhealthy", "checks", response.Checks)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(response)
}

// ReadinessHandler handles readiness check requests
func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	ready := h.ready
	metadata := make(map[string]string, len(h.metadata))
	for k, v := range h.metadata {
		metadata[k] = v
	}
	h.mu.RUnlock()

	response := map[string]interface{}{
		"ready":     ready,
		"timestamp": time.Now(),
		"metadata":  metadata,
	}

	statusCode := http.StatusOK
	if !ready {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(response)
}

// LivenessHandler always answers OK while the process is up.
func (h *Handler) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"alive":     true,
		"timestamp": time.Now(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)
}

// PingChecker reports unhealthy when its ping function fails. Used for Redis.
type PingChecker struct {
	what string
	ping func(ctx context.Context) error
}

// NewPingChecker creates a checker around ping. A nil ping means "not configured".
func NewPingChecker(what string, ping func(ctx context.Context) error) *PingChecker {
	return &PingChecker{what: what, ping: ping}
}

// Check performs the ping
func (c *PingChecker) Check(ctx context.Context) Check {
	start := time.Now()

	if c.ping == nil {
		return Check{
			Status:      StatusHealthy,
			Message:     c.what + " not configured",
			LastChecked: time.Now(),
			Duration:    time.Since(start) / time.Millisecond,
		}
	}

	err := c.ping(ctx)
	duration := time.Since(start)

	if err != nil {
		return Check{
			Status:      StatusUnhealthy,
			Message:     c.what + " connection failed: " + err.Error(),
			LastChecked: time.Now(),
			Duration:    duration / time.Millisecond,
		}
	}

	return Check{
		Status:      StatusHealthy,
		Message:     c.what + " connection OK",
		LastChecked: time.Now(),
		Duration:    duration / time.Millisecond,
	}
}

// RunReport is the slice of a pipeline run that health cares about.
type RunReport struct {
	Failed   bool
	Degraded bool
	Error    string
	Finished time.Time
}

// LastRunChecker degrades when the most recent pipeline run failed or is stale.
type LastRunChecker struct {
	last   func() (RunReport, bool)
	maxAge time.Duration
}

// NewLastRunChecker creates a checker. last returns false when no run has completed yet.
// A run older than maxAge (if non-zero) is reported as degraded.
func NewLastRunChecker(last func() (RunReport, bool), maxAge time.Duration) *LastRunChecker {
	return &LastRunChecker{last: last, maxAge: maxAge}
}

// Check inspects the last run
func (c *LastRunChecker) Check(ctx context.Context) Check {
	start := time.Now()
	check := Check{Status: StatusHealthy, Message: "last run succeeded", LastChecked: start}

	run, ok := c.last()
	switch {
	case !ok:
		check.Message = "no run completed yet"
	case run.Failed:
		check.Status = StatusDegraded
		check.Message = "last run failed: " + run.Error
	case c.maxAge > 0 && time.Since(run.Finished) > c.maxAge:
		check.Status = StatusDegraded
		check.Message = "last run is stale"
	case run.Degraded:
		check.Status = StatusDegraded
		check.Message = "last run completed degraded"
	}
	check.Duration = time.Since(start) / time.Millisecond
	return check
}

// BreakerChecker degrades while any endpoint breaker is not closed.
type BreakerChecker struct {
	stats func() []circuitbreaker.Stat
}

func NewBreakerChecker(stats func() []circuitbreaker.Stat) *BreakerChecker {
	return &BreakerChecker{stats: stats}
}

func (c *BreakerChecker) Check(ctx context.Context) Check {
	start := time.Now()
	check := Check{Status: StatusHealthy, Message: "all endpoints closed", LastChecked: start}

	var tripped []string
	for _, st := range c.stats() {
		if st.State != circuitbreaker.StateClosed.String() {
			tripped = append(tripped, st.Endpoint+" "+st.State)
		}
	}
	if len(tripped) > 0 {
		check.Status = StatusDegraded
		check.Message = "breakers tripped: " + strings.Join(tripped, ", ")
	}
	check.Duration = time.Since(start) / time.Millisecond
	return check
}
