// Package health runs named health checks and serves their outcome over
// HTTP.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Status represents the health status
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// worse reports whether s is worse than other.
func (s Status) worse(other Status) bool {
	rank := map[Status]int{StatusHealthy: 0, StatusDegraded: 1, StatusUnhealthy: 2}
	return rank[s] > rank[other]
}

// CheckResult represents the result of a health check
type CheckResult struct {
	Name      string         `json:"name"`
	Status    Status         `json:"status"`
	Message   string         `json:"message,omitempty"`
	Duration  time.Duration  `json:"duration"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Error     string         `json:"error,omitempty"`
}

// OverallHealth represents the overall system health
type OverallHealth struct {
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Duration  time.Duration          `json:"duration"`
	Checks    map[string]CheckResult `json:"checks"`
	Metadata  map[string]any         `json:"metadata,omitempty"`
}

// Checker defines the interface for health checks
type Checker interface {
	Check(ctx context.Context) CheckResult
	Name() string
}

// CheckerFunc is a function adapter for Checker
type CheckerFunc struct {
	name string
	fn   func(ctx context.Context) CheckResult
}

func NewCheckerFunc(name string, fn func(ctx context.Context) CheckResult) *CheckerFunc {
	return &CheckerFunc{name: name, fn: fn}
}

func (c *CheckerFunc) Check(ctx context.Context) CheckResult {
	return c.fn(ctx)
}

func (c *CheckerFunc) Name() string {
	return c.name
}

// Registry manages health checks
type Registry struct {
	mu       sync.RWMutex
	checkers map[string]Checker
	metadata map[string]any
}

// NewRegistry creates a new health check registry
func NewRegistry() *Registry {
	return &Registry{
		checkers: make(map[string]Checker),
		metadata: make(map[string]any),
	}
}

// Register adds a health checker, replacing any checker with the same name.
func (r *Registry) Register(checker Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkers[checker.Name()] = checker
}

// Names returns the registered checker names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.checkers))
	for name := range r.checkers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SetMetadata sets global metadata
func (r *Registry) SetMetadata(key string, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metadata[key] = value
}

// Check runs every registered check concurrently. Checks still running
// when ctx ends are reported unhealthy, as are checks that panic.
func (r *Registry) Check(ctx context.Context) OverallHealth {
	start := time.Now()

	r.mu.RLock()
	checkers := make([]Checker, 0, len(r.checkers))
	for _, c := range r.checkers {
		checkers = append(checkers, c)
	}
	metadata := maps.Clone(r.metadata)
	r.mu.RUnlock()

	results := make(chan CheckResult, len(checkers))
	pending := make(map[string]struct{}, len(checkers))
	for _, c := range checkers {
		pending[c.Name()] = struct{}{}
		go func(c Checker) { results <- run(ctx, c) }(c)
	}

	report := OverallHealth{
		Status:   StatusHealthy,
		Checks:   make(map[string]CheckResult, len(checkers)),
		Metadata: metadata,
	}
	for len(pending) > 0 {
		select {
		case res := <-results:
			delete(pending, res.Name)
			report.add(res)
		case <-ctx.Done():
			for name := range pending {
				report.add(CheckResult{
					Name:      name,
					Status:    StatusUnhealthy,
					Message:   "check timed out",
					Duration:  time.Since(start),
					Timestamp: time.Now(),
					Error:     ctx.Err().Error(),
				})
			}
			pending = nil
		}
	}

	report.Timestamp = time.Now()
	report.Duration = time.Since(start)
	return report
}

func (h *OverallHealth) add(res CheckResult) {
	h.Checks[res.Name] = res
	if res.Status.worse(h.Status) {
		h.Status = res.Status
	}
}

// run executes one check and fills in what the checker left out.
func run(ctx context.Context, c Checker) (res CheckResult) {
	began := time.Now()
	defer func() {
		if p := recover(); p != nil {
			res = CheckResult{Status: StatusUnhealthy, Message: "check panicked", Error: fmt.Sprint(p)}
		}
		res.Name = c.Name()
		if res.Duration == 0 {
			res.Duration = time.Since(began)
		}
		if res.Timestamp.IsZero() {
			res.Timestamp = time.Now()
		}
	}()
	return c.Check(ctx)
}

// Handler provides HTTP endpoint for health checks
type Handler struct {
	registry *Registry
	timeout  time.Duration
}

// NewHandler creates a new health check HTTP handler
func NewHandler(registry *Registry, timeout time.Duration) *Handler {
	return &Handler{
		registry: registry,
		timeout:  timeout,
	}
}

// ServeHTTP implements http.Handler. Degraded results still answer 200.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	health := h.registry.Check(ctx)

	statusCode := http.StatusOK
	if health.Status == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	_ = encoder.Encode(health)
}

// LivenessHandler answers 200 as long as the process serves HTTP.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("alive"))
	}
}
