// Package health reports whether a rabbitkit process can reach its broker.
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/glimte/rabbitkit/internal/jsoncodec"
)

// Status represents the health status
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult is the outcome of one check
type CheckResult struct {
	Name    string         `json:"name"`
	Status  Status         `json:"status"`
	Message string         `json:"message,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// Report combines the results of every registered check
type Report struct {
	Status    Status        `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Checks    []CheckResult `json:"checks"`
}

// Checker is a single health check
type Checker interface {
	Check(ctx context.Context) CheckResult
}

// Registry runs the registered checks in order
type Registry struct {
	mu       sync.RWMutex
	checkers []Checker
}

// NewRegistry creates an empty registry
func NewRegistry(checkers ...Checker) *Registry {
	return &Registry{checkers: checkers}
}

// Register adds a checker
func (r *Registry) Register(checker Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkers = append(r.checkers, checker)
}

// Check runs every check. The report is unhealthy if any check is, or if
// ctx ends before all checks ran.
func (r *Registry) Check(ctx context.Context) Report {
	r.mu.RLock()
	checkers := append([]Checker(nil), r.checkers...)
	r.mu.RUnlock()

	report := Report{Status: StatusHealthy, Timestamp: time.Now()}
	for _, checker := range checkers {
		if err := ctx.Err(); err != nil {
			report.Status = StatusUnhealthy
			report.Checks = append(report.Checks, CheckResult{Status: StatusUnhealthy, Message: err.Error()})
			break
		}
		result := checker.Check(ctx)
		if result.Status != StatusHealthy {
			report.Status = StatusUnhealthy
		}
		report.Checks = append(report.Checks, result)
	}
	return report
}

// Handler serves the report as JSON; unhealthy answers 503
func Handler(registry *Registry, timeout time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		report := registry.Check(ctx)
		body, err := jsoncodec.Marshal(report)
		if err != nil {
			http.Error(w, "failed to encode health report", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode(report.Status))
		_, _ = w.Write(body)
	}
}

// ReadinessHandler answers "ready" or 503 "not ready"
func ReadinessHandler(registry *Registry, timeout time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		status := registry.Check(ctx).Status
		w.WriteHeader(statusCode(status))
		if status == StatusHealthy {
			_, _ = w.Write([]byte("ready"))
		} else {
			_, _ = w.Write([]byte("not ready"))
		}
	}
}

// LivenessHandler always answers 200
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("alive"))
	}
}

func statusCode(s Status) int {
	if s == StatusHealthy {
		return http.StatusOK
	}
	return http.StatusServiceUnavailable
}
