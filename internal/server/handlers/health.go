// Package handlers implements the HTTP handlers: health probes, version
// and the dashboard JSON API.
package handlers

import (
	"context"
	stderrors "errors"
	"net/http"
	"sort"
	"sync"
	"time"

	apperrors "github.com/3leaps/hpcdash/internal/errors"
)

// CheckTimeout bounds a single health check.
const CheckTimeout = 2 * time.Second

// Check statuses.
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
	StatusTimeout   = "timeout"
	StatusDegraded  = "degraded"
)

// HealthChecker is a named dependency probe.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

type HealthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// HealthManager runs registered checkers for the health endpoints.
type HealthManager struct {
	version string

	mu       sync.RWMutex
	checkers map[string]HealthChecker
}

func NewHealthManager(version string) *HealthManager {
	return &HealthManager{version: version, checkers: map[string]HealthChecker{}}
}

func (m *HealthManager) RegisterChecker(name string, c HealthChecker) {
	m.mu.Lock()
	m.checkers[name] = c
	m.mu.Unlock()
}

func (m *HealthManager) runChecks(ctx context.Context) map[string]string {
	m.mu.RLock()
	names := make([]string, 0, len(m.checkers))
	for name := range m.checkers {
		names = append(names, name)
	}
	m.mu.RUnlock()
	sort.Strings(names)

	results := make(map[string]string, len(names))
	for _, name := range names {
		m.mu.RLock()
		c := m.checkers[name]
		m.mu.RUnlock()

		cctx, cancel := context.WithTimeout(ctx, CheckTimeout)
		err := c.CheckHealth(cctx)
		cancel()
		switch {
		case err == nil:
			results[name] = StatusHealthy
		case stderrors.Is(err, context.DeadlineExceeded):
			results[name] = StatusTimeout
		case stderrors.Is(err, ErrDegraded):
			results[name] = StatusDegraded
		default:
			results[name] = StatusUnhealthy
		}
	}
	return results
}

// determineOverallStatus is unhealthy if any check failed, degraded if any
// timed out or degraded, healthy otherwise.
func (m *HealthManager) determineOverallStatus(checks map[string]string) string {
	status := StatusHealthy
	for _, s := range checks {
		switch s {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusTimeout, StatusDegraded:
			status = StatusDegraded
		}
	}
	return status
}

// HealthHandler serves the full check report. Unhealthy is a 503 error
// envelope carrying the per-check results.
func (m *HealthManager) HealthHandler(w http.ResponseWriter, r *http.Request) {
	checks := m.runChecks(r.Context())
	status := m.determineOverallStatus(checks)
	if status == StatusUnhealthy {
		respondWithError(w, r, &apperrors.AppError{
			Code:    apperrors.CodeServiceUnavailable,
			Status:  http.StatusServiceUnavailable,
			Message: "service unhealthy",
			Details: map[string]any{"checks": checks},
		})
		return
	}
	apperrors.WriteJSON(w, http.StatusOK, HealthResponse{Status: status, Version: m.version, Checks: checks})
}

// LivenessHandler reports the process is serving.
func (m *HealthManager) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	apperrors.WriteJSON(w, http.StatusOK, HealthResponse{Status: "alive", Version: m.version})
}

// ReadinessHandler is HealthHandler without the check breakdown on
// success.
func (m *HealthManager) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	checks := m.runChecks(r.Context())
	if m.determineOverallStatus(checks) == StatusUnhealthy {
		respondWithError(w, r, &apperrors.AppError{
			Code:    apperrors.CodeServiceUnavailable,
			Status:  http.StatusServiceUnavailable,
			Message: "service not ready",
			Details: map[string]any{"checks": checks},
		})
		return
	}
	apperrors.WriteJSON(w, http.StatusOK, HealthResponse{Status: "ready", Version: m.version})
}

// StartupHandler reports startup complete. Startup refreshes run in the
// background so the server is started once it accepts requests.
func (m *HealthManager) StartupHandler(w http.ResponseWriter, r *http.Request) {
	apperrors.WriteJSON(w, http.StatusOK, HealthResponse{Status: "started", Version: m.version})
}

var globalHealthManager *HealthManager

// InitHealthManager installs the process-wide manager.
func InitHealthManager(version string) *HealthManager {
	globalHealthManager = NewHealthManager(version)
	return globalHealthManager
}

func GetHealthManager() *HealthManager {
	return globalHealthManager
}

func withManager(fn func(*HealthManager, http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m := globalHealthManager
		if m == nil {
			respondWithError(w, r, apperrors.New(apperrors.CodeServiceUnavailable, http.StatusServiceUnavailable, "health manager not initialized"))
			return
		}
		fn(m, w, r)
	}
}

func HealthHandler(w http.ResponseWriter, r *http.Request) {
	withManager((*HealthManager).HealthHandler)(w, r)
}

func LivenessHandler(w http.ResponseWriter, r *http.Request) {
	withManager((*HealthManager).LivenessHandler)(w, r)
}

func ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	withManager((*HealthManager).ReadinessHandler)(w, r)
}

func StartupHandler(w http.ResponseWriter, r *http.Request) {
	withManager((*HealthManager).StartupHandler)(w, r)
}
