package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/wardengate/wardengate/internal/domain/policy"
	"github.com/wardengate/wardengate/internal/service"
)

// readyProbeTimeout bounds the store round-trip in the readiness check.
const readyProbeTimeout = 2 * time.Second

// HealthResponse is the JSON body of the readiness endpoint.
type HealthResponse struct {
	Status  string            `json:"status"`
	Checks  map[string]string `json:"checks"`
	Version string            `json:"version,omitempty"`
}

// HealthChecker probes the components a serving gateway depends on: the
// policy store and the compiled evaluator snapshot. Nil components
// report as not configured without failing the check.
type HealthChecker struct {
	store     policy.Store
	evaluator *service.Evaluator
	recorder  *service.Recorder
	version   string
}

// NewHealthChecker builds a readiness prober.
func NewHealthChecker(store policy.Store, evaluator *service.Evaluator, recorder *service.Recorder, version string) *HealthChecker {
	return &HealthChecker{
		store:     store,
		evaluator: evaluator,
		recorder:  recorder,
		version:   version,
	}
}

// Check runs every probe. The store check is a real round-trip so a
// wedged database flips readiness before requests start failing.
func (h *HealthChecker) Check(ctx context.Context) HealthResponse {
	checks := make(map[string]string)
	ready := true

	if h.store != nil {
		probeCtx, cancel := context.WithTimeout(ctx, readyProbeTimeout)
		if _, err := h.store.List(probeCtx, policy.Filter{}); err != nil {
			checks["store"] = "error: " + err.Error()
			ready = false
		} else {
			checks["store"] = "ok"
		}
		cancel()
	} else {
		checks["store"] = "not configured"
	}

	if h.evaluator != nil {
		// The evaluator cannot exist without a compiled snapshot.
		allowed, denied, faulted := h.evaluator.Counts()
		checks["evaluator"] = fmt.Sprintf("ok: %d allowed, %d denied, %d faulted", allowed, denied, faulted)
	} else {
		checks["evaluator"] = "not configured"
		ready = false
	}

	if h.recorder != nil {
		if drops := h.recorder.Dropped(); drops > 0 {
			checks["audit"] = fmt.Sprintf("degraded: %d dropped", drops)
		} else {
			checks["audit"] = "ok"
		}
	} else {
		checks["audit"] = "not configured"
	}

	status := "ready"
	if !ready {
		status = "unready"
	}
	return HealthResponse{Status: status, Checks: checks, Version: h.version}
}

// handleHealth is the liveness endpoint: the process is up and serving.
// GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": s.version,
	})
}

// handleReady is the readiness endpoint: dependencies are reachable and
// a policy snapshot is loaded.
// GET /ready
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		s.respondJSON(w, http.StatusOK, HealthResponse{
			Status:  "ready",
			Checks:  map[string]string{"probes": "not configured"},
			Version: s.version,
		})
		return
	}

	resp := s.health.Check(r.Context())
	status := http.StatusOK
	if resp.Status != "ready" {
		status = http.StatusServiceUnavailable
	}
	s.respondJSON(w, status, resp)
}
