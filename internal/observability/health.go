package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Probe reports whether one dependency of the ledger is usable.
type Probe func(ctx context.Context) error

// HealthChecker tracks liveness and readiness. Readiness needs both the
// recovery gate (SetReady) and every registered probe to pass.
type HealthChecker struct {
	ready     atomic.Bool
	reason    atomic.Value
	startTime time.Time

	// ProbeTimeout bounds each probe during a readiness check.
	ProbeTimeout time.Duration

	mu     sync.RWMutex
	probes map[string]Probe
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		startTime:    time.Now(),
		ProbeTimeout: 2 * time.Second,
		probes:       make(map[string]Probe),
	}
}

// Register adds a named dependency probe, e.g. "postgres" or "nats".
func (h *HealthChecker) Register(name string, p Probe) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.probes[name] = p
}

// SetReady opens or closes the recovery gate.
func (h *HealthChecker) SetReady(ready bool) {
	h.ready.Store(ready)
	if ready {
		h.reason.Store("")
	}
}

// SetNotReady closes the gate and records why, e.g. a failed integrity
// check or shutdown.
func (h *HealthChecker) SetNotReady(reason string) {
	h.ready.Store(false)
	h.reason.Store(reason)
}

func (h *HealthChecker) IsReady() bool {
	return h.ready.Load()
}

// Check runs every probe and returns the failures by name.
func (h *HealthChecker) Check(ctx context.Context) map[string]string {
	h.mu.RLock()
	names := make([]string, 0, len(h.probes))
	for name := range h.probes {
		names = append(names, name)
	}
	sort.Strings(names)
	probes := make([]Probe, len(names))
	for i, name := range names {
		probes[i] = h.probes[name]
	}
	h.mu.RUnlock()

	failed := make(map[string]string)
	for i, p := range probes {
		pctx, cancel := context.WithTimeout(ctx, h.ProbeTimeout)
		err := p(pctx)
		cancel()
		if err != nil {
			failed[names[i]] = err.Error()
		}
	}
	return failed
}

// LivenessHandler returns 200 while the process runs.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "alive",
		"uptime": time.Since(h.startTime).String(),
	})
}

// ReadinessHandler returns 200 once recovery finished and every probe
// passes, 503 otherwise.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if !h.ready.Load() {
		reason, _ := h.reason.Load().(string)
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "not_ready",
			"reason": reason,
		})
		return
	}
	if failed := h.Check(r.Context()); len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":       "degraded",
			"dependencies": failed,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}
