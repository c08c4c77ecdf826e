package observability

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// HealthChecker backs the /healthz and /readyz probes. Liveness reports only
// that the process is up; readiness additionally requires SetReady(true),
// which the daemon flips once recovery, the database and NATS are all up.
type HealthChecker struct {
	mu         sync.RWMutex
	ready      bool
	subsystems map[string]bool
	startTime  time.Time
}

type livenessResponse struct {
	Status        string  `json:"status"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

type readinessResponse struct {
	Status     string          `json:"status"`
	Subsystems map[string]bool `json:"subsystems,omitempty"`
}

// NewHealthChecker creates a new health checker.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		subsystems: make(map[string]bool),
		startTime:  time.Now(),
	}
}

// SetReady marks the service as ready to accept traffic.
func (h *HealthChecker) SetReady(ready bool) {
	h.mu.Lock()
	h.ready = ready
	h.mu.Unlock()
}

// SetSubsystem records the up/down state of a named dependency, reported in
// the readiness body for operators.
func (h *HealthChecker) SetSubsystem(name string, up bool) {
	h.mu.Lock()
	h.subsystems[name] = up
	h.mu.Unlock()
}

// IsReady returns whether the service is ready.
func (h *HealthChecker) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ready
}

// Subsystems returns a sorted list of subsystem names currently tracked.
func (h *HealthChecker) Subsystems() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.subsystems))
	for name := range h.subsystems {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LivenessHandler returns HTTP 200 whenever the process can serve it.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeProbe(w, http.StatusOK, livenessResponse{
		Status:        "alive",
		UptimeSeconds: time.Since(h.startTime).Seconds(),
	})
}

// ReadinessHandler returns HTTP 200 once SetReady(true) has been called and
// 503 before that and during shutdown, with per-subsystem detail in the body.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	resp := readinessResponse{Status: "ready", Subsystems: make(map[string]bool, len(h.subsystems))}
	for name, up := range h.subsystems {
		resp.Subsystems[name] = up
	}
	ready := h.ready
	h.mu.RUnlock()

	code := http.StatusOK
	if !ready {
		code = http.StatusServiceUnavailable
		resp.Status = "not_ready"
	}
	writeProbe(w, code, resp)
}

func writeProbe(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}
