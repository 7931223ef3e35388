package metrics

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// Status is the live state one subsystem reports from its probe: whether
// it is able to move packets, a short detail, and its current counters
// (in-flight xdb requests, pending resolver queues, client sessions).
type Status struct {
	Healthy bool           `json:"healthy"`
	Detail  string         `json:"detail,omitempty"`
	Stats   map[string]int `json:"stats,omitempty"`
}

// Probe reads the current state of one subsystem. Probes run on every
// health request, so they must be cheap and lock briefly.
type Probe func() Status

// Report is the aggregate answer of a health or readiness request.
type Report struct {
	Status     string            `json:"status"` // "healthy"/"ready" or not
	Timestamp  time.Time         `json:"timestamp"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
	Subsystems map[string]Status `json:"subsystems,omitempty"`
	Message    string            `json:"message,omitempty"`
}

// criticalSubsystems must be probed healthy before the daemon counts as
// ready to route: the router itself (out of startup-queue mode) and the
// heartbeat driving every timer-based contract (xdb resend, resolver
// sweep, auth timeout).
var criticalSubsystems = []string{"router", "heartbeat"}

var health = struct {
	mu        sync.RWMutex
	probes    map[string]Probe
	startTime time.Time
	version   string
}{
	probes:    make(map[string]Probe),
	startTime: time.Now(),
}

// SetVersion sets the version string carried in health reports.
func SetVersion(version string) {
	health.mu.Lock()
	defer health.mu.Unlock()
	health.version = version
}

// RegisterProbe registers (or replaces) the probe for a subsystem. The
// router and heartbeat register during startup; components register one
// probe per instance ("xdb:<id>", "dnsrv:<id>", "csock:<id>").
func RegisterProbe(name string, p Probe) {
	if p == nil {
		return
	}
	health.mu.Lock()
	defer health.mu.Unlock()
	health.probes[name] = p
}

func snapshot() (map[string]Probe, string, time.Time) {
	health.mu.RLock()
	defer health.mu.RUnlock()
	probes := make(map[string]Probe, len(health.probes))
	for name, p := range health.probes {
		probes[name] = p
	}
	return probes, health.version, health.startTime
}

// GetHealth runs every probe and aggregates: the daemon is healthy only
// when every subsystem is.
func GetHealth() Report {
	probes, version, startTime := snapshot()

	report := Report{
		Status:     "healthy",
		Timestamp:  time.Now(),
		Version:    version,
		Uptime:     time.Since(startTime).String(),
		Subsystems: make(map[string]Status, len(probes)),
	}

	var sick []string
	for name, p := range probes {
		st := p()
		report.Subsystems[name] = st
		if !st.Healthy {
			sick = append(sick, name)
		}
	}
	if len(sick) > 0 {
		sort.Strings(sick)
		report.Status = "unhealthy"
		report.Message = "unhealthy: " + strings.Join(sick, ", ")
	}
	return report
}

// GetReadiness checks only the critical subsystems: a daemon whose router
// is still queueing or whose heartbeat never started must not be routed
// traffic, however healthy the components look.
func GetReadiness() Report {
	probes, version, startTime := snapshot()

	report := Report{
		Status:     "ready",
		Timestamp:  time.Now(),
		Version:    version,
		Uptime:     time.Since(startTime).String(),
		Subsystems: make(map[string]Status, len(criticalSubsystems)),
	}

	for _, name := range criticalSubsystems {
		p, ok := probes[name]
		if !ok {
			report.Status = "not_ready"
			report.Message = "waiting for " + name + " initialization"
			report.Subsystems[name] = Status{Healthy: false, Detail: "not registered"}
			continue
		}
		st := p()
		report.Subsystems[name] = st
		if !st.Healthy {
			report.Status = "not_ready"
			report.Message = "waiting for " + name
		}
	}
	return report
}

func writeReport(w http.ResponseWriter, report Report, ok bool) {
	w.Header().Set("Content-Type", "application/json")
	if !ok {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(report)
}

// HealthHandler serves the /health endpoint.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		report := GetHealth()
		writeReport(w, report, report.Status == "healthy")
	}
}

// ReadyHandler serves the /ready endpoint.
func ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		report := GetReadiness()
		writeReport(w, report, report.Status == "ready")
	}
}

// LivenessHandler serves the /live endpoint: the process answering at all
// is the signal.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "alive"})
	}
}
