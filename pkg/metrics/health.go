package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// componentHealth is the tracked state of one registered component.
type componentHealth struct {
	Healthy bool
	Message string
	Updated time.Time
}

// healthRegistry aggregates per-component health for the HTTP surfaces.
type healthRegistry struct {
	mu         sync.RWMutex
	components map[string]componentHealth
	critical   []string
	startTime  time.Time
	version    string
}

var registry = &healthRegistry{
	components: make(map[string]componentHealth),
	critical:   []string{"store", "cluster"},
	startTime:  time.Now(),
}

// SetVersion sets the version reported by the health endpoints.
func SetVersion(version string) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.version = version
}

// SetComponent records a component's health. Components report themselves on
// start and whenever their state flips.
func SetComponent(name string, healthy bool, message string) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.components[name] = componentHealth{
		Healthy: healthy,
		Message: message,
		Updated: time.Now(),
	}
}

// HealthStatus is the payload of the health and readiness endpoints.
type HealthStatus struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components,omitempty"`
	Message    string            `json:"message,omitempty"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
}

// Health reports overall liveness-level health: unhealthy when any
// registered component is unhealthy.
func Health() HealthStatus {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	status := "healthy"
	components := make(map[string]string, len(registry.components))
	for name, comp := range registry.components {
		if comp.Healthy {
			components[name] = "healthy"
			continue
		}
		status = "unhealthy"
		components[name] = "unhealthy: " + comp.Message
	}

	return HealthStatus{
		Status:     status,
		Timestamp:  time.Now(),
		Components: components,
		Version:    registry.version,
		Uptime:     time.Since(registry.startTime).String(),
	}
}

// Readiness reports whether the critical components are up.
func Readiness() HealthStatus {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	status := "ready"
	message := ""
	components := make(map[string]string, len(registry.critical))
	for _, name := range registry.critical {
		comp, ok := registry.components[name]
		switch {
		case !ok:
			status = "not_ready"
			message = "waiting for " + name
			components[name] = "not registered"
		case !comp.Healthy:
			status = "not_ready"
			message = "waiting for " + name
			components[name] = "not ready: " + comp.Message
		default:
			components[name] = "ready"
		}
	}

	return HealthStatus{
		Status:     status,
		Timestamp:  time.Now(),
		Components: components,
		Message:    message,
		Version:    registry.version,
		Uptime:     time.Since(registry.startTime).String(),
	}
}

// HealthHandler serves /healthz.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, Health(), func(s HealthStatus) bool { return s.Status == "healthy" })
	}
}

// ReadyHandler serves /readyz.
func ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, Readiness(), func(s HealthStatus) bool { return s.Status == "ready" })
	}
}

func writeStatus(w http.ResponseWriter, status HealthStatus, ok func(HealthStatus) bool) {
	w.Header().Set("Content-Type", "application/json")
	if !ok(status) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(status)
}
