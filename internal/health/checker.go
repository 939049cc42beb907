// Package health aggregates component health for the ops endpoints.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Component is anything whose health can be probed.
type Component interface {
	HealthCheck(ctx context.Context) error
}

// Status of a single component probe.
type Status struct {
	Status    string    `json:"status"` // "healthy" or "unhealthy"
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Report is the aggregate health of the service.
type Report struct {
	Status     string            `json:"status"`
	Service    string            `json:"service"`
	Version    string            `json:"version"`
	Timestamp  time.Time         `json:"timestamp"`
	Uptime     string            `json:"uptime"`
	Components map[string]Status `json:"components,omitempty"`
}

// Checker probes registered components on demand.
type Checker struct {
	service   string
	version   string
	timeout   time.Duration
	startedAt time.Time

	mu         sync.RWMutex
	components map[string]Component
}

// NewChecker creates a checker for the named service.
func NewChecker(service, version string) *Checker {
	return &Checker{
		service:    service,
		version:    version,
		timeout:    5 * time.Second,
		startedAt:  time.Now(),
		components: make(map[string]Component),
	}
}

// Register adds a component under the given name.
func (c *Checker) Register(name string, comp Component) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.components[name] = comp
}

// Check probes every registered component. The report is unhealthy if
// any component is.
func (c *Checker) Check(ctx context.Context) Report {
	c.mu.RLock()
	components := make(map[string]Component, len(c.components))
	for name, comp := range c.components {
		components[name] = comp
	}
	c.mu.RUnlock()

	report := Report{
		Status:     "healthy",
		Service:    c.service,
		Version:    c.version,
		Timestamp:  time.Now(),
		Uptime:     time.Since(c.startedAt).Round(time.Second).String(),
		Components: make(map[string]Status, len(components)),
	}

	for name, comp := range components {
		probeCtx, cancel := context.WithTimeout(ctx, c.timeout)
		err := comp.HealthCheck(probeCtx)
		cancel()

		status := Status{Status: "healthy", CheckedAt: time.Now()}
		if err != nil {
			status.Status = "unhealthy"
			status.Error = err.Error()
			report.Status = "unhealthy"
		}
		report.Components[name] = status
	}
	return report
}

// Handler serves the full health report.
func (c *Checker) Handler(w http.ResponseWriter, r *http.Request) {
	c.writeReport(w, c.Check(r.Context()))
}

// LiveHandler serves the liveness probe. The process answering at all
// means it is live.
func (c *Checker) LiveHandler(w http.ResponseWriter, r *http.Request) {
	c.writeReport(w, Report{
		Status:    "healthy",
		Service:   c.service,
		Version:   c.version,
		Timestamp: time.Now(),
		Uptime:    time.Since(c.startedAt).Round(time.Second).String(),
	})
}

// ReadyHandler serves the readiness probe, which requires every
// component to pass.
func (c *Checker) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	c.writeReport(w, c.Check(r.Context()))
}

func (c *Checker) writeReport(w http.ResponseWriter, report Report) {
	w.Header().Set("Content-Type", "application/json")
	code := http.StatusOK
	if report.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(report)
}
