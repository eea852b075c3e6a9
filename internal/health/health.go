// Package health tracks the health of daemon components
package health

import (
	"sync"
	"time"
)

// Status represents overall system health
type Status struct {
	Status        string           `json:"status"` // ok, degraded
	Version       string           `json:"version"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	Components    map[string]Check `json:"components"`
}

// Check represents a component health check
type Check struct {
	Healthy   bool      `json:"healthy"`
	Message   string    `json:"message,omitempty"`
	LastCheck time.Time `json:"last_check"`
}

// Probe reports the current health of one component
type Probe func() (healthy bool, message string)

// Component is anything that can report its own health, e.g. a position
// source or the relay client
type Component interface {
	Healthy() bool
	Name() string
}

// ComponentProbe adapts a Component into a Probe
func ComponentProbe(c Component) Probe {
	return func() (bool, string) {
		if c.Healthy() {
			return true, c.Name()
		}
		return false, c.Name() + " unavailable"
	}
}

// Checker tracks health of system components
type Checker struct {
	mu         sync.RWMutex
	version    string
	startTime  time.Time
	components map[string]Check
	probes     map[string]Probe
}

// NewChecker creates a new health checker
func NewChecker(version string) *Checker {
	return &Checker{
		version:    version,
		startTime:  time.Now(),
		components: make(map[string]Check),
		probes:     make(map[string]Probe),
	}
}

// SetComponent updates a component's health status
func (c *Checker) SetComponent(name string, healthy bool, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.components[name] = Check{
		Healthy:   healthy,
		Message:   message,
		LastCheck: time.Now(),
	}
}

// Register adds a component whose health is polled on every status read
func (c *Checker) Register(name string, probe Probe) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probes[name] = probe
}

// Unregister removes a polled component and its last result
func (c *Checker) Unregister(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.probes, name)
	delete(c.components, name)
}

// refresh runs all probes outside the lock
func (c *Checker) refresh() {
	c.mu.RLock()
	probes := make(map[string]Probe, len(c.probes))
	for name, p := range c.probes {
		probes[name] = p
	}
	c.mu.RUnlock()

	for name, p := range probes {
		healthy, message := p()
		c.SetComponent(name, healthy, message)
	}
}

// GetStatus returns the overall health status
func (c *Checker) GetStatus() Status {
	c.refresh()

	c.mu.RLock()
	defer c.mu.RUnlock()

	status := "ok"
	for _, check := range c.components {
		if !check.Healthy {
			status = "degraded"
			break
		}
	}

	components := make(map[string]Check, len(c.components))
	for k, v := range c.components {
		components[k] = v
	}

	return Status{
		Status:        status,
		Version:       c.version,
		UptimeSeconds: int64(time.Since(c.startTime).Seconds()),
		Components:    components,
	}
}

// IsHealthy returns true if all components are healthy
func (c *Checker) IsHealthy() bool {
	return c.GetStatus().Status == "ok"
}

// Component returns the last check of one component
func (c *Checker) Component(name string) (Check, bool) {
	c.refresh()

	c.mu.RLock()
	defer c.mu.RUnlock()
	check, ok := c.components[name]
	return check, ok
}

// Uptime returns time since the checker was created
func (c *Checker) Uptime() time.Duration {
	return time.Since(c.startTime)
}
