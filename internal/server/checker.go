package server

import (
	"context"
	"sync"
	"sync/atomic"
)

// Probe reports whether a single component is ready.
type Probe func(ctx context.Context) bool

// ComponentChecker aggregates named readiness probes into a HealthChecker.
// The process is live until MarkShuttingDown is called; it is ready when it
// is live and every registered probe passes.
type ComponentChecker struct {
	mu     sync.RWMutex
	names  []string
	probes map[string]Probe

	shuttingDown atomic.Bool
}

var _ HealthChecker = (*ComponentChecker)(nil)

// NewComponentChecker creates an empty checker.
func NewComponentChecker() *ComponentChecker {
	return &ComponentChecker{probes: make(map[string]Probe)}
}

// Register adds or replaces a probe.
func (c *ComponentChecker) Register(name string, probe Probe) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.probes[name]; !ok {
		c.names = append(c.names, name)
	}
	c.probes[name] = probe
}

// MarkShuttingDown flips readiness off so load balancers drain the process.
func (c *ComponentChecker) MarkShuttingDown() {
	c.shuttingDown.Store(true)
}

// Liveness implements HealthChecker.
func (c *ComponentChecker) Liveness() bool {
	return true
}

// Readiness implements HealthChecker.
func (c *ComponentChecker) Readiness(ctx context.Context) bool {
	if c.shuttingDown.Load() {
		return false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, name := range c.names {
		if !c.probes[name](ctx) {
			return false
		}
	}
	return true
}

// IsHealthy implements HealthChecker.
func (c *ComponentChecker) IsHealthy() bool {
	return c.Readiness(context.Background())
}

// GetStatus returns "ok" or "failing" per probe, plus "shutdown" while draining.
func (c *ComponentChecker) GetStatus() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	status := make(map[string]string, len(c.names)+1)
	for _, name := range c.names {
		if c.probes[name](context.Background()) {
			status[name] = "ok"
		} else {
			status[name] = "failing"
		}
	}
	if c.shuttingDown.Load() {
		status["shutdown"] = "in_progress"
	}
	return status
}
