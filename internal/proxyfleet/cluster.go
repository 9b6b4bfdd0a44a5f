package proxyfleet

import (
	"sync"
	"time"
)

// CircuitState is the half-open cool-down bookkeeping around a node's health
// check, kept here as an internal detail of how a Cluster decides "ready".
// It never changes the externally observable Unknown/Healthy/Unhealthy
// semantics of §4.2.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

const circuitCooldown = 60 * time.Second

// Cluster wraps one upstream node behind a single-member pool (spec §4.5,
// "single-member round-robin cluster to reuse the health-check scheduling
// and skip-unhealthy-backend guarantee"). ProbeTask reports outcomes into it
// via RecordSuccess/RecordFailure and skips its tick while Ready is false;
// /healthz reports Ready per node. The selector only checks that a cluster
// exists for the chosen node; it does not consult Ready.
type Cluster struct {
	Node NodeDescriptor

	mu               sync.Mutex
	state            CircuitState
	failureCount     int
	failureThreshold int
	lastFailure      time.Time
}

// NewCluster builds a cluster in the Closed state. failureThreshold is the
// Healthy->Unhealthy transition count from spec §4.2 (the service factory
// in server.go passes 1; values below 1 are clamped to 1).
func NewCluster(node NodeDescriptor, failureThreshold int) *Cluster {
	if failureThreshold < 1 {
		failureThreshold = 1
	}
	return &Cluster{Node: node, state: CircuitClosed, failureThreshold: failureThreshold}
}

// Ready reports whether the runtime's load-balancer primitive would forward
// to this backend right now: Closed or HalfOpen, not Open within the
// cooldown window.
func (c *Cluster) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case CircuitClosed, CircuitHalfOpen:
		return true
	case CircuitOpen:
		if time.Since(c.lastFailure) > circuitCooldown {
			c.state = CircuitHalfOpen
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess is called by the probe on a successful tick.
func (c *Cluster) RecordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failureCount = 0
	if c.state == CircuitHalfOpen {
		c.state = CircuitClosed
	}
}

// RecordFailure is called by the probe on a failed tick (transport error,
// non-2xx, validator failure, or deadline expiry).
func (c *Cluster) RecordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failureCount++
	c.lastFailure = time.Now()
	switch c.state {
	case CircuitClosed:
		if c.failureCount >= c.failureThreshold {
			c.state = CircuitOpen
		}
	case CircuitHalfOpen:
		c.state = CircuitOpen
	}
}

// State returns the current circuit state, for metrics/debugging.
func (c *Cluster) State() CircuitState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}
