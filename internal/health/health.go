// Package health aggregates readiness checks for the engine's backing
// services. The server registers one check per dependency and the
// readiness probe fails as soon as any of them does.
package health

import (
	"context"
	"sync"
)

// Status is one dependency's verdict.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Up reports a healthy dependency.
func Up(name string) Status {
	return Status{Name: name, Healthy: true}
}

// Down reports a failing dependency with what went wrong.
func Down(name, detail string) Status {
	return Status{Name: name, Healthy: false, Detail: detail}
}

// Checker probes a single dependency.
type Checker func(ctx context.Context) Status

// Registry runs registered checkers in registration order.
type Registry struct {
	mu     sync.RWMutex
	checks []namedCheck
}

type namedCheck struct {
	name  string
	check Checker
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a named checker. Registration order is the report order.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checks = append(r.checks, namedCheck{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll probes every dependency. The aggregate is healthy only when
// every individual check is.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checks := make([]namedCheck, len(r.checks))
	copy(checks, r.checks)
	r.mu.RUnlock()

	healthy = true
	statuses = make([]Status, len(checks))
	for i, nc := range checks {
		statuses[i] = nc.check(ctx)
		if !statuses[i].Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}
