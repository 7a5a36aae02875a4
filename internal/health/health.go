// Package health aggregates named subsystem probes.
//
// The server registers one probe per dependency it cannot work without
// (database, payment processor) and the health endpoint runs them all,
// reporting per-subsystem detail beside the overall verdict.
package health

import (
	"context"
	"sync"
)

// Status is one subsystem's verdict.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker probes a single subsystem. It must respect ctx; a probe that
// hangs holds up the whole health response.
type Checker func(ctx context.Context) Status

type probe struct {
	name  string
	check Checker
}

// Registry holds the registered probes.
type Registry struct {
	mu     sync.RWMutex
	probes []probe
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a probe under the given subsystem name.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.probes = append(r.probes, probe{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs every probe concurrently and reports the overall verdict
// plus the per-subsystem statuses in registration order. The registry fills
// each status's Name so probes cannot misreport under another subsystem.
func (r *Registry) CheckAll(ctx context.Context) (bool, []Status) {
	r.mu.RLock()
	probes := make([]probe, len(r.probes))
	copy(probes, r.probes)
	r.mu.RUnlock()

	statuses := make([]Status, len(probes))
	var wg sync.WaitGroup
	for i, p := range probes {
		wg.Add(1)
		go func(i int, p probe) {
			defer wg.Done()
			st := p.check(ctx)
			st.Name = p.name
			statuses[i] = st
		}(i, p)
	}
	wg.Wait()

	healthy := true
	for _, st := range statuses {
		if !st.Healthy {
			healthy = false
			break
		}
	}
	return healthy, statuses
}
