// Package actions implements the NAction/OAction phase state machines and
// the process-global OAction handler registry.
package actions

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/khryptorgraphics/orchestrall/internal/orchtypes"
)

// ProgressChanges is what a Handler returns from Progress when an
// OAction's state should change.
type ProgressChanges struct {
	State             orchtypes.Phase
	StatePayload      map[string]interface{}
	StatePayloadError string
}

// Handler implements one OAction kind's execution against external
// collaborators (e.g. the Platform client). Handlers are registered at
// init and never mutated afterward.
type Handler interface {
	// Progress advances action by one step and returns the changes to
	// apply, or nil if nothing changed this call.
	Progress(ctx context.Context, action orchtypes.OAction) (*ProgressChanges, error)
}

// Registration is one catalog entry: a kind's handler, schedule mode,
// default timeout, and human summary.
type Registration struct {
	Kind           string
	Handler        Handler
	ScheduleMode   orchtypes.ScheduleMode
	DefaultTimeout time.Duration
	Summary        string
}

// Registry is the kind -> Registration catalog, built with NewRegistry
// (the zero value is not usable); production code uses the process-global instance
// returned by Global, initialized exactly once via Init. Tests build
// their own *Registry and never touch the global.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Registration
	frozen  bool
}

// NewRegistry returns an empty, mutable registry.
func NewRegistry() *Registry {
	return &Registry{entries: map[string]Registration{}}
}

// Register adds reg to the catalog. It returns an error if the registry
// is frozen or the kind is already registered.
func (r *Registry) Register(reg Registration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("actions: registry is frozen, cannot register kind %q", reg.Kind)
	}
	if _, exists := r.entries[reg.Kind]; exists {
		return fmt.Errorf("actions: kind %q already registered", reg.Kind)
	}
	r.entries[reg.Kind] = reg
	return nil
}

// Freeze marks the registry read-only. Further Register calls fail.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Lookup returns the registration for kind, if any.
func (r *Registry) Lookup(kind string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.entries[kind]
	return reg, ok
}

// Kinds returns every registered kind.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for k := range r.entries {
		out = append(out, k)
	}
	return out
}

var (
	globalMu sync.RWMutex
	global   *Registry
)

// Init installs regs into the process-global registry and freezes it.
// It must be called exactly once at process startup;
// calling it twice returns an error.
func Init(regs ...Registration) error {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global != nil {
		return fmt.Errorf("actions: global registry already initialized")
	}
	r := NewRegistry()
	for _, reg := range regs {
		if err := r.Register(reg); err != nil {
			return err
		}
	}
	r.Freeze()
	global = r
	return nil
}

// Global returns the process-global registry. It panics if Init has not
// been called, since every caller of Global is on the orchestration hot
// path and a missing registry is a startup-ordering bug, not a runtime
// condition to recover from.
func Global() *Registry {
	globalMu.RLock()
	defer globalMu.RUnlock()
	if global == nil {
		panic("actions: Global() called before Init()")
	}
	return global
}

// ResetGlobalForTest clears the process-global registry so tests can
// call Init repeatedly across table cases without leaking state between
// them. Production code must never call it.
func ResetGlobalForTest() {
	globalMu.Lock()
	defer globalMu.Unlock()
	global = nil
}
