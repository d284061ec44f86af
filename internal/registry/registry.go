// Package registry is the typed dependency-injection container and
// lifecycle driver shared by every component of the relay (C1). No repo in
// the example pack implements this exact pattern — it is authored fresh in
// the pack's general idiom (plain structs, explicit error returns, no
// reflection-based DI framework) rather than reached for a third-party DI
// library: none of the retrieved repos pull in one (e.g. google/wire,
// uber-go/dig), and a topological construction-order graph this small reads
// more plainly as hand-written Go than as framework configuration.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
)

// State is a component's position in the lifecycle state machine.
type State int

const (
	Created State = iota
	Initializing
	Initialized
	Activating
	Active
	Deactivating
	Deactivated
	Destroying
	Destroyed
	Error
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Initializing:
		return "initializing"
	case Initialized:
		return "initialized"
	case Activating:
		return "activating"
	case Active:
		return "active"
	case Deactivating:
		return "deactivating"
	case Deactivated:
		return "deactivated"
	case Destroying:
		return "destroying"
	case Destroyed:
		return "destroyed"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Module is the uniform contract every registered component implements.
type Module interface {
	Initialize(ctx context.Context) error
	Activate(ctx context.Context) error
	Deactivate(ctx context.Context) error
	Destroy(ctx context.Context) error
	Status() State
}

// Factory lazily constructs a module instance. It runs at most once per
// registration; the result is cached by Resolve.
type Factory func(r *Registry) (Module, error)

type entry struct {
	name     string
	factory  Factory
	deps     []string
	exports  []string
	instance Module
	built    bool
}

// Registry is a construction-order graph of named, lazily-instantiated
// singleton modules.
type Registry struct {
	mu      sync.Mutex
	order   []string
	entries map[string]*entry
}

func New() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register adds a named component. Re-registering an existing name fails —
// idempotent registration is explicitly not required by the contract.
func (r *Registry) Register(name string, factory Factory, deps, exports []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("registry: %q is already registered", name)
	}
	r.entries[name] = &entry{name: name, factory: factory, deps: deps, exports: exports}
	r.order = append(r.order, name)
	return nil
}

// Resolve returns the lazily-instantiated singleton registered under name,
// or the first singleton exporting an interface named nameOrExport.
func (r *Registry) Resolve(nameOrExport string) (Module, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolveLocked(nameOrExport)
}

func (r *Registry) resolveLocked(nameOrExport string) (Module, error) {
	if e, ok := r.entries[nameOrExport]; ok {
		return r.buildLocked(e)
	}
	for _, name := range r.order {
		e := r.entries[name]
		if containsString(e.exports, nameOrExport) {
			return r.buildLocked(e)
		}
	}
	return nil, fmt.Errorf("registry: no component registered for %q", nameOrExport)
}

// ResolveAll returns every singleton exporting exportName, in registration
// order.
func (r *Registry) ResolveAll(exportName string) ([]Module, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Module
	for _, name := range r.order {
		e := r.entries[name]
		if containsString(e.exports, exportName) {
			m, err := r.buildLocked(e)
			if err != nil {
				return nil, err
			}
			out = append(out, m)
		}
	}
	return out, nil
}

func (r *Registry) buildLocked(e *entry) (Module, error) {
	if e.built {
		return e.instance, nil
	}
	m, err := e.factory(r)
	if err != nil {
		return nil, fmt.Errorf("registry: building %q: %w", e.name, err)
	}
	e.instance = m
	e.built = true
	return m, nil
}

// InitializeAll drives every registered component's Initialize in
// registration (dependency) order. The first failure aborts and is
// returned; no further components are initialized.
func (r *Registry) InitializeAll(ctx context.Context) error {
	return r.driveForward(ctx, func(m Module, ctx context.Context) error { return m.Initialize(ctx) })
}

// ActivateAll drives every registered component's Activate in registration
// order, aborting on the first failure.
func (r *Registry) ActivateAll(ctx context.Context) error {
	return r.driveForward(ctx, func(m Module, ctx context.Context) error { return m.Activate(ctx) })
}

func (r *Registry) driveForward(ctx context.Context, step func(Module, context.Context) error) error {
	r.mu.Lock()
	order := append([]string(nil), r.order...)
	r.mu.Unlock()

	for _, name := range order {
		m, err := r.Resolve(name)
		if err != nil {
			return err
		}
		if err := step(m, ctx); err != nil {
			return fmt.Errorf("registry: %q: %w", name, err)
		}
	}
	return nil
}

// DeactivateAll drives every built component's Deactivate in reverse
// registration order, best-effort: every error is collected rather than
// aborting the walk.
func (r *Registry) DeactivateAll(ctx context.Context) error {
	return r.driveReverse(ctx, func(m Module, ctx context.Context) error { return m.Deactivate(ctx) })
}

// DestroyAll drives every built component's Destroy in reverse registration
// order, best-effort.
func (r *Registry) DestroyAll(ctx context.Context) error {
	return r.driveReverse(ctx, func(m Module, ctx context.Context) error { return m.Destroy(ctx) })
}

func (r *Registry) driveReverse(ctx context.Context, step func(Module, context.Context) error) error {
	r.mu.Lock()
	order := append([]string(nil), r.order...)
	entries := r.entries
	r.mu.Unlock()

	var result *multierror.Error
	for i := len(order) - 1; i >= 0; i-- {
		e := entries[order[i]]
		if !e.built {
			continue
		}
		if err := step(e.instance, ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("%q: %w", e.name, err))
		}
	}
	return result.ErrorOrNil()
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

// ValidTransition reports whether moving from `from` to `to` is legal under
// the lifecycle state machine in the component design. Error is reachable
// from any state.
func ValidTransition(from, to State) bool {
	if to == Error {
		return true
	}
	switch from {
	case Created:
		return to == Initializing
	case Initializing:
		return to == Initialized
	case Initialized:
		return to == Activating
	case Activating:
		return to == Active
	case Active:
		return to == Deactivating
	case Deactivating:
		return to == Deactivated
	case Deactivated:
		return to == Destroying || to == Activating
	case Destroying:
		return to == Destroyed
	default:
		return false
	}
}
