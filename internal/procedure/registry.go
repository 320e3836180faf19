// Package procedure implements the ProcedureRegistry and Executor from
// spec.md §4.6: named, process-local callables that run against a
// transaction and the catalog, plus a data-parallel
// chunked iterator primitive procedures use to scan tables.
package procedure

import (
	"context"
	"sync"

	"github.com/packedrow/kernel/internal/catalog"
	"github.com/packedrow/kernel/internal/errs"
	"github.com/packedrow/kernel/internal/txn"
)

// Func is the body of a registered procedure. It receives the live
// catalog (through which it takes its own per-table buffer snapshots),
// a transaction handle to stage
// mutations on, and the call's parameters; it returns a result value
// or an error. Returning an error (or panicking) aborts the
// transaction; returning nil commits it (spec.md §4.6 point 4).
type Func func(ctx context.Context, cat *catalog.Catalog, tx *txn.Handle, params map[string]any) (any, error)

// Registry maps procedure names to their bodies. Registration is
// process-local (spec.md §4.6); safe for concurrent registration and
// lookup.
type Registry struct {
	mu    sync.RWMutex
	procs map[string]Func
}

// NewRegistry creates an empty procedure registry.
func NewRegistry() *Registry {
	return &Registry{procs: make(map[string]Func)}
}

// Register adds a named procedure. Re-registering an existing name
// replaces it (procedures are not versioned).
func (r *Registry) Register(name string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.procs[name] = fn
}

// Lookup resolves a procedure by name.
func (r *Registry) Lookup(name string) (Func, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.procs[name]
	if !ok {
		return nil, errs.NotFoundf("procedure %q not registered", name)
	}
	return fn, nil
}
