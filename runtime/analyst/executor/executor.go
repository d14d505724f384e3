// Package executor defines the step executor contract and the capability
// registry resolved at startup.
package executor

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"goa.design/analyst/runtime/analyst/plan"
)

type (
	// Executor runs one plan step.
	//
	// Implementations must honor ctx cancellation: the orchestrator cancels
	// in-flight steps when the session exceeds its execution budget.
	Executor interface {
		Execute(ctx context.Context, req Request) (Output, error)
	}

	// Func adapts a function to Executor.
	Func func(ctx context.Context, req Request) (Output, error)

	// Middleware decorates an Executor.
	Middleware func(Executor) Executor

	// Request is the input of a step.
	Request struct {
		// SessionID identifies the session running the step.
		SessionID string
		// NodeID identifies the plan node.
		NodeID string
		// Capability is the node capability.
		Capability plan.Capability
		// SubGoal is the natural-language instruction for the step.
		SubGoal string
		// InputIDs are object store ids of the step inputs, in the order the
		// node declares them.
		InputIDs []string
	}

	// Output is the result of a successful step.
	Output struct {
		// OutputID is the object store id of the produced artifact.
		OutputID string `json:"output_id"`
		// Metadata holds structured facts about the output. Only scalar values
		// are visible to edge conditions.
		Metadata map[string]any `json:"metadata,omitempty"`
	}

	// Registry maps capabilities to executors. Registration happens at startup
	// and is closed by Freeze.
	Registry struct {
		mu        sync.RWMutex
		executors map[plan.Capability]Executor
		frozen    bool
	}
)

// ErrFrozen indicates Register was called after Freeze.
var ErrFrozen = errors.New("executor registry is frozen")

// Execute implements Executor.
func (f Func) Execute(ctx context.Context, req Request) (Output, error) {
	return f(ctx, req)
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[plan.Capability]Executor)}
}

// Register binds exec to c, wrapped by mws (the first middleware is the
// outermost).
func (r *Registry) Register(c plan.Capability, exec Executor, mws ...Middleware) error {
	if !c.Valid() {
		return fmt.Errorf("unknown capability %q", c)
	}
	if exec == nil {
		return errors.New("executor is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrFrozen
	}
	if _, dup := r.executors[c]; dup {
		return fmt.Errorf("capability %q already registered", c)
	}
	r.executors[c] = Chain(exec, mws...)
	return nil
}

// Lookup returns the executor bound to c.
func (r *Registry) Lookup(c plan.Capability) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exec, ok := r.executors[c]
	return exec, ok
}

// Has reports whether c has an executor. Its signature matches the
// registered callback of plan.Validate.
func (r *Registry) Has(c plan.Capability) bool {
	_, ok := r.Lookup(c)
	return ok
}

// Capabilities returns the registered capabilities in closed-set order.
func (r *Registry) Capabilities() []plan.Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []plan.Capability
	for _, c := range plan.Capabilities {
		if _, ok := r.executors[c]; ok {
			out = append(out, c)
		}
	}
	return slices.Clip(out)
}

// Freeze closes registration. It is idempotent.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Chain wraps exec with mws, the first middleware being the outermost.
func Chain(exec Executor, mws ...Middleware) Executor {
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] != nil {
			exec = mws[i](exec)
		}
	}
	return exec
}
