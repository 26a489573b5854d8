// Package tooling is the execution tier's boundary to tool implementations:
// a dispatcher interface, an allowlist filter with argument schemas, and a
// per work order result cache.
package tooling

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/Mindburn-Labs/helm-dispatch/pkg/canonicalize"
)

var (
	ErrUnknownTool      = errors.New("tooling: unknown tool")
	ErrToolBlocked      = errors.New("tooling: tool not in allowlist")
	ErrInvalidArguments = errors.New("tooling: invalid tool arguments")
	ErrNoDispatcher     = errors.New("tooling: dispatcher not configured")
)

// Result is what a tool returns. IsError marks a tool-level failure the
// model should see, as opposed to an infrastructure error.
type Result struct {
	Output  string `json:"output"`
	IsError bool   `json:"is_error,omitempty"`
}

// Descriptor lists a tool at schema level.
type Descriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Fingerprint is the canonical hash of the descriptor.
func (d Descriptor) Fingerprint() (string, error) {
	return canonicalize.CanonicalHash(d)
}

// Dispatcher executes tools by name.
type Dispatcher interface {
	Execute(ctx context.Context, toolID string, args map[string]any) (Result, error)
	List(ctx context.Context) []Descriptor
}

// Func implements one tool.
type Func func(ctx context.Context, args map[string]any) (Result, error)

// Registry is an in-process Dispatcher.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]registered
}

type registered struct {
	desc Descriptor
	fn   Func
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]registered)}
}

// Register adds or replaces a tool.
func (r *Registry) Register(desc Descriptor, fn Func) error {
	if desc.Name == "" {
		return fmt.Errorf("tooling: descriptor name is required")
	}
	if fn == nil {
		return fmt.Errorf("tooling: %s: nil implementation", desc.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[desc.Name] = registered{desc: desc, fn: fn}
	return nil
}

func (r *Registry) Execute(ctx context.Context, toolID string, args map[string]any) (Result, error) {
	r.mu.RLock()
	t, ok := r.tools[toolID]
	r.mu.RUnlock()
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownTool, toolID)
	}
	return t.fn(ctx, args)
}

// List returns descriptors sorted by name.
func (r *Registry) List(ctx context.Context) []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t.desc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ManifestHash is the canonical hash of a descriptor list, in the order given.
func ManifestHash(descs []Descriptor) (string, error) {
	if descs == nil {
		descs = []Descriptor{}
	}
	return canonicalize.CanonicalHash(descs)
}
