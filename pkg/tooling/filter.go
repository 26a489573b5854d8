package tooling

import (
	"context"
	"fmt"
	"sort"

	"github.com/Mindburn-Labs/helm-dispatch/pkg/schema"
)

// Filter enforces an allowlist and argument schemas in front of a
// Dispatcher. An empty allowlist permits nothing.
type Filter struct {
	allowed map[string]map[string]any // tool -> argument schema (nil: none)
	schemas *schema.Cache
	next    Dispatcher
}

// NewFilter creates a filter with an empty allowlist.
func NewFilter(next Dispatcher, schemas *schema.Cache) *Filter {
	if schemas == nil {
		schemas = schema.NewCache()
	}
	return &Filter{
		allowed: make(map[string]map[string]any),
		schemas: schemas,
		next:    next,
	}
}

// Allow adds a tool to the allowlist. A non-nil schema is compiled now so
// a broken schema fails at setup rather than at call time.
func (f *Filter) Allow(name string, params map[string]any) error {
	if params != nil {
		if _, err := f.schemas.Compile(params); err != nil {
			return fmt.Errorf("tooling: schema for %s: %w", name, err)
		}
	}
	f.allowed[name] = params
	return nil
}

// Allowed reports whether name is on the allowlist.
func (f *Filter) Allowed(name string) bool {
	_, ok := f.allowed[name]
	return ok
}

// Names returns the allowlist, sorted.
func (f *Filter) Names() []string {
	out := make([]string, 0, len(f.allowed))
	for n := range f.allowed {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Execute runs the tool if the allowlist and its schema permit.
func (f *Filter) Execute(ctx context.Context, name string, args map[string]any) (Result, error) {
	params, ok := f.allowed[name]
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrToolBlocked, name)
	}
	if params != nil {
		if args == nil {
			args = map[string]any{}
		}
		if err := f.schemas.Validate(params, args); err != nil {
			return Result{}, fmt.Errorf("%w: %s: %v", ErrInvalidArguments, name, err)
		}
	}
	if f.next == nil {
		return Result{}, ErrNoDispatcher
	}
	return f.next.Execute(ctx, name, args)
}

// List returns the next dispatcher's descriptors restricted to the allowlist.
func (f *Filter) List(ctx context.Context) []Descriptor {
	if f.next == nil {
		return nil
	}
	var out []Descriptor
	for _, d := range f.next.List(ctx) {
		if f.Allowed(d.Name) {
			out = append(out, d)
		}
	}
	return out
}
