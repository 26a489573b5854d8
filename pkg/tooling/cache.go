package tooling

import (
	"fmt"
	"sync"

	"github.com/Mindburn-Labs/helm-dispatch/pkg/canonicalize"
)

// CallKey is the canonical hash of a tool name and its arguments.
func CallKey(name string, args map[string]any) (string, error) {
	if args == nil {
		args = map[string]any{}
	}
	key, err := canonicalize.CanonicalHash(map[string]any{"name": name, "args": args})
	if err != nil {
		return "", fmt.Errorf("tooling: call key for %s: %w", name, err)
	}
	return key, nil
}

// ResultCache holds tool results for one work order so that a call repeated
// across follow-up turns is answered without re-executing the tool.
type ResultCache struct {
	mu      sync.Mutex
	results map[string]Result
}

func NewResultCache() *ResultCache {
	return &ResultCache{results: make(map[string]Result)}
}

func (c *ResultCache) Get(key string) (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.results[key]
	return r, ok
}

func (c *ResultCache) Put(key string, r Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results[key] = r
}

func (c *ResultCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.results)
}
