// Package schema compiles and caches JSON Schemas (draft 2020-12) used for
// contract inputs, structured outputs, tool arguments and the quality gate.
package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/helm-dispatch/pkg/canonicalize"
)

var ErrInvalid = errors.New("schema: value does not conform")

// Cache holds compiled schemas keyed by the canonical hash of their source.
type Cache struct {
	mu       sync.RWMutex
	compiled map[string]*jsonschema.Schema
}

func NewCache() *Cache {
	return &Cache{compiled: make(map[string]*jsonschema.Schema)}
}

var defaultCache = NewCache()

// Compile compiles a schema document, reusing an earlier compilation of an
// identical document.
func (c *Cache) Compile(doc map[string]any) (*jsonschema.Schema, error) {
	raw, err := canonicalize.JCS(doc)
	if err != nil {
		return nil, fmt.Errorf("schema: encode: %w", err)
	}
	key := canonicalize.HashBytes(raw)

	c.mu.RLock()
	s, ok := c.compiled[key]
	c.mu.RUnlock()
	if ok {
		return s, nil
	}

	comp := jsonschema.NewCompiler()
	comp.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://helm-dispatch.schemas.local/%s.schema.json", canonicalize.StripPrefix(key))
	if err := comp.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("schema: load: %w", err)
	}
	s, err = comp.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("schema: compile: %w", err)
	}

	c.mu.Lock()
	c.compiled[key] = s
	c.mu.Unlock()
	return s, nil
}

// Validate checks value against doc. The value is normalized through JSON
// first so Go ints, structs and typed maps validate like decoded JSON.
func (c *Cache) Validate(doc map[string]any, value any) error {
	s, err := c.Compile(doc)
	if err != nil {
		return err
	}
	normalized, err := Normalize(value)
	if err != nil {
		return err
	}
	if err := s.Validate(normalized); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

// Compile uses the package cache.
func Compile(doc map[string]any) (*jsonschema.Schema, error) {
	return defaultCache.Compile(doc)
}

// Validate uses the package cache.
func Validate(doc map[string]any, value any) error {
	return defaultCache.Validate(doc, value)
}

// Normalize round-trips v through encoding/json into generic JSON values.
func Normalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("schema: encode value: %w", err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("schema: decode value: %w", err)
	}
	return out, nil
}
