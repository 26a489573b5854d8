package prompt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"text/template"
)

// Renderer turns a contract template plus a work order's input context into
// prompt text. Compiled templates are cached per contract version.
type Renderer struct {
	mu    sync.Mutex
	cache map[string]*template.Template
}

func NewRenderer() *Renderer {
	return &Renderer{cache: make(map[string]*template.Template)}
}

var funcs = template.FuncMap{
	"json": func(v any) (string, error) {
		b, err := json.Marshal(v)
		return string(b), err
	},
	"join": strings.Join,
}

// Render executes the contract template against data. Missing keys are an
// error rather than "<no value>".
func (r *Renderer) Render(c *Contract, data map[string]any) (string, error) {
	key := c.Ref() + "\x00" + c.Template
	r.mu.Lock()
	tmpl, ok := r.cache[key]
	if !ok {
		var err error
		tmpl, err = template.New(c.Ref()).Funcs(funcs).Option("missingkey=error").Parse(c.Template)
		if err != nil {
			r.mu.Unlock()
			return "", fmt.Errorf("prompt: parse template %s: %w", c.Ref(), err)
		}
		r.cache[key] = tmpl
	}
	r.mu.Unlock()

	if data == nil {
		data = map[string]any{}
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("prompt: render %s: %w", c.Ref(), err)
	}
	return buf.String(), nil
}
