package prompt

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func contract(name, version string, maxTokens int) *Contract {
	return &Contract{
		Name:        name,
		Version:     version,
		ModelID:     "test-model",
		Template:    "Classify: {{.message}}",
		MaxTokens:   maxTokens,
		Temperature: 0.2,
	}
}

func TestContract_Validate(t *testing.T) {
	assert.NoError(t, contract("classify_intent", "1.0.0", 500).Validate())

	bad := &Contract{Name: "x@y", Version: "one", Temperature: 3, Tools: []ToolSpec{{Name: DefaultOutputTool}}}
	err := bad.Validate()
	require.ErrorIs(t, err, ErrInvalidContract)
	for _, want := range []string{"bad name", "bad version", "model_id", "template", "max_tokens", "temperature", "bad tool name"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestMemoryStore_SemverResolution(t *testing.T) {
	s, err := NewMemoryStore(
		contract("classify_intent", "1.0.0", 400),
		contract("classify_intent", "1.2.0", 500),
		contract("classify_intent", "2.0.0-rc.1", 600),
		contract("classify_intent", "2.1.0", 700),
		contract("synthesize", "0.3.1", 4096),
	)
	require.NoError(t, err)
	ctx := context.Background()

	tests := []struct {
		ref     string
		version string
	}{
		{"classify_intent", "2.1.0"},
		{"classify_intent@latest", "2.1.0"},
		{"classify_intent@^1", "1.2.0"},
		{"classify_intent@~1.0", "1.0.0"},
		{"classify_intent@1.2.0", "1.2.0"},
		{"synthesize", "0.3.1"},
	}
	for _, tt := range tests {
		c, err := s.Get(ctx, tt.ref)
		require.NoError(t, err, tt.ref)
		assert.Equal(t, tt.version, c.Version, tt.ref)
	}

	_, err = s.Get(ctx, "classify_intent@^3")
	assert.ErrorIs(t, err, ErrContractNotFound)
	_, err = s.Get(ctx, "unknown")
	assert.ErrorIs(t, err, ErrContractNotFound)
	_, err = s.Get(ctx, "classify_intent@not-a-range")
	assert.Error(t, err)
}

func TestMemoryStore_PutReplacesVersion(t *testing.T) {
	s, err := NewMemoryStore(contract("c", "1.0.0", 100))
	require.NoError(t, err)
	require.NoError(t, s.Put(contract("c", "1.0.0", 200)))

	c, err := s.Get(context.Background(), "c")
	require.NoError(t, err)
	assert.Equal(t, 200, c.MaxTokens)
}

const classifyYAML = `
name: classify_intent
version: 1.0.0
model_id: gemini-2.0-flash
max_tokens: 500
temperature: 0
timeout_seconds: 20
template: |
  Classify the speech act of: {{.message}}
output_schema:
  type: object
  required: [speech_act, ambiguity]
  properties:
    speech_act: {type: string}
    ambiguity: {enum: [low, medium, high]}
`

func writeContract(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0600))
}

func TestFileStore_LoadsYAML(t *testing.T) {
	dir := t.TempDir()
	writeContract(t, dir, "classify.yaml", classifyYAML)
	writeContract(t, dir, "README.md", "ignored")

	s, err := NewFileStore(dir)
	require.NoError(t, err)

	c, err := s.Get(context.Background(), "classify_intent@^1")
	require.NoError(t, err)
	assert.Equal(t, 500, c.MaxTokens)
	assert.Equal(t, 20, c.TimeoutSeconds)
	assert.Equal(t, DefaultOutputTool, c.OutputToolName())
	assert.Equal(t, "object", c.OutputSchema["type"])
	assert.False(t, s.LoadedAt().IsZero())
}

func TestFileStore_ShippedContracts(t *testing.T) {
	s, err := NewFileStore(filepath.Join("..", "..", "contracts"))
	require.NoError(t, err)

	classify, err := s.Get(context.Background(), "classify_intent")
	require.NoError(t, err)
	assert.Equal(t, 500, classify.MaxTokens)
	synth, err := s.Get(context.Background(), "synthesize@~1.1")
	require.NoError(t, err)
	_, ok := synth.Tool("current_time")
	assert.True(t, ok)
}

func TestFileStore_RejectsInvalidAndDuplicate(t *testing.T) {
	dir := t.TempDir()
	writeContract(t, dir, "bad.yaml", "name: broken\nversion: 1.0.0\n")
	_, err := NewFileStore(dir)
	assert.ErrorIs(t, err, ErrInvalidContract)

	dir = t.TempDir()
	writeContract(t, dir, "a.yaml", classifyYAML)
	writeContract(t, dir, "b.yml", classifyYAML)
	_, err = NewFileStore(dir)
	assert.ErrorIs(t, err, ErrInvalidContract)
}

func TestFileStore_WatchReloads(t *testing.T) {
	dir := t.TempDir()
	writeContract(t, dir, "classify.yaml", classifyYAML)
	s, err := NewFileStore(dir)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Watch(ctx, 20*time.Millisecond))

	v2 := strings.Replace(classifyYAML, "version: 1.0.0", "version: 1.1.0", 1)
	writeContract(t, dir, "classify_v2.yaml", v2)

	require.Eventually(t, func() bool {
		c, err := s.Get(context.Background(), "classify_intent")
		return err == nil && c.Version == "1.1.0"
	}, 5*time.Second, 20*time.Millisecond)

	// A broken file keeps the previous set.
	writeContract(t, dir, "broken.yaml", "name: [")
	time.Sleep(200 * time.Millisecond)
	c, err := s.Get(context.Background(), "classify_intent")
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", c.Version)
}

func TestRenderer(t *testing.T) {
	r := NewRenderer()
	c := contract("classify_intent", "1.0.0", 500)

	out, err := r.Render(c, map[string]any{"message": "hello there"})
	require.NoError(t, err)
	assert.Equal(t, "Classify: hello there", out)

	_, err = r.Render(c, map[string]any{})
	assert.Error(t, err)

	c2 := contract("synth", "1.0.0", 100)
	c2.Template = `Intent {{json .intent}} tools {{join .tools ", "}}`
	out, err = r.Render(c2, map[string]any{"intent": map[string]any{"speech_act": "question"}, "tools": []string{"a", "b"}})
	require.NoError(t, err)
	assert.Equal(t, `Intent {"speech_act":"question"} tools a, b`, out)

	c3 := contract("bad", "1.0.0", 100)
	c3.Template = "{{.unclosed"
	_, err = r.Render(c3, nil)
	assert.Error(t, err)
}
