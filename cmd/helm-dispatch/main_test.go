package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-dispatch/pkg/config"
	"github.com/Mindburn-Labs/helm-dispatch/pkg/llm/llmtest"
	"github.com/Mindburn-Labs/helm-dispatch/pkg/node"
)

const classifyYAML = `name: classify_intent
version: 1.0.0
model_id: test-model
template: "Classify: {{.message}}"
max_tokens: 500
`

const synthesizeYAML = `name: synthesize
version: 1.0.0
model_id: test-model
template: "Reply to {{.message}}"
max_tokens: 4096
`

// setup points the CLI at a fresh SQLite ledger and a scripted provider.
func setup(t *testing.T) *llmtest.Provider {
	t.Helper()
	dir := t.TempDir()
	contracts := filepath.Join(dir, "contracts")
	require.NoError(t, os.MkdirAll(contracts, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(contracts, "classify_intent.yaml"), []byte(classifyYAML), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(contracts, "synthesize.yaml"), []byte(synthesizeYAML), 0o600))

	t.Setenv("LEDGER_DRIVER", "sqlite")
	t.Setenv("DATABASE_URL", "file:"+filepath.Join(dir, "ledger.db"))
	t.Setenv("CONTRACTS_DIR", contracts)
	t.Setenv("ARCHIVE_DIR", filepath.Join(dir, "archive"))
	t.Setenv("PROFILE", "")
	t.Setenv("LOG_LEVEL", "ERROR")

	p := llmtest.New()
	prev := openNode
	openNode = func(ctx context.Context, cfg *config.Config) (*node.Node, error) {
		return node.New(ctx, cfg, node.WithProvider(p))
	}
	prevIn := stdin
	t.Cleanup(func() {
		openNode = prev
		stdin = prevIn
	})
	return p
}

func run(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := Run(append([]string{"helm-dispatch"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRun_TurnsThenVerifyExportReplay(t *testing.T) {
	p := setup(t)
	p.Push(
		llmtest.Text(`{"speech_act":"greeting"}`, 10, 2),
		llmtest.Text("Hello there.", 20, 4),
		llmtest.Text(`{"speech_act":"question"}`, 10, 2),
		llmtest.Text("Fine, thanks.", 20, 4),
	)
	stdin = strings.NewReader("hi\n\nhow are you\n")

	code, out, errOut := run("run", "--session", "s1")
	require.Equal(t, 0, code, errOut)
	assert.Equal(t, "Hello there.\nFine, thanks.\n", out)

	code, out, errOut = run("verify", "--session", "s1", "--json")
	require.Equal(t, 0, code, errOut)
	var verify map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &verify))
	assert.Equal(t, true, verify["valid"])
	assert.Equal(t, float64(2), verify["chains"])

	code, out, errOut = run("export", "--session", "s1", "--json")
	require.Equal(t, 0, code, errOut)
	var export struct {
		Bundles map[string]string `json:"bundles"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &export))
	require.Len(t, export.Bundles, 3)

	code, out, errOut = run("replay", "--session", "s1")
	require.Equal(t, 0, code, errOut)
	var live map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &live))

	args := []string{"replay", "--session", "s1"}
	for _, addr := range export.Bundles {
		args = append(args, "--bundle", addr)
	}
	code, out, errOut = run(args...)
	require.Equal(t, 0, code, errOut)
	var archived map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &archived))
	assert.Equal(t, live["state_hash"], archived["state_hash"])
}

func TestRun_FallbackExitsOne(t *testing.T) {
	p := setup(t)
	p.Push(llmtest.Text("no json here", 10, 2))
	stdin = strings.NewReader("hi\n")

	code, out, _ := run("run", "--session", "s1", "--json")
	assert.Equal(t, 1, code)
	var res map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, false, res["accepted"])
	assert.NotEmpty(t, res["fallback"])
}

func TestRun_Health(t *testing.T) {
	setup(t)
	code, out, errOut := run("health")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "ok")
	assert.Contains(t, out, "profile=default")
}

func TestRun_UsageErrors(t *testing.T) {
	code, _, _ := run()
	assert.Equal(t, 2, code)

	code, _, errOut := run("frobnicate")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "Unknown command")

	for _, cmd := range []string{"run", "replay", "export"} {
		code, _, errOut = run(cmd)
		assert.Equal(t, 2, code, cmd)
		assert.Contains(t, errOut, "--session is required")
	}

	code, out, _ := run("help")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "USAGE")
}
