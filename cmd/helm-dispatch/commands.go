package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/Mindburn-Labs/helm-dispatch/pkg/config"
	"github.com/Mindburn-Labs/helm-dispatch/pkg/ledger"
	"github.com/Mindburn-Labs/helm-dispatch/pkg/node"
	"github.com/Mindburn-Labs/helm-dispatch/pkg/supervisor"
	"github.com/Mindburn-Labs/helm-dispatch/pkg/workorder"
)

// openNode is a variable so tests can inject providers.
var openNode = func(ctx context.Context, cfg *config.Config) (*node.Node, error) {
	return node.New(ctx, cfg)
}

func loadNode(ctx context.Context, stderr io.Writer) (*node.Node, *config.Config, bool) {
	cfg := config.Load()
	setupLogging(cfg.LogLevel, stderr)
	n, err := openNode(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return nil, nil, false
	}
	return n, cfg, true
}

func closeNode(n *node.Node, cfg *config.Config, stderr io.Writer) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := n.Close(ctx); err != nil {
		_, _ = fmt.Fprintf(stderr, "Warning: shutdown: %v\n", err)
	}
}

func writeJSON(w io.Writer, v any) {
	data, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(w, string(data))
}

// runTurnsCmd implements `helm-dispatch run`.
//
// Each non-empty stdin line is one user message; each runs as a turn of the
// same session. The chain output (or fallback) is printed per turn.
//
// Exit codes:
//
//	0 = every turn accepted
//	1 = at least one turn fell back
//	2 = runtime error
func runTurnsCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("run", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		sessionID  string
		tools      string
		jsonOutput bool
	)
	cmd.StringVar(&sessionID, "session", "", "Session ID (REQUIRED)")
	cmd.StringVar(&tools, "tools", "", "Comma-separated tools the synthesize step may call")
	cmd.BoolVar(&jsonOutput, "json", false, "Output one JSON object per turn")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if sessionID == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --session is required")
		return 2
	}
	var allowed []string
	for _, t := range strings.Split(tools, ",") {
		if t = strings.TrimSpace(t); t != "" {
			allowed = append(allowed, t)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	n, cfg, ok := loadNode(ctx, stderr)
	if !ok {
		return 2
	}
	defer closeNode(n, cfg, stderr)

	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	if err := n.Watch(watchCtx); err != nil {
		_, _ = fmt.Fprintf(stderr, "Warning: contract reload disabled: %v\n", err)
	}

	code := 0
	scanner := bufio.NewScanner(stdin)
	for scanner.Scan() {
		msg := strings.TrimSpace(scanner.Text())
		if msg == "" {
			continue
		}
		res, err := n.RunTurn(ctx, supervisor.Turn{
			SessionID:    sessionID,
			Context:      workorder.InputContext{Data: map[string]any{"message": msg}},
			ToolsAllowed: allowed,
		})
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		if !res.Accepted {
			code = 1
		}
		printTurn(stdout, res, jsonOutput)
	}
	if err := scanner.Err(); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: read input: %v\n", err)
		return 2
	}
	return code
}

func printTurn(w io.Writer, res *supervisor.ChainResult, jsonOutput bool) {
	if jsonOutput {
		out := map[string]any{
			"chain_id":   res.ChainID,
			"accepted":   res.Accepted,
			"output":     res.Output,
			"trace_hash": res.TraceHash,
			"tokens":     res.Cost.TotalTokens(),
			"verdicts":   res.Verdicts,
		}
		if res.Fallback != "" {
			out["fallback"] = res.Fallback
		}
		writeJSON(w, out)
		return
	}
	if !res.Accepted {
		_, _ = fmt.Fprintf(w, "%s%s%s\n", ColorRed, res.Fallback, ColorReset)
		return
	}
	if text, ok := res.Output["text"].(string); ok {
		_, _ = fmt.Fprintln(w, text)
		return
	}
	writeJSON(w, res.Output)
}

// runVerifyCmd implements `helm-dispatch verify`.
//
// Exit codes:
//
//	0 = verification passed
//	1 = verification failed
//	2 = runtime error
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		sessionID  string
		jsonOutput bool
	)
	cmd.StringVar(&sessionID, "session", "", "Limit trace checks to one session")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	n, cfg, ok := loadNode(ctx, stderr)
	if !ok {
		return 2
	}
	defer closeNode(n, cfg, stderr)

	report, err := n.Verify(ctx, sessionID)
	if err != nil {
		if jsonOutput {
			writeJSON(stdout, map[string]any{"valid": false, "error": err.Error()})
		} else {
			_, _ = fmt.Fprintf(stderr, "%sVerification failed:%s %v\n", ColorRed, ColorReset, err)
		}
		return 1
	}
	if jsonOutput {
		writeJSON(stdout, map[string]any{"valid": true, "entries": report.Entries, "chains": report.Chains})
		return 0
	}
	_, _ = fmt.Fprintf(stdout, "%sLedger verified%s\n", ColorGreen, ColorReset)
	for _, t := range ledger.Tiers {
		_, _ = fmt.Fprintf(stdout, "   %-12s %d entries\n", t, report.Entries[t])
	}
	_, _ = fmt.Fprintf(stdout, "   %-12s %d\n", "chains", report.Chains)
	return 0
}

type bundleList []string

func (b *bundleList) String() string     { return strings.Join(*b, ",") }
func (b *bundleList) Set(v string) error { *b = append(*b, v); return nil }

// runReplayCmd implements `helm-dispatch replay`. With --bundle it folds
// archived bundles instead of the live ledger.
func runReplayCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("replay", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		sessionID string
		bundles   bundleList
	)
	cmd.StringVar(&sessionID, "session", "", "Session ID (REQUIRED)")
	cmd.Var(&bundles, "bundle", "Archived bundle address (repeatable)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if sessionID == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --session is required")
		return 2
	}

	ctx := context.Background()
	n, cfg, ok := loadNode(ctx, stderr)
	if !ok {
		return 2
	}
	defer closeNode(n, cfg, stderr)

	state, err := n.Replay(ctx, sessionID, bundles...)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: replay failed: %v\n", err)
		return 1
	}
	hash, err := state.Hash()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	writeJSON(stdout, map[string]any{"state_hash": hash, "state": state})
	return 0
}

// runExportCmd implements `helm-dispatch export`.
func runExportCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("export", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		sessionID  string
		jsonOutput bool
	)
	cmd.StringVar(&sessionID, "session", "", "Session ID (REQUIRED)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if sessionID == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --session is required")
		return 2
	}

	ctx := context.Background()
	n, cfg, ok := loadNode(ctx, stderr)
	if !ok {
		return 2
	}
	defer closeNode(n, cfg, stderr)

	addrs, err := n.Export(ctx, sessionID)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: export failed: %v\n", err)
		return 1
	}
	if jsonOutput {
		writeJSON(stdout, map[string]any{"session_id": sessionID, "bundles": addrs})
		return 0
	}
	tiers := make([]string, 0, len(addrs))
	for t := range addrs {
		tiers = append(tiers, string(t))
	}
	sort.Strings(tiers)
	_, _ = fmt.Fprintf(stdout, "%sExported %d bundles%s\n", ColorGreen, len(addrs), ColorReset)
	for _, t := range tiers {
		_, _ = fmt.Fprintf(stdout, "   %-12s %s\n", t, addrs[ledger.Tier(t)])
	}
	return 0
}

// runHealthCmd opens the node, which pings every configured backend.
func runHealthCmd(stdout, stderr io.Writer) int {
	ctx := context.Background()
	n, cfg, ok := loadNode(ctx, stderr)
	if !ok {
		_, _ = fmt.Fprintf(stdout, "%sunhealthy%s\n", ColorRed, ColorReset)
		return 1
	}
	defer closeNode(n, cfg, stderr)
	_, _ = fmt.Fprintf(stdout, "%sok%s profile=%s ledger=%s archive=%s\n",
		ColorGreen, ColorReset, n.Profile().Name, cfg.LedgerDriver, cfg.ArchiveBackend)
	return 0
}
