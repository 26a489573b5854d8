// Package node assembles a dispatch node from configuration: ledger
// storage, budgets, the LLM gateway, the execution engine and the
// supervisor, plus the archive and telemetry around them.
package node

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/helm-dispatch/pkg/archive"
	"github.com/Mindburn-Labs/helm-dispatch/pkg/budget"
	"github.com/Mindburn-Labs/helm-dispatch/pkg/config"
	"github.com/Mindburn-Labs/helm-dispatch/pkg/executor"
	"github.com/Mindburn-Labs/helm-dispatch/pkg/gateway"
	"github.com/Mindburn-Labs/helm-dispatch/pkg/ledger"
	"github.com/Mindburn-Labs/helm-dispatch/pkg/llm"
	"github.com/Mindburn-Labs/helm-dispatch/pkg/observability"
	"github.com/Mindburn-Labs/helm-dispatch/pkg/prompt"
	"github.com/Mindburn-Labs/helm-dispatch/pkg/replay"
	"github.com/Mindburn-Labs/helm-dispatch/pkg/schema"
	"github.com/Mindburn-Labs/helm-dispatch/pkg/supervisor"
	"github.com/Mindburn-Labs/helm-dispatch/pkg/tooling"
	"github.com/Mindburn-Labs/helm-dispatch/pkg/workorder"

	_ "github.com/lib/pq"  // Postgres driver
	_ "modernc.org/sqlite" // SQLite driver
)

// ExecutorAgentID is the agent id the execution engine presents to the gateway.
const ExecutorAgentID = "executor"

// Node is a wired dispatch node.
type Node struct {
	cfg     *config.Config
	profile *config.Profile
	logger  *slog.Logger

	Ledger     *ledger.Ledger
	Budget     *budget.Budgeter
	Contracts  prompt.Store
	Tools      *tooling.Registry
	Gateway    *gateway.Gateway
	Executor   *executor.Engine
	Supervisor *supervisor.Supervisor
	Archive    archive.Store
	Telemetry  *observability.Provider

	closers []func(context.Context) error
}

type options struct {
	ledger    *ledger.Ledger
	provider  llm.Provider
	contracts prompt.Store
	tools     *tooling.Registry
	limiter   budget.RateLimiter
}

// Option overrides a component New would otherwise build from config.
type Option func(*options)

func WithLedger(l *ledger.Ledger) Option { return func(o *options) { o.ledger = l } }

func WithProvider(p llm.Provider) Option { return func(o *options) { o.provider = p } }

func WithContracts(s prompt.Store) Option { return func(o *options) { o.contracts = s } }

// WithTools sets the tool registry. Builtin tools are added to it.
func WithTools(r *tooling.Registry) Option { return func(o *options) { o.tools = r } }

func WithRateLimiter(l budget.RateLimiter) Option { return func(o *options) { o.limiter = l } }

// New builds a node. On error every resource opened so far is released.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (_ *Node, err error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	profile, err := config.Resolve(cfg)
	if err != nil {
		return nil, err
	}
	n := &Node{
		cfg:     cfg,
		profile: profile,
		logger:  slog.Default().With("component", "node"),
	}
	defer func() {
		if err != nil {
			_ = n.Close(context.Background())
		}
	}()

	if n.Telemetry, err = n.openTelemetry(ctx); err != nil {
		return nil, err
	}
	if n.Ledger = o.ledger; n.Ledger == nil {
		if n.Ledger, err = n.openLedger(ctx); err != nil {
			return nil, err
		}
	}
	if n.Archive, err = n.openArchive(ctx); err != nil {
		return nil, err
	}

	n.Budget = budget.New(n.Ledger)
	ids := workorder.NewIDGenerator()
	if err := n.recover(ctx, ids); err != nil {
		return nil, err
	}

	if n.Contracts = o.contracts; n.Contracts == nil {
		if n.Contracts, err = prompt.NewFileStore(cfg.ContractsDir); err != nil {
			return nil, err
		}
	}
	provider := o.provider
	if provider == nil {
		if provider, err = n.openProvider(ctx); err != nil {
			return nil, err
		}
	}
	limiter := o.limiter
	if limiter == nil {
		if limiter, err = n.openLimiter(ctx); err != nil {
			return nil, err
		}
	}
	if n.Tools = o.tools; n.Tools == nil {
		n.Tools = tooling.NewRegistry()
	}
	if err := registerBuiltins(n.Tools, n.Contracts); err != nil {
		return nil, err
	}

	schemas := schema.NewCache()
	gwOpts := []gateway.Option{
		gateway.WithRateLimiter(limiter),
		gateway.WithBreaker(gateway.NewBreaker(profile.Breaker)),
		gateway.WithSchemaCache(schemas),
		gateway.WithDefaultTimeout(time.Duration(profile.GatewayTimeoutSeconds) * time.Second),
	}
	execOpts := []executor.Option{
		executor.WithBalances(n.Budget),
		executor.WithSchemaCache(schemas),
		executor.WithDefaultTimeout(time.Duration(profile.ExecutionTimeoutSeconds) * time.Second),
	}
	if cfg.JWTSigningKey != "" {
		auth, err := gateway.NewJWTAuthorizer([]byte(cfg.JWTSigningKey), cfg.JWTIssuer)
		if err != nil {
			return nil, err
		}
		token, err := auth.Issue(ExecutorAgentID, []string{"*"}, 24*time.Hour)
		if err != nil {
			return nil, fmt.Errorf("node: issue executor token: %w", err)
		}
		gwOpts = append(gwOpts, gateway.WithAuthorizer(auth))
		execOpts = append(execOpts, executor.WithCredentials(ExecutorAgentID, token))
	} else {
		execOpts = append(execOpts, executor.WithCredentials(ExecutorAgentID, ""))
	}

	n.Gateway = gateway.New(n.Ledger, n.Budget, n.Contracts, provider, gwOpts...)
	n.Executor = executor.New(n.Ledger, n.Gateway, n.Contracts, n.Tools, execOpts...)

	gate, err := supervisor.NewGate(schemas)
	if err != nil {
		return nil, err
	}
	n.Supervisor, err = supervisor.New(n.Ledger, n.Budget, n.Executor, workorder.NewFactory(ids),
		supervisor.WithConfig(profile.Chain),
		supervisor.WithGate(gate),
	)
	if err != nil {
		return nil, err
	}

	n.logger.InfoContext(ctx, "node ready",
		"profile", profile.Name,
		"ledger", cfg.LedgerDriver,
		"provider", provider.Name(),
		"archive", cfg.ArchiveBackend,
		"jwt", cfg.JWTSigningKey != "",
	)
	return n, nil
}

// Profile returns the resolved dispatch profile.
func (n *Node) Profile() *config.Profile { return n.profile }

func (n *Node) openTelemetry(ctx context.Context) (*observability.Provider, error) {
	oc := observability.DefaultConfig()
	oc.Enabled = n.cfg.OTelEnabled
	oc.OTLPEndpoint = n.cfg.OTelEndpoint
	oc.Insecure = true
	p, err := observability.New(ctx, oc)
	if err != nil {
		return nil, err
	}
	n.closers = append(n.closers, p.Shutdown)
	return p, nil
}

func (n *Node) openLedger(ctx context.Context) (*ledger.Ledger, error) {
	var driver string
	switch n.cfg.LedgerDriver {
	case "memory":
		return ledger.NewMemory(), nil
	case "sqlite":
		driver = "sqlite"
		if path, ok := strings.CutPrefix(n.cfg.DatabaseURL, "file:"); ok {
			path, _, _ = strings.Cut(path, "?")
			if dir := filepath.Dir(path); dir != "." {
				if err := os.MkdirAll(dir, 0o750); err != nil {
					return nil, fmt.Errorf("node: create data dir: %w", err)
				}
			}
		}
	case "postgres":
		driver = "postgres"
	default:
		return nil, fmt.Errorf("node: unsupported ledger driver %q", n.cfg.LedgerDriver)
	}

	db, err := sql.Open(driver, n.cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("node: open %s: %w", driver, err)
	}
	n.closers = append(n.closers, func(context.Context) error { return db.Close() })
	if driver == "sqlite" {
		// One writer; SQLite serializes anyway and this avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("node: ping %s: %w", driver, err)
	}
	n.logger.InfoContext(ctx, "ledger database connected", "driver", driver)
	return ledger.NewSQL(ctx, db)
}

func (n *Node) openArchive(ctx context.Context) (archive.Store, error) {
	store, err := archive.Open(ctx, archive.Config{
		Backend:    archive.Backend(n.cfg.ArchiveBackend),
		DataDir:    n.cfg.ArchiveDir,
		S3Bucket:   n.cfg.S3Bucket,
		S3Region:   n.cfg.S3Region,
		S3Endpoint: n.cfg.S3Endpoint,
		GCSBucket:  n.cfg.GCSBucket,
	})
	if err != nil {
		return nil, err
	}
	if c, ok := store.(io.Closer); ok {
		n.closers = append(n.closers, func(context.Context) error { return c.Close() })
	}
	return store, nil
}

func (n *Node) openProvider(ctx context.Context) (llm.Provider, error) {
	switch n.cfg.LLMProvider {
	case "openai", "":
		return llm.NewOpenAIProvider(n.cfg.LLMAPIKey, llm.WithBaseURL(n.cfg.LLMServiceURL)), nil
	case "genai":
		return llm.NewGenAIProvider(ctx, n.cfg.LLMAPIKey)
	default:
		return nil, fmt.Errorf("node: unsupported LLM provider %q", n.cfg.LLMProvider)
	}
}

// openLimiter uses Redis when REDIS_URL is set so limits hold across nodes.
// An unreachable Redis is an error; the node does not silently fall back.
func (n *Node) openLimiter(ctx context.Context) (budget.RateLimiter, error) {
	if n.cfg.RedisURL == "" {
		return budget.NewMemoryLimiter(n.profile.Rate), nil
	}
	opts, err := redis.ParseURL(n.cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("node: parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	n.closers = append(n.closers, func(context.Context) error { return client.Close() })
	limiter := budget.NewRedisLimiterFromClient(client, n.profile.Rate, "helm-dispatch:rate")
	if err := limiter.Ping(ctx); err != nil {
		return nil, fmt.Errorf("node: redis unreachable: %w", err)
	}
	return limiter, nil
}

// recover rebuilds budget balances from the ledger and advances the work
// order id sequence past every recorded id.
func (n *Node) recover(ctx context.Context, ids *workorder.IDGenerator) error {
	var all []ledger.Entry
	for _, t := range ledger.Tiers {
		entries, err := n.Ledger.Entries(ctx, t, ledger.Filter{})
		if err != nil {
			return fmt.Errorf("node: read %s: %w", t, err)
		}
		all = append(all, entries...)
	}
	if err := n.Budget.Rebuild(all); err != nil {
		return fmt.Errorf("node: rebuild budgets: %w", err)
	}
	for _, e := range all {
		if id := e.String(ledger.MetaWorkOrderID); id != "" {
			ids.Observe(id)
		}
	}
	if len(all) > 0 {
		n.logger.InfoContext(ctx, "state recovered from ledger", "entries", len(all))
	}
	return nil
}

// Watch hot-reloads file contracts until ctx is done. It is a no-op for
// other contract stores.
func (n *Node) Watch(ctx context.Context) error {
	fs, ok := n.Contracts.(*prompt.FileStore)
	if !ok {
		return nil
	}
	return fs.Watch(ctx, 250*time.Millisecond)
}

// RunTurn runs one supervised chain inside a turn span.
func (n *Node) RunTurn(ctx context.Context, turn supervisor.Turn) (*supervisor.ChainResult, error) {
	ctx, finish := n.Telemetry.TrackTurn(ctx, observability.TurnAttributes(turn.SessionID, len(turn.ToolsAllowed))...)
	res, err := n.Supervisor.RunTurn(ctx, turn)
	if res != nil {
		observability.ChainOutcome(ctx, res.ChainID, res.Accepted, res.Cost.TotalTokens())
	}
	finish(err)
	return res, err
}

// VerifyReport summarizes a full ledger verification.
type VerifyReport struct {
	Entries map[ledger.Tier]int `json:"entries"`
	Chains  int                 `json:"chains"`
}

// Verify checks every stream's hash chain and every chain summary's trace
// hash. An empty sessionID checks all sessions.
func (n *Node) Verify(ctx context.Context, sessionID string) (*VerifyReport, error) {
	if err := n.Ledger.VerifyAll(ctx); err != nil {
		return nil, err
	}
	report := &VerifyReport{Entries: make(map[ledger.Tier]int, len(ledger.Tiers))}
	for _, t := range ledger.Tiers {
		entries, err := n.Ledger.Entries(ctx, t, ledger.Filter{SessionID: sessionID})
		if err != nil {
			return nil, err
		}
		report.Entries[t] = len(entries)
	}
	chains, err := supervisor.VerifyChains(ctx, n.Ledger, sessionID)
	if err != nil {
		return nil, err
	}
	report.Chains = chains
	return report, nil
}

// Export archives one bundle per tier holding the session's entries and
// returns their content addresses. Tiers with no entries are skipped.
func (n *Node) Export(ctx context.Context, sessionID string) (map[ledger.Tier]string, error) {
	out := make(map[ledger.Tier]string, len(ledger.Tiers))
	for _, t := range ledger.Tiers {
		entries, err := n.Ledger.Entries(ctx, t, ledger.Filter{SessionID: sessionID})
		if err != nil {
			return nil, err
		}
		if len(entries) == 0 {
			continue
		}
		b, err := ledger.ExportBundle(ctx, n.Ledger.Stream(t), ledger.Filter{SessionID: sessionID})
		if err != nil {
			return nil, err
		}
		hash, err := ledger.Archive(ctx, b, n.Archive)
		if err != nil {
			return nil, fmt.Errorf("node: archive %s bundle: %w", t, err)
		}
		out[t] = hash
		n.logger.InfoContext(ctx, "bundle archived", "session_id", sessionID, "tier", t, "entries", b.EntryCount, "address", hash)
	}
	return out, nil
}

// Replay folds the session's state from the live ledger, or from archived
// bundles when addresses are given.
func (n *Node) Replay(ctx context.Context, sessionID string, addresses ...string) (*replay.SessionState, error) {
	if len(addresses) == 0 {
		return replay.Replay(ctx, n.Ledger, sessionID)
	}
	bundles := make([]*ledger.Bundle, 0, len(addresses))
	for _, addr := range addresses {
		b, err := ledger.LoadBundle(ctx, n.Archive, addr)
		if err != nil {
			return nil, fmt.Errorf("node: load bundle %s: %w", addr, err)
		}
		bundles = append(bundles, b)
	}
	return replay.FromBundles(sessionID, bundles...)
}

// Close releases resources in reverse order of acquisition.
func (n *Node) Close(ctx context.Context) error {
	var errs []error
	for i := len(n.closers) - 1; i >= 0; i-- {
		if err := n.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	n.closers = nil
	return errors.Join(errs...)
}
