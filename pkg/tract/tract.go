package tract

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/WilliamJin123/tract/internal/cache"
	"github.com/WilliamJin123/tract/internal/commitengine"
	"github.com/WilliamJin123/tract/internal/compiler"
	"github.com/WilliamJin123/tract/internal/content"
	"github.com/WilliamJin123/tract/internal/dag"
	"github.com/WilliamJin123/tract/internal/hashing"
	"github.com/WilliamJin123/tract/internal/history"
	"github.com/WilliamJin123/tract/internal/hooks"
	"github.com/WilliamJin123/tract/internal/retry"
	"github.com/WilliamJin123/tract/internal/storage"
	"github.com/WilliamJin123/tract/pkg/capability"
	"github.com/WilliamJin123/tract/pkg/constants"
	"github.com/WilliamJin123/tract/pkg/tracterr"
)

// Tract is one opened, content-addressed conversation repository: the
// facade spec.md §2 calls out as the single entry point binding storage,
// the DAG, the compiler, the cache, the history operators, and the hook
// dispatcher together.
type Tract struct {
	cfg     Config
	tractID string

	store    *storage.Store
	dag      *dag.Resolver
	registry *content.Registry
	counter  capability.TokenCounter

	engine   *commitengine.Engine
	compiler *compiler.Compiler
	cache    *cache.Manager

	merger    *history.Merger
	rebaser   *history.Rebaser
	importer  *history.Importer
	resetter  *history.Resetter
	compress  *history.Compressor
	collector *history.Collector

	dispatcher *hooks.Dispatcher
	llmClient  capability.LlmClient
	opClients  map[string]capability.LlmClient
	retryGroup *retry.Group

	includeEditAnnotations bool
	maxCompressionRetries  int

	mu      sync.Mutex
	inBatch bool
}

// Open opens (creating if absent) the tract described by cfg, wiring every
// internal component per spec.md §2's component graph and writing the
// schema_version meta row if this is a fresh store.
func Open(ctx context.Context, cfg Config) (*Tract, error) {
	if cfg.Counter == nil {
		return nil, &tracterr.Spawn{Reason: "Config.Counter (a TokenCounter) is required"}
	}
	tractID := cfg.TractID
	if tractID == "" {
		tractID = uuid.NewString()
	}

	store, err := storage.Open(ctx, cfg.Path)
	if err != nil {
		return nil, &tracterr.Spawn{Reason: err.Error()}
	}

	if err := initMeta(ctx, store); err != nil {
		store.Close()
		return nil, &tracterr.Spawn{Reason: err.Error()}
	}

	resolver := dag.NewResolver(store, tractID)
	if err := initHead(ctx, store, tractID); err != nil {
		store.Close()
		return nil, &tracterr.Spawn{Reason: err.Error()}
	}

	registry := content.NewRegistry()
	for name, schemaJSON := range cfg.CustomTypeRegistry {
		if err := registry.RegisterCustomType(name, schemaJSON); err != nil {
			store.Close()
			return nil, &tracterr.Spawn{Reason: err.Error()}
		}
	}

	retryGroup := retry.NewGroup()
	opClients := make(map[string]capability.LlmClient, len(cfg.OperationClients))
	for name, c := range cfg.OperationClients {
		opClients[name] = retry.NewClient(c, retryGroup, retry.OperationChat)
	}
	var wrappedDefault capability.LlmClient
	if cfg.LlmClient != nil {
		wrappedDefault = retry.NewClient(cfg.LlmClient, retryGroup, retry.OperationChat)
	}

	t := &Tract{
		cfg: cfg, tractID: tractID, store: store, dag: resolver, registry: registry, counter: cfg.Counter,
		dispatcher: hooks.NewDispatcher(), llmClient: wrappedDefault, opClients: opClients, retryGroup: retryGroup,
		includeEditAnnotations: cfg.IncludeEditAnnotations,
		maxCompressionRetries:  cfg.MaxCompressionRetries,
	}
	if t.maxCompressionRetries <= 0 {
		t.maxCompressionRetries = constants.DefaultMaxCompressionRetries
	}

	t.engine = commitengine.New(store, tractID, resolver, registry, cfg.Counter, t.budgetConfig())
	t.compiler = compiler.New(store, tractID, resolver, cfg.Counter)
	cacheManager, err := cache.NewManager(store, t.compiler, cfg.Counter, cfg.CompileCacheSize, cfg.IncludeEditAnnotations)
	if err != nil {
		store.Close()
		return nil, &tracterr.Spawn{Reason: err.Error()}
	}
	t.cache = cacheManager

	t.merger = history.NewMerger(store, tractID, resolver, t.engine)
	t.rebaser = history.NewRebaser(store, tractID, resolver, t.engine)
	t.importer = history.NewImporter(store, t.engine)
	t.resetter = history.NewResetter(store, tractID, resolver)
	t.collector = history.NewCollector(store, tractID, resolver)
	t.compress = history.NewCompressor(store, tractID, resolver, t.engine, retry.NewClient(t.operationClient("compress"), retryGroup, retry.OperationCompress), cfg.Counter)

	t.installDefaultHandlers()

	log.Printf("opened tract %s at %s", tractID, cfg.Path)
	return t, nil
}

// Close releases the tract's storage session.
func (t *Tract) Close() error { return t.store.Close() }

// TractID returns this tract's identifier.
func (t *Tract) TractID() string { return t.tractID }

// Dispatcher exposes the hook dispatcher so callers can register handlers
// (t.Dispatcher().On("compress", handler)) before driving operations.
func (t *Tract) Dispatcher() *hooks.Dispatcher { return t.dispatcher }

func initMeta(ctx context.Context, store *storage.Store) error {
	existing, err := store.GetMeta(ctx, "schema_version")
	if err == nil && existing != "" {
		return nil
	}
	if err != nil && err != storage.ErrNotFound {
		return fmt.Errorf("tract: read schema_version: %w", err)
	}
	return store.SetMeta(ctx, "schema_version", constants.SchemaVersion)
}

// initHead ensures HEAD exists, symbolically attached to the default
// branch, for a freshly created store. Existing stores are left alone.
func initHead(ctx context.Context, store *storage.Store, tractID string) error {
	if _, err := store.GetRef(ctx, tractID, constants.HeadRefName); err == nil {
		return nil
	} else if err != storage.ErrNotFound {
		return fmt.Errorf("tract: read HEAD: %w", err)
	}
	return store.UpsertRef(ctx, nil, storage.RefRow{
		TractID: tractID, RefName: constants.HeadRefName, SymbolicTarget: constants.BranchRefPrefix + constants.DefaultBranch,
	})
}

func (t *Tract) budgetConfig() *commitengine.TokenBudgetConfig {
	if t.cfg.TokenBudget == nil {
		return nil
	}
	opts := t.cfg.TokenBudget
	return &commitengine.TokenBudgetConfig{
		MaxTokens: opts.MaxTokens,
		Action:    opts.Action,
		Callback: func(current, max int) {
			if opts.Callback != nil {
				opts.Callback(current, max)
			}
			t.fireBudgetPolicy(current, max)
		},
	}
}

// fireBudgetPolicy reifies a CALLBACK-mode budget breach as a PendingPolicy
// and runs it through the dispatcher (the default handler approves). The
// commit proceeds whatever the handler decides: the policy's Decision(),
// including any set_max_tokens value, is not read, and the configured
// budget stays as it is.
func (t *Tract) fireBudgetPolicy(current, max int) {
	cause := &tracterr.BudgetExceeded{CurrentTokens: current, MaxTokens: max}
	p := hooks.NewPendingPolicy("budget_exceeded", cause)
	if err := t.dispatcher.Fire(context.Background(), p); err != nil {
		log.Printf("budget policy hook for current=%d max=%d returned error: %v", current, max, err)
	}
}

// operationClient resolves the raw (not yet retry-wrapped) LlmClient for a
// named operation ("chat", "merge", "compress", "orchestrate",
// "summarize"), falling back to the tract-wide default client (spec.md
// §6's operation_clients). Used only while wiring retry.Client wrappers in
// Open; call sites after Open use t.llmClientFor instead.
func (t *Tract) operationClient(op string) capability.LlmClient {
	if c, ok := t.cfg.OperationClients[op]; ok && c != nil {
		return c
	}
	return t.cfg.LlmClient
}

// llmClientFor returns the retry-wrapped client for a named operation,
// falling back to the wrapped tract-wide default.
func (t *Tract) llmClientFor(op string) capability.LlmClient {
	if c, ok := t.opClients[op]; ok && c != nil {
		return c
	}
	return t.llmClient
}

// installDefaultHandlers registers spec.md §4.7's tier-3 default behavior.
// compress, gc and budget_exceeded get an explicit default of "approve as
// computed"; merge approves only once every conflict has a resolution and
// otherwise leaves the PendingMerge pending and the merge uncommitted. Any
// other hookable operation without a caller-registered handler is
// auto-approved by Dispatcher.Fire itself. SetDefault is the place a host
// overrides these.
func (t *Tract) installDefaultHandlers() {
	t.dispatcher.SetDefault("compress", func(ctx context.Context, p hooks.Pending) error { return p.Approve(ctx) })
	t.dispatcher.SetDefault("merge", func(ctx context.Context, p hooks.Pending) error {
		if pm, ok := p.(*hooks.PendingMerge); ok {
			if v, err := pm.Validate(ctx); err != nil || !v.Passed {
				return err
			}
		}
		return p.Approve(ctx)
	})
	t.dispatcher.SetDefault("gc", func(ctx context.Context, p hooks.Pending) error { return p.Approve(ctx) })
	t.dispatcher.SetDefault("budget_exceeded", func(ctx context.Context, p hooks.Pending) error { return p.Approve(ctx) })
}

// CreateCommit wraps commitengine.CreateCommit with tool-definition
// persistence and incremental cache extension, per spec.md §4.2/§4.5.
func (t *Tract) CreateCommit(ctx context.Context, payload map[string]any, opts commitengine.CreateCommitOptions, tools []capability.ToolDefinition) (*commitengine.CommitInfo, error) {
	if opts.Message == "" && t.cfg.AutoSummarize.Enabled {
		if msg, err := t.autoSummarizeMessage(ctx, payload); err != nil {
			log.Printf("auto-summarize failed, leaving message empty: %v", err)
		} else {
			opts.Message = msg
		}
	}

	info, err := t.engine.CreateCommit(ctx, payload, opts)
	if err != nil {
		return nil, err
	}
	if len(tools) > 0 {
		if err := t.registerTools(ctx, info.CommitHash, tools); err != nil {
			return nil, err
		}
	}
	if err := t.syncCacheAfterCommit(ctx, info.CommitHash); err != nil {
		log.Printf("cache sync after commit %s failed, falling back to lazy recompile: %v", info.CommitHash, err)
	}
	return info, nil
}

// Annotate wraps commitengine.Annotate with incremental cache patching.
func (t *Tract) Annotate(ctx context.Context, targetHash string, priority content.Priority, retention *content.RetentionCriteria, reason string) (*storage.AnnotationRow, error) {
	row, err := t.engine.Annotate(ctx, targetHash, priority, retention, reason)
	if err != nil {
		return nil, err
	}
	if err := t.syncCacheAfterAnnotate(ctx, targetHash, priority); err != nil {
		log.Printf("cache sync after annotate %s failed, falling back to lazy recompile: %v", targetHash, err)
	}
	return row, nil
}

// EditHistory returns the chronological chain of a commit's own hash
// followed by every EDIT commit targeting it (spec.md S2's `edit_history`).
func (t *Tract) EditHistory(ctx context.Context, hash string) ([]string, error) {
	if _, err := t.engine.GetCommit(ctx, hash); err != nil {
		return nil, err
	}
	edits, err := t.store.ListEditsOf(ctx, t.tractID, hash)
	if err != nil {
		return nil, fmt.Errorf("tract: list edits of %s: %w", hash, err)
	}
	out := make([]string, 0, len(edits)+1)
	out = append(out, hash)
	for _, e := range edits {
		out = append(out, e.CommitHash)
	}
	return out, nil
}

func (t *Tract) registerTools(ctx context.Context, commitHash string, tools []capability.ToolDefinition) error {
	hashes := make([]string, 0, len(tools))
	err := t.store.WithTx(ctx, func(tx *sql.Tx) error {
		for _, tool := range tools {
			h, err := hashToolSchema(tool.SchemaJSON)
			if err != nil {
				return err
			}
			if err := t.store.SaveToolDefinitionIfAbsent(ctx, tx, storage.ToolDefinitionRow{
				ContentHash: h, Name: tool.Name, SchemaJSON: tool.SchemaJSON,
			}); err != nil {
				return err
			}
			hashes = append(hashes, h)
		}
		return t.store.LinkCommitTools(ctx, tx, commitHash, hashes)
	})
	if err != nil {
		return fmt.Errorf("tract: register tools for %s: %w", commitHash, err)
	}
	return nil
}

// autoSummarizeMessage asks the "summarize" operation client for a short
// one-line commit message describing payload (Config.auto_summarize).
func (t *Tract) autoSummarizeMessage(ctx context.Context, payload map[string]any) (string, error) {
	client := t.llmClientFor("summarize")
	if client == nil {
		return "", fmt.Errorf("tract: auto_summarize is enabled but no summarize/default LlmClient is configured")
	}
	text, err := hashing.CanonicalJSON(payload)
	if err != nil {
		return "", fmt.Errorf("tract: serialize payload for auto-summarize: %w", err)
	}
	model := t.cfg.AutoSummarize.Model
	if model == "" {
		model = t.cfg.AutoSummarize.Params.Model
	}
	resp, err := client.Chat(ctx, capability.ChatRequest{
		Model: model,
		Messages: []capability.Message{
			{Role: "system", Content: "Summarize the following commit content in one short line, under 72 characters, imperative mood."},
			{Role: "user", Content: string(text)},
		},
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

func hashToolSchema(schemaJSON []byte) (string, error) {
	var v any
	if err := json.Unmarshal(schemaJSON, &v); err != nil {
		return "", fmt.Errorf("tract: parse tool schema: %w", err)
	}
	return hashing.ContentHash(v)
}
