package tract

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/WilliamJin123/tract/internal/cache"
	"github.com/WilliamJin123/tract/internal/commitengine"
	"github.com/WilliamJin123/tract/internal/compiler"
	"github.com/WilliamJin123/tract/internal/content"
	"github.com/WilliamJin123/tract/internal/retry"
	"github.com/WilliamJin123/tract/internal/storage"
	"github.com/WilliamJin123/tract/pkg/capability"
	"github.com/WilliamJin123/tract/pkg/constants"
	"github.com/WilliamJin123/tract/pkg/tracterr"
)

// encodingNamer mirrors internal/compiler's optional interface: a
// TokenCounter that knows the name of its encoding renders a concrete
// TokenSource tag instead of the generic "computed" fallback.
type encodingNamer interface {
	Encoding() string
}

func tokenSourceFor(counter capability.TokenCounter) string {
	if named, ok := counter.(encodingNamer); ok {
		return "tiktoken:" + named.Encoding()
	}
	return "computed"
}

// Compile renders the tract's current HEAD into the message list an LLM
// would see (spec.md §4.4), serving from the compile cache when possible
// and falling back to a full recompile on a miss.
func (t *Tract) Compile(ctx context.Context, opts compiler.CompileOptions) (*compiler.CompiledContext, error) {
	head, err := t.dag.ResolveHead(ctx)
	if err != nil {
		return nil, err
	}
	if head.CommitHash == "" {
		return &compiler.CompiledContext{TokenSource: tokenSourceFor(t.counter)}, nil
	}
	if opts.AtTime != nil || opts.AtCommit != "" {
		return t.compiler.Compile(ctx, head.CommitHash, opts)
	}

	if snap, ok := t.cache.Get(head.CommitHash); ok {
		return t.cache.ToCompiled(ctx, snap)
	}
	snap, err := t.buildSnapshotFromScratch(ctx, head.CommitHash)
	if err != nil {
		return nil, err
	}
	return t.cache.ToCompiled(ctx, snap)
}

// buildSnapshotFromScratch fully recompiles headHash and re-derives the
// per-message token counts and tool-schema hashes cache.Manager's own
// incremental path keeps (but cannot expose), so a cache miss produces a
// snapshot indistinguishable from one built incrementally.
func (t *Tract) buildSnapshotFromScratch(ctx context.Context, headHash string) (*cache.CompileSnapshot, error) {
	compiled, err := t.compiler.Compile(ctx, headHash, compiler.CompileOptions{IncludeEditAnnotations: t.includeEditAnnotations})
	if err != nil {
		return nil, err
	}

	msgTokens := make([]int, len(compiled.Messages))
	for i, m := range compiled.Messages {
		n, err := t.counter.CountMessages([]capability.Message{m})
		if err != nil {
			return nil, fmt.Errorf("tract: count tokens for message %d: %w", i, err)
		}
		n -= constants.ResponsePrimerTokens
		if n < 0 {
			n = 0
		}
		msgTokens[i] = n
	}

	toolHashes := make([]string, 0, len(compiled.Tools))
	for _, tool := range compiled.Tools {
		h, err := hashToolSchema(tool.SchemaJSON)
		if err != nil {
			return nil, err
		}
		toolHashes = append(toolHashes, h)
	}

	snap := &cache.CompileSnapshot{
		HeadHash:           headHash,
		Messages:           compiled.Messages,
		CommitHashes:       compiled.CommitHashes,
		CommitCount:        compiled.CommitCount,
		TokenCount:         compiled.TokenCount,
		TokenSource:        compiled.TokenSource,
		GenerationConfigs:  compiled.GenerationConfigs,
		MessageTokenCounts: msgTokens,
		ToolHashes:         toolHashes,
	}
	t.cache.Put(snap)
	return snap, nil
}

func (t *Tract) cacheParentSnapshot(parentHash string) (*cache.CompileSnapshot, bool) {
	if parentHash == "" {
		return &cache.CompileSnapshot{}, true
	}
	return t.cache.Get(parentHash)
}

// syncCacheAfterCommit keeps the compile cache warm for the hot path: a
// plain APPEND extends the parent's cached snapshot in O(1); an EDIT
// patches it in place. Anything the cache can't handle incrementally (a
// SKIP-priority commit that renders nothing new, or a cold parent) is left
// for Compile()'s lazy full-recompile fallback — never an error.
func (t *Tract) syncCacheAfterCommit(ctx context.Context, commitHash string) error {
	row, err := t.engine.GetCommit(ctx, commitHash)
	if err != nil {
		return err
	}

	parentSnap, ok := t.cacheParentSnapshot(row.ParentHash)
	if !ok {
		return nil
	}

	if row.Operation == commitengine.OperationEdit {
		if _, ok, err := t.cache.PatchForEdit(ctx, parentSnap, commitHash, *row); err != nil {
			return err
		} else if !ok {
			return nil
		}
		return nil
	}

	if _, err := t.cache.ExtendForAppend(ctx, *row, parentSnap); err != nil {
		// Non-extending commit (e.g. SKIP priority): the rendered list is
		// unchanged from the parent's, just re-key it under the new head.
		clone := *parentSnap
		clone.HeadHash = commitHash
		t.cache.Put(&clone)
	}
	return nil
}

// syncCacheAfterAnnotate patches the cached snapshot for the current HEAD
// in place when possible, falling back to lazy recompile otherwise (e.g.
// a previously-SKIPped commit becoming visible again).
func (t *Tract) syncCacheAfterAnnotate(ctx context.Context, targetHash string, priority content.Priority) error {
	head, err := t.dag.ResolveHead(ctx)
	if err != nil {
		return err
	}
	if head.CommitHash == "" {
		return nil
	}
	snap, ok := t.cache.Get(head.CommitHash)
	if !ok {
		return nil
	}
	next, ok := t.cache.PatchForAnnotate(snap, targetHash, priority)
	if !ok {
		return nil
	}
	t.cache.Put(next)
	return nil
}

// ChatOptions configures Tract.Chat/Tract.Generate.
type ChatOptions struct {
	// Operation selects which retry bucket and OperationClients override
	// applies ("chat" default, "orchestrate", "summarize", ...).
	Operation        string
	Model            string
	Temperature      *float64
	MaxTokens        *int
	Tools            []capability.ToolDefinition
	GenerationConfig map[string]any

	// ContentType classifies the committed response; defaults to
	// content.Dialogue.
	ContentType content.Type
	Message     string
	Metadata    map[string]any
}

// Chat compiles the current context, calls the LLM, commits the response
// as a new APPEND commit, and records its compile provenance (spec.md
// §4.6's generate()/chat()).
func (t *Tract) Chat(ctx context.Context, opts ChatOptions) (*capability.ChatResponse, *commitengine.CommitInfo, error) {
	t.mu.Lock()
	inBatch := t.inBatch
	t.mu.Unlock()
	if inBatch {
		return nil, nil, &tracterr.Session{Reason: "chat()/generate() cannot be called from inside Batch()"}
	}

	head, err := t.dag.ResolveHead(ctx)
	if err != nil {
		return nil, nil, err
	}
	compiled, err := t.Compile(ctx, compiler.CompileOptions{})
	if err != nil {
		return nil, nil, err
	}

	op := opts.Operation
	if op == "" {
		op = string(retry.OperationChat)
	}
	client := t.llmClientFor(op)
	if client == nil {
		return nil, nil, &tracterr.Session{Reason: "no LlmClient configured"}
	}

	resp, err := client.Chat(ctx, capability.ChatRequest{
		Messages: compiled.Messages, Model: opts.Model, Temperature: opts.Temperature,
		MaxTokens: opts.MaxTokens, Tools: opts.Tools, GenerationConfig: opts.GenerationConfig,
	})
	if err != nil {
		return nil, nil, err
	}

	contentType := opts.ContentType
	if contentType == "" {
		contentType = content.Dialogue
	}
	payload := map[string]any{"role": "assistant", "content": resp.Content}
	if resp.Reasoning != "" {
		payload["reasoning"] = resp.Reasoning
	}

	info, err := t.CreateCommit(ctx, payload, commitengine.CreateCommitOptions{
		ContentType: contentType, Message: opts.Message, Metadata: opts.Metadata, GenerationConfig: opts.GenerationConfig,
	}, opts.Tools)
	if err != nil {
		return nil, nil, err
	}

	if resp.Usage != nil {
		if err := t.cache.RecordAPITokens(info.CommitHash, resp.Usage.PromptTokens, resp.Usage.CompletionTokens); err != nil {
			log.Printf("record API tokens for %s: %v", info.CommitHash, err)
		}
	}
	if err := t.recordCompileEvent(ctx, head.CommitHash, compiled, resp); err != nil {
		log.Printf("record compile event for %s: %v", info.CommitHash, err)
	}

	return resp, info, nil
}

// Generate is an alias for Chat kept for callers that think in terms of a
// single-shot generation rather than a conversational turn.
func (t *Tract) Generate(ctx context.Context, opts ChatOptions) (*capability.ChatResponse, *commitengine.CommitInfo, error) {
	return t.Chat(ctx, opts)
}

func (t *Tract) recordCompileEvent(ctx context.Context, headHash string, compiled *compiler.CompiledContext, resp *capability.ChatResponse) error {
	tokenCount := compiled.TokenCount
	tokenSource := compiled.TokenSource
	if resp.Usage != nil {
		tokenCount = resp.Usage.PromptTokens
		tokenSource = fmt.Sprintf("api:%d+%d", resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	}
	record := storage.CompileRecordRow{
		RecordID: uuid.NewString(), TractID: t.tractID,
		HeadHash: headHash, TokenCount: tokenCount,
		CommitCount: compiled.CommitCount, TokenSource: tokenSource, CreatedAt: time.Now(),
	}
	return t.store.WithTx(ctx, func(tx *sql.Tx) error {
		return t.store.InsertCompileRecord(ctx, tx, record, compiled.CommitHashes)
	})
}

// Batch runs fn with the tract marked as inside a batch, letting a caller
// make several CreateCommit/Annotate calls as one logical unit.
// chat()/generate() are forbidden inside fn (spec.md §5): they need a
// stable compiled context, which a batch in progress cannot guarantee.
// Auto-summarize is not deferred: each CreateCommit inside fn generates
// its message just as it would outside a batch. Batch calls are not
// reentrant.
func (t *Tract) Batch(ctx context.Context, fn func(ctx context.Context) error) error {
	t.mu.Lock()
	if t.inBatch {
		t.mu.Unlock()
		return &tracterr.Session{Reason: "Batch() calls cannot be nested"}
	}
	t.inBatch = true
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		t.inBatch = false
		t.mu.Unlock()
	}()

	return fn(ctx)
}
