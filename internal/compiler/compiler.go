// Package compiler implements Tract's ContextCompiler: turning a commit DAG
// into the linear, role-tagged message list an LLM actually sees (spec.md
// §4.4). internal/cache reuses its single-message builder so incremental
// recompiles render a commit exactly the way a full compile would.
package compiler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/WilliamJin123/tract/internal/content"
	"github.com/WilliamJin123/tract/internal/dag"
	"github.com/WilliamJin123/tract/internal/storage"
	"github.com/WilliamJin123/tract/pkg/capability"
	"github.com/WilliamJin123/tract/pkg/tracterr"
)

const editOperation = "EDIT"

// CompiledContext is the result of a compile: a linear message list plus the
// per-message provenance and token accounting the cache and CLI both need.
type CompiledContext struct {
	Messages          []capability.Message
	TokenCount        int
	CommitCount       int
	TokenSource       string
	GenerationConfigs []map[string]any
	CommitHashes      []string
	Tools             []capability.ToolDefinition
}

// CompileOptions are compile()'s optional filters; at most one of AtTime /
// AtCommit may be set.
type CompileOptions struct {
	AtTime                 *time.Time
	AtCommit               string
	IncludeEditAnnotations bool
}

// Compiler renders one tract's DAG into CompiledContext views.
type Compiler struct {
	store   *storage.Store
	tractID string
	dag     *dag.Resolver
	counter capability.TokenCounter
}

// New returns a Compiler bound to one tract's storage and capabilities.
func New(store *storage.Store, tractID string, resolver *dag.Resolver, counter capability.TokenCounter) *Compiler {
	return &Compiler{store: store, tractID: tractID, dag: resolver, counter: counter}
}

// encodingNamer is implemented by TokenCounters that know the name of the
// encoding they count against (e.g. a tiktoken-backed counter). Counters
// that don't implement it render as a bare "computed" TokenSource.
type encodingNamer interface {
	Encoding() string
}

func (c *Compiler) tokenSource() string {
	if named, ok := c.counter.(encodingNamer); ok {
		return "tiktoken:" + named.Encoding()
	}
	return "computed"
}

// Compile implements spec.md §4.4's compile().
func (c *Compiler) Compile(ctx context.Context, headHash string, opts CompileOptions) (*CompiledContext, error) {
	if opts.AtTime != nil && opts.AtCommit != "" {
		return nil, fmt.Errorf("compiler: at_time and at_commit are mutually exclusive")
	}
	if headHash == "" {
		return &CompiledContext{TokenSource: c.tokenSource()}, nil
	}

	order, err := c.buildCommitOrder(ctx, headHash)
	if err != nil {
		return nil, err
	}

	if opts.AtCommit != "" {
		idx := -1
		for i, cm := range order {
			if cm.CommitHash == opts.AtCommit {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil, &tracterr.CommitNotFound{Hash: opts.AtCommit}
		}
		order = order[:idx+1]
	}

	effectiveAtTime := opts.AtTime
	if opts.AtCommit != "" && len(order) > 0 {
		t := order[len(order)-1].CreatedAt
		effectiveAtTime = &t
	}
	if effectiveAtTime != nil {
		filtered := order[:0]
		for _, cm := range order {
			if !cm.CreatedAt.After(*effectiveAtTime) {
				filtered = append(filtered, cm)
			}
		}
		order = filtered
	}

	editMap := buildEditMap(order)

	var effective []storage.CommitRow
	for _, cm := range order {
		if cm.Operation == editOperation {
			continue
		}
		if cm.Archived {
			// Superseded by a compression summary commit; the summary itself
			// is a later, unarchived commit in the chain that renders instead.
			continue
		}
		priority, err := c.resolvePriority(ctx, cm.CommitHash, cm.ContentType, effectiveAtTime)
		if err != nil {
			return nil, err
		}
		if priority == content.SKIP {
			continue
		}
		effective = append(effective, cm)
	}

	messages := make([]capability.Message, 0, len(effective))
	genConfigs := make([]map[string]any, 0, len(effective))
	commitHashes := make([]string, 0, len(effective))

	for _, cm := range effective {
		source := cm
		original := cm
		wasEdited := false
		if edit, ok := editMap[cm.CommitHash]; ok {
			source = edit
			wasEdited = true
		}
		msg, genConfig, err := c.BuildMessage(ctx, source, original, wasEdited, opts.IncludeEditAnnotations)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
		genConfigs = append(genConfigs, genConfig)
		commitHashes = append(commitHashes, cm.CommitHash)
	}

	tokenCount, err := c.counter.CountMessages(messages)
	if err != nil {
		return nil, fmt.Errorf("compiler: count tokens: %w", err)
	}

	var tools []capability.ToolDefinition
	for i := len(order) - 1; i >= 0; i-- {
		t, err := c.toolsForCommit(ctx, order[i].CommitHash)
		if err != nil {
			return nil, err
		}
		if len(t) > 0 {
			tools = t
			break
		}
	}

	return &CompiledContext{
		Messages: messages, TokenCount: tokenCount, CommitCount: len(messages), TokenSource: c.tokenSource(),
		GenerationConfigs: genConfigs, CommitHashes: commitHashes, Tools: tools,
	}, nil
}

// BuildMessage renders source (the commit whose blob actually supplies the
// displayed content — the edit that superseded the position's original
// commit, if any, else the original itself) into a Message plus its
// effective generation_config: source's own config if it has one, else
// original's (edit-inherits-original; original == source when unedited).
// internal/cache calls this directly so an incrementally-patched message
// renders identically to a full recompile.
func (c *Compiler) BuildMessage(ctx context.Context, source, original storage.CommitRow, wasEdited, includeEditAnnotations bool) (capability.Message, map[string]any, error) {
	blob, err := c.store.GetBlob(ctx, source.ContentHash)
	if err != nil {
		return capability.Message{}, nil, &tracterr.BlobNotFound{ContentHash: source.ContentHash, CommitHash: source.CommitHash}
	}

	var payload map[string]any
	if err := json.Unmarshal(blob.PayloadJSON, &payload); err != nil {
		return capability.Message{}, nil, fmt.Errorf("compiler: unmarshal blob for %s: %w", source.CommitHash, err)
	}

	role := roleFor(content.Type(source.ContentType), payload)
	text, err := content.ExtractText(payload)
	if err != nil {
		return capability.Message{}, nil, fmt.Errorf("compiler: extract text for %s: %w", source.CommitHash, err)
	}
	if wasEdited && includeEditAnnotations {
		text += " [edited]"
	}

	var name string
	if n, ok := payload["name"].(string); ok {
		name = n
	}

	genConfigJSON := source.GenerationConfig
	if len(genConfigJSON) == 0 {
		genConfigJSON = original.GenerationConfig
	}
	var genConfig map[string]any
	if len(genConfigJSON) > 0 {
		if err := json.Unmarshal(genConfigJSON, &genConfig); err != nil {
			return capability.Message{}, nil, fmt.Errorf("compiler: unmarshal generation_config for %s: %w", source.CommitHash, err)
		}
	}

	return capability.Message{Role: role, Content: text, Name: name}, genConfig, nil
}

func roleFor(t content.Type, payload map[string]any) string {
	switch t {
	case content.Dialogue:
		if r, ok := payload["role"].(string); ok && r != "" {
			return r
		}
		return content.DefaultRole(t)
	case content.ToolIO:
		return "tool"
	default:
		return content.DefaultRole(t)
	}
}

// buildCommitOrder walks the first-parent chain from headHash to root,
// root-first, expanding each merge commit's second parent's unique
// ancestors into "branch-blocks" inserted immediately before the merge.
func (c *Compiler) buildCommitOrder(ctx context.Context, headHash string) ([]storage.CommitRow, error) {
	chain, err := c.dag.GetAncestors(ctx, headHash, 0, "")
	if err != nil {
		return nil, fmt.Errorf("compiler: walk first-parent chain: %w", err)
	}
	reverseCommits(chain)

	included := make(map[string]bool, len(chain))
	for _, cm := range chain {
		included[cm.CommitHash] = true
	}

	result := make([]storage.CommitRow, 0, len(chain))
	for _, cm := range chain {
		parents, err := c.store.GetCommitParents(ctx, cm.CommitHash)
		if err != nil {
			return nil, fmt.Errorf("compiler: get parents for %s: %w", cm.CommitHash, err)
		}
		if len(parents) > 1 {
			extra, err := c.collectUniqueAncestors(ctx, parents[1], included)
			if err != nil {
				return nil, err
			}
			for _, e := range extra {
				included[e.CommitHash] = true
			}
			result = append(result, extra...)
		}
		result = append(result, cm)
	}
	return result, nil
}

func (c *Compiler) collectUniqueAncestors(ctx context.Context, tip string, excluded map[string]bool) ([]storage.CommitRow, error) {
	hashes, err := c.dag.GetAllAncestors(ctx, tip, "")
	if err != nil {
		return nil, fmt.Errorf("compiler: collect merge-side ancestors of %s: %w", tip, err)
	}

	rows := make([]storage.CommitRow, 0, len(hashes))
	for h := range hashes {
		if excluded[h] {
			continue
		}
		row, err := c.store.GetCommit(ctx, h)
		if err != nil {
			return nil, fmt.Errorf("compiler: load merge-side commit %s: %w", h, err)
		}
		rows = append(rows, *row)
	}
	sortChronological(rows)
	return rows, nil
}

func (c *Compiler) resolvePriority(ctx context.Context, commitHash, contentType string, atTime *time.Time) (content.Priority, error) {
	a, err := c.store.LatestAnnotation(ctx, c.tractID, commitHash, atTime)
	if err != nil {
		if err == storage.ErrNotFound {
			return content.DefaultPriority(content.Type(contentType)), nil
		}
		return content.NORMAL, fmt.Errorf("compiler: resolve priority for %s: %w", commitHash, err)
	}
	p, err := content.ParsePriority(a.Priority)
	if err != nil {
		return content.NORMAL, fmt.Errorf("compiler: parse stored priority for %s: %w", commitHash, err)
	}
	return p, nil
}

func (c *Compiler) toolsForCommit(ctx context.Context, commitHash string) ([]capability.ToolDefinition, error) {
	hashes, err := c.store.GetCommitTools(ctx, commitHash)
	if err != nil {
		return nil, fmt.Errorf("compiler: get tools for %s: %w", commitHash, err)
	}
	if len(hashes) == 0 {
		return nil, nil
	}
	tools := make([]capability.ToolDefinition, 0, len(hashes))
	for _, h := range hashes {
		def, err := c.store.GetToolDefinition(ctx, h)
		if err != nil {
			return nil, fmt.Errorf("compiler: load tool definition %s: %w", h, err)
		}
		tools = append(tools, capability.ToolDefinition{Name: def.Name, SchemaJSON: def.SchemaJSON})
	}
	return tools, nil
}

// buildEditMap maps response_to -> the latest EDIT commit in order by
// created_at. Since order has already been truncated to the effective
// at_time/at_commit window, the latest EDIT seen here is already the latest
// one visible as of that cutoff.
func buildEditMap(order []storage.CommitRow) map[string]storage.CommitRow {
	edits := make(map[string]storage.CommitRow)
	for _, cm := range order {
		if cm.Operation != editOperation || cm.ResponseTo == "" {
			continue
		}
		if existing, ok := edits[cm.ResponseTo]; !ok || cm.CreatedAt.After(existing.CreatedAt) {
			edits[cm.ResponseTo] = cm
		}
	}
	return edits
}

func reverseCommits(rows []storage.CommitRow) {
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
}

func sortChronological(rows []storage.CommitRow) {
	for i := 1; i < len(rows); i++ {
		for j := i; j > 0 && rows[j].CreatedAt.Before(rows[j-1].CreatedAt); j-- {
			rows[j], rows[j-1] = rows[j-1], rows[j]
		}
	}
}
