// Package cache implements Tract's incremental compile cache: a per-tract
// LRU of CompileSnapshot keyed by head_hash, with O(1) extension on append
// and targeted patching on edit/annotate so most writes never pay for a
// full recompile (spec.md §4.5).
package cache

import (
	"context"
	"fmt"
	"math"

	"github.com/WilliamJin123/tract/internal/compiler"
	"github.com/WilliamJin123/tract/internal/content"
	"github.com/WilliamJin123/tract/internal/storage"
	"github.com/WilliamJin123/tract/pkg/capability"
	"github.com/WilliamJin123/tract/pkg/constants"
	lru "github.com/hashicorp/golang-lru/v2"
)

// CompileSnapshot is one cached compile result, addressable by the HEAD
// hash it was compiled for.
type CompileSnapshot struct {
	HeadHash           string
	Messages           []capability.Message
	CommitHashes       []string
	CommitCount        int
	TokenCount         int
	TokenSource        string
	GenerationConfigs  []map[string]any
	MessageTokenCounts []int // per-message, excluding the response primer
	ToolHashes         []string
}

func (s *CompileSnapshot) clone() *CompileSnapshot {
	out := &CompileSnapshot{
		HeadHash: s.HeadHash, CommitCount: s.CommitCount, TokenCount: s.TokenCount, TokenSource: s.TokenSource,
		Messages:           append([]capability.Message(nil), s.Messages...),
		CommitHashes:       append([]string(nil), s.CommitHashes...),
		GenerationConfigs:  append([]map[string]any(nil), s.GenerationConfigs...),
		MessageTokenCounts: append([]int(nil), s.MessageTokenCounts...),
		ToolHashes:         append([]string(nil), s.ToolHashes...),
	}
	return out
}

// Manager is a per-tract LRU of CompileSnapshot plus the incremental patch
// operations that keep it warm without a full recompile.
type Manager struct {
	lru                    *lru.Cache[string, *CompileSnapshot]
	compiler               *compiler.Compiler
	store                  *storage.Store
	counter                capability.TokenCounter
	includeEditAnnotations bool
}

// NewManager returns a Manager with the given LRU capacity (use
// constants.DefaultCompileCacheSize when the caller has no override).
// includeEditAnnotations fixes, for this tract's cache, whether patched
// edit messages carry the " [edited]" marker — the incremental path is
// keyed by head_hash alone and cannot vary this per call the way a fresh
// Compile() can.
func NewManager(store *storage.Store, comp *compiler.Compiler, counter capability.TokenCounter, maxSize int, includeEditAnnotations bool) (*Manager, error) {
	if maxSize <= 0 {
		maxSize = constants.DefaultCompileCacheSize
	}
	c, err := lru.New[string, *CompileSnapshot](maxSize)
	if err != nil {
		return nil, fmt.Errorf("cache: create LRU: %w", err)
	}
	return &Manager{lru: c, compiler: comp, store: store, counter: counter, includeEditAnnotations: includeEditAnnotations}, nil
}

// Get returns the cached snapshot for headHash, refreshing its LRU recency.
func (m *Manager) Get(headHash string) (*CompileSnapshot, bool) {
	return m.lru.Get(headHash)
}

// Put inserts or refreshes a snapshot under its own HeadHash.
func (m *Manager) Put(snapshot *CompileSnapshot) {
	m.lru.Add(snapshot.HeadHash, snapshot)
}

// ExtendForAppend builds the single new message for newCommit via the
// compiler's shared single-message builder, appends it to parent's
// snapshot, and stores the result under newCommit's hash. O(1) in the
// number of prior commits.
func (m *Manager) ExtendForAppend(ctx context.Context, newCommit storage.CommitRow, parent *CompileSnapshot) (*CompileSnapshot, error) {
	priority, err := m.defaultOrAnnotatedPriority(ctx, newCommit)
	if err != nil {
		return nil, err
	}
	if priority == content.SKIP || newCommit.Operation == "EDIT" {
		// Neither case extends the rendered message list; callers with such
		// a new commit must fall back to PatchForAnnotate/PatchForEdit or a
		// full recompile rather than calling ExtendForAppend.
		return nil, fmt.Errorf("cache: ExtendForAppend called for a non-extending commit %s (operation=%s priority=%s)", newCommit.CommitHash, newCommit.Operation, priority)
	}

	msg, genConfig, err := m.compiler.BuildMessage(ctx, newCommit, newCommit, false, m.includeEditAnnotations)
	if err != nil {
		return nil, err
	}
	msgTokens, err := m.perMessageTokens(msg)
	if err != nil {
		return nil, err
	}

	next := &CompileSnapshot{
		HeadHash:           newCommit.CommitHash,
		Messages:           append(append([]capability.Message(nil), parent.Messages...), msg),
		CommitHashes:       append(append([]string(nil), parent.CommitHashes...), newCommit.CommitHash),
		CommitCount:        parent.CommitCount + 1,
		TokenCount:         parent.TokenCount + msgTokens,
		TokenSource:        parent.TokenSource,
		GenerationConfigs:  append(append([]map[string]any(nil), parent.GenerationConfigs...), genConfig),
		MessageTokenCounts: append(append([]int(nil), parent.MessageTokenCounts...), msgTokens),
		ToolHashes:         parent.ToolHashes,
	}
	m.Put(next)
	return next, nil
}

// PatchForEdit locates editRow's target by response_to in parent and
// replaces that position's rendered message in place. Returns (nil, false)
// if the target isn't in parent, signaling the caller to fall back to a
// full recompile.
func (m *Manager) PatchForEdit(ctx context.Context, parent *CompileSnapshot, newHead string, editRow storage.CommitRow) (*CompileSnapshot, bool, error) {
	idx := indexOf(parent.CommitHashes, editRow.ResponseTo)
	if idx < 0 {
		return nil, false, nil
	}

	original, err := m.store.GetCommit(ctx, editRow.ResponseTo)
	if err != nil {
		return nil, false, fmt.Errorf("cache: load edit target %s: %w", editRow.ResponseTo, err)
	}

	msg, genConfig, err := m.compiler.BuildMessage(ctx, editRow, *original, true, m.includeEditAnnotations)
	if err != nil {
		return nil, false, err
	}
	newTokens, err := m.perMessageTokens(msg)
	if err != nil {
		return nil, false, err
	}

	next := parent.clone()
	next.HeadHash = newHead
	oldTokens := next.MessageTokenCounts[idx]
	next.Messages[idx] = msg
	next.GenerationConfigs[idx] = genConfig
	next.MessageTokenCounts[idx] = newTokens
	next.TokenCount = next.TokenCount - oldTokens + newTokens

	m.Put(next)
	return next, true, nil
}

// PatchForAnnotate applies a new priority for targetHash to snapshot. It
// returns (nil, false) when the change requires a full recompile (a
// previously-SKIPped commit becoming visible again — its rendered message
// was never retained).
func (m *Manager) PatchForAnnotate(snapshot *CompileSnapshot, targetHash string, newPriority content.Priority) (*CompileSnapshot, bool) {
	idx := indexOf(snapshot.CommitHashes, targetHash)
	present := idx >= 0

	switch {
	case newPriority == content.SKIP && present:
		next := snapshot.clone()
		next.Messages = append(next.Messages[:idx], next.Messages[idx+1:]...)
		next.CommitHashes = append(next.CommitHashes[:idx], next.CommitHashes[idx+1:]...)
		next.GenerationConfigs = append(next.GenerationConfigs[:idx], next.GenerationConfigs[idx+1:]...)
		removedTokens := next.MessageTokenCounts[idx]
		next.MessageTokenCounts = append(next.MessageTokenCounts[:idx], next.MessageTokenCounts[idx+1:]...)
		next.CommitCount--
		next.TokenCount -= removedTokens
		return next, true

	case newPriority == content.SKIP && !present:
		return snapshot, true

	case newPriority != content.SKIP && present:
		return snapshot, true

	default: // newPriority != SKIP && !present: was SKIP, now visible again
		return nil, false
	}
}

// RecordAPITokens overwrites a cached snapshot's token_count with the
// API-reported total and rescales MessageTokenCounts proportionally so a
// subsequent ExtendForAppend/PatchForEdit delta stays consistent with the
// calibrated base.
func (m *Manager) RecordAPITokens(head string, promptTokens, completionTokens int) error {
	snapshot, ok := m.Get(head)
	if !ok {
		return fmt.Errorf("cache: no cached snapshot for head %s", head)
	}

	next := snapshot.clone()
	if next.TokenCount > 0 {
		scale := float64(promptTokens) / float64(next.TokenCount)
		for i, c := range next.MessageTokenCounts {
			next.MessageTokenCounts[i] = int(math.Round(float64(c) * scale))
		}
	}
	next.TokenCount = promptTokens
	next.TokenSource = fmt.Sprintf("api:%d+%d", promptTokens, completionTokens)

	m.Put(next)
	return nil
}

// ToCompiled converts snapshot to the CompiledContext view callers consume,
// deep-copying GenerationConfigs so external mutation can't corrupt the
// cache and resolving ToolHashes back into full ToolDefinitions.
func (m *Manager) ToCompiled(ctx context.Context, snapshot *CompileSnapshot) (*compiler.CompiledContext, error) {
	genConfigs := make([]map[string]any, len(snapshot.GenerationConfigs))
	for i, g := range snapshot.GenerationConfigs {
		if g == nil {
			continue
		}
		cp := make(map[string]any, len(g))
		for k, v := range g {
			cp[k] = v
		}
		genConfigs[i] = cp
	}

	tools := make([]capability.ToolDefinition, 0, len(snapshot.ToolHashes))
	for _, h := range snapshot.ToolHashes {
		def, err := m.store.GetToolDefinition(ctx, h)
		if err != nil {
			return nil, fmt.Errorf("cache: resolve tool definition %s: %w", h, err)
		}
		tools = append(tools, capability.ToolDefinition{Name: def.Name, SchemaJSON: def.SchemaJSON})
	}

	return &compiler.CompiledContext{
		Messages:          append([]capability.Message(nil), snapshot.Messages...),
		TokenCount:        snapshot.TokenCount,
		CommitCount:       snapshot.CommitCount,
		TokenSource:       snapshot.TokenSource,
		GenerationConfigs: genConfigs,
		CommitHashes:      append([]string(nil), snapshot.CommitHashes...),
		Tools:             tools,
	}, nil
}

func (m *Manager) defaultOrAnnotatedPriority(ctx context.Context, c storage.CommitRow) (content.Priority, error) {
	a, err := m.store.LatestAnnotation(ctx, c.TractID, c.CommitHash, nil)
	if err != nil {
		if err == storage.ErrNotFound {
			return content.DefaultPriority(content.Type(c.ContentType)), nil
		}
		return content.NORMAL, err
	}
	return content.ParsePriority(a.Priority)
}

func (m *Manager) perMessageTokens(msg capability.Message) (int, error) {
	total, err := m.counter.CountMessages([]capability.Message{msg})
	if err != nil {
		return 0, fmt.Errorf("cache: count message tokens: %w", err)
	}
	tokens := total - constants.ResponsePrimerTokens
	if tokens < 0 {
		tokens = 0
	}
	return tokens, nil
}

func indexOf(hashes []string, target string) int {
	for i, h := range hashes {
		if h == target {
			return i
		}
	}
	return -1
}
