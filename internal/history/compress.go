package history

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/WilliamJin123/tract/internal/commitengine"
	"github.com/WilliamJin123/tract/internal/content"
	"github.com/WilliamJin123/tract/internal/dag"
	"github.com/WilliamJin123/tract/internal/storage"
	"github.com/WilliamJin123/tract/pkg/capability"
	"github.com/WilliamJin123/tract/pkg/constants"
	"github.com/WilliamJin123/tract/pkg/tracterr"
)

const defaultCompressionSystemPrompt = "Summarize the following conversation excerpt faithfully and concisely, preserving any facts called out as must-keep."

// compressGroup is one maximal run of non-PINNED, non-SKIP commits between
// preservation boundaries.
type compressGroup struct {
	commits []storage.CommitRow
	draft   string
}

// CompressOptions configures Compress (spec.md §4.6.5).
type CompressOptions struct {
	Range            []string // explicit ordered commit hashes; empty means the first-parent chain from HEAD
	TargetTokens      int
	Content          string // manual mode: must be supplied with exactly one group in range
	Instructions     []string
	SystemPrompt     string
	Preserve         []string // treated as PINNED for this call only
	Review           bool
	GenerationConfig map[string]any
	MaxRetries       int
}

// CompressResult is Compress()'s return value when applied immediately.
type CompressResult struct {
	CompressionID    string
	SourceCommits    []string
	SummaryCommits   []string
	PreservedCommits []string
	OriginalTokens   int
	CompressedTokens int
	CompressionRatio float64
	NewHead          string
}

// CompressDraft is Compress()'s return value when Review is requested; the
// caller (internal/hooks' PendingCompress) drives approve/reject/retry from
// here without internal/history re-deriving groups from scratch.
type CompressDraft struct {
	Groups           []compressGroupDraft
	PreservedCommits []string
	OriginalTokens   int
	EstimatedTokens  int
	GuidanceSource   string // "instructions" | "default"
}

// compressGroupDraft is the externally visible shape of one pending group.
type compressGroupDraft struct {
	SourceCommits []string
	Summary       string
}

// Compressor implements compress().
type Compressor struct {
	store   *storage.Store
	tractID string
	dag     *dag.Resolver
	engine  *commitengine.Engine
	llm     capability.LlmClient
	counter capability.TokenCounter
}

// NewCompressor returns a Compressor bound to one tract's storage, engine,
// and (optionally nil, for manual-content-only use) LLM client.
func NewCompressor(store *storage.Store, tractID string, resolver *dag.Resolver, engine *commitengine.Engine, llm capability.LlmClient, counter capability.TokenCounter) *Compressor {
	return &Compressor{store: store, tractID: tractID, dag: resolver, engine: engine, llm: llm, counter: counter}
}

// Compress implements spec.md §4.6.5. Exactly one of the two return values
// is non-nil on success: result when applied, draft when opts.Review is set.
func (c *Compressor) Compress(ctx context.Context, opts CompressOptions) (*CompressResult, *CompressDraft, error) {
	commits, err := c.resolveRange(ctx, opts.Range)
	if err != nil {
		return nil, nil, &tracterr.Compression{Reason: err.Error()}
	}
	if len(commits) == 0 {
		return &CompressResult{}, nil, nil
	}

	preserve := make(map[string]bool, len(opts.Preserve))
	for _, h := range opts.Preserve {
		preserve[h] = true
	}

	groups, preserved, err := c.formGroups(ctx, commits, preserve)
	if err != nil {
		return nil, nil, &tracterr.Compression{Reason: err.Error()}
	}

	if opts.Content != "" {
		if len(groups) != 1 {
			return nil, nil, &tracterr.Compression{Reason: fmt.Sprintf("manual content requires exactly one compressible group, found %d", len(groups))}
		}
		groups[0].draft = opts.Content
	} else {
		maxRetries := opts.MaxRetries
		if maxRetries <= 0 {
			maxRetries = constants.DefaultMaxCompressionRetries
		}
		for i := range groups {
			if err := c.summarizeGroup(ctx, &groups[i], opts, maxRetries); err != nil {
				return nil, nil, err
			}
		}
	}

	originalTokens, err := c.sumTokens(ctx, commits)
	if err != nil {
		return nil, nil, &tracterr.Compression{Reason: err.Error()}
	}

	if opts.Review {
		estimated := 0
		for _, g := range groups {
			n, err := c.counter.CountText(g.draft)
			if err != nil {
				return nil, nil, &tracterr.Compression{Reason: err.Error()}
			}
			estimated += n
		}
		guidanceSource := "default"
		if len(opts.Instructions) > 0 {
			guidanceSource = "instructions"
		}
		draft := &CompressDraft{PreservedCommits: preserved, OriginalTokens: originalTokens, EstimatedTokens: estimated, GuidanceSource: guidanceSource}
		for _, g := range groups {
			draft.Groups = append(draft.Groups, compressGroupDraft{SourceCommits: hashesOf(g.commits), Summary: g.draft})
		}
		return nil, draft, nil
	}

	result, err := c.apply(ctx, groups, preserved, originalTokens)
	if err != nil {
		return nil, nil, err
	}
	return result, nil, nil
}

func (c *Compressor) resolveRange(ctx context.Context, explicit []string) ([]storage.CommitRow, error) {
	if len(explicit) > 0 {
		rows := make([]storage.CommitRow, 0, len(explicit))
		for _, h := range explicit {
			row, err := c.store.GetCommit(ctx, h)
			if err != nil {
				return nil, fmt.Errorf("resolve range commit %s: %w", h, err)
			}
			rows = append(rows, *row)
		}
		return rows, nil
	}

	head, err := c.dag.ResolveHead(ctx)
	if err != nil {
		return nil, err
	}
	if head.CommitHash == "" {
		return nil, nil
	}
	chain, err := c.dag.GetAncestors(ctx, head.CommitHash, 0, "")
	if err != nil {
		return nil, err
	}
	reverseRows(chain)
	return chain, nil
}

func (c *Compressor) formGroups(ctx context.Context, commits []storage.CommitRow, preserve map[string]bool) ([]compressGroup, []string, error) {
	var groups []compressGroup
	var preserved []string
	var current []storage.CommitRow

	flush := func() {
		if len(current) > 0 {
			groups = append(groups, compressGroup{commits: current})
			current = nil
		}
	}

	for _, cm := range commits {
		priority, err := c.effectivePriority(ctx, cm, preserve)
		if err != nil {
			return nil, nil, err
		}
		switch {
		case priority == content.PINNED:
			flush()
			preserved = append(preserved, cm.CommitHash)
		case priority == content.SKIP:
			flush()
		default:
			current = append(current, cm)
		}
	}
	flush()
	return groups, preserved, nil
}

func (c *Compressor) effectivePriority(ctx context.Context, cm storage.CommitRow, preserve map[string]bool) (content.Priority, error) {
	if preserve[cm.CommitHash] {
		return content.PINNED, nil
	}
	ann, err := c.store.LatestAnnotation(ctx, c.tractID, cm.CommitHash, nil)
	if err != nil {
		if err == storage.ErrNotFound {
			return content.DefaultPriority(content.Type(cm.ContentType)), nil
		}
		return content.NORMAL, err
	}
	return content.ParsePriority(ann.Priority)
}

func (c *Compressor) summarizeGroup(ctx context.Context, g *compressGroup, opts CompressOptions, maxRetries int) error {
	if c.llm == nil {
		return &tracterr.Compression{Reason: "no LLM client configured and no manual content supplied"}
	}

	rendered := renderGroup(g.commits)
	retentions, err := c.retentionInstructions(ctx, g.commits)
	if err != nil {
		return &tracterr.Compression{Reason: err.Error()}
	}

	systemPrompt := opts.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = defaultCompressionSystemPrompt
	}

	var guidance string
	var lastDraft, lastDiagnosis string
	for attempt := 0; attempt <= maxRetries; attempt++ {
		userPrompt := buildCompressionPrompt(rendered, opts.TargetTokens, opts.Instructions, retentions, guidance)

		resp, err := c.llm.Chat(ctx, capability.ChatRequest{
			Messages: []capability.Message{
				{Role: "system", Content: systemPrompt},
				{Role: "user", Content: userPrompt},
			},
			GenerationConfig: opts.GenerationConfig,
		})
		if err != nil {
			return &tracterr.Compression{Reason: fmt.Sprintf("llm call failed: %s", err.Error())}
		}
		lastDraft = resp.Content

		ok, diagnosis := validateRetentions(ctx, c.store, c.tractID, g.commits, lastDraft)
		if ok {
			g.draft = lastDraft
			return nil
		}
		lastDiagnosis = diagnosis
		guidance = diagnosis
	}

	return &tracterr.RetryExhausted{Attempts: maxRetries + 1, LastDiagnosis: lastDiagnosis, LastResult: lastDraft}
}

func (c *Compressor) retentionInstructions(ctx context.Context, commits []storage.CommitRow) ([]string, error) {
	var out []string
	for _, cm := range commits {
		ann, err := c.store.LatestAnnotation(ctx, c.tractID, cm.CommitHash, nil)
		if err != nil {
			if err == storage.ErrNotFound {
				continue
			}
			return nil, err
		}
		if ann.Priority != content.IMPORTANT.String() || len(ann.RetentionJSON) == 0 {
			continue
		}
		criteria, err := parseRetention(ann.RetentionJSON)
		if err != nil {
			return nil, err
		}
		out = append(out, criteria.Instructions...)
	}
	return out, nil
}

func validateRetentions(ctx context.Context, store *storage.Store, tractID string, commits []storage.CommitRow, draft string) (bool, string) {
	var failures []string
	for _, cm := range commits {
		ann, err := store.LatestAnnotation(ctx, tractID, cm.CommitHash, nil)
		if err != nil || ann.Priority != content.IMPORTANT.String() || len(ann.RetentionJSON) == 0 {
			continue
		}
		criteria, err := parseRetention(ann.RetentionJSON)
		if err != nil || len(criteria.MatchPatterns) == 0 {
			continue
		}
		for _, pattern := range criteria.MatchPatterns {
			if !matches(draft, pattern, criteria.MatchMode) {
				failures = append(failures, fmt.Sprintf("commit %s requires the summary to match %q (%s) but it does not", cm.CommitHash, pattern, criteria.MatchMode))
			}
		}
	}
	if len(failures) == 0 {
		return true, ""
	}
	return false, strings.Join(failures, "; ")
}

func matches(draft, pattern string, mode content.MatchMode) bool {
	if mode == content.MatchRegex {
		ok, err := regexp.MatchString(pattern, draft)
		return err == nil && ok
	}
	return strings.Contains(draft, pattern)
}

func parseRetention(raw []byte) (*content.RetentionCriteria, error) {
	var criteria content.RetentionCriteria
	if err := json.Unmarshal(raw, &criteria); err != nil {
		return nil, fmt.Errorf("history: unmarshal retention criteria: %w", err)
	}
	return &criteria, nil
}

func (c *Compressor) apply(ctx context.Context, groups []compressGroup, preserved []string, originalTokens int) (*CompressResult, error) {
	compressionID := fmt.Sprintf("compress-%d", time.Now().UTC().UnixNano())

	result := &CompressResult{CompressionID: compressionID, PreservedCommits: preserved, OriginalTokens: originalTokens}
	compressedTokens := originalTokens

	for _, g := range groups {
		hashes := hashesOf(g.commits)
		result.SourceCommits = append(result.SourceCommits, hashes...)

		groupTokens := 0
		for _, cm := range g.commits {
			groupTokens += cm.TokenCount
		}

		if err := c.store.MarkArchived(ctx, nil, hashes); err != nil {
			return nil, &tracterr.Compression{Reason: err.Error()}
		}

		summaryTokens, err := c.counter.CountText(g.draft)
		if err != nil {
			return nil, &tracterr.Compression{Reason: err.Error()}
		}

		info, err := c.engine.CreateCommit(ctx, map[string]any{"role": "assistant", "text": g.draft}, commitengine.CreateCommitOptions{
			ContentType: content.Dialogue, Operation: commitengine.OperationAppend,
			Metadata: map[string]any{"compression_id": compressionID, "compression_source": hashes},
		})
		if err != nil {
			return nil, &tracterr.Compression{Reason: err.Error()}
		}
		result.SummaryCommits = append(result.SummaryCommits, info.CommitHash)
		result.NewHead = info.CommitHash
		compressedTokens = compressedTokens - groupTokens + summaryTokens
	}

	result.CompressedTokens = compressedTokens
	if originalTokens > 0 {
		result.CompressionRatio = float64(compressedTokens) / float64(originalTokens)
	}
	return result, nil
}

// ApplyDraft commits a previously produced CompressDraft without re-running
// classification or summarization, using each group's (possibly
// hook-edited) Summary verbatim. This is the approve() path for a
// review=true call once a PendingCompress has been driven to a final
// per-group draft.
func (c *Compressor) ApplyDraft(ctx context.Context, draft *CompressDraft) (*CompressResult, error) {
	groups := make([]compressGroup, len(draft.Groups))
	var allCommits []storage.CommitRow
	for i, gd := range draft.Groups {
		rows := make([]storage.CommitRow, 0, len(gd.SourceCommits))
		for _, h := range gd.SourceCommits {
			row, err := c.store.GetCommit(ctx, h)
			if err != nil {
				return nil, &tracterr.Compression{Reason: err.Error()}
			}
			rows = append(rows, *row)
		}
		groups[i] = compressGroup{commits: rows, draft: gd.Summary}
		allCommits = append(allCommits, rows...)
	}

	originalTokens, err := c.sumTokens(ctx, allCommits)
	if err != nil {
		return nil, &tracterr.Compression{Reason: err.Error()}
	}
	return c.apply(ctx, groups, draft.PreservedCommits, originalTokens)
}

// RetrySummary re-invokes the LLM for draft.Groups[i] with guidance appended
// to opts.Instructions, replacing that group's draft summary in place and
// re-validating its retention patterns. Used by PendingCompress.retry(i, ...).
func (c *Compressor) RetrySummary(ctx context.Context, draft *CompressDraft, i int, guidance string, opts CompressOptions) error {
	if i < 0 || i >= len(draft.Groups) {
		return &tracterr.Compression{Reason: fmt.Sprintf("group index %d out of range", i)}
	}
	gd := &draft.Groups[i]
	rows := make([]storage.CommitRow, 0, len(gd.SourceCommits))
	for _, h := range gd.SourceCommits {
		row, err := c.store.GetCommit(ctx, h)
		if err != nil {
			return &tracterr.Compression{Reason: err.Error()}
		}
		rows = append(rows, *row)
	}

	mergedOpts := opts
	if guidance != "" {
		mergedOpts.Instructions = append(append([]string{}, opts.Instructions...), guidance)
	}
	maxRetries := mergedOpts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = constants.DefaultMaxCompressionRetries
	}

	g := compressGroup{commits: rows}
	if err := c.summarizeGroup(ctx, &g, mergedOpts, maxRetries); err != nil {
		return err
	}
	gd.Summary = g.draft
	return nil
}

func (c *Compressor) sumTokens(ctx context.Context, commits []storage.CommitRow) (int, error) {
	total := 0
	for _, cm := range commits {
		total += cm.TokenCount
	}
	return total, nil
}

func renderGroup(commits []storage.CommitRow) string {
	var b strings.Builder
	for _, cm := range commits {
		fmt.Fprintf(&b, "[%s] (%s)\n", cm.ContentType, cm.CommitHash[:minInt(8, len(cm.CommitHash))])
	}
	return b.String()
}

func buildCompressionPrompt(rendered string, targetTokens int, instructions, retentions []string, guidance string) string {
	var b strings.Builder
	b.WriteString("Conversation excerpt to summarize:\n")
	b.WriteString(rendered)
	if targetTokens > 0 {
		fmt.Fprintf(&b, "\nTarget length: approximately %d tokens.\n", targetTokens)
	}
	for _, instr := range instructions {
		fmt.Fprintf(&b, "\nAdditional instruction: %s\n", instr)
	}
	for _, r := range retentions {
		fmt.Fprintf(&b, "\nMust preserve: %s\n", r)
	}
	if guidance != "" {
		fmt.Fprintf(&b, "\nThe previous draft was rejected for this reason, fix it: %s\n", guidance)
	}
	return b.String()
}

func hashesOf(commits []storage.CommitRow) []string {
	out := make([]string, len(commits))
	for i, c := range commits {
		out[i] = c.CommitHash
	}
	return out
}

func reverseRows(rows []storage.CommitRow) {
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
