package hooks

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/WilliamJin123/tract/internal/history"
	"github.com/WilliamJin123/tract/pkg/capability"
)

type editSummaryArgs struct {
	Index int    `json:"index" jsonschema:"index of the group whose summary to replace"`
	Text  string `json:"text" jsonschema:"replacement summary text"`
}

type editGuidanceArgs struct {
	Text string `json:"text" jsonschema:"replacement free-text guidance shown on future retries"`
}

type retryCompressArgs struct {
	Index    int    `json:"index" jsonschema:"index of the group to re-summarize"`
	Guidance string `json:"guidance,omitempty" jsonschema:"extra instruction appended for this retry"`
}

// PendingCompress reifies a compress() call made with review=true (spec.md
// §4.7), wrapping the CompressDraft internal/history already produced so
// approve/retry never re-derive group classification from scratch.
type PendingCompress struct {
	base
	draft      *history.CompressDraft
	compressor *history.Compressor
	opts       history.CompressOptions
	counter    capability.TokenCounter
	guidance   string
	result     *history.CompressResult
}

// NewPendingCompress wraps draft for human-in-the-loop review: approve
// commits the draft's groups as-is, edit_summary/edit_guidance mutate it in
// place, retry re-runs the LLM for one group with extra guidance, and
// validate checks every group against spec.md §4.7's length/token rules.
func NewPendingCompress(draft *history.CompressDraft, compressor *history.Compressor, opts history.CompressOptions, counter capability.TokenCounter) *PendingCompress {
	p := &PendingCompress{base: newBase("compress"), draft: draft, compressor: compressor, opts: opts, counter: counter, guidance: strings.Join(opts.Instructions, "; ")}
	p.approveFn = p.doApprove
	p.toDictFn = p.toDict
	p.bindDefaults()

	p.register("edit_summary", reflect.TypeOf(editSummaryArgs{}), "replace one group's draft summary text", func(ctx context.Context, args map[string]any) (any, error) {
		return nil, p.EditSummary(intArg(args, "index"), stringArg(args, "text"))
	})
	p.register("edit_guidance", reflect.TypeOf(editGuidanceArgs{}), "replace the free-text guidance used on the next retry", func(ctx context.Context, args map[string]any) (any, error) {
		p.EditGuidance(stringArg(args, "text"))
		return nil, nil
	})
	p.register("retry", reflect.TypeOf(retryCompressArgs{}), "re-run the LLM for one group with extra guidance", func(ctx context.Context, args map[string]any) (any, error) {
		return nil, p.Retry(ctx, intArg(args, "index"), stringArg(args, "guidance"))
	})
	p.register("validate", nil, "check every group's summary against length and target-token constraints", func(ctx context.Context, _ map[string]any) (any, error) {
		return p.Validate(ctx)
	})
	return p
}

func (p *PendingCompress) doApprove(ctx context.Context) error {
	result, err := p.compressor.ApplyDraft(ctx, p.draft)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.result = result
	p.mu.Unlock()
	return nil
}

// Result returns the CompressResult left by a successful approve(), or nil
// before approval.
func (p *PendingCompress) Result() *history.CompressResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result
}

// EditSummary replaces group index's draft summary text.
func (p *PendingCompress) EditSummary(index int, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.requirePendingLocked(); err != nil {
		return err
	}
	if index < 0 || index >= len(p.draft.Groups) {
		return fmt.Errorf("hooks: group index %d out of range (have %d groups)", index, len(p.draft.Groups))
	}
	p.draft.Groups[index].Summary = text
	return nil
}

// EditGuidance replaces the free-text guidance surfaced via ToDict and used
// as the base instruction set on the next Retry call that doesn't supply
// its own guidance.
func (p *PendingCompress) EditGuidance(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.guidance = text
}

// Retry re-summarizes group index through the LLM, appending guidance (or
// the pending's current stashed guidance, if guidance is empty) to the
// original instructions.
func (p *PendingCompress) Retry(ctx context.Context, index int, guidance string) error {
	p.mu.Lock()
	if err := p.requirePendingLocked(); err != nil {
		p.mu.Unlock()
		return err
	}
	if guidance == "" {
		guidance = p.guidance
	} else {
		p.guidance = guidance
	}
	p.mu.Unlock()
	return p.compressor.RetrySummary(ctx, p.draft, index, guidance, p.opts)
}

// RetryWithGuidance implements Retrier for AutoRetry, retrying the group
// ValidationResult.Index last failed on.
func (p *PendingCompress) RetryWithGuidance(ctx context.Context, diagnosis string, failedIndex int) error {
	return p.Retry(ctx, failedIndex, diagnosis)
}

// Validate implements Validator: every group's summary must be non-empty,
// at least 10 characters, and (if a target was set) no more than 1.5x the
// target token count.
func (p *PendingCompress) Validate(ctx context.Context) (*ValidationResult, error) {
	p.mu.Lock()
	summaries := make([]string, len(p.draft.Groups))
	for i, g := range p.draft.Groups {
		summaries[i] = g.Summary
	}
	target := p.opts.TargetTokens
	p.mu.Unlock()

	for index, summary := range summaries {
		trimmed := strings.TrimSpace(summary)
		if trimmed == "" {
			return &ValidationResult{Diagnosis: fmt.Sprintf("group %d has an empty summary", index), Index: index}, nil
		}
		if len(trimmed) < 10 {
			return &ValidationResult{Diagnosis: fmt.Sprintf("group %d summary is shorter than 10 characters", index), Index: index}, nil
		}
		if target > 0 {
			n, err := p.counter.CountText(summary)
			if err != nil {
				return nil, err
			}
			if float64(n) > 1.5*float64(target) {
				return &ValidationResult{Diagnosis: fmt.Sprintf("group %d summary is %d tokens, over 1.5x the %d-token target", index, n, target), Index: index}, nil
			}
		}
	}
	return &ValidationResult{Passed: true}, nil
}

func (p *PendingCompress) toDict() map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	summaries := make([]string, len(p.draft.Groups))
	sources := make([][]string, len(p.draft.Groups))
	for i, g := range p.draft.Groups {
		summaries[i] = g.Summary
		sources[i] = g.SourceCommits
	}
	return p.dict(map[string]any{
		"summaries":         summaries,
		"source_commits":    sources,
		"preserved_commits": p.draft.PreservedCommits,
		"original_tokens":   p.draft.OriginalTokens,
		"estimated_tokens":  p.draft.EstimatedTokens,
		"guidance":          p.guidance,
		"guidance_source":   p.draft.GuidanceSource,
	})
}
