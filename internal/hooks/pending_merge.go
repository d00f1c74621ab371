package hooks

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/WilliamJin123/tract/internal/history"
	"github.com/WilliamJin123/tract/pkg/capability"
)

type editResolutionArgs struct {
	TargetHash string `json:"target_hash" jsonschema:"response_to hash of the conflicting commit"`
	Text       string `json:"text" jsonschema:"resolved content text for this conflict"`
}

type retryMergeArgs struct {
	Guidance string `json:"guidance,omitempty" jsonschema:"extra instruction appended for every conflict's re-resolution"`
}

// PendingMerge reifies a merge() call that produced conflicts without a
// resolver, or with a resolver that left some conflict unresolved (spec.md
// §4.7), wrapping the uncommitted MergeResult internal/history produced.
type PendingMerge struct {
	base
	merger       *history.Merger
	result       *history.MergeResult
	sourceBranch string
	targetBranch string
	resolver     capability.LlmResolver // optional: backs retry()
	guidance     string
}

// NewPendingMerge wraps an uncommitted MergeResult for human-in-the-loop
// review: edit_resolution/set_resolution fill in result.Resolutions by
// hand, retry re-invokes an LlmResolver for every conflict, validate checks
// every conflict has a non-empty resolution, and approve creates one EDIT
// commit per resolution plus the merge commit itself.
func NewPendingMerge(result *history.MergeResult, merger *history.Merger, sourceBranch, targetBranch string, resolver capability.LlmResolver) *PendingMerge {
	if result.Resolutions == nil {
		result.Resolutions = make(map[string]string, len(result.Conflicts))
	}
	p := &PendingMerge{base: newBase("merge"), merger: merger, result: result, sourceBranch: sourceBranch, targetBranch: targetBranch, resolver: resolver}
	p.approveFn = p.doApprove
	p.toDictFn = p.toDict
	p.bindDefaults()

	p.register("edit_resolution", reflect.TypeOf(editResolutionArgs{}), "set or replace one conflict's resolved content text", func(ctx context.Context, args map[string]any) (any, error) {
		return nil, p.SetResolution(stringArg(args, "target_hash"), stringArg(args, "text"))
	})
	p.register("set_resolution", reflect.TypeOf(editResolutionArgs{}), "alias for edit_resolution", func(ctx context.Context, args map[string]any) (any, error) {
		return nil, p.SetResolution(stringArg(args, "target_hash"), stringArg(args, "text"))
	})
	p.register("retry", reflect.TypeOf(retryMergeArgs{}), "re-invoke the LLM resolver for every conflict", func(ctx context.Context, args map[string]any) (any, error) {
		return nil, p.Retry(ctx, stringArg(args, "guidance"))
	})
	p.register("validate", nil, "check every conflict has a non-empty resolution", func(ctx context.Context, _ map[string]any) (any, error) {
		return p.Validate(ctx)
	})
	return p
}

func (p *PendingMerge) doApprove(ctx context.Context) error {
	return p.merger.ApplyResolutions(ctx, p.result, p.targetBranch, p.sourceBranch)
}

// Result returns the MergeResult, committed once approve() has run.
func (p *PendingMerge) Result() *history.MergeResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result
}

// SetResolution fills in (or replaces) targetHash's resolved content text.
func (p *PendingMerge) SetResolution(targetHash, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.requirePendingLocked(); err != nil {
		return err
	}
	found := false
	for _, c := range p.result.Conflicts {
		if c.TargetHash == targetHash {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("hooks: %s is not one of this merge's conflict targets", targetHash)
	}
	p.result.Resolutions[targetHash] = text
	return nil
}

// Retry re-invokes the resolver for every conflict, appending guidance to
// each request; each conflict's resolution is replaced in place.
func (p *PendingMerge) Retry(ctx context.Context, guidance string) error {
	p.mu.Lock()
	if err := p.requirePendingLocked(); err != nil {
		p.mu.Unlock()
		return err
	}
	if guidance != "" {
		p.guidance = guidance
	}
	resolver := p.resolver
	conflicts := append([]history.Conflict{}, p.result.Conflicts...)
	p.mu.Unlock()

	if resolver == nil {
		return fmt.Errorf("hooks: no resolver configured, cannot retry")
	}
	for _, c := range conflicts {
		theirContent := c.TheirContent
		if guidance != "" {
			theirContent = theirContent + "\n\nAdditional guidance: " + guidance
		}
		resolution, err := resolver.Resolve(ctx, capability.ConflictInfo{
			Kind: string(c.Class), TargetHash: c.TargetHash, OurContent: c.OurContent, TheirContent: theirContent,
		})
		if err != nil {
			return err
		}
		if resolution.Action == "abort" {
			return fmt.Errorf("hooks: resolver aborted conflict on %s", c.TargetHash)
		}
		if err := p.SetResolution(c.TargetHash, resolution.ContentText); err != nil {
			return err
		}
	}
	return nil
}

// RetryWithGuidance implements Retrier for AutoRetry; PendingMerge has no
// per-conflict grouping concept, so failedIndex is ignored.
func (p *PendingMerge) RetryWithGuidance(ctx context.Context, diagnosis string, _ int) error {
	return p.Retry(ctx, diagnosis)
}

// Validate implements Validator: every conflict must have a non-empty
// resolution.
func (p *PendingMerge) Validate(ctx context.Context) (*ValidationResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.result.Conflicts {
		text, ok := p.result.Resolutions[c.TargetHash]
		if !ok || strings.TrimSpace(text) == "" {
			return &ValidationResult{Diagnosis: fmt.Sprintf("conflict on %s has no resolution", c.TargetHash)}, nil
		}
	}
	return &ValidationResult{Passed: true}, nil
}

func (p *PendingMerge) toDict() map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dict(map[string]any{
		"resolutions":   p.result.Resolutions,
		"source_branch": p.sourceBranch,
		"target_branch": p.targetBranch,
		"conflicts":     p.result.Conflicts,
		"guidance":      p.guidance,
	})
}
