package hooks

import (
	"context"

	"github.com/WilliamJin123/tract/internal/history"
)

// PendingGC reifies a gc() call made with review=true (spec.md §4.7),
// wrapping the GCDraft internal/history already produced so approve()
// commits exactly the candidates that were shown for review.
type PendingGC struct {
	base
	draft     *history.GCDraft
	collector *history.Collector
	result    *history.GCResult
}

// NewPendingGC wraps draft for human-in-the-loop review; its only actions
// beyond approve/reject are the base two, since gc candidates are already
// fully computed and there is nothing to edit before committing them.
func NewPendingGC(draft *history.GCDraft, collector *history.Collector) *PendingGC {
	p := &PendingGC{base: newBase("gc"), draft: draft, collector: collector}
	p.approveFn = p.doApprove
	p.toDictFn = p.toDict
	p.bindDefaults()
	return p
}

func (p *PendingGC) doApprove(ctx context.Context) error {
	result, err := p.collector.ApplyDraft(ctx, p.draft)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.result = result
	p.mu.Unlock()
	return nil
}

// Result returns the GCResult left by a successful approve(), or nil
// before approval.
func (p *PendingGC) Result() *history.GCResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result
}

func (p *PendingGC) toDict() map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dict(map[string]any{
		"orphan_candidates":   p.draft.OrphanCandidates,
		"archived_candidates": p.draft.ArchivedCandidates,
		"estimated_freed":     p.draft.EstimatedFreed,
	})
}
