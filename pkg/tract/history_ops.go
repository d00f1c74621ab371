package tract

import (
	"context"

	"github.com/WilliamJin123/tract/internal/history"
	"github.com/WilliamJin123/tract/internal/hooks"
)

// Merge implements spec.md §4.6.1 through the facade: a fast-forward or
// conflict-free merge commits immediately; a merge left with conflicts is
// wrapped as a PendingMerge and either handed back directly (review=true)
// or run through the hook dispatcher's tiers 2/3 (review=false).
func (t *Tract) Merge(ctx context.Context, sourceBranch string, opts history.MergeOptions, review bool) (*hooks.PendingMerge, *history.MergeResult, error) {
	head, err := t.dag.ResolveHead(ctx)
	if err != nil {
		return nil, nil, err
	}

	result, err := t.merger.Merge(ctx, sourceBranch, opts)
	if err != nil {
		return nil, nil, err
	}
	if result.Committed {
		return nil, result, nil
	}

	p := hooks.NewPendingMerge(result, t.merger, sourceBranch, head.Branch, opts.Resolver)
	if review {
		return p, result, nil
	}
	if err := t.dispatcher.Fire(ctx, p); err != nil {
		return p, result, err
	}
	return p, p.Result(), nil
}

// Rebase implements spec.md §4.6.2: replays the current branch's unique
// commits onto targetBranch's tip. No hook routing — rebase either
// succeeds outright or fails with a conflict error; there is nothing to
// review.
func (t *Tract) Rebase(ctx context.Context, targetBranch string) (*history.RebaseResult, error) {
	return t.rebaser.Rebase(ctx, targetBranch)
}

// ImportCommit implements spec.md §4.6.3: cherry-picks sourceHash onto the
// current branch as a new commit sharing its content_hash.
func (t *Tract) ImportCommit(ctx context.Context, sourceHash string) (*history.ImportResult, error) {
	return t.importer.ImportCommit(ctx, sourceHash)
}

// Reset implements spec.md §4.6.4: moves the current position to
// targetHash without creating a new commit.
func (t *Tract) Reset(ctx context.Context, targetHash string, mode history.ResetMode, force bool) (*history.ResetResult, error) {
	return t.resetter.Reset(ctx, targetHash, mode, force)
}

// Compress implements spec.md §4.6.5 through the facade: history always
// computes a CompressDraft first, wrapped as a PendingCompress, so every
// compression (review requested or not) goes through the same approve
// path — review=false just runs it through the dispatcher immediately.
func (t *Tract) Compress(ctx context.Context, opts history.CompressOptions, review bool) (*hooks.PendingCompress, *history.CompressResult, error) {
	opts.Review = true
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = t.maxCompressionRetries
	}
	_, draft, err := t.compress.Compress(ctx, opts)
	if err != nil {
		return nil, nil, err
	}

	p := hooks.NewPendingCompress(draft, t.compress, opts, t.counter)
	if review {
		return p, nil, nil
	}
	if err := t.dispatcher.Fire(ctx, p); err != nil {
		return p, nil, err
	}
	return p, p.Result(), nil
}

// GC implements spec.md §4.6.6 through the facade, mirroring Compress's
// always-draft-first pattern. A zero-valued opts picks up the tract's
// configured retention windows (Config.orphan_retention_days /
// archive_retention_days) rather than internal/history's own defaults.
func (t *Tract) GC(ctx context.Context, opts history.GCOptions, review bool) (*hooks.PendingGC, *history.GCResult, error) {
	if opts.OrphanRetentionDays == nil {
		opts.OrphanRetentionDays = retentionDays(t.cfg.OrphanRetentionDays)
	}
	if opts.ArchiveRetentionDays == nil {
		opts.ArchiveRetentionDays = retentionDays(t.cfg.ArchiveRetentionDays)
	}
	opts.Review = true
	_, draft, err := t.collector.GC(ctx, opts)
	if err != nil {
		return nil, nil, err
	}

	p := hooks.NewPendingGC(draft, t.collector)
	if review {
		return p, nil, nil
	}
	if err := t.dispatcher.Fire(ctx, p); err != nil {
		return p, nil, err
	}
	return p, p.Result(), nil
}
