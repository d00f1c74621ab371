package history

import (
	"context"
	"sort"
	"time"

	"github.com/WilliamJin123/tract/internal/dag"
	"github.com/WilliamJin123/tract/internal/storage"
	"github.com/WilliamJin123/tract/pkg/constants"
	"github.com/WilliamJin123/tract/pkg/tracterr"
)

// RetentionDays selects a gc() retention window. A nil *RetentionDays means
// "use the default"; Never means the category is never removed (spec.md
// §4.6.6's "None retention").
type RetentionDays struct {
	Days  int
	Never bool
}

// GCOptions configures Collector.GC.
type GCOptions struct {
	OrphanRetentionDays  *RetentionDays
	ArchiveRetentionDays *RetentionDays
	Review               bool
}

// GCResult is gc()'s return value when applied immediately.
type GCResult struct {
	RemovedOrphans       []string
	RemovedArchivedChain []string
	SkippedArchived      []string // archived candidates left in place: referenced as a merge's extra parent, or with more than one child
	RemovedBlobs         []string
	FreedTokens          int
}

// GCDraft is gc()'s return value when Review is requested.
type GCDraft struct {
	OrphanCandidates   []string
	ArchivedCandidates []string
	EstimatedFreed      int
}

// Collector implements gc() (spec.md §4.6.6).
type Collector struct {
	store   *storage.Store
	tractID string
	dag     *dag.Resolver
}

// NewCollector returns a Collector bound to one tract's storage.
func NewCollector(store *storage.Store, tractID string, resolver *dag.Resolver) *Collector {
	return &Collector{store: store, tractID: tractID, dag: resolver}
}

// GC reclaims unreachable (orphan) commits and compression-superseded
// (archived) commits once their respective retention windows expire.
func (g *Collector) GC(ctx context.Context, opts GCOptions) (*GCResult, *GCDraft, error) {
	reachable, err := g.reachabilitySet(ctx)
	if err != nil {
		return nil, nil, &tracterr.GC{Reason: err.Error()}
	}

	allHashes, err := g.store.ListAllCommitHashes(ctx, g.tractID)
	if err != nil {
		return nil, nil, &tracterr.GC{Reason: err.Error()}
	}

	now := time.Now().UTC()
	orphanCutoff, skipOrphans := cutoff(now, opts.OrphanRetentionDays, constants.DefaultOrphanRetentionDays)
	archiveCutoff, skipArchived := cutoff(now, opts.ArchiveRetentionDays, constants.DefaultArchiveRetentionDays)

	var orphanCandidates, archivedCandidates []string
	estimatedFreed := 0

	for _, h := range allHashes {
		row, err := g.store.GetCommit(ctx, h)
		if err != nil {
			return nil, nil, &tracterr.GC{Reason: err.Error()}
		}

		if !reachable[h] && !skipOrphans && row.CreatedAt.Before(orphanCutoff) {
			orphanCandidates = append(orphanCandidates, h)
			estimatedFreed += row.TokenCount
			continue
		}
		if reachable[h] && row.Archived && !skipArchived && row.CreatedAt.Before(archiveCutoff) {
			archivedCandidates = append(archivedCandidates, h)
			estimatedFreed += row.TokenCount
		}
	}

	sort.Strings(orphanCandidates)
	sort.Strings(archivedCandidates)

	if opts.Review {
		return nil, &GCDraft{OrphanCandidates: orphanCandidates, ArchivedCandidates: archivedCandidates, EstimatedFreed: estimatedFreed}, nil
	}

	result, err := g.apply(ctx, orphanCandidates, archivedCandidates)
	if err != nil {
		return nil, nil, err
	}
	return result, nil, nil
}

// ApplyDraft performs the removal described by a previously produced
// GCDraft, without recomputing reachability or re-aging candidates. This is
// the approve() path for a review=true call driven through a PendingGC.
func (g *Collector) ApplyDraft(ctx context.Context, draft *GCDraft) (*GCResult, error) {
	return g.apply(ctx, draft.OrphanCandidates, draft.ArchivedCandidates)
}

// cutoff returns the created_at threshold below which a commit is eligible
// for removal, and whether the category is disabled entirely ("never").
func cutoff(now time.Time, override *RetentionDays, defaultDays int) (time.Time, bool) {
	if override != nil {
		if override.Never {
			return time.Time{}, true
		}
		return now.AddDate(0, 0, -override.Days), false
	}
	return now.AddDate(0, 0, -defaultDays), false
}

func (g *Collector) reachabilitySet(ctx context.Context) (map[string]bool, error) {
	reachable := map[string]bool{}

	branches, err := g.dag.ListBranches(ctx)
	if err != nil {
		return nil, err
	}
	for _, b := range branches {
		ref, err := g.store.GetRef(ctx, g.tractID, "refs/heads/"+b)
		if err != nil || ref.CommitHash == "" {
			continue
		}
		anc, err := g.dag.GetAllAncestors(ctx, ref.CommitHash, "")
		if err != nil {
			return nil, err
		}
		for h := range anc {
			reachable[h] = true
		}
	}

	head, err := g.dag.ResolveHead(ctx)
	if err != nil {
		return nil, err
	}
	if head.Detached && head.CommitHash != "" {
		anc, err := g.dag.GetAllAncestors(ctx, head.CommitHash, "")
		if err != nil {
			return nil, err
		}
		for h := range anc {
			reachable[h] = true
		}
	}

	return reachable, nil
}

// apply performs the actual removal: orphans are deleted outright (nothing
// reachable points at them, so no splicing is needed); archived commits
// still on a live first-parent chain are spliced out first, since deleting
// them in place would strand their child's parent_hash.
func (g *Collector) apply(ctx context.Context, orphans, archived []string) (*GCResult, error) {
	result := &GCResult{}
	removedContentHashes := map[string]bool{}

	err := g.store.WithTx(ctx, func(tx *storage.Tx) error {
		for _, h := range orphans {
			row, err := g.store.GetCommit(ctx, h)
			if err != nil {
				if err == storage.ErrNotFound {
					continue // already gone from the store; nothing left to remove
				}
				return err
			}
			if err := g.store.DeleteCommit(ctx, tx, h); err != nil {
				return err
			}
			removedContentHashes[row.ContentHash] = true
			result.RemovedOrphans = append(result.RemovedOrphans, h)
			result.FreedTokens += row.TokenCount
		}

		for _, h := range archived {
			row, err := g.store.GetCommit(ctx, h)
			if err != nil {
				return err
			}

			extraRefs, err := g.store.CountExtraParentReferences(ctx, h)
			if err != nil {
				return err
			}
			if extraRefs > 0 {
				result.SkippedArchived = append(result.SkippedArchived, h)
				continue
			}

			children, err := g.store.GetCommitChildren(ctx, h)
			if err != nil {
				return err
			}
			if len(children) > 1 {
				// More than one commit parents off this one: the chain
				// branches here, so splicing would be ambiguous. Leave it
				// for a future pass once the branch point resolves.
				result.SkippedArchived = append(result.SkippedArchived, h)
				continue
			}
			for _, child := range children {
				if err := g.store.RepointParent(ctx, tx, child.CommitHash, row.ParentHash); err != nil {
					return err
				}
			}

			if err := g.store.DeleteCommit(ctx, tx, h); err != nil {
				return err
			}
			removedContentHashes[row.ContentHash] = true
			result.RemovedArchivedChain = append(result.RemovedArchivedChain, h)
			result.FreedTokens += row.TokenCount
		}

		for hash := range removedContentHashes {
			removed, err := g.store.DeleteBlobIfUnreferenced(ctx, tx, hash)
			if err != nil {
				return err
			}
			if removed {
				result.RemovedBlobs = append(result.RemovedBlobs, hash)
			}
		}
		return nil
	})
	if err != nil {
		return nil, &tracterr.GC{Reason: err.Error()}
	}

	sort.Strings(result.RemovedBlobs)
	return result, nil
}
