package history

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/WilliamJin123/tract/internal/commitengine"
	"github.com/WilliamJin123/tract/internal/content"
	"github.com/WilliamJin123/tract/internal/dag"
	"github.com/WilliamJin123/tract/internal/storage"
	"github.com/WilliamJin123/tract/pkg/constants"
	"github.com/WilliamJin123/tract/pkg/tracterr"
)

// RebaseResult is rebase()'s return value (spec.md §4.6.2).
type RebaseResult struct {
	ReplayedCommits []string // new hashes, chronological
	OriginalCommits []string // the old hashes they replayed, same order
	NewHead         string
	Warnings        []string
}

// Rebaser replays one branch's exclusive commits onto another branch's tip.
type Rebaser struct {
	store   *storage.Store
	tractID string
	dag     *dag.Resolver
	engine  *commitengine.Engine
}

// NewRebaser returns a Rebaser bound to one tract's storage and engine.
func NewRebaser(store *storage.Store, tractID string, resolver *dag.Resolver, engine *commitengine.Engine) *Rebaser {
	return &Rebaser{store: store, tractID: tractID, dag: resolver, engine: engine}
}

// Rebase replays the commits exclusive to the current branch since its
// merge base with targetBranch onto targetBranch's tip, preserving payload
// content but producing new commit hashes.
func (r *Rebaser) Rebase(ctx context.Context, targetBranch string) (*RebaseResult, error) {
	head, err := r.dag.ResolveHead(ctx)
	if err != nil {
		return nil, fmt.Errorf("history: resolve HEAD: %w", err)
	}
	if head.Detached {
		return nil, &tracterr.DetachedHead{TractID: r.tractID}
	}
	currentBranch, currentTip := head.Branch, head.CommitHash

	targetRef, err := r.store.GetRef(ctx, r.tractID, constants.BranchRefPrefix+targetBranch)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, &tracterr.BranchNotFound{Branch: targetBranch}
		}
		return nil, err
	}
	targetTip := targetRef.CommitHash

	mergeBase, err := r.dag.FindMergeBase(ctx, currentTip, targetTip)
	if err != nil {
		return nil, &tracterr.Rebase{Reason: err.Error()}
	}

	commits, err := r.dag.GetBranchCommits(ctx, currentTip, mergeBase)
	if err != nil {
		return nil, &tracterr.Rebase{Reason: err.Error()}
	}

	result := &RebaseResult{NewHead: targetTip}
	if len(commits) == 0 {
		if err := r.store.UpsertRef(ctx, nil, storage.RefRow{
			TractID: r.tractID, RefName: constants.BranchRefPrefix + currentBranch, CommitHash: targetTip,
		}); err != nil {
			return nil, err
		}
		result.Warnings = append(result.Warnings, "no commits were exclusive to the current branch; fast-forwarded onto target")
		return result, nil
	}

	// Repoint the current branch at target's tip so the replay loop's calls
	// into commitengine (which always parents onto HEAD's current tip)
	// chain onto target instead of the branch's original lineage.
	if err := r.store.UpsertRef(ctx, nil, storage.RefRow{
		TractID: r.tractID, RefName: constants.BranchRefPrefix + currentBranch, CommitHash: targetTip,
	}); err != nil {
		return nil, err
	}

	oldToNew := make(map[string]string, len(commits))
	for _, c := range commits {
		payload, err := r.loadPayload(ctx, c)
		if err != nil {
			return nil, &tracterr.Rebase{Reason: err.Error()}
		}

		responseTo := c.ResponseTo
		if responseTo != "" {
			if mapped, ok := oldToNew[responseTo]; ok {
				responseTo = mapped
			}
		}

		metadata, err := unmarshalOptional(c.MetadataJSON)
		if err != nil {
			return nil, &tracterr.Rebase{Reason: err.Error()}
		}
		genConfig, err := unmarshalOptional(c.GenerationConfig)
		if err != nil {
			return nil, &tracterr.Rebase{Reason: err.Error()}
		}

		info, err := r.engine.CreateCommit(ctx, payload, commitengine.CreateCommitOptions{
			ContentType: content.Type(c.ContentType), Operation: c.Operation, Message: c.Message,
			ResponseTo: responseTo, Metadata: metadata, GenerationConfig: genConfig,
		})
		if err != nil {
			return nil, &tracterr.Rebase{Reason: fmt.Sprintf("replaying %s: %s", c.CommitHash, err.Error())}
		}

		oldToNew[c.CommitHash] = info.CommitHash
		result.OriginalCommits = append(result.OriginalCommits, c.CommitHash)
		result.ReplayedCommits = append(result.ReplayedCommits, info.CommitHash)
		result.NewHead = info.CommitHash
	}

	return result, nil
}

func (r *Rebaser) loadPayload(ctx context.Context, c storage.CommitRow) (map[string]any, error) {
	blob, err := r.store.GetBlob(ctx, c.ContentHash)
	if err != nil {
		return nil, &tracterr.BlobNotFound{ContentHash: c.ContentHash, CommitHash: c.CommitHash}
	}
	var payload map[string]any
	if err := json.Unmarshal(blob.PayloadJSON, &payload); err != nil {
		return nil, fmt.Errorf("history: unmarshal payload for %s: %w", c.CommitHash, err)
	}
	return payload, nil
}

func unmarshalOptional(b []byte) (map[string]any, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("history: unmarshal metadata/config: %w", err)
	}
	return m, nil
}
