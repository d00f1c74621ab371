// Package commitengine is Tract's sole write path for commits, blobs,
// annotations, and HEAD updates (spec.md §4.2). Every mutation is wrapped
// in a single storage transaction so failures before HEAD update leave no
// partial commit behind.
package commitengine

import (
	"context"
	"fmt"
	"time"

	"github.com/WilliamJin123/tract/internal/content"
	"github.com/WilliamJin123/tract/internal/dag"
	"github.com/WilliamJin123/tract/internal/hashing"
	"github.com/WilliamJin123/tract/internal/storage"
	"github.com/WilliamJin123/tract/pkg/capability"
	"github.com/WilliamJin123/tract/pkg/logger"
	"github.com/WilliamJin123/tract/pkg/tracterr"
)

var log = logger.New("tract:commitengine")

const (
	OperationAppend = "APPEND"
	OperationEdit   = "EDIT"
)

// BudgetAction selects what TokenBudgetConfig does when a commit would
// exceed max_tokens.
type BudgetAction string

const (
	BudgetWarn     BudgetAction = "WARN"
	BudgetReject   BudgetAction = "REJECT"
	BudgetCallback BudgetAction = "CALLBACK"
)

// TokenBudgetConfig enforces a ceiling on a tract's projected token total.
type TokenBudgetConfig struct {
	MaxTokens int
	Action    BudgetAction
	Callback  func(current, max int)
}

// CommitInfo describes a newly created (or looked up) commit.
type CommitInfo struct {
	CommitHash       string
	TractID          string
	ParentHash       string
	ContentHash      string
	ContentType      string
	Operation        string
	ResponseTo       string
	Message          string
	TokenCount       int
	Metadata         map[string]any
	GenerationConfig map[string]any
	CreatedAt        time.Time
}

// CreateCommitOptions configures CreateCommit.
type CreateCommitOptions struct {
	ContentType      content.Type
	Operation        string // defaults to OperationAppend
	Message          string
	ResponseTo       string // required iff Operation == OperationEdit
	Metadata         map[string]any
	GenerationConfig map[string]any
}

// Engine is the commit engine for one open tract.
type Engine struct {
	store    *storage.Store
	tractID  string
	dag      *dag.Resolver
	registry *content.Registry
	counter  capability.TokenCounter
	budget   *TokenBudgetConfig
}

// New returns an Engine bound to one tract's storage and capabilities.
func New(store *storage.Store, tractID string, resolver *dag.Resolver, registry *content.Registry, counter capability.TokenCounter, budget *TokenBudgetConfig) *Engine {
	return &Engine{store: store, tractID: tractID, dag: resolver, registry: registry, counter: counter, budget: budget}
}

// CreateCommit implements spec.md §4.2's create_commit.
func (e *Engine) CreateCommit(ctx context.Context, payload map[string]any, opts CreateCommitOptions) (*CommitInfo, error) {
	operation := opts.Operation
	if operation == "" {
		operation = OperationAppend
	}

	if err := e.registry.Validate(string(opts.ContentType), payload); err != nil {
		return nil, &tracterr.ContentValidation{ContentType: string(opts.ContentType), Reason: err.Error()}
	}

	contentHash, err := hashing.ContentHash(payload)
	if err != nil {
		return nil, fmt.Errorf("commitengine: hash content: %w", err)
	}

	text, err := content.ExtractText(payload)
	if err != nil {
		return nil, fmt.Errorf("commitengine: extract text: %w", err)
	}
	tokenCount, err := e.counter.CountText(text)
	if err != nil {
		return nil, fmt.Errorf("commitengine: count tokens: %w", err)
	}

	head, err := e.dag.ResolveHead(ctx)
	if err != nil {
		return nil, fmt.Errorf("commitengine: resolve HEAD: %w", err)
	}
	parentHash := head.CommitHash

	if err := e.enforceBudget(ctx, parentHash, tokenCount); err != nil {
		return nil, err
	}

	var responseTo string
	if operation == OperationEdit {
		if opts.ResponseTo == "" {
			return nil, &tracterr.EditTarget{Reason: "response_to is required for an EDIT commit"}
		}
		target, err := e.store.GetCommit(ctx, opts.ResponseTo)
		if err != nil {
			if err == storage.ErrNotFound {
				return nil, &tracterr.EditTarget{ResponseTo: opts.ResponseTo, Reason: "target commit does not exist"}
			}
			return nil, fmt.Errorf("commitengine: look up edit target: %w", err)
		}
		if target.Operation == OperationEdit {
			return nil, &tracterr.EditTarget{ResponseTo: opts.ResponseTo, Reason: "cannot edit an EDIT commit"}
		}
		responseTo = opts.ResponseTo
	}

	canonPayload, err := hashing.CanonicalJSON(payload)
	if err != nil {
		return nil, fmt.Errorf("commitengine: canonicalize payload: %w", err)
	}

	now := time.Now().UTC()
	timestampISO := now.Format(time.RFC3339Nano)
	commitHash, err := hashing.CommitHash(contentHash, parentHash, string(opts.ContentType), operation, timestampISO, responseTo, nil)
	if err != nil {
		return nil, fmt.Errorf("commitengine: hash commit: %w", err)
	}

	metadataJSON, err := marshalOptional(opts.Metadata)
	if err != nil {
		return nil, err
	}
	genConfigJSON, err := marshalOptional(opts.GenerationConfig)
	if err != nil {
		return nil, err
	}

	row := storage.CommitRow{
		CommitHash: commitHash, TractID: e.tractID, ParentHash: parentHash, ContentHash: contentHash,
		ContentType: string(opts.ContentType), Operation: operation, ResponseTo: responseTo, Message: opts.Message,
		TokenCount: tokenCount, MetadataJSON: metadataJSON, GenerationConfig: genConfigJSON, CreatedAt: now,
	}

	defaultPriority := content.DefaultPriority(opts.ContentType)

	err = e.store.WithTx(ctx, func(tx *storage.Tx) error {
		if err := e.store.SaveBlobIfAbsent(ctx, storage.BlobRow{
			ContentHash: contentHash, PayloadJSON: canonPayload, ByteSize: int64(len(canonPayload)),
			TokenCount: tokenCount, CreatedAt: now,
		}); err != nil {
			return err
		}
		if err := e.store.InsertCommit(ctx, tx, row, nil); err != nil {
			return err
		}
		if err := e.dag.AdvanceHead(ctx, tx, commitHash); err != nil {
			return err
		}
		if defaultPriority != content.NORMAL {
			if _, err := e.store.InsertAnnotation(ctx, tx, storage.AnnotationRow{
				TractID: e.tractID, TargetHash: commitHash, Priority: defaultPriority.String(),
				Reason: "content-type default", CreatedAt: now,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Printf("created commit %s (type=%s op=%s parent=%s)", commitHash, opts.ContentType, operation, parentHash)
	return toCommitInfo(row, opts.Metadata, opts.GenerationConfig), nil
}

// CreateMergeCommit implements spec.md §4.2's create_merge_commit:
// parentHashes[0] becomes the first parent, the rest are recorded as extra
// parents; edit validation is skipped; operation is always APPEND.
func (e *Engine) CreateMergeCommit(ctx context.Context, payload map[string]any, contentType content.Type, parentHashes []string, message string, metadata map[string]any) (*CommitInfo, error) {
	if len(parentHashes) == 0 {
		return nil, fmt.Errorf("commitengine: merge commit requires at least one parent")
	}

	if err := e.registry.Validate(string(contentType), payload); err != nil {
		return nil, &tracterr.ContentValidation{ContentType: string(contentType), Reason: err.Error()}
	}

	contentHash, err := hashing.ContentHash(payload)
	if err != nil {
		return nil, fmt.Errorf("commitengine: hash content: %w", err)
	}
	text, err := content.ExtractText(payload)
	if err != nil {
		return nil, fmt.Errorf("commitengine: extract text: %w", err)
	}
	tokenCount, err := e.counter.CountText(text)
	if err != nil {
		return nil, fmt.Errorf("commitengine: count tokens: %w", err)
	}

	canonPayload, err := hashing.CanonicalJSON(payload)
	if err != nil {
		return nil, fmt.Errorf("commitengine: canonicalize payload: %w", err)
	}

	now := time.Now().UTC()
	timestampISO := now.Format(time.RFC3339Nano)
	parentHash := parentHashes[0]
	extraParents := parentHashes[1:]

	commitHash, err := hashing.CommitHash(contentHash, parentHash, string(contentType), OperationAppend, timestampISO, "", extraParents)
	if err != nil {
		return nil, fmt.Errorf("commitengine: hash merge commit: %w", err)
	}

	metadataJSON, err := marshalOptional(metadata)
	if err != nil {
		return nil, err
	}

	row := storage.CommitRow{
		CommitHash: commitHash, TractID: e.tractID, ParentHash: parentHash, ContentHash: contentHash,
		ContentType: string(contentType), Operation: OperationAppend, TokenCount: tokenCount,
		MetadataJSON: metadataJSON, CreatedAt: now,
	}

	err = e.store.WithTx(ctx, func(tx *storage.Tx) error {
		if err := e.store.SaveBlobIfAbsent(ctx, storage.BlobRow{
			ContentHash: contentHash, PayloadJSON: canonPayload, ByteSize: int64(len(canonPayload)),
			TokenCount: tokenCount, CreatedAt: now,
		}); err != nil {
			return err
		}
		if err := e.store.InsertCommit(ctx, tx, row, extraParents); err != nil {
			return err
		}
		return e.dag.AdvanceHead(ctx, tx, commitHash)
	})
	if err != nil {
		return nil, err
	}

	log.Printf("created merge commit %s (parents=%v)", commitHash, parentHashes)
	return toCommitInfo(row, metadata, nil), nil
}

// Annotate appends a priority annotation row (spec.md §4.2's annotate).
func (e *Engine) Annotate(ctx context.Context, targetHash string, priority content.Priority, retention *content.RetentionCriteria, reason string) (*storage.AnnotationRow, error) {
	if _, err := e.store.GetCommit(ctx, targetHash); err != nil {
		if err == storage.ErrNotFound {
			return nil, &tracterr.CommitNotFound{Hash: targetHash}
		}
		return nil, fmt.Errorf("commitengine: look up annotation target: %w", err)
	}

	var retentionJSON []byte
	if retention != nil {
		j, err := marshalOptional(map[string]any{
			"instructions": retention.Instructions, "match_patterns": retention.MatchPatterns, "match_mode": retention.MatchMode,
		})
		if err != nil {
			return nil, err
		}
		retentionJSON = j
	}

	now := time.Now().UTC()
	var annotation *storage.AnnotationRow
	err := e.store.WithTx(ctx, func(tx *storage.Tx) error {
		id, err := e.store.InsertAnnotation(ctx, tx, storage.AnnotationRow{
			TractID: e.tractID, TargetHash: targetHash, Priority: priority.String(),
			RetentionJSON: retentionJSON, Reason: reason, CreatedAt: now,
		})
		if err != nil {
			return err
		}
		annotation = &storage.AnnotationRow{
			ID: id, TractID: e.tractID, TargetHash: targetHash, Priority: priority.String(),
			RetentionJSON: retentionJSON, Reason: reason, CreatedAt: now,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return annotation, nil
}

// GetCommit is a read-only lookup, translating storage.ErrNotFound into
// the typed tracterr.CommitNotFound.
func (e *Engine) GetCommit(ctx context.Context, commitHash string) (*storage.CommitRow, error) {
	c, err := e.store.GetCommit(ctx, commitHash)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, &tracterr.CommitNotFound{Hash: commitHash}
		}
		return nil, err
	}
	return c, nil
}

// enforceBudget implements spec.md §4.2's token budget enforcement: the
// projected total is the new commit's tokens plus the sum of first-parent
// ancestor token counts.
func (e *Engine) enforceBudget(ctx context.Context, parentHash string, newTokens int) error {
	if e.budget == nil {
		return nil
	}

	total := newTokens
	if parentHash != "" {
		ancestors, err := e.dag.GetAncestors(ctx, parentHash, 0, "")
		if err != nil {
			return fmt.Errorf("commitengine: sum ancestor tokens: %w", err)
		}
		for _, a := range ancestors {
			total += a.TokenCount
		}
	}

	if total <= e.budget.MaxTokens {
		return nil
	}

	switch e.budget.Action {
	case BudgetReject:
		return &tracterr.BudgetExceeded{CurrentTokens: total, MaxTokens: e.budget.MaxTokens}
	case BudgetCallback:
		if e.budget.Callback != nil {
			e.budget.Callback(total, e.budget.MaxTokens)
		}
		return nil
	default: // BudgetWarn, or unset
		log.Printf("token budget warning: projected %d tokens exceeds max %d", total, e.budget.MaxTokens)
		return nil
	}
}

func marshalOptional(v map[string]any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	b, err := hashing.CanonicalJSON(v)
	if err != nil {
		return nil, fmt.Errorf("commitengine: marshal metadata: %w", err)
	}
	return b, nil
}

func toCommitInfo(row storage.CommitRow, metadata, genConfig map[string]any) *CommitInfo {
	return &CommitInfo{
		CommitHash: row.CommitHash, TractID: row.TractID, ParentHash: row.ParentHash, ContentHash: row.ContentHash,
		ContentType: row.ContentType, Operation: row.Operation, ResponseTo: row.ResponseTo, Message: row.Message,
		TokenCount: row.TokenCount, Metadata: metadata, GenerationConfig: genConfig, CreatedAt: row.CreatedAt,
	}
}
