package history

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/WilliamJin123/tract/internal/commitengine"
	"github.com/WilliamJin123/tract/internal/content"
	"github.com/WilliamJin123/tract/internal/storage"
	"github.com/WilliamJin123/tract/pkg/tracterr"
)

// ImportResult is import_commit()'s return value (spec.md §4.6.3).
type ImportResult struct {
	OriginalCommitHash string
	NewCommitHash      string
}

// Importer cherry-picks a commit from anywhere in the tract onto the
// current branch.
type Importer struct {
	store  *storage.Store
	engine *commitengine.Engine
}

// NewImporter returns an Importer bound to one tract's storage and engine.
func NewImporter(store *storage.Store, engine *commitengine.Engine) *Importer {
	return &Importer{store: store, engine: engine}
}

// ImportCommit creates a new APPEND commit on the current branch carrying
// sourceHash's exact content (same content_hash, new commit_hash).
func (im *Importer) ImportCommit(ctx context.Context, sourceHash string) (*ImportResult, error) {
	source, err := im.store.GetCommit(ctx, sourceHash)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, &tracterr.ImportCommit{SourceHash: sourceHash, Reason: "source commit does not exist"}
		}
		return nil, &tracterr.ImportCommit{SourceHash: sourceHash, Reason: err.Error()}
	}

	blob, err := im.store.GetBlob(ctx, source.ContentHash)
	if err != nil {
		return nil, &tracterr.ImportCommit{SourceHash: sourceHash, Reason: "source content is missing from storage"}
	}
	payload, err := unmarshalPayload(blob.PayloadJSON)
	if err != nil {
		return nil, &tracterr.ImportCommit{SourceHash: sourceHash, Reason: err.Error()}
	}

	metadata, err := unmarshalOptional(source.MetadataJSON)
	if err != nil {
		return nil, &tracterr.ImportCommit{SourceHash: sourceHash, Reason: err.Error()}
	}
	genConfig, err := unmarshalOptional(source.GenerationConfig)
	if err != nil {
		return nil, &tracterr.ImportCommit{SourceHash: sourceHash, Reason: err.Error()}
	}

	info, err := im.engine.CreateCommit(ctx, payload, commitengine.CreateCommitOptions{
		ContentType: content.Type(source.ContentType), Operation: commitengine.OperationAppend,
		Message: source.Message, Metadata: metadata, GenerationConfig: genConfig,
	})
	if err != nil {
		return nil, &tracterr.ImportCommit{SourceHash: sourceHash, Reason: err.Error()}
	}

	return &ImportResult{OriginalCommitHash: sourceHash, NewCommitHash: info.CommitHash}, nil
}

func unmarshalPayload(raw []byte) (map[string]any, error) {
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("history: unmarshal source payload: %w", err)
	}
	return payload, nil
}
