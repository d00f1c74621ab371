package hooks

import (
	"context"
	"testing"
	"time"

	"github.com/WilliamJin123/tract/internal/commitengine"
	"github.com/WilliamJin123/tract/internal/content"
	"github.com/WilliamJin123/tract/internal/dag"
	"github.com/WilliamJin123/tract/internal/hashing"
	"github.com/WilliamJin123/tract/internal/history"
	"github.com/WilliamJin123/tract/internal/storage"
	"github.com/WilliamJin123/tract/pkg/capability"
	"github.com/WilliamJin123/tract/pkg/constants"
	"github.com/stretchr/testify/require"
)

// noopCounter counts tokens as raw byte length, good enough for asserting
// relative sizes in tests without depending on a real tokenizer.
type noopCounter struct{}

func (noopCounter) CountText(s string) (int, error) { return len(s), nil }
func (noopCounter) CountMessages(msgs []capability.Message) (int, error) {
	total := 0
	for _, m := range msgs {
		total += len(m.Content)
	}
	return total, nil
}

// fakeLlmClient returns its canned responses round-robin, recording every
// request it was asked to serve.
type fakeLlmClient struct {
	responses []string
	calls     int
	requests  []capability.ChatRequest
}

func (f *fakeLlmClient) Chat(ctx context.Context, req capability.ChatRequest) (*capability.ChatResponse, error) {
	f.requests = append(f.requests, req)
	resp := f.responses[f.calls%len(f.responses)]
	f.calls++
	return &capability.ChatResponse{Content: resp}, nil
}

// fixedResolver always resolves a conflict to the same fixed text.
type fixedResolver struct{ text string }

func (f fixedResolver) Resolve(ctx context.Context, conflict capability.ConflictInfo) (*capability.Resolution, error) {
	return &capability.Resolution{Action: "resolved", ContentText: f.text}, nil
}

// testRig bundles a fresh in-memory tract plus the history operators built
// on it, mirroring internal/history's own test harness.
type testRig struct {
	store     *storage.Store
	resolver  *dag.Resolver
	engine    *commitengine.Engine
	merger    *history.Merger
	collector *history.Collector
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	s, err := storage.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	resolver := dag.NewResolver(s, "t1")
	require.NoError(t, s.UpsertRef(context.Background(), nil, storage.RefRow{
		TractID: "t1", RefName: constants.HeadRefName, SymbolicTarget: constants.BranchRefPrefix + constants.DefaultBranch,
	}))

	registry := content.NewRegistry()
	engine := commitengine.New(s, "t1", resolver, registry, noopCounter{}, nil)
	return &testRig{
		store: s, resolver: resolver, engine: engine,
		merger:    history.NewMerger(s, "t1", resolver, engine),
		collector: history.NewCollector(s, "t1", resolver),
	}
}

func (r *testRig) newCompressor(llm capability.LlmClient) *history.Compressor {
	return history.NewCompressor(r.store, "t1", r.resolver, r.engine, llm, noopCounter{})
}

// seedCommit inserts a blob + commit row directly and advances branch's ref
// to it, bypassing commitengine so tests can build disjoint branch shapes.
func (r *testRig) seedCommit(t *testing.T, branch, hash, parent string, extraParents []string, operation, responseTo string, payload map[string]any, at time.Time) storage.CommitRow {
	t.Helper()
	ctx := context.Background()

	contentHash, err := hashing.ContentHash(payload)
	require.NoError(t, err)
	canon, err := hashing.CanonicalJSON(payload)
	require.NoError(t, err)
	require.NoError(t, r.store.SaveBlobIfAbsent(ctx, storage.BlobRow{ContentHash: contentHash, PayloadJSON: canon, ByteSize: int64(len(canon)), CreatedAt: at}))

	row := storage.CommitRow{
		CommitHash: hash, TractID: "t1", ParentHash: parent, ContentHash: contentHash,
		ContentType: "dialogue", Operation: operation, ResponseTo: responseTo, CreatedAt: at,
	}
	require.NoError(t, r.store.InsertCommit(ctx, nil, row, extraParents))
	require.NoError(t, r.store.UpsertRef(ctx, nil, storage.RefRow{TractID: "t1", RefName: constants.BranchRefPrefix + branch, CommitHash: hash}))
	return row
}

func (r *testRig) checkout(t *testing.T, branch string) {
	t.Helper()
	require.NoError(t, r.store.UpsertRef(context.Background(), nil, storage.RefRow{
		TractID: "t1", RefName: constants.HeadRefName, SymbolicTarget: constants.BranchRefPrefix + branch,
	}))
}
