package hooks

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testPending is a minimal Pending used to exercise base/Dispatcher/
// AutoRetry machinery in isolation from any concrete domain subtype.
type testPending struct {
	base
	approved   bool
	validCalls int
	passAt     int // Validate() passes on the (passAt+1)th call
	retries    int
}

func newTestPending() *testPending {
	p := &testPending{base: newBase("test_op")}
	p.approveFn = func(ctx context.Context) error { p.approved = true; return nil }
	p.bindDefaults()
	return p
}

func (p *testPending) Validate(ctx context.Context) (*ValidationResult, error) {
	p.validCalls++
	if p.validCalls > p.passAt {
		return &ValidationResult{Passed: true}, nil
	}
	return &ValidationResult{Diagnosis: "not yet", Index: 2}, nil
}

func (p *testPending) RetryWithGuidance(ctx context.Context, diagnosis string, failedIndex int) error {
	p.retries++
	return nil
}

func TestBase_ApproveTransitionsStatusAndRunsApproveFn(t *testing.T) {
	p := newTestPending()
	assert.Equal(t, StatusPending, p.Status())

	require.NoError(t, p.Approve(context.Background()))
	assert.True(t, p.approved)
	assert.Equal(t, StatusApproved, p.Status())

	err := p.Approve(context.Background())
	assert.ErrorIs(t, err, ErrNotPending)
}

func TestBase_RejectStopsFurtherMutation(t *testing.T) {
	p := newTestPending()
	require.NoError(t, p.Reject(context.Background(), "no longer needed"))
	assert.Equal(t, StatusRejected, p.Status())
	assert.False(t, p.approved)

	err := p.Approve(context.Background())
	assert.ErrorIs(t, err, ErrNotPending)
}

func TestBase_ExecuteToolRejectsUnknownAndUnderscoredNames(t *testing.T) {
	p := newTestPending()
	_, err := p.ExecuteTool(context.Background(), "nonexistent", nil)
	assert.ErrorIs(t, err, ErrActionNotWhitelisted)

	_, err = p.ExecuteTool(context.Background(), "_private", nil)
	assert.ErrorIs(t, err, ErrActionNotWhitelisted)
}

func TestBase_ApplyDecisionDrivesApproveAndReject(t *testing.T) {
	p := newTestPending()
	_, err := p.ApplyDecision(context.Background(), Decision{Action: "approve"})
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, p.Status())

	p2 := newTestPending()
	_, err = p2.ApplyDecision(context.Background(), Decision{Action: "reject", Args: map[string]any{"reason": "bad draft"}})
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, p2.Status())
	assert.Equal(t, "bad draft", p2.rejectReason)
}

func TestBase_ToTools_GeneratesOneSchemaPerWhitelistedAction(t *testing.T) {
	p := newTestPending()
	tools, err := p.ToTools()
	require.NoError(t, err)
	require.Len(t, tools, 2) // approve, reject
	names := map[string]bool{}
	for _, tool := range tools {
		names[tool.Name] = true
		assert.NotEmpty(t, tool.SchemaJSON)
	}
	assert.True(t, names["test_op.approve"])
	assert.True(t, names["test_op.reject"])
}

func TestBase_DescribeAPIListsActionsWithStatus(t *testing.T) {
	p := newTestPending()
	desc := p.DescribeAPI()
	assert.Contains(t, desc, "test_op (pending)")
	assert.Contains(t, desc, "approve")
	assert.Contains(t, desc, "reject")
}

func TestBase_ToDictFallsBackToBareFieldsWithoutToDictFn(t *testing.T) {
	p := newTestPending()
	d := p.ToDict()
	assert.Equal(t, "test_op", d["operation"])
	assert.Equal(t, string(StatusPending), d["status"])
	assert.Equal(t, p.PendingID(), d["pending_id"])
}

func TestAutoRetry_SucceedsAfterRetriesThenApproves(t *testing.T) {
	p := newTestPending()
	p.passAt = 2 // fails twice, passes the third time

	err := AutoRetry(context.Background(), p, 5)
	require.NoError(t, err)
	assert.Equal(t, 2, p.retries)
	assert.Equal(t, StatusApproved, p.Status())
}

func TestAutoRetry_ExhaustsAndReturnsHookRejectionLeavingPendingOpen(t *testing.T) {
	p := newTestPending()
	p.passAt = 100 // never passes

	err := AutoRetry(context.Background(), p, 2)
	var rejection *HookRejection
	require.ErrorAs(t, err, &rejection)
	assert.Equal(t, "validation", rejection.RejectionSource)
	assert.Equal(t, 2, p.retries)
	assert.Equal(t, StatusPending, p.Status())
}

func TestAutoRetry_ErrorsWhenPendingIsNotAValidator(t *testing.T) {
	p := &struct{ base }{base: newBase("no_validate")}
	p.bindDefaults()
	err := AutoRetry(context.Background(), p, 3)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not support validate")
}

func TestDispatcher_FallsThroughToRegisteredHandlerThenDefault(t *testing.T) {
	d := NewDispatcher()
	p1 := newTestPending()

	var handlerRan bool
	d.On("test_op", func(ctx context.Context, p Pending) error {
		handlerRan = true
		return p.Approve(ctx)
	})
	require.NoError(t, d.Fire(context.Background(), p1))
	assert.True(t, handlerRan)
	assert.Equal(t, StatusApproved, p1.Status())

	d.Off("test_op")
	p2 := newTestPending()
	var defaultRan bool
	d.SetDefault("test_op", func(ctx context.Context, p Pending) error {
		defaultRan = true
		return p.Reject(ctx, "default policy")
	})
	require.NoError(t, d.Fire(context.Background(), p2))
	assert.True(t, defaultRan)
	assert.Equal(t, StatusRejected, p2.Status())
}

func TestDispatcher_WildcardHandlerAppliesWhenNoSpecificOneRegistered(t *testing.T) {
	d := NewDispatcher()
	var seenOp string
	d.On("*", func(ctx context.Context, p Pending) error {
		seenOp = p.Operation()
		return p.Approve(ctx)
	})
	p := newTestPending()
	require.NoError(t, d.Fire(context.Background(), p))
	assert.Equal(t, "test_op", seenOp)
}

func TestDispatcher_AutoApprovesWhenNeitherHandlerNorDefaultRegistered(t *testing.T) {
	d := NewDispatcher()
	p := newTestPending()
	require.NoError(t, d.Fire(context.Background(), p))
	assert.Equal(t, StatusApproved, p.Status())
}

func TestDispatcher_RecursionGuardAutoApprovesNestedFire(t *testing.T) {
	d := NewDispatcher()
	inner := newTestPending()
	var innerErr error

	outer := newTestPending()
	d.On("test_op", func(ctx context.Context, p Pending) error {
		if p == outer {
			innerErr = d.Fire(ctx, inner)
			return p.Approve(ctx)
		}
		return errors.New("unexpected recursive dispatch target")
	})

	require.NoError(t, d.Fire(context.Background(), outer))
	require.NoError(t, innerErr)
	assert.Equal(t, StatusApproved, inner.Status())
	assert.Equal(t, StatusApproved, outer.Status())
}
