package hooks

import (
	"context"
	"reflect"

	"github.com/WilliamJin123/tract/pkg/tracterr"
)

type editPayloadArgs struct {
	Payload map[string]any `json:"payload" jsonschema:"keys to merge into the trigger payload before it runs"`
}

// PendingTrigger reifies a custom hook registered against an arbitrary,
// non-builtin operation name (spec.md §4.7 — "PendingGC, PendingTrigger,
// PendingPolicy analogous"): a content-type extension or external
// orchestration step that wants review before its handler runs. approve
// invokes the handler with the (possibly edited) payload; a handler error
// surfaces as tracterr.TriggerExecution.
type PendingTrigger struct {
	base
	payload map[string]any
	execute func(ctx context.Context, payload map[string]any) (any, error)
	result  any
}

// NewPendingTrigger wraps payload for review before execute runs. operation
// names the registered hook (e.g. a custom_type_registry entry's on-commit
// trigger), not one of the builtin operations already covered by
// PendingCompress/PendingMerge/PendingGC/PendingToolResult.
func NewPendingTrigger(operation string, payload map[string]any, execute func(ctx context.Context, payload map[string]any) (any, error)) *PendingTrigger {
	p := &PendingTrigger{base: newBase(operation), payload: payload, execute: execute}
	p.approveFn = p.doApprove
	p.toDictFn = p.toDict
	p.bindDefaults()

	p.register("edit_payload", reflect.TypeOf(editPayloadArgs{}), "merge additional keys into the trigger payload", func(ctx context.Context, args map[string]any) (any, error) {
		raw, _ := args["payload"].(map[string]any)
		return nil, p.EditPayload(raw)
	})
	return p
}

func (p *PendingTrigger) doApprove(ctx context.Context) error {
	p.mu.Lock()
	payload := p.payload
	p.mu.Unlock()

	result, err := p.execute(ctx, payload)
	if err != nil {
		return &tracterr.TriggerExecution{Operation: p.operation, Reason: err.Error()}
	}
	p.mu.Lock()
	p.result = result
	p.mu.Unlock()
	return nil
}

// Result returns whatever execute() returned on a successful approve(), or
// nil before approval.
func (p *PendingTrigger) Result() any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result
}

// EditPayload merges updates into the pending payload before it executes.
func (p *PendingTrigger) EditPayload(updates map[string]any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.requirePendingLocked(); err != nil {
		return err
	}
	for k, v := range updates {
		p.payload[k] = v
	}
	return nil
}

func (p *PendingTrigger) toDict() map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dict(map[string]any{"payload": p.payload})
}
