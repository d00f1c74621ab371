package hooks

import (
	"context"
	"reflect"

	"github.com/WilliamJin123/tract/pkg/tracterr"
)

type setMaxTokensArgs struct {
	MaxTokens int `json:"max_tokens" jsonschema:"replacement token_budget.max_tokens, recorded in this policy's decision"`
}

// PolicyDecision is what a PendingPolicy's approve() settles on: either
// proceed with the operation that raised it, or abort with the original
// error.
type PolicyDecision struct {
	Proceed      bool
	NewMaxTokens int // >0 if set_max_tokens raised the budget before proceeding
}

// PendingPolicy reifies a WARN/CALLBACK-mode propagation-policy decision
// (spec.md §7 — "BudgetExceeded in WARN/CALLBACK modes: logged or
// delivered, then proceed"): rather than silently proceeding or silently
// raising, the host gets a chance to review the breach, optionally raise
// the budget, and then decide. approve() records a decision to proceed;
// reject() records a decision not to and returns nil. Acting on the
// decision, and on Cause(), is left to the caller that raised it.
type PendingPolicy struct {
	base
	cause    error // e.g. *tracterr.BudgetExceeded
	decision PolicyDecision
}

// NewPendingPolicy wraps cause (the error a REJECT-mode check would have
// raised) for review. kind names the policy check, e.g. "budget_exceeded".
func NewPendingPolicy(kind string, cause error) *PendingPolicy {
	p := &PendingPolicy{base: newBase(kind), cause: cause, decision: PolicyDecision{Proceed: true}}
	p.approveFn = p.doApprove
	p.rejectFn = p.doReject
	p.toDictFn = p.toDict
	p.bindDefaults()

	p.register("set_max_tokens", reflect.TypeOf(setMaxTokensArgs{}), "raise the token budget before proceeding", func(ctx context.Context, args map[string]any) (any, error) {
		return nil, p.SetMaxTokens(intArg(args, "max_tokens"))
	})
	return p
}

func (p *PendingPolicy) doApprove(ctx context.Context) error {
	p.mu.Lock()
	p.decision.Proceed = true
	p.mu.Unlock()
	return nil
}

func (p *PendingPolicy) doReject(ctx context.Context, reason string) error {
	p.mu.Lock()
	p.decision.Proceed = false
	p.mu.Unlock()
	return nil
}

// Decision returns the policy outcome once approve()/reject() has run; the
// caller that raised this PendingPolicy inspects it to decide whether to
// continue the original operation or surface cause.
func (p *PendingPolicy) Decision() PolicyDecision {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.decision
}

// Cause returns the underlying error this policy decision was raised for.
func (p *PendingPolicy) Cause() error {
	return p.cause
}

// SetMaxTokens raises the budget so the triggering operation can proceed
// without the same check failing immediately again; it does not itself
// approve.
func (p *PendingPolicy) SetMaxTokens(maxTokens int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.requirePendingLocked(); err != nil {
		return err
	}
	if maxTokens <= 0 {
		return &tracterr.TriggerConfig{Reason: "max_tokens must be positive"}
	}
	p.decision.NewMaxTokens = maxTokens
	return nil
}

func (p *PendingPolicy) toDict() map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.dict(map[string]any{"proceed": p.decision.Proceed, "new_max_tokens": p.decision.NewMaxTokens})
	if budgetErr, ok := p.cause.(*tracterr.BudgetExceeded); ok {
		out["current_tokens"] = budgetErr.CurrentTokens
		out["max_tokens"] = budgetErr.MaxTokens
	}
	return out
}
