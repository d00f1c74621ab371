// Package hooks implements Tract's hook/Pending protocol (spec.md §4.7):
// every operation that may run long, destroy information, or benefit from
// human review is reified as a Pending value with a whitelisted
// approve/reject/edit/retry/validate action surface, instead of running to
// completion unattended. A Dispatcher decides, per operation, whether to
// hand the caller the Pending directly, route it to a registered handler,
// or fall through to the operation's own default handling.
package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/google/uuid"

	"github.com/WilliamJin123/tract/pkg/capability"
	"github.com/WilliamJin123/tract/pkg/logger"
)

var log = logger.New("tract:hooks")

// Status is a Pending's lifecycle state.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// ErrNotPending is returned by any mutating Pending action once status has
// left StatusPending.
var ErrNotPending = errors.New("hooks: pending operation is no longer pending")

// ErrActionNotWhitelisted is returned by ApplyDecision/ExecuteTool for any
// action name outside a Pending's own whitelist.
var ErrActionNotWhitelisted = errors.New("hooks: action is not whitelisted for this pending operation")

// ValidationResult is validate()'s outcome, shared by every Pending
// subtype that implements Validator.
type ValidationResult struct {
	Passed    bool
	Diagnosis string
	Index     int // meaningful only for per-group validators, e.g. PendingCompress
}

// HookRejection is what AutoRetry returns when validation never succeeds
// within its retry budget.
type HookRejection struct {
	Reason          string
	RejectionSource string // "validation" | "handler"
	Metadata        map[string]any
}

func (r *HookRejection) Error() string {
	return fmt.Sprintf("hook rejected (%s): %s", r.RejectionSource, r.Reason)
}

// Pending is the common shape every PendingX implements (spec.md §4.7).
type Pending interface {
	Operation() string
	PendingID() string
	Status() Status
	Approve(ctx context.Context) error
	Reject(ctx context.Context, reason string) error
	ToDict() map[string]any
	ToTools() ([]capability.ToolDefinition, error)
	DescribeAPI() string
	ApplyDecision(ctx context.Context, decision Decision) (any, error)
	ExecuteTool(ctx context.Context, name string, args map[string]any) (any, error)
}

// Validator is implemented by any Pending that supports validate().
type Validator interface {
	Validate(ctx context.Context) (*ValidationResult, error)
}

// Retrier is implemented by any Pending that supports retry(guidance).
// failedIndex carries ValidationResult.Index through for per-group
// validators like PendingCompress; subtypes without a group concept ignore it.
type Retrier interface {
	RetryWithGuidance(ctx context.Context, diagnosis string, failedIndex int) error
}

// Decision is ApplyDecision's input: an action name plus its arguments,
// mirroring spec.md §4.7's `apply_decision({ action, args })`.
type Decision struct {
	Action string
	Args   map[string]any
}

type rejectArgs struct {
	Reason string `json:"reason,omitempty" jsonschema:"why this pending operation is being rejected"`
}

// emptyArgsType backs to_tools()'s schema for actions that take no
// arguments (e.g. approve, validate), generated through the same
// jsonschema.ForType path as every other action rather than a hand-built
// literal.
var emptyArgsType = reflect.TypeOf(struct{}{})

// action is one whitelisted, callable operation on a Pending value.
// argsType, when non-nil, drives to_tools()'s JSON-Schema generation for
// that action's parameters.
type action struct {
	fn       func(ctx context.Context, args map[string]any) (any, error)
	argsType reflect.Type
	describe string
}

// base implements the fields, status machinery, and generic
// introspection/dispatch every Pending subtype shares. Concrete types embed
// it and register their own actions (plus approveFn/rejectFn/toDictFn) in
// their constructor, after the concrete value already has a stable address
// — registering against a not-yet-embedded base value would bind closures
// to a copy that is discarded once embedding happens.
type base struct {
	mu           sync.Mutex
	operation    string
	pendingID    string
	createdAt    time.Time
	triggeredBy  string
	rejectReason string
	status       Status
	actions      map[string]action

	approveFn func(ctx context.Context) error
	rejectFn  func(ctx context.Context, reason string) error
	toDictFn  func() map[string]any
}

func newBase(operation string) base {
	return base{
		operation: operation,
		pendingID: uuid.NewString(),
		createdAt: time.Now().UTC(),
		status:    StatusPending,
		actions:   map[string]action{},
	}
}

// bindDefaults wires the base "approve"/"reject" actions and must be called
// once the concrete Pending has its final address (typically the first
// line of NewPendingX, right after approveFn/rejectFn/toDictFn are set).
func (b *base) bindDefaults() {
	b.register("approve", nil, "approve and apply this pending operation", func(ctx context.Context, _ map[string]any) (any, error) {
		return nil, b.Approve(ctx)
	})
	b.register("reject", reflect.TypeOf(rejectArgs{}), "reject this pending operation without applying it", func(ctx context.Context, args map[string]any) (any, error) {
		reason, _ := args["reason"].(string)
		return nil, b.Reject(ctx, reason)
	})
}

func (b *base) register(name string, argsType reflect.Type, describe string, fn func(ctx context.Context, args map[string]any) (any, error)) {
	b.actions[name] = action{fn: fn, argsType: argsType, describe: describe}
}

func (b *base) Operation() string { return b.operation }
func (b *base) PendingID() string { return b.pendingID }

func (b *base) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

func (b *base) requirePendingLocked() error {
	if b.status != StatusPending {
		return ErrNotPending
	}
	return nil
}

// Approve runs approveFn (set by the concrete constructor) and, on success,
// transitions status to StatusApproved. approveFn is responsible for the
// actual side effect (committing a compress draft, finalizing a merge, …).
func (b *base) Approve(ctx context.Context) error {
	b.mu.Lock()
	if err := b.requirePendingLocked(); err != nil {
		b.mu.Unlock()
		return err
	}
	b.mu.Unlock()

	if b.approveFn != nil {
		if err := b.approveFn(ctx); err != nil {
			return err
		}
	}

	b.mu.Lock()
	b.status = StatusApproved
	b.mu.Unlock()
	return nil
}

// Reject marks this pending operation rejected without applying it. A
// rejectFn is optional; most subtypes have nothing to undo since nothing
// was mutated while pending.
func (b *base) Reject(ctx context.Context, reason string) error {
	b.mu.Lock()
	if err := b.requirePendingLocked(); err != nil {
		b.mu.Unlock()
		return err
	}
	b.status = StatusRejected
	b.rejectReason = reason
	b.mu.Unlock()

	if b.rejectFn != nil {
		return b.rejectFn(ctx, reason)
	}
	return nil
}

// dict returns the common Pending fields merged with extra, the concrete
// subtype's own fields (summaries, conflicts, …).
func (b *base) dict(extra map[string]any) map[string]any {
	b.mu.Lock()
	out := map[string]any{
		"operation":        b.operation,
		"pending_id":       b.pendingID,
		"created_at":       b.createdAt,
		"status":           string(b.status),
		"triggered_by":     b.triggeredBy,
		"rejection_reason": b.rejectReason,
	}
	b.mu.Unlock()
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func (b *base) ToDict() map[string]any {
	if b.toDictFn != nil {
		return b.toDictFn()
	}
	return b.dict(nil)
}

// ToTools emits one JSON-Schema tool definition per whitelisted action,
// named "<operation>.<action>", for an agent loop to discover and invoke
// (spec.md §4.7's `to_tools()`).
func (b *base) ToTools() ([]capability.ToolDefinition, error) {
	b.mu.Lock()
	names := make([]string, 0, len(b.actions))
	for name := range b.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	b.mu.Unlock()

	defs := make([]capability.ToolDefinition, 0, len(names))
	for _, name := range names {
		b.mu.Lock()
		act := b.actions[name]
		b.mu.Unlock()

		argsType := act.argsType
		if argsType == nil {
			argsType = emptyArgsType
		}
		schema, err := jsonschema.ForType(argsType, &jsonschema.ForOptions{})
		if err != nil {
			return nil, fmt.Errorf("hooks: generate schema for %s.%s: %w", b.operation, name, err)
		}
		schemaJSON, err := json.Marshal(schema)
		if err != nil {
			return nil, fmt.Errorf("hooks: marshal schema for %s.%s: %w", b.operation, name, err)
		}
		defs = append(defs, capability.ToolDefinition{Name: b.operation + "." + name, SchemaJSON: schemaJSON})
	}
	return defs, nil
}

// DescribeAPI renders a short human-readable listing of every whitelisted
// action and its description, prefixed by this pending operation's status.
func (b *base) DescribeAPI() string {
	b.mu.Lock()
	names := make([]string, 0, len(b.actions))
	for name := range b.actions {
		names = append(names, name)
	}
	operation, status := b.operation, b.status
	sort.Strings(names)
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s (%s): ", operation, status)
	for i, name := range names {
		if i > 0 {
			sb.WriteString("; ")
		}
		fmt.Fprintf(&sb, "%s — %s", name, b.actions[name].describe)
	}
	b.mu.Unlock()
	return sb.String()
}

// ApplyDecision and ExecuteTool both dispatch through the same whitelist;
// apply_decision takes the {action, args} shape an orchestrator loop
// produces, execute_tool the (name, args) shape an MCP-style tool call
// produces. Neither accepts an action name starting with "_".
func (b *base) ApplyDecision(ctx context.Context, decision Decision) (any, error) {
	return b.ExecuteTool(ctx, decision.Action, decision.Args)
}

func (b *base) ExecuteTool(ctx context.Context, name string, args map[string]any) (any, error) {
	if strings.HasPrefix(name, "_") {
		return nil, fmt.Errorf("%w: %q", ErrActionNotWhitelisted, name)
	}
	b.mu.Lock()
	act, ok := b.actions[name]
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrActionNotWhitelisted, name)
	}
	return act.fn(ctx, args)
}

// AutoRetry implements spec.md §4.7's auto_retry helper: validate, and on
// failure call retry(guidance=diagnosis) then validate again, up to
// maxRetries times. Success approves p; exhaustion returns a HookRejection
// and leaves p pending for the caller to reject or resolve by hand.
func AutoRetry(ctx context.Context, p Pending, maxRetries int) error {
	v, ok := p.(Validator)
	if !ok {
		return fmt.Errorf("hooks: %s does not support validate()", p.Operation())
	}
	r, hasRetry := p.(Retrier)

	var lastDiagnosis string
	var lastIndex int
	for attempt := 0; attempt <= maxRetries; attempt++ {
		result, err := v.Validate(ctx)
		if err != nil {
			return err
		}
		if result.Passed {
			return p.Approve(ctx)
		}
		lastDiagnosis, lastIndex = result.Diagnosis, result.Index
		if attempt >= maxRetries || !hasRetry {
			break
		}
		if err := r.RetryWithGuidance(ctx, result.Diagnosis, result.Index); err != nil {
			return err
		}
	}
	return &HookRejection{
		Reason:          lastDiagnosis,
		RejectionSource: "validation",
		Metadata:        map[string]any{"operation": p.Operation(), "pending_id": p.PendingID(), "index": lastIndex},
	}
}

// Handler decides the fate of a Pending operation by driving its
// whitelisted actions (typically ending in Approve or Reject).
type Handler func(ctx context.Context, p Pending) error

// Dispatcher implements the three-tier dispatch (spec.md §4.7). Tier 1
// (review=true returns the Pending directly) happens before a caller ever
// reaches Fire; Fire implements tier 2 (a registered handler, specific or
// "*" wildcard) falling through to tier 3 (the operation's default).
type Dispatcher struct {
	mu       sync.Mutex
	handlers map[string]Handler
	defaults map[string]Handler
	firing   bool // recursion guard: true while a handler/default is running
}

// NewDispatcher returns an empty Dispatcher; register defaults for every
// hookable operation before Fire is ever called, since an operation with
// neither a handler nor a default falls back to auto-approve.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: map[string]Handler{}, defaults: map[string]Handler{}}
}

// On registers handler for operation, or for every operation not otherwise
// handled when operation is "*". A specific handler always takes
// precedence over "*".
func (d *Dispatcher) On(operation string, handler Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[operation] = handler
}

// Off removes a previously registered handler for operation.
func (d *Dispatcher) Off(operation string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.handlers, operation)
}

// SetDefault registers operation's tier-3 fallback, used when no handler
// (specific or wildcard) is registered for it.
func (d *Dispatcher) SetDefault(operation string, handler Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.defaults[operation] = handler
}

// Fire runs tiers 2 and 3 of the dispatch for p. Nested hookable operations
// triggered while a handler or default is already running are auto-approved
// instead of recursing into their own Fire call, so a handler that itself
// triggers gc or compress cannot deadlock or loop the dispatcher.
func (d *Dispatcher) Fire(ctx context.Context, p Pending) error {
	d.mu.Lock()
	if d.firing {
		d.mu.Unlock()
		log.Printf("auto-approving nested hookable operation %s (pending_id=%s) under recursion guard", p.Operation(), p.PendingID())
		return p.Approve(ctx)
	}

	handler, ok := d.handlers[p.Operation()]
	if !ok {
		handler, ok = d.handlers["*"]
	}
	var fallback Handler
	if !ok {
		fallback = d.defaults[p.Operation()]
	}
	d.firing = true
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.firing = false
		d.mu.Unlock()
	}()

	switch {
	case ok:
		return handler(ctx, p)
	case fallback != nil:
		return fallback(ctx, p)
	default:
		log.Printf("no handler or default registered for %s, auto-approving (pending_id=%s)", p.Operation(), p.PendingID())
		return p.Approve(ctx)
	}
}

// intArg extracts an int argument from a decision/tool-call args map,
// tolerating both a native int (built by Go callers) and a float64 (what
// encoding/json produces for a number decoded into map[string]any).
func intArg(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func boolArg(args map[string]any, key string) bool {
	b, _ := args[key].(bool)
	return b
}
