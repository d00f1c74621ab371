package hooks

import (
	"context"
	"fmt"
	"reflect"

	"github.com/WilliamJin123/tract/pkg/capability"
)

type editResultArgs struct {
	Text string `json:"text" jsonschema:"replacement tool output text"`
}

type summarizeResultArgs struct {
	Instructions   string `json:"instructions,omitempty" jsonschema:"extra guidance for the summarization call"`
	IncludeContext bool   `json:"include_context,omitempty" jsonschema:"include the surrounding conversation as additional context for the summary"`
}

// PendingToolResult reifies an intercepted tool-call output before it is
// committed as a tool_io commit (spec.md §4.7): the host can approve it
// through unchanged, edit it, or ask an LLM to summarize it (e.g. to keep
// an oversized tool result from blowing the token budget).
type PendingToolResult struct {
	base
	toolName        string
	content         string
	originalContent string
	tokenCount      int
	isError         bool
	counter         capability.TokenCounter
	llm             capability.LlmClient
}

// NewPendingToolResult wraps one tool call's raw output for review before
// it is folded into a commit.
func NewPendingToolResult(toolName, content string, tokenCount int, isError bool, counter capability.TokenCounter, llm capability.LlmClient) *PendingToolResult {
	p := &PendingToolResult{
		base: newBase("tool_result"), toolName: toolName, content: content, originalContent: content,
		tokenCount: tokenCount, isError: isError, counter: counter, llm: llm,
	}
	p.toDictFn = p.toDict
	p.bindDefaults()

	p.register("edit_result", reflect.TypeOf(editResultArgs{}), "replace the tool output text outright", func(ctx context.Context, args map[string]any) (any, error) {
		return nil, p.EditResult(stringArg(args, "text"))
	})
	p.register("summarize", reflect.TypeOf(summarizeResultArgs{}), "replace the tool output with an LLM-produced summary", func(ctx context.Context, args map[string]any) (any, error) {
		return nil, p.Summarize(ctx, stringArg(args, "instructions"), boolArg(args, "include_context"))
	})
	return p
}

// Content returns the current (possibly edited or summarized) output text.
func (p *PendingToolResult) Content() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.content
}

// TokenCount returns the token count last computed for Content().
func (p *PendingToolResult) TokenCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tokenCount
}

// EditResult replaces the tool output text outright, preserving
// originalContent so a caller can always recover what the tool actually
// returned.
func (p *PendingToolResult) EditResult(text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.requirePendingLocked(); err != nil {
		return err
	}
	p.content = text
	n, err := p.counter.CountText(text)
	if err != nil {
		return err
	}
	p.tokenCount = n
	return nil
}

// Summarize replaces the tool output with an LLM-produced summary.
// include_context adds one sentence to the prompt saying the output is
// part of an ongoing conversation; no conversation messages are sent
// either way.
func (p *PendingToolResult) Summarize(ctx context.Context, instructions string, includeContext bool) error {
	p.mu.Lock()
	if err := p.requirePendingLocked(); err != nil {
		p.mu.Unlock()
		return err
	}
	toolName, original := p.toolName, p.originalContent
	p.mu.Unlock()

	if p.llm == nil {
		return fmt.Errorf("hooks: no LLM client configured, cannot summarize")
	}

	prompt := fmt.Sprintf("Summarize the output of tool %q concisely, preserving any values a later step may need to reference:\n\n%s", toolName, original)
	if instructions != "" {
		prompt += "\n\nAdditional instruction: " + instructions
	}
	if includeContext {
		prompt += "\n\n(This tool's output is part of an ongoing conversation; prefer a summary useful out of that context.)"
	}

	resp, err := p.llm.Chat(ctx, capability.ChatRequest{Messages: []capability.Message{{Role: "user", Content: prompt}}})
	if err != nil {
		return err
	}
	return p.EditResult(resp.Content)
}

func (p *PendingToolResult) toDict() map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dict(map[string]any{
		"tool_name":        p.toolName,
		"content":          p.content,
		"token_count":      p.tokenCount,
		"is_error":         p.isError,
		"original_content": p.originalContent,
	})
}
