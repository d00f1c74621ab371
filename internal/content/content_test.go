package content

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPriority(t *testing.T) {
	assert.Equal(t, PINNED, DefaultPriority(Instruction))
	assert.Equal(t, NORMAL, DefaultPriority(Dialogue))
	assert.Equal(t, NORMAL, DefaultPriority(ToolIO))
}

func TestDefaultRole(t *testing.T) {
	assert.Equal(t, "system", DefaultRole(Instruction))
	assert.Equal(t, "tool", DefaultRole(ToolIO))
	assert.Equal(t, "assistant", DefaultRole(Output))
}

func TestExtractText_PrefersTextThenContentThenJSON(t *testing.T) {
	text, err := ExtractText(map[string]any{"text": "hi", "content": "ignored"})
	require.NoError(t, err)
	assert.Equal(t, "hi", text)

	text, err = ExtractText(map[string]any{"content": "hi there"})
	require.NoError(t, err)
	assert.Equal(t, "hi there", text)

	text, err = ExtractText(map[string]any{"payload": map[string]any{"a": 1}})
	require.NoError(t, err)
	assert.Contains(t, text, "payload")
}

func TestRegistry_ValidatesBuiltinDialogue(t *testing.T) {
	r := NewRegistry()

	err := r.Validate(string(Dialogue), map[string]any{"role": "user", "text": "hi"})
	assert.NoError(t, err)

	err = r.Validate(string(Dialogue), map[string]any{"role": "not-a-role", "text": "hi"})
	assert.Error(t, err)

	err = r.Validate(string(Dialogue), map[string]any{"text": "hi"})
	assert.Error(t, err, "missing required role must fail")
}

func TestRegistry_ValidatesBuiltinInstruction(t *testing.T) {
	r := NewRegistry()
	assert.NoError(t, r.Validate(string(Instruction), map[string]any{"text": "be helpful"}))
	assert.Error(t, r.Validate(string(Instruction), map[string]any{}))
}

func TestRegistry_CustomTypeShadowsBuiltin(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterCustomType("dialogue", `{
		"type": "object",
		"properties": { "text": { "type": "string" } },
		"required": ["text"]
	}`))

	// Custom schema no longer requires "role".
	assert.NoError(t, r.Validate("dialogue", map[string]any{"text": "hi"}))
}

func TestRegistry_CustomTypeEntirelyNew(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterCustomType("vote", `{
		"type": "object",
		"properties": { "choice": { "type": "string", "enum": ["yes", "no"] } },
		"required": ["choice"]
	}`))

	assert.NoError(t, r.Validate("vote", map[string]any{"choice": "yes"}))
	assert.Error(t, r.Validate("vote", map[string]any{"choice": "maybe"}))
}

func TestRegistry_UnknownTypeErrors(t *testing.T) {
	r := NewRegistry()
	err := r.Validate("no-such-type", map[string]any{})
	assert.Error(t, err)
}

func TestPriority_RoundTrip(t *testing.T) {
	for _, p := range []Priority{SKIP, NORMAL, IMPORTANT, PINNED} {
		parsed, err := ParsePriority(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, parsed)
	}
}

func TestPriority_Ordering(t *testing.T) {
	assert.True(t, SKIP < NORMAL)
	assert.True(t, NORMAL < IMPORTANT)
	assert.True(t, IMPORTANT < PINNED)
}
