// Package content implements Tract's content-type union: the tagged
// payload shapes a commit can carry (instruction, dialogue, tool_io,
// reasoning, artifact, output, freeform), their default priorities and
// roles, text extraction for token counting, and JSON-Schema validation
// against both the built-in union and a per-tract custom type registry.
package content

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Type is the content_type discriminant.
type Type string

const (
	Instruction Type = "instruction"
	Dialogue    Type = "dialogue"
	ToolIO      Type = "tool_io"
	Reasoning   Type = "reasoning"
	Artifact    Type = "artifact"
	Output      Type = "output"
	Freeform    Type = "freeform"
)

// Priority is a commit's effective preservation priority. Ordered low to
// high as written: a commit annotated SKIP is dropped from compiled
// output; PINNED always survives compression and compile-time filtering.
type Priority int

const (
	SKIP Priority = iota
	NORMAL
	IMPORTANT
	PINNED
)

func (p Priority) String() string {
	switch p {
	case SKIP:
		return "SKIP"
	case NORMAL:
		return "NORMAL"
	case IMPORTANT:
		return "IMPORTANT"
	case PINNED:
		return "PINNED"
	default:
		return fmt.Sprintf("Priority(%d)", int(p))
	}
}

// ParsePriority parses the string form produced by Priority.String.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "SKIP":
		return SKIP, nil
	case "NORMAL":
		return NORMAL, nil
	case "IMPORTANT":
		return IMPORTANT, nil
	case "PINNED":
		return PINNED, nil
	default:
		return NORMAL, fmt.Errorf("content: unknown priority %q", s)
	}
}

// MatchMode selects how RetentionCriteria.MatchPatterns are checked against
// a compression draft.
type MatchMode string

const (
	MatchSubstring MatchMode = "substring"
	MatchRegex     MatchMode = "regex"
)

// RetentionCriteria is attached to an IMPORTANT annotation (optional) and
// consumed by compress(): Instructions are mined into the LLM prompt as
// free-text guidance, MatchPatterns are checked deterministically against
// the resulting summary.
type RetentionCriteria struct {
	Instructions  []string  `json:"instructions,omitempty"`
	MatchPatterns []string  `json:"match_patterns,omitempty"`
	MatchMode     MatchMode `json:"match_mode,omitempty"`
}

// DefaultPriority returns the content-type default used when a commit has
// no annotation row at all.
func DefaultPriority(t Type) Priority {
	if t == Instruction {
		return PINNED
	}
	return NORMAL
}

// DefaultRole returns the compile-time role for content types whose role is
// not self-describing. Dialogue carries its own role field and is handled
// separately by the caller.
func DefaultRole(t Type) string {
	switch t {
	case Instruction:
		return "system"
	case ToolIO:
		return "tool"
	default:
		return "assistant"
	}
}

// ExtractText extracts the text Tract counts tokens against and (by
// default) renders into a compiled message: the payload's "text" field if
// present and a string, else "content" if present and a string, else the
// payload's own canonical JSON.
func ExtractText(payload map[string]any) (string, error) {
	if v, ok := payload["text"]; ok {
		if s, ok := v.(string); ok {
			return s, nil
		}
	}
	if v, ok := payload["content"]; ok {
		if s, ok := v.(string); ok {
			return s, nil
		}
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("content: canonicalize payload for text extraction: %w", err)
	}
	return string(b), nil
}

// builtinSchemas holds the literal JSON Schema for each built-in Type,
// compiled lazily and cached by Registry.
var builtinSchemas = map[Type]string{
	Instruction: `{
		"type": "object",
		"properties": { "text": { "type": "string" } },
		"required": ["text"]
	}`,
	Dialogue: `{
		"type": "object",
		"properties": {
			"role": { "type": "string", "enum": ["user", "assistant", "system", "tool"] },
			"text": { "type": "string" },
			"name": { "type": "string" }
		},
		"required": ["role", "text"]
	}`,
	ToolIO: `{
		"type": "object",
		"properties": {
			"tool_name": { "type": "string" },
			"direction": { "type": "string", "enum": ["call", "result"] },
			"payload": {},
			"status": { "type": "string" }
		},
		"required": ["tool_name", "direction", "payload"]
	}`,
	Reasoning: `{
		"type": "object",
		"properties": { "text": { "type": "string" } },
		"required": ["text"]
	}`,
	Artifact: `{
		"type": "object",
		"properties": {
			"artifact_type": { "type": "string" },
			"content": { "type": "string" },
			"language": { "type": "string" }
		},
		"required": ["artifact_type", "content"]
	}`,
	Output: `{
		"type": "object",
		"properties": {
			"text": { "type": "string" },
			"format": { "type": "string", "enum": ["text", "markdown", "json"] }
		},
		"required": ["text", "format"]
	}`,
	Freeform: `{
		"type": "object"
	}`,
}

// Registry validates commit payloads against the built-in content-type
// union, consulting a per-tract custom type registry first: a registered
// custom type of the same name shadows the built-in schema.
type Registry struct {
	mu      sync.Mutex
	custom  map[string]string // type name -> raw schema JSON, as configured
	schemas map[string]*jsonschema.Schema
}

// NewRegistry returns a Registry with no custom types registered.
func NewRegistry() *Registry {
	return &Registry{
		custom:  make(map[string]string),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// RegisterCustomType adds or replaces a custom content type's JSON Schema
// (as configured via Config.custom_type_registry). It takes effect for
// subsequent Validate calls; already-cached compiled schemas for this name
// are invalidated.
func (r *Registry) RegisterCustomType(name string, schemaJSON string) error {
	var probe any
	if err := json.Unmarshal([]byte(schemaJSON), &probe); err != nil {
		return fmt.Errorf("content: custom type %q has invalid schema JSON: %w", name, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.custom[name] = schemaJSON
	delete(r.schemas, name)
	return nil
}

func (r *Registry) compiledSchema(name string) (*jsonschema.Schema, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if schema, ok := r.schemas[name]; ok {
		return schema, nil
	}

	raw, ok := r.custom[name]
	if !ok {
		raw, ok = builtinSchemas[Type(name)]
		if !ok {
			return nil, fmt.Errorf("content: unknown content type %q (not built-in and not in the custom type registry)", name)
		}
	}

	schema, err := compileSchema(raw, "https://tract.invalid/schemas/"+name+".json")
	if err != nil {
		return nil, err
	}
	r.schemas[name] = schema
	return schema, nil
}

// compileSchema compiles a JSON Schema document, following the teacher's
// parse-then-AddResource-then-Compile usage of santhosh-tekuri/jsonschema/v6.
func compileSchema(schemaJSON, schemaURL string) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()

	var schemaDoc any
	if err := json.Unmarshal([]byte(schemaJSON), &schemaDoc); err != nil {
		return nil, fmt.Errorf("content: parse schema JSON: %w", err)
	}
	if err := compiler.AddResource(schemaURL, schemaDoc); err != nil {
		return nil, fmt.Errorf("content: add schema resource: %w", err)
	}
	schema, err := compiler.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("content: compile schema: %w", err)
	}
	return schema, nil
}

// Validate checks payload against typeName's schema (custom registry first,
// then the built-in union), normalizing payload through a JSON round-trip
// first so Go-native types (e.g. a typed struct) validate the same way a
// decoded JSON document would.
func (r *Registry) Validate(typeName string, payload map[string]any) error {
	schema, err := r.compiledSchema(typeName)
	if err != nil {
		return err
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("content: marshal payload: %w", err)
	}
	var normalized any
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return fmt.Errorf("content: unmarshal payload: %w", err)
	}

	if err := schema.Validate(normalized); err != nil {
		return err
	}
	return nil
}
