// Package tract is Tract's public facade: the single entry point that
// binds storage, the DAG, the content registry, the commit engine, the
// context compiler, the compile cache, the history-rewriting operators,
// and the hook/Pending dispatcher into one object per opened tract
// (spec.md §2's component graph, §6's Configuration table).
package tract

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"

	"github.com/WilliamJin123/tract/internal/commitengine"
	"github.com/WilliamJin123/tract/internal/history"
	"github.com/WilliamJin123/tract/pkg/capability"
	"github.com/WilliamJin123/tract/pkg/logger"
)

var log = logger.New("tract:facade")

// LLMParams are default sampling parameters applied to an operation's chat
// calls (Config.default_config / operation_configs).
type LLMParams struct {
	Model       string         `yaml:"model,omitempty"`
	Temperature *float64       `yaml:"temperature,omitempty"`
	MaxTokens   *int           `yaml:"max_tokens,omitempty"`
	Extra       map[string]any `yaml:"extra,omitempty"`
}

// TokenBudgetOptions mirrors spec.md §6's `token_budget` option. Callback is
// programmatic only (YAML cannot express a function) — it fires in
// addition to, not instead of, the facade's own PendingPolicy wiring around
// BudgetCallback-mode commits (see Tract.fireBudgetPolicy in tract.go).
type TokenBudgetOptions struct {
	MaxTokens int                       `yaml:"max_tokens"`
	Action    commitengine.BudgetAction `yaml:"action"`
	Callback  func(current, max int)    `yaml:"-"`
}

// AutoSummarizeOptions mirrors Config.auto_summarize's union type
// (`false | true | model_name | LLMConfig`): Enabled false disables it
// entirely; a non-empty Model selects a specific model; Params carries the
// rest of an LLMConfig when the caller supplied one.
type AutoSummarizeOptions struct {
	Enabled bool      `yaml:"enabled"`
	Model   string    `yaml:"model,omitempty"`
	Params  LLMParams `yaml:"params,omitempty"`
}

// Config configures a single tract (spec.md §6). Fields that hold live
// capabilities (LlmClient, OperationClients, Resolver) are programmatic —
// set them after LoadConfig/ParseConfig populates the YAML-serializable
// fields, or construct Config directly in code.
type Config struct {
	Path              string `yaml:"path"`
	TractID           string `yaml:"tract_id"`
	TokenizerEncoding string `yaml:"tokenizer_encoding"`

	TokenBudget *TokenBudgetOptions `yaml:"token_budget,omitempty"`

	CompileCacheSize       int  `yaml:"compile_cache_size"`
	IncludeEditAnnotations bool `yaml:"include_edit_annotations"`
	MaxCompressionRetries  int  `yaml:"max_compression_retries"`

	OrphanRetentionDays  *int `yaml:"orphan_retention_days,omitempty"`
	ArchiveRetentionDays *int `yaml:"archive_retention_days,omitempty"`

	AutoSummarize AutoSummarizeOptions `yaml:"auto_summarize,omitempty"`

	OperationConfigs map[string]LLMParams `yaml:"operation_configs,omitempty"`
	DefaultConfig    LLMParams            `yaml:"default_config,omitempty"`

	CustomTypeRegistry map[string]string `yaml:"custom_type_registry,omitempty"`

	// Counter, LlmClient, and OperationClients are capabilities (§6): the
	// token counter, the default chat client, and per-operation overrides
	// for "chat", "merge", "compress", "orchestrate", "summarize". None of
	// these can come from YAML; callers set them directly before Open.
	Counter          capability.TokenCounter         `yaml:"-"`
	LlmClient        capability.LlmClient            `yaml:"-"`
	OperationClients map[string]capability.LlmClient `yaml:"-"`
	MergeResolver    capability.LlmResolver          `yaml:"-"`
}

// LoadConfig reads and parses a YAML config file at path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tract: read config %s: %w", path, err)
	}
	return ParseConfig(data)
}

// ParseConfig parses a YAML document into a Config, leaving capability
// fields unset for the caller to fill in.
func ParseConfig(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("tract: parse config: %w", err)
	}
	return cfg, nil
}

// retentionDays converts an optional day count into a history.RetentionDays
// pointer (nil itself means "use the package default").
func retentionDays(days *int) *history.RetentionDays {
	if days == nil {
		return nil
	}
	if *days < 0 {
		return &history.RetentionDays{Never: true}
	}
	return &history.RetentionDays{Days: *days}
}
