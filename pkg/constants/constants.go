// Package constants holds small fixed values shared across the tract engine
// and its CLI, so a single source of truth backs both code and documentation.
package constants

// CLIExtensionPrefix is the prefix used in user-facing output to refer to the CLI.
const CLIExtensionPrefix = "tract"

// SchemaVersion is the value stored under the "schema_version" key in
// _trace_meta for every newly opened tract.
const SchemaVersion = "5"

// MinHashPrefixLength is the minimum number of hex characters a commit-hash
// prefix must have before ResolvePrefix will attempt to resolve it.
const MinHashPrefixLength = 4

// ResponsePrimerTokens is the fixed per-completion overhead every compiled
// message list is assumed to carry once it reaches the LLM (the OpenAI
// "reply priming" convention), added on top of the sum of per-message counts.
const ResponsePrimerTokens = 3

// DefaultCompileCacheSize is the default LRU capacity for CacheManager when
// a tract is opened without an explicit compile_cache_size option.
const DefaultCompileCacheSize = 128

// DefaultMaxCompressionRetries is the default number of times compression
// will retry a group against the LLM before raising RetryExhausted.
const DefaultMaxCompressionRetries = 3

// DefaultBranch is the branch HEAD points to for a newly created tract.
const DefaultBranch = "main"

// HeadRefName is the name of the special ref that tracks the current
// position, either symbolically (attached) or directly (detached).
const HeadRefName = "HEAD"

// BranchRefPrefix is prepended to a branch name to form its ref name.
const BranchRefPrefix = "refs/heads/"

// DefaultOrphanRetentionDays is how long an unreachable commit survives
// before gc() will remove it, when the caller does not override it.
const DefaultOrphanRetentionDays = 30

// DefaultArchiveRetentionDays is how long a compression's superseded source
// commits survive before gc() will remove them, when the caller does not
// override it.
const DefaultArchiveRetentionDays = 90
