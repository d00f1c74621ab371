// Package tokencount provides a capability.TokenCounter backed by a real
// BPE tokenizer, for callers that want Compile's TokenSource to read
// something more concrete than "computed".
package tokencount

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/WilliamJin123/tract/pkg/capability"
	"github.com/WilliamJin123/tract/pkg/constants"
)

// tokensPerMessage is the fixed per-message overhead tiktoken-based chat
// counting charges on top of the content's own token count (the "<|im_start|>
// role\n...\n<|im_end|>\n" wrapper OpenAI's chat models are trained on).
const tokensPerMessage = 4

// tokensPerName is the extra token charged when a message carries a Name.
const tokensPerName = 1

// Counter counts tokens with a tiktoken encoding, defaulting to cl100k_base
// (the encoding GPT-3.5/GPT-4 chat models use).
type Counter struct {
	encoding string

	mu  sync.Mutex
	enc *tiktoken.Tiktoken
}

// NewCounter returns a Counter for the named tiktoken encoding. An empty
// name defaults to "cl100k_base".
func NewCounter(encoding string) (*Counter, error) {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("tokencount: load encoding %q: %w", encoding, err)
	}
	return &Counter{encoding: encoding, enc: enc}, nil
}

// Encoding reports the tiktoken encoding name this Counter counts against,
// satisfying internal/compiler's optional encodingNamer interface so
// Compile's TokenSource reads "tiktoken:<enc>" instead of "computed".
func (c *Counter) Encoding() string { return c.encoding }

// CountText returns the number of tokens s encodes to.
func (c *Counter) CountText(s string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.enc.Encode(s, nil, nil)), nil
}

// CountMessages implements capability.TokenCounter, charging the
// per-message/per-name overhead tokensPerMessage/tokensPerName plus
// constants.ResponsePrimerTokens once for the whole request, matching the
// accounting convention internal/cache's incremental bookkeeping assumes.
func (c *Counter) CountMessages(messages []capability.Message) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := constants.ResponsePrimerTokens
	for _, m := range messages {
		total += tokensPerMessage
		total += len(c.enc.Encode(m.Role, nil, nil))
		total += len(c.enc.Encode(m.Content, nil, nil))
		if m.Name != "" {
			total += tokensPerName
			total += len(c.enc.Encode(m.Name, nil, nil))
		}
	}
	return total, nil
}
