package router

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/kadirpekel/devicebroker/pkg/llmport"
)

// tokenBudgeter caps the constructed LLM prompt at maxTokens, grounded
// on pkg/utils/tokens.go's TokenCounter: encoding-per-model with a
// cl100k_base fallback, and a "fit from the end backwards" trimming
// strategy. The router's prompt is small (a handful of turns plus a
// candidate listing) so it trims candidates first, then oldest turns,
// rather than truncating mid-message.
type tokenBudgeter struct {
	mu        sync.Mutex
	encoding  *tiktoken.Tiktoken
	maxTokens int
}

var (
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	encodingMu    sync.RWMutex
)

func newTokenBudgeter(model string, maxTokens int) *tokenBudgeter {
	return &tokenBudgeter{encoding: encodingFor(model), maxTokens: maxTokens}
}

func encodingFor(model string) *tiktoken.Tiktoken {
	encodingMu.RLock()
	cached, ok := encodingCache[model]
	encodingMu.RUnlock()
	if ok {
		return cached
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil
		}
	}

	encodingMu.Lock()
	encodingCache[model] = enc
	encodingMu.Unlock()
	return enc
}

func (b *tokenBudgeter) count(text string) int {
	if b.encoding == nil {
		return len(text) / 4
	}
	return len(b.encoding.Encode(text, nil, nil))
}

// fit trims candidates from the tail of the listing first, then the
// oldest non-system message turn, until the rendered prompt — messages
// plus one summary line per remaining candidate — fits maxTokens.
// Candidates go first because a dropped candidate just narrows the
// model's choices, while a dropped turn loses conversational context.
func (b *tokenBudgeter) fit(messages []llmport.Message, candidates []llmport.Candidate) ([]llmport.Message, []llmport.Candidate) {
	b.mu.Lock()
	defer b.mu.Unlock()

	msgTokens := 0
	for _, m := range messages {
		msgTokens += b.count(m.Content) + 3
	}

	candTokens := make([]int, len(candidates))
	total := msgTokens
	for i, c := range candidates {
		candTokens[i] = b.count(fmt.Sprintf("%s %s %v", c.ID, c.Description, c.Keywords))
		total += candTokens[i]
	}

	trimmedCandidates := candidates
	for total > b.maxTokens && len(trimmedCandidates) > 0 {
		last := len(trimmedCandidates) - 1
		total -= candTokens[last]
		trimmedCandidates = trimmedCandidates[:last]
		candTokens = candTokens[:last]
	}

	trimmedMessages := messages
	for total > b.maxTokens && len(trimmedMessages) > 2 {
		total -= b.count(trimmedMessages[1].Content) + 3
		next := make([]llmport.Message, 0, len(trimmedMessages)-1)
		next = append(next, trimmedMessages[0])
		next = append(next, trimmedMessages[2:]...)
		trimmedMessages = next
	}

	return trimmedMessages, trimmedCandidates
}
