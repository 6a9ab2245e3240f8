package usage

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	encMu    sync.RWMutex
	encCache = make(map[string]*tiktoken.Tiktoken)
)

// encodingFor returns the tokenizer for model, falling back to cl100k_base
// for models tiktoken does not know. Encodings are cached; initialization
// is expensive.
func encodingFor(model string) (*tiktoken.Tiktoken, error) {
	encMu.RLock()
	cached, ok := encCache[model]
	encMu.RUnlock()
	if ok {
		return cached, nil
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, err
		}
	}

	encMu.Lock()
	encCache[model] = enc
	encMu.Unlock()
	return enc, nil
}

// CountTokens counts the tokens of text under model's encoding. When no
// tokenizer can be loaded it estimates at four characters per token, never
// below one for non-empty text.
func CountTokens(model, text string) int {
	if text == "" {
		return 0
	}
	enc, err := encodingFor(model)
	if err != nil {
		return roughEstimate(text)
	}
	return len(enc.Encode(text, nil, nil))
}

// EstimateTokens counts text without a specific model, used when providers
// do not report usage.
func EstimateTokens(text string) int {
	return CountTokens("", text)
}

func roughEstimate(text string) int {
	n := len(text) / 4
	if n < 1 {
		n = 1
	}
	return n
}
