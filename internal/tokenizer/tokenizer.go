package tokenizer

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"

	"github.com/vnmchuo/ensemble-gateway/internal/provider"
)

const DefaultEncoding = "cl100k_base"

// Encoding is a BPE tokenizer backed by tiktoken.
type Encoding struct {
	enc *tiktoken.Tiktoken
}

func (e *Encoding) Encode(text string) []int {
	return e.enc.Encode(text, nil, nil)
}

// Loader returns a function that resolves the model's own encoding when tiktoken knows
// the model and the named fallback encoding otherwise.
func Loader(fallbackEncoding string) func(modelID string) (*Encoding, error) {
	if fallbackEncoding == "" {
		fallbackEncoding = DefaultEncoding
	}
	return func(modelID string) (*Encoding, error) {
		if enc, err := tiktoken.EncodingForModel(modelID); err == nil {
			return &Encoding{enc: enc}, nil
		}
		enc, err := tiktoken.GetEncoding(fallbackEncoding)
		if err != nil {
			return nil, fmt.Errorf("failed to load tokenizer for %s: %w", modelID, err)
		}
		return &Encoding{enc: enc}, nil
	}
}

// NewLoader adapts Loader to the provider's token counter.
func NewLoader(fallbackEncoding string) provider.TokenizerLoader {
	load := Loader(fallbackEncoding)
	return func(modelID string) (provider.Tokenizer, error) {
		enc, err := load(modelID)
		if err != nil {
			return nil, err
		}
		return enc, nil
	}
}
