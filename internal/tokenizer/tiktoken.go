package tokenizer

import (
	"fmt"
	"strings"

	"github.com/pkoukk/tiktoken-go"
)

// TikToken wraps a pkoukk/tiktoken-go encoding.
//
// Supported encodings:
//   - r50k_base: GPT-2 style BPE, shared by OPT and MPT language models
//   - p50k_base: GPT-3, Codex
//   - cl100k_base: GPT-4, GPT-3.5-turbo
//   - o200k_base: GPT-4o
type TikToken struct {
	encoding *tiktoken.Tiktoken
	name     string
	vocab    int
	eos      int32
}

type encodingInfo struct {
	vocab int
	eos   int32
}

var encodings = map[string]encodingInfo{
	tiktoken.MODEL_R50K_BASE:   {vocab: 50257, eos: 50256},
	tiktoken.MODEL_P50K_BASE:   {vocab: 50281, eos: 50256},
	tiktoken.MODEL_P50K_EDIT:   {vocab: 50281, eos: 50256},
	tiktoken.MODEL_CL100K_BASE: {vocab: 100277, eos: 100257},
	tiktoken.MODEL_O200K_BASE:  {vocab: 200019, eos: 199999},
}

// IsEncodingName reports whether name is a tiktoken encoding rather than a
// model name.
func IsEncodingName(name string) bool {
	_, ok := encodings[name]
	return ok
}

// NewTikToken loads the named encoding through the installed BPE loader.
func NewTikToken(encodingName string) (*TikToken, error) {
	encoding, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		return nil, fmt.Errorf("failed to load tiktoken encoding %q: %w", encodingName, err)
	}
	return newTikToken(encoding, encodingName, encodingName), nil
}

// NewTikTokenForModel loads the encoding used by a model, e.g. "gpt-4".
func NewTikTokenForModel(modelName string) (*TikToken, error) {
	encodingName, ok := tiktoken.MODEL_TO_ENCODING[modelName]
	if !ok {
		// Longest matching prefix wins.
		best := ""
		for prefix, enc := range tiktoken.MODEL_PREFIX_TO_ENCODING {
			if strings.HasPrefix(modelName, prefix) && len(prefix) > len(best) {
				best, encodingName, ok = prefix, enc, true
			}
		}
	}
	if !ok {
		return nil, fmt.Errorf("no tiktoken encoding for model %q", modelName)
	}
	encoding, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		return nil, fmt.Errorf("failed to load tiktoken for model %q: %w", modelName, err)
	}
	return newTikToken(encoding, modelName, encodingName), nil
}

func newTikToken(encoding *tiktoken.Tiktoken, name, encodingName string) *TikToken {
	info, ok := encodings[encodingName]
	if !ok {
		info = encodingInfo{vocab: 100000, eos: -1}
	}
	return &TikToken{encoding: encoding, name: name, vocab: info.vocab, eos: info.eos}
}

// Encode converts text to token IDs. Special tokens in text are encoded as
// ordinary text.
func (t *TikToken) Encode(text string) ([]int32, error) {
	tokens := t.encoding.EncodeOrdinary(text)
	result := make([]int32, len(tokens))
	for i, tok := range tokens {
		result[i] = int32(tok) //nolint:gosec // G115: Token ID fits in int32 - vocab size < 2^31.
	}
	return result, nil
}

// Decode converts token IDs back to text.
func (t *TikToken) Decode(tokens []int32) (string, error) {
	intTokens := make([]int, len(tokens))
	for i, tok := range tokens {
		intTokens[i] = int(tok)
	}
	return t.encoding.Decode(intTokens), nil
}

// VocabSize returns the vocabulary size including special tokens.
func (t *TikToken) VocabSize() int { return t.vocab }

// EosToken returns the <|endoftext|> ID.
func (t *TikToken) EosToken() int32 { return t.eos }

// PadToken returns -1; tiktoken defines no padding token.
func (t *TikToken) PadToken() int32 { return -1 }

// IsSpecialToken reports whether token is <|endoftext|>.
func (t *TikToken) IsSpecialToken(token int32) bool {
	return token == t.eos && t.eos >= 0
}

// Name returns the encoding or model name the tokenizer was loaded by.
func (t *TikToken) Name() string { return t.name }
