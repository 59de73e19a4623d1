package tokenizer

import (
	"sort"
	"strings"
)

// Media markers added on top of the base vocabulary.
const (
	ImageToken      = "<image>"
	EndOfChunkToken = "<|endofchunk|>"
	PadTokenText    = "<PAD>"
)

// MediaTokenizer is a base tokenizer plus the media markers, whose IDs
// follow the base vocabulary.
type MediaTokenizer struct {
	base   Tokenizer
	ids    map[string]int32
	texts  map[int32]string
	sorted []string // Longest first for greedy matching
}

// WithMediaTokens extends base with ImageToken, EndOfChunkToken and
// PadTokenText, in that order.
func WithMediaTokens(base Tokenizer) *MediaTokenizer {
	m := &MediaTokenizer{
		base:  base,
		ids:   make(map[string]int32),
		texts: make(map[int32]string),
	}
	for i, text := range []string{ImageToken, EndOfChunkToken, PadTokenText} {
		id := int32(base.VocabSize() + i) //nolint:gosec // G115: vocab size < 2^31
		m.ids[text] = id
		m.texts[id] = text
		m.sorted = append(m.sorted, text)
	}
	sort.Slice(m.sorted, func(i, j int) bool { return len(m.sorted[i]) > len(m.sorted[j]) })
	return m
}

// TokenID returns the ID of a media marker, or -1.
func (m *MediaTokenizer) TokenID(text string) int32 {
	if id, ok := m.ids[text]; ok {
		return id
	}
	return -1
}

// Encode splits text on media markers and encodes the remaining spans with
// the base tokenizer.
func (m *MediaTokenizer) Encode(text string) ([]int32, error) {
	var out []int32
	for len(text) > 0 {
		at, marker := m.nextMarker(text)
		if at < 0 {
			ids, err := m.base.Encode(text)
			if err != nil {
				return nil, err
			}
			return append(out, ids...), nil
		}
		if at > 0 {
			ids, err := m.base.Encode(text[:at])
			if err != nil {
				return nil, err
			}
			out = append(out, ids...)
		}
		out = append(out, m.ids[marker])
		text = text[at+len(marker):]
	}
	return out, nil
}

func (m *MediaTokenizer) nextMarker(text string) (int, string) {
	best, marker := -1, ""
	for _, s := range m.sorted {
		if i := strings.Index(text, s); i >= 0 && (best < 0 || i < best) {
			best, marker = i, s
		}
	}
	return best, marker
}

// Decode maps media IDs back to their markers and decodes the rest with the
// base tokenizer.
func (m *MediaTokenizer) Decode(tokens []int32) (string, error) {
	var sb strings.Builder
	start := 0
	flush := func(end int) error {
		if end <= start {
			return nil
		}
		s, err := m.base.Decode(tokens[start:end])
		if err != nil {
			return err
		}
		sb.WriteString(s)
		return nil
	}
	for i, tok := range tokens {
		if text, ok := m.texts[tok]; ok {
			if err := flush(i); err != nil {
				return "", err
			}
			sb.WriteString(text)
			start = i + 1
		}
	}
	if err := flush(len(tokens)); err != nil {
		return "", err
	}
	return sb.String(), nil
}

// VocabSize includes the media markers.
func (m *MediaTokenizer) VocabSize() int { return m.base.VocabSize() + len(m.ids) }

// EosToken returns the base end-of-sequence ID.
func (m *MediaTokenizer) EosToken() int32 { return m.base.EosToken() }

// PadToken returns the <PAD> ID.
func (m *MediaTokenizer) PadToken() int32 { return m.ids[PadTokenText] }

// IsSpecialToken reports base special tokens and media markers.
func (m *MediaTokenizer) IsSpecialToken(token int32) bool {
	if _, ok := m.texts[token]; ok {
		return true
	}
	return m.base.IsSpecialToken(token)
}

var _ Tokenizer = (*MediaTokenizer)(nil)
