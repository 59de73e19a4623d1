package tokenizer

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeTinyBPE writes a merge table holding every single byte plus the
// merges "he" and "ll".
func writeTinyBPE(t *testing.T, dir, encoding string) {
	t.Helper()
	var sb strings.Builder
	for b := 0; b < 256; b++ {
		fmt.Fprintf(&sb, "%s %d\n", base64.StdEncoding.EncodeToString([]byte{byte(b)}), b)
	}
	fmt.Fprintf(&sb, "%s 256\n", base64.StdEncoding.EncodeToString([]byte("he")))
	fmt.Fprintf(&sb, "%s 257\n", base64.StdEncoding.EncodeToString([]byte("ll")))
	require.NoError(t, os.WriteFile(filepath.Join(dir, encoding+".tiktoken"), []byte(sb.String()), 0o644))
}

func TestParseBPE(t *testing.T) {
	data := []byte("aGU= 5\n\nbGw= 6\n")
	ranks, err := ParseBPE(data)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"he": 5, "ll": 6}, ranks)

	for _, bad := range []string{"aGU=", "!!! 1", "aGU= x"} {
		_, err := ParseBPE([]byte(bad))
		assert.Error(t, err, bad)
	}
}

func TestResolveOfflineFromCache(t *testing.T) {
	dir := t.TempDir()
	writeTinyBPE(t, dir, "r50k_base")

	tok, err := Resolve(Options{Name: "r50k_base", CacheDir: dir, Offline: true})
	require.NoError(t, err)
	assert.Equal(t, "r50k_base", tok.Name())
	assert.Equal(t, 50257, tok.VocabSize())
	assert.Equal(t, int32(50256), tok.EosToken())
	assert.True(t, tok.IsSpecialToken(50256))
	assert.Equal(t, int32(-1), tok.PadToken())

	ids, err := tok.Encode("hello")
	require.NoError(t, err)
	assert.Equal(t, []int32{256, 257, 'o'}, ids)

	text, err := tok.Decode(ids)
	require.NoError(t, err)
	assert.Equal(t, "hello", text)
}

func TestResolveByModelName(t *testing.T) {
	dir := t.TempDir()
	writeTinyBPE(t, dir, "r50k_base")

	tok, err := Resolve(Options{Name: "text-davinci-001", CacheDir: dir, Offline: true})
	require.NoError(t, err)
	assert.Equal(t, "text-davinci-001", tok.Name())
	assert.Equal(t, 50257, tok.VocabSize())
}

func TestResolveOfflineMissingAsset(t *testing.T) {
	_, err := Resolve(Options{Name: "p50k_base", CacheDir: t.TempDir(), Offline: true})
	assert.ErrorIs(t, err, ErrOffline)
}

func TestResolveUnknownModel(t *testing.T) {
	_, err := Resolve(Options{Name: "not-a-model", Offline: true})
	assert.Error(t, err)
}

type charTokenizer struct{}

func (charTokenizer) Encode(text string) ([]int32, error) {
	out := make([]int32, 0, len(text))
	for _, b := range []byte(text) {
		out = append(out, int32(b))
	}
	return out, nil
}

func (charTokenizer) Decode(tokens []int32) (string, error) {
	b := make([]byte, len(tokens))
	for i, tok := range tokens {
		b[i] = byte(tok)
	}
	return string(b), nil
}

func (charTokenizer) VocabSize() int                { return 256 }
func (charTokenizer) EosToken() int32               { return 0 }
func (charTokenizer) PadToken() int32               { return -1 }
func (charTokenizer) IsSpecialToken(tok int32) bool { return tok == 0 }

func TestMediaTokens(t *testing.T) {
	m := WithMediaTokens(charTokenizer{})

	assert.Equal(t, int32(256), m.TokenID(ImageToken))
	assert.Equal(t, int32(257), m.TokenID(EndOfChunkToken))
	assert.Equal(t, int32(258), m.PadToken())
	assert.Equal(t, int32(-1), m.TokenID("<video>"))
	assert.Equal(t, 259, m.VocabSize())
	assert.True(t, m.IsSpecialToken(256))
	assert.True(t, m.IsSpecialToken(0))
	assert.False(t, m.IsSpecialToken('a'))

	text := "<image>ab<|endofchunk|><image>c"
	ids, err := m.Encode(text)
	require.NoError(t, err)
	assert.Equal(t, []int32{256, 'a', 'b', 257, 256, 'c'}, ids)

	back, err := m.Decode(ids)
	require.NoError(t, err)
	assert.Equal(t, text, back)
}

func TestMediaTokensPlainText(t *testing.T) {
	m := WithMediaTokens(charTokenizer{})
	ids, err := m.Encode("plain")
	require.NoError(t, err)
	assert.Len(t, ids, 5)

	empty, err := m.Encode("")
	require.NoError(t, err)
	assert.Empty(t, empty)
}
