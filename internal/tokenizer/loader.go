package tokenizer

import (
	"crypto/sha1" //nolint:gosec // G505: matches tiktoken's cache key, not used for security
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// ErrOffline is returned when an offline run needs a merge table that is not
// in the cache directory.
var ErrOffline = errors.New("tokenizer asset not cached and offline mode is set")

// DefaultName is the tokenizer used when none is configured.
const DefaultName = tiktoken.MODEL_R50K_BASE

// Options select and locate a tokenizer.
type Options struct {
	Name     string // Encoding or model name
	CacheDir string // Directory holding <encoding>.tiktoken files
	Offline  bool   // Never fetch assets
}

// Resolve installs a cache-backed BPE loader and loads the named tokenizer.
func Resolve(opts Options) (*TikToken, error) {
	name := opts.Name
	if name == "" {
		name = DefaultName
	}
	installLoader(&cacheLoader{
		dir:      opts.CacheDir,
		offline:  opts.Offline,
		fallback: tiktoken.NewDefaultBpeLoader(),
	})
	if IsEncodingName(name) {
		return NewTikToken(name)
	}
	return NewTikTokenForModel(name)
}

var loaderMu sync.Mutex

func installLoader(l tiktoken.BpeLoader) {
	loaderMu.Lock()
	defer loaderMu.Unlock()
	tiktoken.SetBpeLoader(l)
}

// cacheLoader looks for a merge table in dir, by file name
// ("r50k_base.tiktoken") or by tiktoken's own cache key. It only falls back
// to fetching when not offline.
type cacheLoader struct {
	dir      string
	offline  bool
	fallback tiktoken.BpeLoader
}

func (l *cacheLoader) LoadTiktokenBpe(file string) (map[string]int, error) {
	if l.dir != "" {
		for _, candidate := range []string{
			filepath.Join(l.dir, path.Base(file)),
			filepath.Join(l.dir, fmt.Sprintf("%x", sha1.Sum([]byte(file)))), //nolint:gosec // G401: cache key
		} {
			//nolint:gosec // G304: candidate is inside the configured cache directory
			data, err := os.ReadFile(candidate)
			if err == nil {
				return ParseBPE(data)
			}
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("read %s: %w", candidate, err)
			}
		}
	}
	if l.offline {
		return nil, fmt.Errorf("%w: %s (cache dir %q)", ErrOffline, path.Base(file), l.dir)
	}
	return l.fallback.LoadTiktokenBpe(file)
}

// ParseBPE decodes a .tiktoken merge table: one "<base64 token> <rank>"
// pair per line.
func ParseBPE(data []byte) (map[string]int, error) {
	ranks := make(map[string]int)
	for n, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		tok, rank, ok := strings.Cut(line, " ")
		if !ok {
			return nil, fmt.Errorf("line %d: expected \"<token> <rank>\"", n+1)
		}
		token, err := base64.StdEncoding.DecodeString(tok)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", n+1, err)
		}
		r, err := strconv.Atoi(rank)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", n+1, err)
		}
		ranks[string(token)] = r
	}
	return ranks, nil
}
