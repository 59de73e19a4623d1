package synthetic

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/born-ml/borntrain/internal/config"
	"github.com/born-ml/borntrain/internal/seed"
	"github.com/born-ml/borntrain/internal/tokenizer"
	"github.com/born-ml/borntrain/internal/train"
)

// DefaultNumSamples is the per-run sample count when none is configured.
const DefaultNumSamples = 64

// Dataset is one rank's shard of tokenized samples.
//
// Image-text samples are a single "<image>caption<|endofchunk|>" chunk.
// Interleaved samples concatenate up to three chunks.
type Dataset struct {
	samples   [][]int32
	order     []int
	batchSize int
	resampled bool
	seed      int64
	rng       *seed.Stream
	epoch     int
}

var _ train.DatasetProvider = (*Dataset)(nil)

// SetEpoch reshuffles deterministically for epoch.
func (d *Dataset) SetEpoch(epoch int) {
	d.epoch = epoch
	d.rng.Reseed(uint64(d.seed + int64(epoch)))
	n := len(d.samples)
	if d.resampled {
		d.order = make([]int, n)
		for i := range d.order {
			d.order[i] = d.rng.IntN(n)
		}
		return
	}
	d.order = d.rng.Perm(n)
}

// Epoch returns the last epoch passed to SetEpoch.
func (d *Dataset) Epoch() int { return d.epoch }

// NumBatches implements train.DatasetProvider.
func (d *Dataset) NumBatches() int {
	return (len(d.samples) + d.batchSize - 1) / d.batchSize
}

// NumSamples returns the shard size.
func (d *Dataset) NumSamples() int { return len(d.samples) }

// Batch returns the token sequences of batch i in the current epoch order.
func (d *Dataset) Batch(i int) [][]int32 {
	if d.order == nil {
		d.SetEpoch(d.epoch)
	}
	start := i * d.batchSize
	if start >= len(d.order) {
		return nil
	}
	end := min(start+d.batchSize, len(d.order))
	out := make([][]int32, 0, end-start)
	for _, idx := range d.order[start:end] {
		out = append(out, d.samples[idx])
	}
	return out
}

// DatasetBuilder builds the dataset from the shard pattern, or from
// generated captions when no shards are configured.
type DatasetBuilder struct{}

var _ train.DatasetBuilder = DatasetBuilder{}

// Build implements train.DatasetBuilder.
func (DatasetBuilder) Build(ctx context.Context, env train.Env) (train.DatasetProvider, error) {
	cfg := env.Config
	captions, err := loadCaptions(ctx, cfg.Shards)
	if err != nil {
		return nil, err
	}
	if len(captions) == 0 {
		n := cfg.TrainNumSamples
		if n <= 0 {
			n = DefaultNumSamples
		}
		// Base seed, so every rank shards the same list.
		rng := seed.NewStream("captions")
		rng.Reseed(uint64(cfg.Seed))
		captions = generateCaptions(rng, n)
	} else if cfg.TrainNumSamples > 0 && cfg.TrainNumSamples < len(captions) {
		captions = captions[:cfg.TrainNumSamples]
	}

	// Round-robin shard by rank.
	var mine []string
	for i, c := range captions {
		if i%env.Identity.WorldSize == env.Identity.Rank {
			mine = append(mine, c)
		}
	}
	if len(mine) == 0 {
		return nil, fmt.Errorf("rank %d has no samples (%d captions across %d ranks)",
			env.Identity.Rank, len(captions), env.Identity.WorldSize)
	}

	samples := make([][]int32, 0, len(mine))
	chunks := 1
	if cfg.DatasetType == config.DatasetInterleaved {
		chunks = 3
	}
	for i := range mine {
		var text strings.Builder
		for c := range chunks {
			caption := mine[(i+c)%len(mine)]
			text.WriteString(tokenizer.ImageToken + caption + tokenizer.EndOfChunkToken)
		}
		ids, err := env.Tokenizer.Encode(text.String())
		if err != nil {
			return nil, fmt.Errorf("tokenize sample %d: %w", i, err)
		}
		samples = append(samples, ids)
	}

	ds := &Dataset{
		samples:   samples,
		batchSize: cfg.BatchSize,
		resampled: cfg.DatasetResampled,
		seed:      seed.ForRank(cfg.Seed, env.Identity.Rank),
		rng:       seed.NewStream("dataset"),
	}
	ds.SetEpoch(0)
	return ds, nil
}

// loadCaptions reads one caption per non-empty line from every file the
// pattern matches, in sorted file order.
func loadCaptions(ctx context.Context, pattern string) ([]string, error) {
	if pattern == "" {
		return nil, nil
	}
	files, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("shards %q: %w", pattern, err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("shards %q match no files", pattern)
	}
	sort.Strings(files)

	var captions []string
	for _, name := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		lines, err := readLines(name)
		if err != nil {
			return nil, err
		}
		captions = append(captions, lines...)
	}
	return captions, nil
}

func readLines(name string) ([]string, error) {
	//nolint:gosec // G304: shard paths come from configuration
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return lines, nil
}

var (
	subjects = []string{"a dog", "two cats", "a red bicycle", "an old lighthouse", "a bowl of soup", "a child", "a mountain lake"}
	actions  = []string{"sitting on", "next to", "in front of", "under", "beside", "near"}
	places   = []string{"a wooden bench", "the beach", "a busy street", "a kitchen table", "a snowy field", "a window"}
)

func generateCaptions(rng *seed.Stream, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%s %s %s.",
			subjects[rng.IntN(len(subjects))], actions[rng.IntN(len(actions))], places[rng.IntN(len(places))])
	}
	return out
}
