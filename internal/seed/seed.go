// Package seed owns the process's reproducible randomness.
//
// A Controller holds a set of named sources and reseeds all of them at once.
// Training seeds twice: once with the base seed before the model is built,
// so every rank initializes identical weights, and once with base+rank
// afterwards, so data order and dropout differ per rank.
package seed

import (
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"sort"
	"sync"
)

// Well-known source names.
const (
	General   = "general"    // Shuffling, sampling and other host-side choices.
	Numeric   = "numeric"    // Tensor-valued draws such as synthetic gradients.
	ModelInit = "model_init" // Parameter initialization.
)

// Source is a reseedable randomness source.
type Source interface {
	Reseed(seed uint64)
}

// Stream is a PCG-backed Source. The stream constant is derived from the
// name so that sources seeded with the same value still produce different
// sequences.
type Stream struct {
	name string
	mu   sync.Mutex
	pcg  *rand.PCG
	rng  *rand.Rand
}

// NewStream returns a stream seeded with 0.
func NewStream(name string) *Stream {
	s := &Stream{name: name}
	s.Reseed(0)
	return s
}

// Name returns the stream's registry name.
func (s *Stream) Name() string { return s.name }

// Reseed resets the stream so that the next draws depend only on seed.
func (s *Stream) Reseed(seed uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pcg = rand.NewPCG(seed, streamConstant(s.name))
	s.rng = rand.New(s.pcg)
}

// Uint64 returns the next raw draw.
func (s *Stream) Uint64() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Uint64()
}

// Float32 returns a draw in [0, 1).
func (s *Stream) Float32() float32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float32()
}

// NormFloat32 returns a standard normal draw.
func (s *Stream) NormFloat32() float32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return float32(s.rng.NormFloat64())
}

// IntN returns a draw in [0, n).
func (s *Stream) IntN(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.IntN(n)
}

// Perm returns a pseudo-random permutation of [0, n).
func (s *Stream) Perm(n int) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Perm(n)
}

func streamConstant(name string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return h.Sum64()
}

// Controller reseeds every registered source.
type Controller struct {
	mu      sync.Mutex
	sources map[string]Source
	applied []int64
}

// NewController returns a controller with the General, Numeric and
// ModelInit streams registered.
func NewController() *Controller {
	c := &Controller{sources: make(map[string]Source)}
	for _, name := range []string{General, Numeric, ModelInit} {
		c.sources[name] = NewStream(name)
	}
	return c
}

// Register adds or replaces a source. The source is not reseeded until the
// next Apply.
func (c *Controller) Register(name string, src Source) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources[name] = src
}

// Stream returns the named source as a *Stream, or nil if it is absent or
// was registered with another implementation.
func (c *Controller) Stream(name string) *Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, _ := c.sources[name].(*Stream)
	return s
}

// Names returns the registered source names in sorted order.
func (c *Controller) Names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.sources))
	for name := range c.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Apply reseeds every registered source with seed.
func (c *Controller) Apply(seed int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, src := range c.sources {
		src.Reseed(uint64(seed))
	}
	c.applied = append(c.applied, seed)
}

// ApplyBase is the first seeding pass. It is independent of rank.
func (c *Controller) ApplyBase(base int64) {
	c.Apply(base)
}

// ApplyRank is the second seeding pass, offset by rank.
func (c *Controller) ApplyRank(base int64, rank int) {
	c.Apply(ForRank(base, rank))
}

// Applied returns the seeds applied so far, in order.
func (c *Controller) Applied() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int64(nil), c.applied...)
}

// ForRank returns the per-rank seed for the second pass.
func ForRank(base int64, rank int) int64 {
	return base + int64(rank)
}

// String implements fmt.Stringer.
func (c *Controller) String() string {
	return fmt.Sprintf("seed.Controller%v", c.Names())
}
