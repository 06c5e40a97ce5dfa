package sampler

import (
	"math"
	"math/rand"
	"time"
)

// Sampler draws token ids from probability vectors. A Sampler is not safe for
// concurrent use; give each goroutine its own via Split.
type Sampler struct {
	seed int64
	rng  *rand.Rand
}

// New creates a sampler. A zero seed is replaced by the current time.
func New(seed int64) *Sampler {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Sampler{
		seed: seed,
		rng:  rand.New(rand.NewSource(seed)),
	}
}

func (s *Sampler) Seed() int64 { return s.seed }

// Rand exposes the underlying source for parameter initialisation.
func (s *Sampler) Rand() *rand.Rand { return s.rng }

// Split derives an independent sampler seeded from this one's stream.
func (s *Sampler) Split() *Sampler {
	seed := s.rng.Int63()
	if seed == 0 {
		seed = 1
	}
	return &Sampler{seed: seed, rng: rand.New(rand.NewSource(seed))}
}

// Categorical draws an index with probability proportional to probs[i].
// Non-finite and negative entries are treated as zero mass; if nothing has mass
// the argmax of the finite entries is returned.
func (s *Sampler) Categorical(probs []float64) int {
	sum := 0.0
	for _, p := range probs {
		if valid(p) {
			sum += p
		}
	}
	if sum <= 0 {
		return ArgMax(probs)
	}

	r := s.rng.Float64() * sum
	acc := 0.0
	last := -1
	for i, p := range probs {
		if !valid(p) {
			continue
		}
		acc += p
		last = i
		if r < acc {
			return i
		}
	}
	return last
}

func valid(p float64) bool {
	return p > 0 && !math.IsNaN(p) && !math.IsInf(p, 0)
}

// ArgMax returns the index of the largest non-NaN value, or 0 if all are NaN.
func ArgMax(x []float64) int {
	if len(x) == 0 {
		panic("ArgMax: empty slice")
	}
	maxIdx := -1
	maxVal := math.Inf(-1)
	for i, v := range x {
		if math.IsNaN(v) {
			continue
		}
		if maxIdx < 0 || v > maxVal {
			maxVal = v
			maxIdx = i
		}
	}
	if maxIdx < 0 {
		return 0
	}
	return maxIdx
}
