// Package discriminator provides the scoring collaborators the generator's reward
// estimator talks to: a local unigram scorer fitted on real data and an Arrow Flight
// client/server pair for remote discriminators.
package discriminator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/23skdu/longbow-seqgan/internal/metrics"
	"github.com/23skdu/longbow-seqgan/internal/tensor"
)

var ErrNoData = errors.New("no real sequences to fit")

// Scorer returns, per sequence, the probability that it is real.
type Scorer interface {
	TruthProb(ctx context.Context, sequences [][]int) ([]float64, error)
}

// UnigramScorer rates a sequence by the log-likelihood ratio of its tokens under
// the real-data unigram distribution against a uniform one, squashed with a sigmoid.
// It is read-only after FitUnigram and safe for concurrent use.
type UnigramScorer struct {
	vocab    int
	logRatio []float64
}

// FitUnigram estimates add-one smoothed token frequencies from real.
func FitUnigram(real [][]int, vocab int) (*UnigramScorer, error) {
	if vocab <= 0 {
		return nil, fmt.Errorf("vocab size %d must be positive", vocab)
	}
	counts := make([]float64, vocab)
	total := 0.0
	for i, seq := range real {
		for _, tok := range seq {
			if tok < 0 || tok >= vocab {
				return nil, fmt.Errorf("sequence %d: token %d not in [0, %d)", i, tok, vocab)
			}
			counts[tok]++
			total++
		}
	}
	if total == 0 {
		return nil, ErrNoData
	}

	logUniform := math.Log(float64(vocab))
	denom := total + float64(vocab)
	s := &UnigramScorer{vocab: vocab, logRatio: make([]float64, vocab)}
	for v, c := range counts {
		s.logRatio[v] = math.Log((c+1)/denom) + logUniform
	}
	return s, nil
}

func (s *UnigramScorer) TruthProb(ctx context.Context, sequences [][]int) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()
	defer func() { metrics.RecordDiscriminator("unigram", time.Since(start)) }()

	out := make([]float64, len(sequences))
	for i, seq := range sequences {
		llr := 0.0
		for _, tok := range seq {
			if tok < 0 || tok >= s.vocab {
				return nil, fmt.Errorf("sequence %d: token %d not in [0, %d)", i, tok, s.vocab)
			}
			llr += s.logRatio[tok]
		}
		out[i] = tensor.Sigmoid(llr)
	}
	return out, nil
}
