package generator

import (
	"github.com/23skdu/longbow-seqgan/internal/sampler"
	"github.com/23skdu/longbow-seqgan/internal/tensor"
)

// thresholdPolicy decides, step by step, where the next cell input comes from.
// Steps before threshold copy the reference sequence; the rest sample from the
// model's own distribution. threshold == seqLen is teacher forcing, 0 is free
// generation, anything in between is a rollout.
type thresholdPolicy struct {
	threshold  int
	seqLen     int
	startToken int
	reference  [][]int

	embedding *tensor.Tensor
	decisionW *tensor.Tensor
	decisionB *tensor.Tensor
}

func newThresholdPolicy(p *Params, threshold, seqLen, startToken int, reference [][]int) *thresholdPolicy {
	return &thresholdPolicy{
		threshold:  threshold,
		seqLen:     seqLen,
		startToken: startToken,
		reference:  reference,
		embedding:  p.Embedding,
		decisionW:  p.DecisionW,
		decisionB:  p.DecisionB,
	}
}

// initialInput is the token fed at t=0, shared by the whole batch.
func (tp *thresholdPolicy) initialInput() int {
	return tp.startToken
}

// embed writes the embedding of token into dst. Reference and sampled tokens take
// the same path.
func (tp *thresholdPolicy) embed(token int, dst []float64) {
	copy(dst, tp.embedding.Row(token))
}

// decide turns the hidden output of step t into a probability vector over the vocabulary.
func (tp *thresholdPolicy) decide(h []float64, probs []float64) {
	tensor.VecMat(h, tp.decisionW, probs)
	b := tp.decisionB.Data()
	for k := range probs {
		probs[k] += b[k]
	}
	tensor.Softmax(probs)
}

// next picks the token emitted at step t for batch row b. It is also the next cell input.
// s is only consulted for steps at or after the threshold.
func (tp *thresholdPolicy) next(b, t int, probs []float64, s *sampler.Sampler) (token int, finished bool) {
	if t < tp.threshold {
		token = tp.reference[b][t]
	} else {
		token = s.Categorical(probs)
	}
	return token, t+1 >= tp.seqLen
}
