package generator

import (
	"context"
	"time"

	"github.com/23skdu/longbow-seqgan/internal/metrics"
	"github.com/23skdu/longbow-seqgan/internal/sampler"
)

// pass is the materialised result of one decoding run.
type pass struct {
	threshold int
	ids       [][]int
	probs     [][][]float64 // nil unless requested
	steps     [][]*step     // per row, per step; nil unless kept for training
}

type decodeOptions struct {
	keepProbs bool
	keepSteps bool
}

// decoder runs the autoregressive loop for a fixed parameter set.
type decoder struct {
	params     *Params
	cell       *lstmCell
	batchSize  int
	seqLen     int
	vocabSize  int
	embDim     int
	hidden     int
	startToken int
}

func newDecoder(p *Params, batchSize, seqLen, startToken int) *decoder {
	return &decoder{
		params:     p,
		cell:       &lstmCell{kernel: p.Kernel, bias: p.Bias, hidden: p.DecisionW.Rows()},
		batchSize:  batchSize,
		seqLen:     seqLen,
		vocabSize:  p.Embedding.Rows(),
		embDim:     p.Embedding.Cols(),
		hidden:     p.DecisionW.Rows(),
		startToken: startToken,
	}
}

// decode runs one pass with the given threshold. Each batch row starts from a zero
// cell state. s may be nil when threshold == seqLen since no step samples.
func (d *decoder) decode(ctx context.Context, threshold int, reference [][]int, s *sampler.Sampler, opts decodeOptions) (*pass, error) {
	policy := newThresholdPolicy(d.params, threshold, d.seqLen, d.startToken, reference)
	out := &pass{
		threshold: threshold,
		ids:       make([][]int, d.batchSize),
	}
	if opts.keepProbs || opts.keepSteps {
		out.probs = make([][][]float64, d.batchSize)
	}
	if opts.keepSteps {
		out.steps = make([][]*step, d.batchSize)
	}

	gates := make([]float64, 4*d.hidden)
	scratch := [2]*step{}
	if !opts.keepSteps {
		scratch[0] = newStep(d.embDim, d.hidden, d.vocabSize)
		scratch[1] = newStep(d.embDim, d.hidden, d.vocabSize)
	}

	for b := 0; b < d.batchSize; b++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ids := make([]int, d.seqLen)
		var rowProbs [][]float64
		if out.probs != nil {
			rowProbs = make([][]float64, d.seqLen)
		}
		var rowSteps []*step
		if opts.keepSteps {
			rowSteps = make([]*step, d.seqLen)
		}

		var hPrev, cPrev []float64
		input := policy.initialInput()
		for t := 0; t < d.seqLen; t++ {
			var st *step
			if opts.keepSteps {
				st = newStep(d.embDim, d.hidden, d.vocabSize)
				rowSteps[t] = st
			} else {
				st = scratch[t%2]
			}

			st.input = input
			policy.embed(input, st.xh[:d.embDim])
			hSlot := st.xh[d.embDim:]
			if hPrev == nil {
				zero(hSlot)
				zero(st.cPrev)
			} else {
				copy(hSlot, hPrev)
				copy(st.cPrev, cPrev)
			}

			d.cell.forward(st, gates)
			policy.decide(st.h, st.probs)

			token, finished := policy.next(b, t, st.probs, s)
			st.output = token
			ids[t] = token
			if rowProbs != nil {
				if opts.keepSteps {
					rowProbs[t] = st.probs
				} else {
					rowProbs[t] = append([]float64(nil), st.probs...)
				}
			}

			hPrev, cPrev = st.h, st.c
			input = token
			if finished {
				break
			}
		}

		out.ids[b] = ids
		if rowProbs != nil {
			out.probs[b] = rowProbs
		}
		if rowSteps != nil {
			out.steps[b] = rowSteps
		}
	}
	return out, nil
}

func (d *decoder) decodeTimed(ctx context.Context, mode string, threshold int, reference [][]int, s *sampler.Sampler, opts decodeOptions) (*pass, error) {
	start := time.Now()
	p, err := d.decode(ctx, threshold, reference, s, opts)
	if err != nil {
		return nil, err
	}
	metrics.RecordDecode(mode, d.batchSize*d.seqLen, time.Since(start))
	return p, nil
}

func zero(x []float64) {
	for i := range x {
		x[i] = 0
	}
}
