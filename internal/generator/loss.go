package generator

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/23skdu/longbow-seqgan/internal/tensor"
)

// LogFloor is added to every probability before taking its log.
const LogFloor = 1e-20

// lossResult is the outcome of a weighted log-likelihood backward pass.
type lossResult struct {
	loss    float64
	floored int
	grads   *Params
}

// weightedNLL computes L = -scale * sum_{b,t} w[b][t] * log(p_bt[y_bt] + LogFloor)
// for a pass decoded with keepSteps, together with dL/dparams. A nil weights
// slice means every position has weight one. Rows are processed in parallel, each
// chunk with its own gradient accumulator.
func weightedNLL(params *Params, cell *lstmCell, p *pass, targets [][]int, weights [][]float64, scale float64) lossResult {
	batch := len(p.steps)
	numChunks := tensor.NumChunks(batch)
	chunkGrads := make([]*Params, numChunks)
	chunkLoss := make([]float64, numChunks)
	chunkFloored := make([]int, numChunks)

	tensor.ParallelRows(batch, func(chunk, start, end int) {
		g := params.zerosLike()
		bp := newBackprop(params, cell)
		for b := start; b < end; b++ {
			var w []float64
			if weights != nil {
				w = weights[b]
			}
			l, f := bp.row(p.steps[b], targets[b], w, scale, g)
			chunkLoss[chunk] += l
			chunkFloored[chunk] += f
		}
		chunkGrads[chunk] = g
	})

	res := lossResult{grads: chunkGrads[0]}
	for c := 0; c < numChunks; c++ {
		res.loss += chunkLoss[c]
		res.floored += chunkFloored[c]
		if c > 0 {
			res.grads.add(chunkGrads[c])
		}
	}
	return res
}

// backprop holds per-goroutine scratch for back-propagation through time.
type backprop struct {
	params *Params
	cell   *lstmCell
	embDim int

	dz     []float64 // dL/dlogits
	dh     []float64
	dhDec  []float64
	dc     []float64
	dgates []float64
	dxh    []float64
}

func newBackprop(params *Params, cell *lstmCell) *backprop {
	hidden := cell.hidden
	embDim := params.Embedding.Cols()
	return &backprop{
		params: params,
		cell:   cell,
		embDim: embDim,
		dz:     make([]float64, params.DecisionB.Cols()),
		dh:     make([]float64, hidden),
		dhDec:  make([]float64, hidden),
		dc:     make([]float64, hidden),
		dgates: make([]float64, 4*hidden),
		dxh:    make([]float64, embDim+hidden),
	}
}

// row back-propagates one sequence and returns its loss contribution and floor count.
func (bp *backprop) row(steps []*step, targets []int, weights []float64, scale float64, g *Params) (float64, int) {
	zero(bp.dh)
	zero(bp.dc)
	loss := 0.0
	floored := 0

	for t := len(steps) - 1; t >= 0; t-- {
		st := steps[t]
		w := 1.0
		if weights != nil {
			w = weights[t]
		}
		y := targets[t]
		py := st.probs[y]
		if py < LogFloor {
			floored++
		}
		loss -= scale * w * math.Log(py+LogFloor)

		if w != 0 {
			// d/dz_k of -log(p_y + floor) is (p_y / (p_y + floor)) * (p_k - [k == y]).
			a := scale * w * py / (py + LogFloor)
			for k, pk := range st.probs {
				bp.dz[k] = a * pk
			}
			bp.dz[y] -= a

			tensor.AddOuter(g.DecisionW, st.h, bp.dz)
			floats.Add(g.DecisionB.Data(), bp.dz)
			tensor.MatVec(bp.params.DecisionW, bp.dz, bp.dhDec)
			floats.Add(bp.dh, bp.dhDec)
		}

		bp.cell.backward(st, bp.dh, bp.dc, g, bp.dgates, bp.dxh)
		floats.Add(g.Embedding.Row(st.input), bp.dxh[:bp.embDim])
		copy(bp.dh, bp.dxh[bp.embDim:])
	}
	return loss, floored
}
