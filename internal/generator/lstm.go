package generator

import (
	"math"

	"github.com/23skdu/longbow-seqgan/internal/tensor"
)

// forgetBias is added to the forget gate pre-activation so a fresh cell keeps its state.
const forgetBias = 1.0

// step holds everything one decoder step needs for back-propagation.
type step struct {
	input int       // token id fed to the cell
	xh    []float64 // [embedding(input), h_prev]
	cPrev []float64

	// activated gates
	i, j, f, o []float64

	c, tanhC, h []float64
	probs       []float64
	output      int
}

func newStep(embDim, hidden, vocab int) *step {
	buf := make([]float64, embDim+hidden+8*hidden)
	s := &step{}
	s.xh, buf = buf[:embDim+hidden], buf[embDim+hidden:]
	s.cPrev, buf = buf[:hidden], buf[hidden:]
	s.i, buf = buf[:hidden], buf[hidden:]
	s.j, buf = buf[:hidden], buf[hidden:]
	s.f, buf = buf[:hidden], buf[hidden:]
	s.o, buf = buf[:hidden], buf[hidden:]
	s.c, buf = buf[:hidden], buf[hidden:]
	s.tanhC, buf = buf[:hidden], buf[hidden:]
	s.h = buf[:hidden]
	s.probs = make([]float64, vocab)
	return s
}

// lstmCell is a single-layer LSTM over the shared kernel and bias.
type lstmCell struct {
	kernel *tensor.Tensor
	bias   *tensor.Tensor
	hidden int
}

// forward advances one step. s.xh and s.cPrev must be filled by the caller.
// gates is scratch of length 4*hidden.
func (cell *lstmCell) forward(s *step, gates []float64) {
	H := cell.hidden
	tensor.VecMat(s.xh, cell.kernel, gates)
	b := cell.bias.Data()
	for k := 0; k < H; k++ {
		s.i[k] = tensor.Sigmoid(gates[k] + b[k])
		s.j[k] = math.Tanh(gates[H+k] + b[H+k])
		s.f[k] = tensor.Sigmoid(gates[2*H+k] + b[2*H+k] + forgetBias)
		s.o[k] = tensor.Sigmoid(gates[3*H+k] + b[3*H+k])
		s.c[k] = s.f[k]*s.cPrev[k] + s.i[k]*s.j[k]
		s.tanhC[k] = math.Tanh(s.c[k])
		s.h[k] = s.o[k] * s.tanhC[k]
	}
}

// backward takes dL/dh and dL/dc for this step's outputs, accumulates kernel and bias
// gradients, writes dL/d[x, h_prev] into dxh and dL/dc_prev into dc (in place).
// dgates is scratch of length 4*hidden.
func (cell *lstmCell) backward(s *step, dh, dc []float64, grads *Params, dgates, dxh []float64) {
	H := cell.hidden
	for k := 0; k < H; k++ {
		dcTotal := dc[k] + dh[k]*s.o[k]*(1-s.tanhC[k]*s.tanhC[k])
		dO := dh[k] * s.tanhC[k]
		dI := dcTotal * s.j[k]
		dJ := dcTotal * s.i[k]
		dF := dcTotal * s.cPrev[k]

		dgates[k] = dI * s.i[k] * (1 - s.i[k])
		dgates[H+k] = dJ * (1 - s.j[k]*s.j[k])
		dgates[2*H+k] = dF * s.f[k] * (1 - s.f[k])
		dgates[3*H+k] = dO * s.o[k] * (1 - s.o[k])

		dc[k] = dcTotal * s.f[k]
	}
	tensor.AddOuter(grads.Kernel, s.xh, dgates)
	gb := grads.Bias.Data()
	for k, v := range dgates {
		gb[k] += v
	}
	tensor.MatVec(cell.kernel, dgates, dxh)
}
