package tensor

import (
	"fmt"
	"math"
	"math/rand"
	"runtime"
	"sync"

	"gonum.org/v1/gonum/floats"
)

// Tensor is a named row-major float64 matrix. Vectors use a single row.
type Tensor struct {
	name  string
	shape [2]int
	data  []float64
}

func New(name string, rows, cols int) *Tensor {
	return &Tensor{
		name:  name,
		shape: [2]int{rows, cols},
		data:  make([]float64, rows*cols),
	}
}

// Randn fills a new tensor from N(0, std).
func Randn(name string, rows, cols int, std float64, rng *rand.Rand) *Tensor {
	t := New(name, rows, cols)
	for i := range t.data {
		t.data[i] = rng.NormFloat64() * std
	}
	return t
}

// GlorotUniform fills a new tensor from U(-l, l) with l = sqrt(6 / (rows + cols)).
func GlorotUniform(name string, rows, cols int, rng *rand.Rand) *Tensor {
	t := New(name, rows, cols)
	limit := math.Sqrt(6.0 / float64(rows+cols))
	for i := range t.data {
		t.data[i] = (2*rng.Float64() - 1) * limit
	}
	return t
}

// ZerosLike allocates a tensor with the same shape and a derived name.
func ZerosLike(t *Tensor, suffix string) *Tensor {
	return New(t.name+suffix, t.shape[0], t.shape[1])
}

func (t *Tensor) Name() string     { return t.name }
func (t *Tensor) Shape() [2]int    { return t.shape }
func (t *Tensor) Rows() int        { return t.shape[0] }
func (t *Tensor) Cols() int        { return t.shape[1] }
func (t *Tensor) Data() []float64  { return t.data }
func (t *Tensor) NumElements() int { return len(t.data) }

// Row returns a view of row i.
func (t *Tensor) Row(i int) []float64 {
	c := t.shape[1]
	return t.data[i*c : (i+1)*c]
}

func (t *Tensor) Zero() {
	for i := range t.data {
		t.data[i] = 0
	}
}

// Add accumulates o into t.
func (t *Tensor) Add(o *Tensor) {
	floats.Add(t.data, o.data)
}

func (t *Tensor) Scale(s float64) {
	floats.Scale(s, t.data)
}

// Norm is the L2 norm over all elements.
func (t *Tensor) Norm() float64 {
	return floats.Norm(t.data, 2)
}

func (t *Tensor) String() string {
	return fmt.Sprintf("%s%v", t.name, t.shape)
}

// VecMat computes out = x · W for W shaped (len(x), len(out)).
func VecMat(x []float64, w *Tensor, out []float64) {
	for j := range out {
		out[j] = 0
	}
	for k, xk := range x {
		if xk == 0 {
			continue
		}
		floats.AddScaled(out, xk, w.Row(k))
	}
}

// MatVec computes out = W · d for W shaped (len(out), len(d)).
func MatVec(w *Tensor, d []float64, out []float64) {
	for k := range out {
		out[k] = floats.Dot(w.Row(k), d)
	}
}

// AddOuter accumulates g += x ⊗ d.
func AddOuter(g *Tensor, x, d []float64) {
	for k, xk := range x {
		if xk == 0 {
			continue
		}
		floats.AddScaled(g.Row(k), xk, d)
	}
}

// Softmax normalises x in place, shifting by the max for stability.
func Softmax(x []float64) {
	if len(x) == 0 {
		return
	}
	max := floats.Max(x)
	sum := 0.0
	for i := range x {
		x[i] = math.Exp(x[i] - max)
		sum += x[i]
	}
	if sum > 0 {
		floats.Scale(1/sum, x)
	}
}

func Sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

// CountNonFinite returns the number of NaN and Inf values in x.
func CountNonFinite(x []float64) (nanCount, infCount int) {
	for _, v := range x {
		if math.IsNaN(v) {
			nanCount++
		} else if math.IsInf(v, 0) {
			infCount++
		}
	}
	return nanCount, infCount
}

// ParallelRows splits [0, n) into NumCPU contiguous chunks and runs fn on each
// concurrently. fn receives the chunk index so callers can keep per-chunk scratch.
func ParallelRows(n int, fn func(chunk, start, end int)) int {
	if n <= 0 {
		return 0
	}
	parallelism := runtime.NumCPU()
	if parallelism > n {
		parallelism = n
	}
	chunkSize := (n + parallelism - 1) / parallelism
	var wg sync.WaitGroup
	chunks := 0
	for i := 0; i < n; i += chunkSize {
		end := i + chunkSize
		if end > n {
			end = n
		}
		wg.Add(1)
		go func(chunk, rowStart, rowEnd int) {
			defer wg.Done()
			fn(chunk, rowStart, rowEnd)
		}(chunks, i, end)
		chunks++
	}
	wg.Wait()
	return chunks
}

// NumChunks reports how many chunks ParallelRows will use for n rows.
func NumChunks(n int) int {
	if n <= 0 {
		return 0
	}
	parallelism := runtime.NumCPU()
	if parallelism > n {
		parallelism = n
	}
	chunkSize := (n + parallelism - 1) / parallelism
	return (n + chunkSize - 1) / chunkSize
}
