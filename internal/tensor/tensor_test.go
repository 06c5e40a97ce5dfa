package tensor

import (
	"math"
	"math/rand"
	"sync/atomic"
	"testing"
)

func TestSoftmaxStability(t *testing.T) {
	x := make([]float64, 10)
	for i := range x {
		x[i] = float64(1000 + i)
	}

	Softmax(x)

	sum := 0.0
	for _, v := range x {
		if v < 0 || v > 1 || math.IsNaN(v) {
			t.Fatalf("softmax value out of range: %v", v)
		}
		sum += v
	}
	if math.Abs(sum-1) > 1e-9 {
		t.Errorf("Softmax output doesn't sum to 1.0: %f", sum)
	}
	if x[9] <= x[0] {
		t.Errorf("softmax should preserve ordering: %v", x)
	}
}

func TestVecMatAndMatVec(t *testing.T) {
	w := New("w", 2, 3)
	copy(w.Data(), []float64{
		1, 2, 3,
		4, 5, 6,
	})

	out := make([]float64, 3)
	VecMat([]float64{1, -1}, w, out)
	want := []float64{-3, -3, -3}
	for i := range want {
		if out[i] != want[i] {
			t.Errorf("VecMat[%d] = %v, want %v", i, out[i], want[i])
		}
	}

	back := make([]float64, 2)
	MatVec(w, []float64{1, 0, 1}, back)
	if back[0] != 4 || back[1] != 10 {
		t.Errorf("MatVec = %v, want [4 10]", back)
	}
}

func TestAddOuter(t *testing.T) {
	g := New("g", 2, 2)
	AddOuter(g, []float64{1, 2}, []float64{3, 4})
	AddOuter(g, []float64{1, 0}, []float64{1, 1})
	want := []float64{4, 5, 6, 8}
	for i, v := range g.Data() {
		if v != want[i] {
			t.Errorf("AddOuter[%d] = %v, want %v", i, v, want[i])
		}
	}
}

func TestInitialisers(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	g := GlorotUniform("kernel", 30, 50, rng)
	limit := math.Sqrt(6.0 / 80.0)
	for _, v := range g.Data() {
		if math.Abs(v) > limit {
			t.Fatalf("glorot value %v exceeds limit %v", v, limit)
		}
	}

	n := Randn("emb", 100, 100, 0.1, rng)
	mean, sq := 0.0, 0.0
	for _, v := range n.Data() {
		mean += v
		sq += v * v
	}
	mean /= float64(n.NumElements())
	std := math.Sqrt(sq/float64(n.NumElements()) - mean*mean)
	if math.Abs(mean) > 0.01 || math.Abs(std-0.1) > 0.01 {
		t.Errorf("randn moments off: mean %v std %v", mean, std)
	}
}

func TestNormScaleZero(t *testing.T) {
	a := New("a", 1, 2)
	copy(a.Data(), []float64{3, 4})
	if a.Norm() != 5 {
		t.Errorf("expected norm 5, got %v", a.Norm())
	}
	a.Scale(2)
	if a.Data()[1] != 8 {
		t.Errorf("expected scaled value 8, got %v", a.Data()[1])
	}
	b := ZerosLike(a, "_grad")
	if b.Name() != "a_grad" || b.Shape() != a.Shape() {
		t.Errorf("unexpected ZerosLike result %s", b)
	}
	b.Add(a)
	a.Zero()
	if a.Norm() != 0 || b.Norm() != 10 {
		t.Errorf("Zero/Add mismatch: %v %v", a.Norm(), b.Norm())
	}
}

func TestCountNonFinite(t *testing.T) {
	nan, inf := CountNonFinite([]float64{1, math.NaN(), math.Inf(1), math.Inf(-1), 0})
	if nan != 1 || inf != 2 {
		t.Errorf("expected 1 nan 2 inf, got %d %d", nan, inf)
	}
}

func TestParallelRowsCoversAllRows(t *testing.T) {
	for _, n := range []int{1, 3, 17, 256} {
		var seen = make([]int32, n)
		var calls int32
		chunks := ParallelRows(n, func(chunk, start, end int) {
			atomic.AddInt32(&calls, 1)
			for i := start; i < end; i++ {
				atomic.AddInt32(&seen[i], 1)
			}
		})
		if int(calls) != chunks || chunks != NumChunks(n) {
			t.Errorf("n=%d: chunk count mismatch calls=%d chunks=%d num=%d", n, calls, chunks, NumChunks(n))
		}
		for i, c := range seen {
			if c != 1 {
				t.Fatalf("n=%d: row %d visited %d times", n, i, c)
			}
		}
	}
}
