package generator

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-seqgan/internal/config"
	"github.com/23skdu/longbow-seqgan/internal/sampler"
)

func testConfig() config.GeneratorConfig {
	cfg := config.Default()
	cfg.BatchSize = 2
	cfg.SeqLen = 5
	cfg.VocabSize = 10
	cfg.EmbDim = 6
	cfg.HiddenDim = 8
	cfg.StartToken = 0
	cfg.Seed = 1234
	cfg.RolloutWorkers = 4
	return cfg
}

func newTestGenerator(t *testing.T, mutate ...func(*config.GeneratorConfig)) *Generator {
	t.Helper()
	cfg := testConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	g, err := New(cfg)
	require.NoError(t, err)
	return g
}

func reference() [][]int {
	return [][]int{
		{3, 1, 4, 1, 5},
		{9, 2, 6, 5, 3},
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.VocabSize = 0
	_, err := New(cfg)
	require.Error(t, err)
}

func TestRolloutKeepsPrefixForEveryThreshold(t *testing.T) {
	g := newTestGenerator(t)
	ctx := context.Background()
	ref := reference()

	for keep := 0; keep <= g.cfg.SeqLen; keep++ {
		ids, err := g.Rollout(ctx, ref, keep)
		require.NoError(t, err)
		require.Len(t, ids, g.cfg.BatchSize)
		for b, row := range ids {
			require.Len(t, row, g.cfg.SeqLen)
			assert.Equal(t, ref[b][:keep], row[:keep], "keep=%d row=%d", keep, b)
			for _, tok := range row {
				assert.GreaterOrEqual(t, tok, 0)
				assert.Less(t, tok, g.cfg.VocabSize)
			}
		}
	}
}

func TestRolloutExampleScenario(t *testing.T) {
	g := newTestGenerator(t)
	ref := reference()

	ids, probs, err := g.RolloutWithProbs(context.Background(), ref, 3)
	require.NoError(t, err)

	for b := range ref {
		assert.Equal(t, ref[b][:3], ids[b][:3])
		for t2 := 3; t2 < 5; t2++ {
			assert.GreaterOrEqual(t, ids[b][t2], 0)
			assert.Less(t, ids[b][t2], 10)
		}
	}

	require.Len(t, probs, 2)
	for b := range probs {
		require.Len(t, probs[b], 5)
		for _, dist := range probs[b] {
			require.Len(t, dist, 10)
			sum := 0.0
			for _, p := range dist {
				assert.GreaterOrEqual(t, p, 0.0)
				sum += p
			}
			assert.InDelta(t, 1.0, sum, 1e-9)
		}
	}
}

func TestTeacherForcedPassIsDeterministic(t *testing.T) {
	g := newTestGenerator(t)
	ctx := context.Background()
	ref := reference()

	ids1, probs1, err := g.RolloutWithProbs(ctx, ref, g.cfg.SeqLen)
	require.NoError(t, err)
	ids2, probs2, err := g.RolloutWithProbs(ctx, ref, g.cfg.SeqLen)
	require.NoError(t, err)

	assert.Equal(t, ref, ids1)
	assert.Equal(t, ids1, ids2)
	assert.Equal(t, probs1, probs2)
}

func TestGenerateIsStochasticAndInRange(t *testing.T) {
	g := newTestGenerator(t)
	ctx := context.Background()

	first, err := g.Generate(ctx)
	require.NoError(t, err)

	differs := false
	for i := 0; i < 20 && !differs; i++ {
		next, err := g.Generate(ctx)
		require.NoError(t, err)
		for _, row := range next {
			for _, tok := range row {
				require.GreaterOrEqual(t, tok, 0)
				require.Less(t, tok, g.cfg.VocabSize)
			}
		}
		if !assert.ObjectsAreEqual(first, next) {
			differs = true
		}
	}
	assert.True(t, differs, "generate returned the same batch on every call")
}

func TestSameSeedSameSamples(t *testing.T) {
	a := newTestGenerator(t)
	b := newTestGenerator(t)
	ctx := context.Background()

	sa, err := a.Generate(ctx)
	require.NoError(t, err)
	sb, err := b.Generate(ctx)
	require.NoError(t, err)
	assert.Equal(t, sa, sb)
}

func TestValidationErrors(t *testing.T) {
	g := newTestGenerator(t)
	ctx := context.Background()

	tests := []struct {
		name string
		call func() error
		want error
	}{
		{"short batch", func() error {
			_, err := g.Rollout(ctx, reference()[:1], 2)
			return err
		}, ErrShape},
		{"long sequence", func() error {
			ref := reference()
			ref[1] = append(ref[1], 0)
			_, err := g.Pretrain(ctx, ref)
			return err
		}, ErrShape},
		{"token out of vocab", func() error {
			ref := reference()
			ref[0][2] = 10
			_, err := g.Rollout(ctx, ref, 1)
			return err
		}, ErrTokenRange},
		{"negative token", func() error {
			ref := reference()
			ref[1][0] = -1
			_, err := g.Evaluate(ctx, ref)
			return err
		}, ErrTokenRange},
		{"keep steps too large", func() error {
			_, err := g.Rollout(ctx, reference(), 6)
			return err
		}, ErrThreshold},
		{"negative keep steps", func() error {
			_, err := g.Rollout(ctx, reference(), -1)
			return err
		}, ErrThreshold},
		{"reward shape", func() error {
			_, err := g.Train(ctx, reference(), [][]float64{{0, 0, 0, 0, 0}})
			return err
		}, ErrShape},
		{"reward nan", func() error {
			_, err := g.Train(ctx, reference(), [][]float64{{0, 0, math.NaN(), 0, 0}, {0, 0, 0, 0, 0}})
			return err
		}, ErrNonFinite},
		{"zero rollouts", func() error {
			_, err := g.GetReward(ctx, reference(), 0, constant(0.5))
			return err
		}, ErrRolloutNum},
		{"nil discriminator", func() error {
			_, err := g.GetReward(ctx, reference(), 1, nil)
			return err
		}, ErrDiscriminator},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestCancelledContext(t *testing.T) {
	g := newTestGenerator(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := g.Generate(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	_, err = g.GetReward(ctx, reference(), 2, constant(0.5))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPretrainReducesLoss(t *testing.T) {
	g := newTestGenerator(t)
	ctx := context.Background()
	ref := reference()

	before, err := g.Evaluate(ctx, ref)
	require.NoError(t, err)

	var losses []float64
	for i := 0; i < 60; i++ {
		s, err := g.Pretrain(ctx, ref)
		require.NoError(t, err)
		require.False(t, math.IsNaN(s.Loss))
		losses = append(losses, s.Loss)
	}

	after, err := g.Evaluate(ctx, ref)
	require.NoError(t, err)

	assert.InDelta(t, before, losses[0], 1e-9, "first step reports the pre-update loss")
	assert.Less(t, after, before)
	assert.Less(t, mean(losses[len(losses)-5:]), mean(losses[:5]))
}

func TestTrainWithZeroRewardLeavesParams(t *testing.T) {
	g := newTestGenerator(t)
	ctx := context.Background()

	before := g.Snapshot()
	rewards := [][]float64{make([]float64, 5), make([]float64, 5)}
	s, err := g.Train(ctx, reference(), rewards)
	require.NoError(t, err)
	assert.Equal(t, 0.0, s.Loss)
	assert.Equal(t, 0.0, s.MeanReward)

	after := g.Snapshot()
	for i, p := range before.List() {
		assert.Equal(t, p.Data(), after.List()[i].Data(), p.Name())
	}
}

func TestTrainWithPositiveRewardRaisesLikelihood(t *testing.T) {
	g := newTestGenerator(t)
	ctx := context.Background()

	seq, err := g.Generate(ctx)
	require.NoError(t, err)
	before, err := g.Evaluate(ctx, seq)
	require.NoError(t, err)

	rewards := [][]float64{{1, 1, 1, 1, 1}, {1, 1, 1, 1, 1}}
	for i := 0; i < 30; i++ {
		s, err := g.Train(ctx, seq, rewards)
		require.NoError(t, err)
		assert.Equal(t, 1.0, s.MeanReward)
	}

	after, err := g.Evaluate(ctx, seq)
	require.NoError(t, err)
	assert.Less(t, after, before)
}

func TestGradientMatchesFiniteDifference(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 3
	cfg.SeqLen = 4
	cfg.VocabSize = 7
	cfg.EmbDim = 3
	cfg.HiddenDim = 4

	rng := rand.New(rand.NewSource(5))
	params := newParams(cfg, rng)
	// exercise non-zero biases
	for _, v := range []int{0, 3, 9} {
		params.Bias.Data()[v] = rng.NormFloat64()
	}
	dec := newDecoder(params, cfg.BatchSize, cfg.SeqLen, cfg.StartToken)

	ref := make([][]int, cfg.BatchSize)
	weights := make([][]float64, cfg.BatchSize)
	for b := range ref {
		ref[b] = make([]int, cfg.SeqLen)
		weights[b] = make([]float64, cfg.SeqLen)
		for t2 := range ref[b] {
			ref[b][t2] = rng.Intn(cfg.VocabSize)
			weights[b][t2] = rng.Float64()*2 - 0.5
		}
	}
	scale := 1.0 / float64(cfg.BatchSize*cfg.SeqLen)

	lossAt := func() float64 {
		p, err := dec.decode(context.Background(), cfg.SeqLen, ref, nil, decodeOptions{keepSteps: true})
		require.NoError(t, err)
		return weightedNLL(params, dec.cell, p, ref, weights, scale).loss
	}

	p, err := dec.decode(context.Background(), cfg.SeqLen, ref, nil, decodeOptions{keepSteps: true})
	require.NoError(t, err)
	analytic := weightedNLL(params, dec.cell, p, ref, weights, scale).grads

	const h = 1e-5
	grads := analytic.List()
	for i, param := range params.List() {
		data := param.Data()
		for _, j := range []int{0, len(data) / 3, len(data) / 2, len(data) - 1} {
			orig := data[j]
			data[j] = orig + h
			up := lossAt()
			data[j] = orig - h
			down := lossAt()
			data[j] = orig

			numeric := (up - down) / (2 * h)
			got := grads[i].Data()[j]
			assert.InDelta(t, numeric, got, 1e-6+1e-4*math.Abs(numeric), "%s[%d]", param.Name(), j)
		}
	}
}

func TestEmbeddingGradientHitsUsedRows(t *testing.T) {
	cfg := testConfig()
	params := newParams(cfg, rand.New(rand.NewSource(9)))
	dec := newDecoder(params, cfg.BatchSize, cfg.SeqLen, cfg.StartToken)
	ref := reference()

	p, err := dec.decode(context.Background(), cfg.SeqLen, ref, nil, decodeOptions{keepSteps: true})
	require.NoError(t, err)
	grads := weightedNLL(params, dec.cell, p, ref, nil, 0.1).grads

	// Inputs are the start token plus every reference token except the last column.
	used := map[int]bool{cfg.StartToken: true}
	for _, row := range ref {
		for _, tok := range row[:len(row)-1] {
			used[tok] = true
		}
	}
	for v := 0; v < cfg.VocabSize; v++ {
		norm := 0.0
		for _, x := range grads.Embedding.Row(v) {
			norm += x * x
		}
		if used[v] {
			assert.Greater(t, norm, 0.0, "row %d should receive gradient", v)
		} else {
			assert.Equal(t, 0.0, norm, "row %d should not receive gradient", v)
		}
	}
}

func TestThresholdPolicy(t *testing.T) {
	cfg := testConfig()
	params := newParams(cfg, rand.New(rand.NewSource(2)))
	ref := reference()
	tp := newThresholdPolicy(params, 2, cfg.SeqLen, cfg.StartToken, ref)
	s := sampler.New(1)
	onlySeven := make([]float64, cfg.VocabSize)
	onlySeven[7] = 1

	assert.Equal(t, cfg.StartToken, tp.initialInput())

	tok, done := tp.next(1, 0, onlySeven, s)
	assert.Equal(t, ref[1][0], tok)
	assert.False(t, done)

	tok, _ = tp.next(1, 1, onlySeven, s)
	assert.Equal(t, ref[1][1], tok)

	tok, done = tp.next(1, 2, onlySeven, s)
	assert.Equal(t, 7, tok)
	assert.False(t, done)

	_, done = tp.next(0, cfg.SeqLen-1, onlySeven, s)
	assert.True(t, done)

	emb := make([]float64, cfg.EmbDim)
	tp.embed(4, emb)
	assert.Equal(t, params.Embedding.Row(4), emb)

	probs := make([]float64, cfg.VocabSize)
	tp.decide(make([]float64, cfg.HiddenDim), probs)
	for _, p := range probs {
		// zero hidden state and zero bias give a uniform distribution
		assert.InDelta(t, 1.0/float64(cfg.VocabSize), p, 1e-12)
	}
}

func TestClipByNorm(t *testing.T) {
	cfg := testConfig()
	params := newParams(cfg, rand.New(rand.NewSource(3)))
	g := params.zerosLike()
	copy(g.DecisionB.Data(), []float64{30, 40})

	norm, clipped := clipByNorm(g.DecisionB, 5)
	assert.True(t, clipped)
	assert.InDelta(t, 50.0, norm, 1e-12)
	assert.InDelta(t, 5.0, g.DecisionB.Norm(), 1e-12)

	_, clipped = clipByNorm(g.DecisionB, 10)
	assert.False(t, clipped)
}

func TestConcurrentRolloutsShareParams(t *testing.T) {
	g := newTestGenerator(t)
	ctx := context.Background()
	ref := reference()

	var calls atomic.Int32
	done := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func(keep int) {
			calls.Add(1)
			_, err := g.Rollout(ctx, ref, keep)
			done <- err
		}(i % (g.cfg.SeqLen + 1))
	}
	for i := 0; i < 8; i++ {
		require.NoError(t, <-done)
	}
	assert.Equal(t, int32(8), calls.Load())
}

func mean(x []float64) float64 {
	s := 0.0
	for _, v := range x {
		s += v
	}
	return s / float64(len(x))
}

func constant(v float64) Discriminator {
	return DiscriminatorFunc(func(_ context.Context, seqs [][]int) ([]float64, error) {
		out := make([]float64, len(seqs))
		for i := range out {
			out[i] = v
		}
		return out, nil
	})
}

var errOffline = errors.New("offline")
