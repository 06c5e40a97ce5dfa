// Package generator implements the sequence generator of a SeqGAN training loop: an
// LSTM language model decoded under a single teacher-forcing threshold, trained by
// maximum likelihood and by policy gradient with Monte-Carlo rollout rewards.
package generator

import (
	"context"
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/stat"

	"github.com/23skdu/longbow-seqgan/internal/config"
	"github.com/23skdu/longbow-seqgan/internal/logger"
	"github.com/23skdu/longbow-seqgan/internal/metrics"
	"github.com/23skdu/longbow-seqgan/internal/sampler"
	"github.com/23skdu/longbow-seqgan/internal/tensor"
)

// PretrainSummary reports one maximum-likelihood step.
type PretrainSummary struct {
	Loss    float64
	Floored int
}

// TrainSummary reports one policy-gradient step.
type TrainSummary struct {
	Loss       float64
	MeanReward float64
	Floored    int
}

// Generator owns the model parameters and optimizer state. Decoding operations may
// run concurrently with each other; Pretrain and Train take an exclusive lock.
type Generator struct {
	cfg config.GeneratorConfig

	mu     sync.RWMutex
	params *Params
	dec    *decoder
	opt    *adam

	rngMu  sync.Mutex
	master *sampler.Sampler

	log *logger.Logger
}

// New validates cfg and allocates all parameters.
func New(cfg config.GeneratorConfig) (*Generator, error) {
	if err := cfg.Validate(); err != nil {
		metrics.RecordValidationError("new", "config")
		return nil, fmt.Errorf("generator config: %w", err)
	}

	master := sampler.New(cfg.Seed)
	params := newParams(cfg, master.Rand())
	g := &Generator{
		cfg:    cfg,
		params: params,
		dec:    newDecoder(params, cfg.BatchSize, cfg.SeqLen, cfg.StartToken),
		opt:    newAdam(cfg, params),
		master: master,
		log:    logger.Log.With("generator"),
	}

	g.log.Info("generator initialized",
		"batch_size", cfg.BatchSize,
		"seq_len", cfg.SeqLen,
		"vocab_size", cfg.VocabSize,
		"emb_dim", cfg.EmbDim,
		"hidden_dim", cfg.HiddenDim,
		"params", cfg.NumParams(),
		"seed", master.Seed(),
	)
	return g, nil
}

func (g *Generator) Config() config.GeneratorConfig {
	return g.cfg
}

// Snapshot returns a deep copy of the current parameters.
func (g *Generator) Snapshot() *Params {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.params.Clone()
}

// split hands out an independent sampler from the master stream.
func (g *Generator) split() *sampler.Sampler {
	g.rngMu.Lock()
	defer g.rngMu.Unlock()
	return g.master.Split()
}

// Generate samples a batch from the model with no teacher forcing.
func (g *Generator) Generate(ctx context.Context) ([][]int, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	p, err := g.dec.decodeTimed(ctx, "generate", 0, nil, g.split(), decodeOptions{})
	if err != nil {
		return nil, err
	}
	return p.ids, nil
}

// Rollout keeps the first keepSteps tokens of reference and samples the rest.
func (g *Generator) Rollout(ctx context.Context, reference [][]int, keepSteps int) ([][]int, error) {
	ids, _, err := g.rollout(ctx, reference, keepSteps, false)
	return ids, err
}

// RolloutWithProbs is Rollout that also returns the per-step distributions,
// shaped (batch, seq_len, vocab).
func (g *Generator) RolloutWithProbs(ctx context.Context, reference [][]int, keepSteps int) ([][]int, [][][]float64, error) {
	return g.rollout(ctx, reference, keepSteps, true)
}

func (g *Generator) rollout(ctx context.Context, reference [][]int, keepSteps int, withProbs bool) ([][]int, [][][]float64, error) {
	if err := g.validateSequences("rollout", reference); err != nil {
		return nil, nil, err
	}
	if err := g.validateThreshold("rollout", keepSteps); err != nil {
		return nil, nil, err
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	var s *sampler.Sampler
	if keepSteps < g.cfg.SeqLen {
		s = g.split()
	}
	p, err := g.dec.decodeTimed(ctx, "rollout", keepSteps, reference, s, decodeOptions{keepProbs: withProbs})
	if err != nil {
		return nil, nil, err
	}
	return p.ids, p.probs, nil
}

// Evaluate returns the teacher-forced cross-entropy of reference without updating
// parameters.
func (g *Generator) Evaluate(ctx context.Context, reference [][]int) (float64, error) {
	if err := g.validateSequences("evaluate", reference); err != nil {
		return 0, err
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	p, err := g.dec.decodeTimed(ctx, "teacher_forced", g.cfg.SeqLen, reference, nil, decodeOptions{keepProbs: true})
	if err != nil {
		return 0, err
	}
	loss := 0.0
	for b, row := range p.probs {
		for t, probs := range row {
			loss -= math.Log(probs[reference[b][t]] + LogFloor)
		}
	}
	return loss / float64(g.cfg.BatchSize*g.cfg.SeqLen), nil
}

// Pretrain applies one maximum-likelihood step on reference: cross-entropy of the
// teacher-forced pass averaged over batch and time, followed by a clipped Adam update.
func (g *Generator) Pretrain(ctx context.Context, reference [][]int) (PretrainSummary, error) {
	if err := g.validateSequences("pretrain", reference); err != nil {
		return PretrainSummary{}, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	res, err := g.backward(ctx, "pretrain", reference, nil)
	if err != nil {
		return PretrainSummary{}, err
	}
	g.applyUpdate("pretrain", res)

	metrics.RecordPretrain(res.loss)
	g.log.Debug("pretrain step", "loss", res.loss, "floored", res.floored)
	return PretrainSummary{Loss: res.loss, Floored: res.floored}, nil
}

// Train applies one policy-gradient step. sequence holds tokens previously sampled
// from this generator and rewards their per-position returns; the loss is
// -mean_{b,t}(log p(sequence[b][t]) * rewards[b][t]).
func (g *Generator) Train(ctx context.Context, sequence [][]int, rewards [][]float64) (TrainSummary, error) {
	if err := g.validateSequences("train", sequence); err != nil {
		return TrainSummary{}, err
	}
	if err := g.validateRewards("train", rewards); err != nil {
		return TrainSummary{}, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	res, err := g.backward(ctx, "policy_gradient", sequence, rewards)
	if err != nil {
		return TrainSummary{}, err
	}
	g.applyUpdate("policy_gradient", res)

	mean := meanReward(rewards)
	metrics.RecordPolicyGradient(res.loss, mean)
	g.log.Debug("policy gradient step", "loss", res.loss, "mean_reward", mean, "floored", res.floored)
	return TrainSummary{Loss: res.loss, MeanReward: mean, Floored: res.floored}, nil
}

// backward replays sequence under teacher forcing, which reproduces exactly the
// distributions the sequence was sampled from, and differentiates the weighted
// negative log-likelihood. Callers hold the write lock.
func (g *Generator) backward(ctx context.Context, op string, sequence [][]int, weights [][]float64) (lossResult, error) {
	p, err := g.dec.decodeTimed(ctx, "teacher_forced", g.cfg.SeqLen, sequence, nil, decodeOptions{keepSteps: true})
	if err != nil {
		return lossResult{}, err
	}

	scale := 1.0 / float64(g.cfg.BatchSize*g.cfg.SeqLen)
	res := weightedNLL(g.params, g.dec.cell, p, p.ids, weights, scale)
	metrics.RecordLogFloor(op, res.floored)

	if math.IsNaN(res.loss) || math.IsInf(res.loss, 0) {
		nan, inf := tensor.CountNonFinite([]float64{res.loss})
		metrics.RecordNumericalInstability(op+"_loss", nan, inf)
		g.log.Warn("non-finite loss, skipping update", "op", op, "loss", res.loss)
		return lossResult{}, fmt.Errorf("%s loss: %w", op, ErrNonFinite)
	}
	return res, nil
}

func (g *Generator) applyUpdate(op string, res lossResult) {
	for _, st := range g.opt.step(g.params, res.grads) {
		if st.clipped {
			g.log.Debug("gradient clipped", "op", op, "param", st.name, "norm", st.norm)
		}
	}
}

func meanReward(rewards [][]float64) float64 {
	flat := make([]float64, 0, len(rewards)*len(rewards[0]))
	for _, row := range rewards {
		flat = append(flat, row...)
	}
	return stat.Mean(flat, nil)
}

func (g *Generator) validateSequences(op string, seqs [][]int) error {
	if len(seqs) != g.cfg.BatchSize {
		metrics.RecordValidationError(op, "shape")
		return fmt.Errorf("%s: got %d sequences, want batch_size %d: %w", op, len(seqs), g.cfg.BatchSize, ErrShape)
	}
	for b, row := range seqs {
		if len(row) != g.cfg.SeqLen {
			metrics.RecordValidationError(op, "shape")
			return fmt.Errorf("%s: sequence %d has length %d, want seq_len %d: %w", op, b, len(row), g.cfg.SeqLen, ErrShape)
		}
		for t, tok := range row {
			if tok < 0 || tok >= g.cfg.VocabSize {
				metrics.RecordValidationError(op, "token_range")
				return fmt.Errorf("%s: token %d at [%d][%d] not in [0, %d): %w", op, tok, b, t, g.cfg.VocabSize, ErrTokenRange)
			}
		}
	}
	return nil
}

func (g *Generator) validateRewards(op string, rewards [][]float64) error {
	if len(rewards) != g.cfg.BatchSize {
		metrics.RecordValidationError(op, "shape")
		return fmt.Errorf("%s: got %d reward rows, want batch_size %d: %w", op, len(rewards), g.cfg.BatchSize, ErrShape)
	}
	for b, row := range rewards {
		if len(row) != g.cfg.SeqLen {
			metrics.RecordValidationError(op, "shape")
			return fmt.Errorf("%s: reward row %d has length %d, want seq_len %d: %w", op, b, len(row), g.cfg.SeqLen, ErrShape)
		}
		if nan, inf := tensor.CountNonFinite(row); nan+inf > 0 {
			metrics.RecordValidationError(op, "non_finite")
			return fmt.Errorf("%s: reward row %d: %w", op, b, ErrNonFinite)
		}
	}
	return nil
}

func (g *Generator) validateThreshold(op string, keepSteps int) error {
	if keepSteps < 0 || keepSteps > g.cfg.SeqLen {
		metrics.RecordValidationError(op, "threshold")
		return fmt.Errorf("%s: keep_steps %d not in [0, %d]: %w", op, keepSteps, g.cfg.SeqLen, ErrThreshold)
	}
	return nil
}
