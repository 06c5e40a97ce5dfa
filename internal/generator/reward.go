package generator

import (
	"context"
	"fmt"
	"math"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-seqgan/internal/metrics"
	"github.com/23skdu/longbow-seqgan/internal/sampler"
)

// Discriminator scores complete sequences. TruthProb returns, per sequence, the
// probability in [0, 1] that it came from real data. GetReward calls it from
// several goroutines at once, so implementations must be safe for concurrent use.
type Discriminator interface {
	TruthProb(ctx context.Context, sequences [][]int) ([]float64, error)
}

// DiscriminatorFunc adapts a function to the Discriminator interface.
type DiscriminatorFunc func(ctx context.Context, sequences [][]int) ([]float64, error)

func (f DiscriminatorFunc) TruthProb(ctx context.Context, sequences [][]int) ([]float64, error) {
	return f(ctx, sequences)
}

type rolloutJob struct {
	keep    int
	sampler *sampler.Sampler
	scores  []float64
}

// GetReward estimates, for every position p in [1, seq_len-1), the expected
// discriminator score of completing reference[:, :p] with the current policy,
// averaged over rolloutNum independent rollouts. Columns 0 and seq_len-1 are left
// at zero. All rollouts run concurrently on a bounded worker pool against the same
// read-only parameters; any discriminator failure aborts the whole estimate.
func (g *Generator) GetReward(ctx context.Context, reference [][]int, rolloutNum int, disc Discriminator) ([][]float64, error) {
	if err := g.validateSequences("get_reward", reference); err != nil {
		return nil, err
	}
	if rolloutNum < 1 {
		metrics.RecordValidationError("get_reward", "rollout_num")
		return nil, fmt.Errorf("get_reward: rollout_num %d: %w", rolloutNum, ErrRolloutNum)
	}
	if disc == nil {
		return nil, fmt.Errorf("get_reward: nil discriminator: %w", ErrDiscriminator)
	}

	rewards := make([][]float64, g.cfg.BatchSize)
	for b := range rewards {
		rewards[b] = make([]float64, g.cfg.SeqLen)
	}

	// Samplers are split in job order up front so a fixed seed gives the same
	// estimate regardless of scheduling.
	var jobs []*rolloutJob
	for keep := 1; keep < g.cfg.SeqLen-1; keep++ {
		for i := 0; i < rolloutNum; i++ {
			jobs = append(jobs, &rolloutJob{keep: keep, sampler: g.split()})
		}
	}
	if len(jobs) == 0 {
		return rewards, nil
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	start := time.Now()
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(g.cfg.Workers())
	for _, job := range jobs {
		eg.Go(func() error {
			p, err := g.dec.decode(egCtx, job.keep, reference, job.sampler, decodeOptions{})
			if err != nil {
				return err
			}
			scores, err := g.score(egCtx, disc, p.ids)
			if err != nil {
				return fmt.Errorf("get_reward: keep_steps %d: %w", job.keep, err)
			}
			job.scores = scores
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		g.log.Error("reward estimation failed", err, "rollout_num", rolloutNum)
		return nil, err
	}

	for _, job := range jobs {
		for b, s := range job.scores {
			rewards[b][job.keep] += s
		}
	}
	inv := 1.0 / float64(rolloutNum)
	for b := range rewards {
		for keep := 1; keep < g.cfg.SeqLen-1; keep++ {
			rewards[b][keep] *= inv
		}
	}

	elapsed := time.Since(start)
	metrics.RecordRewardEstimation(len(jobs), elapsed)
	g.log.Debug("rewards estimated", "rollouts", len(jobs), "elapsed", elapsed)
	return rewards, nil
}

// score calls the discriminator and checks the response shape and range.
func (g *Generator) score(ctx context.Context, disc Discriminator, seqs [][]int) ([]float64, error) {
	scores, err := disc.TruthProb(ctx, seqs)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDiscriminator, err)
	}
	if len(scores) != len(seqs) {
		metrics.RecordValidationError("get_reward", "discriminator_shape")
		return nil, fmt.Errorf("%w: got %d scores for %d sequences", ErrDiscriminator, len(scores), len(seqs))
	}
	for i, s := range scores {
		if math.IsNaN(s) || s < 0 || s > 1 {
			metrics.RecordValidationError("get_reward", "discriminator_range")
			return nil, fmt.Errorf("%w: score %v for sequence %d outside [0, 1]", ErrDiscriminator, s, i)
		}
	}
	return scores, nil
}
