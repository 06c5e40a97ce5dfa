package main

import (
	"context"
	"fmt"
	"os"

	"github.com/23skdu/longbow-seqgan/internal/config"
	"github.com/23skdu/longbow-seqgan/internal/generator"
	"github.com/23skdu/longbow-seqgan/internal/logger"
	"github.com/23skdu/longbow-seqgan/internal/monitoring"
	"github.com/23skdu/longbow-seqgan/internal/seqio"
)

// trainer runs the pretraining and adversarial phases over a corpus of real batches.
type trainer struct {
	gen    *generator.Generator
	cfg    config.TrainConfig
	real   [][][]int
	disc   generator.Discriminator
	health *monitoring.HealthMonitor
	log    *logger.Logger

	lastSamples [][]int
	lastRewards [][]float64
}

// loadCorpus reads an Arrow IPC sample file and cuts it into full batches.
func loadCorpus(path string, gcfg config.GeneratorConfig) ([][][]int, error) {
	if path == "" {
		return nil, fmt.Errorf("no data file given (--data)")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	rows, err := seqio.ReadSamples(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	batches := seqio.Batches(rows, gcfg.BatchSize)
	if len(batches) == 0 {
		return nil, fmt.Errorf("%s holds %d sequences, fewer than one batch of %d", path, len(rows), gcfg.BatchSize)
	}
	return batches, nil
}

// pretrain runs PretrainEpochs passes of maximum-likelihood steps over the corpus.
func (t *trainer) pretrain(ctx context.Context) error {
	for epoch := 0; epoch < t.cfg.PretrainEpochs; epoch++ {
		total := 0.0
		for _, batch := range t.real {
			sum, err := t.gen.Pretrain(ctx, batch)
			if err != nil {
				t.health.RecordFailure("pretrain", err)
				return fmt.Errorf("pretrain epoch %d: %w", epoch, err)
			}
			t.health.RecordPretrain(sum.Loss)
			total += sum.Loss
		}
		t.log.Info("pretrain epoch", "epoch", epoch, "loss", total/float64(len(t.real)))
	}
	return nil
}

// adversarial runs AdversarialEpochs policy-gradient steps: sample a batch, estimate
// rollout rewards against the discriminator, and train on them.
func (t *trainer) adversarial(ctx context.Context) error {
	for epoch := 0; epoch < t.cfg.AdversarialEpochs; epoch++ {
		samples, err := t.gen.Generate(ctx)
		if err != nil {
			return fmt.Errorf("adversarial epoch %d: %w", epoch, err)
		}
		rewards, err := t.gen.GetReward(ctx, samples, t.cfg.RolloutNum, t.disc)
		if err != nil {
			t.health.RecordFailure("discriminator", err)
			return fmt.Errorf("adversarial epoch %d: %w", epoch, err)
		}
		sum, err := t.gen.Train(ctx, samples, rewards)
		if err != nil {
			t.health.RecordFailure("adversarial", err)
			return fmt.Errorf("adversarial epoch %d: %w", epoch, err)
		}
		t.health.RecordAdversarial(sum.Loss, sum.MeanReward)
		t.lastSamples, t.lastRewards = samples, rewards

		nll, err := t.gen.Evaluate(ctx, t.real[epoch%len(t.real)])
		if err != nil {
			return err
		}
		t.log.Info("adversarial epoch",
			"epoch", epoch,
			"pg_loss", sum.Loss,
			"mean_reward", sum.MeanReward,
			"real_nll", nll,
		)
	}
	return nil
}

// writeSamples dumps the last adversarial batch and its rewards.
func (t *trainer) writeSamples(path string) error {
	if path == "" || t.lastSamples == nil {
		return nil
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := seqio.WriteRewards(f, t.lastSamples, t.lastRewards); err != nil {
		f.Close()
		return err
	}
	t.log.Info("samples written", "path", path, "sequences", len(t.lastSamples))
	return f.Close()
}
