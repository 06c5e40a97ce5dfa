package config

import (
	"fmt"
	"runtime"
)

// GeneratorConfig holds the construction parameters of the sequence generator.
// It is immutable once the generator has been built.
type GeneratorConfig struct {
	BatchSize  int
	SeqLen     int
	VocabSize  int
	EmbDim     int
	HiddenDim  int
	StartToken int

	LearningRate float64
	GradClip     float64
	Beta1        float64
	Beta2        float64
	AdamEps      float64

	// InitStd is the standard deviation of the embedding table initialiser.
	InitStd float64

	// Seed of the master random stream. Zero picks a time based seed.
	Seed int64

	// RolloutWorkers bounds concurrent Monte-Carlo rollouts. Zero means NumCPU.
	RolloutWorkers int
}

func (c *GeneratorConfig) Validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("invalid batch_size: %d (must be positive)", c.BatchSize)
	}
	if c.SeqLen <= 0 {
		return fmt.Errorf("invalid seq_len: %d (must be positive)", c.SeqLen)
	}
	if c.VocabSize <= 0 {
		return fmt.Errorf("invalid vocab_size: %d (must be positive)", c.VocabSize)
	}
	if c.EmbDim <= 0 {
		return fmt.Errorf("invalid emb_dim: %d (must be positive)", c.EmbDim)
	}
	if c.HiddenDim <= 0 {
		return fmt.Errorf("invalid hidden_dim: %d (must be positive)", c.HiddenDim)
	}
	if c.StartToken < 0 || c.StartToken >= c.VocabSize {
		return fmt.Errorf("invalid start_token: %d (must be in [0, %d))", c.StartToken, c.VocabSize)
	}
	if c.LearningRate <= 0 {
		return fmt.Errorf("invalid learning_rate: %f (must be positive)", c.LearningRate)
	}
	if c.GradClip <= 0 {
		return fmt.Errorf("invalid grad_clip: %f (must be positive)", c.GradClip)
	}
	if c.Beta1 < 0 || c.Beta1 >= 1 {
		return fmt.Errorf("invalid beta1: %f (must be in [0, 1))", c.Beta1)
	}
	if c.Beta2 < 0 || c.Beta2 >= 1 {
		return fmt.Errorf("invalid beta2: %f (must be in [0, 1))", c.Beta2)
	}
	if c.AdamEps <= 0 {
		return fmt.Errorf("invalid adam_eps: %g (must be positive)", c.AdamEps)
	}
	if c.InitStd <= 0 {
		return fmt.Errorf("invalid init_std: %f (must be positive)", c.InitStd)
	}
	if c.RolloutWorkers < 0 {
		return fmt.Errorf("invalid rollout_workers: %d (must be non-negative)", c.RolloutWorkers)
	}
	return nil
}

// Workers resolves the rollout worker count.
func (c *GeneratorConfig) Workers() int {
	if c.RolloutWorkers > 0 {
		return c.RolloutWorkers
	}
	return runtime.NumCPU()
}

// NumParams is the number of trainable scalars the generator allocates.
func (c *GeneratorConfig) NumParams() int {
	gates := 4 * c.HiddenDim
	return c.VocabSize*c.EmbDim +
		(c.EmbDim+c.HiddenDim)*gates + gates +
		c.HiddenDim*c.VocabSize + c.VocabSize
}

// Default returns the optimiser defaults; shape fields must be filled by the caller.
func Default() GeneratorConfig {
	return GeneratorConfig{
		LearningRate: 0.01,
		GradClip:     5.0,
		Beta1:        0.9,
		Beta2:        0.999,
		AdamEps:      1e-8,
		InitStd:      0.1,
	}
}

// TrainConfig drives the command line training loop.
type TrainConfig struct {
	PretrainEpochs    int
	AdversarialEpochs int
	RolloutNum        int

	DataPath          string
	SamplesPath       string
	DiscriminatorAddr string

	MetricsAddr string
	LogLevel    string
	LogFormat   string
}

func (c *TrainConfig) Validate() error {
	if c.PretrainEpochs < 0 {
		return fmt.Errorf("invalid pretrain_epochs: %d (must be non-negative)", c.PretrainEpochs)
	}
	if c.AdversarialEpochs < 0 {
		return fmt.Errorf("invalid adversarial_epochs: %d (must be non-negative)", c.AdversarialEpochs)
	}
	if c.AdversarialEpochs > 0 && c.RolloutNum <= 0 {
		return fmt.Errorf("invalid rollout_num: %d (must be positive for adversarial training)", c.RolloutNum)
	}
	return nil
}

func DefaultTrain() TrainConfig {
	return TrainConfig{
		PretrainEpochs:    80,
		AdversarialEpochs: 100,
		RolloutNum:        16,
		MetricsAddr:       ":9090",
		LogLevel:          "info",
		LogFormat:         "console",
	}
}
