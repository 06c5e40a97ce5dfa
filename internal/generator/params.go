package generator

import (
	"math/rand"

	"github.com/23skdu/longbow-seqgan/internal/config"
	"github.com/23skdu/longbow-seqgan/internal/tensor"
)

// Params is the generator's trainable state. Every decoding pass reads the same
// Params; only Pretrain and Train write to it.
type Params struct {
	// Embedding maps a token to its input vector, shape (vocab, emb).
	Embedding *tensor.Tensor
	// Kernel is the LSTM weight applied to [x, h_prev], shape (emb+hidden, 4*hidden),
	// gate blocks ordered input, candidate, forget, output.
	Kernel *tensor.Tensor
	// Bias of the LSTM gates, shape (1, 4*hidden).
	Bias *tensor.Tensor
	// DecisionW projects the hidden state to vocabulary logits, shape (hidden, vocab).
	DecisionW *tensor.Tensor
	// DecisionB is the logit bias, shape (1, vocab).
	DecisionB *tensor.Tensor
}

func newParams(cfg config.GeneratorConfig, rng *rand.Rand) *Params {
	return &Params{
		Embedding: tensor.Randn("embedding", cfg.VocabSize, cfg.EmbDim, cfg.InitStd, rng),
		Kernel:    tensor.GlorotUniform("lstm_kernel", cfg.EmbDim+cfg.HiddenDim, 4*cfg.HiddenDim, rng),
		Bias:      tensor.New("lstm_bias", 1, 4*cfg.HiddenDim),
		DecisionW: tensor.Randn("decision_w", cfg.HiddenDim, cfg.VocabSize, 1.0, rng),
		DecisionB: tensor.New("decision_b", 1, cfg.VocabSize),
	}
}

// zerosLike allocates a gradient accumulator with the same layout.
func (p *Params) zerosLike() *Params {
	return &Params{
		Embedding: tensor.ZerosLike(p.Embedding, "_grad"),
		Kernel:    tensor.ZerosLike(p.Kernel, "_grad"),
		Bias:      tensor.ZerosLike(p.Bias, "_grad"),
		DecisionW: tensor.ZerosLike(p.DecisionW, "_grad"),
		DecisionB: tensor.ZerosLike(p.DecisionB, "_grad"),
	}
}

// List returns the tensors in a fixed order shared by params, grads and optimizer slots.
func (p *Params) List() []*tensor.Tensor {
	return []*tensor.Tensor{p.Embedding, p.Kernel, p.Bias, p.DecisionW, p.DecisionB}
}

// Clone deep-copies the parameters.
func (p *Params) Clone() *Params {
	return &Params{
		Embedding: clone(p.Embedding),
		Kernel:    clone(p.Kernel),
		Bias:      clone(p.Bias),
		DecisionW: clone(p.DecisionW),
		DecisionB: clone(p.DecisionB),
	}
}

func clone(t *tensor.Tensor) *tensor.Tensor {
	out := tensor.New(t.Name(), t.Rows(), t.Cols())
	copy(out.Data(), t.Data())
	return out
}

func (p *Params) add(o *Params) {
	other := o.List()
	for i, t := range p.List() {
		t.Add(other[i])
	}
}
