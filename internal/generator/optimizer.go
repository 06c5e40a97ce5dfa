package generator

import (
	"math"

	"github.com/23skdu/longbow-seqgan/internal/config"
	"github.com/23skdu/longbow-seqgan/internal/metrics"
	"github.com/23skdu/longbow-seqgan/internal/tensor"
)

// adam is a bias-corrected Adam optimizer. Each gradient tensor is rescaled to at
// most clip in L2 norm before the update.
type adam struct {
	lr, beta1, beta2, eps, clip float64

	m, v []*tensor.Tensor
	t    int
}

func newAdam(cfg config.GeneratorConfig, params *Params) *adam {
	a := &adam{
		lr:    cfg.LearningRate,
		beta1: cfg.Beta1,
		beta2: cfg.Beta2,
		eps:   cfg.AdamEps,
		clip:  cfg.GradClip,
	}
	for _, p := range params.List() {
		a.m = append(a.m, tensor.ZerosLike(p, "_adam_m"))
		a.v = append(a.v, tensor.ZerosLike(p, "_adam_v"))
	}
	return a
}

// gradStat describes one parameter's gradient before clipping.
type gradStat struct {
	name    string
	norm    float64
	clipped bool
}

// clipByNorm rescales g so its L2 norm is at most clip.
func clipByNorm(g *tensor.Tensor, clip float64) (float64, bool) {
	norm := g.Norm()
	if norm > clip {
		g.Scale(clip / norm)
		return norm, true
	}
	return norm, false
}

func (a *adam) step(params, grads *Params) []gradStat {
	a.t++
	b1Corr := 1.0 - math.Pow(a.beta1, float64(a.t))
	b2Corr := 1.0 - math.Pow(a.beta2, float64(a.t))

	ps := params.List()
	gs := grads.List()
	stats := make([]gradStat, len(ps))
	for i, p := range ps {
		g := gs[i]
		norm, clipped := clipByNorm(g, a.clip)
		stats[i] = gradStat{name: p.Name(), norm: norm, clipped: clipped}
		metrics.RecordGradientNorm(p.Name(), norm, clipped)

		pd, gd := p.Data(), g.Data()
		md, vd := a.m[i].Data(), a.v[i].Data()
		for j := range pd {
			md[j] = a.beta1*md[j] + (1-a.beta1)*gd[j]
			vd[j] = a.beta2*vd[j] + (1-a.beta2)*gd[j]*gd[j]
			mhat := md[j] / b1Corr
			vhat := vd[j] / b2Corr
			pd[j] -= a.lr * mhat / (math.Sqrt(vhat) + a.eps)
		}
	}
	return stats
}
