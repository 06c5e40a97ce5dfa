package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var totalTokens atomic.Int64

var (
	GeneratedTokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "seqgan_generated_tokens_total",
		Help: "Tokens emitted by decoding passes",
	}, []string{"mode"})

	DecodeDuration = promauto.NewSummaryVec(prometheus.SummaryOpts{
		Name:       "seqgan_decode_duration_seconds",
		Help:       "Duration of full decoding passes",
		Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
	}, []string{"mode"})

	PretrainLoss = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "seqgan_pretrain_loss",
		Help: "Cross-entropy loss of the last maximum-likelihood step",
	})

	PolicyGradientLoss = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "seqgan_policy_gradient_loss",
		Help: "Loss of the last policy-gradient step",
	})

	TrainStepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "seqgan_train_steps_total",
		Help: "Optimizer steps applied to generator parameters",
	}, []string{"phase"})

	MeanReward = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "seqgan_mean_reward",
		Help:    "Mean per-batch reward fed to the policy-gradient step",
		Buckets: []float64{0, 0.05, 0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
	})

	RolloutDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "seqgan_reward_estimation_duration_seconds",
		Help:    "Wall time of a full Monte-Carlo reward estimation",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	})

	RolloutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "seqgan_rollouts_total",
		Help: "Hybrid rollouts executed by the reward estimator",
	})

	DiscriminatorDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "seqgan_discriminator_duration_seconds",
		Help:    "Latency of discriminator scoring calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"backend"})

	GradientNorm = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "seqgan_gradient_norm",
		Help:    "L2 norm of parameter gradients before clipping",
		Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5, 10, 50, 100},
	}, []string{"param"})

	GradientClipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "seqgan_gradient_clipped_total",
		Help: "Gradients rescaled by norm clipping",
	}, []string{"param"})

	NumericalInstability = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "seqgan_numerical_instability_total",
		Help: "Total number of NaN/Inf values or floored log arguments detected",
	}, []string{"tensor", "type"})

	ValidationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "seqgan_validation_errors_total",
		Help: "Total number of rejected calls",
	}, []string{"operation", "error_type"})
)

func RecordDecode(mode string, tokens int, duration time.Duration) {
	GeneratedTokensTotal.WithLabelValues(mode).Add(float64(tokens))
	totalTokens.Add(int64(tokens))
	DecodeDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

// TotalTokens returns the number of tokens decoded since process start.
func TotalTokens() int64 {
	return totalTokens.Load()
}

func RecordPretrain(loss float64) {
	PretrainLoss.Set(loss)
	TrainStepsTotal.WithLabelValues("pretrain").Inc()
}

func RecordPolicyGradient(loss, meanReward float64) {
	PolicyGradientLoss.Set(loss)
	MeanReward.Observe(meanReward)
	TrainStepsTotal.WithLabelValues("adversarial").Inc()
}

func RecordRewardEstimation(rollouts int, duration time.Duration) {
	RolloutsTotal.Add(float64(rollouts))
	RolloutDuration.Observe(duration.Seconds())
}

func RecordDiscriminator(backend string, duration time.Duration) {
	DiscriminatorDuration.WithLabelValues(backend).Observe(duration.Seconds())
}

func RecordGradientNorm(param string, norm float64, clipped bool) {
	GradientNorm.WithLabelValues(param).Observe(norm)
	if clipped {
		GradientClipped.WithLabelValues(param).Inc()
	}
}

func RecordNumericalInstability(name string, nanCount, infCount int) {
	if nanCount > 0 {
		NumericalInstability.WithLabelValues(name, "nan").Add(float64(nanCount))
	}
	if infCount > 0 {
		NumericalInstability.WithLabelValues(name, "inf").Add(float64(infCount))
	}
}

// RecordLogFloor counts log arguments that fell below the numerical floor.
func RecordLogFloor(name string, count int) {
	if count > 0 {
		NumericalInstability.WithLabelValues(name, "floor").Add(float64(count))
	}
}

func RecordValidationError(operation, errorType string) {
	ValidationErrors.WithLabelValues(operation, errorType).Inc()
}
