package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordDecode(t *testing.T) {
	before := TotalTokens()
	startCount := testutil.ToFloat64(GeneratedTokensTotal.WithLabelValues("generate"))

	RecordDecode("generate", 10, 5*time.Millisecond)
	RecordDecode("generate", 6, 3*time.Millisecond)

	if got := TotalTokens() - before; got != 16 {
		t.Errorf("expected 16 tokens, got %d", got)
	}
	if got := testutil.ToFloat64(GeneratedTokensTotal.WithLabelValues("generate")) - startCount; got != 16 {
		t.Errorf("expected counter delta 16, got %v", got)
	}
}

func TestRecordPretrain(t *testing.T) {
	steps := testutil.ToFloat64(TrainStepsTotal.WithLabelValues("pretrain"))
	RecordPretrain(2.5)

	if got := testutil.ToFloat64(PretrainLoss); got != 2.5 {
		t.Errorf("expected pretrain loss 2.5, got %v", got)
	}
	if got := testutil.ToFloat64(TrainStepsTotal.WithLabelValues("pretrain")) - steps; got != 1 {
		t.Errorf("expected one pretrain step, got %v", got)
	}
}

func TestRecordPolicyGradient(t *testing.T) {
	RecordPolicyGradient(-0.3, 0.42)
	if got := testutil.ToFloat64(PolicyGradientLoss); got != -0.3 {
		t.Errorf("expected pg loss -0.3, got %v", got)
	}
}

func TestRecordNumericalInstability(t *testing.T) {
	nan := testutil.ToFloat64(NumericalInstability.WithLabelValues("probs", "nan"))
	inf := testutil.ToFloat64(NumericalInstability.WithLabelValues("probs", "inf"))

	RecordNumericalInstability("probs", 5, 0)
	RecordNumericalInstability("probs", 0, 3)

	if got := testutil.ToFloat64(NumericalInstability.WithLabelValues("probs", "nan")) - nan; got != 5 {
		t.Errorf("expected 5 nan, got %v", got)
	}
	if got := testutil.ToFloat64(NumericalInstability.WithLabelValues("probs", "inf")) - inf; got != 3 {
		t.Errorf("expected 3 inf, got %v", got)
	}
}

func TestRecordLogFloorIgnoresZero(t *testing.T) {
	before := testutil.ToFloat64(NumericalInstability.WithLabelValues("pg_loss", "floor"))
	RecordLogFloor("pg_loss", 0)
	RecordLogFloor("pg_loss", 2)
	if got := testutil.ToFloat64(NumericalInstability.WithLabelValues("pg_loss", "floor")) - before; got != 2 {
		t.Errorf("expected 2 floored values, got %v", got)
	}
}

func TestRecordHelpersDoNotPanic(t *testing.T) {
	RecordRewardEstimation(32, 40*time.Millisecond)
	RecordDiscriminator("flight", 3*time.Millisecond)
	RecordGradientNorm("embedding", 7.5, true)
	RecordGradientNorm("decision_w", 0.2, false)
	RecordValidationError("rollout", "shape")
}
