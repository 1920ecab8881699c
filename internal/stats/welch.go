// Package stats implements the two-sample significance testing used to gate
// shadow and rollout decisions. All functions are pure.
package stats

import (
	"math"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"canary-pipeline/internal/domain"
)

// DefaultMaxPValue is used when the caller passes an out-of-range threshold.
const DefaultMaxPValue = 0.05

// Warnings attached to degenerate analyses.
const (
	WarnInsufficientSamples = "insufficient_samples"
	WarnZeroVariance        = "zero_variance"
	WarnZeroBaseline        = "zero_baseline"
)

// Evaluate runs Welch's t-test of treatment against control.
// Fewer than two samples on either side yields p = 1 and no significance.
func Evaluate(control, treatment []float64, maxP float64) domain.StatisticalAnalysis {
	if maxP <= 0 || maxP >= 1 {
		maxP = DefaultMaxPValue
	}

	n1, n2 := len(control), len(treatment)
	res := domain.StatisticalAnalysis{
		ControlSampleSize:   n1,
		TreatmentSampleSize: n2,
		PValue:              1,
	}
	if n1 > 0 {
		res.ControlMean = stat.Mean(control, nil)
	}
	if n2 > 0 {
		res.TreatmentMean = stat.Mean(treatment, nil)
	}
	diff := res.TreatmentMean - res.ControlMean
	res.ConfidenceInterval = domain.ConfidenceInterval{Lower: diff, Upper: diff}

	if n1 < 2 || n2 < 2 {
		res.Warning = WarnInsufficientSamples
		return res
	}

	_, v1 := stat.MeanVariance(control, nil)
	_, v2 := stat.MeanVariance(treatment, nil)
	fn1, fn2 := float64(n1), float64(n2)
	s1, s2 := v1/fn1, v2/fn2
	se2 := s1 + s2

	res.EffectSize = cohensD(diff, v1, v2, fn1, fn2)

	if se2 == 0 {
		res.Warning = WarnZeroVariance
		if diff != 0 {
			// Identical samples on each side with different means: the
			// difference is exact.
			res.PValue = 0
			res.PowerAnalysis = 1
		}
		res.StatisticallySignificant = res.PValue < maxP
		return res
	}

	se := math.Sqrt(se2)
	df := se2 * se2 / (s1*s1/(fn1-1) + s2*s2/(fn2-1))
	t := diff / se

	dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: df}
	p := 2 * dist.Survival(math.Abs(t))
	tcrit := dist.Quantile(0.975)

	res.TStatistic = t
	res.DegreesOfFreedom = df
	res.PValue = clamp01(p)
	res.ConfidenceInterval = domain.ConfidenceInterval{
		Lower: diff - tcrit*se,
		Upper: diff + tcrit*se,
	}
	res.PowerAnalysis = power(math.Abs(diff)/se, maxP)
	res.StatisticallySignificant = res.PValue < maxP
	return res
}

// ImprovementPct returns (treatment - control) / |control| as a fraction.
// A zero control mean returns 0 and warn = true instead of dividing.
func ImprovementPct(controlMean, treatmentMean float64) (pct float64, warn bool) {
	if controlMean == 0 {
		return 0, true
	}
	return (treatmentMean - controlMean) / math.Abs(controlMean), false
}

// cohensD uses the pooled standard deviation of both samples.
func cohensD(diff, v1, v2, n1, n2 float64) float64 {
	pooled := math.Sqrt(((n1-1)*v1 + (n2-1)*v2) / (n1 + n2 - 2))
	if pooled == 0 || math.IsNaN(pooled) {
		return 0
	}
	return diff / pooled
}

// power is the post-hoc power of a two-sided test at level alpha,
// using the normal approximation for standardized effect ncp.
func power(ncp, alpha float64) float64 {
	z := distuv.UnitNormal.Quantile(1 - alpha/2)
	return clamp01(distuv.UnitNormal.CDF(ncp-z) + distuv.UnitNormal.CDF(-ncp-z))
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 1
	}
	return math.Max(0, math.Min(1, v))
}
