package domain

import "time"

// ConfidenceInterval bounds the treatment-minus-control mean difference.
type ConfidenceInterval struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
}

// StatisticalAnalysis is the result of a two-sample comparison.
// It is always derived by the statistics engine, never hand-set.
type StatisticalAnalysis struct {
	ControlSampleSize   int     `json:"control_sample_size"`
	TreatmentSampleSize int     `json:"treatment_sample_size"`
	ControlMean         float64 `json:"control_mean"`
	TreatmentMean       float64 `json:"treatment_mean"`

	TStatistic         float64            `json:"t_statistic"`
	DegreesOfFreedom   float64            `json:"degrees_of_freedom"`
	PValue             float64            `json:"p_value"` // [0,1]
	ConfidenceInterval ConfidenceInterval `json:"confidence_interval"`
	EffectSize         float64            `json:"effect_size"`    // Cohen's d, pooled SD
	PowerAnalysis      float64            `json:"power_analysis"` // post-hoc power, [0,1]

	StatisticallySignificant bool   `json:"statistically_significant"`
	Warning                  string `json:"warning,omitempty"`
}

// PerformanceComparison contrasts control and treatment populations.
type PerformanceComparison struct {
	Control   PerformanceMetrics `json:"control"`
	Treatment PerformanceMetrics `json:"treatment"`

	RelativeImprovement     float64 `json:"relative_improvement"`   // fraction, 0.2 = +20%
	AbsoluteDifference      float64 `json:"absolute_difference"`    // treatment - control expectancy
	PercentageImprovement   float64 `json:"percentage_improvement"` // RelativeImprovement * 100
	RiskAdjustedImprovement float64 `json:"risk_adjusted_improvement"`

	Analysis StatisticalAnalysis `json:"analysis"`
	Warning  string              `json:"warning,omitempty"`
}

// StatisticallySignificant forwards the embedded analysis verdict.
func (c PerformanceComparison) StatisticallySignificant() bool {
	return c.Analysis.StatisticallySignificant
}

// Shadow recommendations.
const (
	RecommendProceed      = "proceed"
	RecommendInsufficient = "insufficient"
	RecommendAbort        = "abort"
)

// ShadowTestResults is the immutable outcome of a completed shadow run.
type ShadowTestResults struct {
	TestID           string        `json:"test_id"`
	StartTime        time.Time     `json:"start_time"`
	EndTime          time.Time     `json:"end_time"`
	Duration         time.Duration `json:"duration"`
	TotalSignals     int           `json:"total_signals"`
	TradesExecuted   int           `json:"trades_executed"`
	ValidationPassed bool          `json:"validation_passed"`
	Recommendation   string        `json:"recommendation"`

	Comparison PerformanceComparison `json:"comparison"` // treatment vs synthetic baseline
}
