// Package metric derives named monitoring signals from raw health check and
// pipeline run history. All functions are pure: they never touch storage and
// are deterministic for a given input window.
package metric

import (
	"math"
	"time"
)

// Metric names understood by alert rule conditions.
const (
	MetricFreshnessAge = "freshness_age_hours"
	MetricVolumeDelta  = "volume_delta_percent"
	MetricSuccessRate  = "success_rate_percent"
	MetricHealthScore  = "health_score"
	MetricLatency      = "latency_ms"
)

// CheckSample is one health check observation within a window.
type CheckSample struct {
	CheckedAt    time.Time
	Success      bool
	Latency      time.Duration
	FreshnessAge time.Duration
	Volume       float64
	HasVolume    bool
}

// RunSample is one pipeline run observation within a window.
type RunSample struct {
	StartedAt  time.Time
	FinishedAt time.Time
	Succeeded  bool
	Records    int64
}

// Signals holds the derived values for one entity at one evaluation instant.
//
// Sufficient reports whether the window contained enough observations to
// compute ratio metrics. An empty window yields Sufficient=false rather than
// zeroes so that callers can distinguish "no data" from "no failures".
type Signals struct {
	FreshnessAgeHours  float64
	VolumeDeltaPercent float64
	SuccessRatePercent float64
	HealthScore        float64
	LatencyMillis      float64

	CheckCount  int
	RunCount    int
	LastEventAt time.Time
	Sufficient  bool
}

// Value returns the named metric from the signal set.
// The second return is false for unknown metric names.
func (s Signals) Value(name string) (float64, bool) {
	switch name {
	case MetricFreshnessAge:
		return s.FreshnessAgeHours, true
	case MetricVolumeDelta:
		return s.VolumeDeltaPercent, true
	case MetricSuccessRate:
		return s.SuccessRatePercent, true
	case MetricHealthScore:
		return s.HealthScore, true
	case MetricLatency:
		return s.LatencyMillis, true
	default:
		return 0, false
	}
}

// Weights controls the health score composition. The three components are
// normalized, so weights do not need to sum to one.
type Weights struct {
	Freshness       float64 `yaml:"freshness"`
	SuccessRate     float64 `yaml:"success_rate"`
	VolumeStability float64 `yaml:"volume_stability"`
}

// DefaultWeights returns the default health score weighting.
func DefaultWeights() Weights {
	return Weights{Freshness: 0.4, SuccessRate: 0.4, VolumeStability: 0.2}
}

// CalculatorConfig holds the tunable parameters of the calculator.
type CalculatorConfig struct {
	// Weights for the composite health score.
	Weights Weights

	// FreshnessBudget is the age at which the freshness component of the
	// health score reaches zero. Default: 48h.
	FreshnessBudget time.Duration

	// VolumeBudgetPercent is the absolute volume deviation at which the
	// volume stability component reaches zero. Default: 50.
	VolumeBudgetPercent float64
}

// Calculator turns observation windows into Signals.
type Calculator struct {
	cfg CalculatorConfig
}

// NewCalculator creates a Calculator, applying defaults for zero fields.
func NewCalculator(cfg CalculatorConfig) *Calculator {
	if cfg.Weights == (Weights{}) {
		cfg.Weights = DefaultWeights()
	}
	if cfg.FreshnessBudget == 0 {
		cfg.FreshnessBudget = 48 * time.Hour
	}
	if cfg.VolumeBudgetPercent == 0 {
		cfg.VolumeBudgetPercent = 50
	}
	return &Calculator{cfg: cfg}
}

// Compute derives Signals from the given window. Samples are expected in
// chronological order; the most recent sample drives point-in-time metrics
// (freshness, latency, volume delta).
func (c *Calculator) Compute(now time.Time, checks []CheckSample, runs []RunSample) Signals {
	sig := Signals{
		CheckCount: len(checks),
		RunCount:   len(runs),
	}

	if len(checks) == 0 && len(runs) == 0 {
		return sig
	}
	sig.Sufficient = true
	sig.LastEventAt = lastEventTime(checks, runs)

	if len(checks) > 0 {
		latest := checks[len(checks)-1]
		sig.FreshnessAgeHours = latest.FreshnessAge.Hours()
		sig.LatencyMillis = float64(latest.Latency.Milliseconds())
		sig.VolumeDeltaPercent = volumeDelta(checks)
	} else if len(runs) > 0 {
		// No checks recorded. Freshness falls back to time since the
		// last run event, volume delta to run record counts.
		sig.FreshnessAgeHours = now.Sub(sig.LastEventAt).Hours()
		sig.VolumeDeltaPercent = runVolumeDelta(runs)
	}

	sig.SuccessRatePercent = successRate(checks, runs)
	sig.HealthScore = c.healthScore(sig)
	return sig
}

// healthScore combines the signal components into a 0..100 score.
// It is monotonically non-increasing in freshness age and volume deviation,
// and non-decreasing in success rate.
func (c *Calculator) healthScore(sig Signals) float64 {
	w := c.cfg.Weights
	total := w.Freshness + w.SuccessRate + w.VolumeStability
	if total <= 0 {
		return 0
	}

	freshness := clamp01(1 - sig.FreshnessAgeHours/c.cfg.FreshnessBudget.Hours())
	success := clamp01(sig.SuccessRatePercent / 100)
	stability := clamp01(1 - math.Abs(sig.VolumeDeltaPercent)/c.cfg.VolumeBudgetPercent)

	score := (w.Freshness*freshness + w.SuccessRate*success + w.VolumeStability*stability) / total
	return math.Round(score*1000) / 10
}

// VolumeSeries extracts the volume observations of a check window, oldest
// first. Samples without a volume reading are skipped.
func VolumeSeries(checks []CheckSample) []float64 {
	var series []float64
	for _, s := range checks {
		if s.HasVolume {
			series = append(series, s.Volume)
		}
	}
	return series
}

// RecordSeries extracts the records-processed counts of a run window.
func RecordSeries(runs []RunSample) []float64 {
	series := make([]float64, 0, len(runs))
	for _, r := range runs {
		series = append(series, float64(r.Records))
	}
	return series
}

// MeanStdDev returns the mean and population standard deviation of values.
// ok is false when values is empty.
func MeanStdDev(values []float64) (mean, stddev float64, ok bool) {
	if len(values) == 0 {
		return 0, 0, false
	}
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))

	var variance float64
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(values))
	return mean, math.Sqrt(variance), true
}

// volumeDelta compares the latest volume reading to the trailing mean of the
// readings before it. Returns 0 when fewer than two readings exist.
func volumeDelta(checks []CheckSample) float64 {
	series := VolumeSeries(checks)
	if len(series) < 2 {
		return 0
	}
	current := series[len(series)-1]
	baseline, _, _ := MeanStdDev(series[:len(series)-1])
	if baseline == 0 {
		if current == 0 {
			return 0
		}
		return 100
	}
	return (current - baseline) / baseline * 100
}

func runVolumeDelta(runs []RunSample) float64 {
	series := RecordSeries(runs)
	if len(series) < 2 {
		return 0
	}
	current := series[len(series)-1]
	baseline, _, _ := MeanStdDev(series[:len(series)-1])
	if baseline == 0 {
		if current == 0 {
			return 0
		}
		return 100
	}
	return (current - baseline) / baseline * 100
}

// successRate is successful observations over total observations, as a
// percentage. Runs and checks both count; callers pass only the relevant
// window for the entity being evaluated.
func successRate(checks []CheckSample, runs []RunSample) float64 {
	total := 0
	succeeded := 0
	for _, s := range checks {
		total++
		if s.Success {
			succeeded++
		}
	}
	for _, r := range runs {
		total++
		if r.Succeeded {
			succeeded++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(succeeded) / float64(total) * 100
}

func lastEventTime(checks []CheckSample, runs []RunSample) time.Time {
	var last time.Time
	for _, s := range checks {
		if s.CheckedAt.After(last) {
			last = s.CheckedAt
		}
	}
	for _, r := range runs {
		t := r.FinishedAt
		if t.IsZero() {
			t = r.StartedAt
		}
		if t.After(last) {
			last = t
		}
	}
	return last
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
