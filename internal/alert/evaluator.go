package alert

import (
	"fmt"
	"math"
	"time"

	"github.com/pipepulse/pipepulse/internal/metric"
)

// Evaluation defaults applied when a rule leaves the field unset.
const (
	DefaultSensitivity = 3.0
	DefaultMinSamples  = 5
	DefaultLookback    = time.Hour
)

// Inputs is the signal set one rule is evaluated against. Evaluation looks
// only at the most recent sample of each signal, so a single call can never
// produce both a trigger and a clear.
type Inputs struct {
	Now     time.Time
	Signals metric.Signals

	// History is the trailing series of the rule's metric inside the
	// lookback window, excluding the current sample. Anomaly conditions
	// compare the current sample against this baseline.
	History []float64

	// LastEventAt is the most recent run or check observation for the
	// rule's target; zero when nothing was ever recorded.
	LastEventAt time.Time

	// HasOpenAlert reports whether the rule currently has an open alert.
	HasOpenAlert bool

	// ConsecutiveFailures is the target pipeline's trailing failure streak.
	ConsecutiveFailures int
}

// Evaluator applies rule conditions to signals and produces verdicts.
// It is pure: it never touches the store.
type Evaluator struct {
	sensitivity float64
	minSamples  int
}

// NewEvaluator creates a rule evaluator with the package defaults for
// anomaly conditions.
func NewEvaluator() *Evaluator {
	return NewEvaluatorWithDefaults(DefaultSensitivity, DefaultMinSamples)
}

// NewEvaluatorWithDefaults creates an evaluator whose anomaly fallbacks come
// from operator configuration instead of the package defaults.
func NewEvaluatorWithDefaults(sensitivity float64, minSamples int) *Evaluator {
	if sensitivity <= 0 {
		sensitivity = DefaultSensitivity
	}
	if minSamples <= 0 {
		minSamples = DefaultMinSamples
	}
	return &Evaluator{sensitivity: sensitivity, minSamples: minSamples}
}

// Evaluate applies the rule's condition to the inputs. A malformed condition
// returns an error wrapping ErrInvalidCondition; the caller skips the rule
// rather than guessing.
func (e *Evaluator) Evaluate(rule *Rule, in Inputs) (Verdict, error) {
	switch rule.Condition.Type {
	case ConditionThreshold:
		return e.evaluateThreshold(rule, in)
	case ConditionAnomaly:
		return e.evaluateAnomaly(rule, in)
	case ConditionMissingData:
		return e.evaluateMissingData(rule, in), nil
	case ConditionPipelineFailures:
		return e.evaluatePipelineFailures(rule, in), nil
	default:
		return NoChange, fmt.Errorf("%w: unknown condition type %q", ErrInvalidCondition, rule.Condition.Type)
	}
}

func (e *Evaluator) evaluateThreshold(rule *Rule, in Inputs) (Verdict, error) {
	value, ok := in.Signals.Value(rule.Condition.Metric)
	if !ok {
		return NoChange, fmt.Errorf("%w: unknown metric %q", ErrInvalidCondition, rule.Condition.Metric)
	}
	if !in.Signals.Sufficient {
		return NoChange, nil
	}

	breach, err := compare(value, rule.Condition.Comparator, rule.Condition.Threshold)
	if err != nil {
		return NoChange, err
	}
	return verdictFor(breach, in.HasOpenAlert), nil
}

func (e *Evaluator) evaluateAnomaly(rule *Rule, in Inputs) (Verdict, error) {
	value, ok := in.Signals.Value(rule.Condition.Metric)
	if !ok {
		return NoChange, fmt.Errorf("%w: unknown metric %q", ErrInvalidCondition, rule.Condition.Metric)
	}
	if !in.Signals.Sufficient {
		return NoChange, nil
	}

	minSamples := rule.Condition.MinSamples
	if minSamples <= 0 {
		minSamples = e.minSamples
	}
	// Insufficient history never fires, and never clears either: a young
	// baseline says nothing about whether the condition recovered.
	if len(in.History) < minSamples {
		return NoChange, nil
	}

	mean, stddev, ok := metric.MeanStdDev(in.History)
	if !ok || stddev == 0 {
		return NoChange, nil
	}

	sensitivity := rule.Condition.Sensitivity
	if sensitivity <= 0 {
		sensitivity = e.sensitivity
	}

	z := math.Abs(value-mean) / stddev
	return verdictFor(z > sensitivity, in.HasOpenAlert), nil
}

func (e *Evaluator) evaluateMissingData(rule *Rule, in Inputs) Verdict {
	lookback := rule.Condition.Lookback
	if lookback <= 0 {
		lookback = DefaultLookback
	}

	missing := in.LastEventAt.IsZero() || in.Now.Sub(in.LastEventAt) > lookback
	return verdictFor(missing, in.HasOpenAlert)
}

func (e *Evaluator) evaluatePipelineFailures(rule *Rule, in Inputs) Verdict {
	failureCount := rule.Condition.FailureCount
	if failureCount <= 0 {
		failureCount = 1
	}
	return verdictFor(in.ConsecutiveFailures >= failureCount, in.HasOpenAlert)
}

// verdictFor maps a breach observation and the open-alert state onto a
// verdict. A repeated breach while an alert is open is still ShouldTrigger;
// the lifecycle manager treats it as a trigger-stat update, not a new alert.
func verdictFor(breach, hasOpenAlert bool) Verdict {
	switch {
	case breach:
		return ShouldTrigger
	case hasOpenAlert:
		return ShouldClear
	default:
		return NoChange
	}
}

func compare(value float64, cmp Comparator, threshold float64) (bool, error) {
	switch cmp {
	case CompareGT:
		return value > threshold, nil
	case CompareGE:
		return value >= threshold, nil
	case CompareLT:
		return value < threshold, nil
	case CompareLE:
		return value <= threshold, nil
	case CompareEQ:
		return value == threshold, nil
	default:
		return false, fmt.Errorf("%w: unknown comparator %q", ErrInvalidCondition, cmp)
	}
}
