// Package chaos runs game-day experiments against the lifecycle coordinator:
// concurrent storms and injected store faults, with the engine's invariants
// sampled as steady-state metrics.
package chaos

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ErrSteadyStateInvalid aborts an experiment whose metrics fail before any
// fault is injected.
var ErrSteadyStateInvalid = errors.New("steady state invalid")

// Experiment defines one chaos test.
type Experiment struct {
	Name        string
	Hypothesis  string
	SteadyState []Metric
	// Method actions run concurrently for the whole observation window and
	// should return when their context ends.
	Method      []Action
	Rollback    []Action
	Validation  []Assertion
	Duration    time.Duration
	SampleEvery time.Duration
}

// Metric defines a measurable system property.
type Metric struct {
	Name      string
	Query     func(context.Context) (float64, error)
	Threshold Threshold
}

type Threshold struct {
	Operator string // >, <, >=, <=, ==
	Value    float64
}

// Holds reports whether value satisfies the threshold.
func (t Threshold) Holds(value float64) bool {
	switch t.Operator {
	case ">":
		return value > t.Value
	case "<":
		return value < t.Value
	case ">=":
		return value >= t.Value
	case "<=":
		return value <= t.Value
	case "==":
		return value == t.Value
	default:
		return false
	}
}

// Action is a workload, fault injection or recovery step.
type Action struct {
	Type    string
	Target  string
	Execute func(context.Context) error
}

// Assertion validates the final observation of a metric.
type Assertion struct {
	Metric    string
	Condition func(float64) bool
	Message   string
}

type Result struct {
	ExperimentName   string                 `json:"experiment_name"`
	StartTime        time.Time              `json:"start_time"`
	EndTime          time.Time              `json:"end_time"`
	Duration         time.Duration          `json:"duration"`
	HypothesisHeld   bool                   `json:"hypothesis_held"`
	SteadyStateValid bool                   `json:"steady_state_valid"`
	Violations       []MetricViolation      `json:"violations"`
	FailedChecks     []string               `json:"failed_checks,omitempty"`
	Observations     map[string][]DataPoint `json:"observations"`
	ErrorEvents      []ErrorEvent           `json:"error_events"`
	MTTR             *time.Duration         `json:"mttr,omitempty"`
}

type MetricViolation struct {
	MetricName string    `json:"metric_name"`
	Expected   float64   `json:"expected"`
	Actual     float64   `json:"actual"`
	Timestamp  time.Time `json:"timestamp"`
}

type DataPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

type ErrorEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error"`
	Component string    `json:"component"`
}

// Engine orchestrates chaos experiments.
type Engine struct {
	tracer trace.Tracer
	logger *zap.Logger

	mu          sync.Mutex
	experiments []Experiment
	results     []Result
}

func NewEngine(logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		tracer: otel.Tracer("mancanexus/chaos"),
		logger: logger,
	}
}

// Register adds an experiment to the suite.
func (e *Engine) Register(exp Experiment) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.experiments = append(e.experiments, exp)
}

// Experiments returns the registered experiments.
func (e *Engine) Experiments() []Experiment {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Experiment(nil), e.experiments...)
}

// Results returns every completed run.
func (e *Engine) Results() []Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Result(nil), e.results...)
}

// observation collects samples and errors while actions run.
type observation struct {
	mu            sync.Mutex
	result        *Result
	recoveryStart time.Time
	recovered     bool
}

func (o *observation) addError(component string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.result.ErrorEvents = append(o.result.ErrorEvents, ErrorEvent{
		Timestamp: time.Now(),
		Error:     err.Error(),
		Component: component,
	})
}

func (o *observation) sample(ctx context.Context, metrics []Metric) {
	for _, m := range metrics {
		value, err := m.Query(ctx)
		if err != nil {
			o.addError(m.Name, err)
			continue
		}
		now := time.Now()

		o.mu.Lock()
		o.result.Observations[m.Name] = append(o.result.Observations[m.Name], DataPoint{Timestamp: now, Value: value})
		if !m.Threshold.Holds(value) {
			if o.recoveryStart.IsZero() {
				o.recoveryStart = now
			}
			o.result.Violations = append(o.result.Violations, MetricViolation{
				MetricName: m.Name,
				Expected:   m.Threshold.Value,
				Actual:     value,
				Timestamp:  now,
			})
		} else if !o.recoveryStart.IsZero() && !o.recovered {
			mttr := now.Sub(o.recoveryStart)
			o.result.MTTR = &mttr
			o.recovered = true
		}
		o.mu.Unlock()
	}
}

// Run executes a single experiment: steady state check, method for the
// observation window with periodic sampling, rollback, assertions.
func (e *Engine) Run(ctx context.Context, exp Experiment) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "chaos.run_experiment",
		trace.WithAttributes(attribute.String("experiment.name", exp.Name)),
	)
	defer span.End()

	result := &Result{
		ExperimentName: exp.Name,
		StartTime:      time.Now(),
		Observations:   make(map[string][]DataPoint),
		ErrorEvents:    make([]ErrorEvent, 0),
	}

	span.AddEvent("validating_steady_state")
	if valid, violations := validateSteadyState(ctx, exp.SteadyState); !valid {
		result.Violations = violations
		return result, fmt.Errorf("%s: %w", exp.Name, ErrSteadyStateInvalid)
	}
	result.SteadyStateValid = true

	obs := &observation{result: result}
	runCtx, cancel := context.WithTimeout(ctx, exp.Duration)
	defer cancel()

	span.AddEvent("injecting_chaos")
	var wg sync.WaitGroup
	for _, action := range exp.Method {
		wg.Add(1)
		go func(a Action) {
			defer wg.Done()
			if err := a.Execute(runCtx); err != nil && runCtx.Err() == nil {
				obs.addError(a.Target, err)
				span.RecordError(err)
			}
		}(action)
	}

	span.AddEvent("observing_system")
	every := exp.SampleEvery
	if every <= 0 {
		every = time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
observe:
	for {
		select {
		case <-runCtx.Done():
			break observe
		case <-ticker.C:
			obs.sample(ctx, exp.SteadyState)
		}
	}
	wg.Wait()
	obs.sample(ctx, exp.SteadyState)

	span.AddEvent("rolling_back")
	for _, action := range exp.Rollback {
		if err := action.Execute(ctx); err != nil {
			obs.addError(action.Target, err)
			span.RecordError(err)
		}
	}

	span.AddEvent("validating_assertions")
	result.FailedChecks = failedAssertions(exp.Validation, result)
	result.HypothesisHeld = len(result.FailedChecks) == 0
	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)

	e.mu.Lock()
	e.results = append(e.results, *result)
	e.mu.Unlock()

	span.SetAttributes(
		attribute.Bool("hypothesis_held", result.HypothesisHeld),
		attribute.Int("violations", len(result.Violations)),
	)
	return result, nil
}

func validateSteadyState(ctx context.Context, metrics []Metric) (bool, []MetricViolation) {
	var violations []MetricViolation
	for _, m := range metrics {
		value, err := m.Query(ctx)
		if err != nil {
			value = -1
		}
		if err != nil || !m.Threshold.Holds(value) {
			violations = append(violations, MetricViolation{
				MetricName: m.Name,
				Expected:   m.Threshold.Value,
				Actual:     value,
				Timestamp:  time.Now(),
			})
		}
	}
	return len(violations) == 0, violations
}

func failedAssertions(assertions []Assertion, result *Result) []string {
	var failed []string
	for _, a := range assertions {
		points := result.Observations[a.Metric]
		if len(points) == 0 {
			failed = append(failed, a.Message+" (no observations)")
			continue
		}
		if !a.Condition(points[len(points)-1].Value) {
			failed = append(failed, a.Message)
		}
	}
	return failed
}

// GameDay is a series of experiments run back to back.
type GameDay struct {
	Name      string
	Date      time.Time
	Scenarios []Experiment
	Pause     time.Duration
}

// ExecuteGameDay runs every scenario and returns the completed results.
// Scenarios whose steady state is invalid are logged and skipped.
func (e *Engine) ExecuteGameDay(ctx context.Context, gd GameDay) ([]Result, error) {
	ctx, span := e.tracer.Start(ctx, "chaos.game_day",
		trace.WithAttributes(attribute.String("gameday.name", gd.Name)),
	)
	defer span.End()

	e.logger.Info("starting game day", zap.String("name", gd.Name), zap.Time("date", gd.Date), zap.Int("scenarios", len(gd.Scenarios)))

	var results []Result
	for i, scenario := range gd.Scenarios {
		if i > 0 && gd.Pause > 0 {
			select {
			case <-time.After(gd.Pause):
			case <-ctx.Done():
				return results, ctx.Err()
			}
		}
		e.logger.Info("experiment",
			zap.Int("n", i+1),
			zap.String("name", scenario.Name),
			zap.String("hypothesis", scenario.Hypothesis),
		)

		result, err := e.Run(ctx, scenario)
		if err != nil {
			e.logger.Error("experiment aborted", zap.String("name", scenario.Name), zap.Error(err))
			continue
		}
		e.logResult(result)
		results = append(results, *result)
	}
	return results, ctx.Err()
}

func (e *Engine) logResult(r *Result) {
	fields := []zap.Field{
		zap.String("name", r.ExperimentName),
		zap.Bool("hypothesis_held", r.HypothesisHeld),
		zap.Int("violations", len(r.Violations)),
		zap.Int("errors", len(r.ErrorEvents)),
		zap.Duration("duration", r.Duration),
	}
	if r.MTTR != nil {
		fields = append(fields, zap.Duration("mttr", *r.MTTR))
	}
	if r.HypothesisHeld {
		e.logger.Info("hypothesis held", fields...)
		return
	}
	e.logger.Warn("hypothesis violated", append(fields, zap.Strings("failed", r.FailedChecks))...)
	for _, v := range r.Violations {
		e.logger.Warn("violation", zap.String("metric", v.MetricName), zap.Float64("expected", v.Expected), zap.Float64("actual", v.Actual))
	}
}
