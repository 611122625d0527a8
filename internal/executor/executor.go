// Package executor is the single entry point tying pattern selection,
// execution policy, and learning feedback together.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Autopsias/DevMem-sub007/internal/confidence"
	"github.com/Autopsias/DevMem-sub007/internal/metrics"
	"github.com/Autopsias/DevMem-sub007/internal/pattern"
	"github.com/Autopsias/DevMem-sub007/internal/registry"
	"github.com/Autopsias/DevMem-sub007/internal/tracing"
)

// Store is the persistence collaborator. Failure to persist is non-fatal to
// an in-memory execution but is surfaced to monitoring.
type Store interface {
	SavePattern(ctx context.Context, p pattern.Pattern) error
	AppendRecord(ctx context.Context, rec pattern.ExecutionRecord) error
}

// Config holds executor tunables.
type Config struct {
	BatchConcurrency int           `mapstructure:"batch_concurrency" yaml:"batch_concurrency"`
	DefaultTimeout   time.Duration `mapstructure:"default_timeout" yaml:"default_timeout"`
}

// Executor orchestrates pattern runs. Multiple independent Execute calls may
// run concurrently against the same instance.
type Executor struct {
	registry *registry.Registry
	engine   *confidence.Engine
	workers  pattern.WorkerSet
	gate     pattern.ResourceGate
	sink     metrics.Sink
	store    Store
	logger   *zap.Logger
	cfg      Config
}

func New(reg *registry.Registry, eng *confidence.Engine, workers pattern.WorkerSet, gate pattern.ResourceGate, sink metrics.Sink, store Store, cfg Config, logger *zap.Logger) *Executor {
	if cfg.BatchConcurrency <= 0 {
		cfg.BatchConcurrency = 8
	}
	if sink == nil {
		sink = metrics.NopSink{}
	}
	return &Executor{
		registry: reg,
		engine:   eng,
		workers:  workers,
		gate:     gate,
		sink:     sink,
		store:    store,
		logger:   logger,
		cfg:      cfg,
	}
}

// ExecuteOptions adjusts policy for a single call. Zero values fall back to
// the pattern's own configuration.
type ExecuteOptions struct {
	Timeout time.Duration
	// MinConfidence, when > 0, replaces the pattern's configured threshold.
	// Callers rejected by ConfidenceThresholdError retry with a lower value.
	MinConfidence float64
}

// Execute resolves the named pattern, checks its confidence against the
// threshold, runs it under the timeout policy, and feeds the outcome back
// into the confidence engine. Selection errors (not found, below threshold)
// are surfaced without touching history; execution errors are recorded as a
// failed attempt before propagating.
func (e *Executor) Execute(ctx context.Context, name string, pc pattern.Context, opts ExecuteOptions) (*pattern.Result, error) {
	p, err := e.registry.Get(name)
	if err != nil {
		return nil, err
	}

	threshold := p.ConfidenceThreshold()
	if opts.MinConfidence > 0 {
		threshold = opts.MinConfidence
	}
	if conf := p.Confidence(); conf < threshold {
		metrics.ConfidenceRejections.WithLabelValues(name).Inc()
		return nil, &pattern.ConfidenceThresholdError{Pattern: name, Confidence: conf, Threshold: threshold}
	}

	if !p.Matches(pc) {
		return nil, fmt.Errorf("%w: pattern %q, domain %q", pattern.ErrNotApplicable, name, pc.Domain)
	}

	return e.run(ctx, p, pc, opts.Timeout)
}

// run executes a resolved, admitted pattern. History and monitoring are
// updated for every terminal outcome, success or failure.
func (e *Executor) run(ctx context.Context, p pattern.Pattern, pc pattern.Context, timeout time.Duration) (*pattern.Result, error) {
	if timeout <= 0 {
		timeout = p.Timeout()
	}
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	attemptID := uuid.New().String()
	runCtx, span := tracing.StartSpan(runCtx, "pattern.execute",
		attribute.String("pattern.name", p.Name()),
		attribute.String("pattern.type", string(p.Type())),
		attribute.String("pattern.domain", pc.Domain),
	)
	defer span.End()

	p.BeginAttempt()
	defer p.EndAttempt()
	p.RememberContext(pc)

	metrics.ExecutionsStarted.WithLabelValues(p.Name(), string(p.Type())).Inc()
	e.logger.Info("Executing pattern",
		zap.String("pattern", p.Name()),
		zap.String("type", string(p.Type())),
		zap.String("domain", pc.Domain),
		zap.String("attempt_id", attemptID),
	)

	start := time.Now()
	res, execErr := p.Execute(runCtx, pc, pattern.Deps{
		Workers:  e.workers,
		Gate:     e.gate,
		Resolver: e.registry,
		Logger:   e.logger,
	})
	duration := time.Since(start)

	// A not-applicable staged pattern is a selection failure: no history.
	if execErr != nil && errors.Is(execErr, pattern.ErrNotApplicable) {
		return res, execErr
	}

	if execErr != nil && errors.Is(execErr, context.DeadlineExceeded) {
		execErr = &pattern.TimeoutError{Pattern: p.Name(), Unit: p.Name(), Limit: timeout}
	}

	success := execErr == nil && res != nil && res.Success
	e.engine.Update(p, success, pc, duration, errTag(execErr))

	if res != nil {
		if res.RolledBack {
			metrics.RecordRollback(p.Name(), true)
		}
		var rb *pattern.RollbackError
		if errors.As(execErr, &rb) {
			metrics.RecordRollback(p.Name(), false)
		}
	}

	e.sink.Record(metrics.Event{
		AttemptID:       attemptID,
		Pattern:         p.Name(),
		Type:            string(p.Type()),
		Domain:          pc.Domain,
		Duration:        duration,
		Success:         success,
		ConfidenceAfter: p.Confidence(),
		ErrorTag:        errTag(execErr),
		Timestamp:       time.Now(),
	})

	if h := p.History(); len(h) > 0 {
		e.appendRecord(h[len(h)-1])
	}
	e.persist(p)

	if execErr != nil {
		e.logger.Warn("Pattern execution failed",
			zap.String("pattern", p.Name()),
			zap.String("attempt_id", attemptID),
			zap.Duration("duration", duration),
			zap.Error(execErr),
		)
		return res, execErr
	}

	e.logger.Info("Pattern execution succeeded",
		zap.String("pattern", p.Name()),
		zap.String("attempt_id", attemptID),
		zap.Duration("duration", duration),
		zap.Float64("confidence", p.Confidence()),
	)
	return res, nil
}

// persist saves pattern state best effort. Persistence failure never fails
// the execution; it is counted and logged for monitoring.
func (e *Executor) persist(p pattern.Pattern) {
	if e.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.store.SavePattern(ctx, p); err != nil {
		metrics.PersistenceErrors.WithLabelValues("save_pattern").Inc()
		e.logger.Warn("Failed to persist pattern state",
			zap.String("pattern", p.Name()),
			zap.Error(err),
		)
	}
}

// appendRecord writes the newest execution record right away. SavePattern
// may sit on a queue, so the record write is what keeps the persisted log
// current with terminal outcomes.
func (e *Executor) appendRecord(rec pattern.ExecutionRecord) {
	if e.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.store.AppendRecord(ctx, rec); err != nil {
		metrics.PersistenceErrors.WithLabelValues("append_record").Inc()
		e.logger.Warn("Failed to append execution record",
			zap.String("pattern", rec.Pattern),
			zap.Error(err),
		)
	}
}

// FallbackResult reports which pattern actually ran.
type FallbackResult struct {
	Result       *pattern.Result
	RanPattern   string
	UsedFallback bool
}

// ExecuteWithFallback tries primary, and on any failure (selection or
// execution) attempts fallback.
func (e *Executor) ExecuteWithFallback(ctx context.Context, primary, fallback string, pc pattern.Context) (*FallbackResult, error) {
	res, err := e.Execute(ctx, primary, pc, ExecuteOptions{})
	if err == nil {
		return &FallbackResult{Result: res, RanPattern: primary}, nil
	}

	e.logger.Info("Primary pattern failed, attempting fallback",
		zap.String("primary", primary),
		zap.String("fallback", fallback),
		zap.Error(err),
	)

	fres, ferr := e.Execute(ctx, fallback, pc, ExecuteOptions{})
	if ferr != nil {
		return &FallbackResult{Result: fres, RanPattern: fallback, UsedFallback: true}, ferr
	}
	return &FallbackResult{Result: fres, RanPattern: fallback, UsedFallback: true}, nil
}

// BatchEntry names one pattern execution in a batch.
type BatchEntry struct {
	Pattern string
	Context pattern.Context
}

// BatchResult is the per-entry outcome of a batch execution.
type BatchResult struct {
	Pattern         string
	Success         bool
	Err             error
	ConfidenceAfter float64
}

// BatchExecute runs entries either strictly in order or as
// bounded-concurrent independent executions. One entry's failure never
// aborts the others.
func (e *Executor) BatchExecute(ctx context.Context, entries []BatchEntry, parallel bool) []BatchResult {
	results := make([]BatchResult, len(entries))

	runOne := func(i int) {
		entry := entries[i]
		res, err := e.Execute(ctx, entry.Pattern, entry.Context, ExecuteOptions{})
		br := BatchResult{Pattern: entry.Pattern, Err: err}
		br.Success = err == nil && res != nil && res.Success
		if p, gerr := e.registry.Get(entry.Pattern); gerr == nil {
			br.ConfidenceAfter = p.Confidence()
		}
		results[i] = br
	}

	if !parallel {
		for i := range entries {
			runOne(i)
		}
		return results
	}

	var g errgroup.Group
	g.SetLimit(e.cfg.BatchConcurrency)
	for i := range entries {
		i := i
		g.Go(func() error {
			runOne(i)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// errTag classifies an execution error for records and dashboards.
func errTag(err error) string {
	if err == nil {
		return ""
	}
	var (
		te *pattern.TimeoutError
		re *pattern.ResourceExhaustedError
		rb *pattern.RollbackError
		ee *pattern.ExecutionError
	)
	switch {
	case errors.As(err, &te):
		return "timeout"
	case errors.As(err, &re):
		return "resource_exhausted"
	case errors.As(err, &rb):
		return "rollback_failed"
	case errors.As(err, &ee):
		return "execution"
	default:
		return "error"
	}
}
