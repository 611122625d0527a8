package pattern

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Sequential executes its steps strictly in order. When rollback is enabled,
// each completed step's compensator is pushed onto a compensation stack; a
// later failure pops and runs the stack in reverse order before the failure
// is surfaced.
type Sequential struct {
	base
	steps           []string
	rollbackEnabled bool
}

// NewSequential constructs a sequential pattern. Validation is deferred to
// registration.
func NewSequential(name, description, domain string, steps []string, opts Options) *Sequential {
	opts = opts.withDefaults()
	return &Sequential{
		base:            newBase(name, description, domain, opts.ConfidenceThreshold, opts.Timeout, opts.Scorer),
		steps:           append([]string(nil), steps...),
		rollbackEnabled: opts.RollbackEnabled,
	}
}

func (s *Sequential) Type() Type      { return TypeSequential }
func (s *Sequential) Steps() []string { return append([]string(nil), s.steps...) }
func (s *Sequential) RollbackEnabled() bool { return s.rollbackEnabled }

func (s *Sequential) Validate() error {
	if s.name == "" {
		return &ValidationError{Name: s.name, Reason: "empty name"}
	}
	if len(s.steps) == 0 {
		return &ValidationError{Name: s.name, Reason: "empty step list"}
	}
	return nil
}

func (s *Sequential) Matches(pc Context) bool { return s.matchesDomain(pc) }

func (s *Sequential) Execute(ctx context.Context, pc Context, deps Deps) (*Result, error) {
	start := time.Now()
	res := &Result{Pattern: s.name}

	// Compensation stack: units completed in the current attempt, newest last.
	var completed []string

	for _, step := range s.steps {
		if err := ctx.Err(); err != nil {
			return s.fail(ctx, res, start, step, deadlineErr(s.name, step, s.timeout, err), completed, deps, pc)
		}

		stepStart := time.Now()
		err := s.runStep(ctx, step, pc, deps)
		res.Units = append(res.Units, UnitResult{
			Unit:     step,
			Success:  err == nil,
			Duration: time.Since(stepStart),
			Error:    errString(err),
		})
		if err != nil {
			return s.fail(ctx, res, start, step, err, completed, deps, pc)
		}
		completed = append(completed, step)
	}

	res.Success = true
	res.Duration = time.Since(start)
	return res, nil
}

// runStep invokes the worker for one step, bounded by the overall deadline.
// A worker that ignores ctx is abandoned when the deadline fires; its
// goroutine drains into the buffered channel.
func (s *Sequential) runStep(ctx context.Context, step string, pc Context, deps Deps) error {
	done := make(chan error, 1)
	go func() {
		done <- invokeWorker(ctx, deps.Workers, step, pc)
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return deadlineErr(s.name, step, s.timeout, ctx.Err())
	}
}

// fail finalizes a failed attempt: runs compensation if enabled, then wraps
// the cause with the failing unit and rollback outcome.
func (s *Sequential) fail(ctx context.Context, res *Result, start time.Time, unit string, cause error, completed []string, deps Deps, pc Context) (*Result, error) {
	res.Success = false
	defer func() { res.Duration = time.Since(start) }()

	if !s.rollbackEnabled || len(completed) == 0 {
		if isTimeout(cause) {
			return res, cause
		}
		return res, &ExecutionError{Pattern: s.name, Unit: unit, Cause: cause}
	}

	if err := s.rollback(ctx, completed, deps, pc); err != nil {
		var rb *RollbackError
		if errors.As(err, &rb) {
			rb.Cause = cause
			return res, rb
		}
		return res, &RollbackError{Pattern: s.name, Unit: unit, Cause: cause, RollbackCause: err}
	}

	res.RolledBack = true
	return res, &ExecutionError{Pattern: s.name, Unit: unit, RolledBack: true, Cause: cause}
}

// rollback reverts completed steps in reverse order. Compensation uses a
// fresh context so a fired deadline on the forward path cannot also abort
// the revert.
func (s *Sequential) rollback(ctx context.Context, completed []string, deps Deps, pc Context) error {
	compCtx := context.WithoutCancel(ctx)
	for i := len(completed) - 1; i >= 0; i-- {
		step := completed[i]
		comp, ok := deps.Workers.Compensator(step)
		if !ok {
			if deps.Logger != nil {
				deps.Logger.Warn("No compensator bound, skipping revert",
					zap.String("pattern", s.name),
					zap.String("step", step),
				)
			}
			continue
		}
		if err := comp(compCtx, step, pc); err != nil {
			return &RollbackError{Pattern: s.name, Unit: step, RollbackCause: err}
		}
	}
	return nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func isTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// deadlineErr converts a context error into the engine's timeout error when
// the deadline fired; cancellation passes through untouched.
func deadlineErr(pattern, unit string, limit time.Duration, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Pattern: pattern, Unit: unit, Limit: limit}
	}
	return err
}
