package pattern

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// CoordinationMode controls how a phase runs its referenced sub-patterns.
type CoordinationMode string

const (
	CoordinateSequential CoordinationMode = "sequential"
	CoordinateParallel   CoordinationMode = "parallel"
)

// RollbackStrategy controls what gets reverted when a phase misses its
// success criteria.
type RollbackStrategy string

const (
	RollbackPhase   RollbackStrategy = "phase-level"   // revert only the failed phase
	RollbackPattern RollbackStrategy = "pattern-level" // revert all completed phases in reverse order
	RollbackNone    RollbackStrategy = "none"
)

// SuccessCriteria gates phase completion.
type SuccessCriteria struct {
	MinSuccessRate float64 `yaml:"min_success_rate" json:"min_success_rate"`
	MaxErrors      int     `yaml:"max_errors" json:"max_errors"`
}

// Phase is one ordered stage of a staged pattern: a set of sub-pattern names
// run under a coordination mode, checked against success criteria. A phase's
// compensating callable, when present in the worker set, is keyed by the
// phase name.
type Phase struct {
	Name     string           `yaml:"name" json:"name"`
	Patterns []string         `yaml:"patterns" json:"patterns"`
	Mode     CoordinationMode `yaml:"mode" json:"mode"`
	Criteria SuccessCriteria  `yaml:"criteria" json:"criteria"`
}

// Staged is the meta-orchestration variant: it activates only when the
// context's computed complexity clears the threshold, then drives its phases
// strictly in declared order, each phase coordinating sub-patterns resolved
// through the registry.
type Staged struct {
	base
	phases              []Phase
	complexityThreshold float64
	rollbackStrategy    RollbackStrategy
}

func NewStaged(name, description, domain string, phases []Phase, complexityThreshold float64, strategy RollbackStrategy, opts Options) *Staged {
	opts = opts.withDefaults()
	if strategy == "" {
		strategy = RollbackNone
	}
	return &Staged{
		base:                newBase(name, description, domain, opts.ConfidenceThreshold, opts.Timeout, opts.Scorer),
		phases:              append([]Phase(nil), phases...),
		complexityThreshold: complexityThreshold,
		rollbackStrategy:    strategy,
	}
}

func (s *Staged) Type() Type                   { return TypeStaged }
func (s *Staged) Phases() []Phase              { return append([]Phase(nil), s.phases...) }
func (s *Staged) ComplexityThreshold() float64 { return s.complexityThreshold }
func (s *Staged) Strategy() RollbackStrategy   { return s.rollbackStrategy }

func (s *Staged) Validate() error {
	if s.name == "" {
		return &ValidationError{Name: s.name, Reason: "empty name"}
	}
	if len(s.phases) == 0 {
		return &ValidationError{Name: s.name, Reason: "empty phase list"}
	}
	for _, ph := range s.phases {
		if ph.Name == "" {
			return &ValidationError{Name: s.name, Reason: "phase with empty name"}
		}
		if len(ph.Patterns) == 0 {
			return &ValidationError{Name: s.name, Reason: fmt.Sprintf("phase %q references no patterns", ph.Name)}
		}
		switch ph.Mode {
		case CoordinateSequential, CoordinateParallel:
		default:
			return &ValidationError{Name: s.name, Reason: fmt.Sprintf("phase %q has unknown coordination mode %q", ph.Name, ph.Mode)}
		}
	}
	switch s.rollbackStrategy {
	case RollbackPhase, RollbackPattern, RollbackNone:
	default:
		return &ValidationError{Name: s.name, Reason: fmt.Sprintf("unknown rollback strategy %q", s.rollbackStrategy)}
	}
	return nil
}

// Matches requires both a domain match and sufficient context complexity;
// below the threshold the pattern reports itself not applicable.
func (s *Staged) Matches(pc Context) bool {
	if !s.matchesDomain(pc) {
		return false
	}
	return Complexity(pc, s.fanout()) >= s.complexityThreshold
}

func (s *Staged) fanout() int {
	n := 0
	for _, ph := range s.phases {
		n += len(ph.Patterns)
	}
	return n
}

func (s *Staged) Execute(ctx context.Context, pc Context, deps Deps) (*Result, error) {
	start := time.Now()
	res := &Result{Pattern: s.name}

	if deps.Resolver == nil {
		return nil, fmt.Errorf("staged pattern %q requires a resolver", s.name)
	}
	if score := Complexity(pc, s.fanout()); score < s.complexityThreshold {
		return nil, fmt.Errorf("%w: complexity %.2f below threshold %.2f", ErrNotApplicable, score, s.complexityThreshold)
	}

	var completed []string // phases fully committed in this attempt
	for _, ph := range s.phases {
		if err := ctx.Err(); err != nil {
			res.Duration = time.Since(start)
			return res, deadlineErr(s.name, ph.Name, s.timeout, err)
		}

		phaseStart := time.Now()
		subResults, err := s.runPhase(ctx, ph, pc, deps)
		unit := UnitResult{Unit: ph.Name, Duration: time.Since(phaseStart)}

		ok := err == nil && meetsCriteria(subResults, ph.Criteria)
		unit.Success = ok
		if !ok {
			unit.Error = criteriaFailure(subResults, ph.Criteria, err)
		}
		res.Units = append(res.Units, unit)

		if !ok {
			res.Duration = time.Since(start)
			return s.failPhase(ctx, res, ph.Name, completed, deps, pc, err)
		}
		completed = append(completed, ph.Name)
	}

	res.Success = true
	res.Duration = time.Since(start)
	return res, nil
}

// runPhase executes a phase's sub-patterns per its coordination mode and
// returns their terminal results. Phase results become visible to the next
// phase only after every sub-pattern is terminal.
func (s *Staged) runPhase(ctx context.Context, ph Phase, pc Context, deps Deps) ([]*Result, error) {
	subs := make([]Pattern, 0, len(ph.Patterns))
	for _, name := range ph.Patterns {
		sub, err := deps.Resolver.Resolve(name)
		if err != nil {
			return nil, fmt.Errorf("phase %q: %w", ph.Name, err)
		}
		subs = append(subs, sub)
	}

	results := make([]*Result, len(subs))
	switch ph.Mode {
	case CoordinateParallel:
		var g errgroup.Group
		var mu sync.Mutex
		for i, sub := range subs {
			i, sub := i, sub
			g.Go(func() error {
				r, err := sub.Execute(ctx, pc, deps)
				if r == nil {
					r = &Result{Pattern: sub.Name(), Success: false}
				}
				if err != nil && deps.Logger != nil {
					deps.Logger.Debug("Sub-pattern failed within phase",
						zap.String("phase", ph.Name),
						zap.String("sub_pattern", sub.Name()),
						zap.Error(err),
					)
				}
				mu.Lock()
				results[i] = r
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()
	default: // sequential
		for i, sub := range subs {
			r, err := sub.Execute(ctx, pc, deps)
			if r == nil {
				r = &Result{Pattern: sub.Name(), Success: false}
			}
			results[i] = r
			if err != nil && deps.Logger != nil {
				deps.Logger.Debug("Sub-pattern failed within phase",
					zap.String("phase", ph.Name),
					zap.String("sub_pattern", sub.Name()),
					zap.Error(err),
				)
			}
		}
	}
	return results, nil
}

// failPhase applies the rollback strategy, then surfaces a phase-scoped
// failure. Remaining phases are never attempted.
func (s *Staged) failPhase(ctx context.Context, res *Result, phase string, completed []string, deps Deps, pc Context, cause error) (*Result, error) {
	if cause == nil {
		cause = fmt.Errorf("phase %q missed success criteria", phase)
	}

	var toRevert []string
	switch s.rollbackStrategy {
	case RollbackPhase:
		toRevert = []string{phase}
	case RollbackPattern:
		toRevert = append(toRevert, phase)
		for i := len(completed) - 1; i >= 0; i-- {
			toRevert = append(toRevert, completed[i])
		}
	case RollbackNone:
		return res, &ExecutionError{Pattern: s.name, Unit: phase, Cause: cause}
	}

	compCtx := context.WithoutCancel(ctx)
	for _, name := range toRevert {
		comp, ok := deps.Workers.Compensator(name)
		if !ok {
			continue
		}
		if err := comp(compCtx, name, pc); err != nil {
			return res, &RollbackError{Pattern: s.name, Unit: name, Cause: cause, RollbackCause: err}
		}
	}
	res.RolledBack = true
	return res, &ExecutionError{Pattern: s.name, Unit: phase, RolledBack: true, Cause: cause}
}

func meetsCriteria(results []*Result, c SuccessCriteria) bool {
	if len(results) == 0 {
		return false
	}
	var ok int
	for _, r := range results {
		if r != nil && r.Success {
			ok++
		}
	}
	errs := len(results) - ok
	rate := float64(ok) / float64(len(results))
	if rate < c.MinSuccessRate {
		return false
	}
	if c.MaxErrors > 0 && errs > c.MaxErrors {
		return false
	}
	return true
}

func criteriaFailure(results []*Result, c SuccessCriteria, err error) string {
	if err != nil {
		return err.Error()
	}
	var ok int
	for _, r := range results {
		if r != nil && r.Success {
			ok++
		}
	}
	return fmt.Sprintf("success rate %.2f below %.2f (%d/%d succeeded)",
		float64(ok)/float64(len(results)), c.MinSuccessRate, ok, len(results))
}
