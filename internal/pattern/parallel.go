package pattern

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Parallel runs its tasks concurrently under a hard concurrency bound,
// consulting the resource gate before each launch. Tasks are independent:
// a failed or timed-out task never cancels its siblings, and no rollback is
// attempted for partially succeeded batches. Aggregate success is decided by
// the failure tolerance once every launched task reaches a terminal state.
type Parallel struct {
	base
	tasks             []string
	maxConcurrent     int
	resourceThreshold float64
	failureTolerance  float64
}

func NewParallel(name, description, domain string, tasks []string, maxConcurrent int, resourceThreshold, failureTolerance float64, opts Options) *Parallel {
	opts = opts.withDefaults()
	return &Parallel{
		base:              newBase(name, description, domain, opts.ConfidenceThreshold, opts.Timeout, opts.Scorer),
		tasks:             append([]string(nil), tasks...),
		maxConcurrent:     maxConcurrent,
		resourceThreshold: resourceThreshold,
		failureTolerance:  failureTolerance,
	}
}

func (p *Parallel) Type() Type                 { return TypeParallel }
func (p *Parallel) Tasks() []string            { return append([]string(nil), p.tasks...) }
func (p *Parallel) MaxConcurrent() int         { return p.maxConcurrent }
func (p *Parallel) FailureTolerance() float64  { return p.failureTolerance }
func (p *Parallel) ResourceThreshold() float64 { return p.resourceThreshold }

func (p *Parallel) Validate() error {
	if p.name == "" {
		return &ValidationError{Name: p.name, Reason: "empty name"}
	}
	if len(p.tasks) == 0 {
		return &ValidationError{Name: p.name, Reason: "empty task list"}
	}
	if p.maxConcurrent < 1 {
		return &ValidationError{Name: p.name, Reason: "maxConcurrent must be >= 1"}
	}
	if p.resourceThreshold < 0 || p.resourceThreshold > 1 {
		return &ValidationError{Name: p.name, Reason: "resourceThreshold outside [0,1]"}
	}
	if p.failureTolerance < 0 || p.failureTolerance > 1 {
		return &ValidationError{Name: p.name, Reason: "failureTolerance outside [0,1]"}
	}
	return nil
}

func (p *Parallel) Matches(pc Context) bool { return p.matchesDomain(pc) }

func (p *Parallel) Execute(ctx context.Context, pc Context, deps Deps) (*Result, error) {
	start := time.Now()
	res := &Result{Pattern: p.name}

	var g errgroup.Group
	g.SetLimit(p.maxConcurrent)

	// Outcomes land in an internal slice so a worker that outlives the
	// overall deadline writes somewhere the caller never sees.
	units := make([]UnitResult, len(p.tasks))
	settled := make([]bool, len(p.tasks))
	var mu sync.Mutex
	for i, task := range p.tasks {
		i, task := i, task
		g.Go(func() error {
			unit := p.runTask(ctx, task, pc, deps)
			mu.Lock()
			units[i] = unit
			settled[i] = true
			mu.Unlock()
			return nil
		})
	}

	joined := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(joined)
	}()
	select {
	case <-joined:
	case <-ctx.Done():
	}

	// Snapshot outcomes at the join or the deadline, whichever came first.
	// Tasks still running, or never launched, count as timed-out failures.
	mu.Lock()
	var unfinished []string
	for i, task := range p.tasks {
		if settled[i] {
			continue
		}
		unfinished = append(unfinished, task)
		units[i] = UnitResult{
			Unit:     task,
			Duration: time.Since(start),
			Error:    errString(deadlineErr(p.name, task, p.timeout, ctx.Err())),
		}
	}
	res.Units = append([]UnitResult(nil), units...)
	mu.Unlock()

	res.Duration = time.Since(start)
	failed := res.FailedUnits()
	frac := float64(len(failed)) / float64(len(p.tasks))
	if frac <= p.failureTolerance {
		res.Success = true
		return res, nil
	}

	res.Success = false
	if len(unfinished) > 0 && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return res, &TimeoutError{
			Pattern: p.name,
			Unit:    strings.Join(unfinished, ","),
			Limit:   p.timeout,
		}
	}
	return res, &ExecutionError{
		Pattern: p.name,
		Unit:    strings.Join(failed, ","),
		Cause:   errors.New("failed task fraction exceeds tolerance"),
	}
}

// runTask gates on resource availability, then invokes the worker. Both the
// gate wait and the worker run under the overall execution deadline.
func (p *Parallel) runTask(ctx context.Context, task string, pc Context, deps Deps) UnitResult {
	taskStart := time.Now()

	if deps.Gate != nil {
		if err := deps.Gate.WaitAvailable(ctx, p.resourceThreshold); err != nil {
			return UnitResult{
				Unit:     task,
				Duration: time.Since(taskStart),
				Error:    errString(p.gateErr(task, err)),
			}
		}
	}

	err := invokeWorker(ctx, deps.Workers, task, pc)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		err = &TimeoutError{Pattern: p.name, Unit: task, Limit: p.timeout}
	}
	return UnitResult{
		Unit:     task,
		Success:  err == nil,
		Duration: time.Since(taskStart),
		Error:    errString(err),
	}
}

func (p *Parallel) gateErr(task string, err error) error {
	var re *ResourceExhaustedError
	if errors.As(err, &re) {
		re.Pattern = p.name
		re.Unit = task
		return re
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Pattern: p.name, Unit: task, Limit: p.timeout}
	}
	return err
}
