package pattern

import (
	"context"
	"fmt"
	"sync"
)

// WorkerFunc performs one step or task for the given unit identifier.
// Implementations are supplied by the caller or an agent-selection layer; the
// engine only cares about success or failure.
type WorkerFunc func(ctx context.Context, unit string, pc Context) error

// WorkerSet resolves forward and compensating callables by unit identifier.
// Compensators are optional; a missing compensator means the unit's effects
// cannot be reverted.
type WorkerSet interface {
	Worker(unit string) (WorkerFunc, bool)
	Compensator(unit string) (WorkerFunc, bool)
}

// FuncWorkers is a map-backed WorkerSet, the common way callers wire workers.
type FuncWorkers struct {
	mu           sync.RWMutex
	workers      map[string]WorkerFunc
	compensators map[string]WorkerFunc
}

func NewFuncWorkers() *FuncWorkers {
	return &FuncWorkers{
		workers:      make(map[string]WorkerFunc),
		compensators: make(map[string]WorkerFunc),
	}
}

// Register binds a forward callable to a unit identifier.
func (f *FuncWorkers) Register(unit string, fn WorkerFunc) *FuncWorkers {
	f.mu.Lock()
	f.workers[unit] = fn
	f.mu.Unlock()
	return f
}

// RegisterCompensator binds a compensating callable to a unit identifier.
func (f *FuncWorkers) RegisterCompensator(unit string, fn WorkerFunc) *FuncWorkers {
	f.mu.Lock()
	f.compensators[unit] = fn
	f.mu.Unlock()
	return f
}

func (f *FuncWorkers) Worker(unit string) (WorkerFunc, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	fn, ok := f.workers[unit]
	return fn, ok
}

func (f *FuncWorkers) Compensator(unit string) (WorkerFunc, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	fn, ok := f.compensators[unit]
	return fn, ok
}

// invokeWorker runs the forward callable for unit, returning a descriptive
// error when no worker is bound.
func invokeWorker(ctx context.Context, ws WorkerSet, unit string, pc Context) error {
	fn, ok := ws.Worker(unit)
	if !ok {
		return fmt.Errorf("no worker bound for unit %q", unit)
	}
	return fn(ctx, unit, pc)
}
