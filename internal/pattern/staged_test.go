package pattern_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Autopsias/DevMem-sub007/internal/pattern"
)

type mapResolver map[string]pattern.Pattern

func (m mapResolver) Resolve(name string) (pattern.Pattern, error) {
	p, ok := m[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", pattern.ErrNotFound, name)
	}
	return p, nil
}

// stagedFixture builds a two-phase staged pattern whose second phase fails,
// with sub-patterns backed by single-step sequential patterns.
func stagedFixture(t *testing.T, strategy pattern.RollbackStrategy, failSecond bool) (*pattern.Staged, pattern.Deps, *pattern.FuncWorkers) {
	t.Helper()

	workers := pattern.NewFuncWorkers().
		Register("prep-step", okWorker)
	if failSecond {
		workers.Register("ship-step", func(ctx context.Context, unit string, pc pattern.Context) error {
			return errors.New("ship failed")
		})
	} else {
		workers.Register("ship-step", okWorker)
	}

	prep := pattern.NewSequential("prep", "", "", []string{"prep-step"}, pattern.Options{})
	ship := pattern.NewSequential("ship", "", "", []string{"ship-step"}, pattern.Options{})

	phases := []pattern.Phase{
		{Name: "prepare", Patterns: []string{"prep"}, Mode: pattern.CoordinateSequential,
			Criteria: pattern.SuccessCriteria{MinSuccessRate: 1.0}},
		{Name: "shipit", Patterns: []string{"ship"}, Mode: pattern.CoordinateSequential,
			Criteria: pattern.SuccessCriteria{MinSuccessRate: 1.0}},
	}
	st := pattern.NewStaged("release", "", "", phases, 0.1, strategy, pattern.Options{})

	deps := pattern.Deps{
		Workers:  workers,
		Resolver: mapResolver{"prep": prep, "ship": ship},
		Logger:   zaptest.NewLogger(t),
	}
	return st, deps, workers
}

func richContext() pattern.Context {
	return pattern.NewContext("deploy", "builder", 1, map[string]interface{}{
		"target": "prod", "version": "1.2.3", "canary": true,
	})
}

func TestStagedRunsPhasesInOrder(t *testing.T) {
	st, deps, _ := stagedFixture(t, pattern.RollbackNone, false)

	res, err := st.Execute(context.Background(), richContext(), deps)
	require.NoError(t, err)
	assert.True(t, res.Success)
	require.Len(t, res.Units, 2)
	assert.Equal(t, "prepare", res.Units[0].Unit)
	assert.Equal(t, "shipit", res.Units[1].Unit)
}

func TestStagedNotApplicableBelowComplexity(t *testing.T) {
	st, deps, _ := stagedFixture(t, pattern.RollbackNone, false)

	// A bare low-priority context scores far below an activation bar of 0.9.
	sparse := pattern.NewContext("deploy", "", 5, nil)
	assert.False(t, pattern.NewStaged("big", "", "", st.Phases(), 0.9, pattern.RollbackNone, pattern.Options{}).Matches(sparse))

	big := pattern.NewStaged("big", "", "", st.Phases(), 0.9, pattern.RollbackNone, pattern.Options{})
	_, err := big.Execute(context.Background(), sparse, deps)
	assert.ErrorIs(t, err, pattern.ErrNotApplicable)
}

func TestStagedPhaseLevelRollback(t *testing.T) {
	st, deps, workers := stagedFixture(t, pattern.RollbackPhase, true)

	var prepareReverted, shipitReverted int32
	workers.RegisterCompensator("prepare", func(ctx context.Context, unit string, pc pattern.Context) error {
		atomic.AddInt32(&prepareReverted, 1)
		return nil
	})
	workers.RegisterCompensator("shipit", func(ctx context.Context, unit string, pc pattern.Context) error {
		atomic.AddInt32(&shipitReverted, 1)
		return nil
	})

	res, err := st.Execute(context.Background(), richContext(), deps)
	require.Error(t, err)

	var ee *pattern.ExecutionError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, "shipit", ee.Unit)
	assert.True(t, ee.RolledBack)

	// Only the failed phase's effects are reverted; the first phase's
	// committed effects stay intact.
	assert.Equal(t, int32(1), atomic.LoadInt32(&shipitReverted))
	assert.Equal(t, int32(0), atomic.LoadInt32(&prepareReverted))
	assert.True(t, res.RolledBack)
}

func TestStagedPatternLevelRollback(t *testing.T) {
	st, deps, workers := stagedFixture(t, pattern.RollbackPattern, true)

	var order []string
	for _, phase := range []string{"prepare", "shipit"} {
		phase := phase
		workers.RegisterCompensator(phase, func(ctx context.Context, unit string, pc pattern.Context) error {
			order = append(order, phase)
			return nil
		})
	}

	_, err := st.Execute(context.Background(), richContext(), deps)
	require.Error(t, err)

	// Failed phase first, then completed phases in reverse order.
	assert.Equal(t, []string{"shipit", "prepare"}, order)
}

func TestStagedAbortsRemainingPhases(t *testing.T) {
	workers := pattern.NewFuncWorkers().
		Register("a-step", func(ctx context.Context, unit string, pc pattern.Context) error {
			return errors.New("nope")
		}).
		Register("b-step", okWorker)

	a := pattern.NewSequential("a", "", "", []string{"a-step"}, pattern.Options{})
	b := pattern.NewSequential("b", "", "", []string{"b-step"}, pattern.Options{})
	st := pattern.NewStaged("two", "", "", []pattern.Phase{
		{Name: "first", Patterns: []string{"a"}, Mode: pattern.CoordinateSequential,
			Criteria: pattern.SuccessCriteria{MinSuccessRate: 1.0}},
		{Name: "second", Patterns: []string{"b"}, Mode: pattern.CoordinateSequential,
			Criteria: pattern.SuccessCriteria{MinSuccessRate: 1.0}},
	}, 0.1, pattern.RollbackNone, pattern.Options{})

	res, err := st.Execute(context.Background(), richContext(), pattern.Deps{
		Workers:  workers,
		Resolver: mapResolver{"a": a, "b": b},
		Logger:   zaptest.NewLogger(t),
	})
	require.Error(t, err)
	require.Len(t, res.Units, 1, "second phase must not start after the first fails")
	assert.Equal(t, "first", res.Units[0].Unit)
}

func TestStagedValidation(t *testing.T) {
	bad := pattern.NewStaged("s", "", "", []pattern.Phase{
		{Name: "p", Patterns: []string{"x"}, Mode: "zigzag"},
	}, 0, pattern.RollbackNone, pattern.Options{})
	assert.ErrorIs(t, bad.Validate(), pattern.ErrInvalidPattern)

	empty := pattern.NewStaged("s", "", "", nil, 0, pattern.RollbackNone, pattern.Options{})
	assert.ErrorIs(t, empty.Validate(), pattern.ErrInvalidPattern)
}
