package resource

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Autopsias/DevMem-sub007/internal/pattern"
)

// scriptedOracle answers availability from a fixed script, then stays at the
// last value.
type scriptedOracle struct {
	answers []bool
	calls   int32
}

func (o *scriptedOracle) CurrentUsage() Usage { return Usage{} }

func (o *scriptedOracle) IsAvailable(threshold float64) bool {
	n := int(atomic.AddInt32(&o.calls, 1)) - 1
	if n >= len(o.answers) {
		return o.answers[len(o.answers)-1]
	}
	return o.answers[n]
}

func TestUsageMax(t *testing.T) {
	u := Usage{CPU: 0.2, Memory: 0.9, Goroutines: 0.4}
	assert.Equal(t, 0.9, u.Max())
	assert.Equal(t, 0.0, Usage{}.Max())
}

func TestSystemOracleBounds(t *testing.T) {
	o := NewSystemOracle(0, 0)
	u := o.CurrentUsage()
	for _, v := range []float64{u.CPU, u.Memory, u.Goroutines} {
		assert.GreaterOrEqual(t, v, 0.0)
		assert.LessOrEqual(t, v, 1.0)
	}
	// Threshold zero disables gating entirely.
	assert.True(t, o.IsAvailable(0))
}

func TestWaitAvailableImmediate(t *testing.T) {
	o := &scriptedOracle{answers: []bool{true}}
	c := NewController(o, Config{}, zaptest.NewLogger(t))

	require.NoError(t, c.WaitAvailable(context.Background(), 0.8))
	assert.Equal(t, int32(1), atomic.LoadInt32(&o.calls))
}

func TestWaitAvailableRecoversAfterBackoff(t *testing.T) {
	o := &scriptedOracle{answers: []bool{false, false, true}}
	c := NewController(o, Config{BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}, zaptest.NewLogger(t))

	require.NoError(t, c.WaitAvailable(context.Background(), 0.8))
	assert.Equal(t, int32(3), atomic.LoadInt32(&o.calls))
}

func TestWaitAvailableExhaustsBudget(t *testing.T) {
	o := &scriptedOracle{answers: []bool{false}}
	c := NewController(o, Config{MaxAttempts: 3, BaseDelay: time.Millisecond}, zaptest.NewLogger(t))

	err := c.WaitAvailable(context.Background(), 0.8)
	var ree *pattern.ResourceExhaustedError
	require.ErrorAs(t, err, &ree)
	assert.Equal(t, 3, ree.Attempts)
	assert.Equal(t, int32(3), atomic.LoadInt32(&o.calls))
}

func TestWaitAvailableHonorsContext(t *testing.T) {
	o := &scriptedOracle{answers: []bool{false}}
	c := NewController(o, Config{BaseDelay: 10 * time.Second}, zaptest.NewLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := c.WaitAvailable(ctx, 0.8)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWaitAvailableZeroThresholdIsFree(t *testing.T) {
	o := &scriptedOracle{answers: []bool{false}}
	c := NewController(o, Config{}, zaptest.NewLogger(t))

	require.NoError(t, c.WaitAvailable(context.Background(), 0))
	assert.Zero(t, atomic.LoadInt32(&o.calls), "disabled gating must not probe the oracle")
}
