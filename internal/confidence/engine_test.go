package confidence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Autopsias/DevMem-sub007/internal/pattern"
)

func makeRecords(outcomes []bool, domain string, last time.Time, spacing time.Duration) []pattern.ExecutionRecord {
	records := make([]pattern.ExecutionRecord, len(outcomes))
	for i, ok := range outcomes {
		records[i] = pattern.ExecutionRecord{
			Success:   ok,
			Domain:    domain,
			Timestamp: last.Add(-time.Duration(len(outcomes)-1-i) * spacing),
		}
	}
	return records
}

func testEngine(t *testing.T, cfg Config) *Engine {
	e := NewEngine(cfg, zaptest.NewLogger(t))
	// Pin the clock one minute past the newest record.
	e.now = func() time.Time { return time.Date(2026, 3, 1, 12, 1, 0, 0, time.UTC) }
	return e
}

var recordedAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestScoreNeutralBelowMinTrials(t *testing.T) {
	e := testEngine(t, Config{})

	for n := 0; n < 5; n++ {
		outcomes := make([]bool, n)
		for i := range outcomes {
			outcomes[i] = true
		}
		got := e.Score(makeRecords(outcomes, "infra", recordedAt, time.Minute), "infra")
		assert.Equalf(t, 0.5, got, "with %d trials the score must stay neutral", n)
	}
}

func TestScoreAlwaysInUnitInterval(t *testing.T) {
	e := testEngine(t, Config{})

	cases := [][]bool{
		{true, true, true, true, true, true, true, true, true, true},
		{false, false, false, false, false},
		{true, false, true, false, true, false, true, false},
	}
	for _, outcomes := range cases {
		s := e.Score(makeRecords(outcomes, "infra", recordedAt, time.Minute), "infra")
		assert.GreaterOrEqual(t, s, 0.0)
		assert.LessOrEqual(t, s, 1.0)
	}
}

func TestScoreGrowsWithEvidence(t *testing.T) {
	e := testEngine(t, Config{})

	// All-success histories: more trials tighten the Wilson lower bound, so
	// the score must never decrease as evidence accumulates.
	prev := 0.0
	for n := 5; n <= 60; n += 5 {
		outcomes := make([]bool, n)
		for i := range outcomes {
			outcomes[i] = true
		}
		s := e.Score(makeRecords(outcomes, "infra", recordedAt, time.Second), "infra")
		require.GreaterOrEqualf(t, s, prev, "score regressed at %d trials", n)
		prev = s
	}
	assert.Greater(t, prev, 0.8)
}

func TestScoreDecaysWithAge(t *testing.T) {
	e := testEngine(t, Config{})

	outcomes := []bool{true, true, true, true, true, true, true, true}
	fresh := e.Score(makeRecords(outcomes, "infra", recordedAt, time.Minute), "infra")
	stale := e.Score(makeRecords(outcomes, "infra", recordedAt.Add(-30*24*time.Hour), time.Minute), "infra")

	assert.Less(t, stale, fresh)
	// The decay floor keeps even ancient evidence worth half its base.
	assert.Greater(t, stale, 0.0)
}

func TestDomainMultiplierBounded(t *testing.T) {
	e := testEngine(t, Config{})

	// infra always fails, billing always succeeds; the infra-relative ratio
	// floors at 0.5 rather than zeroing the score.
	mixed := append(
		makeRecords([]bool{false, false, false, false, false}, "infra", recordedAt, time.Minute),
		makeRecords([]bool{true, true, true, true, true}, "billing", recordedAt, time.Minute)...,
	)
	assert.Equal(t, 0.5, e.domainMultiplier(mixed, "infra"))
	assert.Equal(t, 1.5, e.domainMultiplier(mixed, "billing"))
	assert.Equal(t, 1.0, e.domainMultiplier(mixed, ""))
	assert.Equal(t, 1.0, e.domainMultiplier(mixed, "unseen"))
}

func TestConverged(t *testing.T) {
	e := testEngine(t, Config{})

	steady := make([]bool, 40)
	for i := range steady {
		steady[i] = true
	}
	assert.True(t, e.Converged(makeRecords(steady, "infra", recordedAt, time.Second), "infra"))

	// Too little history can never report convergence.
	assert.False(t, e.Converged(makeRecords(steady[:8], "infra", recordedAt, time.Second), "infra"))

	// An alternating tail keeps the per-execution delta above epsilon.
	churn := append([]bool{}, steady[:20]...)
	for i := 0; i < 10; i++ {
		churn = append(churn, i%2 == 0)
	}
	assert.False(t, e.Converged(makeRecords(churn, "infra", recordedAt, time.Second), "infra"))
}

func TestUpdateDelegatesToPattern(t *testing.T) {
	e := testEngine(t, Config{MinTrials: 1})

	opts := pattern.Options{Scorer: e}
	p := pattern.NewSequential("sync", "", "infra", []string{"pull"}, opts)
	pc := pattern.NewContext("infra", "", 1, nil)

	delta := e.Update(p, true, pc, time.Second, "")
	assert.NotZero(t, delta)
	assert.Len(t, p.History(), 1)
	assert.InDelta(t, p.Confidence(), 0.5+delta, 1e-9)
}

func TestWilsonLowerBound(t *testing.T) {
	assert.Equal(t, 0.0, wilsonLowerBound(0, 0, 1.96))
	assert.Equal(t, 0.0, wilsonLowerBound(0, 10, 1.96))

	// 8/10 at 95% is a well-known interval; the lower bound sits near 0.49.
	lb := wilsonLowerBound(8, 10, 1.96)
	assert.InDelta(t, 0.49, lb, 0.02)

	assert.Less(t, wilsonLowerBound(10, 10, 1.96), 1.0)
	assert.Greater(t, wilsonLowerBound(100, 100, 1.96), wilsonLowerBound(10, 10, 1.96))
}
