// Package confidence turns execution history into a reliability score.
//
// The base estimate is the Wilson-score lower bound at 95%, so confidence
// starts conservatively with few trials and approaches the raw success rate
// as evidence accumulates. Two multipliers adjust the base: a bounded
// domain-specific ratio and a temporal factor combining recency decay with a
// consistency bonus.
package confidence

import (
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/Autopsias/DevMem-sub007/internal/pattern"
)

// Config holds the scoring knobs.
type Config struct {
	Z                  float64       `mapstructure:"z" yaml:"z"`                                         // significance, 1.96 = 95%
	MinTrials          int           `mapstructure:"min_trials" yaml:"min_trials"`                       // below this, score is clamped neutral
	Neutral            float64       `mapstructure:"neutral" yaml:"neutral"`                             // default for sparse history
	DecayHalfLife      time.Duration `mapstructure:"decay_half_life" yaml:"decay_half_life"`             // recency half-life
	ConsistencyWindow  int           `mapstructure:"consistency_window" yaml:"consistency_window"`       // recent records for trend stability
	ConvergenceWindow  int           `mapstructure:"convergence_window" yaml:"convergence_window"`       // N consecutive deltas
	ConvergenceEpsilon float64       `mapstructure:"convergence_epsilon" yaml:"convergence_epsilon"`
}

// DefaultConfig returns the scoring defaults.
func DefaultConfig() Config {
	return Config{
		Z:                  1.96,
		MinTrials:          5,
		Neutral:            0.5,
		DecayHalfLife:      72 * time.Hour,
		ConsistencyWindow:  10,
		ConvergenceWindow:  5,
		ConvergenceEpsilon: 0.01,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Z <= 0 {
		c.Z = d.Z
	}
	if c.MinTrials <= 0 {
		c.MinTrials = d.MinTrials
	}
	if c.Neutral <= 0 {
		c.Neutral = d.Neutral
	}
	if c.DecayHalfLife <= 0 {
		c.DecayHalfLife = d.DecayHalfLife
	}
	if c.ConsistencyWindow <= 0 {
		c.ConsistencyWindow = d.ConsistencyWindow
	}
	if c.ConvergenceWindow <= 0 {
		c.ConvergenceWindow = d.ConvergenceWindow
	}
	if c.ConvergenceEpsilon <= 0 {
		c.ConvergenceEpsilon = d.ConvergenceEpsilon
	}
	return c
}

// Engine computes scores from histories. It is stateless apart from config
// and safe for concurrent use; callers serialize per-pattern recomputation
// under each pattern's history lock.
type Engine struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time // test seam
}

func NewEngine(cfg Config, logger *zap.Logger) *Engine {
	return &Engine{cfg: cfg.withDefaults(), logger: logger, now: time.Now}
}

// Score implements pattern.Scorer.
func (e *Engine) Score(records []pattern.ExecutionRecord, domain string) float64 {
	n := len(records)
	if n < e.cfg.MinTrials {
		return e.cfg.Neutral
	}

	successes := 0
	for _, r := range records {
		if r.Success {
			successes++
		}
	}

	base := wilsonLowerBound(successes, n, e.cfg.Z)
	mult := e.domainMultiplier(records, domain)
	temporal := e.temporalFactor(records)

	return clamp01(base * mult * temporal)
}

// Update appends the outcome to the pattern's history and returns the
// confidence delta. Recomputation happens inside RecordExecution under the
// pattern's own lock.
func (e *Engine) Update(p pattern.Pattern, success bool, pc pattern.Context, duration time.Duration, errTag string) float64 {
	delta := p.RecordExecution(success, pc.Domain, duration, errTag)
	if e.logger != nil {
		e.logger.Debug("Confidence updated",
			zap.String("pattern", p.Name()),
			zap.String("domain", pc.Domain),
			zap.Bool("success", success),
			zap.Float64("confidence", p.Confidence()),
			zap.Float64("delta", delta),
		)
	}
	return delta
}

// Converged reports whether recent per-execution improvement has stabilized:
// over the last ConvergenceWindow records, both the mean absolute delta and
// its variance stay below epsilon.
func (e *Engine) Converged(records []pattern.ExecutionRecord, domain string) bool {
	w := e.cfg.ConvergenceWindow
	if len(records) < e.cfg.MinTrials+w {
		return false
	}

	deltas := make([]float64, 0, w)
	prev := e.Score(records[:len(records)-w], domain)
	for i := len(records) - w; i < len(records); i++ {
		cur := e.Score(records[:i+1], domain)
		deltas = append(deltas, cur-prev)
		prev = cur
	}

	var mean float64
	for _, d := range deltas {
		mean += math.Abs(d)
	}
	mean /= float64(len(deltas))

	var variance float64
	for _, d := range deltas {
		variance += (math.Abs(d) - mean) * (math.Abs(d) - mean)
	}
	variance /= float64(len(deltas))

	return mean < e.cfg.ConvergenceEpsilon && variance < e.cfg.ConvergenceEpsilon
}

// domainMultiplier compares the pattern's success rate within the requesting
// domain against its overall rate, bounded to [0.5, 1.5] so one bad domain
// cannot dominate.
func (e *Engine) domainMultiplier(records []pattern.ExecutionRecord, domain string) float64 {
	if domain == "" {
		return 1.0
	}
	var total, totalOK, dom, domOK int
	for _, r := range records {
		total++
		if r.Success {
			totalOK++
		}
		if r.Domain == domain {
			dom++
			if r.Success {
				domOK++
			}
		}
	}
	if dom == 0 || totalOK == 0 {
		return 1.0
	}
	ratio := (float64(domOK) / float64(dom)) / (float64(totalOK) / float64(total))
	return math.Min(math.Max(ratio, 0.5), 1.5)
}

// temporalFactor down-weights stale histories and grants a small bonus when
// the recent trend is stable.
func (e *Engine) temporalFactor(records []pattern.ExecutionRecord) float64 {
	last := records[len(records)-1].Timestamp
	age := e.now().Sub(last)
	if age < 0 {
		age = 0
	}
	// Decays toward a 0.5 floor with the configured half-life.
	decay := 0.5 + 0.5*math.Pow(0.5, age.Hours()/e.cfg.DecayHalfLife.Hours())

	// Consistency over the recent window: a Bernoulli variance near zero
	// means a stable trend and earns up to +10%.
	w := e.cfg.ConsistencyWindow
	if len(records) < w {
		w = len(records)
	}
	var ok int
	for _, r := range records[len(records)-w:] {
		if r.Success {
			ok++
		}
	}
	p := float64(ok) / float64(w)
	variance := p * (1 - p) // max 0.25
	consistency := 1.0 + 0.1*(1.0-4.0*variance)

	return decay * consistency
}

// wilsonLowerBound is the lower bound of the Wilson score interval for a
// Bernoulli proportion.
func wilsonLowerBound(successes, trials int, z float64) float64 {
	if trials == 0 {
		return 0
	}
	n := float64(trials)
	phat := float64(successes) / n
	z2 := z * z

	denom := 1 + z2/n
	center := phat + z2/(2*n)
	margin := z * math.Sqrt(phat*(1-phat)/n+z2/(4*n*n))

	lb := (center - margin) / denom
	return clamp01(lb)
}

func clamp01(v float64) float64 {
	return math.Min(math.Max(v, 0), 1)
}
