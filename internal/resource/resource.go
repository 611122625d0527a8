// Package resource answers "is it safe to launch more work right now".
// Parallel patterns consult the gate before each task launch; when resources
// are tight the launch is deferred with bounded exponential backoff instead
// of blocking indefinitely.
package resource

import (
	"context"
	"runtime"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Autopsias/DevMem-sub007/internal/metrics"
	"github.com/Autopsias/DevMem-sub007/internal/pattern"
)

// Usage is a snapshot of resource utilization, each value in [0,1].
type Usage struct {
	CPU        float64 `json:"cpu"`
	Memory     float64 `json:"memory"`
	Goroutines float64 `json:"goroutines"`
}

// Max returns the most loaded dimension.
func (u Usage) Max() float64 {
	m := u.CPU
	if u.Memory > m {
		m = u.Memory
	}
	if u.Goroutines > m {
		m = u.Goroutines
	}
	return m
}

// Oracle reports current utilization. Implementations are external
// collaborators; SystemOracle is the in-process default.
type Oracle interface {
	CurrentUsage() Usage
	IsAvailable(threshold float64) bool
}

// SystemOracle derives utilization from the Go runtime: heap in use against
// the configured budget, goroutine count against a soft cap, and a CPU proxy
// from runnable goroutines per core.
type SystemOracle struct {
	memBudgetBytes uint64
	goroutineCap   int
}

func NewSystemOracle(memBudgetBytes uint64, goroutineCap int) *SystemOracle {
	if memBudgetBytes == 0 {
		memBudgetBytes = 1 << 30
	}
	if goroutineCap <= 0 {
		goroutineCap = 10000
	}
	return &SystemOracle{memBudgetBytes: memBudgetBytes, goroutineCap: goroutineCap}
}

func (o *SystemOracle) CurrentUsage() Usage {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	g := float64(runtime.NumGoroutine()) / float64(o.goroutineCap)
	cpu := float64(runtime.NumGoroutine()) / float64(runtime.GOMAXPROCS(0)*64)
	return Usage{
		CPU:        clamp01(cpu),
		Memory:     clamp01(float64(ms.HeapInuse) / float64(o.memBudgetBytes)),
		Goroutines: clamp01(g),
	}
}

func (o *SystemOracle) IsAvailable(threshold float64) bool {
	if threshold <= 0 {
		return true
	}
	return o.CurrentUsage().Max() < threshold
}

// Controller wraps an Oracle into a pattern.ResourceGate: probes are
// rate-limited, and WaitAvailable retries with exponential backoff until the
// budget is spent.
type Controller struct {
	oracle      Oracle
	logger      *zap.Logger
	limiter     *rate.Limiter
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// Config holds controller tunables.
type Config struct {
	ProbesPerSecond float64       `mapstructure:"probes_per_second" yaml:"probes_per_second"`
	MaxAttempts     int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	BaseDelay       time.Duration `mapstructure:"base_delay" yaml:"base_delay"`
	MaxDelay        time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
}

func DefaultConfig() Config {
	return Config{
		ProbesPerSecond: 50,
		MaxAttempts:     5,
		BaseDelay:       100 * time.Millisecond,
		MaxDelay:        5 * time.Second,
	}
}

func NewController(oracle Oracle, cfg Config, logger *zap.Logger) *Controller {
	d := DefaultConfig()
	if cfg.ProbesPerSecond <= 0 {
		cfg.ProbesPerSecond = d.ProbesPerSecond
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = d.MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = d.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = d.MaxDelay
	}
	return &Controller{
		oracle:      oracle,
		logger:      logger,
		limiter:     rate.NewLimiter(rate.Limit(cfg.ProbesPerSecond), int(cfg.ProbesPerSecond)),
		maxAttempts: cfg.MaxAttempts,
		baseDelay:   cfg.BaseDelay,
		maxDelay:    cfg.MaxDelay,
	}
}

// IsAvailable implements pattern.ResourceGate. The limiter keeps hot loops of
// concurrent task launches from hammering the oracle.
func (c *Controller) IsAvailable(threshold float64) bool {
	if !c.limiter.Allow() {
		// Probe budget spent this instant; assume the last answer holds.
		return true
	}
	return c.oracle.IsAvailable(threshold)
}

// WaitAvailable blocks until resources clear the threshold, retrying with
// exponential backoff. Returns ResourceExhaustedError once the attempt
// budget is spent, or the context error if the deadline fires first.
func (c *Controller) WaitAvailable(ctx context.Context, threshold float64) error {
	if threshold <= 0 {
		return nil
	}

	delay := c.baseDelay
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if c.oracle.IsAvailable(threshold) {
			return nil
		}
		if attempt == c.maxAttempts {
			break
		}

		metrics.ResourceDeferrals.Inc()
		if c.logger != nil {
			c.logger.Debug("Deferring launch, resources unavailable",
				zap.Float64("threshold", threshold),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", delay),
			)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > c.maxDelay {
			delay = c.maxDelay
		}
	}

	metrics.ResourceExhaustions.Inc()
	return &pattern.ResourceExhaustedError{Attempts: c.maxAttempts}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
