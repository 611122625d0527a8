package pattern

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Type identifies one of the three pattern variants.
type Type string

const (
	TypeSequential Type = "sequential"
	TypeParallel   Type = "parallel"
	TypeStaged     Type = "staged"
)

// Scorer turns an execution history into a confidence score in [0,1]. The
// confidence engine implements this; patterns only hold the derived value.
type Scorer interface {
	Score(records []ExecutionRecord, domain string) float64
}

// ResourceGate is consulted before launching parallel tasks. WaitAvailable
// blocks with bounded backoff until resources clear the threshold or the
// retry budget is spent.
type ResourceGate interface {
	IsAvailable(threshold float64) bool
	WaitAvailable(ctx context.Context, threshold float64) error
}

// Resolver looks up patterns by name. Staged phases use it to resolve their
// referenced sub-patterns; the registry implements it.
type Resolver interface {
	Resolve(name string) (Pattern, error)
}

// Deps carries the external collaborators a pattern needs at execution time.
type Deps struct {
	Workers  WorkerSet
	Gate     ResourceGate // nil disables resource gating
	Resolver Resolver     // required for staged patterns
	Logger   *zap.Logger
}

// Pattern is the common contract of the three variants.
type Pattern interface {
	Name() string
	Description() string
	Type() Type
	Domain() string

	// Matches reports whether the pattern applies to the given context.
	Matches(pc Context) bool

	// Execute runs the pattern's units against the supplied collaborators.
	// It never records history itself; the executor does that on completion.
	Execute(ctx context.Context, pc Context, deps Deps) (*Result, error)

	// RecordExecution appends a record and recomputes confidence atomically,
	// returning the confidence delta.
	RecordExecution(success bool, domain string, duration time.Duration, errTag string) float64

	Confidence() float64
	ConfidenceThreshold() float64
	Timeout() time.Duration
	History() []ExecutionRecord
	LastExecutedAt() (time.Time, bool)

	// RememberContext retains the context of a matched execution so
	// similarity search can compare future queries against it.
	RememberContext(pc Context)
	RecentContexts() []Context

	// BeginAttempt / EndAttempt track in-flight executions so registry
	// cleanup can defer eviction of a busy pattern.
	BeginAttempt()
	EndAttempt()
	ActiveAttempts() int

	// Validate checks structural invariants at registration time.
	Validate() error
}

// base holds state shared by all variants. The mutex guards the append-only
// history together with the cached confidence so readers always observe a
// record and its resulting score together.
type base struct {
	name        string
	description string
	domain      string
	threshold   float64
	timeout     time.Duration
	scorer      Scorer

	mu         sync.Mutex
	history    []ExecutionRecord
	confidence float64

	ctxMu          sync.Mutex
	recentContexts []Context // bounded ring, newest last

	activeMu sync.Mutex
	active   int
}

// maxRecentContexts bounds the per-pattern context memory used by similarity
// search.
const maxRecentContexts = 16

func newBase(name, description, domain string, threshold float64, timeout time.Duration, scorer Scorer) base {
	return base{
		name:        name,
		description: description,
		domain:      domain,
		threshold:   threshold,
		timeout:     timeout,
		scorer:      scorer,
		confidence:  0.5, // neutral until history accumulates
	}
}

func (b *base) Name() string                  { return b.name }
func (b *base) Description() string           { return b.description }
func (b *base) Domain() string                { return b.domain }
func (b *base) ConfidenceThreshold() float64  { return b.threshold }
func (b *base) Timeout() time.Duration        { return b.timeout }

func (b *base) Confidence() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.confidence
}

func (b *base) History() []ExecutionRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]ExecutionRecord, len(b.history))
	copy(out, b.history)
	return out
}

func (b *base) LastExecutedAt() (time.Time, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.history) == 0 {
		return time.Time{}, false
	}
	return b.history[len(b.history)-1].Timestamp, true
}

// RecordExecution appends a record and recomputes confidence while holding
// the history lock, so no reader can see the record without the new score.
func (b *base) RecordExecution(success bool, domain string, duration time.Duration, errTag string) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.history = append(b.history, ExecutionRecord{
		ID:        uuid.New().String(),
		Pattern:   b.name,
		Timestamp: time.Now(),
		Success:   success,
		Domain:    domain,
		Duration:  duration,
		ErrorTag:  errTag,
	})

	prev := b.confidence
	b.confidence = b.scorer.Score(b.history, domain)
	return b.confidence - prev
}

// RestoreHistory replaces the history wholesale, used when reloading a
// persisted pattern. Confidence is recomputed from the restored records.
func (b *base) RestoreHistory(records []ExecutionRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = make([]ExecutionRecord, len(records))
	copy(b.history, records)
	domain := b.domain
	if n := len(b.history); n > 0 {
		domain = b.history[n-1].Domain
	}
	b.confidence = b.scorer.Score(b.history, domain)
}

func (b *base) RememberContext(pc Context) {
	b.ctxMu.Lock()
	b.recentContexts = append(b.recentContexts, pc)
	if len(b.recentContexts) > maxRecentContexts {
		b.recentContexts = b.recentContexts[len(b.recentContexts)-maxRecentContexts:]
	}
	b.ctxMu.Unlock()
}

func (b *base) RecentContexts() []Context {
	b.ctxMu.Lock()
	defer b.ctxMu.Unlock()
	out := make([]Context, len(b.recentContexts))
	copy(out, b.recentContexts)
	return out
}

func (b *base) BeginAttempt() {
	b.activeMu.Lock()
	b.active++
	b.activeMu.Unlock()
}

func (b *base) EndAttempt() {
	b.activeMu.Lock()
	if b.active > 0 {
		b.active--
	}
	b.activeMu.Unlock()
}

func (b *base) ActiveAttempts() int {
	b.activeMu.Lock()
	defer b.activeMu.Unlock()
	return b.active
}

// matchesDomain is the base matching rule shared by sequential and parallel
// variants: an empty pattern domain matches any context, otherwise the
// context domain must equal the tag or extend it as a dot-separated prefix.
func (b *base) matchesDomain(pc Context) bool {
	if b.domain == "" {
		return true
	}
	if pc.Domain == b.domain {
		return true
	}
	return len(pc.Domain) > len(b.domain) &&
		pc.Domain[:len(b.domain)] == b.domain &&
		pc.Domain[len(b.domain)] == '.'
}
