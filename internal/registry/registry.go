// Package registry indexes patterns by name and domain and supports
// similarity-based discovery and staleness eviction. The index is
// read-mostly: lookups proceed concurrently, registration and eviction are
// serialized by a registry-wide write lock.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Autopsias/DevMem-sub007/internal/metrics"
	"github.com/Autopsias/DevMem-sub007/internal/pattern"
)

// Registry holds the pattern index. It implements pattern.Resolver so staged
// phases can look up their sub-patterns.
type Registry struct {
	logger *zap.Logger

	mu       sync.RWMutex
	byName   map[string]pattern.Pattern
	byDomain map[string][]string // domain tag -> pattern names
}

func New(logger *zap.Logger) *Registry {
	return &Registry{
		logger:   logger,
		byName:   make(map[string]pattern.Pattern),
		byDomain: make(map[string][]string),
	}
}

// Register validates the pattern and adds it to the indices. Staged patterns
// must only reference names already present, so registration order matters
// for meta-orchestration.
func (r *Registry) Register(p pattern.Pattern) error {
	if err := p.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[p.Name()]; exists {
		return fmt.Errorf("%w: %q", pattern.ErrDuplicateName, p.Name())
	}

	// Staged phases may only reference known patterns.
	if st, ok := p.(*pattern.Staged); ok {
		for _, ph := range st.Phases() {
			for _, ref := range ph.Patterns {
				if _, known := r.byName[ref]; !known {
					return &pattern.ValidationError{
						Name:   p.Name(),
						Reason: fmt.Sprintf("phase %q references unknown pattern %q", ph.Name, ref),
					}
				}
			}
		}
	}

	r.byName[p.Name()] = p
	r.byDomain[p.Domain()] = append(r.byDomain[p.Domain()], p.Name())
	metrics.RegistrySize.Set(float64(len(r.byName)))

	r.logger.Info("Pattern registered",
		zap.String("pattern", p.Name()),
		zap.String("type", string(p.Type())),
		zap.String("domain", p.Domain()),
	)
	return nil
}

// Get returns the pattern by name. Read access never mutates state.
func (r *Registry) Get(name string) (pattern.Pattern, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", pattern.ErrNotFound, name)
	}
	return p, nil
}

// Resolve implements pattern.Resolver.
func (r *Registry) Resolve(name string) (pattern.Pattern, error) { return r.Get(name) }

// List returns all registered patterns in name order.
func (r *Registry) List() []pattern.Pattern {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for n := range r.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	out := make([]pattern.Pattern, 0, len(names))
	for _, n := range names {
		out = append(out, r.byName[n])
	}
	return out
}

// FindByDomain returns patterns whose static domain tag or most recent
// execution domain equals the query, ordered by descending confidence with
// ties broken by most recent execution.
func (r *Registry) FindByDomain(domain string) []pattern.Pattern {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	var out []pattern.Pattern
	for _, name := range r.byDomain[domain] {
		if p, ok := r.byName[name]; ok && !seen[name] {
			seen[name] = true
			out = append(out, p)
		}
	}
	for name, p := range r.byName {
		if seen[name] {
			continue
		}
		hist := p.History()
		if len(hist) > 0 && hist[len(hist)-1].Domain == domain {
			seen[name] = true
			out = append(out, p)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		ci, cj := out[i].Confidence(), out[j].Confidence()
		if ci != cj {
			return ci > cj
		}
		ti, _ := out[i].LastExecutedAt()
		tj, _ := out[j].LastExecutedAt()
		return ti.After(tj)
	})
	return out
}

// Match is one similarity search hit.
type Match struct {
	Pattern    pattern.Pattern
	Similarity float64
}

// FindSimilar scores every registered pattern against the query context and
// returns matches at or above the threshold, most similar first.
func (r *Registry) FindSimilar(pc pattern.Context, threshold float64) []Match {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Match
	for _, p := range r.byName {
		s := similarity(p, pc)
		if s >= threshold {
			out = append(out, Match{Pattern: p, Similarity: s})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].Pattern.Name() < out[j].Pattern.Name()
	})
	return out
}

// Cleanup evicts patterns whose newest record is older than maxAge. Patterns
// with no history are kept, and eviction of a pattern with in-flight
// executions is deferred to a later sweep. Returns the evicted names so
// callers can release per-pattern state of their own.
func (r *Registry) Cleanup(maxAge time.Duration) []string {
	cutoff := time.Now().Add(-maxAge)

	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []string
	for name, p := range r.byName {
		last, ok := p.LastExecutedAt()
		if !ok || last.After(cutoff) {
			continue
		}
		if p.ActiveAttempts() > 0 {
			r.logger.Debug("Deferring eviction of busy pattern",
				zap.String("pattern", name),
				zap.Int("active", p.ActiveAttempts()),
			)
			continue
		}
		delete(r.byName, name)
		r.dropDomainEntry(p.Domain(), name)
		evicted = append(evicted, name)
		metrics.RegistryEvictions.Inc()
		r.logger.Info("Pattern evicted",
			zap.String("pattern", name),
			zap.Time("last_executed", last),
		)
	}
	metrics.RegistrySize.Set(float64(len(r.byName)))
	return evicted
}

func (r *Registry) dropDomainEntry(domain, name string) {
	names := r.byDomain[domain]
	for i, n := range names {
		if n == name {
			r.byDomain[domain] = append(names[:i], names[i+1:]...)
			break
		}
	}
	if len(r.byDomain[domain]) == 0 {
		delete(r.byDomain, domain)
	}
}

// Size returns the number of registered patterns.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName)
}
