// Package devmem assembles the delegation pattern engine: a registry of
// reusable coordination patterns that select, execute, and learn from
// repeated task-delegation workflows.
package devmem

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Autopsias/DevMem-sub007/internal/cache"
	"github.com/Autopsias/DevMem-sub007/internal/config"
	"github.com/Autopsias/DevMem-sub007/internal/confidence"
	"github.com/Autopsias/DevMem-sub007/internal/db"
	"github.com/Autopsias/DevMem-sub007/internal/executor"
	"github.com/Autopsias/DevMem-sub007/internal/metrics"
	"github.com/Autopsias/DevMem-sub007/internal/pattern"
	"github.com/Autopsias/DevMem-sub007/internal/registry"
	"github.com/Autopsias/DevMem-sub007/internal/resource"
	"github.com/Autopsias/DevMem-sub007/internal/tracing"
)

// Engine wires the registry, confidence engine, executor, and the external
// collaborators together. Callers embed it and drive it through Execute,
// ExecuteWithFallback, and BatchExecute.
type Engine struct {
	cfg        *config.Config
	logger     *zap.Logger
	registry   *registry.Registry
	confidence *confidence.Engine
	executor   *executor.Executor
	store      *db.Store
	cache      *cache.ConfidenceCache
	sink       *metrics.BufferedSink
	defs       *config.DefinitionsManager

	stopCleanup chan struct{}
}

// New builds an engine from config. The worker set is supplied by the caller;
// how workers perform their units is outside the engine's scope.
func New(cfg *config.Config, workers pattern.WorkerSet) (*Engine, error) {
	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	if err := tracing.Initialize(cfg.Tracing, logger); err != nil {
		return nil, fmt.Errorf("initialize tracing: %w", err)
	}

	eng := &Engine{
		cfg:         cfg,
		logger:      logger,
		confidence:  confidence.NewEngine(cfg.Confidence, logger),
		registry:    registry.New(logger),
		stopCleanup: make(chan struct{}),
	}

	if cfg.Database.DSN != "" {
		store, err := db.NewStore(cfg.Database, logger)
		if err != nil {
			return nil, fmt.Errorf("open pattern store: %w", err)
		}
		store.EnableAsyncWrites(cfg.Database.AsyncQueueSize)
		eng.store = store
	}

	if cfg.Cache.Addr != "" {
		cc, err := cache.New(cfg.Cache, logger)
		if err != nil {
			return nil, fmt.Errorf("connect confidence cache: %w", err)
		}
		eng.cache = cc
	}

	eng.sink = metrics.NewBufferedSink(0, eng.snapshotToCache, logger)

	gate := resource.NewController(
		resource.NewSystemOracle(0, 0),
		cfg.Resource,
		logger,
	)

	var store executor.Store
	if eng.store != nil {
		store = eng.store
	}
	eng.executor = executor.New(eng.registry, eng.confidence, workers, gate, eng.sink, store, cfg.Executor, logger)

	return eng, nil
}

// buildLogger constructs the zap logger per config.
func buildLogger(lc config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(lc.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	zc := zap.NewProductionConfig()
	if lc.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// Start loads the pattern definitions directory (when configured) and begins
// periodic registry cleanup.
func (e *Engine) Start(ctx context.Context) error {
	if e.cfg.Definitions != "" {
		mgr, err := config.NewDefinitionsManager(e.cfg.Definitions, e.registerDefinitions, e.logger)
		if err != nil {
			return err
		}
		if err := mgr.Start(ctx); err != nil {
			return err
		}
		e.defs = mgr
	}

	go e.cleanupLoop()
	return nil
}

// registerDefinitions feeds hot-loaded definitions into the registry.
// Re-registration of an existing name is skipped; patterns keep their learned
// history for the lifetime of the process.
func (e *Engine) registerDefinitions(file string, defs []config.Definition) error {
	for _, d := range defs {
		p, err := d.Build(e.confidence)
		if err != nil {
			e.logger.Warn("Skipping unbuildable definition",
				zap.String("file", file),
				zap.String("pattern", d.Name),
				zap.Error(err),
			)
			continue
		}
		if err := e.registry.Register(p); err != nil {
			if errors.Is(err, pattern.ErrDuplicateName) {
				continue
			}
			e.logger.Warn("Skipping invalid definition",
				zap.String("file", file),
				zap.String("pattern", d.Name),
				zap.Error(err),
			)
			continue
		}
		e.restoreHistory(p)
	}
	return nil
}

// restoreHistory rehydrates a freshly registered pattern from persisted
// execution records, so learned confidence survives restarts.
func (e *Engine) restoreHistory(p pattern.Pattern) {
	if e.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	records, err := e.store.LoadRecords(ctx, p.Name())
	if err != nil || len(records) == 0 {
		return
	}
	type restorer interface {
		RestoreHistory([]pattern.ExecutionRecord)
	}
	if r, ok := p.(restorer); ok {
		r.RestoreHistory(records)
		e.logger.Info("Restored pattern history",
			zap.String("pattern", p.Name()),
			zap.Int("records", len(records)),
		)
	}
}

// LoadPattern reconstructs a persisted pattern, history included, and
// registers it. Used by embedders to bring back patterns that were never
// authored as definition files.
func (e *Engine) LoadPattern(ctx context.Context, name string) error {
	if e.store == nil {
		return fmt.Errorf("no pattern store configured")
	}
	p, err := e.store.LoadPattern(ctx, name, e.confidence)
	if err != nil {
		return err
	}
	return e.registry.Register(p)
}

func (e *Engine) cleanupLoop() {
	ticker := time.NewTicker(e.cfg.Registry.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCleanup:
			return
		case <-ticker.C:
			e.sweepRegistry()
		}
	}
}

// sweepRegistry evicts stale patterns and drops their externally visible
// confidence snapshots along with them.
func (e *Engine) sweepRegistry() {
	evicted := e.registry.Cleanup(e.cfg.Registry.CleanupMaxAge)
	if len(evicted) == 0 {
		return
	}
	e.logger.Info("Registry cleanup removed stale patterns", zap.Int("count", len(evicted)))
	if e.cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for _, name := range evicted {
		if err := e.cache.Delete(ctx, name); err != nil {
			e.logger.Debug("Failed to drop confidence snapshot",
				zap.String("pattern", name),
				zap.Error(err),
			)
		}
	}
}

// snapshotToCache is the monitoring forwarder: every execution event updates
// the externally readable confidence snapshot.
func (e *Engine) snapshotToCache(ev metrics.Event) {
	if e.cache == nil {
		return
	}
	p, err := e.registry.Get(ev.Pattern)
	if err != nil {
		return
	}
	var trials, successes int
	for _, rec := range p.History() {
		trials++
		if rec.Success {
			successes++
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := e.cache.Put(ctx, cache.Snapshot{
		Pattern:    ev.Pattern,
		Confidence: ev.ConfidenceAfter,
		Trials:     trials,
		Successes:  successes,
		UpdatedAt:  time.Now(),
	}); err != nil {
		metrics.PersistenceErrors.WithLabelValues("cache_snapshot").Inc()
		e.logger.Debug("Failed to cache confidence snapshot",
			zap.String("pattern", ev.Pattern),
			zap.Error(err),
		)
	}
}

// Registry exposes the pattern index for registration and discovery.
func (e *Engine) Registry() *registry.Registry { return e.registry }

// Confidence exposes the scoring engine, used as the Scorer for patterns
// constructed outside the definitions pipeline.
func (e *Engine) Confidence() *confidence.Engine { return e.confidence }

// Execute runs the named pattern against the context.
func (e *Engine) Execute(ctx context.Context, name string, pc pattern.Context, opts executor.ExecuteOptions) (*pattern.Result, error) {
	return e.executor.Execute(ctx, name, pc, opts)
}

// ExecuteWithFallback tries primary, then fallback on any failure.
func (e *Engine) ExecuteWithFallback(ctx context.Context, primary, fallback string, pc pattern.Context) (*executor.FallbackResult, error) {
	return e.executor.ExecuteWithFallback(ctx, primary, fallback, pc)
}

// BatchExecute runs several pattern executions, in order or concurrently.
func (e *Engine) BatchExecute(ctx context.Context, entries []executor.BatchEntry, parallel bool) []executor.BatchResult {
	return e.executor.BatchExecute(ctx, entries, parallel)
}

// ExportLearningData serializes a pattern's execution history.
func (e *Engine) ExportLearningData(ctx context.Context, name string, format db.ExportFormat) ([]byte, error) {
	if e.store == nil {
		return nil, fmt.Errorf("no pattern store configured")
	}
	return e.store.ExportLearningData(ctx, name, format)
}

// Close shuts the engine down, draining the monitoring buffer first.
func (e *Engine) Close() error {
	close(e.stopCleanup)
	if e.defs != nil {
		e.defs.Stop()
	}
	e.sink.Close()

	var errs []error
	if e.store != nil {
		if err := e.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if e.cache != nil {
		if err := e.cache.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	_ = e.logger.Sync()
	return errors.Join(errs...)
}
