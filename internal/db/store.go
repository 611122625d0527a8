// Package db persists pattern state and execution history through sqlx,
// against postgres in production or sqlite for local runs. All calls go
// through a circuit breaker so a dead database degrades the engine instead
// of stalling it.
package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/Autopsias/DevMem-sub007/internal/circuitbreaker"
	"github.com/Autopsias/DevMem-sub007/internal/confidence"
	"github.com/Autopsias/DevMem-sub007/internal/pattern"
)

// Config holds database configuration.
type Config struct {
	Driver          string        `mapstructure:"driver" yaml:"driver"` // "postgres" or "sqlite3"
	DSN             string        `mapstructure:"dsn" yaml:"dsn"`
	MaxConnections  int           `mapstructure:"max_connections" yaml:"max_connections"`
	IdleConnections int           `mapstructure:"idle_connections" yaml:"idle_connections"`
	MaxLifetime     time.Duration `mapstructure:"max_lifetime" yaml:"max_lifetime"`
	AsyncQueueSize  int           `mapstructure:"async_queue_size" yaml:"async_queue_size"`
}

// Store is the persistence collaborator backing the registry and executor.
type Store struct {
	db      *sqlx.DB
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger

	writes  chan pattern.Pattern
	drained chan struct{}
}

// NewStore opens the database, verifies connectivity, and ensures the
// schema exists.
func NewStore(cfg Config, logger *zap.Logger) (*Store, error) {
	if cfg.Driver == "" {
		cfg.Driver = "postgres"
	}
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 25
	}
	if cfg.IdleConnections == 0 {
		cfg.IdleConnections = 5
	}
	if cfg.MaxLifetime == 0 {
		cfg.MaxLifetime = 5 * time.Minute
	}

	db, err := sqlx.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.IdleConnections)
	db.SetConnMaxLifetime(cfg.MaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{
		db:      db,
		breaker: circuitbreaker.NewCircuitBreaker("pattern-store", circuitbreaker.DefaultConfig(), logger),
		logger:  logger,
	}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("Pattern store initialized",
		zap.String("driver", cfg.Driver),
		zap.Int("max_connections", cfg.MaxConnections),
	)
	return s, nil
}

// NewStoreWithDB wraps an existing connection, used by tests with sqlmock.
func NewStoreWithDB(db *sqlx.DB, logger *zap.Logger) *Store {
	return &Store{
		db:      db,
		breaker: circuitbreaker.NewCircuitBreaker("pattern-store", circuitbreaker.DefaultConfig(), logger),
		logger:  logger,
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS patterns (
	name          TEXT PRIMARY KEY,
	type          TEXT NOT NULL,
	description   TEXT NOT NULL DEFAULT '',
	domain        TEXT NOT NULL DEFAULT '',
	threshold     DOUBLE PRECISION NOT NULL,
	timeout_ns    BIGINT NOT NULL,
	spec          TEXT NOT NULL,
	updated_at    TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS execution_records (
	id            TEXT PRIMARY KEY,
	pattern_name  TEXT NOT NULL,
	executed_at   TIMESTAMP NOT NULL,
	success       BOOLEAN NOT NULL,
	domain        TEXT NOT NULL DEFAULT '',
	duration_ns   BIGINT NOT NULL,
	error_tag     TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_execution_records_pattern
	ON execution_records (pattern_name, executed_at);
`

func (s *Store) migrate(ctx context.Context) error {
	return s.breaker.Execute(ctx, func() error {
		_, err := s.db.ExecContext(ctx, schema)
		if err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
		return nil
	})
}

// patternSpec is the variant-specific shape serialized into the spec column.
type patternSpec struct {
	Steps            []string        `json:"steps,omitempty"`
	RollbackEnabled  bool            `json:"rollback_enabled,omitempty"`
	Tasks            []string        `json:"tasks,omitempty"`
	MaxConcurrent    int             `json:"max_concurrent,omitempty"`
	ResourceThresh   float64         `json:"resource_threshold,omitempty"`
	FailureTol       float64         `json:"failure_tolerance,omitempty"`
	Phases           []pattern.Phase `json:"phases,omitempty"`
	ComplexityThresh float64         `json:"complexity_threshold,omitempty"`
	Strategy         string          `json:"rollback_strategy,omitempty"`
}

func specFor(p pattern.Pattern) (patternSpec, error) {
	switch v := p.(type) {
	case *pattern.Sequential:
		return patternSpec{Steps: v.Steps(), RollbackEnabled: v.RollbackEnabled()}, nil
	case *pattern.Parallel:
		return patternSpec{
			Tasks:          v.Tasks(),
			MaxConcurrent:  v.MaxConcurrent(),
			ResourceThresh: v.ResourceThreshold(),
			FailureTol:     v.FailureTolerance(),
		}, nil
	case *pattern.Staged:
		return patternSpec{
			Phases:           v.Phases(),
			ComplexityThresh: v.ComplexityThreshold(),
			Strategy:         string(v.Strategy()),
		}, nil
	}
	return patternSpec{}, fmt.Errorf("unknown pattern variant %T", p)
}

// EnableAsyncWrites moves SavePattern onto a buffered background queue so
// callers on the execution path never wait on the database. When the queue
// is full the write happens inline. Close drains the queue.
func (s *Store) EnableAsyncWrites(size int) {
	if size <= 0 {
		size = 64
	}
	s.writes = make(chan pattern.Pattern, size)
	s.drained = make(chan struct{})
	go s.writeLoop()
}

func (s *Store) writeLoop() {
	defer close(s.drained)
	for p := range s.writes {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.savePattern(ctx, p); err != nil {
			s.logger.Warn("Async pattern write failed",
				zap.String("pattern", p.Name()),
				zap.Error(err),
			)
		}
		cancel()
	}
}

// SavePattern upserts the pattern row and appends any records not yet
// persisted. Records are append-only, so conflicts on id are skipped.
// With async writes enabled the work is queued and the error, if any,
// is logged by the writer instead of returned.
func (s *Store) SavePattern(ctx context.Context, p pattern.Pattern) error {
	if s.writes != nil {
		select {
		case s.writes <- p:
			return nil
		default:
		}
	}
	return s.savePattern(ctx, p)
}

func (s *Store) savePattern(ctx context.Context, p pattern.Pattern) error {
	spec, err := specFor(p)
	if err != nil {
		return err
	}
	specJSON, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("failed to marshal pattern spec: %w", err)
	}

	return s.breaker.Execute(ctx, func() error {
		upsert := s.db.Rebind(`
			INSERT INTO patterns (name, type, description, domain, threshold, timeout_ns, spec, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (name) DO UPDATE SET
				spec = excluded.spec,
				threshold = excluded.threshold,
				timeout_ns = excluded.timeout_ns,
				updated_at = excluded.updated_at`)
		if _, err := s.db.ExecContext(ctx, upsert,
			p.Name(), string(p.Type()), p.Description(), p.Domain(),
			p.ConfidenceThreshold(), p.Timeout().Nanoseconds(), string(specJSON), time.Now(),
		); err != nil {
			return fmt.Errorf("failed to upsert pattern %q: %w", p.Name(), err)
		}

		insert := s.db.Rebind(`
			INSERT INTO execution_records (id, pattern_name, executed_at, success, domain, duration_ns, error_tag)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO NOTHING`)
		for _, rec := range p.History() {
			if _, err := s.db.ExecContext(ctx, insert,
				rec.ID, rec.Pattern, rec.Timestamp, rec.Success, rec.Domain,
				rec.Duration.Nanoseconds(), rec.ErrorTag,
			); err != nil {
				return fmt.Errorf("failed to insert record for %q: %w", p.Name(), err)
			}
		}
		return nil
	})
}

// AppendRecord persists a single execution record.
func (s *Store) AppendRecord(ctx context.Context, rec pattern.ExecutionRecord) error {
	return s.breaker.Execute(ctx, func() error {
		insert := s.db.Rebind(`
			INSERT INTO execution_records (id, pattern_name, executed_at, success, domain, duration_ns, error_tag)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO NOTHING`)
		_, err := s.db.ExecContext(ctx, insert,
			rec.ID, rec.Pattern, rec.Timestamp, rec.Success, rec.Domain,
			rec.Duration.Nanoseconds(), rec.ErrorTag,
		)
		if err != nil {
			return fmt.Errorf("failed to append record: %w", err)
		}
		return nil
	})
}

type patternRow struct {
	Name        string    `db:"name"`
	Type        string    `db:"type"`
	Description string    `db:"description"`
	Domain      string    `db:"domain"`
	Threshold   float64   `db:"threshold"`
	TimeoutNS   int64     `db:"timeout_ns"`
	Spec        string    `db:"spec"`
	UpdatedAt   time.Time `db:"updated_at"`
}

type recordRow struct {
	ID         string    `db:"id"`
	Pattern    string    `db:"pattern_name"`
	ExecutedAt time.Time `db:"executed_at"`
	Success    bool      `db:"success"`
	Domain     string    `db:"domain"`
	DurationNS int64     `db:"duration_ns"`
	ErrorTag   string    `db:"error_tag"`
}

// LoadPattern reconstructs a persisted pattern, restoring its history so
// confidence picks up where the previous process left off. The supplied
// engine becomes the pattern's scorer.
func (s *Store) LoadPattern(ctx context.Context, name string, eng *confidence.Engine) (pattern.Pattern, error) {
	var row patternRow
	err := s.breaker.Execute(ctx, func() error {
		q := s.db.Rebind(`SELECT * FROM patterns WHERE name = ?`)
		return s.db.GetContext(ctx, &row, q, name)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %q", pattern.ErrNotFound, name)
	}

	var spec patternSpec
	if err := json.Unmarshal([]byte(row.Spec), &spec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal spec for %q: %w", name, err)
	}

	opts := pattern.Options{
		ConfidenceThreshold: row.Threshold,
		Timeout:             time.Duration(row.TimeoutNS),
		Scorer:              eng,
		RollbackEnabled:     spec.RollbackEnabled,
	}

	var p pattern.Pattern
	switch pattern.Type(row.Type) {
	case pattern.TypeSequential:
		p = pattern.NewSequential(row.Name, row.Description, row.Domain, spec.Steps, opts)
	case pattern.TypeParallel:
		p = pattern.NewParallel(row.Name, row.Description, row.Domain, spec.Tasks,
			spec.MaxConcurrent, spec.ResourceThresh, spec.FailureTol, opts)
	case pattern.TypeStaged:
		p = pattern.NewStaged(row.Name, row.Description, row.Domain, spec.Phases,
			spec.ComplexityThresh, pattern.RollbackStrategy(spec.Strategy), opts)
	default:
		return nil, fmt.Errorf("unknown pattern type %q for %q", row.Type, name)
	}

	records, err := s.LoadRecords(ctx, name)
	if err != nil {
		return nil, err
	}
	type restorer interface {
		RestoreHistory([]pattern.ExecutionRecord)
	}
	p.(restorer).RestoreHistory(records)
	return p, nil
}

// LoadRecords returns a pattern's execution history, oldest first.
func (s *Store) LoadRecords(ctx context.Context, name string) ([]pattern.ExecutionRecord, error) {
	var rows []recordRow
	err := s.breaker.Execute(ctx, func() error {
		q := s.db.Rebind(`
			SELECT * FROM execution_records
			WHERE pattern_name = ?
			ORDER BY executed_at ASC`)
		return s.db.SelectContext(ctx, &rows, q, name)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load records for %q: %w", name, err)
	}

	records := make([]pattern.ExecutionRecord, 0, len(rows))
	for _, r := range rows {
		records = append(records, pattern.ExecutionRecord{
			ID:        r.ID,
			Pattern:   r.Pattern,
			Timestamp: r.ExecutedAt,
			Success:   r.Success,
			Domain:    r.Domain,
			Duration:  time.Duration(r.DurationNS),
			ErrorTag:  r.ErrorTag,
		})
	}
	return records, nil
}

// Close drains any queued writes and shuts down the store.
func (s *Store) Close() error {
	if s.writes != nil {
		close(s.writes)
		<-s.drained
	}
	s.logger.Info("Closing pattern store")
	return s.db.Close()
}
