package pattern

import "time"

// ExecutionRecord captures one terminal execution outcome. Records are
// append-only and never mutated after creation.
type ExecutionRecord struct {
	ID        string        `json:"id" db:"id"`
	Pattern   string        `json:"pattern" db:"pattern_name"`
	Timestamp time.Time     `json:"timestamp" db:"executed_at"`
	Success   bool          `json:"success" db:"success"`
	Domain    string        `json:"domain" db:"domain"`
	Duration  time.Duration `json:"duration" db:"duration_ns"`
	ErrorTag  string        `json:"error_tag,omitempty" db:"error_tag"`
}

// UnitResult is the terminal outcome of one step, task, or phase.
type UnitResult struct {
	Unit     string        `json:"unit"`
	Success  bool          `json:"success"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Result is the aggregate outcome of one pattern execution attempt.
type Result struct {
	Pattern    string        `json:"pattern"`
	Success    bool          `json:"success"`
	Duration   time.Duration `json:"duration"`
	Units      []UnitResult  `json:"units"`
	RolledBack bool          `json:"rolled_back"`
}

// FailedUnits returns the identifiers of units that did not succeed.
func (r *Result) FailedUnits() []string {
	var failed []string
	for _, u := range r.Units {
		if !u.Success {
			failed = append(failed, u.Unit)
		}
	}
	return failed
}
