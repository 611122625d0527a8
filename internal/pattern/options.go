package pattern

import "time"

// Options carries the tunables shared by all variants. Zero values are
// replaced with engine defaults at construction.
type Options struct {
	ConfidenceThreshold float64
	Timeout             time.Duration
	Scorer              Scorer
	RollbackEnabled     bool // sequential only
}

const (
	defaultConfidenceThreshold = 0.4
	defaultTimeout             = 5 * time.Minute
)

func (o Options) withDefaults() Options {
	if o.ConfidenceThreshold <= 0 {
		o.ConfidenceThreshold = defaultConfidenceThreshold
	}
	if o.Timeout <= 0 {
		o.Timeout = defaultTimeout
	}
	if o.Scorer == nil {
		o.Scorer = ratioScorer{}
	}
	return o
}

// ratioScorer is the placeholder used when no confidence engine is attached
// (direct construction in isolation). The wired engine always injects the
// Wilson-based scorer instead.
type ratioScorer struct{}

func (ratioScorer) Score(records []ExecutionRecord, _ string) float64 {
	if len(records) < 5 {
		return 0.5
	}
	var ok int
	for _, r := range records {
		if r.Success {
			ok++
		}
	}
	return float64(ok) / float64(len(records))
}
