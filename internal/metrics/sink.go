package metrics

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event is one execution record handed to the monitoring collaborator.
type Event struct {
	AttemptID       string        `json:"attempt_id"`
	Pattern         string        `json:"pattern"`
	Type            string        `json:"type"`
	Domain          string        `json:"domain"`
	Duration        time.Duration `json:"duration"`
	Success         bool          `json:"success"`
	ConfidenceAfter float64       `json:"confidence_after"`
	ErrorTag        string        `json:"error_tag,omitempty"`
	Timestamp       time.Time     `json:"timestamp"`
}

// Sink accepts execution events for external dashboards and alerting. The
// engine never blocks on delivery.
type Sink interface {
	Record(ev Event)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Record(Event) {}

// BufferedSink fans events out to prometheus and an optional forwarder on a
// background goroutine. When the buffer is full the event is dropped and
// counted rather than blocking the executor.
type BufferedSink struct {
	ch      chan Event
	forward func(Event)
	logger  *zap.Logger
	done    chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewBufferedSink starts the consumer goroutine. forward may be nil.
func NewBufferedSink(size int, forward func(Event), logger *zap.Logger) *BufferedSink {
	if size <= 0 {
		size = 1024
	}
	s := &BufferedSink{
		ch:      make(chan Event, size),
		forward: forward,
		logger:  logger,
		done:    make(chan struct{}),
	}
	go s.loop()
	return s
}

// Record hands off an event without blocking. Events arriving after Close,
// or into a full buffer, are dropped and counted.
func (s *BufferedSink) Record(ev Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		MonitoringDropped.Inc()
		return
	}
	select {
	case s.ch <- ev:
	default:
		MonitoringDropped.Inc()
		if s.logger != nil {
			s.logger.Warn("Monitoring buffer full, dropping event",
				zap.String("pattern", ev.Pattern),
			)
		}
	}
}

func (s *BufferedSink) loop() {
	defer close(s.done)
	for ev := range s.ch {
		status := "success"
		if !ev.Success {
			status = "failure"
		}
		RecordExecutionMetrics(ev.Pattern, ev.Type, status, ev.Duration.Seconds(), ev.ConfidenceAfter)
		if s.forward != nil {
			s.forward(ev)
		}
	}
}

// Close drains buffered events and stops the consumer. Close is idempotent,
// and an in-flight Record racing it is dropped rather than panicking.
func (s *BufferedSink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.ch)
	s.mu.Unlock()
	<-s.done
}
