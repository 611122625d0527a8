package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestBufferedSinkForwardsEvents(t *testing.T) {
	var mu sync.Mutex
	var got []Event

	s := NewBufferedSink(16, func(ev Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	}, zaptest.NewLogger(t))

	for i := 0; i < 5; i++ {
		s.Record(Event{Pattern: "ingest", Type: "sequential", Success: i%2 == 0, Duration: time.Millisecond})
	}
	s.Close()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 5)
	assert.Equal(t, "ingest", got[0].Pattern)
}

func TestBufferedSinkCloseDrains(t *testing.T) {
	var mu sync.Mutex
	count := 0

	s := NewBufferedSink(64, func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	}, zaptest.NewLogger(t))

	for i := 0; i < 64; i++ {
		s.Record(Event{Pattern: "p"})
	}
	s.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 64, count, "Close must drain every buffered event")
}

func TestBufferedSinkNeverBlocksWhenFull(t *testing.T) {
	// A forwarder stuck on a gate keeps the consumer busy so the buffer
	// stays full; Record must still return immediately.
	gate := make(chan struct{})
	s := NewBufferedSink(1, func(Event) { <-gate }, zaptest.NewLogger(t))

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			s.Record(Event{Pattern: "p"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Record blocked on a full buffer")
	}

	close(gate)
	s.Close()
}

func TestBufferedSinkNilForwarder(t *testing.T) {
	s := NewBufferedSink(4, nil, zaptest.NewLogger(t))
	s.Record(Event{Pattern: "p", Success: true})
	s.Close()
}

func TestBufferedSinkRecordAfterClose(t *testing.T) {
	var mu sync.Mutex
	count := 0

	s := NewBufferedSink(4, func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	}, zaptest.NewLogger(t))

	s.Record(Event{Pattern: "p", Success: true})
	s.Close()
	s.Record(Event{Pattern: "p", Success: true})
	s.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count, "events after Close must be dropped, not delivered")
}

func TestBufferedSinkConcurrentRecordAndClose(t *testing.T) {
	s := NewBufferedSink(8, nil, zaptest.NewLogger(t))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				s.Record(Event{Pattern: "p"})
			}
		}()
	}
	s.Close()
	wg.Wait()
}
