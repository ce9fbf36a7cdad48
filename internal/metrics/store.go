// Package metrics keeps process-local command and error counters and exposes
// them to Prometheus. The counters are reset on restart; durable history lives
// in storage.
package metrics

import (
	"sync"
	"time"
)

// CommandStats is the running tally for one operation.
type CommandStats struct {
	SuccessCount       int64 `json:"success_count"`
	FailureCount       int64 `json:"failure_count"`
	TotalLatencyMillis int64 `json:"total_latency_ms"`
	SampleCount        int64 `json:"sample_count"`
}

// AverageLatencyMillis returns the mean latency, or 0 with no samples.
func (c CommandStats) AverageLatencyMillis() float64 {
	if c.SampleCount == 0 {
		return 0
	}
	return float64(c.TotalLatencyMillis) / float64(c.SampleCount)
}

// ErrorStats is the running tally for one error type.
type ErrorStats struct {
	Count          int64     `json:"count"`
	LastMessage    string    `json:"last_message"`
	LastOccurrence time.Time `json:"last_occurrence"`
}

// Snapshot is a point-in-time copy of every counter. It shares no memory with
// the Store.
type Snapshot struct {
	Commands map[string]CommandStats `json:"commands"`
	Errors   map[string]ErrorStats   `json:"errors"`
	TakenAt  time.Time               `json:"taken_at"`
}

// Store accumulates counters under a single mutex. The zero value is not
// usable; call NewStore.
type Store struct {
	mu       sync.Mutex
	commands map[string]*CommandStats
	errors   map[string]*ErrorStats
	now      func() time.Time
}

func NewStore() *Store {
	return &Store{
		commands: make(map[string]*CommandStats),
		errors:   make(map[string]*ErrorStats),
		now:      time.Now,
	}
}

// RecordCommand counts one outcome of operation. Negative latencies are
// clamped to 0 and still count as a sample.
func (s *Store) RecordCommand(operation string, succeeded bool, latencyMillis int64) {
	if latencyMillis < 0 {
		latencyMillis = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.commands[operation]
	if !ok {
		c = &CommandStats{}
		s.commands[operation] = c
	}
	if succeeded {
		c.SuccessCount++
	} else {
		c.FailureCount++
	}
	c.TotalLatencyMillis += latencyMillis
	c.SampleCount++
}

// RecordError counts one error of errorType and remembers it as the latest.
func (s *Store) RecordError(errorType, message string) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.errors[errorType]
	if !ok {
		e = &ErrorStats{}
		s.errors[errorType] = e
	}
	e.Count++
	e.LastMessage = message
	e.LastOccurrence = now
}

func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Commands: make(map[string]CommandStats, len(s.commands)),
		Errors:   make(map[string]ErrorStats, len(s.errors)),
		TakenAt:  s.now(),
	}
	for k, v := range s.commands {
		snap.Commands[k] = *v
	}
	for k, v := range s.errors {
		snap.Errors[k] = *v
	}
	return snap
}

// Reset drops every counter.
func (s *Store) Reset() {
	s.mu.Lock()
	s.commands = make(map[string]*CommandStats)
	s.errors = make(map[string]*ErrorStats)
	s.mu.Unlock()
}
