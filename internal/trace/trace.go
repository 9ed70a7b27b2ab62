// Package trace carries the per-iteration control record out of the
// control loop. Sinks are output only: nothing they do feeds back into
// the controller.
package trace

import (
	"errors"
	"sync"
	"time"
)

// Record is emitted once per control loop iteration.
type Record struct {
	Elapsed    time.Duration `json:"elapsed"`
	Cumulative float64       `json:"cumulative_deg"`
	Heading    float64       `json:"heading_deg"`
	Error      float64       `json:"error_deg"`
	Speed      float64       `json:"speed"`
}

// Sink is an append-only destination for records, scoped to one control
// session. Close ends the session.
type Sink interface {
	Append(Record) error
	Close() error
}

// Discard is a Sink that drops everything.
var Discard Sink = discard{}

type discard struct{}

func (discard) Append(Record) error { return nil }
func (discard) Close() error        { return nil }

// MemorySink keeps records in memory. Safe for concurrent use.
type MemorySink struct {
	mu      sync.Mutex
	records []Record
	closed  bool
}

// NewMemorySink returns an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// ErrClosed is returned by Append after Close.
var ErrClosed = errors.New("trace: sink closed")

func (m *MemorySink) Append(r Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.records = append(m.records, r)
	return nil
}

func (m *MemorySink) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Records returns a copy of everything appended so far.
func (m *MemorySink) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, len(m.records))
	copy(out, m.records)
	return out
}

// Multi fans records out to several sinks. Every sink sees every record;
// the first error is returned.
func Multi(sinks ...Sink) Sink {
	return multi(sinks)
}

type multi []Sink

func (m multi) Append(r Record) error {
	var first error
	for _, s := range m {
		if err := s.Append(r); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m multi) Close() error {
	var first error
	for _, s := range m {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
