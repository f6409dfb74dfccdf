// Package ident provides unique identifier minting and a clock abstraction.
// IDs come in two flavors: short uuid-prefixed tags for tasks, checkpoints
// and cycles, and a strictly monotonic sequence for memory records.
package ident

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Clock abstracts time so tests can drive it.
type Clock interface {
	Now() time.Time
}

// RealClock reads the wall clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// FakeClock returns a programmable instant.
type FakeClock struct {
	t atomic.Int64 // unix nanos
}

// NewFakeClock starts a fake clock at t.
func NewFakeClock(t time.Time) *FakeClock {
	fc := &FakeClock{}
	fc.t.Store(t.UnixNano())
	return fc
}

func (f *FakeClock) Now() time.Time { return time.Unix(0, f.t.Load()) }

// Advance moves the fake clock forward.
func (f *FakeClock) Advance(d time.Duration) { f.t.Add(int64(d)) }

// New mints a short prefixed ID, e.g. "task_a1b2c3d4".
func New(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, uuid.New().String()[:8])
}

// Sequence mints strictly monotonic int64 IDs. The zero value is ready.
type Sequence struct {
	last atomic.Int64
}

// Next returns the next ID. Safe for concurrent use.
func (s *Sequence) Next() int64 {
	return s.last.Add(1)
}

// Observe fast-forwards the sequence past id, for journal replay.
func (s *Sequence) Observe(id int64) {
	for {
		cur := s.last.Load()
		if id <= cur || s.last.CompareAndSwap(cur, id) {
			return
		}
	}
}

// Current returns the most recently issued ID.
func (s *Sequence) Current() int64 { return s.last.Load() }
