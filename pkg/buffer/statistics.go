package buffer

import (
	"sync"
	"sync/atomic"
)

// Statistics tracks buffer activity counters.
type Statistics struct {
	// Atomic counters for thread-safe updates
	writes int64
	reads  int64
	drops  int64

	// Protected by mutex
	mu          sync.RWMutex
	currentSize int64
	highWater   int64
}

// NewStatistics creates a new statistics tracker.
func NewStatistics() *Statistics {
	return &Statistics{}
}

// Write records a buffer write operation.
func (s *Statistics) Write() {
	atomic.AddInt64(&s.writes, 1)
}

// Read records a buffer read operation.
func (s *Statistics) Read() {
	atomic.AddInt64(&s.reads, 1)
}

// Drop records an item discarded by the overflow policy.
func (s *Statistics) Drop() {
	atomic.AddInt64(&s.drops, 1)
}

// UpdateSize updates the current buffer size and high-water mark.
func (s *Statistics) UpdateSize(size int64) {
	s.mu.Lock()
	s.currentSize = size
	if size > s.highWater {
		s.highWater = size
	}
	s.mu.Unlock()
}

// Writes returns the total number of stored items.
func (s *Statistics) Writes() int64 {
	return atomic.LoadInt64(&s.writes)
}

// Reads returns the total number of items drained.
func (s *Statistics) Reads() int64 {
	return atomic.LoadInt64(&s.reads)
}

// Drops returns the total number of dropped items.
func (s *Statistics) Drops() int64 {
	return atomic.LoadInt64(&s.drops)
}

// CurrentSize returns the current number of items in the buffer.
func (s *Statistics) CurrentSize() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentSize
}

// HighWater returns the largest size the buffer has reached.
func (s *Statistics) HighWater() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.highWater
}

// Summary is a point-in-time snapshot of all counters.
type Summary struct {
	Writes      int64 `json:"writes"`
	Reads       int64 `json:"reads"`
	Drops       int64 `json:"drops"`
	CurrentSize int64 `json:"current_size"`
	HighWater   int64 `json:"high_water"`
}

// Summary returns a snapshot of all statistics.
func (s *Statistics) Summary() Summary {
	return Summary{
		Writes:      s.Writes(),
		Reads:       s.Reads(),
		Drops:       s.Drops(),
		CurrentSize: s.CurrentSize(),
		HighWater:   s.HighWater(),
	}
}
