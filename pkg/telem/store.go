// Package telem keeps recent connection events per slot in RAM
package telem

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/markus-lassfolk/celldata/pkg"
)

// DefaultCapacity is the number of events kept per slot
const DefaultCapacity = 1000

// Store manages connection events in per-slot ring buffers
type Store struct {
	mu sync.RWMutex

	retention time.Duration
	capacity  int
	slots     map[int]*RingBuffer

	// Event callback for real-time publishing
	eventCallback func(pkg.Event)
}

// NewStore creates a store keeping events for retentionHours with
// capacity events per slot
func NewStore(retentionHours, capacity int) (*Store, error) {
	if retentionHours < 1 || retentionHours > 168 {
		return nil, fmt.Errorf("retention_hours must be between 1 and 168")
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		retention: time.Duration(retentionHours) * time.Hour,
		capacity:  capacity,
		slots:     make(map[int]*RingBuffer),
	}, nil
}

// Publish records ev. It lets the store observe a handler directly.
func (s *Store) Publish(ev pkg.Event) {
	s.AddEvent(ev)
}

// AddEvent records ev in the ring of its slot and runs the callback
func (s *Store) AddEvent(ev pkg.Event) {
	s.mu.Lock()
	rb := s.slots[ev.SlotID]
	if rb == nil {
		rb = NewRingBuffer(s.capacity)
		s.slots[ev.SlotID] = rb
	}
	callback := s.eventCallback
	s.mu.Unlock()

	rb.Add(ev)

	// Callback runs outside the lock; it must not block
	if callback != nil {
		callback(ev)
	}
}

// SetEventCallback sets a function called for every added event
func (s *Store) SetEventCallback(callback func(pkg.Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eventCallback = callback
}

// GetEvents returns the events of slot newer than since, oldest first. A
// positive limit keeps only the most recent limit events.
func (s *Store) GetEvents(slot int, since time.Time, limit int) []pkg.Event {
	s.mu.RLock()
	rb := s.slots[slot]
	s.mu.RUnlock()
	if rb == nil {
		return []pkg.Event{}
	}
	events := rb.GetSince(since)
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events
}

// Slots returns the slots with recorded events in ascending order
func (s *Store) Slots() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]int, 0, len(s.slots))
	for slot := range s.slots {
		out = append(out, slot)
	}
	sort.Ints(out)
	return out
}

// Count returns the number of events kept for slot
func (s *Store) Count(slot int) int {
	s.mu.RLock()
	rb := s.slots[slot]
	s.mu.RUnlock()
	if rb == nil {
		return 0
	}
	return rb.Size()
}

// Cleanup drops events older than the retention relative to now
func (s *Store) Cleanup(now time.Time) int {
	cutoff := now.Add(-s.retention)

	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for slot, rb := range s.slots {
		removed += rb.RemoveBefore(cutoff)
		if rb.Size() == 0 {
			delete(s.slots, slot)
		}
	}
	return removed
}

// Close drops every event
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slots = make(map[int]*RingBuffer)
	return nil
}

// RingBuffer is a thread-safe fixed size ring of events
type RingBuffer struct {
	mu       sync.RWMutex
	data     []pkg.Event
	capacity int
	head     int
	size     int
}

// NewRingBuffer creates an empty ring holding up to capacity events
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &RingBuffer{
		data:     make([]pkg.Event, capacity),
		capacity: capacity,
	}
}

// Add appends ev, overwriting the oldest event when full
func (rb *RingBuffer) Add(ev pkg.Event) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	tail := (rb.head + rb.size) % rb.capacity
	rb.data[tail] = ev
	if rb.size < rb.capacity {
		rb.size++
	} else {
		rb.head = (rb.head + 1) % rb.capacity
	}
}

// GetSince returns a copy of the events newer than since, oldest first
func (rb *RingBuffer) GetSince(since time.Time) []pkg.Event {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	result := make([]pkg.Event, 0, rb.size)
	for i := 0; i < rb.size; i++ {
		ev := rb.data[(rb.head+i)%rb.capacity]
		if ev.Timestamp.After(since) {
			result = append(result, ev)
		}
	}
	return result
}

// RemoveBefore drops the leading events older than before and returns how
// many were removed
func (rb *RingBuffer) RemoveBefore(before time.Time) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	removed := 0
	for rb.size > 0 && rb.data[rb.head].Timestamp.Before(before) {
		rb.data[rb.head] = pkg.Event{}
		rb.head = (rb.head + 1) % rb.capacity
		rb.size--
		removed++
	}
	if rb.size == 0 {
		rb.head = 0
	}
	return removed
}

// Size returns the current number of events
func (rb *RingBuffer) Size() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.size
}

// Capacity returns the ring capacity
func (rb *RingBuffer) Capacity() int {
	return rb.capacity
}
