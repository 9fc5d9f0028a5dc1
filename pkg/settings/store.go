// Package settings persists the user data switches as integer columns and
// notifies watchers when a column changes.
package settings

import (
	"errors"
	"fmt"
	"sync"
)

// ErrNotFound is returned for a column that was never written
var ErrNotFound = errors.New("setting not found")

// Column names. Roaming and in-call columns are kept per slot, see SlotColumn.
const (
	ColumnDataEnable         = "cellular_data_enable"
	ColumnDataRoamingEnable  = "cellular_data_roaming_enable"
	ColumnIncallDataEnable   = "incall_data_enable"
	ColumnAirplaneMode       = "airplane_mode"
	ColumnIntelligenceSwitch = "intelligence_switch"
)

// Switch values stored in the columns
const (
	Disabled = 0
	Enabled  = 1
)

// SlotColumn returns the per-slot variant of column
func SlotColumn(column string, slot int) string {
	return fmt.Sprintf("%s_%d", column, slot)
}

// ChangeCallback is called after a column changed value
type ChangeCallback func(column string, value int)

// Store gets and puts integer columns
type Store interface {
	GetValue(column string) (int, error)
	SetValue(column string, value int) error
	Watch(column string, cb ChangeCallback)
	Close() error
}

type watchers struct {
	mu sync.RWMutex
	m  map[string][]ChangeCallback
}

func (w *watchers) add(column string, cb ChangeCallback) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.m == nil {
		w.m = make(map[string][]ChangeCallback)
	}
	w.m[column] = append(w.m[column], cb)
}

func (w *watchers) notify(column string, value int) {
	w.mu.RLock()
	cbs := append([]ChangeCallback(nil), w.m[column]...)
	w.mu.RUnlock()
	for _, cb := range cbs {
		cb(column, value)
	}
}

// MemoryStore keeps columns in memory. It is used by tests and when no
// settings path is configured.
type MemoryStore struct {
	mu      sync.RWMutex
	values  map[string]int
	watches watchers
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]int)}
}

func (s *MemoryStore) GetValue(column string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[column]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, column)
	}
	return v, nil
}

func (s *MemoryStore) SetValue(column string, value int) error {
	s.mu.Lock()
	old, existed := s.values[column]
	s.values[column] = value
	s.mu.Unlock()
	if !existed || old != value {
		s.watches.notify(column, value)
	}
	return nil
}

func (s *MemoryStore) Watch(column string, cb ChangeCallback) {
	s.watches.add(column, cb)
}

func (s *MemoryStore) Close() error { return nil }
