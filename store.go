package vmcs

import (
	"fmt"
	"sync"
)

// Store reads and writes VMCS fields.
//
// Get and Set fail with a *LogicError when the field does not exist on the
// processor; GetIfExists returns 0 instead.
type Store interface {
	Exists(f *Field) bool
	Get(f *Field) (uint64, error)
	GetIfExists(f *Field, verbose bool) uint64
	Set(f *Field, v uint64) error
}

// MapStore is an in-memory Store. Field existence follows the capabilities it
// was created with.
type MapStore struct {
	caps Capabilities

	mu     sync.RWMutex
	values map[uint32]uint64
}

// NewMapStore returns an empty store whose field existence follows caps.
func NewMapStore(caps Capabilities) *MapStore {
	return &MapStore{
		caps:   caps,
		values: make(map[uint32]uint64),
	}
}

func (s *MapStore) Exists(f *Field) bool {
	if f == nil {
		return false
	}
	return f.Present(s.caps)
}

func (s *MapStore) Get(f *Field) (uint64, error) {
	if f == nil {
		return 0, fmt.Errorf("vmcs: field is nil")
	}
	if !s.Exists(f) {
		recordLogicError()
		return 0, &LogicError{Op: "get", Field: f.Name}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.values[f.Addr], nil
}

func (s *MapStore) GetIfExists(f *Field, verbose bool) uint64 {
	if !s.Exists(f) {
		if verbose && f != nil {
			log.WithField("field", f.Name).Warn("field does not exist on this processor")
		}
		return 0
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.values[f.Addr]
}

func (s *MapStore) Set(f *Field, v uint64) error {
	if f == nil {
		return fmt.Errorf("vmcs: field is nil")
	}
	if !s.Exists(f) {
		recordLogicError()
		return &LogicError{Op: "set", Field: f.Name}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.values[f.Addr] = v & f.Width.Mask()
	return nil
}

// Batch maps fields to values.
type Batch map[*Field]uint64

// GetFields reads several fields, stopping at the first error.
func GetFields(s Store, fields []*Field) (Batch, error) {
	batch := make(Batch, len(fields))
	for _, f := range fields {
		v, err := s.Get(f)
		if err != nil {
			return nil, err
		}
		batch[f] = v
	}
	return batch, nil
}

// SetFields writes every field in batch, stopping at the first error.
func SetFields(s Store, batch Batch) error {
	for f, v := range batch {
		if err := s.Set(f, v); err != nil {
			return fmt.Errorf("failed to set %s: %w", f.Name, err)
		}
	}
	return nil
}
