package node

import (
	"errors"
	"fmt"
)

// ErrServiceTableFull is returned by [serviceTable.Put] when the table is
// at capacity and id is not already present.
var ErrServiceTableFull = errors.New("node: service table full")

// serviceTable is the fixed-capacity id -> Service payload table spec.md
// §4.7 step 3 requires ("store the service payload under its id"),
// separate from [catalog.Store]'s id -> version map.
type serviceTable struct {
	capacity int
	services map[uint64]Service
}

func newServiceTable(capacity int) *serviceTable {
	return &serviceTable{capacity: capacity, services: make(map[uint64]Service, capacity)}
}

func (t *serviceTable) Put(s Service) error {
	if _, exists := t.services[s.ID]; !exists && len(t.services) >= t.capacity {
		return fmt.Errorf("node: put service id=%d: %w", s.ID, ErrServiceTableFull)
	}

	t.services[s.ID] = s

	return nil
}

func (t *serviceTable) Get(id uint64) (Service, bool) {
	s, ok := t.services[id]

	return s, ok
}

func (t *serviceTable) Len() int {
	return len(t.services)
}
