// ABOUTME: Registry of the tests running on one worker
// ABOUTME: Index and id uniqueness are checked and committed in one critical section

package worker

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

// Registration errors
var (
	ErrDuplicateTestIndex = errors.New("duplicate test index")
	ErrDuplicateTestID    = errors.New("duplicate test id")
	ErrInvalidTestID      = errors.New("invalid test id")
)

// Registry maps test ids and test indexes to their containers.
type Registry struct {
	mu      sync.RWMutex
	byIndex map[int]*TestContainer
	byID    map[string]*TestContainer
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byIndex: make(map[int]*TestContainer),
		byID:    make(map[string]*TestContainer),
	}
}

// Put registers c. It fails without side effects when its index or its id
// is already bound, or when a non-empty id is not a valid file name. The
// checks run in that order.
func (r *Registry) Put(c *TestContainer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.check(c.Index(), c.ID()); err != nil {
		return err
	}
	r.byIndex[c.Index()] = c
	r.byID[c.ID()] = c
	return nil
}

// Check reports the error Put would return for a test bound to index and
// id, without registering anything.
func (r *Registry) Check(index int, id string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.check(index, id)
}

func (r *Registry) check(index int, id string) error {
	if existing, ok := r.byIndex[index]; ok {
		return fmt.Errorf("%w: index %d is bound to test %q", ErrDuplicateTestIndex, index, existing.ID())
	}
	if existing, ok := r.byID[id]; ok {
		return fmt.Errorf("%w: test %q is bound to index %d", ErrDuplicateTestID, id, existing.Index())
	}
	if id != "" && !IsValidFileName(id) {
		return fmt.Errorf("%w: %q is not a valid file name", ErrInvalidTestID, id)
	}
	return nil
}

// Get returns the container of test id.
func (r *Registry) Get(id string) (*TestContainer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[id]
	return c, ok
}

// GetByIndex returns the container bound to index.
func (r *Registry) GetByIndex(index int) (*TestContainer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byIndex[index]
	return c, ok
}

// Remove unbinds the test at index.
func (r *Registry) Remove(index int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.byIndex[index]; ok {
		delete(r.byIndex, index)
		delete(r.byID, c.ID())
	}
}

// All returns every container ordered by index.
func (r *Registry) All() []*TestContainer {
	r.mu.RLock()
	all := make([]*TestContainer, 0, len(r.byIndex))
	for _, c := range r.byIndex {
		all = append(all, c)
	}
	r.mu.RUnlock()

	slices.SortFunc(all, func(a, b *TestContainer) int { return a.Index() - b.Index() })
	return all
}

// Len returns the number of registered tests.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byIndex)
}
