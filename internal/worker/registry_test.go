// ABOUTME: Tests for the per-worker test registry.
// ABOUTME: Index and id uniqueness, check order, atomic registration under contention.

package worker

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-sim/internal/operation"
	"github.com/2389/coven-sim/internal/workload"
)

func container(index int, id string) *TestContainer {
	tc := workload.NewTestContext(id, nil, nil)
	return NewTestContainer(index, operation.TestCase{ID: id, Module: "sleep"}, &workload.Sleep{}, tc)
}

func TestRegistry_DuplicateIndexKeepsFirst(t *testing.T) {
	r := NewRegistry()
	first := container(1, "a")
	require.NoError(t, r.Put(first))

	err := r.Put(container(1, "b"))
	assert.ErrorIs(t, err, ErrDuplicateTestIndex)

	got, ok := r.GetByIndex(1)
	require.True(t, ok)
	assert.Same(t, first, got)
	_, ok = r.Get("b")
	assert.False(t, ok, "rejected registration must leave no trace")
}

func TestRegistry_DuplicateID(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Put(container(1, "a")))

	err := r.Put(container(2, "a"))
	assert.ErrorIs(t, err, ErrDuplicateTestID)

	_, ok := r.GetByIndex(2)
	assert.False(t, ok)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_CheckOrder(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Put(container(1, "a")))

	assert.ErrorIs(t, r.Check(1, "../bad"), ErrDuplicateTestIndex, "index is checked before the file name")
	assert.ErrorIs(t, r.Check(1, "a"), ErrDuplicateTestIndex)
	assert.ErrorIs(t, r.Check(2, "a"), ErrDuplicateTestID)
	assert.ErrorIs(t, r.Check(2, "../bad"), ErrInvalidTestID)
	assert.NoError(t, r.Check(2, ""))

	err := r.Put(container(1, "../bad"))
	assert.ErrorIs(t, err, ErrDuplicateTestIndex)
	err = r.Put(container(2, "../bad"))
	assert.ErrorIs(t, err, ErrInvalidTestID)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_RemoveAndAll(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Put(container(3, "c")))
	require.NoError(t, r.Put(container(1, "a")))
	require.NoError(t, r.Put(container(2, "b")))

	var ids []string
	for _, c := range r.All() {
		ids = append(ids, c.ID())
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)

	r.Remove(2)
	_, ok := r.Get("b")
	assert.False(t, ok)
	require.NoError(t, r.Put(container(2, "b")), "index and id are free again after removal")
}

func TestRegistry_ConcurrentRegistrationIsAtomic(t *testing.T) {
	t.Run("same index", func(t *testing.T) {
		r := NewRegistry()
		var ok atomic.Int32
		var wg sync.WaitGroup
		for i := range 32 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if r.Put(container(7, fmt.Sprintf("id-%d", i))) == nil {
					ok.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), ok.Load())
		assert.Equal(t, 1, r.Len())
	})

	t.Run("same id", func(t *testing.T) {
		r := NewRegistry()
		var ok atomic.Int32
		var wg sync.WaitGroup
		for i := range 32 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if r.Put(container(i+1, "shared")) == nil {
					ok.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), ok.Load())
		assert.Equal(t, 1, r.Len())
	})
}
