package session

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreEvictsLeastRecentlyUsed(t *testing.T) {
	t.Parallel()

	var evicted []string
	store := NewStore(3, func(key string) { evicted = append(evicted, key) })

	store.GetOrCreate("a")
	store.GetOrCreate("b")
	store.GetOrCreate("c")

	// Touch "a" so "b" becomes the oldest.
	store.GetOrCreate("a")
	store.GetOrCreate("d")

	assert.Equal(t, 3, store.Len())
	assert.Equal(t, []string{"c", "a", "d"}, store.Keys())
	assert.Equal(t, []string{"b"}, evicted)

	_, ok := store.Peek("b")
	assert.False(t, ok)
}

func TestStoreKeepsNMostRecent(t *testing.T) {
	t.Parallel()

	const n = 10
	store := NewStore(n, nil)
	for i := 0; i <= n; i++ {
		store.GetOrCreate(fmt.Sprintf("s-%d", i))
	}

	require.Equal(t, n, store.Len())
	_, ok := store.Peek("s-0")
	assert.False(t, ok, "oldest session should be evicted")
	for i := 1; i <= n; i++ {
		_, ok := store.Peek(fmt.Sprintf("s-%d", i))
		assert.True(t, ok)
	}
}

func TestStoreReturnsSameSession(t *testing.T) {
	t.Parallel()

	store := NewStore(0, nil)
	assert.Equal(t, DefaultCapacity, store.Capacity())

	first := store.GetOrCreate("k")
	first.SetLastTopic("Malta")
	second := store.GetOrCreate("k")

	assert.Same(t, first, second)
	assert.Equal(t, "Malta", second.LastTopic())
}

func TestStoreConcurrentAccess(t *testing.T) {
	t.Parallel()

	store := NewStore(50, nil)
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s := store.GetOrCreate(fmt.Sprintf("k-%d", i%80))
			s.IncrementTurn()
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, store.Len(), 50)
}

func TestPeekDoesNotTouch(t *testing.T) {
	t.Parallel()

	store := NewStore(2, nil)
	store.GetOrCreate("a")
	store.GetOrCreate("b")
	_, _ = store.Peek("a")
	store.GetOrCreate("c")

	_, ok := store.Peek("a")
	assert.False(t, ok)
}
