package plancache

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRejectsZeroCapacity(t *testing.T) {
	_, err := New(0, nil)
	require.Error(t, err)
}

func TestEvictionOnOverflowCallsCallbackOnce(t *testing.T) {
	type evicted struct {
		key, value interface{}
	}
	var calls []evicted

	c, err := New(2, func(k, v interface{}) error {
		calls = append(calls, evicted{k, v})
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, c.Put("a", 1))
	require.NoError(t, c.Put("b", 2))
	_, ok := c.Get("a")
	require.True(t, ok)
	require.NoError(t, c.Put("c", 3))

	require.Len(t, calls, 1)
	require.Equal(t, evicted{"b", 2}, calls[0])

	_, ok = c.Get("a")
	require.True(t, ok)
	_, ok = c.Get("b")
	require.False(t, ok)
	v, ok := c.Get("c")
	require.True(t, ok)
	require.Equal(t, 3, v)
}

func TestClearRunsCallbackOnEveryEntryAndReturnsFirstError(t *testing.T) {
	c, err := New(3, func(k, v interface{}) error {
		return fmt.Errorf("evict failed for %v", k)
	})
	require.NoError(t, err)

	require.NoError(t, c.Put("a", 1))
	require.NoError(t, c.Put("b", 2))

	err = c.Clear()
	require.Error(t, err)
	require.Equal(t, 0, c.Len())
}

func TestAdjustCapacityShrinksLRUFirst(t *testing.T) {
	var evictedKeys []interface{}
	c, err := New(3, func(k, v interface{}) error {
		evictedKeys = append(evictedKeys, k)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, c.Put("a", 1))
	require.NoError(t, c.Put("b", 2))
	require.NoError(t, c.Put("c", 3))

	require.NoError(t, c.AdjustCapacity(1))
	require.Equal(t, 1, c.Len())
	require.Equal(t, []interface{}{"a", "b"}, evictedKeys)

	_, ok := c.Get("c")
	require.True(t, ok)
}

func TestPutUpdatesExistingKeyWithoutEviction(t *testing.T) {
	evictions := 0
	c, err := New(2, func(k, v interface{}) error { evictions++; return nil })
	require.NoError(t, err)

	require.NoError(t, c.Put("a", 1))
	require.NoError(t, c.Put("a", 2))

	v, ok := c.Get("a")
	require.True(t, ok)
	require.Equal(t, 2, v)
	require.Equal(t, 0, evictions)
}
