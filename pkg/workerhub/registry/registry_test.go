package registry_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/workerhub/pkg/workerhub/registry"
)

func TestSwap(t *testing.T) {
	r := registry.New[string, int]()

	prev, loaded := r.Swap("a", 1)
	assert.False(t, loaded)
	assert.Zero(t, prev)

	prev, loaded = r.Swap("a", 2)
	assert.True(t, loaded)
	assert.Equal(t, 1, prev)

	v, ok := r.Get("a")
	require.True(t, ok)
	assert.Equal(t, 2, v)
}

func TestLoadAndDelete(t *testing.T) {
	r := registry.New[string, int]()
	r.Swap("a", 1)

	v, ok := r.LoadAndDelete("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = r.LoadAndDelete("a")
	assert.False(t, ok)
	assert.Zero(t, r.Len())
}

func TestRangeAllowsMutation(t *testing.T) {
	r := registry.New[string, int]()
	for i := 0; i < 5; i++ {
		r.Swap(fmt.Sprintf("k%d", i), i)
	}

	seen := 0
	r.Range(func(k string, _ int) bool {
		r.LoadAndDelete(k)
		seen++
		return true
	})

	assert.Equal(t, 5, seen)
	assert.Zero(t, r.Len())
}

func TestRangeStops(t *testing.T) {
	r := registry.New[string, int]()
	r.Swap("a", 1)
	r.Swap("b", 2)

	calls := 0
	r.Range(func(string, int) bool {
		calls++
		return false
	})
	assert.Equal(t, 1, calls)
}

func TestSortedKeysAndValues(t *testing.T) {
	r := registry.New[string, int]()
	r.Swap("b", 2)
	r.Swap("a", 1)

	assert.Equal(t, []string{"a", "b"}, registry.SortedKeys(r))
	assert.ElementsMatch(t, []int{1, 2}, r.Values())
}

func TestConcurrentAccess(t *testing.T) {
	r := registry.New[int, int]()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			r.Swap(i, i)
		}(i)
		go func() {
			defer wg.Done()
			r.Range(func(int, int) bool { return true })
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, r.Len())
}
