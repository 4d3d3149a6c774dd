package listener

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_OrderAndUnsubscribe(t *testing.T) {
	r := NewRegistry(nil)
	var got []int
	r.Add(func() { got = append(got, 1) })
	un := r.Add(func() { got = append(got, 2) })
	r.Add(func() { got = append(got, 3) })

	r.NotifyAll()
	assert.Equal(t, []int{1, 2, 3}, got)

	un()
	un()
	got = nil
	r.NotifyAll()
	assert.Equal(t, []int{1, 3}, got)
	assert.Equal(t, 2, r.Len())
}

func TestRegistry_PanicIsolated(t *testing.T) {
	r := NewRegistry(nil)
	panics := 0
	r.OnPanic(func() { panics++ })

	ran := false
	r.Add(func() { panic("listener bug") })
	r.Add(func() { ran = true })

	require.NotPanics(t, r.NotifyAll)
	assert.True(t, ran)
	assert.Equal(t, 1, panics)
}

func TestRegistry_MutationDuringNotify(t *testing.T) {
	r := NewRegistry(nil)
	var calls []string
	var unSecond func()
	r.Add(func() {
		calls = append(calls, "first")
		unSecond()
		r.Add(func() { calls = append(calls, "late") })
	})
	unSecond = r.Add(func() { calls = append(calls, "second") })

	r.NotifyAll()
	assert.Equal(t, []string{"first", "second"}, calls, "snapshot taken before the pass")

	calls = nil
	r.NotifyAll()
	assert.Equal(t, []string{"first", "late"}, calls)
}

func TestRegistry_ConcurrentAddNotify(t *testing.T) {
	r := NewRegistry(nil)
	var mu sync.Mutex
	count := 0
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				un := r.Add(func() {
					mu.Lock()
					count++
					mu.Unlock()
				})
				r.NotifyAll()
				un()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, r.Len())
	assert.Positive(t, count)
}

func TestRegistry_NilCallbackIgnored(t *testing.T) {
	r := NewRegistry(nil)
	un := r.Add(nil)
	un()
	assert.Equal(t, 0, r.Len())
}
