// Copyright © 2025 Tessera Systems

package transactor

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/atomic"
)

func TestTaskQueueSerializesPerKey(t *testing.T) {
	q := newTaskQueue()
	inFlight := atomic.NewInt32(0)
	maxInFlight := atomic.NewInt32(0)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		q.Enqueue("user-a", func() {
			defer wg.Done()
			cur := inFlight.Inc()
			if cur > maxInFlight.Load() {
				maxInFlight.Store(cur)
			}
			time.Sleep(100 * time.Microsecond)
			inFlight.Dec()
		})
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInFlight.Load())
}

func TestTaskQueueKeysRunIndependently(t *testing.T) {
	q := newTaskQueue()
	release := make(chan struct{})
	ranB := make(chan struct{})

	q.Enqueue("user-a", func() { <-release })
	q.Enqueue("user-b", func() { close(ranB) })

	select {
	case <-ranB:
	case <-time.After(time.Second):
		t.Fatal("task for another key was blocked")
	}
	close(release)
}

func TestTaskQueuePreservesOrder(t *testing.T) {
	q := newTaskQueue()
	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		n := i
		wg.Add(1)
		q.Enqueue("key", func() {
			defer wg.Done()
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
		})
	}
	wg.Wait()
	for i, n := range order {
		assert.Equal(t, i, n)
	}
}
