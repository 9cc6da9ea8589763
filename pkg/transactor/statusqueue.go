// Copyright © 2025 Tessera Systems

package transactor

import "sync"

// taskQueue runs tasks serially per key: a task for a key never starts
// before the previous task for that key returned. Used to serialize
// per-user online status writes without holding a lock across them.
type taskQueue struct {
	mu      sync.Mutex
	pending map[string][]func()
	running map[string]struct{}
}

func newTaskQueue() *taskQueue {
	return &taskQueue{
		pending: map[string][]func(){},
		running: map[string]struct{}{},
	}
}

// Enqueue schedules fn behind any task already queued under the key and
// returns immediately.
func (q *taskQueue) Enqueue(key string, fn func()) {
	q.mu.Lock()
	q.pending[key] = append(q.pending[key], fn)
	if _, busy := q.running[key]; busy {
		q.mu.Unlock()
		return
	}
	q.running[key] = struct{}{}
	q.mu.Unlock()
	go q.drain(key)
}

func (q *taskQueue) drain(key string) {
	for {
		q.mu.Lock()
		queue := q.pending[key]
		if len(queue) == 0 {
			delete(q.pending, key)
			delete(q.running, key)
			q.mu.Unlock()
			return
		}
		fn := queue[0]
		q.pending[key] = queue[1:]
		q.mu.Unlock()
		fn()
	}
}
