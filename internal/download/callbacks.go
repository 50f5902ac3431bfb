package download

import "sync"

// callbackQueue runs caller callbacks one at a time, in the order they were
// pushed, on a goroutine owned by the queue. Engine goroutines never run
// caller code, so a callback may call back into the Manager, even Cancel
// or Pause, which wait for the engine to stop.
type callbackQueue struct {
	mu      sync.Mutex
	fns     []func()
	running bool
}

func (q *callbackQueue) push(fn func()) {
	q.mu.Lock()
	q.fns = append(q.fns, fn)
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.mu.Unlock()
	go q.drain()
}

func (q *callbackQueue) drain() {
	for {
		q.mu.Lock()
		if len(q.fns) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		fn := q.fns[0]
		q.fns[0] = nil
		q.fns = q.fns[1:]
		q.mu.Unlock()
		fn()
	}
}
