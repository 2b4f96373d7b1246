// Package strategylock serializes work per strategy in arrival order.
package strategylock

import (
	"context"
	"sync"
)

// Locker hands out one holder at a time per key. Waiters are admitted in the order
// Lock was called. The zero value is ready to use.
type Locker struct {
	mu     sync.Mutex
	queues map[uint64]*queue
}

type queue struct {
	tail    chan struct{}
	holders int
}

// Lock blocks until id is free or ctx is done. The returned unlock is idempotent.
func (l *Locker) Lock(ctx context.Context, id uint64) (unlock func(), err error) {
	l.mu.Lock()
	if l.queues == nil {
		l.queues = map[uint64]*queue{}
	}
	q, ok := l.queues[id]
	if !ok {
		q = &queue{}
		l.queues[id] = q
	}
	prev := q.tail
	mine := make(chan struct{})
	q.tail = mine
	q.holders++
	l.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			l.mu.Lock()
			q.holders--
			if q.holders == 0 {
				delete(l.queues, id)
			}
			l.mu.Unlock()
			close(mine)
		})
	}

	if prev == nil {
		return release, nil
	}
	select {
	case <-prev:
		return release, nil
	case <-ctx.Done():
		// keep our place in line so later waiters are not admitted early
		go func() {
			<-prev
			release()
		}()
		return nil, ctx.Err()
	}
}

// Pending reports how many holders and waiters id has.
func (l *Locker) Pending(id uint64) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if q, ok := l.queues[id]; ok {
		return q.holders
	}
	return 0
}
