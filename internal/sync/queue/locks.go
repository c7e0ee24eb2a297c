package queue

import "context"

// TryLockItem claims the item for a single writer without blocking. ok is
// false if another writer holds it; otherwise unlock must be called.
func (q *Queue) TryLockItem(id string) (unlock func(), ok bool) {
	q.lockMu.Lock()
	defer q.lockMu.Unlock()

	if _, held := q.inflight[id]; held {
		return nil, false
	}
	return q.claim(id), true
}

// LockItem waits until the item can be claimed or ctx is done.
func (q *Queue) LockItem(ctx context.Context, id string) (unlock func(), err error) {
	for {
		q.lockMu.Lock()
		held, busy := q.inflight[id]
		if !busy {
			unlock := q.claim(id)
			q.lockMu.Unlock()
			return unlock, nil
		}
		q.lockMu.Unlock()

		select {
		case <-held:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// InFlight reports whether a writer currently holds the item.
func (q *Queue) InFlight(id string) bool {
	q.lockMu.Lock()
	defer q.lockMu.Unlock()
	_, held := q.inflight[id]
	return held
}

// claim must be called with lockMu held.
func (q *Queue) claim(id string) func() {
	done := make(chan struct{})
	q.inflight[id] = done
	var released bool
	return func() {
		q.lockMu.Lock()
		defer q.lockMu.Unlock()
		if released {
			return
		}
		released = true
		delete(q.inflight, id)
		close(done)
	}
}
