package paged

import "sync"

// barrier counts in-flight page-in operations and lets the flusher wait
// for them to drain. Unlike a WaitGroup, begin may race with wait: new
// page-ins arriving during the wait are waited for too, which is what the
// truncate path needs — no page-in started before the size change may
// still be reading when the shrink commits.
type barrier struct {
	mu   sync.Mutex
	cond *sync.Cond
	n    int
}

func newBarrier() *barrier {
	b := &barrier{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *barrier) begin() {
	b.mu.Lock()
	b.n++
	b.mu.Unlock()
}

func (b *barrier) end() {
	b.mu.Lock()
	b.n--
	if b.n == 0 {
		b.cond.Broadcast()
	}
	b.mu.Unlock()
}

// wait blocks until no page-in is in flight.
func (b *barrier) wait() {
	b.mu.Lock()
	for b.n > 0 {
		b.cond.Wait()
	}
	b.mu.Unlock()
}
