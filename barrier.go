package linkmap

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// Barrier waits until every concurrent reader has left any critical
// section it was in when Wait was called.
type Barrier interface {
	Wait()
	// SingleThreaded reports that no concurrent reader can exist, in
	// which case memory is released without waiting.
	SingleThreaded() bool
}

// Quiescence is a Barrier over registered readers. Each reader carries an
// epoch counter that is odd while inside a critical section.
type Quiescence struct {
	mu      sync.Mutex
	readers map[*Reader]struct{}
	waits   atomic.Uint64
}

// Reader is the handle of one reading goroutine.
type Reader struct {
	epoch atomic.Uint64
	q     *Quiescence
}

func NewQuiescence() *Quiescence {
	return &Quiescence{readers: make(map[*Reader]struct{})}
}

// Register a reader. Readers must Unregister when done.
func (q *Quiescence) Register() *Reader {
	rd := &Reader{q: q}
	q.mu.Lock()
	q.readers[rd] = struct{}{}
	q.mu.Unlock()
	return rd
}

func (rd *Reader) Unregister() {
	rd.q.mu.Lock()
	delete(rd.q.readers, rd)
	rd.q.mu.Unlock()
}

// Enter a critical section. Sections do not nest.
func (rd *Reader) Enter() {
	rd.epoch.Add(1)
}

// Exit the critical section.
func (rd *Reader) Exit() {
	rd.epoch.Add(1)
}

func (q *Quiescence) SingleThreaded() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.readers) == 0
}

// Wait for readers that are inside a section to leave it. Readers entering
// afterwards already see the new state and are not waited for.
func (q *Quiescence) Wait() {
	q.waits.Add(1)
	type snap struct {
		rd    *Reader
		epoch uint64
	}
	q.mu.Lock()
	inside := make([]snap, 0, len(q.readers))
	for rd := range q.readers {
		if e := rd.epoch.Load(); e&1 == 1 {
			inside = append(inside, snap{rd, e})
		}
	}
	q.mu.Unlock()
	for _, s := range inside {
		for s.rd.epoch.Load() == s.epoch {
			runtime.Gosched()
		}
	}
}

// Waits counts calls to Wait.
func (q *Quiescence) Waits() uint64 {
	return q.waits.Load()
}
