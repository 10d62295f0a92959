package coordinator

import (
	"sync"

	"github.com/weathervane/coordinator/internal/job"
)

// waiters tracks blocking-status callers per identity. Channels are
// buffered so a notify never blocks on a slow or departed waiter.
type waiters struct {
	mu sync.Mutex
	m  map[string][]chan *job.Record
}

func newWaiters() *waiters {
	return &waiters{m: make(map[string][]chan *job.Record)}
}

func (w *waiters) add(id string) chan *job.Record {
	ch := make(chan *job.Record, 1)
	w.mu.Lock()
	w.m[id] = append(w.m[id], ch)
	w.mu.Unlock()
	return ch
}

func (w *waiters) remove(id string, ch chan *job.Record) {
	w.mu.Lock()
	defer w.mu.Unlock()

	chans := w.m[id]
	for i, c := range chans {
		if c == ch {
			w.m[id] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(w.m[id]) == 0 {
		delete(w.m, id)
	}
}

// notify wakes every waiter for id. rec is nil when the job was deleted.
func (w *waiters) notify(id string, rec *job.Record) {
	w.mu.Lock()
	chans := w.m[id]
	delete(w.m, id)
	w.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- rec:
		default:
		}
	}
}
