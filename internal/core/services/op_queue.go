package services

import "sync"

// opQueue runs transport operations one at a time, in submission order, on
// its own goroutine. Submit never blocks so the Run loop cannot stall on a
// slow transport.
type opQueue struct {
	mu   sync.Mutex
	ops  []func()
	wake chan struct{}
}

func newOpQueue() *opQueue {
	return &opQueue{wake: make(chan struct{}, 1)}
}

func (q *opQueue) submit(op func()) {
	q.mu.Lock()
	q.ops = append(q.ops, op)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// run executes queued operations until done is closed. Operations still
// queued at that point are dropped.
func (q *opQueue) run(done <-chan struct{}) {
	for {
		q.mu.Lock()
		if len(q.ops) == 0 {
			q.mu.Unlock()
			select {
			case <-q.wake:
				continue
			case <-done:
				return
			}
		}
		op := q.ops[0]
		q.ops[0] = nil
		q.ops = q.ops[1:]
		q.mu.Unlock()

		select {
		case <-done:
			return
		default:
		}
		op()
	}
}
