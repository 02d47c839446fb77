package call

import "sync"

// notifier runs posted functions one at a time, in order, on its own
// goroutine so callbacks never run under the session lock.
type notifier struct {
	mu     sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func newNotifier() *notifier {
	n := &notifier{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go n.run()
	return n
}

func (n *notifier) post(fn func()) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.queue = append(n.queue, fn)
	n.mu.Unlock()

	select {
	case n.wake <- struct{}{}:
	default:
	}
}

func (n *notifier) run() {
	defer close(n.done)
	for {
		n.mu.Lock()
		batch := n.queue
		n.queue = nil
		closed := n.closed
		n.mu.Unlock()

		for _, fn := range batch {
			fn()
		}
		if closed && len(batch) == 0 {
			return
		}
		if len(batch) > 0 {
			continue
		}
		<-n.wake
	}
}

// close stops the notifier once what is already queued has run. It does not
// wait, so callbacks may call it.
func (n *notifier) close() {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()

	select {
	case n.wake <- struct{}{}:
	default:
	}
}
