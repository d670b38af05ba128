package coordinator

import "sync"

// Observer receives coordinator notifications in the order they happened,
// on a dedicated goroutine. Implementations must not call back into the
// coordinator synchronously.
type Observer interface {
	OnTransition(Transition)
	OnResult(Report)
}

type notification struct {
	transition *Transition
	report     *Report
}

// notifier is an unbounded FIFO so that enqueueing never blocks a transition.
type notifier struct {
	mu        sync.Mutex
	observers []Observer
	pending   []notification
	signal    chan struct{}
	closed    bool
	done      chan struct{}
}

func newNotifier(observers []Observer) *notifier {
	n := &notifier{
		observers: observers,
		signal:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	go n.run()
	return n
}

func (n *notifier) add(obs Observer) {
	n.mu.Lock()
	n.observers = append(n.observers, obs)
	n.mu.Unlock()
}

func (n *notifier) push(item notification) {
	n.mu.Lock()
	if n.closed || len(n.observers) == 0 {
		n.mu.Unlock()
		return
	}
	n.pending = append(n.pending, item)
	n.mu.Unlock()
	select {
	case n.signal <- struct{}{}:
	default:
	}
}

func (n *notifier) run() {
	defer close(n.done)
	for {
		n.mu.Lock()
		batch := n.pending
		n.pending = nil
		closed := n.closed
		observers := n.observers
		n.mu.Unlock()

		for _, item := range batch {
			for _, obs := range observers {
				if item.transition != nil {
					obs.OnTransition(*item.transition)
				}
				if item.report != nil {
					obs.OnResult(*item.report)
				}
			}
		}
		if closed && len(batch) == 0 {
			return
		}
		if len(batch) == 0 {
			<-n.signal
		}
	}
}

// close delivers what is already queued and stops the worker.
func (n *notifier) close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		<-n.done
		return
	}
	n.closed = true
	n.mu.Unlock()
	select {
	case n.signal <- struct{}{}:
	default:
	}
	<-n.done
}
