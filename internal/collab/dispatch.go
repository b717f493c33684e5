package collab

import "sync"

// dispatcher runs host callbacks in order on their own goroutine, apart from
// the session actor, so a callback may call back into its session. push
// never blocks.
type dispatcher struct {
	mu     sync.Mutex
	items  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func newDispatcher() *dispatcher {
	d := &dispatcher{wake: make(chan struct{}, 1), done: make(chan struct{})}
	go d.run()
	return d
}

func (d *dispatcher) push(fn func()) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.items = append(d.items, fn)
	d.mu.Unlock()
	d.signal()
}

// shutdown drops every queued callback, runs final (if any) as the last one
// and stops the goroutine. A callback already taken off the queue may still
// be running when shutdown returns.
func (d *dispatcher) shutdown(final func()) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.items = nil
	if final != nil {
		d.items = append(d.items, final)
	}
	d.mu.Unlock()
	d.signal()
}

func (d *dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) next() (fn func(), ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.items) == 0 {
		return nil, !d.closed
	}
	fn = d.items[0]
	d.items = d.items[1:]
	return fn, true
}

func (d *dispatcher) run() {
	defer close(d.done)
	for range d.wake {
		for {
			fn, ok := d.next()
			if !ok {
				return
			}
			if fn == nil {
				break
			}
			fn()
		}
	}
}
