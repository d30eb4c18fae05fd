package gateway

import (
	"context"
	"fmt"
	"time"
)

// DefaultSubmitTimeout bounds how long a caller will wait for the
// dispatcher to process a submitted task, per SPEC_FULL.md §4.5 /
// spec.md §9's "channel-per-request submission model" design note.
const DefaultSubmitTimeout = 30 * time.Second

type task struct {
	fn    func(context.Context) (any, error)
	reply chan taskResult
}

type taskResult struct {
	value any
	err   error
}

// Dispatcher serializes every backend call onto a single goroutine,
// replacing the Python original's coroutine trampolining of blocking
// HTTP handlers onto a background asyncio loop shared with WS/IPC.
// Here HTTP, WS, and IPC handlers all submit through the same channel
// instead of three different concurrency models converging on one
// event loop — the structural intent (one serialized path to the
// backend) is preserved without needing Python's thread/loop split.
type Dispatcher struct {
	tasks   chan task
	done    chan struct{}
	timeout time.Duration
}

// NewDispatcher starts the dispatcher's processing goroutine. A
// timeout <= 0 uses DefaultSubmitTimeout.
func NewDispatcher(timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultSubmitTimeout
	}
	d := &Dispatcher{
		tasks:   make(chan task),
		done:    make(chan struct{}),
		timeout: timeout,
	}
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	for {
		select {
		case t := <-d.tasks:
			ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
			value, err := t.fn(ctx)
			cancel()
			t.reply <- taskResult{value: value, err: err}
		case <-d.done:
			return
		}
	}
}

// Submit enqueues fn and blocks until it completes or the dispatcher's
// configured timeout elapses, whichever comes first.
func (d *Dispatcher) Submit(ctx context.Context, fn func(context.Context) (any, error)) (any, error) {
	reply := make(chan taskResult, 1)
	select {
	case d.tasks <- task{fn: fn, reply: reply}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(d.timeout):
		return nil, fmt.Errorf("timed_out: dispatcher queue full")
	}

	select {
	case r := <-reply:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(d.timeout):
		return nil, fmt.Errorf("timed_out: backend call exceeded %s", d.timeout)
	}
}

// Stop shuts the dispatcher goroutine down.
func (d *Dispatcher) Stop() {
	close(d.done)
}
