package bridge

import (
	"context"
	"sync"
)

// PlayFunc is a single playback operation. Implementations must stop emitting
// audio within one iteration of their chunk loop once ctx is cancelled.
type PlayFunc func(ctx context.Context) error

type queueItem struct {
	play PlayFunc
	done chan error
}

// TTSQueue serializes playback operations for one media stream. At most one
// operation runs at a time; the rest wait in FIFO order. Clearing the queue
// aborts the in-flight operation and completes the queued ones without
// running them, so callers waiting on a cleared operation unblock cleanly.
type TTSQueue struct {
	mu   sync.Mutex
	idle *sync.Cond

	items   []*queueItem
	running bool
	current *queueItem
	cancel  context.CancelFunc
	closed  bool

	// onClear is invoked after the queue has been drained by Clear, once the
	// aborted operation has stopped. Used to emit the carrier clear frame.
	onClear func()
}

// NewTTSQueue creates an empty queue. onClear may be nil.
func NewTTSQueue(onClear func()) *TTSQueue {
	q := &TTSQueue{onClear: onClear}
	q.idle = sync.NewCond(&q.mu)
	return q
}

// Enqueue adds a playback operation and returns a channel that receives its
// result exactly once. Operations cancelled by Clear complete with nil.
func (q *TTSQueue) Enqueue(play PlayFunc) <-chan error {
	done := make(chan error, 1)
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		done <- nil
		return done
	}
	q.items = append(q.items, &queueItem{play: play, done: done})
	if !q.running {
		q.running = true
		go q.run()
	}
	q.mu.Unlock()
	return done
}

// Play enqueues the operation and waits for it to complete.
func (q *TTSQueue) Play(ctx context.Context, play PlayFunc) error {
	select {
	case err := <-q.Enqueue(play):
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run drains the queue one operation at a time. The loop is iterative so a
// long call cannot grow the stack.
func (q *TTSQueue) run() {
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		it := q.items[0]
		q.items = q.items[1:]
		ctx, cancel := context.WithCancel(context.Background())
		q.current = it
		q.cancel = cancel
		q.mu.Unlock()

		err := it.play(ctx)
		aborted := ctx.Err() != nil

		q.mu.Lock()
		q.current = nil
		q.cancel = nil
		q.idle.Broadcast()
		q.mu.Unlock()
		cancel()

		if aborted {
			// Cleared operations complete without error.
			err = nil
		}
		it.done <- err
	}
}

// Clear aborts the in-flight operation, completes every queued operation
// without running it, and fires the onClear callback. It waits for the
// aborted operation to actually stop before onClear runs, so no audio frame
// from a prior operation can follow the clear frame. Subsequent enqueues
// play in their own order as usual.
func (q *TTSQueue) Clear() {
	q.mu.Lock()
	if q.cancel != nil {
		q.cancel()
	}
	dropped := q.items
	q.items = nil
	for q.current != nil {
		q.idle.Wait()
	}
	onClear := q.onClear
	q.mu.Unlock()

	for _, it := range dropped {
		it.done <- nil
	}
	if onClear != nil {
		onClear()
	}
}

// Close clears the queue and rejects further work. Operations enqueued after
// Close complete immediately without running.
func (q *TTSQueue) Close() {
	q.mu.Lock()
	q.closed = true
	if q.cancel != nil {
		q.cancel()
	}
	dropped := q.items
	q.items = nil
	for q.current != nil {
		q.idle.Wait()
	}
	q.mu.Unlock()

	for _, it := range dropped {
		it.done <- nil
	}
}
