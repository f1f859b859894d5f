package sharedcache

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/creachadair/taskgroup"
)

// uploadMessage is the internal unit of work handed to the upload worker.
type uploadMessage struct {
	key    CacheKey
	src    ReadSeekerAt
	reason Reason
	doneTx chan<- storeDone
}

// storeDone is delivered on an upload's completion channel. Receivers are
// free to drop it; the worker never blocks waiting for it to be read (it is
// sent on a buffered channel of size 1).
type storeDone struct {
	Result StoreResult
	Err    error
}

// CompletionSignal is returned by Store so callers that need the ordering
// guarantee described in spec.md §5 ("await the completion signal") can
// wait for an enqueued upload to actually finish.
type CompletionSignal <-chan storeDone

// Wait blocks until the upload completes or ctx is done, whichever is
// first.
func (c CompletionSignal) Wait(ctx context.Context) (StoreResult, error) {
	select {
	case d, ok := <-c:
		if !ok {
			return StoreResult{}, context.Canceled
		}
		return d.Result, d.Err
	case <-ctx.Done():
		return StoreResult{}, ctx.Err()
	}
}

// uploadWorker owns a bounded FIFO queue of uploadMessages feeding a
// concurrency-limited pool of background tasks (spec.md §4.4). Enqueue
// order is dispatch-start order; there is no guarantee on completion
// order, and in-flight uploads are not cancelled when the worker's input
// channel is closed — they finish or fail naturally.
type uploadWorker struct {
	backend Backend
	logf    func(string, ...any)

	queue chan uploadMessage
	tasks *taskgroup.Group
	start func(taskgroup.Task)

	mu       sync.Mutex
	dropped  int64
	inFlight atomic.Int64
	done     chan struct{}
}

func newUploadWorker(backend Backend, queueSize, concurrency int, logf func(string, ...any)) *uploadWorker {
	tasks, start := taskgroup.New(nil).Limit(concurrency)
	w := &uploadWorker{
		backend: backend,
		logf:    logf,
		queue:   make(chan uploadMessage, queueSize),
		tasks:   tasks,
		start:   start,
		done:    make(chan struct{}),
	}
	go w.run(make(chan struct{}, concurrency))
	return w
}

// run is the worker's single long-running loop: it waits for a free
// concurrency slot, then takes the next message off the queue and hands it
// to the task pool. While every slot is busy, pending messages stay in the
// queue, so the queue bound alone decides when tryEnqueue drops. The loop
// terminates once the queue is closed and drained; in-flight tasks are then
// awaited by Close.
func (w *uploadWorker) run(slots chan struct{}) {
	defer close(w.done)
	for {
		slots <- struct{}{}
		msg, ok := <-w.queue
		if !ok {
			return
		}
		w.start(func() error {
			defer func() { <-slots }()
			w.inFlight.Add(1)
			defer w.inFlight.Add(-1)
			result, err := w.backend.Store(context.Background(), msg.key, msg.src, msg.reason)
			if msg.doneTx != nil {
				msg.doneTx <- storeDone{Result: result, Err: err}
				close(msg.doneTx)
			}
			return err
		})
	}
}

// tryEnqueue attempts a non-blocking send. It never blocks the caller: if
// the queue is full, it increments the drop counter and returns false
// immediately (spec.md §4.4's backpressure/drop semantics).
func (w *uploadWorker) tryEnqueue(msg uploadMessage) bool {
	select {
	case w.queue <- msg:
		return true
	default:
		w.mu.Lock()
		w.dropped++
		w.mu.Unlock()
		if w.logf != nil {
			w.logf("shared cache: upload queue full, dropping store for %s", msg.key.RelativePath())
		}
		return false
	}
}

// droppedCount reports how many Store calls were dropped for queue
// fullness since the worker started.
func (w *uploadWorker) droppedCount() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dropped
}

// queueCapacity reports the configured bound on the queue, for the
// uploads_queue_capacity gauge (spec.md §6).
func (w *uploadWorker) queueCapacity() int { return cap(w.queue) }

// inFlightCount reports the number of uploads currently executing, for the
// uploads_in_flight gauge (spec.md §6).
func (w *uploadWorker) inFlightCount() int64 { return w.inFlight.Load() }

// close shuts the worker down: the queue is closed (no further sends are
// possible), the run loop drains what remains, and then Close waits for
// all in-flight uploads dispatched by the task pool to finish.
func (w *uploadWorker) close(ctx context.Context) error {
	close(w.queue)
	select {
	case <-w.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	errc := make(chan error, 1)
	go func() { errc <- w.tasks.Wait() }()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
