package receiver

import (
	"bytes"
	"runtime"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// task is a unit of work submitted to the ConsumerThread. Tasks never
// take parameters or return values; state flows through closures.
type task func()

// ConsumerThread is a dedicated, single-goroutine executor that owns
// every call into the Kafka client. It is the Go shape of the teacher's
// WorkerPool narrowed to exactly one worker: the Kafka client is not
// thread-safe, so every consumer-thread-annotated operation in the event
// loop is submitted here instead of called directly.
//
// Other goroutines interact with state guarded by the consumer thread
// only through: atomic flag mutations, submitting tasks here, and the
// rendezvous records channel — never by calling the client directly.
type ConsumerThread struct {
	queue  chan task
	logger zerolog.Logger
	debug  bool // enables the thread-identity assertion

	wg       sync.WaitGroup
	started  atomic.Bool
	stopped  atomic.Bool
	threadID atomic.Uint64 // goroutine id of the running worker, set once

	panics        atomic.Uint64
	panicsCounter prometheus.Counter // may be nil (tests construct threads without a registry)
}

// NewConsumerThread constructs a consumer thread with the given task
// queue depth (debounced callers such as schedulePoll never need more
// than a handful of outstanding tasks; size generously to avoid ever
// blocking a caller on Submit). assertThread enables a debug-only check
// that every task genuinely runs on this thread (per §9's guidance to
// enforce thread affinity via a runtime identity comparison in debug
// builds and drop it in release). panicsCounter, if non-nil, is
// incremented alongside the in-process Panics() counter so an operator
// scraping kreactor_consumer_thread_panics_total sees the same count.
func NewConsumerThread(queueSize int, logger zerolog.Logger, assertThread bool, panicsCounter prometheus.Counter) *ConsumerThread {
	return &ConsumerThread{
		queue:         make(chan task, queueSize),
		logger:        logger,
		debug:         assertThread,
		panicsCounter: panicsCounter,
	}
}

// Start begins the worker goroutine and returns once the worker has
// recorded its identity. Safe to call once.
func (t *ConsumerThread) Start() {
	if !t.started.CompareAndSwap(false, true) {
		return
	}
	t.wg.Add(1)
	ready := make(chan struct{})
	go t.run(ready)
	<-ready
}

func (t *ConsumerThread) run(ready chan struct{}) {
	defer t.wg.Done()
	if t.debug {
		t.threadID.Store(goroutineID())
	}
	close(ready)
	for tk := range t.queue {
		t.execute(tk)
	}
}

// AssertOnThread panics if called from a goroutine other than the one
// running this ConsumerThread's worker loop. A no-op unless the thread
// was constructed with assertThread=true; intended for assertions inside
// functions this package documents as consumer-thread-only.
func (t *ConsumerThread) AssertOnThread() {
	if !t.debug {
		return
	}
	if id := t.threadID.Load(); id != 0 && id != goroutineID() {
		panic("kreactor: consumer-thread-only call made off the consumer thread")
	}
}

// goroutineID parses the running goroutine's id out of its stack trace.
// It is a debug-only convenience (no supported stdlib API exposes this)
// used exclusively by AssertOnThread, never by production control flow.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	fields := bytes.Fields(buf[:n])
	if len(fields) < 2 {
		return 0
	}
	id, _ := strconv.ParseUint(string(fields[1]), 10, 64)
	return id
}

func (t *ConsumerThread) execute(tk task) {
	defer func() {
		if r := recover(); r != nil {
			t.panics.Add(1)
			if t.panicsCounter != nil {
				t.panicsCounter.Inc()
			}
			t.logger.Error().
				Interface("panic_value", r).
				Str("stack_trace", string(debug.Stack())).
				Msg("consumer thread task panicked; thread continues")
		}
	}()
	tk()
}

// Submit enqueues a task for execution on the consumer thread. Unlike the
// teacher's broadcast WorkerPool, a full queue never drops or inlines the
// task — a consumer-thread task is part of the poll/commit state machine
// and must only ever run on the one goroutine that owns the client, so
// Submit blocks the caller until there is room.
func (t *ConsumerThread) Submit(tk task) {
	if t.stopped.Load() {
		return
	}
	t.queue <- tk
}

// Stop closes the task queue and waits for the worker to drain and exit.
func (t *ConsumerThread) Stop() {
	if !t.stopped.CompareAndSwap(false, true) {
		return
	}
	close(t.queue)
	t.wg.Wait()
}

// Panics returns the number of task panics recovered so far.
func (t *ConsumerThread) Panics() uint64 {
	return t.panics.Load()
}
