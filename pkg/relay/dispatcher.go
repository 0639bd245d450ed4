// Copyright 2025-2026 QGram Authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hououinkami/qgram/pkg/onebot"
)

// EventHandler processes one admitted event. Errors are logged at the worker
// boundary and never stop the conversation's queue.
type EventHandler func(ctx context.Context, evt *onebot.Event) error

// Dispatcher owns one ordered queue and worker per source conversation.
// Events for the same conversation key are processed strictly in arrival
// order; different conversations proceed concurrently.
type Dispatcher struct {
	handler EventHandler

	mu      sync.Mutex
	workers map[string]*worker

	queueCap        int
	idleTimeout     time.Duration
	sweepTick       time.Duration
	reclaimPerSweep int

	clock func() time.Time
	log   zerolog.Logger
}

// NewDispatcher creates a Dispatcher that feeds admitted events to handler.
func NewDispatcher(handler EventHandler, queueCap int, idleTimeout, sweepInterval time.Duration, reclaimPerSweep int, log zerolog.Logger) *Dispatcher {
	if queueCap <= 0 {
		queueCap = 1000
	}
	if idleTimeout <= 0 {
		idleTimeout = 10 * time.Minute
	}
	if sweepInterval <= 0 {
		sweepInterval = 5 * time.Minute
	}
	if reclaimPerSweep <= 0 {
		reclaimPerSweep = 10
	}
	return &Dispatcher{
		handler:         handler,
		workers:         make(map[string]*worker),
		queueCap:        queueCap,
		idleTimeout:     idleTimeout,
		sweepTick:       sweepInterval,
		reclaimPerSweep: reclaimPerSweep,
		clock:           time.Now,
		log:             log.With().Str("component", "dispatcher").Logger(),
	}
}

// Submit enqueues an event on the worker for its conversation key, creating
// and starting the worker if absent. Creation and lookup share one admission
// lock so the same key can never get two workers. A worker reclaimed between
// lookup and enqueue is replaced and the enqueue retried once.
func (d *Dispatcher) Submit(ctx context.Context, key string, evt *onebot.Event) error {
	w := d.getOrCreate(key)
	err := w.enqueue(ctx, evt)
	if err != errWorkerStopped {
		return err
	}
	d.dropStale(key, w)
	return d.getOrCreate(key).enqueue(ctx, evt)
}

// dropStale removes w from the worker map if it is still registered under
// key. The reclaimer usually has already removed it.
func (d *Dispatcher) dropStale(key string, w *worker) {
	d.mu.Lock()
	if cur, ok := d.workers[key]; ok && cur == w {
		delete(d.workers, key)
	}
	d.mu.Unlock()
}

func (d *Dispatcher) getOrCreate(key string) *worker {
	d.mu.Lock()
	defer d.mu.Unlock()
	if w, ok := d.workers[key]; ok {
		return w
	}
	w := newWorker(key, d.queueCap, d.handler, d.clock, d.log)
	w.start()
	d.workers[key] = w
	d.log.Debug().Str("conversation", key).Msg("Created conversation worker")
	return w
}

// WorkerCount returns the number of live workers.
func (d *Dispatcher) WorkerCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.workers)
}

// RunReclaimer periodically stops and removes idle workers. Blocks until
// ctx is done.
func (d *Dispatcher) RunReclaimer(ctx context.Context) {
	ticker := time.NewTicker(d.sweepTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.reclaimIdle()
		}
	}
}

// reclaimIdle removes up to reclaimPerSweep workers whose queue is empty and
// whose last activity is older than the idle timeout. Active workers are
// never touched.
func (d *Dispatcher) reclaimIdle() {
	now := d.clock()

	d.mu.Lock()
	var idle []*worker
	for key, w := range d.workers {
		if len(idle) >= d.reclaimPerSweep {
			break
		}
		if w.queueLen() == 0 && now.Sub(w.lastActivity()) > d.idleTimeout {
			idle = append(idle, w)
			delete(d.workers, key)
		}
	}
	d.mu.Unlock()

	for _, w := range idle {
		w.stop()
		d.log.Debug().Str("conversation", w.key).Msg("Reclaimed idle conversation worker")
	}
}

// Shutdown stops every worker and waits for them to exit.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	workers := make([]*worker, 0, len(d.workers))
	for _, w := range d.workers {
		workers = append(workers, w)
	}
	d.workers = make(map[string]*worker)
	d.mu.Unlock()

	for _, w := range workers {
		w.stop()
	}
}

// worker drains one conversation's FIFO queue. The currently running item is
// allowed to finish on stop; queued-but-unprocessed items are discarded.
type worker struct {
	key     string
	queue   chan *onebot.Event
	handler EventHandler

	stopChan chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	mu       sync.Mutex
	activity time.Time

	clock func() time.Time
	log   zerolog.Logger
}

// waitTick bounds how long the worker blocks on an empty queue before
// re-checking for a stop request.
const waitTick = time.Second

// errWorkerStopped reports an enqueue against a worker that has been stopped.
// Submit replaces the worker and retries.
var errWorkerStopped = errors.New("conversation worker stopped")

func newWorker(key string, queueCap int, handler EventHandler, clock func() time.Time, log zerolog.Logger) *worker {
	return &worker{
		key:      key,
		queue:    make(chan *onebot.Event, queueCap),
		handler:  handler,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
		activity: clock(),
		clock:    clock,
		log:      log.With().Str("conversation", key).Logger(),
	}
}

func (w *worker) start() {
	go w.loop()
}

func (w *worker) enqueue(ctx context.Context, evt *onebot.Event) error {
	w.touch()
	select {
	case w.queue <- evt:
		return nil
	case <-w.stopChan:
		return errWorkerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *worker) loop() {
	defer close(w.done)
	timer := time.NewTimer(waitTick)
	defer timer.Stop()
	for {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(waitTick)

		select {
		case <-w.stopChan:
			return
		case evt := <-w.queue:
			w.touch()
			w.process(evt)
		case <-timer.C:
			// Idle wakeup so a stop request is observed promptly.
		}
	}
}

// process runs the handler for one event. A failure (or panic) is contained
// here: it is logged and the next queued event proceeds.
func (w *worker) process(evt *onebot.Event) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error().Any("panic", r).Str("message_id", evt.MessageID.String()).Msg("Handler panicked")
		}
	}()
	if err := w.handler(context.Background(), evt); err != nil {
		w.log.Error().Err(err).Str("message_id", evt.MessageID.String()).Msg("Failed to process event")
	}
}

// stop marks the worker stopped, discards queued items, and waits for the
// loop (and any in-flight item) to finish.
func (w *worker) stop() {
	w.stopOnce.Do(func() { close(w.stopChan) })
	<-w.done
	for {
		select {
		case <-w.queue:
		default:
			return
		}
	}
}

func (w *worker) queueLen() int { return len(w.queue) }

func (w *worker) touch() {
	w.mu.Lock()
	w.activity = w.clock()
	w.mu.Unlock()
}

func (w *worker) lastActivity() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.activity
}
