package server

import (
	"sync"

	"github.com/tliron/commonlog"
)

// WorkerPool runs offloaded builtin calls on a fixed set of goroutines,
// keeping slow work (password hashing and the like) off the scheduler
// thread while bounding its parallelism.
type WorkerPool struct {
	jobs chan func()
	quit chan struct{}
	wg   sync.WaitGroup
	log  commonlog.Logger

	stop sync.Once
}

// NewWorkerPool creates a pool with n workers and starts them.
func NewWorkerPool(n int) *WorkerPool {
	if n < 1 {
		n = 1
	}
	w := &WorkerPool{
		jobs: make(chan func(), 64),
		quit: make(chan struct{}),
		log:  commonlog.GetLogger("warren.worker"),
	}
	w.wg.Add(n)
	for i := 0; i < n; i++ {
		go w.loop()
	}
	return w
}

func (w *WorkerPool) loop() {
	defer w.wg.Done()
	for {
		select {
		case fn := <-w.jobs:
			w.execute(fn)
		case <-w.quit:
			return
		}
	}
}

// execute runs one job, recovering from panics so a broken builtin
// cannot take a worker down.
func (w *WorkerPool) execute(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Errorf("worker job panicked: %v", r)
		}
	}()
	fn()
}

// Submit queues a job. Blocks when the queue is full.
func (w *WorkerPool) Submit(fn func()) {
	select {
	case w.jobs <- fn:
	case <-w.quit:
	}
}

// Stop shuts the workers down and waits for in-flight jobs.
func (w *WorkerPool) Stop() {
	w.stop.Do(func() { close(w.quit) })
	w.wg.Wait()
}
