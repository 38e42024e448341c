// Package workerpool bounds the number of concurrently running range
// workers to a job's planned worker count, queuing any submissions beyond
// that bound rather than spawning unbounded goroutines.
//
// The dispatch-loop-plus-overflow-deque shape is kept as infrastructure
// from GoParallelDownload/pkg/concurrency/workerpool/workerpool.go, but the
// pool is now context-aware: a job's cancellation actually reaches queued
// work here, rather than only being observable once a task starts running.
// The teacher's pool had no such hook (it never took a context at all).
package workerpool

import (
	"context"
	"sync"

	"github.com/gammazero/deque"
)

// Pool runs at most maxWorkers tasks concurrently, queuing the rest, and
// stops feeding queued tasks to workers once ctx is canceled.
type Pool struct {
	maxWorkers int
	ctx        context.Context

	taskQueue    chan func()
	workerQueue  chan func()
	stoppedChan  chan struct{}
	waitingQueue deque.Deque[func()]
	stopOnce     sync.Once
}

// New creates a Pool bound to ctx with the given worker bound, clamped to
// at least 1. Once ctx is done, Submit drops rather than queues further
// tasks, and any task still waiting in the pool when a worker frees up is
// skipped instead of run.
func New(ctx context.Context, maxWorkers int) *Pool {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	p := &Pool{
		maxWorkers:  maxWorkers,
		ctx:         ctx,
		taskQueue:   make(chan func()),
		workerQueue: make(chan func()),
		stoppedChan: make(chan struct{}),
	}
	go p.dispatch()
	return p
}

// Submit enqueues task for execution, or drops it silently if ctx is
// already done — a canceled job has no use for chunks that have not
// started yet. Submitting after StopWait has closed the task queue panics
// (a send on a closed channel), so callers must not submit once they've
// called StopWait.
func (p *Pool) Submit(task func()) {
	if task == nil {
		return
	}
	select {
	case p.taskQueue <- task:
	case <-p.ctx.Done():
	}
}

// StopWait stops accepting new tasks and blocks until every queued and
// in-flight task has completed (or been skipped due to cancellation).
func (p *Pool) StopWait() {
	p.stopOnce.Do(func() {
		close(p.taskQueue)
	})
	<-p.stoppedChan
}

func (p *Pool) dispatch() {
	defer close(p.stoppedChan)
	var workerCount int
	var wg sync.WaitGroup

	for task := range p.taskQueue {
		select {
		case p.workerQueue <- task:
		default:
			if workerCount < p.maxWorkers {
				wg.Add(1)
				go p.runWorker(task, &wg)
				workerCount++
			} else {
				p.waitingQueue.PushBack(task)
			}
		}
		for p.waitingQueue.Len() > 0 {
			p.workerQueue <- p.waitingQueue.PopFront()
		}
	}

	for workerCount > 0 {
		p.workerQueue <- nil
		workerCount--
	}
	wg.Wait()
}

// runWorker pulls tasks off workerQueue until it receives nil (pool
// shutdown). A task already queued when ctx is canceled is skipped rather
// than run, so cancellation stops dispatch immediately instead of only
// being observed once each task reaches its own network calls.
func (p *Pool) runWorker(task func(), wg *sync.WaitGroup) {
	for task != nil {
		select {
		case <-p.ctx.Done():
		default:
			task()
		}
		task = <-p.workerQueue
	}
	wg.Done()
}
