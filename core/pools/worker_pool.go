package pools

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
)

// ErrPoolClosed is returned by Submit once shutdown has begun
var ErrPoolClosed = errors.New("worker pool closed")

// Task represents a unit of work
type Task func()

// WorkerPool is a fixed set of goroutines draining one shared FIFO queue
type WorkerPool struct {
	numWorkers int

	mu      sync.Mutex
	cond    *sync.Cond
	idle    *sync.Cond
	queue   []Task
	head    int
	running int
	closed  bool

	wg sync.WaitGroup

	// Statistics
	stats struct {
		tasksSubmitted atomic.Uint64
		tasksCompleted atomic.Uint64
		tasksRejected  atomic.Uint64
		busyWorkers    atomic.Int64
	}
}

// NewWorkerPool starts numWorkers workers. A non-positive count means one
// worker per CPU.
func NewWorkerPool(numWorkers int) *WorkerPool {
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}

	pool := &WorkerPool{
		numWorkers: numWorkers,
		queue:      make([]Task, 0, 256),
	}
	pool.cond = sync.NewCond(&pool.mu)
	pool.idle = sync.NewCond(&pool.mu)

	pool.wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go pool.run()
	}

	return pool
}

// Submit enqueues a task
func (p *WorkerPool) Submit(task Task) error {
	if task == nil {
		return nil
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.stats.tasksRejected.Add(1)
		return ErrPoolClosed
	}
	p.queue = append(p.queue, task)
	p.mu.Unlock()

	p.stats.tasksSubmitted.Add(1)
	p.cond.Signal()
	return nil
}

// next blocks until a task is available or the pool is closed
func (p *WorkerPool) next() (Task, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for !p.closed && p.head == len(p.queue) {
		p.cond.Wait()
	}
	if p.closed {
		return nil, false
	}

	task := p.queue[p.head]
	p.queue[p.head] = nil
	p.head++
	p.running++

	// Reclaim the consumed prefix once the queue drains
	if p.head == len(p.queue) {
		p.queue = p.queue[:0]
		p.head = 0
	}
	return task, true
}

func (p *WorkerPool) run() {
	defer p.wg.Done()

	for {
		task, ok := p.next()
		if !ok {
			return
		}

		p.stats.busyWorkers.Add(1)
		task()
		p.stats.busyWorkers.Add(-1)
		p.stats.tasksCompleted.Add(1)

		p.mu.Lock()
		p.running--
		if p.running == 0 && p.head == len(p.queue) {
			p.idle.Broadcast()
		}
		p.mu.Unlock()
	}
}

// Wait blocks until the queue is empty and no task is running, or the
// pool is closed. Tasks submitted meanwhile are waited for too.
func (p *WorkerPool) Wait() {
	p.mu.Lock()
	for !p.closed && (p.running > 0 || p.head < len(p.queue)) {
		p.idle.Wait()
	}
	p.mu.Unlock()
}

// Close stops dequeuing, waits for running tasks and joins all workers.
// Tasks still queued are dropped.
func (p *WorkerPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	dropped := len(p.queue) - p.head
	p.queue = nil
	p.head = 0
	p.mu.Unlock()

	p.stats.tasksRejected.Add(uint64(dropped))
	p.cond.Broadcast()
	p.idle.Broadcast()
	p.wg.Wait()
}

// Stats returns pool statistics
func (p *WorkerPool) Stats() WorkerPoolStats {
	p.mu.Lock()
	pending := len(p.queue) - p.head
	p.mu.Unlock()

	return WorkerPoolStats{
		NumWorkers:     p.numWorkers,
		BusyWorkers:    int(p.stats.busyWorkers.Load()),
		TasksSubmitted: p.stats.tasksSubmitted.Load(),
		TasksCompleted: p.stats.tasksCompleted.Load(),
		TasksRejected:  p.stats.tasksRejected.Load(),
		TasksPending:   pending,
	}
}

// WorkerPoolStats contains pool statistics
type WorkerPoolStats struct {
	NumWorkers     int    `json:"num_workers"`
	BusyWorkers    int    `json:"busy_workers"`
	TasksSubmitted uint64 `json:"tasks_submitted"`
	TasksCompleted uint64 `json:"tasks_completed"`
	TasksRejected  uint64 `json:"tasks_rejected"`
	TasksPending   int    `json:"tasks_pending"`
}
