// Package workerpool runs blocking tasks on a bounded set of goroutines.
//
// The pool keeps core workers alive, queues up to a fixed number of tasks,
// and grows to max workers only when the queue is full. Once the queue is
// full and max workers are busy, Submit fails immediately instead of
// blocking the caller.
package workerpool

import (
	"sync"
	"time"

	"github.com/GwanWingYan/fabric-relay/pkg/metrics"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

const defaultKeepAlive = 60 * time.Second

var (
	ErrSaturated = errors.New("worker pool saturated")
	ErrClosed    = errors.New("worker pool closed")
)

// Pool is a bounded executor
type Pool struct {
	coreSize  int
	maxSize   int
	keepAlive time.Duration
	metrics   *metrics.Metrics

	tasks     chan func()
	done      chan struct{}
	workers   *atomic.Int32
	submitted *atomic.Int64
	wg        sync.WaitGroup

	// lock orders every accepted Submit before Close
	lock   sync.RWMutex
	closed bool
}

// Option configures a Pool
type Option func(*Pool)

// WithKeepAlive sets how long a burst worker waits for work before exiting
func WithKeepAlive(d time.Duration) Option {
	return func(p *Pool) {
		p.keepAlive = d
	}
}

// WithMetrics reports queue depth, worker count and rejections
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pool) {
		p.metrics = m
	}
}

// New starts coreSize workers. maxSize is raised to coreSize and queueSize to
// zero when given smaller values.
func New(coreSize, maxSize, queueSize int, opts ...Option) *Pool {
	if coreSize < 1 {
		coreSize = 1
	}
	if maxSize < coreSize {
		maxSize = coreSize
	}
	if queueSize < 0 {
		queueSize = 0
	}

	p := &Pool{
		coreSize:  coreSize,
		maxSize:   maxSize,
		keepAlive: defaultKeepAlive,
		tasks:     make(chan func(), queueSize),
		done:      make(chan struct{}),
		workers:   atomic.NewInt32(0),
		submitted: atomic.NewInt64(0),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.metrics = metrics.OrDisabled(p.metrics)

	for i := 0; i < coreSize; i++ {
		p.workers.Inc()
		p.wg.Add(1)
		go p.coreWorker()
	}
	p.metrics.PoolWorkers.Set(float64(p.workers.Load()))

	return p
}

// Submit schedules task without blocking
func (p *Pool) Submit(task func()) error {
	p.lock.RLock()
	defer p.lock.RUnlock()
	if p.closed {
		return ErrClosed
	}

	select {
	case p.tasks <- task:
		p.submitted.Inc()
		p.metrics.PoolQueueDepth.Set(float64(len(p.tasks)))
		return nil
	default:
	}

	for {
		n := p.workers.Load()
		if n >= int32(p.maxSize) {
			p.metrics.PoolRejected.Add(1)
			return ErrSaturated
		}
		if p.workers.CAS(n, n+1) {
			break
		}
	}

	p.submitted.Inc()
	p.metrics.PoolWorkers.Set(float64(p.workers.Load()))
	p.wg.Add(1)
	go p.burstWorker(task)
	return nil
}

// Submitted is the number of tasks accepted so far
func (p *Pool) Submitted() int64 {
	return p.submitted.Load()
}

// QueueLen is the number of tasks waiting for a worker
func (p *Pool) QueueLen() int {
	return len(p.tasks)
}

// Workers is the number of live workers
func (p *Pool) Workers() int {
	return int(p.workers.Load())
}

// Close stops accepting tasks, then waits until every accepted task, queued
// or running, has returned.
func (p *Pool) Close() {
	p.lock.Lock()
	if !p.closed {
		p.closed = true
		close(p.done)
	}
	p.lock.Unlock()
	p.wg.Wait()
}

func (p *Pool) coreWorker() {
	defer p.exit()
	for {
		select {
		case task := <-p.tasks:
			p.run(task)
		case <-p.done:
			p.drain()
			return
		}
	}
}

func (p *Pool) burstWorker(first func()) {
	defer p.exit()
	p.run(first)

	idle := time.NewTimer(p.keepAlive)
	defer idle.Stop()
	for {
		select {
		case task := <-p.tasks:
			p.run(task)
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(p.keepAlive)
		case <-idle.C:
			return
		case <-p.done:
			p.drain()
			return
		}
	}
}

// drain runs what is left in the queue, nothing is added once done is closed
func (p *Pool) drain() {
	for {
		select {
		case task := <-p.tasks:
			p.run(task)
		default:
			return
		}
	}
}

func (p *Pool) run(task func()) {
	p.metrics.PoolQueueDepth.Set(float64(len(p.tasks)))
	task()
}

func (p *Pool) exit() {
	p.workers.Dec()
	p.metrics.PoolWorkers.Set(float64(p.workers.Load()))
	p.wg.Done()
}
