package rsyncserver

import "github.com/prometheus/client_golang/prometheus"

// pool is a bounded worker pool: Submit blocks once the queue is full, so a
// connection's reader goroutine simply stops pulling more frames off the
// wire until a slot frees up. This is the pool's only backpressure
// mechanism.
type pool struct {
	tasks chan func()
	depth prometheus.Gauge
}

func newPool(parallelism, queueBound int, depth prometheus.Gauge) *pool {
	p := &pool{tasks: make(chan func(), queueBound), depth: depth}
	for i := 0; i < parallelism; i++ {
		go p.worker()
	}
	return p
}

func (p *pool) worker() {
	for task := range p.tasks {
		task()
		if p.depth != nil {
			p.depth.Dec()
		}
	}
}

// Submit enqueues a task, blocking while the queue is full.
func (p *pool) Submit(task func()) {
	if p.depth != nil {
		p.depth.Inc()
	}
	p.tasks <- task
}

// Close stops accepting new tasks and lets queued ones drain; callers must
// not call Submit after Close.
func (p *pool) Close() { close(p.tasks) }
