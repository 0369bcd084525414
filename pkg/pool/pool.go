// Package pool implements the Worker Pool (spec.md §4.5): a fixed-size
// vector of Workers, each on its own goroutine, routed to by id or at
// random.
package pool

import (
	"context"
	"math/rand/v2"
	"runtime"
	"sync"

	"github.com/hkust-sing/singio-broker/internal/iostatus"
	"github.com/hkust-sing/singio-broker/pkg/authz"
	"github.com/hkust-sing/singio-broker/pkg/backend"
	"github.com/hkust-sing/singio-broker/pkg/metrics"
	"github.com/hkust-sing/singio-broker/pkg/task"
	"github.com/hkust-sing/singio-broker/pkg/worker"
)

// DefaultCap is the Worker Pool size ceiling when the caller does not
// override it.
const DefaultCap = 48

// Size computes min(max(cores-free, 1), 10, cap) per spec.md §4.5.
// free is the number of cores the caller wants reserved for other work
// (e.g. the accept loop); cap <= 0 selects DefaultCap.
func Size(cores, free, maxCap int) int {
	if maxCap <= 0 {
		maxCap = DefaultCap
	}
	n := cores - free
	if n < 1 {
		n = 1
	}
	if n > 10 {
		n = 10
	}
	if n > maxCap {
		n = maxCap
	}
	return n
}

// Config bounds the Worker Pool's sizing and per-Worker configuration.
type Config struct {
	// Free is the number of cores to reserve; 0 reserves none.
	Free int
	// Cap overrides DefaultCap when > 0.
	Cap int
	// WorkerQueueCapacity bounds each Worker's inbox; 0 picks the
	// Worker package's own default.
	WorkerQueueCapacity int

	// Metrics is forwarded to every Worker; nil disables it.
	Metrics *metrics.BrokerMetrics
}

// Pool is the concrete Worker Pool.
type Pool struct {
	workers []*worker.Worker
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	rng     *rand.Rand
	rngMu   sync.Mutex
}

// New builds a Pool sized per Size(runtime.NumCPU(), cfg.Free, cfg.Cap),
// starts each Worker's event loop on its own goroutine, and waits for
// every Worker to signal init-done before returning.
func New(backendClient *backend.Client, authzClient *authz.Client, cfg Config) *Pool {
	n := Size(runtime.NumCPU(), cfg.Free, cfg.Cap)

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		workers: make([]*worker.Worker, n),
		cancel:  cancel,
		rng:     rand.New(rand.NewPCG(1, uint64(n))),
	}

	for i := 0; i < n; i++ {
		w := worker.New(i, backendClient, authzClient, worker.Config{QueueCapacity: cfg.WorkerQueueCapacity, Metrics: cfg.Metrics})
		p.workers[i] = w
		p.wg.Add(1)
		go func(w *worker.Worker) {
			defer p.wg.Done()
			w.Run(ctx)
		}(w)
	}
	for _, w := range p.workers {
		w.WaitInit()
	}
	return p
}

// Len returns the number of Workers in the pool.
func (p *Pool) Len() int {
	return len(p.workers)
}

// SendTask routes t to a Worker, assigning a uniformly random one if
// t.WorkerID is task.AnyWorker (0) or out of range; the assignment is
// written back into t.WorkerID. Returns the reply channel the caller
// reads the Result from.
func (p *Pool) SendTask(t *task.Task) chan *task.Result {
	if t.WorkerID == task.AnyWorker || t.WorkerID < 0 || t.WorkerID >= len(p.workers) {
		t.WorkerID = p.randomWorkerID()
	}
	return p.sendTo(t.WorkerID, t)
}

// SendTaskTo routes t to the Worker at id explicitly; an invalid id is a
// caller logic error, reported by returning a reply channel pre-loaded
// with ErrInternal rather than panicking.
func (p *Pool) SendTaskTo(id int, t *task.Task) chan *task.Result {
	if id < 0 || id >= len(p.workers) {
		reply := make(chan *task.Result, 1)
		t.Status = iostatus.ErrInternal
		reply <- &task.Result{Task: t}
		return reply
	}
	return p.sendTo(id, t)
}

func (p *Pool) sendTo(id int, t *task.Task) chan *task.Result {
	env := worker.NewEnvelope(t)
	p.workers[id].Submit(env)
	return env.Reply
}

func (p *Pool) randomWorkerID() int {
	p.rngMu.Lock()
	defer p.rngMu.Unlock()
	return p.rng.IntN(len(p.workers))
}

// BroadcastTask issues a copy of t to every Worker, each with WorkerID
// rewritten to that Worker's index, and returns one reply channel per
// Worker in index order.
func (p *Pool) BroadcastTask(t *task.Task) []chan *task.Result {
	replies := make([]chan *task.Result, len(p.workers))
	for i := range p.workers {
		cp := *t
		cp.WorkerID = i
		replies[i] = p.sendTo(i, &cp)
	}
	return replies
}

// StopPool signals every Worker to stop, waits for their loops to
// return, and releases the pool's context. Idempotent: a second call is
// a harmless no-op since Worker.Stop is itself idempotent.
func (p *Pool) StopPool() {
	for _, w := range p.workers {
		w.Stop()
	}
	p.cancel()
	p.wg.Wait()
}
