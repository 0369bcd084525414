// Package worker implements the Worker (spec.md §4.2): a single
// goroutine serving Tasks drawn from a bounded MPSC queue, correlating
// Authz replies and Backend Client completions against per-path
// operation state.
package worker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/hkust-sing/singio-broker/internal/iostatus"
	"github.com/hkust-sing/singio-broker/pkg/authz"
	"github.com/hkust-sing/singio-broker/pkg/backend"
	"github.com/hkust-sing/singio-broker/pkg/manifest"
	"github.com/hkust-sing/singio-broker/pkg/metrics"
	"github.com/hkust-sing/singio-broker/pkg/queue"
	"github.com/hkust-sing/singio-broker/pkg/task"
)

// Envelope pairs a submitted Task with the channel its Result is
// delivered on, the Go realization of WorkerPool.sendTask's future.
type Envelope struct {
	Task  *task.Task
	Reply chan *task.Result
}

// NewEnvelope wraps t with a buffered reply channel so Submit never
// blocks the resolving Worker even if the caller never reads the reply.
func NewEnvelope(t *task.Task) Envelope {
	return Envelope{Task: t, Reply: make(chan *task.Result, 1)}
}

func (e Envelope) resolve(status iostatus.Status) {
	e.Task.Status = status
	select {
	case e.Reply <- &task.Result{Task: e.Task}:
	default:
	}
}

// pathState is the per-path operation context a Worker maintains to
// enforce at-most-one-active-operation-per-path (spec.md §4.2).
type pathState struct {
	path         string
	active       *Envelope
	fragments    *manifest.FragmentHandler
	dataManifest json.RawMessage // from the write-check reply; posted back verbatim on OP_COMMIT
	queue        []Envelope
}

// authzReply is what the goroutine spawned by submitAuthz posts back to
// the Worker's own authzReplies queue once a round-trip finishes.
type authzReply struct {
	path string
	env  Envelope
	resp authz.Response
}

// backendUserCtx is the userCtx a Worker attaches to every Backend
// Client call so a completion can be routed back to its path/envelope.
type backendUserCtx struct {
	path string
	env  Envelope
}

// Config bounds a Worker's queue capacity and idle backoff.
type Config struct {
	QueueCapacity int
	IdleBackoff   time.Duration

	// Metrics receives per-Worker observability; nil disables it.
	Metrics *metrics.BrokerMetrics
}

// Worker is the concrete Worker: one goroutine, one inbox, one path
// table. Construct with New and run its loop with Run.
type Worker struct {
	ID int

	inbox        *queue.MPSC[Envelope]
	authzReplies *queue.MPSC[authzReply]
	backend      *backend.Client
	authzClient  *authz.Client
	metrics      *metrics.BrokerMetrics

	mu    sync.Mutex
	paths map[string]*pathState

	idleBackoff time.Duration
	stopCh      chan struct{}
	stopOnce    sync.Once
	initDone    chan struct{}
	wg          sync.WaitGroup
}

// New builds a Worker. backendClient and authzClient are shared only in
// the sense that the Worker Pool may construct one of each per Worker or
// share them across Workers; the Worker itself treats both as opaque
// dependencies.
func New(id int, backendClient *backend.Client, authzClient *authz.Client, cfg Config) *Worker {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 256
	}
	if cfg.IdleBackoff <= 0 {
		cfg.IdleBackoff = time.Millisecond
	}
	return &Worker{
		ID:           id,
		inbox:        queue.NewMPSC[Envelope](cfg.QueueCapacity),
		authzReplies: queue.NewMPSC[authzReply](0),
		backend:      backendClient,
		authzClient:  authzClient,
		metrics:      cfg.Metrics,
		paths:        make(map[string]*pathState),
		idleBackoff:  cfg.IdleBackoff,
		stopCh:       make(chan struct{}),
		initDone:     make(chan struct{}),
	}
}

// Submit enqueues env for processing, blocking only if the inbox is at
// capacity (spec.md's tasks-queue backpressure).
func (w *Worker) Submit(env Envelope) bool {
	return w.inbox.Push(env)
}

// WaitInit blocks until the Worker has signaled init-done, the point at
// which the pendTrans-style block on tasks submitted pre-init clears.
func (w *Worker) WaitInit() {
	<-w.initDone
}

// Stop signals the Worker's loop to exit after its current tick and
// closes the inbox so a blocked Run wakes up. Idempotent.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.inbox.Close()
	})
	w.wg.Wait()
}

// Run drives the event loop described by spec.md §4.2 until Stop is
// called or ctx is canceled. Intended to run on its own goroutine (the
// Worker's "own thread").
func (w *Worker) Run(ctx context.Context) {
	close(w.initDone)

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		progressed := w.drainInbox()
		progressed = w.pollBackend() || progressed
		progressed = w.pollAuthz() || progressed

		w.mu.Lock()
		depth := len(w.paths)
		w.mu.Unlock()
		w.metrics.SetQueueDepth(w.ID, depth)
		w.metrics.SetActiveBackendIOs(w.backend.ActiveIOs())

		if w.idle() {
			env, ok := w.inbox.Pop()
			if !ok {
				return
			}
			w.handleNew(env)
			continue
		}

		if !progressed {
			time.Sleep(w.idleBackoff)
		}
	}
}

// idle reports whether the Worker has no active or queued operations,
// the condition under which spec.md says the loop may block on the
// tasks queue rather than busy-poll.
func (w *Worker) idle() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, ps := range w.paths {
		if ps.active != nil || len(ps.queue) > 0 {
			return false
		}
	}
	return true
}

func (w *Worker) drainInbox() bool {
	progressed := false
	for {
		env, ok := w.inbox.TryPop()
		if !ok {
			break
		}
		w.handleNew(env)
		progressed = true
	}
	return progressed
}

// handleNew classifies an incoming Task against its path's current
// state: starts it if the path is idle, merges it into an in-flight
// write, or queues it behind the active operation.
func (w *Worker) handleNew(env Envelope) {
	path := env.Task.Path

	w.mu.Lock()
	ps, exists := w.paths[path]
	if !exists {
		ps = &pathState{path: path}
		w.paths[path] = ps
	}

	if ps.active == nil {
		ps.active = &env
		w.mu.Unlock()
		w.dispatch(ps, env)
		return
	}

	if env.Task.Op == task.OpAbort {
		w.mu.Unlock()
		w.handleAbort(ps, env)
		return
	}

	if env.Task.Op == task.OpWrite && ps.active.Task.Op == task.OpWrite {
		// Write merge (spec.md §4.2): fold this Task into the surviving
		// in-flight write rather than queuing it.
		w.mu.Unlock()
		env.Task.WithMergeID(ps.active.Task.TxnID)
		env.resolve(iostatus.StatPartialWrite)
		w.metrics.ObserveWriteMerge()
		return
	}

	ps.queue = append(ps.queue, env)
	w.mu.Unlock()
}

// dispatch starts ps's active operation: authz for first-seen reads,
// check-writes, and deletes; the backend directly for continuations
// that already have a Fragment Handler.
func (w *Worker) dispatch(ps *pathState, env Envelope) {
	switch env.Task.Op {
	case task.OpCheckWrite:
		w.submitAuthz(ps, env, authz.KindCheckWrite)
	case task.OpRead:
		if ps.fragments == nil {
			w.submitAuthz(ps, env, authz.KindRead)
			return
		}
		w.issueBackendRead(ps, env)
	case task.OpWrite:
		if ps.fragments == nil {
			env.resolve(iostatus.ErrProt)
			w.finishOp(ps, true)
			return
		}
		w.issueBackendWrite(ps, env)
	case task.OpDelete:
		w.submitAuthz(ps, env, authz.KindDelete)
	case task.OpClose:
		env.resolve(iostatus.StatClose)
		w.finishOp(ps, true)
	case task.OpAbort:
		w.handleAbort(ps, env)
	default:
		env.resolve(iostatus.ErrInternal)
		w.finishOp(ps, true)
	}
}

// handleAbort cancels ps's active operation and drops its queue. The
// abort Task itself is acknowledged with its own txn-id; outstanding
// backend/authz completions for the canceled operation are discarded
// when they arrive, since finishOp(..., true) removes ps from the path
// table entirely.
func (w *Worker) handleAbort(ps *pathState, abortEnv Envelope) {
	w.mu.Lock()
	ps.queue = nil
	w.mu.Unlock()

	abortEnv.resolve(iostatus.SUCCESS)
	w.finishOp(ps, true)
}

// submitAuthz spawns the goroutine that performs the (blocking) authz
// round-trip, keeping the Worker's own loop non-blocking; this is the
// "dedicated receiver loop" of spec.md §4.4 realized as a goroutine
// boundary rather than a second persistent thread.
func (w *Worker) submitAuthz(ps *pathState, env Envelope, kind authz.Kind) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		resp := w.authzClient.Submit(context.Background(), authz.Request{
			Kind: kind,
			User: env.Task.ConnectionKey,
			Path: env.Task.Path,
		})
		w.authzReplies.Push(authzReply{path: ps.path, env: env, resp: resp})
	}()
}

// commitBody is the OP_COMMIT request payload: the write-check's
// Data_Manifest token posted back verbatim (spec.md §4.4).
type commitBody struct {
	DataManifest json.RawMessage `json:"Data_Manifest"`
}

// submitCommit posts the final write's commit request to the authz
// server (spec.md §2: "on final chunk, posts a commit request to the
// Authz server"), carrying the data manifest token handed back by the
// write-check. The Task stays unresolved until the commit ack arrives.
func (w *Worker) submitCommit(ps *pathState, env Envelope) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		resp := w.authzClient.Submit(context.Background(), authz.Request{
			Kind: authz.KindCommit,
			User: env.Task.ConnectionKey,
			Path: env.Task.Path,
			Body: commitBody{DataManifest: ps.dataManifest},
		})
		w.authzReplies.Push(authzReply{path: ps.path, env: env, resp: resp})
	}()
}

func (w *Worker) pollAuthz() bool {
	progressed := false
	for {
		reply, ok := w.authzReplies.TryPop()
		if !ok {
			break
		}
		w.handleAuthzReply(reply)
		progressed = true
	}
	return progressed
}

func (w *Worker) handleAuthzReply(reply authzReply) {
	w.mu.Lock()
	ps, exists := w.paths[reply.path]
	w.mu.Unlock()
	if !exists {
		return // path was aborted/closed while the authz call was in flight
	}

	env := reply.env
	resp := reply.resp

	if resp.Status != iostatus.SUCCESS {
		env.resolve(resp.Status)
		w.finishOp(ps, true)
		return
	}

	switch env.Task.Op {
	case task.OpDelete:
		env.resolve(iostatus.SUCCESS)
		w.finishOp(ps, true)
	case task.OpCheckWrite:
		fh, err := manifest.NewFragmentHandler(resp.Manifest)
		if err != nil {
			env.resolve(iostatus.ErrContent)
			w.finishOp(ps, true)
			return
		}
		ps.fragments = fh
		ps.dataManifest = resp.Manifest.DataManifest
		env.Task.ObjectSize = fh.TotalSize()
		env.resolve(iostatus.SUCCESS)
		w.finishOp(ps, false)
	case task.OpRead:
		fh, err := manifest.NewFragmentHandler(resp.Manifest)
		if err != nil {
			env.resolve(iostatus.ErrContent)
			w.finishOp(ps, true)
			return
		}
		ps.fragments = fh
		env.Task.ObjectSize = fh.TotalSize()
		w.issueBackendRead(ps, env)
	case task.OpWrite:
		// The commit ack for the final chunk of a write (submitCommit).
		env.resolve(iostatus.SUCCESS)
		w.finishOp(ps, true)
	default:
		env.resolve(iostatus.ErrInternal)
		w.finishOp(ps, true)
	}
}

// issueBackendRead asks the Fragment Handler for the next chunk and
// issues the corresponding async backend read; a handler already at EOF
// resolves the Task immediately with a zero-length reply.
func (w *Worker) issueBackendRead(ps *pathState, env Envelope) {
	if ps.fragments.DoneReading() {
		env.Task.Payload = task.NewReadPayload(env.Task.Payload.Read.ShmAddr, 0)
		env.resolve(iostatus.SUCCESS)
		w.finishOp(ps, true)
		return
	}

	chunk, err := ps.fragments.ReadChunk(uint64(env.Task.Payload.Read.Length), w.backend.MaxOpSize())
	if err != nil {
		env.resolve(iostatus.ErrInternal)
		w.finishOp(ps, true)
		return
	}

	n := w.backend.ReadObject(context.Background(), chunk.Pool, chunk.ObjectID, chunk.IntraOffset, chunk.Cap, backendUserCtx{path: ps.path, env: env})
	if n == 0 {
		env.resolve(iostatus.ErrInternal)
		w.finishOp(ps, true)
	}
}

// issueBackendWrite mirrors issueBackendRead for the write direction,
// using the application-filled bytes the Session copied out of shmem
// into env.Task.WriteData.
func (w *Worker) issueBackendWrite(ps *pathState, env Envelope) {
	if ps.fragments.DoneWriting() || env.Task.Payload.Write.Length == 0 {
		// A zero-length WRITE is the application's own end-of-data
		// signal (spec.md §4.1's "terminal completion (len=0
		// delivered)"), distinct from DoneWriting's manifest-driven EOF.
		// Either way this is the final chunk, so the Task isn't resolved
		// yet: spec.md §2 posts a commit request to the Authz server
		// first, and only reports SUCCESS once that ack lands (S4).
		env.Task.Payload = task.NewWritePayload(env.Task.Payload.Write.ShmAddr, 0)
		w.submitCommit(ps, env)
		return
	}

	chunk, err := ps.fragments.WriteChunk(uint64(env.Task.Payload.Write.Length), w.backend.MaxOpSize())
	if err != nil {
		env.resolve(iostatus.ErrInternal)
		w.finishOp(ps, true)
		return
	}

	data := env.Task.WriteData
	if uint64(len(data)) > chunk.Cap {
		data = data[:chunk.Cap]
	}

	n := w.backend.WriteObject(context.Background(), chunk.Pool, chunk.ObjectID, data, backendUserCtx{path: ps.path, env: env})
	if n == 0 {
		env.resolve(iostatus.ErrInternal)
		w.finishOp(ps, true)
	}
}

func (w *Worker) pollBackend() bool {
	progressed := false
	for {
		comp, ok := w.backend.PollCompletion()
		if !ok {
			break
		}
		w.handleBackendCompletion(comp)
		progressed = true
	}
	return progressed
}

func (w *Worker) handleBackendCompletion(comp backend.Completion) {
	uctx, ok := comp.UserCtx.(backendUserCtx)
	if !ok {
		return
	}

	w.mu.Lock()
	ps, exists := w.paths[uctx.path]
	w.mu.Unlock()
	if !exists {
		return // path was aborted/closed while the backend op was in flight
	}

	env := uctx.env
	if comp.Status != iostatus.SUCCESS {
		env.resolve(comp.Status)
		w.finishOp(ps, true)
		return
	}

	if err := ps.fragments.Advance(comp.N); err != nil {
		env.resolve(iostatus.ErrInternal)
		w.finishOp(ps, true)
		return
	}

	switch env.Task.Op {
	case task.OpRead:
		env.Task.Payload = task.NewReadPayload(env.Task.Payload.Read.ShmAddr, uint32(comp.N))
		env.Task.ReadData = comp.Data
	case task.OpWrite:
		env.Task.Payload = task.NewWritePayload(env.Task.Payload.Write.ShmAddr, uint32(comp.N))
	}
	env.resolve(iostatus.SUCCESS)
	w.finishOp(ps, false)
}

// finishOp clears ps's active slot. A terminal completion (EOF, error,
// delete, abort, close) removes ps from the path table entirely;
// otherwise the next queued envelope (if any) is popped and dispatched,
// and the Fragment Handler is retained for the path's next continuation
// Task.
func (w *Worker) finishOp(ps *pathState, terminal bool) {
	w.mu.Lock()
	ps.active = nil

	if terminal {
		delete(w.paths, ps.path)
		w.mu.Unlock()
		return
	}

	if len(ps.queue) > 0 {
		next := ps.queue[0]
		ps.queue = ps.queue[1:]
		ps.active = &next
		w.mu.Unlock()
		w.dispatch(ps, next)
		return
	}
	w.mu.Unlock()
}
