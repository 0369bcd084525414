// Package backend wraps the object-storage cluster API with an async
// read/append/write surface that returns completions through a poll
// queue. The queue is a queue.MPSC, which is guarded by a mutex; it is
// not lock-free.
package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/hkust-sing/singio-broker/internal/iostatus"
	"github.com/hkust-sing/singio-broker/pkg/bufpool"
	"github.com/hkust-sing/singio-broker/pkg/queue"
)

// API is the subset of the S3 client surface the Backend Client drives.
// Abstracted so tests can substitute a fake without standing up S3.
type API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Completion is a finished read/write's result, pushed onto the poll
// queue for the owning Worker to dequeue exactly once.
type Completion struct {
	UserCtx any
	N       uint64
	Status  iostatus.Status
	Err     error

	// Data holds the bytes read by a completed ReadObject, pulled from
	// bufpool; the receiver must call bufpool.Put(Data) once it has
	// copied the bytes out (into a Session's shmem region). Empty for
	// write/delete completions.
	Data []byte
}

// Config bounds the Backend Client's concurrency and per-request size.
type Config struct {
	MaxConcurrentIOs int
	MaxOpSize        uint64
	BytesPerSecond   int64 // 0 disables rate shaping
}

// Client is the concrete Backend Client: pool name maps to an S3 bucket,
// fragment object id maps to an S3 object key.
type Client struct {
	api       API
	cfg       Config
	sem       *semaphore.Weighted
	limiter   *rate.Limiter
	completed *queue.MPSC[Completion]

	activeIOs atomic.Int64
	done      atomic.Bool
	stopCond  *sync.Cond
	stopMu    sync.Mutex
}

// New builds a Backend Client over api (an *s3.Client in production).
func New(api API, cfg Config) *Client {
	if cfg.MaxConcurrentIOs <= 0 {
		cfg.MaxConcurrentIOs = 64
	}
	if cfg.MaxOpSize == 0 {
		cfg.MaxOpSize = 64 << 20
	}
	c := &Client{
		api:       api,
		cfg:       cfg,
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrentIOs)),
		completed: queue.NewMPSC[Completion](0),
	}
	c.stopCond = sync.NewCond(&c.stopMu)
	if cfg.BytesPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.BytesPerSecond), int(min(cfg.BytesPerSecond, int64(cfg.MaxOpSize))))
	}
	return c
}

// clampSize bounds a requested transfer to the backend's configured max
// op size, matching the size_t -> uint32 downcast safety spec.md calls
// for.
func (c *Client) clampSize(want uint64) uint64 {
	if want > c.cfg.MaxOpSize {
		return c.cfg.MaxOpSize
	}
	return want
}

// ReadObject issues an async GetObject with an explicit byte Range,
// realizing readData. Returns the number of bytes that will be
// transferred (0 on immediate failure, with a Completion still pushed).
func (c *Client) ReadObject(ctx context.Context, pool, objectID string, offset, want uint64, userCtx any) uint64 {
	n := c.clampSize(want)
	if n == 0 {
		return 0
	}

	if !c.beginIO() {
		c.push(Completion{UserCtx: userCtx, Status: iostatus.ErrInternal, Err: fmt.Errorf("backend: client stopped")})
		return 0
	}

	go func() {
		defer c.endIO()

		if err := c.sem.Acquire(ctx, 1); err != nil {
			c.push(Completion{UserCtx: userCtx, Status: iostatus.ErrInternal, Err: err})
			return
		}
		defer c.sem.Release(1)

		rng := fmt.Sprintf("bytes=%d-%d", offset, offset+n-1)
		out, err := c.api.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(pool),
			Key:    aws.String(objectID),
			Range:  aws.String(rng),
		})
		if err != nil {
			c.push(Completion{UserCtx: userCtx, Status: iostatus.ErrInternal, Err: err})
			return
		}
		defer out.Body.Close()

		buf := bufpool.Get(int(n))
		read, err := io.ReadFull(out.Body, buf)
		if err != nil && err != io.ErrUnexpectedEOF {
			bufpool.Put(buf)
			c.push(Completion{UserCtx: userCtx, Status: iostatus.ErrInternal, Err: err})
			return
		}
		if c.limiter != nil {
			_ = c.limiter.WaitN(ctx, read)
		}
		c.push(Completion{UserCtx: userCtx, N: uint64(read), Status: iostatus.SUCCESS, Data: buf[:read]})
	}()

	return n
}

// WriteObject issues an async PutObject, choosing append-vs-overwrite
// semantics the caller has already resolved from the fragment's flag (S3
// has no true append; an "append" fragment is only ever written once, per
// SPEC_FULL.md §11).
func (c *Client) WriteObject(ctx context.Context, pool, objectID string, data []byte, userCtx any) uint64 {
	n := c.clampSize(uint64(len(data)))
	if n == 0 {
		return 0
	}
	payload := data[:n]

	if !c.beginIO() {
		c.push(Completion{UserCtx: userCtx, Status: iostatus.ErrInternal, Err: fmt.Errorf("backend: client stopped")})
		return 0
	}

	go func() {
		defer c.endIO()

		if err := c.sem.Acquire(ctx, 1); err != nil {
			c.push(Completion{UserCtx: userCtx, Status: iostatus.ErrInternal, Err: err})
			return
		}
		defer c.sem.Release(1)

		if c.limiter != nil {
			_ = c.limiter.WaitN(ctx, len(payload))
		}

		_, err := c.api.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(pool),
			Key:    aws.String(objectID),
			Body:   bytes.NewReader(payload),
		})
		if err != nil {
			c.push(Completion{UserCtx: userCtx, Status: iostatus.ErrInternal, Err: err})
			return
		}
		c.push(Completion{UserCtx: userCtx, N: n, Status: iostatus.SUCCESS})
	}()

	return n
}

// DeleteObject issues an async DeleteObject.
func (c *Client) DeleteObject(ctx context.Context, pool, objectID string, userCtx any) {
	if !c.beginIO() {
		c.push(Completion{UserCtx: userCtx, Status: iostatus.ErrInternal, Err: fmt.Errorf("backend: client stopped")})
		return
	}

	go func() {
		defer c.endIO()

		if err := c.sem.Acquire(ctx, 1); err != nil {
			c.push(Completion{UserCtx: userCtx, Status: iostatus.ErrInternal, Err: err})
			return
		}
		defer c.sem.Release(1)

		_, err := c.api.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(pool),
			Key:    aws.String(objectID),
		})
		if err != nil {
			c.push(Completion{UserCtx: userCtx, Status: iostatus.ErrInternal, Err: err})
			return
		}
		c.push(Completion{UserCtx: userCtx, Status: iostatus.SUCCESS})
	}()
}

// beginIO increments activeIOs, refusing new work once stop() has been
// called.
func (c *Client) beginIO() bool {
	if c.done.Load() {
		return false
	}
	c.activeIOs.Add(1)
	return true
}

// endIO decrements activeIOs and, if stop() is waiting, signals once the
// count reaches zero.
func (c *Client) endIO() {
	if c.activeIOs.Add(-1) == 0 && c.done.Load() {
		c.stopMu.Lock()
		c.stopCond.Broadcast()
		c.stopMu.Unlock()
	}
}

// push enqueues a completion onto the poll queue, consumed exactly once
// by the owning Worker.
func (c *Client) push(comp Completion) {
	c.completed.Push(comp)
}

// PollCompletion returns the next completed operation without blocking,
// the Worker's non-blocking poll of the Backend Client (spec.md §4.2
// step 3).
func (c *Client) PollCompletion() (Completion, bool) {
	return c.completed.TryPop()
}

// ActiveIOs returns the current in-flight operation count.
func (c *Client) ActiveIOs() int64 {
	return c.activeIOs.Load()
}

// MaxOpSize returns the configured per-request size ceiling, for callers
// (the Fragment Handler's cursor) that must clamp a chunk request before
// issuing it.
func (c *Client) MaxOpSize() uint64 {
	return c.cfg.MaxOpSize
}

// Stop sets done, waits for activeIOs to reach zero, then drains any
// lingering completions from the queue (discarding them — the Worker
// that owned this client is itself stopping).
func (c *Client) Stop() {
	c.done.Store(true)

	c.stopMu.Lock()
	for c.activeIOs.Load() != 0 {
		c.stopCond.Wait()
	}
	c.stopMu.Unlock()

	for {
		if _, ok := c.completed.TryPop(); !ok {
			break
		}
	}
}
