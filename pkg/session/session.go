// Package session implements the Session (spec.md §4.1): the
// per-connection state machine that frames the byte stream, manages
// shared-memory regions, submits Tasks to the Worker Pool, and writes
// replies back to the application.
package session

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/hkust-sing/singio-broker/internal/iostatus"
	"github.com/hkust-sing/singio-broker/pkg/auth"
	"github.com/hkust-sing/singio-broker/pkg/authz"
	"github.com/hkust-sing/singio-broker/pkg/bufpool"
	"github.com/hkust-sing/singio-broker/pkg/metrics"
	"github.com/hkust-sing/singio-broker/pkg/pool"
	"github.com/hkust-sing/singio-broker/pkg/shm"
	"github.com/hkust-sing/singio-broker/pkg/task"
	"github.com/hkust-sing/singio-broker/pkg/wire"
)

// Writer is the subset of net.Conn a Session needs to emit frames; kept
// narrow so tests can substitute an in-memory buffer.
type Writer interface {
	Write(p []byte) (int, error)
}

// Config bounds a Session's shmem region and slice sizing.
type Config struct {
	// RegionSize is the size of each of the two shmem regions a Session
	// allocates on a successful AUTH. Defaults to 4 MiB.
	RegionSize uint64
	// ChunkSize is the slice size carved from the read region for each
	// outstanding READ. Defaults to 64 KiB.
	ChunkSize uint64

	// Metrics receives per-frame observability; nil disables it.
	Metrics *metrics.BrokerMetrics
}

type readReply struct {
	Addr uint64
	Len  uint32
}

// readContext is the per-path state a Session keeps across the
// chunk-at-a-time READ exchange described in spec.md §4.1.
type readContext struct {
	workerID     int
	lastResponse *readReply
	pendingNew   []uint32 // txn-ids of queued "new" READ frames for this path
}

// writeContext is the per-path state across a WRITE's check/fill cycle.
type writeContext struct {
	workerID int
}

// propMerged is a Session-local bit (outside the wire.PropNew/PropAbort
// pair) set on a send_write_request reply to signal a write-merge
// completion to the application.
const propMerged uint32 = 1 << 2

type pendingAllocRead struct {
	txnID uint32
	path  string
}

// Session is the concrete per-connection state machine.
type Session struct {
	conn    Writer
	writeMu sync.Mutex

	acc []byte

	pool    *pool.Pool
	authz   *authz.Client
	metrics *metrics.BrokerMetrics

	rng *rand.Rand

	mu         sync.Mutex
	identity   auth.Identity
	authed     bool
	connKey    string
	// uid is the numeric identity stamped on every Task this Session
	// submits; the authz server's current /auth reply carries only the
	// tenant Account path, so this stays 0 until a uid-mapping response
	// field exists on the authz side.
	uid        uint32
	closed     bool

	readRegion  *shm.Region
	writeRegion *shm.Region
	readAlloc   *shm.Allocator

	readCtxs     map[string]*readContext
	writeCtxs    map[string]*writeContext
	pendingAlloc []pendingAllocRead

	regionSize uint64
	chunkSize  uint64
}

// New builds a Session over conn, routing Tasks through p and
// authenticating through az.
func New(conn Writer, p *pool.Pool, az *authz.Client, cfg Config) *Session {
	if cfg.RegionSize == 0 {
		cfg.RegionSize = 4 << 20
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = 64 << 10
	}
	return &Session{
		conn:         conn,
		pool:         p,
		authz:        az,
		metrics:      cfg.Metrics,
		rng:          shm.NewSeededRand(),
		readCtxs:     make(map[string]*readContext),
		writeCtxs:    make(map[string]*writeContext),
		pendingAlloc: nil,
		regionSize:   cfg.RegionSize,
		chunkSize:    cfg.ChunkSize,
	}
}

// OnBytesAvailable appends chunk to the Session's accumulator and
// dispatches every complete frame it now holds.
func (s *Session) OnBytesAvailable(chunk []byte) {
	s.acc = append(s.acc, chunk...)
	for {
		if len(s.acc) < wire.HeaderSize {
			return
		}
		hdr, err := wire.DecodeHeader(s.acc)
		if err != nil {
			return
		}
		if uint32(len(s.acc)) < hdr.Length {
			return
		}
		frame := s.acc[:hdr.Length]
		s.acc = s.acc[hdr.Length:]
		s.dispatch(hdr, frame[wire.HeaderSize:])
	}
}

// OnSocketError terminates the Session: in-flight futures are left to
// resolve into a no-op write (writeFrame checks closed), matching
// spec.md's "results discarded" failure semantics.
func (s *Session) OnSocketError(err error) {
	s.markClosed()
}

func (s *Session) dispatch(hdr wire.Header, body []byte) {
	s.metrics.ObserveFrame(hdr.Kind.String())
	switch hdr.Kind {
	case wire.KindAuth:
		s.handleAuth(hdr, body)
	case wire.KindRead:
		s.handleRead(hdr, body)
	case wire.KindWrite:
		s.handleWrite(hdr, body)
	case wire.KindDelete:
		s.handleDelete(hdr, body)
	case wire.KindClose:
		s.handleClose(hdr)
	default:
		// Unknown/parse-ambiguous frame kind: logged and dropped per
		// spec.md's failure semantics (no reply).
	}
}

func (s *Session) writeFrame(buf []byte) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, _ = s.conn.Write(buf)
}

func (s *Session) sendStatus(txnID uint32, code iostatus.Status) {
	s.writeFrame(wire.EncodeStatus(txnID, code))
}

// sendReadReply realizes send_read_reply: "broker has placed len bytes
// at shmem_addr for path," carried on a WRITE-kind frame.
func (s *Session) sendReadReply(txnID uint32, path string, addr uint64, length uint32) {
	s.writeFrame(wire.EncodeWrite(txnID, wire.WriteBody{Path: path, StartAddr: addr, DataLen: uint64(length)}))
}

// sendWriteRequest realizes send_write_request: "broker asks app to
// deliver the next chunk for path," carried on a READ-kind frame.
// properties (e.g. propMerged) rides in the READ body's Properties field
// as a release indicator the application correlates against its own
// merge bookkeeping.
func (s *Session) sendWriteRequest(txnID uint32, path string, properties uint32) {
	s.writeFrame(wire.EncodeReadKind(wire.KindRead, txnID, wire.ReadBody{Path: path, Properties: properties}))
}

func (s *Session) markClosed() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	rr, wr := s.readRegion, s.writeRegion
	s.mu.Unlock()
	if rr != nil {
		_ = rr.Close()
	}
	if wr != nil {
		_ = wr.Close()
	}
}

// handleAuth implements the exactly-once AUTH exchange of spec.md §4.1.
func (s *Session) handleAuth(hdr wire.Header, body []byte) {
	s.mu.Lock()
	if s.authed {
		s.mu.Unlock()
		s.sendStatus(hdr.TxnID, iostatus.ErrProt)
		return
	}
	s.mu.Unlock()

	ab, err := wire.DecodeAuth(body)
	if err != nil {
		return
	}

	resp := s.authz.Submit(context.Background(), authz.Request{
		Kind: authz.KindAuth,
		User: ab.User,
		Key:  string(ab.Password[:]),
	})
	if resp.Status != iostatus.SUCCESS {
		s.sendStatus(hdr.TxnID, resp.Status)
		return
	}

	readName := shm.GenerateName(s.rng)
	writeName := shm.UniqueName(s.rng, map[string]struct{}{readName: {}})

	readRegion, err := shm.CreateRegion(readName, s.regionSize)
	if err != nil {
		s.sendStatus(hdr.TxnID, iostatus.ErrInternal)
		return
	}
	writeRegion, err := shm.CreateRegion(writeName, s.regionSize)
	if err != nil {
		_ = readRegion.Close()
		s.sendStatus(hdr.TxnID, iostatus.ErrInternal)
		return
	}

	s.mu.Lock()
	s.identity = auth.Identity{Account: resp.Account}
	s.authed = true
	s.connKey = resp.Account
	s.readRegion = readRegion
	s.writeRegion = writeRegion
	s.readAlloc = shm.NewAllocator(readRegion.Size())
	s.mu.Unlock()

	var readNameArr, writeNameArr [wire.ShmNameSize]byte
	copy(readNameArr[:], readName)
	copy(writeNameArr[:], writeName)

	s.writeFrame(wire.EncodeConnectReply(hdr.TxnID, wire.ConnectReplyBody{
		WriteAddr: 0,
		WriteSize: uint32(writeRegion.Size()),
		ReadAddr:  0,
		ReadSize:  uint32(readRegion.Size()),
		WriteName: writeNameArr,
		ReadName:  readNameArr,
	}))
}

func (s *Session) isAuthed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authed
}

// handleRead implements the READ-frame state machine of spec.md §4.1.
func (s *Session) handleRead(hdr wire.Header, body []byte) {
	rb, err := wire.DecodeRead(body)
	if err != nil {
		return
	}
	if !s.isAuthed() {
		s.sendStatus(hdr.TxnID, iostatus.ErrProt)
		return
	}
	path := rb.Path

	if rb.Properties&wire.PropAbort != 0 {
		s.abortRead(path, hdr.TxnID)
		return
	}

	if rb.Properties&wire.PropNew != 0 {
		s.mu.Lock()
		if ctx, exists := s.readCtxs[path]; exists {
			ctx.pendingNew = append(ctx.pendingNew, hdr.TxnID)
			s.mu.Unlock()
			return
		}
		ctx := &readContext{workerID: task.AnyWorker}
		s.readCtxs[path] = ctx
		s.mu.Unlock()
		s.startRead(path, ctx, hdr.TxnID)
		return
	}

	// Neither bit: this is an acknowledgement of last_response.
	s.mu.Lock()
	ctx, exists := s.readCtxs[path]
	s.mu.Unlock()
	if !exists || ctx.lastResponse == nil {
		return
	}

	last := ctx.lastResponse
	if last.Addr == 0 && last.Len == 0 {
		s.finalizeRead(path)
		return
	}

	if err := s.readAlloc.Deallocate(last.Addr); err != nil {
		s.sendStatus(hdr.TxnID, iostatus.ErrInternal)
		return
	}
	s.retryPendingAllocs()
	s.startRead(path, ctx, hdr.TxnID)
}

func (s *Session) startRead(path string, ctx *readContext, txnID uint32) {
	addr := s.readAlloc.Allocate(s.chunkSize)
	if addr == shm.Sentinel {
		s.mu.Lock()
		s.pendingAlloc = append(s.pendingAlloc, pendingAllocRead{txnID: txnID, path: path})
		s.mu.Unlock()
		return
	}
	s.issueRead(path, ctx, txnID, addr)
}

func (s *Session) issueRead(path string, ctx *readContext, txnID uint32, addr uint64) {
	t := task.New(s.uid, path, task.OpRead, txnID, s.connKey)
	t.WorkerID = ctx.workerID
	t.Payload = task.NewReadPayload(addr, uint32(s.chunkSize))

	reply := s.pool.SendTask(t)
	go func() {
		res := <-reply
		s.onReadComplete(path, res.Task)
	}()
}

func (s *Session) onReadComplete(path string, t *task.Task) {
	s.mu.Lock()
	ctx := s.readCtxs[path]
	if ctx == nil {
		s.mu.Unlock()
		return
	}
	ctx.workerID = t.WorkerID
	s.mu.Unlock()

	if t.Status != iostatus.SUCCESS {
		s.sendStatus(t.TxnID, t.Status)
		s.finalizeRead(path)
		return
	}

	addr := t.Payload.Read.ShmAddr
	length := t.Payload.Read.Length

	if length > 0 {
		if err := s.readRegion.WriteAt(addr, t.ReadData); err != nil {
			bufpool.Put(t.ReadData)
			s.sendStatus(t.TxnID, iostatus.ErrInternal)
			s.finalizeRead(path)
			return
		}
	}
	bufpool.Put(t.ReadData)

	s.mu.Lock()
	ctx.lastResponse = &readReply{Addr: addr, Len: length}
	s.mu.Unlock()

	s.sendReadReply(t.TxnID, path, addr, length)
}

func (s *Session) finalizeRead(path string) {
	s.mu.Lock()
	ctx, ok := s.readCtxs[path]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.readCtxs, path)
	pending := ctx.pendingNew
	s.mu.Unlock()

	if len(pending) == 0 {
		return
	}
	next := pending[0]
	s.mu.Lock()
	newCtx := &readContext{workerID: task.AnyWorker}
	s.readCtxs[path] = newCtx
	s.mu.Unlock()
	s.startRead(path, newCtx, next)
}

func (s *Session) abortRead(path string, txnID uint32) {
	s.mu.Lock()
	ctx, exists := s.readCtxs[path]
	s.mu.Unlock()
	if !exists {
		s.sendStatus(txnID, iostatus.SUCCESS)
		return
	}

	t := task.New(s.uid, path, task.OpAbort, txnID, s.connKey)
	t.WorkerID = ctx.workerID
	reply := s.pool.SendTask(t)
	go func() {
		res := <-reply
		s.mu.Lock()
		delete(s.readCtxs, path)
		s.mu.Unlock()
		s.sendStatus(res.Task.TxnID, res.Task.Status)
	}()
}

func (s *Session) retryPendingAllocs() {
	for {
		s.mu.Lock()
		if len(s.pendingAlloc) == 0 {
			s.mu.Unlock()
			return
		}
		next := s.pendingAlloc[0]
		s.mu.Unlock()

		addr := s.readAlloc.Allocate(s.chunkSize)
		if addr == shm.Sentinel {
			return
		}

		s.mu.Lock()
		s.pendingAlloc = s.pendingAlloc[1:]
		ctx := s.readCtxs[next.path]
		s.mu.Unlock()

		if ctx == nil {
			// Path was torn down (aborted/finalized) while queued;
			// drop this entry and keep draining the rest.
			continue
		}
		s.issueRead(next.path, ctx, next.txnID, addr)
	}
}

// handleWrite implements the WRITE-frame state machine of spec.md §4.1.
func (s *Session) handleWrite(hdr wire.Header, body []byte) {
	wb, err := wire.DecodeWrite(body)
	if err != nil {
		return
	}
	if !s.isAuthed() {
		s.sendStatus(hdr.TxnID, iostatus.ErrProt)
		return
	}
	path := wb.Path

	if wb.Properties&wire.PropAbort != 0 {
		s.abortWrite(path, hdr.TxnID)
		return
	}

	if wb.Properties&wire.PropNew != 0 {
		s.mu.Lock()
		if _, exists := s.writeCtxs[path]; exists {
			s.mu.Unlock()
			s.sendStatus(hdr.TxnID, iostatus.ErrProt)
			return
		}
		ctx := &writeContext{workerID: task.AnyWorker}
		s.writeCtxs[path] = ctx
		s.mu.Unlock()

		t := task.New(s.uid, path, task.OpCheckWrite, hdr.TxnID, s.connKey)
		reply := s.pool.SendTask(t)
		go func() {
			res := <-reply
			s.onCheckWriteComplete(path, res.Task)
		}()
		return
	}

	// Neither bit: the application has filled (addr, len) in the
	// write-direction region.
	s.mu.Lock()
	ctx, exists := s.writeCtxs[path]
	s.mu.Unlock()
	if !exists {
		return
	}

	data, err := s.writeRegion.Slice(wb.StartAddr, wb.DataLen)
	if err != nil {
		s.sendStatus(hdr.TxnID, iostatus.ErrParams)
		return
	}
	owned := append([]byte(nil), data...)

	t := task.New(s.uid, path, task.OpWrite, hdr.TxnID, s.connKey)
	t.WorkerID = ctx.workerID
	t.Payload = task.NewWritePayload(wb.StartAddr, uint32(wb.DataLen))
	t.WriteData = owned

	reply := s.pool.SendTask(t)
	go func() {
		res := <-reply
		s.onWriteComplete(path, res.Task)
	}()
}

func (s *Session) onCheckWriteComplete(path string, t *task.Task) {
	s.mu.Lock()
	ctx := s.writeCtxs[path]
	if ctx == nil {
		s.mu.Unlock()
		return
	}
	ctx.workerID = t.WorkerID
	s.mu.Unlock()

	if t.Status != iostatus.SUCCESS {
		s.sendStatus(t.TxnID, t.Status)
		s.mu.Lock()
		delete(s.writeCtxs, path)
		s.mu.Unlock()
		return
	}

	s.sendWriteRequest(t.TxnID, path, 0)
}

func (s *Session) onWriteComplete(path string, t *task.Task) {
	s.mu.Lock()
	_, exists := s.writeCtxs[path]
	s.mu.Unlock()
	if !exists {
		return
	}

	switch t.Status {
	case iostatus.SUCCESS:
		if t.Payload.Write.Length == 0 {
			s.sendStatus(t.TxnID, iostatus.SUCCESS)
			s.mu.Lock()
			delete(s.writeCtxs, path)
			s.mu.Unlock()
			return
		}
		s.sendWriteRequest(t.TxnID, path, 0)
	case iostatus.StatPartialWrite:
		// propMerged rides alongside PropNew/PropAbort in the same
		// bitmap: it tells the application this write-request reply
		// is for a txn-id that was folded into another in-flight
		// write (spec.md §4.2's write-merge), so it should release
		// its own buffer for the merged txn rather than waiting on it
		// separately.
		s.sendWriteRequest(t.TxnID, path, propMerged)
	default:
		s.sendStatus(t.TxnID, t.Status)
		s.mu.Lock()
		delete(s.writeCtxs, path)
		s.mu.Unlock()
	}
}

func (s *Session) abortWrite(path string, txnID uint32) {
	s.mu.Lock()
	ctx, exists := s.writeCtxs[path]
	s.mu.Unlock()
	if !exists {
		s.sendStatus(txnID, iostatus.SUCCESS)
		return
	}

	t := task.New(s.uid, path, task.OpAbort, txnID, s.connKey)
	t.WorkerID = ctx.workerID
	reply := s.pool.SendTask(t)
	go func() {
		res := <-reply
		s.mu.Lock()
		delete(s.writeCtxs, path)
		s.mu.Unlock()
		s.sendStatus(res.Task.TxnID, res.Task.Status)
	}()
}

// handleDelete implements the single-Task DELETE exchange.
func (s *Session) handleDelete(hdr wire.Header, body []byte) {
	db, err := wire.DecodeDelete(body)
	if err != nil {
		return
	}
	if !s.isAuthed() {
		s.sendStatus(hdr.TxnID, iostatus.ErrProt)
		return
	}

	t := task.New(s.uid, db.Path, task.OpDelete, hdr.TxnID, s.connKey)
	reply := s.pool.SendTask(t)
	go func() {
		res := <-reply
		s.sendStatus(res.Task.TxnID, res.Task.Status)
	}()
}

// handleClose broadcasts an OP_CLOSE Task to every Worker and reports
// the first non-CLOSE status, or STAT_CLOSE if every Worker reports
// that.
func (s *Session) handleClose(hdr wire.Header) {
	if !s.isAuthed() {
		s.sendStatus(hdr.TxnID, iostatus.StatClose)
		s.markClosed()
		return
	}

	t := task.New(s.uid, "", task.OpClose, hdr.TxnID, s.connKey)
	replies := s.pool.BroadcastTask(t)
	go func() {
		final := iostatus.StatClose
		for _, r := range replies {
			res := <-r
			if res.Task.Status != iostatus.StatClose && final == iostatus.StatClose {
				final = res.Task.Status
			}
		}
		s.sendStatus(hdr.TxnID, final)
		s.markClosed()
	}()
}

// Identity returns the Session's authenticated identity, or
// auth.Anonymous before AUTH succeeds.
func (s *Session) Identity() auth.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// ConnectionInfo reports a Session's allocated shmem regions, useful for
// diagnostics/metrics.
func (s *Session) ConnectionInfo() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readRegion == nil || s.writeRegion == nil {
		return "unauthenticated"
	}
	return fmt.Sprintf("read=%s write=%s", s.readRegion.Name(), s.writeRegion.Name())
}
