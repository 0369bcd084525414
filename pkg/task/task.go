// Package task defines the unit of work exchanged between a Session, the
// Worker Pool, and a Worker.
package task

import "github.com/hkust-sing/singio-broker/internal/iostatus"

// Opcode identifies the kind of operation a Task carries.
type Opcode int

const (
	OpRead Opcode = iota
	OpWrite
	OpAbort
	OpCheckWrite
	OpDelete
	OpClose
	OpAuth
)

// String names an Opcode for logging.
func (o Opcode) String() string {
	switch o {
	case OpRead:
		return "OP_READ"
	case OpWrite:
		return "OP_WRITE"
	case OpAbort:
		return "OP_ABORT"
	case OpCheckWrite:
		return "OP_CHECK_WRITE"
	case OpDelete:
		return "OP_DELETE"
	case OpClose:
		return "OP_CLOSE"
	case OpAuth:
		return "OP_AUTH"
	default:
		return "OP_UNKNOWN"
	}
}

// PayloadKind discriminates which field of a Payload is populated. This is
// the Go sum-type resolution of the tagged DataObject union described by
// the design notes: only the field matching Kind is meaningful.
type PayloadKind int

const (
	PayloadNone PayloadKind = iota
	PayloadRead
	PayloadWrite
)

// ReadPayload carries the application-visible slice of the read-direction
// shmem region a completed OP_READ filled.
type ReadPayload struct {
	ShmAddr uint64
	Length  uint32
}

// WritePayload carries the application-filled slice of the write-direction
// shmem region an OP_WRITE consumes.
type WritePayload struct {
	ShmAddr uint64
	Length  uint32
}

// Payload is the tagged variant attached to a Task; exactly one of
// Read/Write is valid, selected by Kind.
type Payload struct {
	Kind  PayloadKind
	Read  ReadPayload
	Write WritePayload
}

// NewReadPayload builds a Payload tagged PayloadRead.
func NewReadPayload(addr uint64, length uint32) Payload {
	return Payload{Kind: PayloadRead, Read: ReadPayload{ShmAddr: addr, Length: length}}
}

// NewWritePayload builds a Payload tagged PayloadWrite.
func NewWritePayload(addr uint64, length uint32) Payload {
	return Payload{Kind: PayloadWrite, Write: WritePayload{ShmAddr: addr, Length: length}}
}

// AnyWorker is the worker-id sentinel meaning "route to any worker",
// used by a fresh read-context's initial worker-id assignment.
const AnyWorker = 0

// RemainingSentinel is the Read Context's initial "remaining bytes"
// value before the object size is known from a manifest.
const RemainingSentinel = ^uint64(0) - 1 // 2^64 - 2

// Task is the unit of work moved between Session, Worker Pool, and
// Worker. Created by a Session, routed through the pool, executed by a
// Worker, and returned to the Session with Status populated.
type Task struct {
	UserID        uint32
	Path          string
	Op            Opcode
	Payload       Payload
	TxnID         uint32
	WorkerID      int
	ObjectSize    uint64
	MergeID       uint32
	HasMergeID    bool
	Status        iostatus.Status
	ConnectionKey string

	// WriteData is the application-filled bytes for an OpWrite Task,
	// copied out of the write-direction shmem region by the Session
	// before submission; the Worker never touches shmem directly.
	WriteData []byte

	// ReadData is the bytes a completed OpRead fetched from the backend,
	// owned by the pool this Task came from (see backend.Completion.Data);
	// the Session copies them into the read-direction shmem region and
	// returns the buffer to that pool. The Worker never touches shmem
	// directly.
	ReadData []byte
}

// New constructs a Task with WorkerID defaulted to AnyWorker.
func New(userID uint32, path string, op Opcode, txnID uint32, connKey string) *Task {
	return &Task{
		UserID:        userID,
		Path:          path,
		Op:            op,
		TxnID:         txnID,
		WorkerID:      AnyWorker,
		ConnectionKey: connKey,
	}
}

// WithMergeID tags the Task as the survivor/absorber of a write merge.
func (t *Task) WithMergeID(id uint32) *Task {
	t.MergeID = id
	t.HasMergeID = true
	return t
}

// Result is what a Worker returns to the Session for a completed Task:
// the original Task (ownership returned) plus whatever the completion
// observed.
type Result struct {
	Task *Task
}
