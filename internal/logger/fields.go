package logger

import (
	"log/slog"
)

// Standard field keys for structured logging.
// Use these keys consistently across all log statements for log aggregation and querying.
const (
	// ========================================================================
	// Distributed Tracing
	// ========================================================================
	KeyTraceID = "trace_id"
	KeySpanID  = "span_id"

	// ========================================================================
	// Session & Transaction
	// ========================================================================
	KeySessionID    = "session_id"    // Session identifier assigned at CONNECT
	KeyConnectionID = "connection_id" // Domain socket connection identifier
	KeyTranID       = "tran_id"       // Frame transaction id (txn-id)
	KeyMergeID      = "merge_id"      // Task id a response was merged into
	KeyWorkerID     = "worker_id"     // Worker pool slot index
	KeyUID          = "uid"
	KeyGID          = "gid"

	// ========================================================================
	// Frame / Wire Protocol
	// ========================================================================
	KeyFrameKind = "frame_kind" // STATUS, AUTH, READ, WRITE, CONNECT_REPLY, CLOSE, DELETE
	KeyFrameLen  = "frame_len"  // Total frame length in bytes

	// ========================================================================
	// I/O Operations
	// ========================================================================
	KeyOffset       = "offset"
	KeyCount        = "count"
	KeyBytesRead    = "bytes_read"
	KeyBytesWritten = "bytes_written"
	KeyOpcode       = "opcode" // Task opcode: READ, WRITE, DELETE, AUTH

	// ========================================================================
	// Object / Path Identity
	// ========================================================================
	KeyPath     = "path"     // Client-visible object path
	KeyOID      = "oid"      // Object identifier resolved from path
	KeyPool     = "pool"     // Backend pool/bucket name
	KeyFragment = "fragment" // Fragment id within a manifest

	// ========================================================================
	// Shared Memory
	// ========================================================================
	KeyShmName  = "shm_name"  // Shared-memory region name
	KeyShmSize  = "shm_size"  // Shared-memory region size
	KeyShmAddr  = "shm_addr"  // Allocated offset within a region
	KeyShmBytes = "shm_bytes" // Bytes reserved by an allocation

	// ========================================================================
	// Operation Metadata
	// ========================================================================
	KeyDurationMs = "duration_ms"
	KeyError      = "error"
	KeyStatus     = "status" // IOStatus code
	KeyAttempt    = "attempt"
	KeyMaxRetries = "max_retries"

	// ========================================================================
	// Storage Backend
	// ========================================================================
	KeyBucket = "bucket"
	KeyKey    = "key"
	KeyRegion = "region"
)

// TraceID returns a slog.Attr for the trace ID carried across a request.
func TraceID(id string) slog.Attr {
	return slog.String(KeyTraceID, id)
}

// SpanID returns a slog.Attr for a span within a trace.
func SpanID(id string) slog.Attr {
	return slog.String(KeySpanID, id)
}

// SessionID returns a slog.Attr for a session identifier.
func SessionID(id string) slog.Attr {
	return slog.String(KeySessionID, id)
}

// ConnectionID returns a slog.Attr for a domain socket connection identifier.
func ConnectionID(id string) slog.Attr {
	return slog.String(KeyConnectionID, id)
}

// TranID returns a slog.Attr for a frame transaction id.
func TranID(id uint32) slog.Attr {
	return slog.Uint64(KeyTranID, uint64(id))
}

// MergeID returns a slog.Attr for the task id a response was merged into.
func MergeID(id uint32) slog.Attr {
	return slog.Uint64(KeyMergeID, uint64(id))
}

// WorkerID returns a slog.Attr for a worker pool slot index.
func WorkerID(id int) slog.Attr {
	return slog.Int(KeyWorkerID, id)
}

// UID returns a slog.Attr for a user id.
func UID(uid uint32) slog.Attr {
	return slog.Uint64(KeyUID, uint64(uid))
}

// GID returns a slog.Attr for a group id.
func GID(gid uint32) slog.Attr {
	return slog.Uint64(KeyGID, uint64(gid))
}

// FrameKind returns a slog.Attr for a wire frame kind.
func FrameKind(kind string) slog.Attr {
	return slog.String(KeyFrameKind, kind)
}

// FrameLen returns a slog.Attr for a wire frame's total length.
func FrameLen(n uint32) slog.Attr {
	return slog.Uint64(KeyFrameLen, uint64(n))
}

// Offset returns a slog.Attr for an I/O offset.
func Offset(off uint64) slog.Attr {
	return slog.Uint64(KeyOffset, off)
}

// Count returns a slog.Attr for a requested byte count.
func Count(c uint64) slog.Attr {
	return slog.Uint64(KeyCount, c)
}

// BytesRead returns a slog.Attr for actual bytes read.
func BytesRead(n int) slog.Attr {
	return slog.Int(KeyBytesRead, n)
}

// BytesWritten returns a slog.Attr for actual bytes written.
func BytesWritten(n int) slog.Attr {
	return slog.Int(KeyBytesWritten, n)
}

// Opcode returns a slog.Attr for a task opcode.
func Opcode(op string) slog.Attr {
	return slog.String(KeyOpcode, op)
}

// Path returns a slog.Attr for a client-visible object path.
func Path(p string) slog.Attr {
	return slog.String(KeyPath, p)
}

// OID returns a slog.Attr for a resolved object identifier.
func OID(id string) slog.Attr {
	return slog.String(KeyOID, id)
}

// Pool returns a slog.Attr for a backend pool/bucket name.
func Pool(name string) slog.Attr {
	return slog.String(KeyPool, name)
}

// Fragment returns a slog.Attr for a fragment id within a manifest.
func Fragment(id int) slog.Attr {
	return slog.Int(KeyFragment, id)
}

// ShmName returns a slog.Attr for a shared-memory region name.
func ShmName(name string) slog.Attr {
	return slog.String(KeyShmName, name)
}

// ShmSize returns a slog.Attr for a shared-memory region size.
func ShmSize(size uint64) slog.Attr {
	return slog.Uint64(KeyShmSize, size)
}

// ShmAddr returns a slog.Attr for an allocated offset within a region.
func ShmAddr(addr uint64) slog.Attr {
	return slog.Uint64(KeyShmAddr, addr)
}

// ShmBytes returns a slog.Attr for bytes reserved by an allocation.
func ShmBytes(n uint64) slog.Attr {
	return slog.Uint64(KeyShmBytes, n)
}

// DurationMs returns a slog.Attr for a duration in milliseconds.
func DurationMs(ms float64) slog.Attr {
	return slog.Float64(KeyDurationMs, ms)
}

// Err returns a slog.Attr for an error.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

// Status returns a slog.Attr for an IOStatus code.
func Status(code int) slog.Attr {
	return slog.Int(KeyStatus, code)
}

// Attempt returns a slog.Attr for a retry attempt number.
func Attempt(n int) slog.Attr {
	return slog.Int(KeyAttempt, n)
}

// MaxRetries returns a slog.Attr for a maximum retry count.
func MaxRetries(n int) slog.Attr {
	return slog.Int(KeyMaxRetries, n)
}

// Bucket returns a slog.Attr for a backend bucket name.
func Bucket(name string) slog.Attr {
	return slog.String(KeyBucket, name)
}

// Key returns a slog.Attr for an object key in backend storage.
func Key(k string) slog.Attr {
	return slog.String(KeyKey, k)
}

// Region returns a slog.Attr for a backend region.
func Region(r string) slog.Attr {
	return slog.String(KeyRegion, r)
}
