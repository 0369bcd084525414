// Package wire implements the IPC frame format exchanged between an
// application process and the broker over the domain socket: a 9-byte
// header (kind, txn-id, total length) followed by a kind-specific body,
// all little-endian.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/hkust-sing/singio-broker/internal/iostatus"
)

// Kind identifies a frame's body layout.
type Kind byte

const (
	KindStatus       Kind = 0
	KindAuth         Kind = 1
	KindRead         Kind = 2
	KindWrite        Kind = 3
	KindConnectReply Kind = 4
	KindClose        Kind = 5
	KindDelete       Kind = 6
)

// String returns the frame kind name for logging.
func (k Kind) String() string {
	switch k {
	case KindStatus:
		return "STATUS"
	case KindAuth:
		return "AUTH"
	case KindRead:
		return "READ"
	case KindWrite:
		return "WRITE"
	case KindConnectReply:
		return "CONNECT_REPLY"
	case KindClose:
		return "CLOSE"
	case KindDelete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// HeaderSize is the fixed 9-byte frame header: 1-byte kind, 4-byte
// txn-id, 4-byte total length (including the header itself).
const HeaderSize = 9

// ShmNameSize is the fixed width of a shared-memory region name as
// carried in a CONNECT_REPLY frame.
const ShmNameSize = 32

// PasswordSize is the fixed width of the password field in an AUTH frame.
const PasswordSize = 32

// Read-frame/write-frame properties bitmap bits.
const (
	// PropNew marks the first frame of a new READ/WRITE operation on a path.
	PropNew uint32 = 1 << 0
	// PropAbort marks an abort of the active operation on a path.
	PropAbort uint32 = 1 << 1
)

// Header is the decoded 9-byte frame header.
type Header struct {
	Kind   Kind
	TxnID  uint32
	Length uint32
}

// ErrShortFrame is returned by Decode* functions when fewer bytes are
// available than the frame claims to need.
var ErrShortFrame = fmt.Errorf("wire: short frame")

// ErrMalformed is returned when a frame's body cannot be parsed for its
// declared kind.
var ErrMalformed = fmt.Errorf("wire: malformed frame")

// DecodeHeader parses the 9-byte header from buf. buf must be at least
// HeaderSize bytes.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, ErrShortFrame
	}
	return Header{
		Kind:   Kind(buf[0]),
		TxnID:  binary.LittleEndian.Uint32(buf[1:5]),
		Length: binary.LittleEndian.Uint32(buf[5:9]),
	}, nil
}

// putHeader writes the 9-byte header into buf[:HeaderSize].
func putHeader(buf []byte, kind Kind, txnID, length uint32) {
	buf[0] = byte(kind)
	binary.LittleEndian.PutUint32(buf[1:5], txnID)
	binary.LittleEndian.PutUint32(buf[5:9], length)
}

// AuthBody is the decoded body of an AUTH frame.
type AuthBody struct {
	User     string
	Password [PasswordSize]byte
}

// ReadBody is the decoded body of a READ frame.
type ReadBody struct {
	Path       string
	Properties uint32
}

// WriteBody is the decoded body of a WRITE frame.
type WriteBody struct {
	Path       string
	Properties uint32
	StartAddr  uint64
	DataLen    uint64
}

// StatusBody is the decoded body of a STATUS frame.
type StatusBody struct {
	Code iostatus.Status
}

// ConnectReplyBody is the decoded body of a CONNECT_REPLY frame.
type ConnectReplyBody struct {
	WriteAddr uint64
	WriteSize uint32
	ReadAddr  uint64
	ReadSize  uint32
	WriteName [ShmNameSize]byte
	ReadName  [ShmNameSize]byte
}

// DeleteBody is the decoded body of a DELETE frame.
type DeleteBody struct {
	Path string
}

// EncodeAuth encodes a full AUTH frame.
func EncodeAuth(txnID uint32, body AuthBody) []byte {
	userBytes := []byte(body.User)
	total := HeaderSize + 2 + len(userBytes) + PasswordSize
	buf := make([]byte, total)
	putHeader(buf, KindAuth, txnID, uint32(total))
	off := HeaderSize
	binary.LittleEndian.PutUint16(buf[off:], uint16(len(userBytes)))
	off += 2
	copy(buf[off:], userBytes)
	off += len(userBytes)
	copy(buf[off:], body.Password[:])
	return buf
}

// DecodeAuth decodes an AUTH frame body. buf must begin at the body
// (i.e. after the 9-byte header) and cover exactly bodyLen bytes.
func DecodeAuth(buf []byte) (AuthBody, error) {
	if len(buf) < 2 {
		return AuthBody{}, ErrMalformed
	}
	userLen := int(binary.LittleEndian.Uint16(buf))
	off := 2
	if len(buf) < off+userLen+PasswordSize {
		return AuthBody{}, ErrMalformed
	}
	var body AuthBody
	body.User = string(buf[off : off+userLen])
	off += userLen
	copy(body.Password[:], buf[off:off+PasswordSize])
	return body, nil
}

// EncodeRead encodes a full READ-kind frame. Read replies are not
// encoded here: they are WRITE-kind frames built by EncodeWrite.
// Write-chunk requests use EncodeReadKind with KindRead.
func EncodeRead(txnID uint32, body ReadBody) []byte {
	return EncodeReadKind(KindRead, txnID, body)
}

// EncodeReadKind encodes a READ-body frame under an explicit kind, since
// the READ body layout (path, properties) is reused for both the READ
// frame kind and as the body of a send_write_request (emitted as a READ
// frame per spec.md §4.1). A send_read_reply is a WRITE frame with a
// WriteBody and is encoded by EncodeWrite, not here.
func EncodeReadKind(kind Kind, txnID uint32, body ReadBody) []byte {
	pathBytes := []byte(body.Path)
	total := HeaderSize + 2 + len(pathBytes) + 4
	buf := make([]byte, total)
	putHeader(buf, kind, txnID, uint32(total))
	off := HeaderSize
	binary.LittleEndian.PutUint16(buf[off:], uint16(len(pathBytes)))
	off += 2
	copy(buf[off:], pathBytes)
	off += len(pathBytes)
	binary.LittleEndian.PutUint32(buf[off:], body.Properties)
	return buf
}

// DecodeRead decodes a READ-shaped body (path-len, path, properties).
func DecodeRead(buf []byte) (ReadBody, error) {
	if len(buf) < 2 {
		return ReadBody{}, ErrMalformed
	}
	pathLen := int(binary.LittleEndian.Uint16(buf))
	off := 2
	if len(buf) < off+pathLen+4 {
		return ReadBody{}, ErrMalformed
	}
	var body ReadBody
	body.Path = string(buf[off : off+pathLen])
	off += pathLen
	body.Properties = binary.LittleEndian.Uint32(buf[off:])
	return body, nil
}

// EncodeWrite encodes a full WRITE frame.
func EncodeWrite(txnID uint32, body WriteBody) []byte {
	pathBytes := []byte(body.Path)
	total := HeaderSize + 2 + len(pathBytes) + 4 + 8 + 8
	buf := make([]byte, total)
	putHeader(buf, KindWrite, txnID, uint32(total))
	off := HeaderSize
	binary.LittleEndian.PutUint16(buf[off:], uint16(len(pathBytes)))
	off += 2
	copy(buf[off:], pathBytes)
	off += len(pathBytes)
	binary.LittleEndian.PutUint32(buf[off:], body.Properties)
	off += 4
	binary.LittleEndian.PutUint64(buf[off:], body.StartAddr)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], body.DataLen)
	return buf
}

// DecodeWrite decodes a WRITE frame body.
func DecodeWrite(buf []byte) (WriteBody, error) {
	if len(buf) < 2 {
		return WriteBody{}, ErrMalformed
	}
	pathLen := int(binary.LittleEndian.Uint16(buf))
	off := 2
	if len(buf) < off+pathLen+4+8+8 {
		return WriteBody{}, ErrMalformed
	}
	var body WriteBody
	body.Path = string(buf[off : off+pathLen])
	off += pathLen
	body.Properties = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	body.StartAddr = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	body.DataLen = binary.LittleEndian.Uint64(buf[off:])
	return body, nil
}

// EncodeStatus encodes a full STATUS frame.
func EncodeStatus(txnID uint32, code iostatus.Status) []byte {
	total := HeaderSize + 1
	buf := make([]byte, total)
	putHeader(buf, KindStatus, txnID, uint32(total))
	buf[HeaderSize] = byte(code)
	return buf
}

// DecodeStatus decodes a STATUS frame body.
func DecodeStatus(buf []byte) (StatusBody, error) {
	if len(buf) < 1 {
		return StatusBody{}, ErrMalformed
	}
	return StatusBody{Code: iostatus.Status(buf[0])}, nil
}

// EncodeConnectReply encodes a full CONNECT_REPLY frame.
func EncodeConnectReply(txnID uint32, body ConnectReplyBody) []byte {
	total := HeaderSize + 8 + 4 + 8 + 4 + ShmNameSize + ShmNameSize
	buf := make([]byte, total)
	putHeader(buf, KindConnectReply, txnID, uint32(total))
	off := HeaderSize
	binary.LittleEndian.PutUint64(buf[off:], body.WriteAddr)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], body.WriteSize)
	off += 4
	binary.LittleEndian.PutUint64(buf[off:], body.ReadAddr)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], body.ReadSize)
	off += 4
	copy(buf[off:], body.WriteName[:])
	off += ShmNameSize
	copy(buf[off:], body.ReadName[:])
	return buf
}

// DecodeConnectReply decodes a CONNECT_REPLY frame body.
func DecodeConnectReply(buf []byte) (ConnectReplyBody, error) {
	need := 8 + 4 + 8 + 4 + ShmNameSize + ShmNameSize
	if len(buf) < need {
		return ConnectReplyBody{}, ErrMalformed
	}
	var body ConnectReplyBody
	off := 0
	body.WriteAddr = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	body.WriteSize = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	body.ReadAddr = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	body.ReadSize = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	copy(body.WriteName[:], buf[off:off+ShmNameSize])
	off += ShmNameSize
	copy(body.ReadName[:], buf[off:off+ShmNameSize])
	return body, nil
}

// EncodeClose encodes a full CLOSE frame (no body).
func EncodeClose(txnID uint32) []byte {
	buf := make([]byte, HeaderSize)
	putHeader(buf, KindClose, txnID, uint32(HeaderSize))
	return buf
}

// EncodeDelete encodes a full DELETE frame.
func EncodeDelete(txnID uint32, body DeleteBody) []byte {
	pathBytes := []byte(body.Path)
	total := HeaderSize + 2 + len(pathBytes)
	buf := make([]byte, total)
	putHeader(buf, KindDelete, txnID, uint32(total))
	off := HeaderSize
	binary.LittleEndian.PutUint16(buf[off:], uint16(len(pathBytes)))
	off += 2
	copy(buf[off:], pathBytes)
	return buf
}

// DecodeDelete decodes a DELETE frame body.
func DecodeDelete(buf []byte) (DeleteBody, error) {
	if len(buf) < 2 {
		return DeleteBody{}, ErrMalformed
	}
	pathLen := int(binary.LittleEndian.Uint16(buf))
	if len(buf) < 2+pathLen {
		return DeleteBody{}, ErrMalformed
	}
	return DeleteBody{Path: string(buf[2 : 2+pathLen])}, nil
}
