package manifest

import (
	"fmt"
	"sync"
)

// fragmentSlot is a RadosObj plus its precomputed global logical offset
// and current intra-fragment cursor.
type fragmentSlot struct {
	RadosObj
	global      uint64
	intraOffset uint64
}

// FragmentHandler is per-active-operation state: the manifest plus a
// global byte cursor (`consumed`) into it. It finds, for a given logical
// offset, the unique fragment covering that offset, and advances as
// readData/writeData consume bytes.
type FragmentHandler struct {
	mu        sync.Mutex
	slots     []fragmentSlot
	totalSize uint64
	consumed  uint64
}

// NewFragmentHandler builds a handler from a decoded Manifest, computing
// global offsets as global[0]=0, global[i] = global[i-1] + (size[i-1] -
// startOffset[i-1]), and validating the total-size invariant.
func NewFragmentHandler(m *Manifest) (*FragmentHandler, error) {
	slots := make([]fragmentSlot, len(m.Fragments))
	var global uint64
	var total uint64
	for i, f := range m.Fragments {
		if f.Size < f.StartOffset {
			return nil, fmt.Errorf("manifest: fragment %d size %d smaller than start offset %d", i, f.Size, f.StartOffset)
		}
		slots[i] = fragmentSlot{RadosObj: f, global: global, intraOffset: f.StartOffset}
		span := f.Size - f.StartOffset
		global += span
		total += span
	}
	if len(m.Fragments) > 0 && total != m.ObjectSize && m.ObjectSize != 0 {
		return nil, fmt.Errorf("manifest: total fragment span %d does not match object size %d", total, m.ObjectSize)
	}
	if m.ObjectSize != 0 {
		total = m.ObjectSize
	}
	return &FragmentHandler{slots: slots, totalSize: total}, nil
}

// TotalSize returns the logical object size this handler covers.
func (h *FragmentHandler) TotalSize() uint64 {
	return h.totalSize
}

// GetDataOffset returns the current logical consumed offset.
func (h *FragmentHandler) GetDataOffset() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.consumed
}

// ResetDataOffset sets consumed = o, provided o <= totalSize.
func (h *FragmentHandler) ResetDataOffset(o uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if o > h.totalSize {
		return fmt.Errorf("manifest: offset %d exceeds total size %d", o, h.totalSize)
	}
	h.consumed = o
	for i := range h.slots {
		s := &h.slots[i]
		if o >= s.global && o < s.global+(s.Size-s.StartOffset) {
			s.intraOffset = s.StartOffset + (o - s.global)
		}
	}
	return nil
}

// DoneReading reports whether the cursor has consumed the full object.
func (h *FragmentHandler) DoneReading() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.consumed == h.totalSize
}

// DoneWriting is the same terminal condition as DoneReading; writes and
// reads share the same consumed/totalSize cursor.
func (h *FragmentHandler) DoneWriting() bool {
	return h.DoneReading()
}

// Chunk describes where the next readData/writeData call should land:
// which fragment (pool, object id, append flag), the intra-fragment
// offset, and how many bytes may be transferred in this step.
type Chunk struct {
	Pool        string
	ObjectID    string
	Append      bool
	IntraOffset uint64
	Cap         uint64
}

// findLocked returns the slot index covering the current consumed
// offset. Caller must hold h.mu.
func (h *FragmentHandler) findLocked() (int, error) {
	for i, s := range h.slots {
		span := s.Size - s.StartOffset
		if h.consumed >= s.global && h.consumed < s.global+span {
			return i, nil
		}
	}
	return -1, fmt.Errorf("manifest: no fragment covers offset %d (total %d)", h.consumed, h.totalSize)
}

// ReadChunk computes the next read step: finds the fragment covering
// `consumed`, clamps wantBytes to both the fragment's remaining span and
// backendMaxOp, and returns the Chunk describing the backend call to
// issue. The caller advances the cursor by calling Advance(cap) once the
// backend read completes.
func (h *FragmentHandler) ReadChunk(wantBytes uint64, backendMaxOp uint64) (Chunk, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	idx, err := h.findLocked()
	if err != nil {
		return Chunk{}, err
	}
	s := h.slots[idx]
	remaining := s.Size - s.intraOffset
	capBytes := min(wantBytes, remaining)
	capBytes = min(capBytes, backendMaxOp)

	return Chunk{
		Pool:        s.Pool,
		ObjectID:    s.ObjectID,
		Append:      s.Append,
		IntraOffset: s.intraOffset,
		Cap:         capBytes,
	}, nil
}

// WriteChunk is the write-direction counterpart of ReadChunk: the
// fragment's append-vs-overwrite flag tells the caller whether to issue
// an append or a write-at-offset backend call.
func (h *FragmentHandler) WriteChunk(wantBytes uint64, backendMaxOp uint64) (Chunk, error) {
	return h.ReadChunk(wantBytes, backendMaxOp)
}

// Advance records that n bytes at the current cursor were successfully
// transferred, moving both the fragment's intra-fragment offset and the
// handler's global consumed offset forward by n.
func (h *FragmentHandler) Advance(n uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	idx, err := h.findLocked()
	if err != nil {
		return err
	}
	h.slots[idx].intraOffset += n
	h.consumed += n
	if h.consumed > h.totalSize {
		return fmt.Errorf("manifest: advance overruns total size (%d > %d)", h.consumed, h.totalSize)
	}
	return nil
}
