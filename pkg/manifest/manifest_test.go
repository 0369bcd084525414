package manifest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAccount(t *testing.T) {
	body := []byte(`{"Result":{"Account":"tenant-42"}}`)
	account, err := ParseAccount(body)
	require.NoError(t, err)
	assert.Equal(t, "tenant-42", account)
}

func TestParseErrorType(t *testing.T) {
	body := []byte(`{"Result":{"Error_Type":3}}`)
	code, err := ParseErrorType(body)
	require.NoError(t, err)
	assert.Equal(t, 3, code)
}

func TestParseReadManifest(t *testing.T) {
	body := []byte(`{
		"Result": {
			"Object_Size": 30,
			"Rados_Objs": [
				{"pool": "p1", "oid": "o1", "size": 10, "offset": 0, "new_object": 1},
				{"pool": "p1", "oid": "o2", "size": 20, "offset": 0, "new_object": 1}
			]
		}
	}`)
	m, err := ParseReadManifest(body)
	require.NoError(t, err)
	assert.Equal(t, uint64(30), m.ObjectSize)
	require.Len(t, m.Fragments, 2)
	assert.Equal(t, "o2", m.Fragments[1].ObjectID)
	assert.False(t, m.Fragments[0].Append)
}

func TestParseWriteCheckManifestComputesObjectSize(t *testing.T) {
	body := []byte(`{
		"Result": {
			"Rados_Objs": [
				{"pool": "p1", "oid": "o1", "size": 15, "offset": 5, "new_object": 0}
			],
			"Data_Manifest": {}
		}
	}`)
	m, err := ParseWriteCheckManifest(body)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), m.ObjectSize)
	assert.JSONEq(t, "{}", string(m.DataManifest))
	assert.True(t, m.Fragments[0].Append)
}

func newTestManifest() *Manifest {
	return &Manifest{
		ObjectSize: 30,
		Fragments: []RadosObj{
			{Pool: "p1", ObjectID: "o1", Size: 10, StartOffset: 0, Append: false},
			{Pool: "p1", ObjectID: "o2", Size: 25, StartOffset: 5, Append: false},
		},
	}
}

func TestFragmentHandlerGlobalOffsets(t *testing.T) {
	h, err := NewFragmentHandler(newTestManifest())
	require.NoError(t, err)
	assert.Equal(t, uint64(30), h.TotalSize())
	assert.Equal(t, uint64(0), h.GetDataOffset())
}

func TestFragmentHandlerRejectsBadSizes(t *testing.T) {
	_, err := NewFragmentHandler(&Manifest{
		Fragments: []RadosObj{{Size: 5, StartOffset: 10}},
	})
	assert.Error(t, err)
}

func TestReadChunkWalksFragments(t *testing.T) {
	h, err := NewFragmentHandler(newTestManifest())
	require.NoError(t, err)

	c, err := h.ReadChunk(100, 1<<20)
	require.NoError(t, err)
	assert.Equal(t, "o1", c.ObjectID)
	assert.Equal(t, uint64(0), c.IntraOffset)
	assert.Equal(t, uint64(10), c.Cap)

	require.NoError(t, h.Advance(c.Cap))
	assert.False(t, h.DoneReading())

	c2, err := h.ReadChunk(100, 1<<20)
	require.NoError(t, err)
	assert.Equal(t, "o2", c2.ObjectID)
	assert.Equal(t, uint64(5), c2.IntraOffset)
	assert.Equal(t, uint64(20), c2.Cap)

	require.NoError(t, h.Advance(c2.Cap))
	assert.True(t, h.DoneReading())
}

func TestReadChunkClampsToBackendMax(t *testing.T) {
	h, err := NewFragmentHandler(newTestManifest())
	require.NoError(t, err)

	c, err := h.ReadChunk(100, 4)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), c.Cap)
}

func TestAdvanceOverrunErrors(t *testing.T) {
	h, err := NewFragmentHandler(newTestManifest())
	require.NoError(t, err)
	err = h.Advance(1000)
	assert.Error(t, err)
}

func TestResetDataOffsetValidatesBound(t *testing.T) {
	h, err := NewFragmentHandler(newTestManifest())
	require.NoError(t, err)

	require.NoError(t, h.ResetDataOffset(15))
	assert.Equal(t, uint64(15), h.GetDataOffset())

	c, err := h.ReadChunk(100, 1<<20)
	require.NoError(t, err)
	assert.Equal(t, "o2", c.ObjectID)

	assert.Error(t, h.ResetDataOffset(1000))
}
