// Package manifest decodes authz server responses into ordered fragment
// lists and exposes a cursor (FragmentHandler) over them for the Worker's
// readData/writeData loop.
package manifest

import (
	"encoding/json"
	"fmt"
)

// RadosObj is a single backend fragment of a logical object: a pool,
// an object id within that pool, the object's size, the starting offset
// to treat as logical-zero within it, and whether writes append or
// overwrite at a fixed offset.
type RadosObj struct {
	Pool        string
	ObjectID    string
	Size        uint64
	StartOffset uint64
	Append      bool
}

// radosObjWire is the authz server's actual wire shape for a fragment
// (`oid`/`offset`/`new_object`, the latter a 0/1 integer), not the field
// names RadosObj exposes to the rest of the package.
type radosObjWire struct {
	Pool      string `json:"pool"`
	ObjectID  string `json:"oid"`
	Size      uint64 `json:"size"`
	Offset    uint64 `json:"offset"`
	NewObject int    `json:"new_object"`
}

// UnmarshalJSON decodes a RadosObj from the authz server's wire shape.
// new_object=1 means this fragment is freshly created (overwrite);
// new_object=0 (or absent, as in a read manifest's fragments) means the
// write continues an existing object, i.e. Append is its inverse.
func (r *RadosObj) UnmarshalJSON(data []byte) error {
	var w radosObjWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	r.Pool = w.Pool
	r.ObjectID = w.ObjectID
	r.Size = w.Size
	r.StartOffset = w.Offset
	r.Append = w.NewObject == 0
	return nil
}

// authResult mirrors the authz server's OP_AUTH success body.
type authResult struct {
	Account string `json:"Account"`
}

// errorResult mirrors the authz server's failure body shared by every
// operation kind.
type errorResult struct {
	ErrorType int `json:"Error_Type"`
}

// readResult mirrors the authz server's OP_READ success body.
type readResult struct {
	ObjectSize uint64     `json:"Object_Size"`
	RadosObjs  []RadosObj `json:"Rados_Objs"`
}

// writeCheckResult mirrors the authz server's OP_WRITE (check) success
// body: the fragment list plus an opaque data manifest token the broker
// returns verbatim on OP_COMMIT.
type writeCheckResult struct {
	RadosObjs    []RadosObj      `json:"Rados_Objs"`
	DataManifest json.RawMessage `json:"Data_Manifest"`
}

// envelope is the outer `{"Result": {...}}` shape every authz reply uses.
type envelope[T any] struct {
	Result T `json:"Result"`
}

// ParseAccount decodes an OP_AUTH success reply, returning the tenant
// account path.
func ParseAccount(body []byte) (string, error) {
	var e envelope[authResult]
	if err := json.Unmarshal(body, &e); err != nil {
		return "", fmt.Errorf("manifest: decode auth result: %w", err)
	}
	return e.Result.Account, nil
}

// ParseErrorType decodes the Error_Type carried by any failed authz
// reply.
func ParseErrorType(body []byte) (int, error) {
	var e envelope[errorResult]
	if err := json.Unmarshal(body, &e); err != nil {
		return 0, fmt.Errorf("manifest: decode error result: %w", err)
	}
	return e.Result.ErrorType, nil
}

// Manifest is the decoded, ordered fragment list for a logical object,
// as returned by OP_READ or OP_WRITE (check).
type Manifest struct {
	ObjectSize   uint64
	Fragments    []RadosObj
	DataManifest json.RawMessage // set only for OP_WRITE (check) results; posted back verbatim on OP_COMMIT
}

// ParseReadManifest decodes an OP_READ success reply.
func ParseReadManifest(body []byte) (*Manifest, error) {
	var e envelope[readResult]
	if err := json.Unmarshal(body, &e); err != nil {
		return nil, fmt.Errorf("manifest: decode read result: %w", err)
	}
	return &Manifest{ObjectSize: e.Result.ObjectSize, Fragments: e.Result.RadosObjs}, nil
}

// ParseWriteCheckManifest decodes an OP_WRITE (check) success reply.
func ParseWriteCheckManifest(body []byte) (*Manifest, error) {
	var e envelope[writeCheckResult]
	if err := json.Unmarshal(body, &e); err != nil {
		return nil, fmt.Errorf("manifest: decode write-check result: %w", err)
	}
	var total uint64
	for _, f := range e.Result.RadosObjs {
		total += f.Size - f.StartOffset
	}
	return &Manifest{
		ObjectSize:   total,
		Fragments:    e.Result.RadosObjs,
		DataManifest: e.Result.DataManifest,
	}, nil
}
