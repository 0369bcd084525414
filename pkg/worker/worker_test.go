package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/hkust-sing/singio-broker/internal/iostatus"
	"github.com/hkust-sing/singio-broker/pkg/authz"
	"github.com/hkust-sing/singio-broker/pkg/backend"
	"github.com/hkust-sing/singio-broker/pkg/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAPI is a minimal in-memory stand-in for *s3.Client, grounded on the
// same fake used by pkg/backend's own tests.
type fakeAPI struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{objects: make(map[string][]byte)}
}

func (f *fakeAPI) key(bucket, k string) string { return bucket + "/" + k }

func (f *fakeAPI) GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data := f.objects[f.key(*in.Bucket, *in.Key)]
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeAPI) PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	buf := make([]byte, 0)
	tmp := make([]byte, 4096)
	for {
		n, err := in.Body.Read(tmp)
		buf = append(buf, tmp[:n]...)
		if err != nil {
			break
		}
	}
	f.mu.Lock()
	f.objects[f.key(*in.Bucket, *in.Key)] = buf
	f.mu.Unlock()
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeAPI) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	delete(f.objects, f.key(*in.Bucket, *in.Key))
	f.mu.Unlock()
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeAPI) seed(bucket, k string, data []byte) {
	f.mu.Lock()
	f.objects[f.key(bucket, k)] = data
	f.mu.Unlock()
}

// newAuthzServer starts an httptest server that answers every authz
// request the same way, for tests that only need one path's manifest.
func newAuthzServer(t *testing.T, handler http.HandlerFunc) (*authz.Client, func()) {
	t.Helper()
	srv := httptest.NewServer(handler)
	c := authz.New(authz.Config{ServerURL: srv.URL})
	return c, srv.Close
}

func readManifestHandler(pool, objectID string, size int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"Result": map[string]any{
				"Object_Size": size,
				"Rados_Objs": []map[string]any{
					{"pool": pool, "oid": objectID, "size": size, "offset": 0, "new_object": 1},
				},
			},
		})
	}
}

func waitReply(t *testing.T, env Envelope) *task.Result {
	t.Helper()
	select {
	case res := <-env.Reply:
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Task reply")
		return nil
	}
}

func TestReadFlowFetchesManifestThenData(t *testing.T) {
	api := newFakeAPI()
	api.seed("p1", "o1", []byte("hello world"))

	authzClient, closeSrv := newAuthzServer(t, readManifestHandler("p1", "o1", 11))
	defer closeSrv()

	be := backend.New(api, backend.Config{})
	w := New(1, be, authzClient, Config{})
	go w.Run(context.Background())
	defer w.Stop()

	t1 := task.New(1, "/foo", task.OpRead, 1, "conn-1")
	t1.Payload = task.NewReadPayload(0x1000, 11)
	env1 := NewEnvelope(t1)
	require.True(t, w.Submit(env1))

	res := waitReply(t, env1)
	assert.Equal(t, iostatus.SUCCESS, res.Task.Status)
	assert.Equal(t, uint32(11), res.Task.Payload.Read.Length)

	t2 := task.New(1, "/foo", task.OpRead, 2, "conn-1")
	t2.Payload = task.NewReadPayload(0x1000, 11)
	env2 := NewEnvelope(t2)
	require.True(t, w.Submit(env2))

	res2 := waitReply(t, env2)
	assert.Equal(t, iostatus.SUCCESS, res2.Task.Status)
	assert.Equal(t, uint32(0), res2.Task.Payload.Read.Length, "second read should report EOF")
}

func TestCheckWriteThenWriteFlow(t *testing.T) {
	api := newFakeAPI()

	authzClient, closeSrv := newAuthzServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"Result": map[string]any{
				"Rados_Objs": []map[string]any{
					{"pool": "p1", "oid": "o1", "size": 5, "offset": 0, "new_object": 1},
				},
			},
		})
	})
	defer closeSrv()

	be := backend.New(api, backend.Config{})
	w := New(1, be, authzClient, Config{})
	go w.Run(context.Background())
	defer w.Stop()

	checkTask := task.New(1, "/bar", task.OpCheckWrite, 1, "conn-1")
	checkEnv := NewEnvelope(checkTask)
	require.True(t, w.Submit(checkEnv))
	res := waitReply(t, checkEnv)
	assert.Equal(t, iostatus.SUCCESS, res.Task.Status)

	writeTask := task.New(1, "/bar", task.OpWrite, 2, "conn-1")
	writeTask.Payload = task.NewWritePayload(0x2000, 5)
	writeTask.WriteData = []byte("abcde")
	writeEnv := NewEnvelope(writeTask)
	require.True(t, w.Submit(writeEnv))
	res2 := waitReply(t, writeEnv)
	assert.Equal(t, iostatus.SUCCESS, res2.Task.Status)
	assert.Equal(t, []byte("abcde"), api.objects[api.key("p1", "o1")])
}

func TestWriteMergeReturnsPartialWriteImmediately(t *testing.T) {
	api := newFakeAPI()
	authzClient, closeSrv := newAuthzServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"Result": map[string]any{
				"Rados_Objs": []map[string]any{
					{"pool": "p1", "oid": "o1", "size": 10, "offset": 0, "new_object": 1},
				},
			},
		})
	})
	defer closeSrv()

	be := backend.New(api, backend.Config{})
	w := New(1, be, authzClient, Config{})

	checkTask := task.New(1, "/baz", task.OpCheckWrite, 1, "conn-1")
	checkEnv := NewEnvelope(checkTask)
	w.handleNew(checkEnv)
	require.Eventually(t, func() bool {
		w.pollAuthz()
		w.mu.Lock()
		ps, exists := w.paths["/baz"]
		w.mu.Unlock()
		return exists && ps.fragments != nil
	}, time.Second, time.Millisecond)
	waitReply(t, checkEnv)

	firstWrite := task.New(1, "/baz", task.OpWrite, 2, "conn-1")
	firstWrite.Payload = task.NewWritePayload(0x3000, 5)
	firstWrite.WriteData = []byte("abcde")
	firstEnv := NewEnvelope(firstWrite)
	w.handleNew(firstEnv)

	secondWrite := task.New(1, "/baz", task.OpWrite, 3, "conn-1")
	secondWrite.Payload = task.NewWritePayload(0x3100, 5)
	secondEnv := NewEnvelope(secondWrite)
	w.handleNew(secondEnv)

	res := waitReply(t, secondEnv)
	assert.Equal(t, iostatus.StatPartialWrite, res.Task.Status)
	assert.True(t, res.Task.HasMergeID)
	assert.Equal(t, firstWrite.TxnID, res.Task.MergeID)
}

func TestAbortTerminatesActivePath(t *testing.T) {
	api := newFakeAPI()
	api.seed("p1", "o1", []byte("0123456789"))
	authzClient, closeSrv := newAuthzServer(t, readManifestHandler("p1", "o1", 10))
	defer closeSrv()

	be := backend.New(api, backend.Config{})
	w := New(1, be, authzClient, Config{})
	go w.Run(context.Background())
	defer w.Stop()

	readTask := task.New(1, "/abortme", task.OpRead, 1, "conn-1")
	readTask.Payload = task.NewReadPayload(0x4000, 10)
	readEnv := NewEnvelope(readTask)
	require.True(t, w.Submit(readEnv))
	waitReply(t, readEnv)

	// Abort the path while its fragments are still cached, then assert
	// the path was fully torn down.
	abortTask := task.New(1, "/abortme", task.OpAbort, 2, "conn-1")
	abortEnv := NewEnvelope(abortTask)
	require.True(t, w.Submit(abortEnv))
	res := waitReply(t, abortEnv)
	assert.Equal(t, iostatus.SUCCESS, res.Task.Status)

	assert.Eventually(t, func() bool {
		w.mu.Lock()
		defer w.mu.Unlock()
		_, exists := w.paths["/abortme"]
		return !exists
	}, time.Second, 10*time.Millisecond)
}

func TestDeleteFlow(t *testing.T) {
	api := newFakeAPI()
	api.seed("p1", "o1", []byte("x"))

	authzClient, closeSrv := newAuthzServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	defer closeSrv()

	be := backend.New(api, backend.Config{})
	w := New(1, be, authzClient, Config{})
	go w.Run(context.Background())
	defer w.Stop()

	delTask := task.New(1, "/gone", task.OpDelete, 1, "conn-1")
	delEnv := NewEnvelope(delTask)
	require.True(t, w.Submit(delEnv))
	res := waitReply(t, delEnv)
	assert.Equal(t, iostatus.SUCCESS, res.Task.Status)
}

func TestAuthzFailureResolvesErrorStatus(t *testing.T) {
	authzClient, closeSrv := newAuthzServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(map[string]any{"Result": map[string]any{"Error_Type": 4}})
	})
	defer closeSrv()

	be := backend.New(newFakeAPI(), backend.Config{})
	w := New(1, be, authzClient, Config{})
	go w.Run(context.Background())
	defer w.Stop()

	readTask := task.New(1, "/denied", task.OpRead, 1, "conn-1")
	readTask.Payload = task.NewReadPayload(0x1000, 10)
	env := NewEnvelope(readTask)
	require.True(t, w.Submit(env))

	res := waitReply(t, env)
	assert.NotEqual(t, iostatus.SUCCESS, res.Task.Status)
}
