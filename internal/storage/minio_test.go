package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maneesh/chunkstore/internal/errs"
	"github.com/maneesh/chunkstore/internal/retry"
)

var errReset = errors.New("connection reset by peer")

// fakeBackend is an in-memory blobBackend that can inject failures.
type fakeBackend struct {
	mu      sync.Mutex
	objects map[string][]byte
	buckets map[string]bool

	putCalls  int
	openCalls int
	putErrs   []error // consumed one per PutObject call
	openErrs  []error // consumed one per OpenObject call
	readErr   error   // returned after the first read of every body
	bodies    []*trackedBody
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		objects: map[string][]byte{},
		buckets: map[string]bool{},
	}
}

func (f *fakeBackend) BucketExists(_ context.Context, bucket string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buckets[bucket], nil
}

func (f *fakeBackend) MakeBucket(_ context.Context, bucket, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buckets[bucket] = true
	return nil
}

func (f *fakeBackend) PutObject(_ context.Context, bucket, key string, r io.Reader, _ int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putCalls++
	if len(f.putErrs) > 0 {
		err := f.putErrs[0]
		f.putErrs = f.putErrs[1:]
		if err != nil {
			return err
		}
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.objects[bucket+"/"+key] = data
	return nil
}

func (f *fakeBackend) OpenObject(_ context.Context, bucket, key string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openCalls++
	if len(f.openErrs) > 0 {
		err := f.openErrs[0]
		f.openErrs = f.openErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	data, ok := f.objects[bucket+"/"+key]
	if !ok {
		return nil, minio.ErrorResponse{Code: "NoSuchKey", StatusCode: 404, Key: key}
	}
	body := &trackedBody{r: bytes.NewReader(data), failAfterFirst: f.readErr}
	f.bodies = append(f.bodies, body)
	return body, nil
}

type trackedBody struct {
	r              *bytes.Reader
	failAfterFirst error
	reads          int
	closed         bool
}

func (b *trackedBody) Read(p []byte) (int, error) {
	b.reads++
	if b.failAfterFirst != nil && b.reads > 1 {
		return 0, b.failAfterFirst
	}
	return b.r.Read(p)
}

func (b *trackedBody) Close() error {
	b.closed = true
	return nil
}

func testPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 2, MaxDelay: 10 * time.Millisecond}
}

func newTestManager(backend *fakeBackend) (*Manager, *int, *int) {
	dials, releases := 0, 0
	m := NewManager(ObjectStoreConfig{Bucket: "chunks"}, nil)
	m.dial = func(context.Context, ObjectStoreConfig) (blobBackend, func(), error) {
		dials++
		return backend, func() { releases++ }, nil
	}
	return m, &dials, &releases
}

func newTestObjectStore(t *testing.T, backend *fakeBackend, blockSize int) *ObjectStore {
	t.Helper()
	m, _, _ := newTestManager(backend)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(m.Stop)
	return NewObjectStore(m, testPolicy(), blockSize, nil, nil)
}

func collect(t *testing.T, s *ObjectStore, key string) ([][]byte, error) {
	t.Helper()
	var blocks [][]byte
	for block, err := range s.GetStream(context.Background(), key) {
		if err != nil {
			return blocks, err
		}
		blocks = append(blocks, block)
	}
	return blocks, nil
}

func TestManager_StartIsIdempotent(t *testing.T) {
	backend := newFakeBackend()
	m, dials, releases := newTestManager(backend)

	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.Start(context.Background()))

	assert.Equal(t, 1, *dials)
	assert.True(t, m.Started())
	assert.True(t, backend.buckets["chunks"], "bucket should be created on start")

	m.Stop()
	m.Stop()
	assert.Equal(t, 1, *releases)
	assert.False(t, m.Started())
}

func TestManager_ConcurrentStartDialsOnce(t *testing.T) {
	m, dials, _ := newTestManager(newFakeBackend())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.Start(context.Background()))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, *dials)
}

func TestManager_DialFailure(t *testing.T) {
	m := NewManager(ObjectStoreConfig{Bucket: "chunks"}, nil)
	boom := errors.New("bad endpoint")
	m.dial = func(context.Context, ObjectStoreConfig) (blobBackend, func(), error) {
		return nil, nil, boom
	}

	assert.ErrorIs(t, m.Start(context.Background()), boom)
	assert.False(t, m.Started())
}

func TestObjectStore_PutBeforeStart(t *testing.T) {
	backend := newFakeBackend()
	m, _, _ := newTestManager(backend)
	s := NewObjectStore(m, testPolicy(), 4, nil, nil)

	err := s.Put(context.Background(), "k", []byte("data"))

	assert.ErrorIs(t, err, errs.ErrNotStarted)
	assert.NotErrorIs(t, err, errs.ErrStoreUnavailable)
	assert.Zero(t, backend.putCalls)
}

func TestObjectStore_GetBeforeStart(t *testing.T) {
	m, _, _ := newTestManager(newFakeBackend())
	s := NewObjectStore(m, testPolicy(), 4, nil, nil)

	_, err := collect(t, s, "k")
	assert.ErrorIs(t, err, errs.ErrNotStarted)
}

func TestObjectStore_PutAndStreamRoundTrip(t *testing.T) {
	backend := newFakeBackend()
	s := newTestObjectStore(t, backend, 4)

	require.NoError(t, s.Put(context.Background(), "abc", []byte("0123456789")))

	blocks, err := collect(t, s, "abc")
	require.NoError(t, err)
	require.Len(t, blocks, 3)
	assert.Equal(t, []byte("0123"), blocks[0])
	assert.Equal(t, []byte("4567"), blocks[1])
	assert.Equal(t, []byte("89"), blocks[2])

	require.Len(t, backend.bodies, 1)
	assert.True(t, backend.bodies[0].closed)
}

func TestObjectStore_PutOverwrites(t *testing.T) {
	backend := newFakeBackend()
	s := newTestObjectStore(t, backend, 8)

	require.NoError(t, s.Put(context.Background(), "k", []byte("first")))
	require.NoError(t, s.Put(context.Background(), "k", []byte("second")))

	assert.Equal(t, []byte("second"), backend.objects["chunks/k"])
}

func TestObjectStore_PutRetriesTransientFailures(t *testing.T) {
	backend := newFakeBackend()
	backend.putErrs = []error{errReset, errReset}
	s := newTestObjectStore(t, backend, 4)

	require.NoError(t, s.Put(context.Background(), "k", []byte("data")))
	assert.Equal(t, 3, backend.putCalls)
	assert.Equal(t, []byte("data"), backend.objects["chunks/k"], "body must be re-sent on each attempt")
}

func TestObjectStore_PutExhaustsAttempts(t *testing.T) {
	backend := newFakeBackend()
	backend.putErrs = []error{errReset, errReset, errReset, errReset}
	s := newTestObjectStore(t, backend, 4)

	err := s.Put(context.Background(), "k", []byte("data"))

	assert.ErrorIs(t, err, errs.ErrStoreUnavailable)
	assert.ErrorIs(t, err, errReset)
	assert.Equal(t, 3, backend.putCalls)
}

func TestObjectStore_PutDoesNotRetryAccessDenied(t *testing.T) {
	backend := newFakeBackend()
	backend.putErrs = []error{minio.ErrorResponse{Code: "AccessDenied", StatusCode: 403}}
	s := newTestObjectStore(t, backend, 4)

	err := s.Put(context.Background(), "k", []byte("data"))

	require.Error(t, err)
	assert.Equal(t, 1, backend.putCalls)
	assert.NotErrorIs(t, err, errs.ErrStoreUnavailable)
}

func TestObjectStore_OpenIsRetried(t *testing.T) {
	backend := newFakeBackend()
	s := newTestObjectStore(t, backend, 4)
	require.NoError(t, s.Put(context.Background(), "k", []byte("data")))
	backend.openErrs = []error{minio.ErrorResponse{Code: "SlowDown", StatusCode: 503}, errReset}

	blocks, err := collect(t, s, "k")

	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("data")}, blocks)
	assert.Equal(t, 3, backend.openCalls)
}

func TestObjectStore_MissingKeyIsNotFound(t *testing.T) {
	backend := newFakeBackend()
	s := newTestObjectStore(t, backend, 4)

	_, err := collect(t, s, "missing")

	assert.ErrorIs(t, err, errs.ErrNotFound)
	assert.Equal(t, 1, backend.openCalls)
}

func TestObjectStore_EarlyBreakClosesBody(t *testing.T) {
	backend := newFakeBackend()
	s := newTestObjectStore(t, backend, 2)
	require.NoError(t, s.Put(context.Background(), "k", []byte("abcdefgh")))

	for block, err := range s.GetStream(context.Background(), "k") {
		require.NoError(t, err)
		assert.Equal(t, []byte("ab"), block)
		break
	}

	require.Len(t, backend.bodies, 1)
	assert.True(t, backend.bodies[0].closed)
	assert.Equal(t, 1, backend.bodies[0].reads)
}

func TestObjectStore_MidStreamErrorIsNotRetried(t *testing.T) {
	backend := newFakeBackend()
	s := newTestObjectStore(t, backend, 2)
	require.NoError(t, s.Put(context.Background(), "k", []byte("abcdefgh")))
	backend.readErr = errReset

	blocks, err := collect(t, s, "k")

	assert.ErrorIs(t, err, errReset)
	assert.Equal(t, [][]byte{[]byte("ab")}, blocks)
	assert.Equal(t, 1, backend.openCalls)
	require.Len(t, backend.bodies, 1)
	assert.True(t, backend.bodies[0].closed)
}

func TestObjectStore_StreamIsLazy(t *testing.T) {
	backend := newFakeBackend()
	s := newTestObjectStore(t, backend, 2)

	_ = s.GetStream(context.Background(), "k")

	assert.Zero(t, backend.openCalls)
}

func TestIsTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"network", errReset, true},
		{"slow down", minio.ErrorResponse{Code: "SlowDown", StatusCode: 503}, true},
		{"server error", minio.ErrorResponse{Code: "Whatever", StatusCode: 500}, true},
		{"no such key", minio.ErrorResponse{Code: "NoSuchKey", StatusCode: 404}, false},
		{"access denied", minio.ErrorResponse{Code: "AccessDenied", StatusCode: 403}, false},
		{"client error", minio.ErrorResponse{Code: "Whatever", StatusCode: 400}, false},
		{"not started", errs.ErrNotStarted, false},
		{"cancelled", context.Canceled, false},
		{"nil", nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsTransient(tc.err))
		})
	}
}
