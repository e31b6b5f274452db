package weightstore

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/ssn/pkg/weights"
	"github.com/stretchr/testify/require"
)

// countingStorage records how often each blob is read from the wrapped store
type countingStorage struct {
	Storage
	reads atomic.Int64
}

func (c *countingStorage) ReadFile(name string) (*File, error) {
	c.reads.Add(1)
	return c.Storage.ReadFile(name)
}

func testBundle(n int) *weights.Bundle {
	b := weights.NewBundle()
	data := make([]float32, n)
	for i := range data {
		data[i] = float32(i)
	}
	b.Set("conv1/kernel", weights.NewTensor(data, n))
	return b
}

func TestStorageFS(t *testing.T) {
	log := logs.NewTestingLog(t)
	fs, err := NewStorageFS(log, t.TempDir())
	require.NoError(t, err)
	require.NoError(t, WriteFile(fs, "a/b.txt", strings.NewReader("hello")))
	data, err := ReadFile(fs, "a/b.txt")
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))

	_, err = fs.ReadFile("missing.txt")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = fs.ReadFile("../escape.txt")
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrNotFound)

	require.NoError(t, fs.DeleteFile("a/b.txt"))
	_, err = fs.ReadFile("a/b.txt")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestResolver(t *testing.T) {
	log := logs.NewTestingLog(t)
	r, err := Open(log, t.TempDir(), "", 0)
	require.NoError(t, err)

	digest, err := r.Publish("tiny", testBundle(10))
	require.NoError(t, err)

	b, err := r.Resolve("tiny")
	require.NoError(t, err)
	require.Equal(t, float32(9), weights.Flat(b.Get("conv1/kernel"))[9])

	r.SetDigest("tiny", digest)
	_, err = r.Resolve("tiny")
	require.NoError(t, err)

	r.SetDigest("tiny", strings.Repeat("0", 64))
	_, err = r.Resolve("tiny")
	require.ErrorIs(t, err, weights.ErrDigestMismatch)

	_, err = r.Resolve("resnet50_imagenet")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCache(t *testing.T) {
	log := logs.NewTestingLog(t)
	fs, err := NewStorageFS(log, t.TempDir())
	require.NoError(t, err)
	upstream := &countingStorage{Storage: fs}
	r := NewResolver(log, upstream)
	for _, id := range []string{"a", "b", "c"} {
		_, err := r.Publish(id, testBundle(100))
		require.NoError(t, err)
	}

	cacheDir := t.TempDir()
	// Room for two bundles, but not three
	cache, err := NewStorageCache(log, upstream, cacheDir, 1000)
	require.NoError(t, err)
	cached := NewResolver(log, cache)

	for i := 0; i < 3; i++ {
		_, err := cached.Resolve("a")
		require.NoError(t, err)
	}
	require.Equal(t, int64(1), upstream.reads.Load())
	hits, misses, used := cache.Stats()
	require.Equal(t, int64(2), hits)
	require.Equal(t, int64(1), misses)
	require.Greater(t, used, int64(400))

	_, err = cached.Resolve("b")
	require.NoError(t, err)
	_, err = cached.Resolve("c")
	require.NoError(t, err)
	// "a" was least recently used
	require.False(t, cache.Contains(BlobName("a")))
	require.True(t, cache.Contains(BlobName("c")))
	_, err = os.Stat(filepath.Join(cacheDir, BlobName("a")))
	require.True(t, os.IsNotExist(err))

	_, err = cached.Resolve("missing")
	require.ErrorIs(t, err, ErrNotFound)

	// A new cache over the same directory adopts the files already there
	reads := upstream.reads.Load()
	cache2, err := NewStorageCache(log, upstream, cacheDir, 1000)
	require.NoError(t, err)
	require.True(t, cache2.Contains(BlobName("c")))
	_, err = NewResolver(log, cache2).Resolve("c")
	require.NoError(t, err)
	require.Equal(t, reads, upstream.reads.Load())
}

func TestStorageHTTP(t *testing.T) {
	log := logs.NewTestingLog(t)
	dir := t.TempDir()
	fs, err := NewStorageFS(log, dir)
	require.NoError(t, err)
	_, err = NewResolver(log, fs).Publish("remote", testBundle(16))
	require.NoError(t, err)

	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		requests.Add(1)
		http.StripPrefix("/weights", http.FileServer(http.Dir(dir))).ServeHTTP(w, req)
	}))
	defer server.Close()

	r, err := Open(log, server.URL+"/weights/", t.TempDir(), 1<<20)
	require.NoError(t, err)
	b, err := r.Resolve("remote")
	require.NoError(t, err)
	require.Equal(t, []int{16}, weights.Dims(b.Get("conv1/kernel")))
	_, err = r.Resolve("remote")
	require.NoError(t, err)
	require.Equal(t, int64(1), requests.Load())

	_, err = r.Resolve("nope")
	require.ErrorIs(t, err, ErrNotFound)

	direct := NewStorageHTTP(log, server.URL)
	_, err = direct.WriteFile("x")
	require.ErrorIs(t, err, ErrReadOnly)
}
