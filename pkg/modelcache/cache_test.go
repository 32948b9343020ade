package modelcache

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Yuanxyyds/steven-universe/pkg/gpuengine"
)

func TestEnsureReturnsPathForAlreadyStagedFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "model-a"), []byte("weights"), 0o644))

	c, err := New(Config{Dir: dir})
	require.NoError(t, err)
	defer c.Close()

	path, ok := c.Ensure("model-a")
	require.True(t, ok)
	assert.Equal(t, filepath.Join(dir, "model-a"), path)
}

func TestEnsureDropsStaleMappingWhenFileMissing(t *testing.T) {
	dir := t.TempDir()
	c, err := New(Config{Dir: dir, AutoFetch: false})
	require.NoError(t, err)
	defer c.Close()

	c.mu.Lock()
	c.entries["ghost"] = gpuengine.ModelArtifact{ModelID: "ghost", Path: filepath.Join(dir, "ghost")}
	c.mu.Unlock()

	_, ok := c.Ensure("ghost")
	assert.False(t, ok)
}

func TestEnsureReturnsFalseWhenAutoFetchDisabledAndAbsent(t *testing.T) {
	dir := t.TempDir()
	c, err := New(Config{Dir: dir, AutoFetch: false})
	require.NoError(t, err)
	defer c.Close()

	_, ok := c.Ensure("missing-model")
	assert.False(t, ok)
}

func TestEnsureFetchesFromFileService(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "shared-secret", r.Header.Get("X-Shared-Secret"))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("model-bytes"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	c, err := New(Config{Dir: dir, AutoFetch: true, ServiceURL: srv.URL, ServiceKey: "shared-secret"})
	require.NoError(t, err)
	defer c.Close()

	path, ok := c.Ensure("remote-model")
	require.True(t, ok)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "model-bytes", string(data))
}

func TestEnsureNon200DoesNotPoisonMapping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	dir := t.TempDir()
	c, err := New(Config{Dir: dir, AutoFetch: true, ServiceURL: srv.URL})
	require.NoError(t, err)
	defer c.Close()

	_, ok := c.Ensure("missing-remote")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Count())
}

func TestEnsureSingleFlightCollapsesConcurrentFetches(t *testing.T) {
	var fetchCount int
	var fetchMu sync.Mutex

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetchMu.Lock()
		fetchCount++
		fetchMu.Unlock()
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("payload"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	c, err := New(Config{Dir: dir, AutoFetch: true, ServiceURL: srv.URL})
	require.NoError(t, err)
	defer c.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok := c.Ensure("shared-model")
			assert.True(t, ok)
		}()
	}
	wg.Wait()

	fetchMu.Lock()
	assert.Equal(t, 1, fetchCount)
	fetchMu.Unlock()
	assert.Equal(t, 1, c.Count())
}

func TestRescanDirPopulatesIndexFromDisk(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "preexisting"), []byte("x"), 0o644))

	c, err := New(Config{Dir: dir})
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, 1, c.Count())
}
