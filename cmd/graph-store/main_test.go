package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/justinsb/tensorstage/pkg/blobs"
	"github.com/stretchr/testify/require"
)

const graphYAML = `
name: identity
nodes:
- name: x
  op: placeholder
  dtype: float32
- name: y
  op: identity
  inputs: [x]
`

// memoryBlobstore keeps uploaded blobs in a directory standing in for a bucket.
type memoryBlobstore struct {
	dir       string
	downloads int
	uploads   int
}

func (m *memoryBlobstore) Download(ctx context.Context, info blobs.BlobInfo, destPath string) error {
	m.downloads++
	return (&blobs.LocalReader{BaseDir: m.dir}).Download(ctx, info, destPath)
}

func (m *memoryBlobstore) Upload(ctx context.Context, sourcePath string, info blobs.BlobInfo) error {
	m.uploads++
	data, err := os.ReadFile(sourcePath)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(m.dir, info.Hash), data, 0644)
}

func hashOf(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func newTestServer(t *testing.T) (*httptest.Server, *memoryBlobstore, string) {
	t.Helper()
	store := &memoryBlobstore{dir: t.TempDir()}
	cacheDir := t.TempDir()
	srv := httptest.NewServer(&httpServer{blobCache: &blobCache{BaseDir: cacheDir, blobstore: store}})
	t.Cleanup(srv.Close)
	return srv, store, cacheDir
}

func TestPutThenGet(t *testing.T) {
	srv, store, cacheDir := newTestServer(t)
	hash := hashOf(graphYAML)

	req, err := http.NewRequest(http.MethodPut, srv.URL+"/"+hash, strings.NewReader(graphYAML))
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, 1, store.uploads)

	// Evict the cache so the next read goes to the bucket.
	require.NoError(t, os.Remove(filepath.Join(cacheDir, hash)))

	var reader blobs.BlobReader = &blobs.ModelServer{BlobserverURL: mustParseURL(t, srv.URL), HTTPClient: srv.Client()}
	dest := filepath.Join(t.TempDir(), "graph.yaml")
	require.NoError(t, reader.Download(context.Background(), blobs.BlobInfo{Hash: hash}, dest))
	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, graphYAML, string(got))
	require.Equal(t, 1, store.downloads)

	// Served from the cache the second time.
	require.NoError(t, reader.Download(context.Background(), blobs.BlobInfo{Hash: hash}, dest))
	require.Equal(t, 1, store.downloads)
}

func TestPutRejectsBadBlobs(t *testing.T) {
	srv, store, _ := newTestServer(t)

	grid := []struct {
		name string
		hash string
		body string
	}{
		{name: "hash mismatch", hash: hashOf("something else"), body: graphYAML},
		{name: "not a graph", hash: hashOf("nodes: [{name: a, op: nope}]"), body: "nodes: [{name: a, op: nope}]"},
	}
	for _, g := range grid {
		t.Run(g.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodPut, srv.URL+"/"+g.hash, strings.NewReader(g.body))
			require.NoError(t, err)
			resp, err := srv.Client().Do(req)
			require.NoError(t, err)
			resp.Body.Close()
			require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
	require.Equal(t, 0, store.uploads)
}

func TestGetMissing(t *testing.T) {
	srv, _, _ := newTestServer(t)

	for path, want := range map[string]int{
		"/" + hashOf("missing"): http.StatusNotFound,
		"/not-a-hash":           http.StatusNotFound,
		"/a/b":                  http.StatusNotFound,
	} {
		resp, err := srv.Client().Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, want, resp.StatusCode, fmt.Sprintf("GET %s", path))
	}
}

func mustParseURL(t *testing.T, s string) *url.URL {
	t.Helper()
	u, err := url.Parse(s)
	require.NoError(t, err)
	return u
}
