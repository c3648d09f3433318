package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/justinsb/tensorstage/pkg/blobs"
	"github.com/justinsb/tensorstage/pkg/engine/fallback"
	"k8s.io/klog/v2"
)

func main() {
	if err := run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	log := klog.FromContext(ctx)

	listen := ":8080"
	cacheDir := os.Getenv("CACHE_DIR")
	if cacheDir == "" {
		// We expect CACHE_DIR to be set when running on kubernetes, but default sensibly for local dev
		cacheDir = "~/.cache/graph-store/blobs"
	}
	flag.StringVar(&listen, "listen", listen, "listen address")
	flag.StringVar(&cacheDir, "cache-dir", cacheDir, "cache directory")
	klog.InitFlags(nil)
	flag.Parse()

	if strings.HasPrefix(cacheDir, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("getting home directory: %w", err)
		}
		cacheDir = filepath.Join(homeDir, strings.TrimPrefix(cacheDir, "~/"))
	}

	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return fmt.Errorf("creating cache directory %q: %w", cacheDir, err)
	}

	blobstore, err := blobstoreFromEnv(ctx)
	if err != nil {
		return err
	}

	s := &httpServer{
		blobCache: &blobCache{
			BaseDir:   cacheDir,
			blobstore: blobstore,
		},
	}

	log.Info("serving graph store", "listen", listen, "cacheDir", cacheDir)
	if err := http.ListenAndServe(listen, s); err != nil {
		return fmt.Errorf("serving on %q: %w", listen, err)
	}
	return nil
}

func blobstoreFromEnv(ctx context.Context) (blobs.Blobstore, error) {
	log := klog.FromContext(ctx)

	cacheBucket := os.Getenv("CACHE_BUCKET")
	switch {
	case cacheBucket == "":
		return nil, fmt.Errorf("must specify CACHE_BUCKET env var")
	case strings.HasPrefix(cacheBucket, "gs://"):
		bucket, prefix, _ := strings.Cut(strings.TrimPrefix(cacheBucket, "gs://"), "/")
		log.Info("using GCS cache", "bucket", bucket, "prefix", prefix)
		return &blobs.GCSBlobstore{Bucket: bucket, Prefix: prefix}, nil
	case strings.HasPrefix(cacheBucket, "s3://"):
		bucket, prefix, _ := strings.Cut(strings.TrimPrefix(cacheBucket, "s3://"), "/")
		log.Info("using S3 cache", "bucket", bucket, "prefix", prefix)
		return blobs.NewS3Blobstore(blobs.S3ConfigFromEnv(), bucket, prefix)
	}
	return nil, fmt.Errorf("CACHE_BUCKET must be a GCS or S3 bucket URL (gs://<bucket> or s3://<bucket>)")
}

type httpServer struct {
	blobCache *blobCache
}

func (s *httpServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tokens := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(tokens) != 1 || !isHash(tokens[0]) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	hash := tokens[0]
	switch r.Method {
	case http.MethodGet:
		s.serveGETBlob(w, r, hash)
	case http.MethodPut:
		s.servePUTBlob(w, r, hash)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func isHash(s string) bool {
	if len(s) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

func (s *httpServer) serveGETBlob(w http.ResponseWriter, r *http.Request, hash string) {
	ctx := r.Context()
	log := klog.FromContext(ctx)

	p, err := s.blobCache.GetBlob(ctx, hash)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		log.Error(err, "error getting graph blob", "hash", hash)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	log.V(2).Info("serving graph blob", "path", p)
	http.ServeFile(w, r, p)
}

func (s *httpServer) servePUTBlob(w http.ResponseWriter, r *http.Request, hash string) {
	ctx := r.Context()
	log := klog.FromContext(ctx)

	if err := s.blobCache.PutBlob(ctx, hash, r.Body); err != nil {
		var badRequest *badBlobError
		if errors.As(err, &badRequest) {
			http.Error(w, badRequest.Error(), http.StatusBadRequest)
			return
		}
		log.Error(err, "error storing graph blob", "hash", hash)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

type badBlobError struct {
	msg string
}

func (e *badBlobError) Error() string { return e.msg }

type blobCache struct {
	BaseDir   string
	blobstore blobs.Blobstore
}

// GetBlob returns the local path of a cached graph blob, downloading it from the bucket on a miss.
func (c *blobCache) GetBlob(ctx context.Context, hash string) (string, error) {
	localPath := filepath.Join(c.BaseDir, hash)
	if _, err := os.Stat(localPath); err == nil {
		return localPath, nil
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("checking blob %q: %w", hash, err)
	}

	if err := c.blobstore.Download(ctx, blobs.BlobInfo{Hash: hash}, localPath); err != nil {
		return "", fmt.Errorf("fetching blob %q: %w", hash, err)
	}
	return localPath, nil
}

// PutBlob stores a graph definition after checking that it parses and matches its hash.
func (c *blobCache) PutBlob(ctx context.Context, hash string, body io.Reader) error {
	tempFile, err := os.CreateTemp(c.BaseDir, "upload")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tempFile.Name())
	defer tempFile.Close()

	hasher := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tempFile, hasher), body); err != nil {
		return fmt.Errorf("receiving upload: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if got := hex.EncodeToString(hasher.Sum(nil)); got != hash {
		return &badBlobError{msg: fmt.Sprintf("content hash %s does not match %s", got, hash)}
	}
	if _, err := fallback.ReadGraphFile(tempFile.Name()); err != nil {
		return &badBlobError{msg: err.Error()}
	}

	if err := c.blobstore.Upload(ctx, tempFile.Name(), blobs.BlobInfo{Hash: hash}); err != nil {
		return fmt.Errorf("uploading blob %q: %w", hash, err)
	}
	if err := os.Rename(tempFile.Name(), filepath.Join(c.BaseDir, hash)); err != nil {
		return fmt.Errorf("caching blob %q: %w", hash, err)
	}
	return nil
}
