package blobs

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"k8s.io/klog/v2"
)

// ReaderForURI returns a reader able to fetch uri, and the BlobInfo naming the object.
// Supported forms are gs://bucket/key, s3://bucket/key, http(s)://host/path and local paths.
// Remote readers are wrapped in a RetryingReader.
func ReaderForURI(ctx context.Context, uri string) (BlobReader, BlobInfo, error) {
	if uri == "" {
		return nil, BlobInfo{}, fmt.Errorf("graph URI is required")
	}
	if !strings.Contains(uri, "://") {
		return &LocalReader{}, BlobInfo{Hash: uri}, nil
	}

	u, err := url.Parse(uri)
	if err != nil {
		return nil, BlobInfo{}, fmt.Errorf("parsing graph URI %q: %w", uri, err)
	}
	key := strings.TrimPrefix(u.Path, "/")

	var reader BlobReader
	info := BlobInfo{Hash: key}
	switch u.Scheme {
	case "file":
		return &LocalReader{}, BlobInfo{Hash: u.Path}, nil
	case "gs":
		reader = &GCSBlobstore{Bucket: u.Host}
	case "s3":
		s3, err := NewS3Blobstore(S3ConfigFromEnv(), u.Host, "")
		if err != nil {
			return nil, BlobInfo{}, err
		}
		reader = s3
	case "http", "https":
		base := *u
		base.Path = ""
		base.RawPath = ""
		reader = &ModelServer{BlobserverURL: &base}
	default:
		return nil, BlobInfo{}, fmt.Errorf("unsupported scheme %q in graph URI %q", u.Scheme, uri)
	}
	if key == "" {
		return nil, BlobInfo{}, fmt.Errorf("graph URI %q has no object path", uri)
	}
	return &RetryingReader{Reader: reader, MaxAttempts: 5, Backoff: 5 * time.Second}, info, nil
}

// RetryingReader retries failed downloads. Missing objects are not retried.
type RetryingReader struct {
	// Reader is the interface to fetch blobs
	Reader BlobReader

	// MaxAttempts is the number of times to attempt a download before failing
	MaxAttempts int

	Backoff time.Duration
}

var _ BlobReader = (*RetryingReader)(nil)

func (l *RetryingReader) Download(ctx context.Context, info BlobInfo, destPath string) error {
	log := klog.FromContext(ctx)

	attempt := 0
	for {
		attempt++

		err := l.Reader.Download(ctx, info, destPath)
		if err == nil {
			return nil
		}

		if attempt >= l.MaxAttempts || errors.Is(err, os.ErrNotExist) {
			return err
		}

		log.Error(err, "downloading blob, will retry", "info", info, "attempt", attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.Backoff):
		}
	}
}
