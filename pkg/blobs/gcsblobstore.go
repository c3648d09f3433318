package blobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"k8s.io/klog/v2"
)

// GCSBlobstore stores graph blobs in a GCS bucket, under an optional prefix.
type GCSBlobstore struct {
	Bucket string
	Prefix string

	// Client is used when set; otherwise a client is created for each call.
	Client *storage.Client
}

var _ Blobstore = (*GCSBlobstore)(nil)

func (j *GCSBlobstore) objectKey(info BlobInfo) string {
	if j.Prefix == "" {
		return info.Hash
	}
	return path.Join(j.Prefix, info.Hash)
}

func (j *GCSBlobstore) url(objectKey string) string {
	return "gs://" + j.Bucket + "/" + objectKey
}

// withObject calls fn with a handle to the object for info.
func (j *GCSBlobstore) withObject(ctx context.Context, info BlobInfo, fn func(obj *storage.ObjectHandle, gcsURL string) error) error {
	client := j.Client
	if client == nil {
		c, err := storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("creating GCS storage client: %w", err)
		}
		defer c.Close()
		client = c
	}
	objectKey := j.objectKey(info)
	return fn(client.Bucket(j.Bucket).Object(objectKey), j.url(objectKey))
}

// Upload writes with a DoesNotExist precondition, so an existing blob is left untouched.
func (j *GCSBlobstore) Upload(ctx context.Context, sourcePath string, info BlobInfo) error {
	log := klog.FromContext(ctx)

	src, err := os.Open(sourcePath)
	if err != nil {
		return fmt.Errorf("opening source file: %w", err)
	}
	defer src.Close()

	return j.withObject(ctx, info, func(obj *storage.ObjectHandle, gcsURL string) error {
		log.Info("uploading graph blob to GCS", "source", sourcePath, "destination", gcsURL)
		startedAt := time.Now()

		w := obj.If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
		w.ContentType = "application/octet-stream"
		n, copyErr := io.Copy(w, src)
		closeErr := w.Close()
		if isPreconditionFailed(closeErr) {
			log.Info("graph blob already exists in GCS", "url", gcsURL)
			return nil
		}
		if copyErr != nil {
			return fmt.Errorf("uploading to GCS %q: %w", gcsURL, copyErr)
		}
		if closeErr != nil {
			return fmt.Errorf("finishing upload to GCS %q: %w", gcsURL, closeErr)
		}

		log.Info("uploaded graph blob to GCS", "url", gcsURL, "bytes", n, "duration", time.Since(startedAt))
		return nil
	})
}

func (j *GCSBlobstore) Download(ctx context.Context, info BlobInfo, destinationPath string) error {
	log := klog.FromContext(ctx)

	return j.withObject(ctx, info, func(obj *storage.ObjectHandle, gcsURL string) error {
		r, err := obj.NewReader(ctx)
		if errors.Is(err, storage.ErrObjectNotExist) {
			return fmt.Errorf("graph blob %q not found: %w", gcsURL, os.ErrNotExist)
		}
		if err != nil {
			return fmt.Errorf("opening %q: %w", gcsURL, err)
		}
		defer r.Close()

		log.Info("downloading graph blob from GCS", "source", gcsURL, "bytes", r.Attrs.Size, "destination", destinationPath)
		startedAt := time.Now()
		n, err := writeToFile(ctx, r, destinationPath)
		if err != nil {
			return fmt.Errorf("downloading %q: %w", gcsURL, err)
		}
		log.V(2).Info("downloaded graph blob from GCS", "source", gcsURL, "bytes", n, "duration", time.Since(startedAt))
		return nil
	})
}

func isPreconditionFailed(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed
}
