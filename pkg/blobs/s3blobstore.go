package blobs

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"k8s.io/klog/v2"
)

// S3Config holds connection settings for an S3-compatible endpoint.
type S3Config struct {
	// EndpointURL is e.g. https://s3.amazonaws.com or http://minio:9000.
	EndpointURL     string
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	UseSSL          bool
}

// S3ConfigFromEnv reads S3_ENDPOINT, S3_REGION, AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY.
func S3ConfigFromEnv() S3Config {
	endpoint := os.Getenv("S3_ENDPOINT")
	if endpoint == "" {
		endpoint = "https://s3.amazonaws.com"
	}
	return S3Config{
		EndpointURL:     endpoint,
		AccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
		SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
		Region:          os.Getenv("S3_REGION"),
	}
}

// S3Blobstore stores graph blobs in an S3 bucket, under an optional prefix.
type S3Blobstore struct {
	Bucket string
	Prefix string

	client *minio.Client
}

var _ Blobstore = (*S3Blobstore)(nil)

func NewS3Blobstore(cfg S3Config, bucket, prefix string) (*S3Blobstore, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	u, err := url.Parse(cfg.EndpointURL)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint URL %q: %w", cfg.EndpointURL, err)
	}
	endpoint := u.Host
	if endpoint == "" {
		endpoint = cfg.EndpointURL
	}
	useSSL := cfg.UseSSL || u.Scheme == "https"

	var creds *credentials.Credentials
	if cfg.AccessKeyID != "" {
		creds = credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	} else {
		creds = credentials.NewIAM("")
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  creds,
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("creating S3 client: %w", err)
	}
	return &S3Blobstore{Bucket: bucket, Prefix: prefix, client: client}, nil
}

func (s *S3Blobstore) objectKey(info BlobInfo) string {
	if s.Prefix == "" {
		return info.Hash
	}
	return path.Join(s.Prefix, info.Hash)
}

func isS3NotFound(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NoSuchBucket"
}

func (s *S3Blobstore) Upload(ctx context.Context, sourcePath string, info BlobInfo) error {
	log := klog.FromContext(ctx)

	objectKey := s.objectKey(info)
	s3URL := "s3://" + s.Bucket + "/" + objectKey

	if _, err := s.client.StatObject(ctx, s.Bucket, objectKey, minio.StatObjectOptions{}); err == nil {
		log.Info("graph blob already exists in S3", "url", s3URL)
		return nil
	} else if !isS3NotFound(err) {
		return fmt.Errorf("getting object attributes for %q: %w", s3URL, err)
	}

	log.Info("uploading graph blob to S3", "source", sourcePath, "destination", s3URL)
	startedAt := time.Now()
	uploaded, err := s.client.FPutObject(ctx, s.Bucket, objectKey, sourcePath, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return fmt.Errorf("uploading to S3: %w", err)
	}
	log.Info("uploaded graph blob to S3", "url", s3URL, "bytes", uploaded.Size, "duration", time.Since(startedAt))
	return nil
}

func (s *S3Blobstore) Download(ctx context.Context, info BlobInfo, destinationPath string) error {
	log := klog.FromContext(ctx)

	objectKey := s.objectKey(info)
	s3URL := "s3://" + s.Bucket + "/" + objectKey

	log.Info("downloading graph blob from S3", "source", s3URL, "destination", destinationPath)
	startedAt := time.Now()

	obj, err := s.client.GetObject(ctx, s.Bucket, objectKey, minio.GetObjectOptions{})
	if err != nil {
		return fmt.Errorf("opening object from S3 %q: %w", s3URL, err)
	}
	defer obj.Close()

	// GetObject is lazy; Stat surfaces a missing key before anything is written.
	if _, err := obj.Stat(); err != nil {
		if isS3NotFound(err) {
			return fmt.Errorf("graph blob %q not found: %w", s3URL, os.ErrNotExist)
		}
		return fmt.Errorf("getting object attributes for %q: %w", s3URL, err)
	}

	n, err := writeToFile(ctx, obj, destinationPath)
	if err != nil {
		return fmt.Errorf("downloading from S3: %w", err)
	}

	log.Info("downloaded graph blob from S3", "source", s3URL, "bytes", n, "duration", time.Since(startedAt))
	return nil
}
