// Package s3 implements the blob store gateway over any S3-compatible
// object store (MinIO, AWS S3, R2).
package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/conceptforge/conceptforge/internal/config"
	"github.com/conceptforge/conceptforge/internal/domain"
)

// Store implements domain.BlobStore. Paths are "bucket/key"; buckets are
// environment-scoped and created lazily at startup.
type Store struct {
	client  *minio.Client
	timeout time.Duration
}

// New constructs a Store and ensures the configured buckets exist.
func New(ctx context.Context, cfg config.Config) (*Store, error) {
	cli, err := minio.New(cfg.BlobEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.BlobAccessKey, cfg.BlobSecretKey, ""),
		Secure: cfg.BlobUseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("op=blob.new: %w", err)
	}
	s := &Store{client: cli, timeout: cfg.BlobTimeout}
	b := cfg.BucketNames()
	for _, bucket := range []string{b.Concept, b.Palette} {
		if err := s.ensureBucket(ctx, bucket); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) ensureBucket(ctx context.Context, bucket string) error {
	exists, err := s.client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("op=blob.ensure_bucket: %s: %w", bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
		// Benign race when two processes boot at once.
		if exists, e2 := s.client.BucketExists(ctx, bucket); e2 == nil && exists {
			return nil
		}
		return fmt.Errorf("op=blob.ensure_bucket: %s: %w", bucket, err)
	}
	slog.Info("blob bucket created", slog.String("bucket", bucket))
	return nil
}

func splitPath(path string) (bucket, key string, err error) {
	path = strings.TrimPrefix(path, "/")
	i := strings.IndexByte(path, '/')
	if i <= 0 || i == len(path)-1 {
		return "", "", fmt.Errorf("op=blob.path: %q: %w", path, domain.ErrInvalidArgument)
	}
	return path[:i], path[i+1:], nil
}

// Put uploads data under path. Paths are write-once by convention: callers
// pick UUID keys and never overwrite.
func (s *Store) Put(ctx context.Context, path string, data []byte, contentType string) error {
	bucket, key, err := splitPath(path)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	_, err = s.client.PutObject(ctx, bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("op=blob.put: %s: %w", path, err)
	}
	return nil
}

// Get downloads the object bytes at path.
func (s *Store) Get(ctx context.Context, path string) ([]byte, error) {
	bucket, key, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	obj, err := s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("op=blob.get: %s: %w", path, err)
	}
	defer func() { _ = obj.Close() }()
	b, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("op=blob.get: %s: %w", path, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("op=blob.get: %s: %w", path, err)
	}
	return b, nil
}

// Delete removes the object at path. Missing objects are not an error.
func (s *Store) Delete(ctx context.Context, path string) error {
	bucket, key, err := splitPath(path)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("op=blob.delete: %s: %w", path, err)
	}
	return nil
}

// SignedURL issues a presigned GET URL for path valid for ttl. Display URLs
// need at least 24h; callers fall back to the raw path on error.
func (s *Store) SignedURL(ctx context.Context, path string, ttl time.Duration) (string, error) {
	bucket, key, err := splitPath(path)
	if err != nil {
		return "", err
	}
	if ttl < 24*time.Hour {
		ttl = 24 * time.Hour
	}
	u, err := s.client.PresignedGetObject(ctx, bucket, key, ttl, url.Values{})
	if err != nil {
		return "", fmt.Errorf("op=blob.signed_url: %s: %w", path, err)
	}
	return u.String(), nil
}
