package output

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/spherical/pdf-converter/internal/config"
	"github.com/spherical/pdf-converter/internal/domain"
)

// S3Store keeps artifacts in an S3-compatible bucket.
type S3Store struct {
	client  *minio.Client
	bucket  string
	region  string
	baseURL string
}

// NewS3Store creates a minio client for cfg. No request is made until Init.
func NewS3Store(cfg config.S3Config) (*S3Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, domain.ConfigError("failed to init S3 client", err)
	}

	base := cfg.PublicURL
	if base == "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		base = fmt.Sprintf("%s://%s/%s", scheme, cfg.Endpoint, cfg.Bucket)
	}

	return &S3Store{
		client:  client,
		bucket:  cfg.Bucket,
		region:  cfg.Region,
		baseURL: strings.TrimRight(base, "/"),
	}, nil
}

var _ Store = (*S3Store)(nil)

// Init creates the bucket when it does not exist yet.
func (s *S3Store) Init(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return domain.IOError("failed to check bucket", err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
		return domain.IOError(fmt.Sprintf("failed to create bucket %q", s.bucket), err)
	}
	return nil
}

// Put uploads one artifact.
func (s *S3Store) Put(ctx context.Context, batchID, name, contentType string, data []byte) (Object, error) {
	if err := validateBatchID(batchID); err != nil {
		return Object{}, domain.ValidationError("put artifact", err)
	}
	if err := validateName(name); err != nil {
		return Object{}, domain.ValidationError("put artifact", err)
	}

	key := Key(batchID, name)
	now := time.Now().UTC()
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:  contentType,
		UserMetadata: map[string]string{"converted-at": now.Format(time.RFC3339)},
	})
	if err != nil {
		if ctx.Err() != nil {
			return Object{}, domain.CanceledError(ctx.Err())
		}
		return Object{}, domain.IOError(fmt.Sprintf("upload %s failed", key), err)
	}

	return Object{
		Key:       key,
		URL:       publicURL(s.baseURL, key),
		Size:      int64(len(data)),
		CreatedAt: now,
	}, nil
}

// ListBatches groups bucket objects by their first path segment.
func (s *S3Store) ListBatches(ctx context.Context) ([]Batch, error) {
	byID := make(map[string]*Batch)
	var order []string

	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Recursive: true}) {
		if obj.Err != nil {
			return nil, domain.IOError("failed to list objects", obj.Err)
		}
		id, _, ok := strings.Cut(obj.Key, "/")
		if !ok {
			continue
		}
		b, seen := byID[id]
		if !seen {
			b = &Batch{ID: id}
			byID[id] = b
			order = append(order, id)
		}
		b.Objects++
		if obj.LastModified.After(b.Modified) {
			b.Modified = obj.LastModified
		}
	}

	batches := make([]Batch, 0, len(order))
	for _, id := range order {
		batches = append(batches, *byID[id])
	}
	return batches, nil
}

// DeleteBatch removes every object under the batch prefix.
func (s *S3Store) DeleteBatch(ctx context.Context, batchID string) error {
	if err := validateBatchID(batchID); err != nil {
		return domain.ValidationError("delete batch", err)
	}

	opts := minio.ListObjectsOptions{Prefix: batchID + "/", Recursive: true}
	for obj := range s.client.ListObjects(ctx, s.bucket, opts) {
		if obj.Err != nil {
			return domain.IOError("failed to list batch objects", obj.Err)
		}
		if err := s.client.RemoveObject(ctx, s.bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			return domain.IOError(fmt.Sprintf("failed to remove %s", obj.Key), err)
		}
	}
	return nil
}

// URL returns the public URL of an artifact.
func (s *S3Store) URL(key string) string {
	return publicURL(s.baseURL, key)
}
