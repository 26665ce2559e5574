// Package output persists converted artifacts and exposes them for download.
package output

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"
)

// Store persists artifacts under a batch prefix, one batch per request.
type Store interface {
	// Init makes sure the storage root exists. Run once at startup.
	Init(ctx context.Context) error
	// Put writes data as <batchID>/<name> and returns where it can be fetched.
	Put(ctx context.Context, batchID, name, contentType string, data []byte) (Object, error)
	// ListBatches returns every batch with the time it was last written.
	ListBatches(ctx context.Context) ([]Batch, error)
	// DeleteBatch removes a batch and all its artifacts.
	DeleteBatch(ctx context.Context, batchID string) error
}

// Object describes one stored artifact.
type Object struct {
	Key       string
	URL       string
	Size      int64
	CreatedAt time.Time
}

// Batch is a group of artifacts produced by one request.
type Batch struct {
	ID       string
	Modified time.Time
	Objects  int
}

// Key returns the storage path of an artifact.
func Key(batchID, name string) string {
	return path.Join(batchID, name)
}

// publicURL joins base and key, escaping every key segment.
func publicURL(base, key string) string {
	segments := strings.Split(key, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.TrimRight(base, "/") + "/" + strings.Join(segments, "/")
}

func validateBatchID(batchID string) error {
	if batchID == "" || strings.ContainsAny(batchID, `/\`) || batchID == "." || batchID == ".." {
		return fmt.Errorf("invalid batch id %q", batchID)
	}
	return nil
}

func validateName(name string) error {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return fmt.Errorf("invalid artifact name %q", name)
	}
	return nil
}
