// Package manifest keeps the result of every finished conversion for as long
// as its artifacts are retained, so clients can look them up again.
package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spherical/pdf-converter/internal/cache"
	"github.com/spherical/pdf-converter/internal/domain"
)

// ErrNotFound is returned when no manifest exists for a request ID.
var ErrNotFound = errors.New("manifest not found")

const keyPrefix = "manifest"

// Store persists conversion results in a cache.Client.
type Store struct {
	cache cache.Client
	ttl   time.Duration
}

// NewStore creates a manifest store. ttl should match artifact retention.
func NewStore(c cache.Client, ttl time.Duration) *Store {
	return &Store{cache: c, ttl: ttl}
}

var _ domain.ResultRecorder = (*Store)(nil)

// Record stores result under its request ID.
func (s *Store) Record(ctx context.Context, result *domain.ConversionResult) error {
	if result == nil || result.RequestID == "" {
		return domain.ValidationError("manifest needs a request id", nil)
	}
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := s.cache.Set(ctx, cache.Key(keyPrefix, result.RequestID), data, s.ttl); err != nil {
		return fmt.Errorf("store manifest: %w", err)
	}
	return nil
}

// Get returns the manifest of a request.
func (s *Store) Get(ctx context.Context, requestID string) (*domain.ConversionResult, error) {
	data, err := s.cache.Get(ctx, cache.Key(keyPrefix, requestID))
	if errors.Is(err, cache.ErrCacheMiss) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load manifest: %w", err)
	}

	var result domain.ConversionResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return &result, nil
}

// Delete drops the manifest of a request, used when its artifacts are swept.
func (s *Store) Delete(ctx context.Context, requestID string) error {
	if err := s.cache.Delete(ctx, cache.Key(keyPrefix, requestID)); err != nil {
		return fmt.Errorf("delete manifest: %w", err)
	}
	return nil
}
