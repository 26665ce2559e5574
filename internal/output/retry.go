package output

import (
	"context"
	"errors"
	"math"
	"net"
	"net/http"
	"time"

	"github.com/minio/minio-go/v7"

	"github.com/spherical/pdf-converter/internal/domain"
	"github.com/spherical/pdf-converter/internal/observability"
)

// RetryConfig holds retry configuration
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryConfig returns the default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
	}
}

// RetryingStore retries writes and deletes that fail with transient
// object storage errors.
type RetryingStore struct {
	Store
	cfg    RetryConfig
	logger *observability.Logger
}

// NewRetryingStore wraps store with retry logic.
func NewRetryingStore(store Store, cfg RetryConfig, logger *observability.Logger) *RetryingStore {
	if logger == nil {
		logger = observability.Nop()
	}
	return &RetryingStore{Store: store, cfg: cfg, logger: logger.WithComponent("output")}
}

// Put writes an artifact, retrying transient failures.
func (s *RetryingStore) Put(ctx context.Context, batchID, name, contentType string, data []byte) (Object, error) {
	var obj Object
	err := s.retry(ctx, "put "+Key(batchID, name), func() error {
		var err error
		obj, err = s.Store.Put(ctx, batchID, name, contentType, data)
		return err
	})
	return obj, err
}

// DeleteBatch removes a batch, retrying transient failures.
func (s *RetryingStore) DeleteBatch(ctx context.Context, batchID string) error {
	return s.retry(ctx, "delete "+batchID, func() error {
		return s.Store.DeleteBatch(ctx, batchID)
	})
}

func (s *RetryingStore) retry(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return domain.CanceledError(err)
		}

		lastErr = fn()
		if lastErr == nil || !isTransient(lastErr) {
			return lastErr
		}

		if attempt == s.cfg.MaxRetries {
			break
		}

		backoff := calculateBackoff(attempt, s.cfg)
		s.logger.Warn().
			Err(lastErr).
			Str("op", op).
			Int("attempt", attempt+1).
			Dur("backoff", backoff).
			Msg("storage request failed, retrying")

		select {
		case <-ctx.Done():
			return domain.CanceledError(ctx.Err())
		case <-time.After(backoff):
		}
	}
	return lastErr
}

// calculateBackoff returns initialBackoff * 2^attempt, capped at MaxBackoff.
func calculateBackoff(attempt int, cfg RetryConfig) time.Duration {
	backoff := float64(cfg.InitialBackoff) * math.Pow(2, float64(attempt))
	if backoff > float64(cfg.MaxBackoff) {
		backoff = float64(cfg.MaxBackoff)
	}
	return time.Duration(backoff)
}

// isTransient reports whether err is worth retrying: throttling, 5xx
// responses and network timeouts.
func isTransient(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var resp minio.ErrorResponse
	if !errors.As(err, &resp) {
		return false
	}
	switch resp.StatusCode {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return resp.Code == "SlowDown" || resp.Code == "RequestTimeout"
}
