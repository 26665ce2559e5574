// Package retention expires converted artifacts and leftover uploads.
package retention

import (
	"context"
	"time"

	"github.com/spherical/pdf-converter/internal/observability"
	"github.com/spherical/pdf-converter/internal/output"
)

// BatchStore is the part of output.Store the janitor needs.
type BatchStore interface {
	ListBatches(ctx context.Context) ([]output.Batch, error)
	DeleteBatch(ctx context.Context, batchID string) error
}

// ManifestDeleter drops the manifest of an expired batch.
type ManifestDeleter interface {
	Delete(ctx context.Context, requestID string) error
}

// UploadSweeper removes orphaned upload directories.
type UploadSweeper interface {
	Sweep(olderThan time.Duration) (int, error)
}

// Config controls what the janitor removes.
type Config struct {
	// TTL is how long a batch stays downloadable; zero keeps batches forever.
	TTL time.Duration
	// UploadOrphanAge is how old an upload directory must be to be swept.
	UploadOrphanAge time.Duration
	// Interval between sweeps in Run.
	Interval time.Duration
}

// Report summarizes one sweep.
type Report struct {
	BatchesDeleted int
	UploadsSwept   int
	Failures       int
}

// Janitor periodically deletes expired batches.
type Janitor struct {
	cfg       Config
	outputs   BatchStore
	manifests ManifestDeleter
	uploads   UploadSweeper
	logger    *observability.Logger
	now       func() time.Time
}

// NewJanitor creates a janitor. manifests and uploads may be nil.
func NewJanitor(cfg Config, outputs BatchStore, manifests ManifestDeleter, uploads UploadSweeper, logger *observability.Logger) *Janitor {
	if logger == nil {
		logger = observability.Nop()
	}
	return &Janitor{
		cfg:       cfg,
		outputs:   outputs,
		manifests: manifests,
		uploads:   uploads,
		logger:    logger.WithComponent("retention"),
		now:       time.Now,
	}
}

// Sweep runs one retention pass. Individual deletion failures are logged and
// counted; only a failure to list batches is returned.
func (j *Janitor) Sweep(ctx context.Context) (Report, error) {
	var report Report

	if j.cfg.TTL > 0 {
		batches, err := j.outputs.ListBatches(ctx)
		if err != nil {
			return report, err
		}

		cutoff := j.now().Add(-j.cfg.TTL)
		for _, b := range batches {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			if !b.Modified.Before(cutoff) {
				continue
			}
			if err := j.outputs.DeleteBatch(ctx, b.ID); err != nil {
				report.Failures++
				j.logger.Warn().Err(err).Str("batch", b.ID).Msg("failed to delete expired batch")
				continue
			}
			if j.manifests != nil {
				if err := j.manifests.Delete(ctx, b.ID); err != nil {
					j.logger.Warn().Err(err).Str("batch", b.ID).Msg("failed to delete manifest")
				}
			}
			report.BatchesDeleted++
		}
	}

	if j.uploads != nil && j.cfg.UploadOrphanAge > 0 {
		n, err := j.uploads.Sweep(j.cfg.UploadOrphanAge)
		if err != nil {
			report.Failures++
			j.logger.Warn().Err(err).Msg("failed to sweep uploads")
		}
		report.UploadsSwept = n
	}

	if report.BatchesDeleted > 0 || report.UploadsSwept > 0 || report.Failures > 0 {
		j.logger.Info().
			Int("batches_deleted", report.BatchesDeleted).
			Int("uploads_swept", report.UploadsSwept).
			Int("failures", report.Failures).
			Msg("retention sweep finished")
	}
	return report, nil
}

// Run sweeps immediately and then every Interval until ctx is done.
func (j *Janitor) Run(ctx context.Context) {
	interval := j.cfg.Interval
	if interval <= 0 {
		interval = 15 * time.Minute
	}

	if _, err := j.Sweep(ctx); err != nil && ctx.Err() == nil {
		j.logger.Error().Err(err).Msg("retention sweep failed")
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := j.Sweep(ctx); err != nil && ctx.Err() == nil {
				j.logger.Error().Err(err).Msg("retention sweep failed")
			}
		}
	}
}
