package commands

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/spf13/afero"

	"github.com/spherical/pdf-converter/internal/audit"
	"github.com/spherical/pdf-converter/internal/cache"
	"github.com/spherical/pdf-converter/internal/config"
	"github.com/spherical/pdf-converter/internal/convert"
	"github.com/spherical/pdf-converter/internal/domain"
	"github.com/spherical/pdf-converter/internal/manifest"
	"github.com/spherical/pdf-converter/internal/observability"
	"github.com/spherical/pdf-converter/internal/output"
	"github.com/spherical/pdf-converter/internal/pdf"
	"github.com/spherical/pdf-converter/internal/retention"
	"github.com/spherical/pdf-converter/internal/upload"
)

// app holds the wired services shared by every command.
type app struct {
	cfg    *config.Config
	logger *observability.Logger

	uploads   *upload.Store
	outputs   output.Store
	local     *output.LocalStore
	cache     cache.Client
	manifests *manifest.Store
	db        *sql.DB
	history   *audit.SQLRecorder
	pipeline  *convert.Pipeline
}

// newApp connects storage, cache and audit backends and builds the pipeline.
func newApp(ctx context.Context, cfg *config.Config, logger *observability.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	fs := afero.NewOsFs()

	a.uploads, err = upload.NewStore(fs, cfg.Storage.UploadDir, cfg.Limits.MaxFileSize, logger)
	if err != nil {
		return nil, err
	}

	switch cfg.Storage.Driver {
	case "s3":
		s3, err := output.NewS3Store(cfg.Storage.S3)
		if err != nil {
			return nil, fmt.Errorf("create s3 store: %w", err)
		}
		a.outputs = output.NewRetryingStore(s3, output.DefaultRetryConfig(), logger)
	default:
		a.local = output.NewLocalStore(fs, cfg.Storage.OutputDir, cfg.Storage.PublicBaseURL)
		a.outputs = a.local
	}
	if err := a.outputs.Init(ctx); err != nil {
		return nil, fmt.Errorf("init output store: %w", err)
	}

	switch cfg.Cache.Driver {
	case "redis":
		rc, err := cache.NewRedisClient(cache.RedisConfig{
			Addr:     cfg.Cache.Redis.Addr,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
			PoolSize: cfg.Cache.Redis.PoolSize,
			Prefix:   cfg.Cache.Redis.KeyPrefix,
		})
		if err != nil {
			return nil, err
		}
		a.cache = rc
	default:
		a.cache = cache.NewMemoryClient(0)
	}
	a.manifests = manifest.NewStore(a.cache, cfg.Retention.TTL)

	recorders := []domain.ResultRecorder{a.manifests}
	if cfg.Audit.Enabled {
		a.db, err = audit.Open(ctx, cfg.Audit.Driver, cfg.AuditDSN())
		if err != nil {
			return nil, err
		}
		if cfg.Audit.Driver == "postgres" && cfg.Audit.Postgres.MaxOpenConns > 0 {
			a.db.SetMaxOpenConns(cfg.Audit.Postgres.MaxOpenConns)
		}
		a.history = audit.NewSQLRecorder(a.db, logger)
		recorders = append(recorders, a.history)
	}

	encoder, err := pdf.NewPNGEncoder(cfg.Conversion.PNGCompression)
	if err != nil {
		return nil, err
	}

	a.pipeline = convert.NewPipeline(
		a.uploads,
		a.outputs,
		pdf.NewRenderer(cfg.Limits.MaxPixels),
		pdf.NewBuilder(logger, cfg.Limits.MaxPixels),
		encoder,
		convert.Options{
			MaxFiles:     cfg.Limits.MaxFiles,
			Workers:      cfg.Conversion.Workers,
			DefaultScale: cfg.Conversion.RenderScale,
		},
		logger,
		recorders...,
	)

	return a, nil
}

func (a *app) janitor() *retention.Janitor {
	return retention.NewJanitor(retention.Config{
		TTL:             a.cfg.Retention.TTL,
		UploadOrphanAge: a.cfg.Retention.UploadOrphanAge,
		Interval:        a.cfg.Retention.SweepInterval,
	}, a.outputs, a.manifests, a.uploads, a.logger)
}

// Close releases backend connections.
func (a *app) Close() {
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("failed to close cache")
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("failed to close audit database")
		}
	}
}
