// Package httpapi exposes the conversion pipeline over HTTP.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"

	"github.com/spherical/pdf-converter/internal/domain"
	"github.com/spherical/pdf-converter/internal/observability"
	"github.com/spherical/pdf-converter/internal/output"
	"github.com/spherical/pdf-converter/internal/upload"
)

// Converter runs one conversion request.
type Converter interface {
	Process(ctx context.Context, strategy domain.Strategy, sources []upload.Source, scale float64, events chan<- domain.StreamEvent) (*domain.ConversionResult, error)
}

// ManifestReader looks up finished conversions.
type ManifestReader interface {
	Get(ctx context.Context, requestID string) (*domain.ConversionResult, error)
}

// Config holds the HTTP-level limits.
type Config struct {
	RequestTimeout time.Duration
	MaxRequestSize int64
	RateLimit      int
	RateWindow     time.Duration
	AllowedOrigins []string
}

// Deps are the collaborators the router wires into handlers.
type Deps struct {
	Converter Converter
	Manifests ManifestReader
	// Downloads serves stored artifacts; nil when artifacts live elsewhere.
	Downloads http.Handler
	Logger    *observability.Logger
}

// NewRouter creates the API router with all routes configured.
func NewRouter(cfg Config, deps Deps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = observability.Nop()
	}

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(accessLog(logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: originsOrAll(cfg.AllowedOrigins),
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": "pdf-converter"})
	})

	conv := NewConversionHandler(deps.Converter, cfg.MaxRequestSize, logger)

	r.Route("/convert", func(r chi.Router) {
		if cfg.RequestTimeout > 0 {
			r.Use(chimiddleware.Timeout(cfg.RequestTimeout))
		}
		if cfg.RateLimit > 0 && cfg.RateWindow > 0 {
			r.Use(httprate.LimitByIP(cfg.RateLimit, cfg.RateWindow))
		}
		r.Post("/pdf-to-png", conv.Handle(domain.StrategyPDFToPNG))
		r.Post("/jpg-to-pdf", conv.Handle(domain.StrategyJPGToPDF))
	})

	if deps.Manifests != nil {
		r.Get("/conversions/{id}", NewManifestHandler(deps.Manifests, logger).Get)
	}

	if deps.Downloads != nil {
		r.Handle(output.RoutePrefix+"/*", http.StripPrefix(output.RoutePrefix, deps.Downloads))
	}

	return r
}

func originsOrAll(origins []string) []string {
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

// accessLog writes one zerolog line per request.
func accessLog(logger *observability.Logger) func(http.Handler) http.Handler {
	log := logger.WithComponent("http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			ev := log.Info()
			if status >= http.StatusInternalServerError {
				ev = log.Warn()
			}
			ev.Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Str("remote", r.RemoteAddr).
				Str("request_id", chimiddleware.GetReqID(r.Context())).
				Msg("request")
		})
	}
}
