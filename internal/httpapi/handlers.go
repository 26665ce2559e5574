package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/spherical/pdf-converter/internal/domain"
	"github.com/spherical/pdf-converter/internal/manifest"
	"github.com/spherical/pdf-converter/internal/observability"
	"github.com/spherical/pdf-converter/internal/upload"
)

// FilesField is the multipart field carrying uploads.
const FilesField = "files"

// multipartMemory is how much of a form is buffered in memory before spilling to disk.
const multipartMemory = 8 << 20

// ConversionHandler handles the /convert endpoints.
type ConversionHandler struct {
	converter      Converter
	maxRequestSize int64
	logger         *observability.Logger
}

// NewConversionHandler creates a conversion handler.
func NewConversionHandler(converter Converter, maxRequestSize int64, logger *observability.Logger) *ConversionHandler {
	return &ConversionHandler{
		converter:      converter,
		maxRequestSize: maxRequestSize,
		logger:         logger,
	}
}

// Handle returns the handler for one strategy.
func (h *ConversionHandler) Handle(strategy domain.Strategy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.maxRequestSize > 0 {
			if r.ContentLength > h.maxRequestSize {
				writeError(w, http.StatusRequestEntityTooLarge,
					fmt.Sprintf("request body exceeds %d bytes", h.maxRequestSize))
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, h.maxRequestSize)
		}

		scale, err := parseScale(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		var sources []upload.Source
		switch err := r.ParseMultipartForm(multipartMemory); {
		case err == nil:
			defer func() {
				if rerr := r.MultipartForm.RemoveAll(); rerr != nil {
					h.logger.Warn().Err(rerr).Msg("failed to remove multipart temp files")
				}
			}()
			sources = upload.SourcesFromMultipart(r.MultipartForm.File[FilesField])
		case errors.Is(err, http.ErrNotMultipart):
			// No form at all is an empty batch.
		default:
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeError(w, http.StatusRequestEntityTooLarge,
					fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
				return
			}
			writeError(w, http.StatusBadRequest, "malformed multipart body: "+err.Error())
			return
		}

		result, err := h.converter.Process(r.Context(), strategy, sources, scale, nil)
		if err != nil {
			writeJSON(w, failureStatus(err), newFailureResponse(result, err))
			return
		}
		writeJSON(w, http.StatusOK, newSuccessResponse(result))
	}
}

func parseScale(r *http.Request) (float64, error) {
	raw := r.URL.Query().Get("scale")
	if raw == "" {
		return 0, nil
	}
	scale, err := strconv.ParseFloat(raw, 64)
	if err != nil || scale <= 0 {
		return 0, fmt.Errorf("invalid scale %q", raw)
	}
	return scale, nil
}

// failureStatus maps request-level errors to statuses; anything raised by the
// conversion itself is a 500.
func failureStatus(err error) int {
	switch {
	case errors.Is(err, upload.ErrFileTooLarge):
		return http.StatusRequestEntityTooLarge
	case domain.IsType(err, domain.ErrorTypeValidation):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// ManifestHandler serves stored conversion results.
type ManifestHandler struct {
	manifests ManifestReader
	logger    *observability.Logger
}

// NewManifestHandler creates a manifest handler.
func NewManifestHandler(manifests ManifestReader, logger *observability.Logger) *ManifestHandler {
	return &ManifestHandler{manifests: manifests, logger: logger}
}

// Get handles GET /conversions/{id}.
func (h *ManifestHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, http.StatusNotFound, "conversion not found")
		return
	}

	result, err := h.manifests.Get(r.Context(), id)
	if errors.Is(err, manifest.ErrNotFound) {
		writeError(w, http.StatusNotFound, "conversion not found")
		return
	}
	if err != nil {
		h.logger.WithRequest(id).Error().Err(err).Msg("failed to load manifest")
		writeError(w, http.StatusInternalServerError, "failed to load conversion")
		return
	}
	writeJSON(w, http.StatusOK, result)
}
