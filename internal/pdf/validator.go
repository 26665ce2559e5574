package pdf

import (
	"fmt"

	"github.com/gabriel-vasile/mimetype"

	"github.com/spherical/pdf-converter/internal/domain"
)

// MaxScale bounds the render scale; 8x of a Letter page is already ~4900x6300 px.
const MaxScale = 8.0

// DefaultMaxPixels bounds a single decoded or rendered bitmap (about 200 MB as RGBA).
const DefaultMaxPixels int64 = 50_000_000

// Validator provides input validation for documents and render parameters.
type Validator struct{}

// NewValidator creates a new validator instance
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateScale validates the render scale parameter.
func (v *Validator) ValidateScale(scale float64) error {
	if scale <= 0 || scale > MaxScale {
		return domain.ValidationError(fmt.Sprintf("scale must be in (0, %g], got %g", MaxScale, scale), nil)
	}
	return nil
}

// ValidateDocument checks that data looks like a PDF. MuPDF also opens
// images and e-books, which are not documents this service converts.
func (v *Validator) ValidateDocument(data []byte) error {
	if len(data) == 0 {
		return domain.UnsupportedFormatError("file is empty", nil)
	}
	mt := mimetype.Detect(data)
	if !mt.Is("application/pdf") {
		return domain.UnsupportedFormatError(fmt.Sprintf("file is not a PDF (detected %s)", mt.String()), nil)
	}
	return nil
}

// ValidatePixels rejects bitmaps of width x height above limit. Sizes come
// from headers and MediaBoxes, so they are checked before anything is allocated.
func (v *Validator) ValidatePixels(width, height float64, limit int64) error {
	if limit <= 0 {
		limit = DefaultMaxPixels
	}
	if width*height > float64(limit) {
		return fmt.Errorf("%.0fx%.0f pixels exceeds the limit of %d", width, height, limit)
	}
	return nil
}
