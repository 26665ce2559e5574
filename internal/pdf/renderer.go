// Package pdf renders PDF pages to bitmaps and builds PDFs from images.
package pdf

import (
	"context"
	"fmt"

	"github.com/gen2brain/go-fitz"

	"github.com/spherical/pdf-converter/internal/domain"
)

// BaseDPI is the resolution of one PDF user-space unit, so scale 1.0 renders
// one pixel per point.
const BaseDPI = 72.0

// Renderer implements domain.RasterCodec using MuPDF via go-fitz.
type Renderer struct {
	validator *Validator
	maxPixels int64
}

// NewRenderer creates a renderer that refuses pages whose bitmap would exceed
// maxPixels. Zero selects DefaultMaxPixels.
func NewRenderer(maxPixels int64) *Renderer {
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	return &Renderer{validator: NewValidator(), maxPixels: maxPixels}
}

var _ domain.RasterCodec = (*Renderer)(nil)

// Document is an opened PDF. It is not safe for concurrent use.
type Document struct {
	doc       *fitz.Document
	pages     int
	validator *Validator
	maxPixels int64
}

var _ domain.RasterDocument = (*Document)(nil)

// Open parses a PDF held in memory.
func (r *Renderer) Open(data []byte) (domain.RasterDocument, error) {
	if err := r.validator.ValidateDocument(data); err != nil {
		return nil, err
	}

	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return nil, domain.UnsupportedFormatError("failed to open PDF", err)
	}

	pages := doc.NumPage()
	if pages <= 0 {
		doc.Close()
		return nil, domain.UnsupportedFormatError("PDF has no pages", nil)
	}

	return &Document{doc: doc, pages: pages, validator: r.validator, maxPixels: r.maxPixels}, nil
}

// NumPage returns the number of pages.
func (d *Document) NumPage() int {
	return d.pages
}

// RenderPage rasterizes one zero-based page at BaseDPI*scale. Pages whose
// bitmap would exceed the pixel limit are reported as UnsupportedFormat
// without rendering.
func (d *Document) RenderPage(ctx context.Context, pageIndex int, scale float64) (*domain.PageImage, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.CanceledError(err)
	}
	if err := d.validator.ValidateScale(scale); err != nil {
		return nil, err
	}

	w, h, err := d.PageSize(pageIndex)
	if err != nil {
		return nil, err
	}
	if err := d.validator.ValidatePixels(float64(w)*scale, float64(h)*scale, d.maxPixels); err != nil {
		return nil, domain.UnsupportedFormatError(fmt.Sprintf("page %d is too large to render", pageIndex+1), err)
	}

	img, err := d.doc.ImageDPI(pageIndex, BaseDPI*scale)
	if err != nil {
		return nil, domain.UnsupportedFormatError(fmt.Sprintf("failed to render page %d", pageIndex+1), err)
	}

	b := img.Bounds()
	return &domain.PageImage{
		Width:           b.Dx(),
		Height:          b.Dy(),
		Image:           img,
		SourcePageIndex: pageIndex,
	}, nil
}

// PageSize returns the page's MediaBox size in points.
func (d *Document) PageSize(pageIndex int) (width, height int, err error) {
	if pageIndex < 0 || pageIndex >= d.pages {
		return 0, 0, domain.PageIndexOutOfRangeError(pageIndex, d.pages)
	}
	rect, err := d.doc.Bound(pageIndex)
	if err != nil {
		return 0, 0, domain.UnsupportedFormatError(fmt.Sprintf("failed to read bounds of page %d", pageIndex+1), err)
	}
	return rect.Dx(), rect.Dy(), nil
}

// Close releases the underlying MuPDF document.
func (d *Document) Close() error {
	if d.doc == nil {
		return nil
	}
	err := d.doc.Close()
	d.doc = nil
	return err
}
