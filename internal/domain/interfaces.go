package domain

import "context"

// RasterCodec opens paged documents for rendering.
type RasterCodec interface {
	Open(document []byte) (RasterDocument, error)
}

// RasterDocument is one opened document. Implementations need not be safe
// for concurrent use.
type RasterDocument interface {
	NumPage() int
	// PageSize returns the page size in points.
	PageSize(pageIndex int) (width, height int, err error)
	// RenderPage renders one zero-based page at the given scale (1.0 = 72 DPI).
	RenderPage(ctx context.Context, pageIndex int, scale float64) (*PageImage, error)
	Close() error
}

// RasterInput is one image submitted for embedding.
type RasterInput struct {
	Name string
	Data []byte
}

// PageInfo describes one page of a built document.
type PageInfo struct {
	Source string
	Width  int
	Height int
}

// InputError is a FileError for the input at position Input.
type InputError struct {
	Input int
	FileError
}

// BuildResult is the outcome of DocumentBuilder.CreateDocument.
type BuildResult struct {
	Document []byte
	Pages    []PageInfo
	Errors   []InputError
}

// DocumentBuilder creates a paged document with one full-page image per input.
type DocumentBuilder interface {
	CreateDocument(ctx context.Context, images []RasterInput) (*BuildResult, error)
}

// ResultRecorder receives every finished conversion result.
type ResultRecorder interface {
	Record(ctx context.Context, result *ConversionResult) error
}
