package pdf

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg" // decoders for image.DecodeConfig/Decode
	_ "image/png"
	"io"

	"github.com/gabriel-vasile/mimetype"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/spherical/pdf-converter/internal/domain"
	"github.com/spherical/pdf-converter/internal/observability"
)

func init() {
	// pdfcpu would otherwise create a config directory under $HOME.
	api.DisableConfigDir()
}

// embeddable lists the image types pdfcpu can place on a page.
var embeddable = []string{"image/jpeg", "image/png", "image/tiff", "image/webp"}

// Builder implements domain.DocumentBuilder using pdfcpu. Every image becomes
// one page whose MediaBox equals the image's pixel size, one pixel per point.
type Builder struct {
	logger    *observability.Logger
	validator *Validator
	maxPixels int64
}

// NewBuilder creates a new document builder. Images larger than maxPixels are
// rejected; zero selects DefaultMaxPixels.
func NewBuilder(logger *observability.Logger, maxPixels int64) *Builder {
	if logger == nil {
		logger = observability.Nop()
	}
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	return &Builder{
		logger:    logger.WithComponent("pdf-builder"),
		validator: NewValidator(),
		maxPixels: maxPixels,
	}
}

var _ domain.DocumentBuilder = (*Builder)(nil)

type acceptedImage struct {
	index int
	input domain.RasterInput
	page  domain.PageInfo
}

// CreateDocument embeds images in input order. Inputs that are not a
// decodable embeddable image are reported in BuildResult.Errors and skipped.
// When no image is left the error is NoValidInputs and the result still
// carries the per-file errors.
func (b *Builder) CreateDocument(ctx context.Context, images []domain.RasterInput) (*domain.BuildResult, error) {
	result := &domain.BuildResult{}
	accepted := make([]acceptedImage, 0, len(images))

	for i, in := range images {
		if err := ctx.Err(); err != nil {
			return nil, domain.CanceledError(err)
		}
		page, err := b.inspectImage(in)
		if err != nil {
			result.Errors = append(result.Errors, domain.InputError{Input: i, FileError: domain.NewFileError(in.Name, 0, err)})
			continue
		}
		accepted = append(accepted, acceptedImage{index: i, input: in, page: page})
	}

	if len(accepted) == 0 {
		return result, domain.NoValidInputsError("no valid images to embed")
	}

	doc, err := importImages(accepted)
	if err != nil {
		// Isolate the images pdfcpu refuses and retry with the rest.
		b.logger.Warn().Err(err).Int("images", len(accepted)).Msg("batch import failed, probing images individually")
		kept := accepted[:0]
		for _, a := range accepted {
			if err := ctx.Err(); err != nil {
				return nil, domain.CanceledError(err)
			}
			if _, perr := importImages([]acceptedImage{a}); perr != nil {
				result.Errors = append(result.Errors, domain.InputError{Input: a.index, FileError: domain.NewFileError(a.input.Name, 0,
					domain.UnsupportedImageFormatError("image could not be embedded", perr))})
				continue
			}
			kept = append(kept, a)
		}
		if len(kept) == 0 {
			return result, domain.NoValidInputsError("no valid images to embed")
		}
		if doc, err = importImages(kept); err != nil {
			return nil, domain.IOError("failed to build PDF", err)
		}
		accepted = kept
	}

	result.Document = doc
	result.Pages = make([]domain.PageInfo, len(accepted))
	for i, a := range accepted {
		result.Pages[i] = a.page
	}

	b.logger.Debug().
		Int("pages", len(result.Pages)).
		Int("rejected", len(result.Errors)).
		Int("bytes", len(doc)).
		Msg("built PDF")

	return result, nil
}

// inspectImage sniffs one input, checks its declared size and decodes it.
func (b *Builder) inspectImage(in domain.RasterInput) (domain.PageInfo, error) {
	if len(in.Data) == 0 {
		return domain.PageInfo{}, domain.UnsupportedImageFormatError("file is empty", nil)
	}

	mt := mimetype.Detect(in.Data)
	if !mimetype.EqualsAny(mt.String(), embeddable...) {
		return domain.PageInfo{}, domain.UnsupportedImageFormatError(
			fmt.Sprintf("unsupported image type %s", mt.String()), nil)
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(in.Data))
	if err != nil {
		return domain.PageInfo{}, domain.UnsupportedImageFormatError("image could not be decoded", err)
	}
	if err := b.validator.ValidatePixels(float64(cfg.Width), float64(cfg.Height), b.maxPixels); err != nil {
		return domain.PageInfo{}, domain.UnsupportedImageFormatError("image is too large", err)
	}

	img, _, err := image.Decode(bytes.NewReader(in.Data))
	if err != nil {
		return domain.PageInfo{}, domain.UnsupportedImageFormatError("image could not be decoded", err)
	}

	bounds := img.Bounds()
	if bounds.Dx() <= 0 || bounds.Dy() <= 0 {
		return domain.PageInfo{}, domain.UnsupportedImageFormatError("image has no pixels", nil)
	}

	return domain.PageInfo{Source: in.Name, Width: bounds.Dx(), Height: bounds.Dy()}, nil
}

func importImages(images []acceptedImage) ([]byte, error) {
	readers := make([]io.Reader, len(images))
	for i, a := range images {
		readers[i] = bytes.NewReader(a.input.Data)
	}

	imp := pdfcpu.DefaultImportConfig()
	imp.Pos = types.Full

	var out bytes.Buffer
	if err := api.ImportImages(nil, &out, readers, imp, model.NewDefaultConfiguration()); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}
