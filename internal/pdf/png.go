package pdf

import (
	"bytes"
	"fmt"
	"image/png"

	"github.com/spherical/pdf-converter/internal/domain"
)

// PNGEncoder encodes rendered pages. The zero value uses default compression.
type PNGEncoder struct {
	enc png.Encoder
}

// NewPNGEncoder maps a configured compression name (default, speed, best, none)
// to a png.CompressionLevel.
func NewPNGEncoder(compression string) (*PNGEncoder, error) {
	var level png.CompressionLevel
	switch compression {
	case "", "default":
		level = png.DefaultCompression
	case "speed":
		level = png.BestSpeed
	case "best":
		level = png.BestCompression
	case "none":
		level = png.NoCompression
	default:
		return nil, domain.ConfigError(fmt.Sprintf("unknown png compression %q", compression), nil)
	}
	return &PNGEncoder{enc: png.Encoder{CompressionLevel: level}}, nil
}

// Encode returns the PNG bytes of a rendered page.
func (e *PNGEncoder) Encode(page *domain.PageImage) ([]byte, error) {
	if page == nil || page.Image == nil {
		return nil, domain.ValidationError("no image to encode", nil)
	}
	var buf bytes.Buffer
	if err := e.enc.Encode(&buf, page.Image); err != nil {
		return nil, domain.IOError(fmt.Sprintf("failed to encode page %d as PNG", page.SourcePageIndex+1), err)
	}
	return buf.Bytes(), nil
}
