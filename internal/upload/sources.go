package upload

import (
	"io"
	"mime/multipart"
	"path/filepath"

	"github.com/spf13/afero"
)

// SourcesFromMultipart adapts the file parts of a parsed multipart form.
func SourcesFromMultipart(headers []*multipart.FileHeader) []Source {
	sources := make([]Source, 0, len(headers))
	for _, h := range headers {
		h := h
		sources = append(sources, Source{
			Name: h.Filename,
			Open: func() (io.ReadCloser, error) { return h.Open() },
		})
	}
	return sources
}

// SourcesFromPaths adapts files already present on fs, as used by the CLI.
func SourcesFromPaths(fs afero.Fs, paths []string) []Source {
	sources := make([]Source, 0, len(paths))
	for _, p := range paths {
		p := p
		sources = append(sources, Source{
			Name: filepath.Base(p),
			Open: func() (io.ReadCloser, error) { return fs.Open(p) },
		})
	}
	return sources
}
