package convert

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/spherical/pdf-converter/internal/domain"
)

// strategy converts every file of a batch. A returned error is fatal for the
// whole request; per-file problems go to batch.addError instead.
type strategy interface {
	convert(ctx context.Context, b *batch) error
}

// pdfToPNG renders each page of each document to its own PNG.
type pdfToPNG struct {
	p *Pipeline
}

// openedFile is one input document and the artifact names of its pages.
type openedFile struct {
	file  domain.UploadedFile
	doc   domain.RasterDocument
	names []string
}

// convert opens every document, names all pages in input order and then
// renders them. Names never depend on which worker finishes first.
func (s *pdfToPNG) convert(ctx context.Context, b *batch) error {
	files := make([]openedFile, len(b.req.Files))
	defer func() {
		for _, f := range files {
			if f.doc == nil {
				continue
			}
			if err := f.doc.Close(); err != nil {
				s.p.logger.WithRequest(b.req.ID).Debug().Err(err).Str("file", f.file.OriginalName).Msg("failed to close document")
			}
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.p.opts.Workers)
	for i, f := range b.req.Files {
		i, f := i, f
		files[i].file = f
		g.Go(func() error {
			doc, err := s.open(gctx, b, i, f)
			files[i].doc = doc
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, f := range files {
		stem := b.names.stem(f.file.OriginalName)
		if f.doc == nil {
			continue
		}
		pages := f.doc.NumPage()
		files[i].names = make([]string, pages)
		for idx := 0; idx < pages; idx++ {
			files[i].names[idx] = b.names.reserve(pageName(stem, idx, pages))
		}
	}

	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(s.p.opts.Workers)
	for i, f := range files {
		if f.doc == nil {
			continue
		}
		i, f := i, f
		g.Go(func() error {
			return s.render(gctx, b, i, f)
		})
	}
	return g.Wait()
}

// open reads and parses one input. A nil document with a nil error means the
// file was rejected and the problem is already recorded.
func (s *pdfToPNG) open(ctx context.Context, b *batch, fileIndex int, f domain.UploadedFile) (domain.RasterDocument, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.CanceledError(err)
	}

	s.p.emit(b.events, domain.StreamEvent{
		Type:      domain.EventFileStart,
		RequestID: b.req.ID,
		File:      f.OriginalName,
	})

	data, err := s.p.uploads.ReadFile(f)
	if err != nil {
		return nil, err
	}

	doc, err := s.p.renderer.Open(data)
	if err != nil {
		if !domain.IsRecoverable(err) {
			return nil, err
		}
		b.addError(fileIndex, domain.NewFileError(f.OriginalName, 0, err))
		return nil, nil
	}
	return doc, nil
}

func (s *pdfToPNG) render(ctx context.Context, b *batch, fileIndex int, f openedFile) error {
	for idx, name := range f.names {
		page, err := f.doc.RenderPage(ctx, idx, b.req.Scale)
		if err != nil {
			if !domain.IsRecoverable(err) {
				return err
			}
			b.addError(fileIndex, domain.NewFileError(f.file.OriginalName, idx+1, err))
			continue
		}

		png, err := s.p.encoder.Encode(page)
		if err != nil {
			b.addError(fileIndex, domain.NewFileError(f.file.OriginalName, idx+1, err))
			continue
		}

		if err := b.store(ctx, fileIndex, name, "image/png", f.file.OriginalName, idx, png); err != nil {
			return err
		}
	}
	return nil
}

// jpgToPDF combines every accepted raster image into one document.
type jpgToPDF struct {
	p *Pipeline
}

func (s *jpgToPDF) convert(ctx context.Context, b *batch) error {
	inputs := make([]domain.RasterInput, 0, len(b.req.Files))
	for _, f := range b.req.Files {
		if err := ctx.Err(); err != nil {
			return domain.CanceledError(err)
		}
		data, err := s.p.uploads.ReadFile(f)
		if err != nil {
			return err
		}
		inputs = append(inputs, domain.RasterInput{Name: f.OriginalName, Data: data})
	}

	res, err := s.p.builder.CreateDocument(ctx, inputs)
	if res != nil {
		for _, e := range res.Errors {
			b.addError(e.Input, e.FileError)
		}
	}
	if err != nil {
		return err
	}

	name := b.names.reserve(AggregatePDFName)
	return b.store(ctx, 0, name, "application/pdf", "", -1, res.Document)
}
