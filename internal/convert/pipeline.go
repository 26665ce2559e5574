// Package convert runs conversion requests from acquired uploads to stored artifacts.
package convert

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/spherical/pdf-converter/internal/domain"
	"github.com/spherical/pdf-converter/internal/observability"
	"github.com/spherical/pdf-converter/internal/output"
	"github.com/spherical/pdf-converter/internal/pdf"
	"github.com/spherical/pdf-converter/internal/upload"
)

// recordTimeout bounds how long recorders may take once a request is finished.
const recordTimeout = 5 * time.Second

// UploadStore is the temporary file store the pipeline reads inputs from.
type UploadStore interface {
	Acquire(ctx context.Context, requestID string, sources []upload.Source) ([]domain.UploadedFile, error)
	ReadFile(f domain.UploadedFile) ([]byte, error)
	Release(files []domain.UploadedFile) []error
}

// Options configures a Pipeline.
type Options struct {
	MaxFiles     int
	Workers      int
	DefaultScale float64
}

// Pipeline orchestrates one request: acquire, convert, store, record, release.
type Pipeline struct {
	uploads   UploadStore
	outputs   output.Store
	renderer  domain.RasterCodec
	builder   domain.DocumentBuilder
	encoder   *pdf.PNGEncoder
	recorders []domain.ResultRecorder
	opts      Options
	logger    *observability.Logger

	strategies map[domain.Strategy]strategy
}

// NewPipeline creates a pipeline. Recorders receive every finished result.
func NewPipeline(
	uploads UploadStore,
	outputs output.Store,
	renderer domain.RasterCodec,
	builder domain.DocumentBuilder,
	encoder *pdf.PNGEncoder,
	opts Options,
	logger *observability.Logger,
	recorders ...domain.ResultRecorder,
) *Pipeline {
	if logger == nil {
		logger = observability.Nop()
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.DefaultScale <= 0 {
		opts.DefaultScale = 1.0
	}
	p := &Pipeline{
		uploads:   uploads,
		outputs:   outputs,
		renderer:  renderer,
		builder:   builder,
		encoder:   encoder,
		recorders: recorders,
		opts:      opts,
		logger:    logger.WithComponent("pipeline"),
	}
	p.strategies = map[domain.Strategy]strategy{
		domain.StrategyPDFToPNG: &pdfToPNG{p: p},
		domain.StrategyJPGToPDF: &jpgToPDF{p: p},
	}
	return p
}

// Process acquires sources into the upload store and runs the request.
// A non-nil error always comes with a Failed result.
func (p *Pipeline) Process(ctx context.Context, strategy domain.Strategy, sources []upload.Source, scale float64, events chan<- domain.StreamEvent) (*domain.ConversionResult, error) {
	req := domain.ConversionRequest{
		ID:       uuid.NewString(),
		Strategy: strategy,
		Scale:    scale,
	}
	result := newResult(req)

	if err := p.validate(req, len(sources)); err != nil {
		return p.fail(ctx, result, err, events)
	}

	files, err := p.uploads.Acquire(ctx, req.ID, sources)
	if err != nil {
		return p.fail(ctx, result, err, events)
	}
	req.Files = files

	return p.Run(ctx, req, events)
}

// Run converts already acquired files. The files are released before Run
// returns, whatever the outcome.
func (p *Pipeline) Run(ctx context.Context, req domain.ConversionRequest, events chan<- domain.StreamEvent) (*domain.ConversionResult, error) {
	defer p.release(req)

	result := newResult(req)
	for _, f := range req.Files {
		result.Inputs = append(result.Inputs, f.OriginalName)
	}

	if err := p.validate(req, len(req.Files)); err != nil {
		return p.fail(ctx, result, err, events)
	}
	if req.Scale == 0 {
		req.Scale = p.opts.DefaultScale
	}

	log := p.logger.WithRequest(req.ID)
	log.Info().
		Str("strategy", string(req.Strategy)).
		Int("files", len(req.Files)).
		Float64("scale", req.Scale).
		Msg("conversion started")

	result.State = domain.StateProcessing
	p.emit(events, domain.StreamEvent{
		Type:      domain.EventStart,
		RequestID: req.ID,
		Payload:   fmt.Sprintf("Converting %d file(s) with %s", len(req.Files), req.Strategy),
	})

	b := &batch{
		req:    req,
		names:  newNamer(),
		events: events,
		p:      p,
	}
	err := p.strategies[req.Strategy].convert(ctx, b)

	result.Artifacts = b.sortedArtifacts()
	result.Errors = b.sortedErrors()
	if err == nil && ctx.Err() != nil {
		err = domain.CanceledError(ctx.Err())
	}
	if err == nil && len(result.Artifacts) == 0 {
		err = domain.NoValidInputsError("no file in the batch could be converted")
	}
	if err != nil {
		if len(result.Artifacts) > 0 {
			p.discardBatch(ctx, req.ID)
			result.Artifacts = nil
		}
		return p.fail(ctx, result, err, events)
	}

	result.State = domain.StateCompleted
	result.Success = true
	result.FinishedAt = time.Now().UTC()

	log.Info().
		Int("artifacts", len(result.Artifacts)).
		Int("file_errors", len(result.Errors)).
		Bool("partial", len(result.Errors) > 0).
		Dur("duration", result.Duration()).
		Msg("conversion completed")

	p.record(ctx, result)
	p.emit(events, domain.StreamEvent{
		Type:      domain.EventComplete,
		RequestID: req.ID,
		Payload: fmt.Sprintf("Conversion complete: %d artifact(s), %d error(s) in %v",
			len(result.Artifacts), len(result.Errors), result.Duration()),
	})
	return result, nil
}

func (p *Pipeline) validate(req domain.ConversionRequest, fileCount int) error {
	if !req.Strategy.Valid() {
		return domain.ValidationError(fmt.Sprintf("unknown strategy %q", req.Strategy), nil)
	}
	if fileCount == 0 {
		return domain.NoValidInputsError("no files were uploaded")
	}
	if p.opts.MaxFiles > 0 && fileCount > p.opts.MaxFiles {
		return domain.ValidationError(fmt.Sprintf("too many files: %d, at most %d per request", fileCount, p.opts.MaxFiles), nil)
	}
	if req.Scale != 0 {
		if err := pdf.NewValidator().ValidateScale(req.Scale); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) fail(ctx context.Context, result *domain.ConversionResult, err error, events chan<- domain.StreamEvent) (*domain.ConversionResult, error) {
	result.State = domain.StateFailed
	result.Success = false
	result.Error = errorMessage(err)
	result.FinishedAt = time.Now().UTC()

	p.logger.WithRequest(result.RequestID).Warn().
		Err(err).
		Str("strategy", string(result.Strategy)).
		Int("file_errors", len(result.Errors)).
		Msg("conversion failed")

	p.record(ctx, result)
	p.emit(events, domain.StreamEvent{
		Type:      domain.EventComplete,
		RequestID: result.RequestID,
		Payload:   result.Error,
	})
	return result, err
}

// record hands the result to every recorder. Recording never fails a request.
func (p *Pipeline) record(ctx context.Context, result *domain.ConversionResult) {
	if len(p.recorders) == 0 {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	for _, r := range p.recorders {
		if err := r.Record(rctx, result); err != nil {
			p.logger.WithRequest(result.RequestID).Warn().Err(err).Msg("failed to record conversion")
		}
	}
}

func (p *Pipeline) release(req domain.ConversionRequest) {
	if len(req.Files) == 0 {
		return
	}
	if errs := p.uploads.Release(req.Files); len(errs) > 0 {
		p.logger.WithRequest(req.ID).Warn().
			Int("failed", len(errs)).
			Int("files", len(req.Files)).
			Msg("temp file cleanup incomplete")
	}
}

// discardBatch removes artifacts written before a fatal error.
func (p *Pipeline) discardBatch(ctx context.Context, batchID string) {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if err := p.outputs.DeleteBatch(dctx, batchID); err != nil {
		p.logger.WithRequest(batchID).Warn().Err(err).Msg("failed to discard partial output")
	}
}

// emit sends an event without blocking the conversion.
func (p *Pipeline) emit(events chan<- domain.StreamEvent, event domain.StreamEvent) {
	if events == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case events <- event:
	default:
		p.logger.Warn().Str("event", string(event.Type)).Msg("event channel full, dropping event")
	}
}

func newResult(req domain.ConversionRequest) *domain.ConversionResult {
	return &domain.ConversionResult{
		RequestID: req.ID,
		Strategy:  req.Strategy,
		State:     domain.StateAccepted,
		StartedAt: time.Now().UTC(),
	}
}

// errorMessage strips the type tag DomainError.Error adds.
func errorMessage(err error) string {
	fe := domain.NewFileError("", 0, err)
	return fe.Message
}

// batch collects the output of one request while a strategy runs.
type batch struct {
	req    domain.ConversionRequest
	names  *namer
	events chan<- domain.StreamEvent
	p      *Pipeline

	mu        sync.Mutex
	artifacts []placedArtifact
	errors    []placedError
}

type placedArtifact struct {
	fileIndex int
	artifact  domain.OutputArtifact
}

type placedError struct {
	fileIndex int
	err       domain.FileError
}

func (b *batch) addArtifact(fileIndex int, a domain.OutputArtifact) {
	b.mu.Lock()
	b.artifacts = append(b.artifacts, placedArtifact{fileIndex: fileIndex, artifact: a})
	b.mu.Unlock()

	b.p.emit(b.events, domain.StreamEvent{
		Type:       domain.EventPageComplete,
		RequestID:  b.req.ID,
		File:       a.SourceFile,
		PageNumber: a.PageIndex + 1,
		Payload:    a.Name,
	})
}

func (b *batch) addError(fileIndex int, fe domain.FileError) {
	b.mu.Lock()
	b.errors = append(b.errors, placedError{fileIndex: fileIndex, err: fe})
	b.mu.Unlock()

	b.p.logger.WithRequest(b.req.ID).Warn().
		Str("file", fe.File).
		Int("page", fe.Page).
		Str("code", string(fe.Code)).
		Msg(fe.Message)
	b.p.emit(b.events, domain.StreamEvent{
		Type:       domain.EventFileError,
		RequestID:  b.req.ID,
		File:       fe.File,
		PageNumber: fe.Page,
		Payload:    fe.Message,
	})
}

// sortedArtifacts orders artifacts by input position, then page.
func (b *batch) sortedArtifacts() []domain.OutputArtifact {
	b.mu.Lock()
	defer b.mu.Unlock()

	sort.SliceStable(b.artifacts, func(i, j int) bool {
		ai, aj := b.artifacts[i], b.artifacts[j]
		if ai.fileIndex != aj.fileIndex {
			return ai.fileIndex < aj.fileIndex
		}
		return ai.artifact.PageIndex < aj.artifact.PageIndex
	})
	out := make([]domain.OutputArtifact, len(b.artifacts))
	for i, a := range b.artifacts {
		out[i] = a.artifact
	}
	return out
}

// sortedErrors orders file errors by input position, then page.
func (b *batch) sortedErrors() []domain.FileError {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.errors) == 0 {
		return nil
	}
	sort.SliceStable(b.errors, func(i, j int) bool {
		ei, ej := b.errors[i], b.errors[j]
		if ei.fileIndex != ej.fileIndex {
			return ei.fileIndex < ej.fileIndex
		}
		return ei.err.Page < ej.err.Page
	})
	out := make([]domain.FileError, len(b.errors))
	for i, e := range b.errors {
		out[i] = e.err
	}
	return out
}

func (b *batch) store(ctx context.Context, fileIndex int, name, contentType, source string, pageIndex int, data []byte) error {
	obj, err := b.p.outputs.Put(ctx, b.req.ID, name, contentType, data)
	if err != nil {
		return err
	}
	b.addArtifact(fileIndex, domain.OutputArtifact{
		Name:        name,
		StoragePath: obj.Key,
		PublicURL:   obj.URL,
		ContentType: contentType,
		Size:        obj.Size,
		SourceFile:  source,
		PageIndex:   pageIndex,
	})
	b.p.logger.WithRequest(b.req.ID).Debug().
		Str("artifact", name).
		Int64("bytes", obj.Size).
		Msg("artifact stored")
	return nil
}
