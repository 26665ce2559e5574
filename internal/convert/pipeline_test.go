package convert

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical/pdf-converter/internal/domain"
	"github.com/spherical/pdf-converter/internal/output"
	"github.com/spherical/pdf-converter/internal/pdf"
	"github.com/spherical/pdf-converter/internal/upload"
)

type harness struct {
	fs       afero.Fs
	uploads  *upload.Store
	outputs  *output.LocalStore
	pipeline *Pipeline
	recorder *memRecorder
}

type memRecorder struct {
	mu      sync.Mutex
	results []*domain.ConversionResult
	err     error
}

func (r *memRecorder) Record(_ context.Context, result *domain.ConversionResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, result)
	return r.err
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	fs := afero.NewMemMapFs()

	uploads, err := upload.NewStore(fs, "/uploads", 25<<20, nil)
	require.NoError(t, err)

	outputs := output.NewLocalStore(fs, "/converted", "http://localhost:3001")
	require.NoError(t, outputs.Init(context.Background()))

	encoder, err := pdf.NewPNGEncoder("speed")
	require.NoError(t, err)

	rec := &memRecorder{}
	return &harness{
		fs:       fs,
		uploads:  uploads,
		outputs:  outputs,
		recorder: rec,
		pipeline: NewPipeline(uploads, outputs, pdf.NewRenderer(0), pdf.NewBuilder(nil, 0), encoder, opts, nil, rec),
	}
}

func source(name string, data []byte) upload.Source {
	return upload.Source{
		Name: name,
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}
}

func solid(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, solid(w, h, color.RGBA{R: 200, G: 10, B: 10, A: 255})))
	return buf.Bytes()
}

func jpegBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, solid(w, h, color.RGBA{R: 10, G: 10, B: 200, A: 255}), nil))
	return buf.Bytes()
}

// pdfBytes builds a PDF with the given number of pages.
func pdfBytes(t *testing.T, pages int) []byte {
	t.Helper()
	inputs := make([]domain.RasterInput, pages)
	for i := range inputs {
		inputs[i] = domain.RasterInput{Name: fmt.Sprintf("p%d.png", i), Data: pngBytes(t, 40+i*10, 30)}
	}
	res, err := pdf.NewBuilder(nil, 0).CreateDocument(context.Background(), inputs)
	require.NoError(t, err)
	return res.Document
}

func artifactNames(result *domain.ConversionResult) []string {
	names := make([]string, len(result.Artifacts))
	for i, a := range result.Artifacts {
		names[i] = a.Name
	}
	return names
}

func TestPipeline_PDFToPNG_OneImagePerPage(t *testing.T) {
	h := newHarness(t, Options{Workers: 2})

	result, err := h.pipeline.Process(context.Background(), domain.StrategyPDFToPNG, []upload.Source{
		source("report.pdf", pdfBytes(t, 3)),
		source("cover.pdf", pdfBytes(t, 1)),
	}, 0, nil)
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, domain.StateCompleted, result.State)
	assert.Empty(t, result.Errors)
	assert.Equal(t, []string{"report.pdf", "cover.pdf"}, result.Inputs)
	assert.Equal(t, []string{
		"report-page-1.png", "report-page-2.png", "report-page-3.png", "cover.png",
	}, artifactNames(result))

	for i, a := range result.Artifacts {
		assert.Equal(t, result.RequestID+"/"+a.Name, a.StoragePath)
		assert.Equal(t, "http://localhost:3001/converted/"+result.RequestID+"/"+a.Name, a.PublicURL)
		assert.Equal(t, "image/png", a.ContentType)

		data, err := afero.ReadFile(h.fs, "/converted/"+a.StoragePath)
		require.NoError(t, err, a.Name)
		img, err := png.Decode(bytes.NewReader(data))
		require.NoError(t, err)
		if i < 3 {
			assert.Equal(t, 40+i*10, img.Bounds().Dx(), a.Name)
		}
	}

	assert.Zero(t, h.uploads.Outstanding())
	exists, _ := afero.DirExists(h.fs, "/uploads/"+result.RequestID)
	assert.False(t, exists)

	require.Len(t, h.recorder.results, 1)
	assert.Equal(t, result.RequestID, h.recorder.results[0].RequestID)
}

func TestPipeline_DuplicateInputNames(t *testing.T) {
	h := newHarness(t, Options{Workers: 4})
	doc := pdfBytes(t, 1)
	two := pdfBytes(t, 2)

	result, err := h.pipeline.Process(context.Background(), domain.StrategyPDFToPNG, []upload.Source{
		source("scan.pdf", doc),
		source("scan.pdf", two),
		source("scan.pdf", doc),
	}, 0, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"scan.png", "scan-2-page-1.png", "scan-2-page-2.png", "scan-3.png",
	}, artifactNames(result))
}

func TestPipeline_DerivedNamesAreStableAcrossRuns(t *testing.T) {
	two := pdfBytes(t, 2)
	one := pdfBytes(t, 1)

	for run := 0; run < 10; run++ {
		h := newHarness(t, Options{Workers: 4})
		result, err := h.pipeline.Process(context.Background(), domain.StrategyPDFToPNG, []upload.Source{
			source("a.pdf", two),
			source("a-page-1.pdf", one),
		}, 0, nil)
		require.NoError(t, err)

		assert.Equal(t, []string{
			"a-page-1.png", "a-page-2.png", "a-page-1-2.png",
		}, artifactNames(result), "run %d", run)
	}
}

func TestPipeline_LongInputNames(t *testing.T) {
	h := newHarness(t, Options{})
	long := strings.Repeat("r", 240) + ".pdf"

	result, err := h.pipeline.Process(context.Background(), domain.StrategyPDFToPNG, []upload.Source{
		source(long, pdfBytes(t, 2)),
	}, 0, nil)
	require.NoError(t, err)

	require.Len(t, result.Artifacts, 2)
	for _, a := range result.Artifacts {
		assert.LessOrEqual(t, len(a.Name), 255, a.Name)
		assert.Equal(t, long, a.SourceFile)
	}
	assert.Equal(t, strings.Repeat("r", maxStemBytes)+"-page-1.png", result.Artifacts[0].Name)
}

func TestPipeline_OversizedPageIsReportedNotFatal(t *testing.T) {
	h := newHarness(t, Options{})
	encoder, err := pdf.NewPNGEncoder("speed")
	require.NoError(t, err)
	// Pages of pdfBytes are 40x30 and 50x30 points.
	p := NewPipeline(h.uploads, h.outputs, pdf.NewRenderer(1300), pdf.NewBuilder(nil, 0), encoder, Options{}, nil)

	result, err := p.Process(context.Background(), domain.StrategyPDFToPNG, []upload.Source{
		source("mixed.pdf", pdfBytes(t, 2)),
	}, 0, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"mixed-page-1.png"}, artifactNames(result))
	require.Len(t, result.Errors, 1)
	assert.Equal(t, 2, result.Errors[0].Page)
	assert.Equal(t, domain.ErrorTypeUnsupportedFormat, result.Errors[0].Code)
}

func TestPipeline_UnsupportedFileIsReportedNotFatal(t *testing.T) {
	h := newHarness(t, Options{Workers: 2})

	result, err := h.pipeline.Process(context.Background(), domain.StrategyPDFToPNG, []upload.Source{
		source("notes.txt", []byte("plain text")),
		source("ok.pdf", pdfBytes(t, 1)),
	}, 1.5, nil)
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, []string{"ok.png"}, artifactNames(result))
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "notes.txt", result.Errors[0].File)
	assert.Equal(t, domain.ErrorTypeUnsupportedFormat, result.Errors[0].Code)
	assert.Zero(t, h.uploads.Outstanding())
}

func TestPipeline_NoConvertibleInputFails(t *testing.T) {
	h := newHarness(t, Options{})

	result, err := h.pipeline.Process(context.Background(), domain.StrategyPDFToPNG, []upload.Source{
		source("a.txt", []byte("a")),
		source("b.png", pngBytes(t, 5, 5)),
	}, 0, nil)
	require.Error(t, err)
	assert.True(t, domain.IsType(err, domain.ErrorTypeNoValidInput))

	assert.False(t, result.Success)
	assert.Equal(t, domain.StateFailed, result.State)
	assert.NotEmpty(t, result.Error)
	assert.Empty(t, result.Artifacts)
	assert.Len(t, result.Errors, 2)
	assert.Zero(t, h.uploads.Outstanding())

	require.Len(t, h.recorder.results, 1)
	assert.Equal(t, domain.StateFailed, h.recorder.results[0].State)
}

func TestPipeline_RequestValidation(t *testing.T) {
	h := newHarness(t, Options{MaxFiles: 2})
	doc := []byte("%PDF-1.4")

	tests := []struct {
		name     string
		strategy domain.Strategy
		sources  []upload.Source
		scale    float64
		want     domain.ErrorType
	}{
		{"empty batch", domain.StrategyPDFToPNG, nil, 0, domain.ErrorTypeNoValidInput},
		{"unknown strategy", domain.Strategy("png-to-gif"), []upload.Source{source("a.pdf", doc)}, 0, domain.ErrorTypeValidation},
		{"too many files", domain.StrategyJPGToPDF, []upload.Source{source("a", doc), source("b", doc), source("c", doc)}, 0, domain.ErrorTypeValidation},
		{"scale out of range", domain.StrategyPDFToPNG, []upload.Source{source("a.pdf", doc)}, 12, domain.ErrorTypeValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := h.pipeline.Process(context.Background(), tt.strategy, tt.sources, tt.scale, nil)
			require.Error(t, err)
			assert.Equal(t, tt.want, domain.TypeOf(err))
			assert.Equal(t, domain.StateFailed, result.State)
			assert.NotEmpty(t, result.RequestID)
		})
	}

	assert.Zero(t, h.uploads.Outstanding())
	entries, err := afero.ReadDir(h.fs, "/uploads")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPipeline_JPGToPDF(t *testing.T) {
	h := newHarness(t, Options{})

	result, err := h.pipeline.Process(context.Background(), domain.StrategyJPGToPDF, []upload.Source{
		source("one.jpg", jpegBytes(t, 64, 48)),
		source("readme.md", []byte("# not an image")),
		source("two.png", pngBytes(t, 32, 80)),
	}, 0, nil)
	require.NoError(t, err)

	require.Len(t, result.Artifacts, 1)
	a := result.Artifacts[0]
	assert.Equal(t, AggregatePDFName, a.Name)
	assert.Equal(t, "application/pdf", a.ContentType)

	require.Len(t, result.Errors, 1)
	assert.Equal(t, "readme.md", result.Errors[0].File)

	data, err := afero.ReadFile(h.fs, "/converted/"+a.StoragePath)
	require.NoError(t, err)
	doc, err := pdf.NewRenderer(0).Open(data)
	require.NoError(t, err)
	defer doc.Close()
	require.Equal(t, 2, doc.NumPage())

	w, hgt, err := doc.PageSize(1)
	require.NoError(t, err)
	assert.Equal(t, 32, w)
	assert.Equal(t, 80, hgt)
	assert.Zero(t, h.uploads.Outstanding())
}

func TestPipeline_JPGToPDF_ErrorsFollowInputOrder(t *testing.T) {
	h := newHarness(t, Options{})

	result, err := h.pipeline.Process(context.Background(), domain.StrategyJPGToPDF, []upload.Source{
		source("notes.txt", []byte("first")),
		source("clip.gif", []byte("GIF89a")),
		source("ok.png", pngBytes(t, 8, 8)),
		source("notes.txt", []byte("second")),
	}, 0, nil)
	require.NoError(t, err)

	files := make([]string, len(result.Errors))
	for i, fe := range result.Errors {
		files[i] = fe.File
	}
	assert.Equal(t, []string{"notes.txt", "clip.gif", "notes.txt"}, files)
}

type failingReads struct {
	*upload.Store
}

func (failingReads) ReadFile(f domain.UploadedFile) ([]byte, error) {
	return nil, domain.IOError("read temp file for "+f.OriginalName, errors.New("input/output error"))
}

func TestPipeline_ReadFailureIsFatalAndReleases(t *testing.T) {
	h := newHarness(t, Options{})
	encoder, _ := pdf.NewPNGEncoder("")
	p := NewPipeline(failingReads{h.uploads}, h.outputs, pdf.NewRenderer(0), pdf.NewBuilder(nil, 0), encoder, Options{}, nil)

	for _, strategy := range []domain.Strategy{domain.StrategyPDFToPNG, domain.StrategyJPGToPDF} {
		result, err := p.Process(context.Background(), strategy, []upload.Source{source("a.pdf", pdfBytes(t, 1))}, 0, nil)
		require.Error(t, err, strategy)
		assert.True(t, domain.IsType(err, domain.ErrorTypeIO))
		assert.Equal(t, domain.StateFailed, result.State)
		assert.Zero(t, h.uploads.Outstanding())
	}
}

type failingPuts struct {
	output.Store
	calls   int
	mu      sync.Mutex
	deleted []string
}

func (f *failingPuts) Put(ctx context.Context, batchID, name, contentType string, data []byte) (output.Object, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	if n > 1 {
		return output.Object{}, domain.IOError("write artifact", errors.New("disk full"))
	}
	return f.Store.Put(ctx, batchID, name, contentType, data)
}

func (f *failingPuts) DeleteBatch(ctx context.Context, batchID string) error {
	f.mu.Lock()
	f.deleted = append(f.deleted, batchID)
	f.mu.Unlock()
	return f.Store.DeleteBatch(ctx, batchID)
}

func TestPipeline_StorageFailureDiscardsPartialBatch(t *testing.T) {
	h := newHarness(t, Options{})
	outputs := &failingPuts{Store: h.outputs}
	encoder, _ := pdf.NewPNGEncoder("")
	p := NewPipeline(h.uploads, outputs, pdf.NewRenderer(0), pdf.NewBuilder(nil, 0), encoder, Options{}, nil)

	result, err := p.Process(context.Background(), domain.StrategyPDFToPNG, []upload.Source{
		source("a.pdf", pdfBytes(t, 3)),
	}, 0, nil)
	require.Error(t, err)
	assert.True(t, domain.IsType(err, domain.ErrorTypeIO))
	assert.Empty(t, result.Artifacts)
	assert.Equal(t, []string{result.RequestID}, outputs.deleted)

	exists, _ := afero.DirExists(h.fs, "/converted/"+result.RequestID)
	assert.False(t, exists)
	assert.Zero(t, h.uploads.Outstanding())
}

func TestPipeline_CanceledRequestReleasesUploads(t *testing.T) {
	h := newHarness(t, Options{})
	doc := pdfBytes(t, 2)

	uploaded, err := h.uploads.Acquire(context.Background(), "req-cancel", []upload.Source{source("a.pdf", doc)})
	require.NoError(t, err)
	require.Equal(t, 1, h.uploads.Outstanding())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := h.pipeline.Run(ctx, domain.ConversionRequest{
		ID:       "req-cancel",
		Strategy: domain.StrategyPDFToPNG,
		Files:    uploaded,
	}, nil)
	require.Error(t, err)
	assert.True(t, domain.IsType(err, domain.ErrorTypeCanceled))
	assert.Equal(t, domain.StateFailed, result.State)
	assert.Zero(t, h.uploads.Outstanding())
}

func TestPipeline_ConcurrentRequestsNeverCollide(t *testing.T) {
	h := newHarness(t, Options{Workers: 2})
	doc := pdfBytes(t, 2)

	const requests = 6
	results := make([]*domain.ConversionResult, requests)
	var wg sync.WaitGroup
	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := h.pipeline.Process(context.Background(), domain.StrategyPDFToPNG, []upload.Source{
				source("same.pdf", doc),
				source("same.pdf", doc),
			}, 0, nil)
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	paths := make(map[string]struct{})
	for _, res := range results {
		require.NotNil(t, res)
		require.Len(t, res.Artifacts, 4)
		for _, a := range res.Artifacts {
			_, dup := paths[a.StoragePath]
			assert.False(t, dup, a.StoragePath)
			paths[a.StoragePath] = struct{}{}
		}
	}
	assert.Len(t, paths, requests*4)
	assert.Zero(t, h.uploads.Outstanding())
}

func TestPipeline_RecorderFailureDoesNotFailRequest(t *testing.T) {
	h := newHarness(t, Options{})
	h.recorder.err = errors.New("database is locked")

	result, err := h.pipeline.Process(context.Background(), domain.StrategyPDFToPNG, []upload.Source{
		source("a.pdf", pdfBytes(t, 1)),
	}, 0, nil)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Len(t, h.recorder.results, 1)
}

func TestPipeline_EmitsProgressEvents(t *testing.T) {
	h := newHarness(t, Options{})
	events := make(chan domain.StreamEvent, 32)

	result, err := h.pipeline.Process(context.Background(), domain.StrategyPDFToPNG, []upload.Source{
		source("a.pdf", pdfBytes(t, 2)),
		source("bad.pdf", []byte("nope")),
	}, 0, events)
	require.NoError(t, err)
	close(events)

	var types []domain.EventType
	for ev := range events {
		assert.Equal(t, result.RequestID, ev.RequestID)
		assert.False(t, ev.Timestamp.IsZero())
		types = append(types, ev.Type)
	}

	require.NotEmpty(t, types)
	assert.Equal(t, domain.EventStart, types[0])
	assert.Equal(t, domain.EventComplete, types[len(types)-1])

	counts := make(map[domain.EventType]int)
	for _, typ := range types {
		counts[typ]++
	}
	assert.Equal(t, 2, counts[domain.EventFileStart])
	assert.Equal(t, 2, counts[domain.EventPageComplete])
	assert.Equal(t, 1, counts[domain.EventFileError])
}

func TestNamer(t *testing.T) {
	n := newNamer()
	assert.Equal(t, "a", n.stem("a.pdf"))
	assert.Equal(t, "a-2", n.stem("a.pdf"))
	assert.Equal(t, "a-3", n.stem("a"))
	assert.Equal(t, "file", n.stem(".pdf"))
	assert.Len(t, n.stem(strings.Repeat("z", 300)+".pdf"), maxStemBytes)
	assert.Equal(t, strings.Repeat("é", maxStemBytes/2), clipStem(strings.Repeat("é", 150)))
	assert.Len(t, clipStem("x"+strings.Repeat("é", 150)), maxStemBytes-1)

	assert.Equal(t, "x.png", n.reserve("x.png"))
	assert.Equal(t, "x-2.png", n.reserve("x.png"))
	assert.Equal(t, "x-3.png", n.reserve("x.png"))
	assert.Equal(t, "output.pdf", n.reserve(AggregatePDFName))

	assert.Equal(t, "a.png", pageName("a", 0, 1))
	assert.Equal(t, "a-page-3.png", pageName("a", 2, 5))
}
