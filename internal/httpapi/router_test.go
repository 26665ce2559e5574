package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical/pdf-converter/internal/cache"
	"github.com/spherical/pdf-converter/internal/convert"
	"github.com/spherical/pdf-converter/internal/domain"
	"github.com/spherical/pdf-converter/internal/manifest"
	"github.com/spherical/pdf-converter/internal/output"
	"github.com/spherical/pdf-converter/internal/pdf"
	"github.com/spherical/pdf-converter/internal/upload"
)

type fakeConverter struct {
	strategy domain.Strategy
	scale    float64
	names    []string
	contents []string
	result   *domain.ConversionResult
	err      error
}

func (f *fakeConverter) Process(_ context.Context, strategy domain.Strategy, sources []upload.Source, scale float64, _ chan<- domain.StreamEvent) (*domain.ConversionResult, error) {
	f.strategy = strategy
	f.scale = scale
	for _, s := range sources {
		f.names = append(f.names, s.Name)
		rc, err := s.Open()
		if err != nil {
			return nil, err
		}
		data, _ := io.ReadAll(rc)
		rc.Close()
		f.contents = append(f.contents, string(data))
	}
	return f.result, f.err
}

type part struct {
	field, name string
	data        []byte
}

func multipartBody(t *testing.T, parts ...part) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, p := range parts {
		fw, err := mw.CreateFormFile(p.field, p.name)
		require.NoError(t, err)
		_, err = fw.Write(p.data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func post(t *testing.T, h http.Handler, target string, parts ...part) *httptest.ResponseRecorder {
	t.Helper()
	body, contentType := multipartBody(t, parts...)
	req := httptest.NewRequest(http.MethodPost, target, body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) ConversionResponse {
	t.Helper()
	var resp ConversionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return resp
}

func TestHealth(t *testing.T) {
	h := NewRouter(Config{}, Deps{Converter: &fakeConverter{}})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy","service":"pdf-converter"}`, rec.Body.String())
}

func TestConvert_PassesFilesAndScale(t *testing.T) {
	conv := &fakeConverter{result: &domain.ConversionResult{
		RequestID: "req-1",
		Success:   true,
		Artifacts: []domain.OutputArtifact{
			{Name: "a.png", PublicURL: "http://x/converted/req-1/a.png"},
		},
	}}
	h := NewRouter(Config{}, Deps{Converter: conv})

	rec := post(t, h, "/convert/pdf-to-png?scale=2",
		part{FilesField, "a.pdf", []byte("first")},
		part{FilesField, "b.pdf", []byte("second")},
		part{"other", "ignored.pdf", []byte("x")},
	)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, domain.StrategyPDFToPNG, conv.strategy)
	assert.Equal(t, 2.0, conv.scale)
	assert.Equal(t, []string{"a.pdf", "b.pdf"}, conv.names)
	assert.Equal(t, []string{"first", "second"}, conv.contents)

	assert.JSONEq(t, `{"success":true,"requestId":"req-1","files":[{"name":"a.png","url":"http://x/converted/req-1/a.png"}]}`,
		rec.Body.String())
}

func TestConvert_FailureResponse(t *testing.T) {
	conv := &fakeConverter{
		result: &domain.ConversionResult{
			RequestID: "req-2",
			Error:     "no file in the batch could be converted",
			Errors:    []domain.FileError{{File: "a.txt", Code: domain.ErrorTypeUnsupportedFormat, Message: "not a PDF"}},
		},
		err: domain.NoValidInputsError("no file in the batch could be converted"),
	}
	h := NewRouter(Config{}, Deps{Converter: conv})

	rec := post(t, h, "/convert/jpg-to-pdf", part{FilesField, "a.txt", []byte("x")})

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	resp := decode(t, rec)
	assert.False(t, resp.Success)
	assert.Equal(t, "req-2", resp.RequestID)
	assert.Equal(t, "no file in the batch could be converted", resp.Error)
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, "a.txt", resp.Errors[0].File)
	assert.Equal(t, domain.StrategyJPGToPDF, conv.strategy)
}

func TestConvert_StatusMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", domain.ValidationError("too many files", nil), http.StatusBadRequest},
		{"file too large", domain.IOError("upload a.pdf", upload.ErrFileTooLarge), http.StatusRequestEntityTooLarge},
		{"io", domain.IOError("write artifact", io.ErrShortWrite), http.StatusInternalServerError},
		{"canceled", domain.CanceledError(context.Canceled), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conv := &fakeConverter{result: &domain.ConversionResult{RequestID: "r"}, err: tt.err}
			rec := post(t, NewRouter(Config{}, Deps{Converter: conv}), "/convert/pdf-to-png", part{FilesField, "a.pdf", []byte("x")})
			assert.Equal(t, tt.want, rec.Code)
			assert.False(t, decode(t, rec).Success)
		})
	}
}

func TestConvert_RequestErrors(t *testing.T) {
	conv := &fakeConverter{}
	h := NewRouter(Config{MaxRequestSize: 1024}, Deps{Converter: conv})

	t.Run("bad scale", func(t *testing.T) {
		rec := post(t, h, "/convert/pdf-to-png?scale=big", part{FilesField, "a.pdf", []byte("x")})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("body too large", func(t *testing.T) {
		rec := post(t, h, "/convert/pdf-to-png", part{FilesField, "a.pdf", bytes.Repeat([]byte("x"), 4096)})
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	})

	t.Run("malformed multipart", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/convert/pdf-to-png", strings.NewReader("--nope\r\ngarbage"))
		req.Header.Set("Content-Type", "multipart/form-data; boundary=xyz")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	assert.Empty(t, conv.names)
}

func TestConvert_RateLimited(t *testing.T) {
	conv := &fakeConverter{result: &domain.ConversionResult{RequestID: "r", Success: true}}
	h := NewRouter(Config{RateLimit: 1, RateWindow: time.Minute}, Deps{Converter: conv})

	first := post(t, h, "/convert/pdf-to-png", part{FilesField, "a.pdf", []byte("x")})
	second := post(t, h, "/convert/pdf-to-png", part{FilesField, "a.pdf", []byte("x")})

	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
}

type fakeManifests struct {
	results map[string]*domain.ConversionResult
}

func (f fakeManifests) Get(_ context.Context, id string) (*domain.ConversionResult, error) {
	if r, ok := f.results[id]; ok {
		return r, nil
	}
	return nil, manifest.ErrNotFound
}

func TestManifestLookup(t *testing.T) {
	id := "0f8fad5b-d9cb-469f-a165-70867728950e"
	h := NewRouter(Config{}, Deps{
		Converter: &fakeConverter{},
		Manifests: fakeManifests{results: map[string]*domain.ConversionResult{
			id: {RequestID: id, State: domain.StateCompleted, Success: true},
		}},
	})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/conversions/"+id, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var got domain.ConversionResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, domain.StateCompleted, got.State)

	for _, missing := range []string{"7c9e6679-7425-40de-944b-e07fc1f90ae7", "not-a-uuid"} {
		rec = httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/conversions/"+missing, nil))
		assert.Equal(t, http.StatusNotFound, rec.Code, missing)
	}
}

func testPDF(t *testing.T, pages int) []byte {
	t.Helper()
	inputs := make([]domain.RasterInput, pages)
	for i := range inputs {
		img := image.NewRGBA(image.Rect(0, 0, 30, 20))
		for p := range img.Pix {
			img.Pix[p] = 0xff
		}
		img.SetRGBA(1, 1, color.RGBA{A: 255})
		var buf bytes.Buffer
		require.NoError(t, png.Encode(&buf, img))
		inputs[i] = domain.RasterInput{Name: "p.png", Data: buf.Bytes()}
	}
	res, err := pdf.NewBuilder(nil, 0).CreateDocument(context.Background(), inputs)
	require.NoError(t, err)
	return res.Document
}

func TestEndToEnd_ConvertAndDownload(t *testing.T) {
	fs := afero.NewMemMapFs()
	uploads, err := upload.NewStore(fs, "/uploads", 1<<20, nil)
	require.NoError(t, err)
	outputs := output.NewLocalStore(fs, "/converted", "http://example.test")
	require.NoError(t, outputs.Init(context.Background()))
	encoder, err := pdf.NewPNGEncoder("default")
	require.NoError(t, err)

	mem := cache.NewMemoryClient(100)
	defer mem.Close()
	manifests := manifest.NewStore(mem, time.Hour)

	pipeline := convert.NewPipeline(uploads, outputs, pdf.NewRenderer(0), pdf.NewBuilder(nil, 0), encoder,
		convert.Options{MaxFiles: 5, Workers: 2}, nil, manifests)

	h := NewRouter(Config{MaxRequestSize: 8 << 20}, Deps{
		Converter: pipeline,
		Manifests: manifests,
		Downloads: outputs.Handler(),
	})

	rec := post(t, h, "/convert/pdf-to-png",
		part{FilesField, "two pages.pdf", testPDF(t, 2)},
		part{FilesField, "notes.txt", []byte("hello")},
	)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decode(t, rec)
	assert.True(t, resp.Success)
	require.Len(t, resp.Files, 2)
	assert.Equal(t, "two pages-page-1.png", resp.Files[0].Name)
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, "notes.txt", resp.Errors[0].File)
	assert.Zero(t, uploads.Outstanding())

	u, err := url.Parse(resp.Files[1].URL)
	require.NoError(t, err)
	assert.Equal(t, "example.test", u.Host)

	dl := httptest.NewRecorder()
	h.ServeHTTP(dl, httptest.NewRequest(http.MethodGet, u.EscapedPath(), nil))
	require.Equal(t, http.StatusOK, dl.Code)
	img, err := png.Decode(dl.Body)
	require.NoError(t, err)
	assert.Equal(t, 30, img.Bounds().Dx())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/conversions/"+resp.RequestID, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = post(t, h, "/convert/jpg-to-pdf")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.False(t, decode(t, rec).Success)
}
