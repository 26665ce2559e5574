package output

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/spherical/pdf-converter/internal/domain"
)

// RoutePrefix is where the local store's artifacts are served.
const RoutePrefix = "/converted"

// LocalStore keeps artifacts on a filesystem served by the API itself.
type LocalStore struct {
	fs      afero.Fs
	root    string
	baseURL string
}

// NewLocalStore creates a store rooted at root. publicBaseURL may be empty,
// in which case artifact URLs are relative to the API host.
func NewLocalStore(fs afero.Fs, root, publicBaseURL string) *LocalStore {
	return &LocalStore{
		fs:      fs,
		root:    root,
		baseURL: strings.TrimRight(publicBaseURL, "/") + RoutePrefix,
	}
}

var _ Store = (*LocalStore)(nil)

// Init creates the storage root.
func (s *LocalStore) Init(_ context.Context) error {
	if err := s.fs.MkdirAll(s.root, 0o755); err != nil {
		return domain.IOError("create output directory", err)
	}
	return nil
}

// Put writes one artifact.
func (s *LocalStore) Put(ctx context.Context, batchID, name, _ string, data []byte) (Object, error) {
	if err := ctx.Err(); err != nil {
		return Object{}, domain.CanceledError(err)
	}
	if err := validateBatchID(batchID); err != nil {
		return Object{}, domain.ValidationError("put artifact", err)
	}
	if err := validateName(name); err != nil {
		return Object{}, domain.ValidationError("put artifact", err)
	}

	dir := filepath.Join(s.root, batchID)
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return Object{}, domain.IOError("create batch directory", err)
	}

	full := filepath.Join(dir, name)
	f, err := s.fs.OpenFile(full, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return Object{}, domain.IOError(fmt.Sprintf("create artifact %s", name), err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = s.fs.Remove(full)
		return Object{}, domain.IOError(fmt.Sprintf("write artifact %s", name), err)
	}
	if err := f.Close(); err != nil {
		_ = s.fs.Remove(full)
		return Object{}, domain.IOError(fmt.Sprintf("close artifact %s", name), err)
	}

	key := Key(batchID, name)
	return Object{
		Key:       key,
		URL:       publicURL(s.baseURL, key),
		Size:      int64(len(data)),
		CreatedAt: time.Now().UTC(),
	}, nil
}

// ListBatches lists the batch directories under the root.
func (s *LocalStore) ListBatches(_ context.Context) ([]Batch, error) {
	entries, err := afero.ReadDir(s.fs, s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, domain.IOError("list output directory", err)
	}

	batches := make([]Batch, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		b := Batch{ID: e.Name(), Modified: e.ModTime()}
		if files, err := afero.ReadDir(s.fs, filepath.Join(s.root, e.Name())); err == nil {
			b.Objects = len(files)
			for _, f := range files {
				if f.ModTime().After(b.Modified) {
					b.Modified = f.ModTime()
				}
			}
		}
		batches = append(batches, b)
	}
	return batches, nil
}

// DeleteBatch removes a batch directory.
func (s *LocalStore) DeleteBatch(_ context.Context, batchID string) error {
	if err := validateBatchID(batchID); err != nil {
		return domain.ValidationError("delete batch", err)
	}
	if err := s.fs.RemoveAll(filepath.Join(s.root, batchID)); err != nil {
		return domain.IOError(fmt.Sprintf("delete batch %s", batchID), err)
	}
	return nil
}

// Handler serves stored artifacts. Mount it under RoutePrefix with the
// prefix stripped. Directory listings are not served.
func (s *LocalStore) Handler() http.Handler {
	files := http.FileServer(afero.NewHttpFs(s.fs).Dir(s.root))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "" || strings.HasSuffix(r.URL.Path, "/") {
			http.NotFound(w, r)
			return
		}
		clean := path.Clean("/" + r.URL.Path)
		if info, err := s.fs.Stat(filepath.Join(s.root, filepath.FromSlash(clean))); err != nil || info.IsDir() {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("X-Content-Type-Options", "nosniff")
		files.ServeHTTP(w, r)
	})
}
