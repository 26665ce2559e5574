// Package upload holds client uploads on disk for the lifetime of one conversion request.
package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/spherical/pdf-converter/internal/domain"
	"github.com/spherical/pdf-converter/internal/observability"
)

// sniffLen is how many leading bytes are inspected for the MIME hint.
const sniffLen = 3072

// maxExtLen bounds the extension kept on temp file names, dot included.
const maxExtLen = 10

// ErrFileTooLarge is wrapped by Acquire when an upload exceeds the per-file limit.
var ErrFileTooLarge = errors.New("file too large")

// Source is one upload waiting to be acquired.
type Source struct {
	Name string
	Open func() (io.ReadCloser, error)
}

// Store is the temporary file store. Every acquired file is tracked until
// it is released, and released files are deleted exactly once.
type Store struct {
	fs          afero.Fs
	baseDir     string
	maxFileSize int64
	logger      *observability.Logger

	mu   sync.Mutex
	live map[string]domain.UploadedFile
}

// NewStore creates a store rooted at baseDir, creating it when missing.
// A non-positive maxFileSize disables the per-file limit.
func NewStore(fs afero.Fs, baseDir string, maxFileSize int64, logger *observability.Logger) (*Store, error) {
	if logger == nil {
		logger = observability.Nop()
	}
	if err := fs.MkdirAll(baseDir, 0o750); err != nil {
		return nil, domain.IOError("create upload directory", err)
	}
	return &Store{
		fs:          fs,
		baseDir:     baseDir,
		maxFileSize: maxFileSize,
		logger:      logger.WithComponent("upload"),
		live:        make(map[string]domain.UploadedFile),
	}, nil
}

// Acquire copies every source into the request's directory. On failure the
// files acquired so far are released before the error is returned.
func (s *Store) Acquire(ctx context.Context, requestID string, sources []Source) ([]domain.UploadedFile, error) {
	if len(sources) == 0 {
		return nil, nil
	}

	reqDir := filepath.Join(s.baseDir, requestID)
	if err := s.fs.MkdirAll(reqDir, 0o750); err != nil {
		return nil, domain.IOError("create request directory", err)
	}

	files := make([]domain.UploadedFile, 0, len(sources))
	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			s.Release(files)
			s.removeDirIfEmpty(reqDir)
			return nil, domain.CanceledError(err)
		}

		f, err := s.acquireOne(requestID, reqDir, src)
		if err != nil {
			s.Release(files)
			s.removeDirIfEmpty(reqDir)
			return nil, err
		}
		files = append(files, f)
	}

	s.logger.Debug().
		Str("request_id", requestID).
		Int("files", len(files)).
		Msg("uploads acquired")

	return files, nil
}

func (s *Store) acquireOne(requestID, reqDir string, src Source) (domain.UploadedFile, error) {
	name := cleanName(src.Name)
	id := uuid.NewString()
	path := filepath.Join(reqDir, id+tempExt(name))

	rc, err := src.Open()
	if err != nil {
		return domain.UploadedFile{}, domain.IOError(fmt.Sprintf("open upload %q", name), err)
	}
	defer rc.Close()

	out, err := s.fs.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return domain.UploadedFile{}, domain.IOError(fmt.Sprintf("create temp file for %q", name), err)
	}

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(rc, head)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		s.discard(out, path)
		return domain.UploadedFile{}, domain.IOError(fmt.Sprintf("read upload %q", name), err)
	}
	head = head[:n]

	var body io.Reader = io.MultiReader(bytes.NewReader(head), rc)
	if s.maxFileSize > 0 {
		body = io.LimitReader(body, s.maxFileSize+1)
	}

	size, err := io.Copy(out, body)
	if err != nil {
		s.discard(out, path)
		return domain.UploadedFile{}, domain.IOError(fmt.Sprintf("write upload %q", name), err)
	}
	if s.maxFileSize > 0 && size > s.maxFileSize {
		s.discard(out, path)
		return domain.UploadedFile{}, domain.IOError(
			fmt.Sprintf("upload %q exceeds the %s limit", name, humanize.IBytes(uint64(s.maxFileSize))),
			ErrFileTooLarge)
	}
	if err := out.Close(); err != nil {
		_ = s.fs.Remove(path)
		return domain.UploadedFile{}, domain.IOError(fmt.Sprintf("close temp file for %q", name), err)
	}

	file := domain.UploadedFile{
		ID:           id,
		RequestID:    requestID,
		TempPath:     path,
		OriginalName: name,
		MimeHint:     mimetype.Detect(head).String(),
		Size:         size,
		UploadedAt:   time.Now().UTC(),
	}

	s.mu.Lock()
	s.live[id] = file
	s.mu.Unlock()

	return file, nil
}

func (s *Store) discard(f afero.File, path string) {
	_ = f.Close()
	if err := s.fs.Remove(path); err != nil && !os.IsNotExist(err) {
		s.logger.Warn().Err(err).Str("path", path).Msg("failed to remove partial upload")
	}
}

// ReadFile returns the content of an acquired file.
func (s *Store) ReadFile(f domain.UploadedFile) ([]byte, error) {
	data, err := afero.ReadFile(s.fs, f.TempPath)
	if err != nil {
		return nil, domain.IOError(fmt.Sprintf("read temp file for %q", f.OriginalName), err)
	}
	return data, nil
}

// Release deletes the given files. Every deletion is attempted; failures are
// logged one by one and returned, never aborting the rest. Files that were
// already released are skipped.
func (s *Store) Release(files []domain.UploadedFile) []error {
	var errs []error
	dirs := make(map[string]struct{})

	for _, f := range files {
		s.mu.Lock()
		_, ok := s.live[f.ID]
		delete(s.live, f.ID)
		s.mu.Unlock()
		if !ok {
			continue
		}

		dirs[filepath.Dir(f.TempPath)] = struct{}{}
		if err := s.fs.Remove(f.TempPath); err != nil && !os.IsNotExist(err) {
			s.logger.Error().
				Err(err).
				Str("request_id", f.RequestID).
				Str("file", f.OriginalName).
				Str("path", f.TempPath).
				Msg("failed to delete temp file")
			errs = append(errs, fmt.Errorf("delete %s: %w", f.TempPath, err))
		}
	}

	for dir := range dirs {
		s.removeDirIfEmpty(dir)
	}

	return errs
}

func (s *Store) removeDirIfEmpty(dir string) {
	if dir == s.baseDir {
		return
	}
	empty, err := afero.IsEmpty(s.fs, dir)
	if err != nil || !empty {
		return
	}
	if err := s.fs.Remove(dir); err != nil && !os.IsNotExist(err) {
		s.logger.Warn().Err(err).Str("path", dir).Msg("failed to remove request directory")
	}
}

// Outstanding returns how many acquired files have not been released yet.
func (s *Store) Outstanding() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// Sweep removes request directories older than olderThan that hold no live
// uploads. They are left behind when the process dies mid-request.
func (s *Store) Sweep(olderThan time.Duration) (int, error) {
	entries, err := afero.ReadDir(s.fs, s.baseDir)
	if err != nil {
		return 0, domain.IOError("list upload directory", err)
	}

	s.mu.Lock()
	active := make(map[string]struct{}, len(s.live))
	for _, f := range s.live {
		active[f.RequestID] = struct{}{}
	}
	s.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for _, e := range entries {
		if !e.IsDir() || e.ModTime().After(cutoff) {
			continue
		}
		if _, busy := active[e.Name()]; busy {
			continue
		}
		path := filepath.Join(s.baseDir, e.Name())
		if err := s.fs.RemoveAll(path); err != nil {
			s.logger.Warn().Err(err).Str("path", path).Msg("failed to sweep orphaned uploads")
			continue
		}
		removed++
	}

	if removed > 0 {
		s.logger.Info().Int("directories", removed).Msg("swept orphaned uploads")
	}
	return removed, nil
}

// tempExt returns name's extension when it is short and plain, otherwise "".
// The client name itself never reaches the filesystem.
func tempExt(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if len(ext) < 2 || len(ext) > maxExtLen {
		return ""
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ""
		}
	}
	return ext
}

// cleanName strips any client supplied directory components.
func cleanName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, name)
	if name == "" || name == "." || name == "/" || name == ".." {
		return "upload"
	}
	return name
}
