// Package docstore keeps submission files on disk, one file per
// submission and status.
package docstore

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/Veraticus/psan/internal/common"
	"github.com/Veraticus/psan/internal/model"
)

// ErrInvalidUID is returned for uids that are not UUIDs.
var ErrInvalidUID = errors.New("invalid submission uid")

// Store is a directory of submission files laid out as <root>/<uid>/<status>.
type Store struct {
	root string
}

// New returns a store rooted at dir, creating it if needed.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create document folder: %w", err)
	}
	return &Store{root: dir}, nil
}

// NewUID returns a fresh submission uid.
func NewUID() string {
	return uuid.NewString()
}

// Path returns the file of uid in status. NEW files hold the raw text,
// later ones the tagged document.
func (s *Store) Path(uid string, status model.SubmissionStatus) (string, error) {
	if _, err := uuid.Parse(uid); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidUID, uid)
	}
	ext := ".xml"
	if status == model.StatusNew {
		ext = ".txt"
	}
	return filepath.Join(s.root, uid, strings.ToLower(string(status))+ext), nil
}

// Open opens the file of uid in status for reading.
func (s *Store) Open(uid string, status model.SubmissionStatus) (io.ReadCloser, error) {
	path, err := s.Path(uid, status)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path) //nolint:gosec // path built from a validated uid
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s file of %s", common.ErrNotFound, status, uid)
		}
		return nil, fmt.Errorf("failed to open document: %w", err)
	}
	return f, nil
}

// Create returns a writer for the file of uid in status. The file appears
// under its final name only when the writer is closed without error, so
// readers never see a partial document.
func (s *Store) Create(uid string, status model.SubmissionStatus) (io.WriteCloser, error) {
	path, err := s.Path(uid, status)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("failed to create document directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return nil, fmt.Errorf("failed to create document: %w", err)
	}
	return &atomicFile{File: tmp, path: path}, nil
}

// Remove deletes every file of uid.
func (s *Store) Remove(uid string) error {
	path, err := s.Path(uid, model.StatusNew)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to remove documents of %s: %w", uid, err)
	}
	return nil
}

type atomicFile struct {
	*os.File
	path string
}

func (f *atomicFile) Close() error {
	if err := f.File.Close(); err != nil {
		f.discard()
		return fmt.Errorf("failed to write document: %w", err)
	}
	if err := os.Rename(f.Name(), f.path); err != nil {
		f.discard()
		return fmt.Errorf("failed to store document: %w", err)
	}
	return nil
}

func (f *atomicFile) discard() {
	if err := os.Remove(f.Name()); err != nil && !os.IsNotExist(err) {
		slog.Warn("Failed to remove temporary document", "path", f.Name(), "error", err)
	}
}
