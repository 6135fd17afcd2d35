package attachments

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrFileMissing is returned when a stored file no longer exists.
var ErrFileMissing = errors.New("attachment file missing")

// Storage persists attachment bytes under generated names.
type Storage interface {
	// Save writes r under name and returns the byte count. Writes beyond
	// MaxSize fail with a *ValidationError and leave nothing behind.
	Save(name string, r io.Reader) (int64, error)
	Open(name string) (io.ReadCloser, error)
	Remove(name string) error
	// Path is the absolute location handed to the scanner.
	Path(name string) string
}

// Disk stores files in a single directory.
type Disk struct {
	root string
}

// NewDisk creates root when missing and returns a Disk rooted at its
// absolute path.
func NewDisk(root string) (*Disk, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("create attachment dir: %w", err)
	}
	return &Disk{root: abs}, nil
}

func (d *Disk) Path(name string) string {
	return filepath.Join(d.root, filepath.Base(name))
}

func (d *Disk) Save(name string, r io.Reader) (int64, error) {
	if name == "" || strings.ContainsAny(name, `/\`) {
		return 0, fmt.Errorf("invalid stored name %q", name)
	}
	tmp, err := os.CreateTemp(d.root, ".upload-*")
	if err != nil {
		return 0, err
	}
	defer os.Remove(tmp.Name()) // no-op after a successful rename

	n, err := io.Copy(tmp, io.LimitReader(r, MaxSize+1))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, err
	}
	if n > MaxSize {
		return 0, invalid(CodeTooLarge, "file exceeds %d bytes", MaxSize)
	}
	if n == 0 {
		return 0, invalid(CodeEmpty, "file is empty")
	}
	if err := os.Rename(tmp.Name(), d.Path(name)); err != nil {
		return 0, err
	}
	return n, nil
}

func (d *Disk) Open(name string) (io.ReadCloser, error) {
	f, err := os.Open(d.Path(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrFileMissing
	}
	return f, err
}

// Remove deletes the file. A missing file is not an error.
func (d *Disk) Remove(name string) error {
	err := os.Remove(d.Path(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
