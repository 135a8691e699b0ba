package engine

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Disk stores upload payloads as flat files named by their upload name.
// Writes go through a temporary file followed by an atomic rename, so a
// concurrent reader never observes a partially-written upload.
type Disk struct {
	saveDir string
	tmpDir  string
}

// NewDisk prepares the uploads and temp directories under dataDir.
func NewDisk(dataDir string) (*Disk, error) {
	saveDir := filepath.Join(dataDir, "uploads")
	tmpDir := filepath.Join(dataDir, "tmp")

	for _, dir := range []string{saveDir, tmpDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	return &Disk{saveDir: saveDir, tmpDir: tmpDir}, nil
}

// SaveDir returns the directory that holds finished uploads.
func (d *Disk) SaveDir() string {
	return d.saveDir
}

func (d *Disk) path(name string) (string, error) {
	if name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, `/\`) || name != filepath.Base(name) {
		return "", fmt.Errorf("invalid upload name %q", name)
	}
	return filepath.Join(d.saveDir, name), nil
}

// Save streams body into a temporary file and renames it into place,
// returning the number of bytes written. On any failure the temporary
// file is removed and no file appears under the final name. Errors from
// the reader (including ErrTooLarge from a limit guard) are passed
// through unwrapped.
func (d *Disk) Save(name string, body io.Reader) (int64, error) {
	finalPath, err := d.path(name)
	if err != nil {
		return 0, err
	}

	tmp, err := os.CreateTemp(d.tmpDir, "upload-*")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}

	// The temp file is removed on every exit path; when the rename
	// succeeded the removal just fails with ENOENT.
	defer os.Remove(tmp.Name())

	written, err := io.Copy(tmp, body)
	closeErr := tmp.Close()
	if err != nil {
		return 0, err
	}
	if closeErr != nil {
		return 0, fmt.Errorf("close temp file: %w", closeErr)
	}

	if err := os.Rename(tmp.Name(), finalPath); err != nil {
		return 0, fmt.Errorf("rename into place: %w", err)
	}

	return written, nil
}

// Open opens a stored upload for reading the full content. A missing
// file maps to ErrNotFound.
func (d *Disk) Open(name string) (*os.File, int64, error) {
	p, err := d.path(name)
	if err != nil {
		return nil, 0, err
	}

	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("open upload: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, fmt.Errorf("stat upload: %w", err)
	}

	return f, info.Size(), nil
}

// ReadAll reads a stored upload fully into memory. A missing file maps
// to ErrNotFound.
func (d *Disk) ReadAll(name string) ([]byte, error) {
	p, err := d.path(name)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read upload: %w", err)
	}

	return data, nil
}

// ReadRange opens a stored upload and returns a reader over the resolved
// byte interval, along with the satisfied start and end offsets (both
// inclusive) and the total file size.
func (d *Disk) ReadRange(name string, br ByteRange) (rc io.ReadCloser, start, end, size int64, err error) {
	f, size, err := d.Open(name)
	if err != nil {
		return nil, 0, 0, 0, err
	}

	start, end, err = br.resolve(size)
	if err != nil {
		_ = f.Close()
		return nil, 0, 0, 0, err
	}

	if _, err := f.Seek(start, io.SeekStart); err != nil {
		_ = f.Close()
		return nil, 0, 0, 0, fmt.Errorf("seek upload: %w", err)
	}

	return &rangeReader{
		Reader: io.LimitReader(f, end-start+1),
		file:   f,
	}, start, end, size, nil
}

// Delete removes a stored upload. Deleting a missing file is not an
// error.
func (d *Disk) Delete(name string) error {
	p, err := d.path(name)
	if err != nil {
		return err
	}

	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove upload: %w", err)
	}

	return nil
}

type rangeReader struct {
	io.Reader
	file *os.File
}

func (r *rangeReader) Close() error {
	return r.file.Close()
}

// ByteRange is a single HTTP byte range translated into offsets by the
// HTTP layer. Exactly one interpretation applies: a suffix range when
// Suffix > 0, otherwise Start..End inclusive with End == -1 meaning "to
// end of file".
type ByteRange struct {
	Start  int64
	End    int64
	Suffix int64
}

// resolve turns the range into concrete inclusive offsets for a file of
// the given size, or ErrRangeNotSatisfiable when the range lies outside
// the file.
func (br ByteRange) resolve(size int64) (start, end int64, err error) {
	if br.Suffix > 0 {
		if size == 0 {
			return 0, 0, ErrRangeNotSatisfiable
		}
		start = size - br.Suffix
		if start < 0 {
			start = 0
		}
		return start, size - 1, nil
	}

	if br.Start < 0 || br.Start >= size {
		return 0, 0, ErrRangeNotSatisfiable
	}

	end = br.End
	if end < 0 || end >= size {
		end = size - 1
	}
	if end < br.Start {
		return 0, 0, ErrRangeNotSatisfiable
	}

	return br.Start, end, nil
}
