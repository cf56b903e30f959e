// Package sink implements the long-term append storage for flushed records:
// date-partitioned text files on a lazily-mounted medium. The medium is not
// touched at boot; first use decides whether it is present.
package sink

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"codeberg.org/mutker/fieldlogd/internal/errors"
	"codeberg.org/mutker/fieldlogd/internal/logger"
	"github.com/spf13/afero"
)

const (
	filePrefix      = "data_"
	fileSuffix      = ".csv"
	healthProbeName = "health_check.tmp"
	defaultFilePerm = 0o644
)

// FileInfo describes one stored data file.
type FileInfo struct {
	Name string
	Size int64
}

// Sink appends records to one file per calendar day. The destination file is
// resolved deterministically from the current date and created with a header
// line on first write.
type Sink struct {
	fs         afero.Fs
	dir        string
	now        func() time.Time
	opened     bool
	dataPoints uint32
}

func New(fs afero.Fs, dir string) *Sink {
	return NewWithClock(fs, dir, time.Now)
}

// NewWithClock constructs a sink with an explicit wall-clock source, used by
// tests to pin the destination date.
func NewWithClock(fs afero.Fs, dir string, now func() time.Time) *Sink {
	return &Sink{fs: fs, dir: dir, now: now}
}

// EnsureOpen mounts the medium on first use. It returns storage_medium_absent
// without side effects when the medium is missing, and is a no-op once open.
func (s *Sink) EnsureOpen() error {
	if s.opened {
		return nil
	}

	info, err := s.fs.Stat(s.dir)
	if err != nil || !info.IsDir() {
		return errors.New().WithData(errors.ErrMediumAbsent, s.dir)
	}

	s.opened = true
	s.dataPoints = s.countDataPoints()
	logger.Info().
		Str("dir", s.dir).
		Uint32("data_points", s.dataPoints).
		Msg("Storage medium mounted")

	return nil
}

// Open reports whether the medium has been mounted.
func (s *Sink) Open() bool {
	return s.opened
}

func (s *Sink) fileName(t time.Time) string {
	return filePrefix + t.Format("20060102") + fileSuffix
}

// Append writes one record line to today's file, creating the file with the
// header line if it does not exist yet. Write failures are surfaced to the
// caller and never retried here.
func (s *Sink) Append(header, record string) error {
	if err := s.EnsureOpen(); err != nil {
		return err
	}

	errFactory := errors.New()
	path := filepath.Join(s.dir, s.fileName(s.now()))

	exists, err := afero.Exists(s.fs, path)
	if err != nil {
		return errFactory.Wrap(errors.ErrTransientIO, err)
	}

	f, err := s.fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, defaultFilePerm)
	if err != nil {
		return errFactory.Wrap(errors.ErrTransientIO, err)
	}
	defer f.Close()

	if !exists && header != "" {
		if _, err := f.WriteString(header + "\n"); err != nil {
			return errFactory.Wrap(errors.ErrTransientIO, err)
		}
	}
	if _, err := f.WriteString(record + "\n"); err != nil {
		return errFactory.Wrap(errors.ErrTransientIO, err)
	}

	s.dataPoints++

	return nil
}

// validateName rejects any name containing a parent-directory segment. The
// web collaborator passes names straight from requests.
func validateName(name string) error {
	if name == "" {
		return errors.New().New(ErrInvalidFileName)
	}
	for _, segment := range strings.Split(filepath.ToSlash(name), "/") {
		if segment == ".." {
			return errors.New().WithData(ErrInvalidFileName, name)
		}
	}

	return nil
}

// ListFiles returns the files on the medium, directories excluded.
func (s *Sink) ListFiles() ([]FileInfo, error) {
	if err := s.EnsureOpen(); err != nil {
		return nil, err
	}

	entries, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		return nil, errors.New().Wrap(ErrListFailed, err)
	}

	files := make([]FileInfo, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		files = append(files, FileInfo{Name: entry.Name(), Size: entry.Size()})
	}

	return files, nil
}

// ReadFile returns the full contents of one stored file.
func (s *Sink) ReadFile(name string) ([]byte, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if err := s.EnsureOpen(); err != nil {
		return nil, err
	}

	data, err := afero.ReadFile(s.fs, filepath.Join(s.dir, name))
	if err != nil {
		return nil, errors.New().Wrap(ErrFileNotFound, err)
	}

	return data, nil
}

// StreamFile opens one stored file for sequential reading. The caller owns
// the returned reader and must close it.
func (s *Sink) StreamFile(name string) (io.ReadCloser, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if err := s.EnsureOpen(); err != nil {
		return nil, err
	}

	f, err := s.fs.Open(filepath.Join(s.dir, name))
	if err != nil {
		return nil, errors.New().Wrap(ErrFileNotFound, err)
	}

	return f, nil
}

// Healthy probes the medium with a throwaway write.
func (s *Sink) Healthy() bool {
	if !s.opened {
		return false
	}

	path := filepath.Join(s.dir, healthProbeName)
	if err := afero.WriteFile(s.fs, path, []byte("OK\n"), defaultFilePerm); err != nil {
		return false
	}
	s.fs.Remove(path)

	return true
}

// DataPointCount returns the number of record lines written to the medium,
// including those found at mount time.
func (s *Sink) DataPointCount() uint32 {
	return s.dataPoints
}

// countDataPoints scans existing data files, counting every line after the
// header. Runs once, at mount.
func (s *Sink) countDataPoints() uint32 {
	entries, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		return 0
	}

	var total uint32
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}

		f, err := s.fs.Open(filepath.Join(s.dir, name))
		if err != nil {
			continue
		}

		scanner := bufio.NewScanner(f)
		first := true
		for scanner.Scan() {
			if !first && scanner.Text() != "" {
				total++
			}
			first = false
		}
		f.Close()
	}

	return total
}
