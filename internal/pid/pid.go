package pid

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"codeberg.org/mutker/kpid/internal/errors"
)

const (
	DefaultName = "kpid.pid"
)

// File is a PID file guarding against a second daemon instance
type File struct {
	path string
}

// New returns the PID file name in dir, or in the temporary directory when
// dir is empty.
func New(dir, name string) *File {
	if dir == "" {
		dir = os.TempDir()
	}
	return &File{path: filepath.Join(dir, name)}
}

func (f *File) Path() string { return f.path }

// Write writes the current process ID. It fails with ErrAlreadyRunning when
// the file names a live process.
func (f *File) Write() error {
	errFactory := errors.New()

	if running, err := f.running(); err != nil {
		return err
	} else if running {
		return errFactory.WithData(errors.ErrAlreadyRunning, f.path)
	}

	if err := os.WriteFile(f.path, []byte(strconv.Itoa(os.Getpid())), 0o600); err != nil {
		return errFactory.Wrap(errors.ErrInternal, err)
	}

	return nil
}

// running reports whether the file exists and its process is alive. A stale
// or unreadable file is treated as absent.
func (f *File) running() (bool, error) {
	bytes, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return false, nil
	} else if err != nil {
		return false, errors.New().Wrap(errors.ErrInternal, err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(bytes)))
	if err != nil || pid <= 0 {
		return false, nil
	}
	if pid == os.Getpid() {
		return false, nil
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false, nil
	}

	return process.Signal(syscall.Signal(0)) == nil, nil
}

// Remove removes the PID file.
func (f *File) Remove() error {
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return errors.New().Wrap(errors.ErrInternal, err)
	}

	return nil
}
