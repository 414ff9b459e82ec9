// Package lock keeps a second ipakeeper process away from the same data directory.
package lock

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// StaleThreshold is how old an unreadable lock must be before it is broken.
const StaleThreshold = 10 * time.Minute

// ErrLocked means another live process holds the lock.
var ErrLocked = errors.New("data directory is in use by another ipakeeper process")

// Lock is an exclusive lock file.
type Lock struct {
	path string
	file *os.File
}

// Acquire creates path with O_EXCL. A lock left by a dead process, or an
// unreadable one older than StaleThreshold, is removed and retried once.
func Acquire(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	file, err := create(path)
	if os.IsExist(err) {
		if !stale(path) {
			return nil, ErrLocked
		}
		_ = os.Remove(path)
		file, err = create(path)
		if os.IsExist(err) {
			return nil, ErrLocked
		}
	}
	if err != nil {
		return nil, fmt.Errorf("create lock file: %w", err)
	}

	data := fmt.Sprintf("pid=%d\ntimestamp=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	if _, err := file.WriteString(data); err != nil {
		file.Close()
		os.Remove(path)
		return nil, fmt.Errorf("write lock data: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(path)
		return nil, fmt.Errorf("sync lock file: %w", err)
	}
	return &Lock{path: path, file: file}, nil
}

func create(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
}

// Release removes the lock file.
func (l *Lock) Release() error {
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
	if l.path != "" {
		if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove lock file: %w", err)
		}
		l.path = ""
	}
	return nil
}

func stale(path string) bool {
	if pid, ok := ownerPID(path); ok {
		return !alive(pid)
	}
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return time.Since(info.ModTime()) > StaleThreshold
}

func ownerPID(path string) (int, bool) {
	f, err := os.Open(path)
	if err != nil {
		return 0, false
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if v, ok := strings.CutPrefix(sc.Text(), "pid="); ok {
			pid, err := strconv.Atoi(v)
			return pid, err == nil && pid > 0
		}
	}
	return 0, false
}

func alive(pid int) bool {
	if pid == os.Getpid() {
		return true
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}
