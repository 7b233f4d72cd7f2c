package archiver

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"syscall"
)

var (
	ErrRunning         = errors.New("another instance is running")
	ErrPidFileWritable = errors.New("pid file not writable")
)

// CheckPidFile returns ErrRunning if path holds the pid of a live process. A
// missing file, or a file with a stale or unparsable pid, is not an error.
func CheckPidFile(path string) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("reading pid file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(buf)))
	if err != nil || pid <= 0 {
		pkglog.Info("ignoring pid file with invalid content")
		return nil
	}
	if pid == os.Getpid() {
		return nil
	}
	// Signal 0 only checks for existence. EPERM means the process exists, but
	// belongs to another user.
	err = syscall.Kill(pid, 0)
	if err == nil || errors.Is(err, syscall.EPERM) {
		return fmt.Errorf("%w: pid %d", ErrRunning, pid)
	}
	return nil
}

// WritePidFile writes the current process id to path.
func WritePidFile(path string) error {
	if err := os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0644); err != nil {
		return fmt.Errorf("%w: %v", ErrPidFileWritable, err)
	}
	return nil
}

// RemovePidFile removes the pid file if it still holds our pid.
func RemovePidFile(path string) {
	buf, err := os.ReadFile(path)
	if err != nil {
		pkglog.Check(err, "reading pid file before removal")
		return
	}
	if strings.TrimSpace(string(buf)) != strconv.Itoa(os.Getpid()) {
		pkglog.Info("not removing pid file of other process")
		return
	}
	err = os.Remove(path)
	pkglog.Check(err, "removing pid file")
}
