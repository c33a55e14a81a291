// Package supervise runs and supervises the external engine processes
// the overlay depends on: the key exchange engine and the routing
// daemon. Each process is restarted never; an unexpected exit is fatal
// to the whole daemon so the init system can restart everything in a
// consistent state.
package supervise

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// ErrPidfile wraps pidfile read and write failures.
var ErrPidfile = errors.New("pidfile")

// WritePidfile records pid at path, creating parent directories as
// needed.
func WritePidfile(path string, pid int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrPidfile, err)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o644); err != nil {
		return fmt.Errorf("%w: %v", ErrPidfile, err)
	}
	return nil
}

// ReadPidfile returns the pid recorded at path.
func ReadPidfile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrPidfile, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("%w: %s: malformed pid: %v", ErrPidfile, path, err)
	}
	return pid, nil
}

// RemovePidfile deletes the pidfile at path. A missing file is not an
// error.
func RemovePidfile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %v", ErrPidfile, err)
	}
	return nil
}

// Alive reports whether a process with the given pid exists. Signal 0
// performs the existence check without delivering anything.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// Status describes the liveness of the named process according to its
// pidfile.
func Status(name, pidfilePath string) string {
	pid, err := ReadPidfile(pidfilePath)
	if err != nil || !Alive(pid) {
		return fmt.Sprintf("%s is not running", name)
	}
	return fmt.Sprintf("%s is running, pid %d", name, pid)
}
