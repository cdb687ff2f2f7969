package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/bloom-nucleus/synapse/internal/config"
	"github.com/bloom-nucleus/synapse/internal/procutil"
)

// ErrInstanceRunning is returned when another live daemon owns the
// instance lock.
var ErrInstanceRunning = errors.New("daemon: instance already running")

// instanceLock is the pid file that marks an instance as owned by a
// running daemon.
type instanceLock struct {
	path string
	pid  int
}

// acquireInstanceLock records pid in the lock at path. A lock left by a
// dead process is taken over.
func acquireInstanceLock(path string, pid int) (*instanceLock, error) {
	if path == "" {
		return nil, errors.New("daemon: lock path is empty")
	}
	if owner, err := readLockPID(path); err == nil && owner != pid && procutil.IsProcessAlive(owner) {
		return nil, fmt.Errorf("%w (pid %d)", ErrInstanceRunning, owner)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("daemon: create lock dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(pid)), 0o600); err != nil {
		return nil, fmt.Errorf("daemon: write lock: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("daemon: write lock: %w", err)
	}
	return &instanceLock{path: path, pid: pid}, nil
}

// release removes the lock unless another daemon has taken it over.
func (l *instanceLock) release() {
	if l == nil {
		return
	}
	if owner, err := readLockPID(l.path); err == nil && owner != l.pid {
		return
	}
	os.Remove(l.path)
}

func readLockPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("daemon: invalid lock %s: %w", path, err)
	}
	return pid, nil
}

// IsRunning reports whether a live daemon holds the lock of instance. A
// stale or unreadable lock is removed.
func IsRunning(instance string) (int, bool) {
	path := config.GetInstancePaths(instance).Lock

	pid, err := readLockPID(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			os.Remove(path)
		}
		return 0, false
	}
	if !procutil.IsProcessAlive(pid) {
		os.Remove(path)
		return 0, false
	}
	return pid, true
}
