//go:build windows

package procutil

import (
	"fmt"
	"os"
	"syscall"
)

// Exit code GetExitCodeProcess reports for a process that has not exited.
const stillActive = 259

// GracefulTerminate kills p. Windows has no SIGTERM for console-less
// native hosts, so stopping a host is always immediate.
func GracefulTerminate(p *os.Process) error {
	return p.Kill()
}

// TerminateByPID kills the running process identified by pid.
func TerminateByPID(pid int) error {
	if !IsProcessAlive(pid) {
		return fmt.Errorf("procutil: no running process with pid %d", pid)
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	defer p.Release()
	return p.Kill()
}

// IsProcessAlive reports whether pid names a process that has not exited.
// A handle can outlive its process, so the exit code is checked too.
func IsProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	h, err := syscall.OpenProcess(syscall.PROCESS_QUERY_INFORMATION, false, uint32(pid))
	if err != nil {
		return false
	}
	defer syscall.CloseHandle(h)

	var code uint32
	if err := syscall.GetExitCodeProcess(h, &code); err != nil {
		return false
	}
	return code == stillActive
}
