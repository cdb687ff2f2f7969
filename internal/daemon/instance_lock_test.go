package daemon

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"
)

func TestInstanceLockLifecycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "bridge.lock")

	lock, err := acquireInstanceLock(path, os.Getpid())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	pid, err := readLockPID(path)
	if err != nil || pid != os.Getpid() {
		t.Fatalf("lock pid = %d, %v", pid, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("lock permissions = %o", perm)
	}

	lock.release()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("lock still present after release: %v", err)
	}
}

func TestInstanceLockRefusesLiveOwner(t *testing.T) {
	cmd := exec.Command("sleep", "5")
	if err := cmd.Start(); err != nil {
		t.Skipf("cannot start helper process: %v", err)
	}
	t.Cleanup(func() {
		cmd.Process.Kill()
		cmd.Wait()
	})

	path := filepath.Join(t.TempDir(), "bridge.lock")
	if err := os.WriteFile(path, []byte(strconv.Itoa(cmd.Process.Pid)), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := acquireInstanceLock(path, os.Getpid()); !errors.Is(err, ErrInstanceRunning) {
		t.Fatalf("acquire over live owner = %v", err)
	}
}

func TestInstanceLockTakesOverStaleLock(t *testing.T) {
	cmd := exec.Command("true")
	if err := cmd.Run(); err != nil {
		t.Skipf("cannot run helper process: %v", err)
	}

	path := filepath.Join(t.TempDir(), "bridge.lock")
	if err := os.WriteFile(path, []byte(strconv.Itoa(cmd.Process.Pid)), 0o600); err != nil {
		t.Fatal(err)
	}
	lock, err := acquireInstanceLock(path, os.Getpid())
	if err != nil {
		t.Fatalf("acquire over stale lock: %v", err)
	}
	defer lock.release()
	if pid, _ := readLockPID(path); pid != os.Getpid() {
		t.Fatalf("lock pid = %d", pid)
	}
}

func TestReleaseKeepsForeignLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.lock")
	lock, err := acquireInstanceLock(path, os.Getpid())
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("1"), 0o600); err != nil {
		t.Fatal(err)
	}
	lock.release()
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("release removed a lock it no longer owns: %v", err)
	}
}

func TestReadLockPIDRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.lock")
	if err := os.WriteFile(path, []byte("not-a-pid"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := readLockPID(path); err == nil {
		t.Fatal("expected error for garbage lock")
	}
}
