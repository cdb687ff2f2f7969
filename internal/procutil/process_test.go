package procutil

import (
	"os"
	"os/exec"
	"runtime"
	"testing"
	"time"
)

// hostStandIn starts a process that behaves like a native host that never
// exits on its own.
func hostStandIn(t *testing.T) *exec.Cmd {
	t.Helper()
	cmd := exec.Command("sleep", "300")
	if runtime.GOOS == "windows" {
		cmd = exec.Command("waitfor", "SynapseTestSignalNeverSent", "/T", "300")
	}
	if err := cmd.Start(); err != nil {
		t.Fatalf("start host stand-in: %v", err)
	}
	t.Cleanup(func() {
		cmd.Process.Kill()
		cmd.Wait()
	})
	return cmd
}

func waitDead(t *testing.T, pid int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for IsProcessAlive(pid) {
		if time.Now().After(deadline) {
			t.Fatalf("pid %d still alive", pid)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestIsProcessAlive(t *testing.T) {
	cases := []struct {
		name string
		pid  int
		want bool
	}{
		{"self", os.Getpid(), true},
		{"zero", 0, false},
		{"negative", -4, false},
		{"beyond pid range", 1<<30 - 1, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsProcessAlive(tc.pid); got != tc.want {
				t.Fatalf("IsProcessAlive(%d) = %v, want %v", tc.pid, got, tc.want)
			}
		})
	}
}

func TestStopHostProcess(t *testing.T) {
	stops := []struct {
		name string
		stop func(cmd *exec.Cmd) error
	}{
		{"graceful", func(cmd *exec.Cmd) error {
			err := GracefulTerminate(cmd.Process)
			cmd.Wait()
			return err
		}},
		{"by pid", func(cmd *exec.Cmd) error {
			err := TerminateByPID(cmd.Process.Pid)
			cmd.Wait()
			return err
		}},
		{"stop command", func(cmd *exec.Cmd) error {
			StopCommand(cmd, time.Second)
			return nil
		}},
	}
	for _, tc := range stops {
		t.Run(tc.name, func(t *testing.T) {
			cmd := hostStandIn(t)
			pid := cmd.Process.Pid

			done := make(chan error, 1)
			go func() { done <- tc.stop(cmd) }()
			select {
			case err := <-done:
				if err != nil {
					t.Fatalf("stop: %v", err)
				}
			case <-time.After(5 * time.Second):
				t.Fatal("stop did not return")
			}
			waitDead(t, pid)
		})
	}
}

func TestStopCommandKillsAfterGrace(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("signals are not deliverable to ignore on windows")
	}
	cmd := exec.Command("sh", "-c", `trap "" TERM; sleep 300`)
	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	StopCommand(cmd, 200*time.Millisecond)
	if elapsed := time.Since(start); elapsed < 200*time.Millisecond {
		t.Fatalf("StopCommand returned after %s, before the grace period", elapsed)
	}
	waitDead(t, cmd.Process.Pid)
}

func TestStopCommandNotStarted(t *testing.T) {
	if err := StopCommand(exec.Command("true"), time.Second); err != nil {
		t.Fatalf("StopCommand on unstarted command: %v", err)
	}
	if err := StopCommand(nil, time.Second); err != nil {
		t.Fatalf("StopCommand(nil): %v", err)
	}
}
