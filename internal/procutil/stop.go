package procutil

import (
	"os/exec"
	"time"
)

// StopCommand asks a started command to exit and reaps it. The process is
// killed if it has not exited within grace. The returned error is the
// result of cmd.Wait.
func StopCommand(cmd *exec.Cmd, grace time.Duration) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	waited := make(chan error, 1)
	go func() { waited <- cmd.Wait() }()

	if err := GracefulTerminate(cmd.Process); err != nil {
		cmd.Process.Kill()
		return <-waited
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case err := <-waited:
		return err
	case <-timer.C:
		cmd.Process.Kill()
		return <-waited
	}
}
