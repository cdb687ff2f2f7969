package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/bloom-nucleus/synapse/internal/constants"
	"github.com/bloom-nucleus/synapse/internal/procutil"
	"github.com/bloom-nucleus/synapse/internal/protocol"
	"github.com/bloom-nucleus/synapse/internal/sanitize"
)

const hostExitGrace = 2 * time.Second

// ProcessDialer launches the native host and speaks native messaging over
// its stdio: 4-byte little-endian length prefix.
type ProcessDialer struct {
	Path string
	Args []string
	Env  []string
}

// Dial starts the host process. The process outlives ctx; it is stopped by
// closing the returned channel.
func (d ProcessDialer) Dial(ctx context.Context) (Channel, error) {
	if strings.TrimSpace(d.Path) == "" {
		return nil, errors.New("transport: host path not configured")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(d.Path, d.Args...)
	if len(d.Env) > 0 {
		cmd.Env = append(cmd.Environ(), d.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("transport: host stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("transport: host stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("transport: host stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("transport: start host %s: %w", d.Path, err)
	}
	log.Printf("[Transport] host started: %s (pid %d)", d.Path, cmd.Process.Pid)

	go relayStderr(stderr)

	proc := &hostProcess{cmd: cmd, stdin: stdin}
	return NewStreamChannel(stdout, stdin, proc, StreamOptions{
		Order: protocol.NativeOrder,
		Name:  "host",
	}), nil
}

type hostProcess struct {
	cmd   *exec.Cmd
	stdin io.Closer
	once  sync.Once
}

// Close closes stdin so a well-behaved host exits, then terminates it.
func (p *hostProcess) Close() error {
	var err error
	p.once.Do(func() {
		p.stdin.Close()
		if waitErr := procutil.StopCommand(p.cmd, hostExitGrace); waitErr != nil {
			var exitErr *exec.ExitError
			if !errors.As(waitErr, &exitErr) {
				err = waitErr
			}
		}
	})
	return err
}

func relayStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		log.Printf("[Host] %s", sanitize.LogLine(scanner.Text(), constants.MaxLogLine))
	}
}
