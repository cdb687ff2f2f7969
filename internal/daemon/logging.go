package daemon

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
)

const (
	bridgeLogFile = "bridge.log"
	hostLogFile   = "host.log"
)

// LogFiles holds the open daemon log files.
type LogFiles struct {
	Bridge *os.File
	Host   *os.File
}

// Close closes both files.
func (l *LogFiles) Close() error {
	if l == nil {
		return nil
	}
	var first error
	for _, f := range []*os.File{l.Bridge, l.Host} {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// SetupLogging points the standard logger at stdout and logDir/bridge.log
// and opens logDir/host.log for entries forwarded by the host.
func SetupLogging(logDir string) (*LogFiles, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("daemon: create log dir: %w", err)
	}
	bridgeLog, err := openLog(filepath.Join(logDir, bridgeLogFile))
	if err != nil {
		return nil, err
	}
	hostLog, err := openLog(filepath.Join(logDir, hostLogFile))
	if err != nil {
		bridgeLog.Close()
		return nil, err
	}

	log.SetOutput(io.MultiWriter(os.Stdout, bridgeLog))
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	return &LogFiles{Bridge: bridgeLog, Host: hostLog}, nil
}

func openLog(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("daemon: open log %s: %w", path, err)
	}
	return f, nil
}
