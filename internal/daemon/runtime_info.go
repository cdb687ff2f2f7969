package daemon

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const runtimeInfoFile = "daemon.json"

// RuntimeInfo stores runtime metadata exposed to clients.
type RuntimeInfo struct {
	mu            sync.RWMutex
	controlAddr   string
	healthAddr    string
	startTime     time.Time
	pid           int
	hostTransport string
}

// RuntimeSnapshot is the on-disk form of RuntimeInfo, read by the CLI to
// locate a running daemon.
type RuntimeSnapshot struct {
	PID            int       `json:"pid"`
	ControlAddress string    `json:"control_address,omitempty"`
	HealthAddress  string    `json:"health_address,omitempty"`
	Transport      string    `json:"transport"`
	StartedAt      time.Time `json:"started_at"`
}

// SetControlAddress updates the bound control surface address.
func (r *RuntimeInfo) SetControlAddress(addr string) {
	r.mu.Lock()
	r.controlAddr = addr
	r.mu.Unlock()
}

// ControlAddress returns the bound control surface address.
func (r *RuntimeInfo) ControlAddress() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.controlAddr
}

// SetHealthAddress updates the bound gRPC health address.
func (r *RuntimeInfo) SetHealthAddress(addr string) {
	r.mu.Lock()
	r.healthAddr = addr
	r.mu.Unlock()
}

// HealthAddress returns the bound gRPC health address.
func (r *RuntimeInfo) HealthAddress() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.healthAddr
}

// SetStartTime records the daemon start time.
func (r *RuntimeInfo) SetStartTime(t time.Time) {
	r.mu.Lock()
	r.startTime = t
	r.mu.Unlock()
}

// StartTime returns the daemon start time.
func (r *RuntimeInfo) StartTime() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.startTime
}

// Snapshot copies the current values.
func (r *RuntimeInfo) Snapshot() RuntimeSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return RuntimeSnapshot{
		PID:            r.pid,
		ControlAddress: r.controlAddr,
		HealthAddress:  r.healthAddr,
		Transport:      r.hostTransport,
		StartedAt:      r.startTime,
	}
}

// WriteRuntimeInfo persists info under runDir.
func WriteRuntimeInfo(runDir string, info RuntimeSnapshot) error {
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return fmt.Errorf("daemon: create run dir: %w", err)
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(runDir, runtimeInfoFile), data, 0o600)
}

// LoadRuntimeInfo reads the runtime file written by a running daemon.
func LoadRuntimeInfo(runDir string) (RuntimeSnapshot, error) {
	var info RuntimeSnapshot
	data, err := os.ReadFile(filepath.Join(runDir, runtimeInfoFile))
	if err != nil {
		return info, err
	}
	if err := json.Unmarshal(data, &info); err != nil {
		return info, fmt.Errorf("daemon: decode runtime info: %w", err)
	}
	return info, nil
}

// RemoveRuntimeInfo deletes the runtime file.
func RemoveRuntimeInfo(runDir string) {
	_ = os.Remove(filepath.Join(runDir, runtimeInfoFile))
}
