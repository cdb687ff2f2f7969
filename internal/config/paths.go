package config

import (
	"os"
	"path/filepath"
)

const (
	DefaultInstance = "default"

	// HomeEnv overrides the synapse home directory (~/.synapse).
	HomeEnv = "SYNAPSE_HOME"
)

// InstancePaths contains all paths for a bridge instance.
type InstancePaths struct {
	Home     string // Instance home directory
	Identity string // Default bridge identity file
	ConfigDB string // SQLite shared state store path
	Lock     string // Daemon lock file path
	Logs     string // Logs directory
	RunDir   string // Runtime assets directory
}

// GetInstancePaths returns all paths for a given instance.
// Empty instance name defaults to "default".
func GetInstancePaths(instanceName string) InstancePaths {
	if instanceName == "" {
		instanceName = DefaultInstance
	}

	instanceDir := filepath.Join(GetSynapseHome(), "instances", instanceName)

	return InstancePaths{
		Home:     instanceDir,
		Identity: filepath.Join(instanceDir, "bridge.yaml"),
		ConfigDB: filepath.Join(instanceDir, "config.db"),
		Lock:     filepath.Join(instanceDir, "bridge.lock"),
		Logs:     filepath.Join(instanceDir, "logs"),
		RunDir:   filepath.Join(instanceDir, "run"),
	}
}

// GetSynapseHome returns the synapse home directory. SYNAPSE_HOME takes
// precedence over ~/.synapse.
func GetSynapseHome() string {
	if home := os.Getenv(HomeEnv); home != "" {
		return ExpandPath(home)
	}
	userHome, _ := os.UserHomeDir()
	return filepath.Join(userHome, ".synapse")
}

// ExpandPath expands ~ to the user home directory.
func ExpandPath(path string) string {
	if len(path) == 0 {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) == 1 {
			return home
		}
		if path[1] == '/' || path[1] == os.PathSeparator {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// EnsureInstanceDirs creates the directory structure for the given instance if it does not exist.
func EnsureInstanceDirs(instanceName string) (InstancePaths, error) {
	paths := GetInstancePaths(instanceName)

	for _, dir := range []string{paths.Home, paths.Logs, paths.RunDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return paths, err
		}
	}

	return paths, nil
}
