package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// BridgeConfig is the immutable identity of one bridge session.
type BridgeConfig struct {
	ProfileID    string `yaml:"profileId" json:"profileId"`
	BridgeName   string `yaml:"bridgeName" json:"bridgeName"`
	LaunchID     string `yaml:"launchId" json:"launchId"`
	ProfileAlias string `yaml:"profileAlias,omitempty" json:"profileAlias,omitempty"`
	ExtensionID  string `yaml:"extensionId,omitempty" json:"extensionId,omitempty"`
	Register     bool   `yaml:"register,omitempty" json:"register,omitempty"`
	Email        string `yaml:"email,omitempty" json:"email,omitempty"`
}

// ConfigError reports missing or unreadable identity configuration.
// It is fatal to a single connect attempt; the bridge retries after a
// fixed delay.
type ConfigError struct {
	Path    string
	Missing []string
	Err     error
}

func (e *ConfigError) Error() string {
	var b strings.Builder
	b.WriteString("config")
	if e.Path != "" {
		fmt.Fprintf(&b, " %s", e.Path)
	}
	if len(e.Missing) > 0 {
		fmt.Fprintf(&b, ": missing required field(s) %s", strings.Join(e.Missing, ", "))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Validate checks the required identity fields.
func (c BridgeConfig) Validate() error {
	var missing []string
	if strings.TrimSpace(c.ProfileID) == "" {
		missing = append(missing, "profileId")
	}
	if strings.TrimSpace(c.BridgeName) == "" {
		missing = append(missing, "bridgeName")
	}
	if strings.TrimSpace(c.LaunchID) == "" {
		missing = append(missing, "launchId")
	}
	if len(missing) > 0 {
		return &ConfigError{Missing: missing}
	}
	return nil
}

// ParseBridgeConfig decodes an identity record. YAML is the default
// format; .json and .jsonc files may carry comments and trailing commas.
func ParseBridgeConfig(name string, data []byte) (BridgeConfig, error) {
	var cfg BridgeConfig
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json", ".jsonc":
		if err := json.Unmarshal(jsonc.ToJSON(data), &cfg); err != nil {
			return BridgeConfig{}, fmt.Errorf("decode json identity: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return BridgeConfig{}, fmt.Errorf("decode yaml identity: %w", err)
		}
	}
	return cfg, nil
}

// LoadBridgeConfig reads, decodes and validates the identity file at path.
// When the file carries no profile id, the first UUID-shaped argument in
// args is used, the way native hosts receive it on their command line.
func LoadBridgeConfig(path string, args []string) (BridgeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return BridgeConfig{}, &ConfigError{Path: path, Err: err}
	}
	cfg, err := ParseBridgeConfig(path, data)
	if err != nil {
		return BridgeConfig{}, &ConfigError{Path: path, Err: err}
	}
	if cfg.ProfileID == "" {
		cfg.ProfileID = ProfileIDFromArgs(args)
	}
	if err := cfg.Validate(); err != nil {
		cerr := err.(*ConfigError)
		cerr.Path = path
		return BridgeConfig{}, cerr
	}
	return cfg, nil
}

// ProfileIDFromArgs returns the first argument that parses as a UUID.
func ProfileIDFromArgs(args []string) string {
	for _, arg := range args {
		if len(arg) < 36 || !strings.Contains(arg, "-") {
			continue
		}
		if id, err := uuid.Parse(arg); err == nil {
			return id.String()
		}
	}
	return ""
}

// Source yields the bridge identity. Implementations may fail with a
// *ConfigError until the environment is fixed.
type Source interface {
	Load() (BridgeConfig, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func() (BridgeConfig, error)

// Load calls f.
func (f SourceFunc) Load() (BridgeConfig, error) { return f() }

// FileSource loads the identity file once it is valid and caches it for
// the rest of the process. Invalid loads are not cached so a corrected
// file is picked up on the next attempt.
type FileSource struct {
	path string
	args []string

	mu     sync.Mutex
	loaded *BridgeConfig
}

// NewFileSource returns a Source reading path.
func NewFileSource(path string, args []string) *FileSource {
	return &FileSource{path: ExpandPath(path), args: args}
}

// Load returns the cached identity or reads it from disk.
func (s *FileSource) Load() (BridgeConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.loaded != nil {
		return *s.loaded, nil
	}
	cfg, err := LoadBridgeConfig(s.path, s.args)
	if err != nil {
		return BridgeConfig{}, err
	}
	s.loaded = &cfg
	return cfg, nil
}

// Path returns the identity file location.
func (s *FileSource) Path() string { return s.path }
