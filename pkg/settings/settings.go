package settings

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// AgentSettings is the non-secret identity a Listener is configured with
// once, by the `configure` verb, and reloads on every subsequent `run`.
type AgentSettings struct {
	AgentID    string `yaml:"agentId"`
	AgentName  string `yaml:"agentName"`
	PoolID     string `yaml:"poolId"`
	ServerURL  string `yaml:"serverUrl"`
	WorkFolder string `yaml:"workFolder"`
	RunOnce    bool   `yaml:"runOnce"`
}

// DefaultPath returns the settings file path for a given work folder.
func DefaultPath(workFolder string) string {
	return filepath.Join(workFolder, ".agent", "settings.yml")
}

// Load reads and parses the settings file at path.
func Load(path string) (*AgentSettings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("settings: read %s: %w", path, err)
	}
	var s AgentSettings
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("settings: parse %s: %w", path, err)
	}
	return &s, nil
}

// Save writes s to path as YAML, creating its parent directory if needed.
// The file is written with owner-only permissions since the server URL and
// agent identity are meaningful targets for local tampering.
func (s *AgentSettings) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("settings: create directory: %w", err)
	}
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("settings: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("settings: write %s: %w", path, err)
	}
	return nil
}

// Exists reports whether a settings file is already present at path,
// distinguishing a fresh `configure` from a re-configuration.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Remove deletes the settings file at path, ignoring a not-exist error, for
// the `remove` verb.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("settings: remove %s: %w", path, err)
	}
	return nil
}
