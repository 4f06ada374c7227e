// Package settings manages persistent user settings for the p4ctl CLI.
package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Default artifact paths, where `make` leaves the compiled program.
const (
	DefaultP4InfoPath   = "./build/p4-final.p4.p4info.txt"
	DefaultBMv2JSONPath = "./build/p4-final.json"
)

// Settings holds persistent user preferences
type Settings struct {
	// P4InfoPath is the default --p4info
	P4InfoPath string `json:"p4info,omitempty"`

	// BMv2JSONPath is the default --bmv2-json
	BMv2JSONPath string `json:"bmv2_json,omitempty"`

	// FleetPath is the default --fleet; empty means the built-in fleet
	FleetPath string `json:"fleet,omitempty"`

	// TranscriptDir overrides every device's transcript location
	TranscriptDir string `json:"transcript_dir,omitempty"`

	// RedisAddr is where reports are published when --redis is not given
	RedisAddr string `json:"redis_addr,omitempty"`
}

// DefaultSettingsPath returns the default path for the settings file
func DefaultSettingsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "p4ctl_settings.json"
	}
	return filepath.Join(home, ".p4ctl", "settings.json")
}

// Load reads settings from the default location
func Load() (*Settings, error) {
	return LoadFrom(DefaultSettingsPath())
}

// LoadFrom reads settings from a specific path
func LoadFrom(path string) (*Settings, error) {
	s := &Settings{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return empty settings if file doesn't exist
			return s, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, s); err != nil {
		return nil, err
	}

	return s, nil
}

// Save writes settings to the default location
func (s *Settings) Save() error {
	return s.SaveTo(DefaultSettingsPath())
}

// SaveTo writes settings to a specific path
func (s *Settings) SaveTo(path string) error {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// GetP4InfoPath returns the p4info path (with fallback)
func (s *Settings) GetP4InfoPath() string {
	if s.P4InfoPath != "" {
		return s.P4InfoPath
	}
	return DefaultP4InfoPath
}

// GetBMv2JSONPath returns the device config path (with fallback)
func (s *Settings) GetBMv2JSONPath() string {
	if s.BMv2JSONPath != "" {
		return s.BMv2JSONPath
	}
	return DefaultBMv2JSONPath
}

// fields maps settings keys, as typed on the command line, to their
// storage.
func (s *Settings) fields() map[string]*string {
	return map[string]*string{
		"p4info":         &s.P4InfoPath,
		"bmv2_json":      &s.BMv2JSONPath,
		"fleet":          &s.FleetPath,
		"transcript_dir": &s.TranscriptDir,
		"redis_addr":     &s.RedisAddr,
	}
}

// Keys lists the settable keys in sorted order.
func Keys() []string {
	var keys []string
	for k := range (&Settings{}).fields() {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Set assigns one setting by key. An empty value unsets it.
func (s *Settings) Set(key, value string) error {
	f, ok := s.fields()[key]
	if !ok {
		return fmt.Errorf("unknown setting %q (valid: %v)", key, Keys())
	}
	*f = value
	return nil
}

// Get returns one setting by key.
func (s *Settings) Get(key string) (string, error) {
	f, ok := s.fields()[key]
	if !ok {
		return "", fmt.Errorf("unknown setting %q (valid: %v)", key, Keys())
	}
	return *f, nil
}

// Clear resets all settings to defaults
func (s *Settings) Clear() {
	*s = Settings{}
}
