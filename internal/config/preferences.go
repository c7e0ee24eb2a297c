package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hay-kot/criterio"
	"gopkg.in/yaml.v3"
)

// PreferencesFile is the name of the persisted preferences file in the data dir.
const PreferencesFile = "preferences.yaml"

// QueueFilter is the last filter used on the queue view.
type QueueFilter struct {
	Status   string `yaml:"status,omitempty" json:"status,omitempty"`
	Priority string `yaml:"priority,omitempty" json:"priority,omitempty"`
	Type     string `yaml:"type,omitempty" json:"type,omitempty"`
}

// ConflictFilter is the last filter used on the conflict view.
type ConflictFilter struct {
	Severity   string `yaml:"severity,omitempty" json:"severity,omitempty"`
	EntityType string `yaml:"entity_type,omitempty" json:"entity_type,omitempty"`
}

// Preferences are the user settings that survive restarts. Queue contents and
// other caches are not part of them.
type Preferences struct {
	AutoRefresh     bool           `yaml:"auto_refresh" json:"auto_refresh"`
	RefreshInterval time.Duration  `yaml:"refresh_interval" json:"refresh_interval"`
	QueueFilter     QueueFilter    `yaml:"queue_filter" json:"queue_filter"`
	ConflictFilter  ConflictFilter `yaml:"conflict_filter" json:"conflict_filter"`
}

// DefaultPreferences returns the preferences used before any are saved.
func DefaultPreferences() Preferences {
	return Preferences{AutoRefresh: true, RefreshInterval: 30 * time.Second}
}

// Validate checks the preferences.
func (p Preferences) Validate() error {
	return criterio.ValidateStruct(
		criterio.Run("refresh_interval", p.RefreshInterval, func(d time.Duration) error {
			if d < time.Second {
				return fmt.Errorf("must be at least 1s")
			}
			return nil
		}),
	)
}

// PreferencesStore reads and writes preferences.yaml.
type PreferencesStore struct {
	path string
	mu   sync.Mutex
}

// NewPreferencesStore creates a store for dataDir.
func NewPreferencesStore(dataDir string) *PreferencesStore {
	return &PreferencesStore{path: filepath.Join(dataDir, PreferencesFile)}
}

// Load returns the saved preferences, or the defaults if none are saved.
func (s *PreferencesStore) Load() (Preferences, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefs := DefaultPreferences()
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return prefs, nil
	}
	if err != nil {
		return prefs, fmt.Errorf("read preferences: %w", err)
	}
	if err := yaml.Unmarshal(data, &prefs); err != nil {
		return DefaultPreferences(), fmt.Errorf("parse preferences: %w", err)
	}
	return prefs, nil
}

// Save validates and writes prefs, replacing the file atomically.
func (s *PreferencesStore) Save(prefs Preferences) error {
	if err := prefs.Validate(); err != nil {
		return err
	}
	data, err := yaml.Marshal(prefs)
	if err != nil {
		return fmt.Errorf("encode preferences: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write preferences: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace preferences: %w", err)
	}
	return nil
}
