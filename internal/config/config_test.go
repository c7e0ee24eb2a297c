package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hay-kot/criterio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "reliefsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_missingFileUsesDefaults(t *testing.T) {
	dataDir := t.TempDir()
	cfg, err := Load(filepath.Join(dataDir, "nope.yaml"), dataDir)
	require.NoError(t, err)

	def := DefaultConfig()
	assert.Equal(t, def.Sync.Workers, cfg.Sync.Workers)
	assert.Equal(t, 7*time.Second, cfg.Notify.EmergencyDuration)
	assert.True(t, cfg.Notify.RetrySuccess)
	assert.Equal(t, dataDir, cfg.DataDir)
	assert.Equal(t, filepath.Join(dataDir, "reliefsync.db"), cfg.DBPath())
	assert.NotEmpty(t, cfg.Sync.DeviceID)
}

func TestLoad_overridesAndDurations(t *testing.T) {
	path := writeConfig(t, `
server:
  url: https://relief.example.org
  token: abc
sync:
  device_id: tablet-3
  workers: 4
  upload_timeout: 45s
  max_auto_retries: 5
notify:
  max_per_minute: 3
  batch_window: 0s
  retry_success: false
priority:
  high_base: 200
  normal_base: 50
  low_base: 5
conflicts:
  sensitive_fields:
    MEDIA: [checksum, url]
`)
	cfg, err := Load(path, t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "https://relief.example.org", cfg.Server.URL)
	assert.Equal(t, "tablet-3", cfg.Sync.DeviceID)
	assert.Equal(t, 4, cfg.Sync.Workers)
	assert.Equal(t, 45*time.Second, cfg.Sync.UploadTimeout)
	assert.Equal(t, 5, cfg.Sync.MaxAutoRetries)
	assert.Equal(t, 3, cfg.Notify.MaxPerMinute)
	assert.Zero(t, cfg.Notify.BatchWindow)
	assert.False(t, cfg.Notify.RetrySuccess)
	assert.Equal(t, 200.0, cfg.Priority.HighBase)
	assert.Equal(t, []string{"checksum", "url"}, cfg.Conflicts.SensitiveFields["MEDIA"])
	// untouched sections keep defaults
	assert.Equal(t, 30*time.Second, cfg.Sync.Interval)
}

func TestLoad_zeroWorkersFallsBackToDefault(t *testing.T) {
	cfg, err := Load(writeConfig(t, "sync:\n  workers: 0\n"), t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Sync.Workers, cfg.Sync.Workers)
}

func TestLoad_invalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "sync: [unclosed"), t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config file")
}

// TestValidate_reportsEveryField collects all field errors at once.
func TestValidate_reportsEveryField(t *testing.T) {
	file := filepath.Join(t.TempDir(), "plain-file")
	require.NoError(t, os.WriteFile(file, nil, 0o600))

	cfg := DefaultConfig()
	cfg.DataDir = file
	cfg.Server.URL = "ftp://relief"
	cfg.Sync.MaxAutoRetries = -1
	cfg.Priority.LowBase = 80

	err := cfg.Validate()
	var fe criterio.FieldErrors
	require.ErrorAs(t, err, &fe)

	fields := make([]string, 0, len(fe))
	for _, e := range fe {
		fields = append(fields, e.Field)
	}
	assert.ElementsMatch(t, []string{"data_dir", "server.url", "sync.max_auto_retries", "priority"}, fields)
}

func TestLoad_rejectsInvalidConfig(t *testing.T) {
	_, err := Load(writeConfig(t, "queue:\n  max_size: -3\n"), t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

func TestValidate_emptyDataDir(t *testing.T) {
	cfg := DefaultConfig()
	require.Error(t, cfg.Validate())
}

// =====================================================
// Preferences
// =====================================================

func TestPreferences_defaultsWhenMissing(t *testing.T) {
	store := NewPreferencesStore(t.TempDir())
	prefs, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultPreferences(), prefs)
}

// TestPreferences_saveAndReload persists filters and the refresh settings.
func TestPreferences_saveAndReload(t *testing.T) {
	dir := t.TempDir()
	store := NewPreferencesStore(dir)

	prefs := Preferences{
		AutoRefresh:     false,
		RefreshInterval: 2 * time.Minute,
		QueueFilter:     QueueFilter{Status: "FAILED", Type: "ASSESSMENT"},
		ConflictFilter:  ConflictFilter{Severity: "CRITICAL"},
	}
	require.NoError(t, store.Save(prefs))

	got, err := NewPreferencesStore(dir).Load()
	require.NoError(t, err)
	assert.Equal(t, prefs, got)

	_, err = os.Stat(filepath.Join(dir, PreferencesFile+".tmp"))
	assert.True(t, os.IsNotExist(err))
}

func TestPreferences_rejectsShortInterval(t *testing.T) {
	store := NewPreferencesStore(t.TempDir())
	err := store.Save(Preferences{RefreshInterval: 10 * time.Millisecond})
	var fe criterio.FieldErrors
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "refresh_interval", fe[0].Field)
}

func TestPreferences_corruptFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, PreferencesFile), []byte("auto_refresh: [x"), 0o600))

	prefs, err := NewPreferencesStore(dir).Load()
	require.Error(t, err)
	assert.Equal(t, DefaultPreferences(), prefs)
}
