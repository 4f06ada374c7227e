package settings

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSettings_Defaults(t *testing.T) {
	s := &Settings{}

	if got := s.GetP4InfoPath(); got != DefaultP4InfoPath {
		t.Errorf("GetP4InfoPath() default = %q, want %q", got, DefaultP4InfoPath)
	}
	if got := s.GetBMv2JSONPath(); got != DefaultBMv2JSONPath {
		t.Errorf("GetBMv2JSONPath() default = %q, want %q", got, DefaultBMv2JSONPath)
	}
	if s.FleetPath != "" {
		t.Errorf("FleetPath should be empty, got %q", s.FleetPath)
	}
}

func TestSettings_SetGet(t *testing.T) {
	s := &Settings{}

	if err := s.Set("p4info", "/srv/p4/router.p4info.txt"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if s.GetP4InfoPath() != "/srv/p4/router.p4info.txt" {
		t.Errorf("Set(p4info) failed, got %q", s.GetP4InfoPath())
	}

	if err := s.Set("redis_addr", "127.0.0.1:6379"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if got, _ := s.Get("redis_addr"); got != "127.0.0.1:6379" {
		t.Errorf("Get(redis_addr) = %q", got)
	}

	if err := s.Set("p4info", ""); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if s.GetP4InfoPath() != DefaultP4InfoPath {
		t.Errorf("unset p4info should fall back, got %q", s.GetP4InfoPath())
	}

	if err := s.Set("default_network", "x"); err == nil {
		t.Error("Set() with unknown key should error")
	}
	if _, err := s.Get("nope"); err == nil {
		t.Error("Get() with unknown key should error")
	}
}

func TestKeys(t *testing.T) {
	want := []string{"bmv2_json", "fleet", "p4info", "redis_addr", "transcript_dir"}
	got := Keys()
	if len(got) != len(want) {
		t.Fatalf("Keys() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Keys()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSettings_Clear(t *testing.T) {
	s := &Settings{
		P4InfoPath:    "a",
		BMv2JSONPath:  "b",
		FleetPath:     "c",
		TranscriptDir: "d",
		RedisAddr:     "e",
	}

	s.Clear()

	if *s != (Settings{}) {
		t.Error("Clear() should reset all fields to empty")
	}
}

func TestSettings_SaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")

	original := &Settings{
		P4InfoPath:    "/srv/p4/router.p4info.txt",
		BMv2JSONPath:  "/srv/p4/router.json",
		FleetPath:     "/etc/p4ctl/fleet.yaml",
		TranscriptDir: "/var/log/p4ctl",
		RedisAddr:     "127.0.0.1:6379",
	}

	if err := original.SaveTo(path); err != nil {
		t.Fatalf("SaveTo() failed: %v", err)
	}

	loaded, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom() failed: %v", err)
	}
	if *loaded != *original {
		t.Errorf("LoadFrom() = %+v, want %+v", *loaded, *original)
	}
}

func TestSettings_LoadNonExistent(t *testing.T) {
	// Load from non-existent path should return empty settings
	s, err := LoadFrom("/nonexistent/path/settings.json")
	if err != nil {
		t.Fatalf("LoadFrom() non-existent should not error: %v", err)
	}
	if s == nil {
		t.Fatal("LoadFrom() should return non-nil Settings")
	}
	if *s != (Settings{}) {
		t.Error("LoadFrom() non-existent should return empty settings")
	}
}

func TestSettings_LoadInvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	if err := os.WriteFile(path, []byte("invalid json {"), 0644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}

	if _, err := LoadFrom(path); err == nil {
		t.Error("LoadFrom() with invalid JSON should error")
	}
}

func TestSettings_SaveCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "subdir", "nested", "settings.json")

	s := &Settings{FleetPath: "fleet.toml"}
	if err := s.SaveTo(path); err != nil {
		t.Fatalf("SaveTo() should create directories: %v", err)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("SaveTo() should have created the file")
	}
}

func TestLoadSave_Home(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	s, err := Load()
	if err != nil {
		t.Fatalf("Load() with non-existent file should not error: %v", err)
	}
	if s.FleetPath != "" {
		t.Error("Load() with non-existent file should return empty settings")
	}

	s.FleetPath = "saved-fleet.yaml"
	if err := s.Save(); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	expectedPath := filepath.Join(home, ".p4ctl", "settings.json")
	if _, err := os.Stat(expectedPath); os.IsNotExist(err) {
		t.Fatalf("Save() did not create file at %s", expectedPath)
	}

	loaded, err := Load()
	if err != nil {
		t.Fatalf("Load() after Save() failed: %v", err)
	}
	if loaded.FleetPath != "saved-fleet.yaml" {
		t.Errorf("After Save(), FleetPath = %q, want %q", loaded.FleetPath, "saved-fleet.yaml")
	}
}

func TestDefaultSettingsPath(t *testing.T) {
	path := DefaultSettingsPath()
	if path == "" {
		t.Error("DefaultSettingsPath() should not be empty")
	}
	if !filepath.IsAbs(path) && path != "p4ctl_settings.json" {
		t.Errorf("DefaultSettingsPath() should be absolute or fallback, got %q", path)
	}
}
