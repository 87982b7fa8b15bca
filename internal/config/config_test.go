package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "site.yml")
	yml := []byte("site:\n  name: demo\n  timezone: Europe/Paris\n")
	if err := os.WriteFile(path, yml, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := FromFile(path)
	if err != nil {
		t.Fatalf("from file: %v", err)
	}
	if cfg.Site.Timezone != "Europe/Paris" {
		t.Fatalf("timezone not loaded, got %q", cfg.Site.Timezone)
	}

	bad := filepath.Join(dir, "bad.yml")
	if err := os.WriteFile(bad, []byte("site:\n  timezone: Mars/Olympus\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := FromFile(bad); err == nil {
		t.Fatal("unknown timezone should be rejected")
	}

	if _, err := FromFile(filepath.Join(dir, "missing.yml")); err == nil {
		t.Fatal("missing file should error")
	}
}

func TestWriteDefaultRefusesOverwrite(t *testing.T) {
	dir := t.TempDir()
	path, err := WriteDefault(dir)
	if err != nil {
		t.Fatalf("write default: %v", err)
	}
	if _, err := FromFile(path); err != nil {
		t.Fatalf("generated config should validate: %v", err)
	}
	if _, err := WriteDefault(dir); err == nil {
		t.Fatal("second write should refuse to overwrite")
	}
}
