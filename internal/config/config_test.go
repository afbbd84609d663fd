package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, ConfigFileName)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{"stack": "prod"}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Stack != "prod" {
		t.Errorf("stack = %q", cfg.Stack)
	}
	if cfg.Backend.Type != "file" || cfg.Backend.Dir != DefaultStateDir {
		t.Errorf("backend defaults = %+v", cfg.Backend)
	}
	if cfg.LockTTLSeconds != DefaultLockTTLSeconds {
		t.Errorf("lock ttl = %d", cfg.LockTTLSeconds)
	}
	if cfg.Path() != path {
		t.Errorf("path = %q", cfg.Path())
	}
}

func TestLoadRejectsInvalidJSON(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{"stack": `)
	if _, err := Load(path); err == nil {
		t.Error("invalid JSON must fail")
	}
}

func TestValidateS3RequiresBucket(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{"backend": {"type": "s3"}}`)
	if _, err := Load(path); err == nil {
		t.Error("s3 backend without bucket must fail validation")
	}

	path = writeConfig(t, dir, `{"backend": {"type": "s3", "bucket": "states"}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("valid s3 config rejected: %v", err)
	}
	if cfg.Backend.Bucket != "states" {
		t.Errorf("bucket = %q", cfg.Backend.Bucket)
	}
}

func TestValidateRejectsUnknownBackend(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{"backend": {"type": "carrier-pigeon"}}`)
	if _, err := Load(path); err == nil {
		t.Error("unknown backend type must fail")
	}
}

func TestFindWalksUpward(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, root, `{"stack": "found"}`)
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}

	cfg, err := Find(nested)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Stack != "found" {
		t.Errorf("stack = %q, want found", cfg.Stack)
	}
}

func TestFindWithoutFileReturnsDefaults(t *testing.T) {
	cfg, err := Find(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Backend.Type != "file" {
		t.Errorf("defaults = %+v", cfg)
	}
	if cfg.Path() != "" {
		t.Errorf("path = %q, want empty", cfg.Path())
	}
}
