package main

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, path, address string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte("server:\n  address: \""+address+"\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestLoadConfigResolutionOrder(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	writeConfig(t, filepath.Join(dir, "configs", "errandd.yaml"), ":7001")
	envPath := filepath.Join(dir, "env.yaml")
	writeConfig(t, envPath, ":7002")
	flagPath := filepath.Join(dir, "flag.yaml")
	writeConfig(t, flagPath, ":7003")

	t.Setenv("ERRANDD_CONFIG", "")
	cfg, err := loadConfig("")
	if err != nil || cfg.Server.Address != ":7001" {
		t.Fatalf("default file: %+v %v", cfg, err)
	}

	t.Setenv("ERRANDD_CONFIG", envPath)
	if cfg, err = loadConfig(""); err != nil || cfg.Server.Address != ":7002" {
		t.Fatalf("env var: %+v %v", cfg, err)
	}
	if cfg, err = loadConfig(flagPath); err != nil || cfg.Server.Address != ":7003" {
		t.Fatalf("flag: %+v %v", cfg, err)
	}
}

func TestLoadConfigFallsBackToDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("ERRANDD_CONFIG", "")
	cfg, err := loadConfig("")
	if err != nil {
		t.Fatalf("defaults: %v", err)
	}
	if cfg.Server.Address != ":8080" {
		t.Fatalf("default address %q", cfg.Server.Address)
	}
}
