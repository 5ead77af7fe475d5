package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func writeConfig(t *testing.T, path, listen string) {
	t.Helper()
	content := "aussie:\n  server:\n    listen: \"" + listen + "\"\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestWatcherInitialLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "aussie.yaml")
	writeConfig(t, path, ":6001")

	w, err := NewWatcher(path)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	if got := w.Current().Server.Listen; got != ":6001" {
		t.Errorf("Current().Server.Listen = %q, want :6001", got)
	}
}

func TestWatcherReloadOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "aussie.yaml")
	writeConfig(t, path, ":6001")

	w, err := NewWatcher(path)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()
	w.SetDebounce(20 * time.Millisecond)

	var notified atomic.Int32
	w.OnChange(func(cfg *Config) {
		if cfg.Server.Listen == ":6002" {
			notified.Add(1)
		}
	})
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	writeConfig(t, path, ":6002")

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if notified.Load() > 0 && w.Current().Server.Listen == ":6002" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("config change was not observed; current listen = %q", w.Current().Server.Listen)
}

func TestWatcherKeepsLastGoodConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "aussie.yaml")
	writeConfig(t, path, ":6001")

	w, err := NewWatcher(path)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	// A broken file must not replace the last good configuration.
	if err := os.WriteFile(path, []byte("aussie:\n  registry:\n    store: zookeeper\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	w.Reload()

	if got := w.Current().Server.Listen; got != ":6001" {
		t.Errorf("Current().Server.Listen = %q, want last good :6001", got)
	}
}

func TestWatcherMissingFile(t *testing.T) {
	if _, err := NewWatcher(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("NewWatcher on a missing file should fail")
	}
}
