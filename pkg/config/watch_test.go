package config

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"
)

func TestWatcher_ReportsChanges(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "challenges", "sanity")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}

	p := DefaultProject()
	p.ChallengeDirs = []string{"challenges"}
	p.SetRoot(root)

	w, err := NewWatcher(p, 50*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan []string, 4)
	done := make(chan error, 1)
	go func() {
		done <- w.Run(ctx, func(paths []string) { changes <- paths })
	}()

	target := filepath.Join(dir, "challenge.yaml")
	if err := os.WriteFile(target, []byte("meta:\n  id: sanity\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	// Swap files are ignored.
	if err := os.WriteFile(filepath.Join(dir, ".challenge.yaml.swp"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case paths := <-changes:
		if !slices.Contains(paths, target) {
			t.Errorf("Expected %s in changes, got %v", target, paths)
		}
		for _, p := range paths {
			if filepath.Base(p) == ".challenge.yaml.swp" {
				t.Errorf("Expected swap file to be ignored, got %v", paths)
			}
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for change notification")
	}

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestWatcher_NewDirectory(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "challenges"), 0o755); err != nil {
		t.Fatal(err)
	}

	p := DefaultProject()
	p.ChallengeDirs = []string{"challenges"}
	p.SetRoot(root)

	w, err := NewWatcher(p, 50*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan []string, 8)
	go func() { _ = w.Run(ctx, func(paths []string) { changes <- paths }) }()

	dir := filepath.Join(root, "challenges", "crypto")
	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatal(err)
	}

	// Wait for the directory event so the new directory is being watched.
	select {
	case <-changes:
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for directory creation")
	}

	target := filepath.Join(dir, "challenge.toml")
	if err := os.WriteFile(target, []byte("[meta]\nid = \"crypto\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case paths := <-changes:
			if slices.Contains(paths, target) {
				return
			}
		case <-deadline:
			t.Fatal("Timed out waiting for change in new directory")
		}
	}
}
