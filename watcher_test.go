package spike

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func TestConfigWatcherDebouncesBursts(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ConfigFileName)
	writeFile(t, path, `{"mcpServers": {}}`)

	var reloads atomic.Int32
	w, err := WatchConfig([]string{path}, 50*time.Millisecond, func() {
		reloads.Add(1)
	}, nil)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer w.Close()

	for i := 0; i < 5; i++ {
		writeFile(t, path, `{"mcpServers": {}}`)
		time.Sleep(5 * time.Millisecond)
	}

	deadline := time.After(2 * time.Second)
	for reloads.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("no reload fired")
		case <-time.After(10 * time.Millisecond):
		}
	}
	// The burst must have collapsed into a single reload.
	time.Sleep(200 * time.Millisecond)
	if got := reloads.Load(); got != 1 {
		t.Fatalf("expected 1 debounced reload, got %d", got)
	}
}

func TestConfigWatcherCloseCancelsPending(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ConfigFileName)
	writeFile(t, path, `{}`)

	var reloads atomic.Int32
	w, err := WatchConfig([]string{path}, 100*time.Millisecond, func() {
		reloads.Add(1)
	}, nil)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	writeFile(t, path, `{"mcpServers": {}}`)
	time.Sleep(20 * time.Millisecond)
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	time.Sleep(250 * time.Millisecond)
	if got := reloads.Load(); got != 0 {
		t.Fatalf("reload fired after Close: %d", got)
	}
	if err := os.Remove(path); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
}
