package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatcher_FiresOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tcpvs.yaml")
	if err := os.WriteFile(path, []byte("services: []\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	changed := make(chan struct{}, 16)
	w := &Watcher{
		Path:     path,
		Debounce: 10 * time.Millisecond,
		OnChange: func() { changed <- struct{}{} },
	}
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- w.Watch(ctx) }()

	// the watch is armed asynchronously; keep writing until it notices
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
loop:
	for {
		select {
		case <-changed:
			break loop
		case <-tick.C:
			if err := os.WriteFile(path, []byte("services: []\n# edit\n"), 0o644); err != nil {
				t.Fatalf("write: %v", err)
			}
		case <-deadline:
			t.Fatal("OnChange never called")
		}
	}

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Watch: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}

func TestWatcher_MissingDir(t *testing.T) {
	w := &Watcher{Path: filepath.Join(t.TempDir(), "nope", "tcpvs.yaml")}
	if err := w.Watch(context.Background()); !errors.Is(err, errWatchDirMissing) {
		t.Fatalf("Watch: %v", err)
	}
}

func TestWatcher_StartWithRestartStopsOnCancel(t *testing.T) {
	calls := make(chan struct{}, 16)
	w := &Watcher{
		Path:              filepath.Join(t.TempDir(), "nope", "tcpvs.yaml"),
		MissingDirBackoff: time.Millisecond,
		OnChange:          func() { calls <- struct{}{} },
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.StartWithRestart(ctx)

	// three misses in a row disable the watcher for good
	deadline := time.Now().Add(5 * time.Second)
	for observed.FilterMessage("config watcher disabled").Len() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("missing directory never reported")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(calls) != 0 {
		t.Fatal("OnChange called without a change")
	}
}
