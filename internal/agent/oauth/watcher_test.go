package oauth

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestCredentialWatcher_DetectsWrites(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileCredentialStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	serverKey := "0123456789abcdef0123456789abcdef"

	var changes atomic.Int32
	watcher := NewCredentialWatcher(CredentialWatcherConfig{
		Store:            store,
		ServerKey:        serverKey,
		DebounceInterval: 50 * time.Millisecond,
		OnChange:         func() { changes.Add(1) },
	})
	if err := watcher.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer watcher.Stop()

	// First write creates the server directory and the entry
	if err := store.Write(ctx, serverKey, TokensEntry, []byte("v1")); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 3*time.Second, func() bool { return changes.Load() >= 1 })
}

func TestCredentialWatcher_DebouncesBursts(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileCredentialStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	serverKey := "0123456789abcdef0123456789abcdef"

	// Create the directory up front so the burst happens on a watched dir
	if err := store.Write(ctx, serverKey, TokensEntry, []byte("seed")); err != nil {
		t.Fatal(err)
	}

	var changes atomic.Int32
	watcher := NewCredentialWatcher(CredentialWatcherConfig{
		Store:            store,
		ServerKey:        serverKey,
		DebounceInterval: 200 * time.Millisecond,
		OnChange:         func() { changes.Add(1) },
	})
	if err := watcher.Start(); err != nil {
		t.Fatal(err)
	}
	defer watcher.Stop()

	// A multi-entry credential update in quick succession
	if err := store.Write(ctx, serverKey, ClientInfoEntry, []byte("{}")); err != nil {
		t.Fatal(err)
	}
	if err := store.Write(ctx, serverKey, ScopesEntry, []byte(`{"scopes":"x"}`)); err != nil {
		t.Fatal(err)
	}
	if err := store.Write(ctx, serverKey, TokensEntry, []byte("v2")); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 3*time.Second, func() bool { return changes.Load() >= 1 })

	// Let the debounce window pass completely, then confirm the burst
	// collapsed into one callback.
	time.Sleep(400 * time.Millisecond)
	if got := changes.Load(); got != 1 {
		t.Errorf("OnChange fired %d times, want 1", got)
	}
}

func TestCredentialWatcher_StartStopIdempotent(t *testing.T) {
	store, err := NewFileCredentialStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	watcher := NewCredentialWatcher(CredentialWatcherConfig{
		Store:     store,
		ServerKey: "key",
	})

	if err := watcher.Start(); err != nil {
		t.Fatal(err)
	}
	if err := watcher.Start(); err != nil {
		t.Errorf("second Start should be a no-op, got %v", err)
	}
	watcher.Stop()
	watcher.Stop()
}

func TestCredentialWatcher_StopCancelsPendingChange(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileCredentialStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	serverKey := "0123456789abcdef0123456789abcdef"

	if err := store.Write(ctx, serverKey, TokensEntry, []byte("seed")); err != nil {
		t.Fatal(err)
	}

	var changes atomic.Int32
	watcher := NewCredentialWatcher(CredentialWatcherConfig{
		Store:            store,
		ServerKey:        serverKey,
		DebounceInterval: 300 * time.Millisecond,
		OnChange:         func() { changes.Add(1) },
	})
	if err := watcher.Start(); err != nil {
		t.Fatal(err)
	}

	// Write, then stop inside the debounce window
	if err := store.Write(ctx, serverKey, TokensEntry, []byte("v2")); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	watcher.Stop()

	// The pending callback must not fire after Stop
	time.Sleep(500 * time.Millisecond)
	if got := changes.Load(); got != 0 {
		t.Errorf("OnChange fired %d times after Stop, want 0", got)
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
