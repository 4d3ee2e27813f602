package oauth

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestFileCredentialStore_ReadWriteDelete(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileCredentialStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	serverKey := "0123456789abcdef0123456789abcdef"

	// Missing entry
	if _, err := store.Read(ctx, serverKey, TokensEntry); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	// Write and read back
	if err := store.Write(ctx, serverKey, TokensEntry, []byte(`{"access_token":"x"}`)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	data, err := store.Read(ctx, serverKey, TokensEntry)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if string(data) != `{"access_token":"x"}` {
		t.Errorf("Read returned %q", data)
	}

	// Overwrite
	if err := store.Write(ctx, serverKey, TokensEntry, []byte("v2")); err != nil {
		t.Fatal(err)
	}
	data, _ = store.Read(ctx, serverKey, TokensEntry)
	if string(data) != "v2" {
		t.Errorf("expected overwrite, got %q", data)
	}

	// Delete, then delete again (idempotent)
	if err := store.Delete(ctx, serverKey, TokensEntry); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Read(ctx, serverKey, TokensEntry); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if err := store.Delete(ctx, serverKey, TokensEntry); err != nil {
		t.Errorf("deleting a missing entry should be a no-op, got %v", err)
	}
}

func TestFileCredentialStore_ServerIsolation(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileCredentialStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	if err := store.Write(ctx, "server-a", TokensEntry, []byte("a")); err != nil {
		t.Fatal(err)
	}
	if err := store.Write(ctx, "server-b", TokensEntry, []byte("b")); err != nil {
		t.Fatal(err)
	}

	data, err := store.Read(ctx, "server-a", TokensEntry)
	if err != nil || string(data) != "a" {
		t.Errorf("server-a entry = %q, %v", data, err)
	}

	if err := store.Delete(ctx, "server-a", TokensEntry); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Read(ctx, "server-b", TokensEntry); err != nil {
		t.Errorf("server-b entry should be untouched, got %v", err)
	}
}

func TestFileCredentialStore_Permissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits are not meaningful on Windows")
	}

	ctx := context.Background()
	baseDir := t.TempDir()
	store, err := NewFileCredentialStore(baseDir)
	if err != nil {
		t.Fatal(err)
	}

	serverKey := "0123456789abcdef0123456789abcdef"
	if err := store.Write(ctx, serverKey, TokensEntry, []byte("secret")); err != nil {
		t.Fatal(err)
	}

	dirInfo, err := os.Stat(store.ServerDir(serverKey))
	if err != nil {
		t.Fatal(err)
	}
	if perm := dirInfo.Mode().Perm(); perm != 0700 {
		t.Errorf("server dir permissions = %o, want 0700", perm)
	}

	fileInfo, err := os.Stat(filepath.Join(store.ServerDir(serverKey), TokensEntry))
	if err != nil {
		t.Fatal(err)
	}
	if perm := fileInfo.Mode().Perm(); perm != 0600 {
		t.Errorf("entry file permissions = %o, want 0600", perm)
	}
}

func TestFileCredentialStore_CancelledContext(t *testing.T) {
	store, err := NewFileCredentialStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := store.Read(ctx, "key", TokensEntry); !errors.Is(err, context.Canceled) {
		t.Errorf("Read with cancelled context: %v", err)
	}
	if err := store.Write(ctx, "key", TokensEntry, []byte("x")); !errors.Is(err, context.Canceled) {
		t.Errorf("Write with cancelled context: %v", err)
	}
	if err := store.Delete(ctx, "key", TokensEntry); !errors.Is(err, context.Canceled) {
		t.Errorf("Delete with cancelled context: %v", err)
	}
}

func TestMemoryCredentialStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryCredentialStore()

	if _, err := store.Read(ctx, "key", ClientInfoEntry); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	value := []byte("payload")
	if err := store.Write(ctx, "key", ClientInfoEntry, value); err != nil {
		t.Fatal(err)
	}

	// The store keeps its own copy
	value[0] = 'X'
	data, err := store.Read(ctx, "key", ClientInfoEntry)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "payload" {
		t.Errorf("expected stored copy to be isolated, got %q", data)
	}

	if err := store.Delete(ctx, "key", ClientInfoEntry); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Read(ctx, "key", ClientInfoEntry); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if err := store.Delete(ctx, "key", ClientInfoEntry); err != nil {
		t.Errorf("deleting a missing entry should be a no-op, got %v", err)
	}
}
