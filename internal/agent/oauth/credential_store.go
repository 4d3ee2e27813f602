package oauth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	pkgoauth "mcpgate/pkg/oauth"
)

// ErrNotFound is returned by CredentialStore.Read when no value exists
// for the requested entry. It is never treated as a failure by the
// credential manager; a missing entry always maps to "use the next
// fallback in the chain".
var ErrNotFound = errors.New("credential entry not found")

// Credential entry names. Each entry is an independent value under the
// server key; there is no transactional coupling between them, so
// invalidation deletes entries explicitly rather than relying on
// atomicity.
const (
	// ClientInfoEntry holds the dynamic client registration response.
	ClientInfoEntry = "client_info.json"

	// TokensEntry holds the current OAuth token set.
	TokensEntry = "tokens.json"

	// ScopesEntry holds the scope extracted from a registration response.
	ScopesEntry = "scopes.json"

	// CodeVerifierEntry holds the PKCE code verifier for an in-flight flow.
	CodeVerifierEntry = "code_verifier.txt"
)

// CredentialStore is namespaced key-value persistence for per-server OAuth
// credentials. Entries are named blobs under a stable server key (see
// pkg/oauth.ServerKey). Implementations must be durable across process
// restarts when persistence is enabled, and Delete must be idempotent on
// missing entries.
type CredentialStore interface {
	// Read returns the stored value for the entry, or ErrNotFound.
	Read(ctx context.Context, serverKey, name string) ([]byte, error)

	// Write stores the value for the entry, overwriting any previous value.
	Write(ctx context.Context, serverKey, name string, value []byte) error

	// Delete removes the entry. Deleting a missing entry is a no-op.
	Delete(ctx context.Context, serverKey, name string) error
}

// FileCredentialStore stores credentials on disk, one directory per server
// key with one file per entry:
//
//	~/.config/mcpgate/credentials/<server-key>/client_info.json
//	~/.config/mcpgate/credentials/<server-key>/tokens.json
//	~/.config/mcpgate/credentials/<server-key>/scopes.json
//
// SECURITY: This store handles sensitive OAuth credentials. Directories
// are created with 0700 and files with 0600 permissions, and credential
// values are never logged.
type FileCredentialStore struct {
	baseDir string
}

// NewFileCredentialStore creates a file-backed credential store rooted at
// baseDir. If baseDir is empty, ~/.config/mcpgate/credentials is used.
func NewFileCredentialStore(baseDir string) (*FileCredentialStore, error) {
	if baseDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		baseDir = filepath.Join(homeDir, pkgoauth.DefaultCredentialDir)
	}

	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create credential directory: %w", err)
	}

	return &FileCredentialStore{baseDir: baseDir}, nil
}

// BaseDir returns the root directory of the store.
func (s *FileCredentialStore) BaseDir() string {
	return s.baseDir
}

// ServerDir returns the directory holding all entries for a server key.
func (s *FileCredentialStore) ServerDir(serverKey string) string {
	return filepath.Join(s.baseDir, serverKey)
}

// Read returns the stored value for the entry, or ErrNotFound if the
// entry does not exist.
func (s *FileCredentialStore) Read(ctx context.Context, serverKey, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// #nosec G304 -- path is constructed from an internal hash key, not user input
	data, err := os.ReadFile(filepath.Join(s.baseDir, serverKey, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read credential entry %s: %w", name, err)
	}

	return data, nil
}

// Write stores the value with restricted permissions, creating the
// per-server directory on first write.
func (s *FileCredentialStore) Write(ctx context.Context, serverKey, name string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dir := filepath.Join(s.baseDir, serverKey)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create server credential directory: %w", err)
	}

	if err := os.WriteFile(filepath.Join(dir, name), value, 0600); err != nil {
		return fmt.Errorf("failed to write credential entry %s: %w", name, err)
	}

	return nil
}

// Delete removes the entry. A missing entry is not an error.
func (s *FileCredentialStore) Delete(ctx context.Context, serverKey, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := os.Remove(filepath.Join(s.baseDir, serverKey, name))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete credential entry %s: %w", name, err)
	}

	return nil
}

// MemoryCredentialStore is an in-memory CredentialStore. It is used when
// persistence is disabled and as a test double; contents are lost when
// the process exits.
type MemoryCredentialStore struct {
	mu      sync.RWMutex
	entries map[string][]byte
}

// NewMemoryCredentialStore creates an empty in-memory credential store.
func NewMemoryCredentialStore() *MemoryCredentialStore {
	return &MemoryCredentialStore{entries: make(map[string][]byte)}
}

func (s *MemoryCredentialStore) key(serverKey, name string) string {
	return serverKey + "/" + name
}

// Read returns the stored value for the entry, or ErrNotFound.
func (s *MemoryCredentialStore) Read(ctx context.Context, serverKey, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	value, ok := s.entries[s.key(serverKey, name)]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return value, nil
}

// Write stores a copy of the value.
func (s *MemoryCredentialStore) Write(ctx context.Context, serverKey, name string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	buf := make([]byte, len(value))
	copy(buf, value)

	s.mu.Lock()
	s.entries[s.key(serverKey, name)] = buf
	s.mu.Unlock()
	return nil
}

// Delete removes the entry. A missing entry is a no-op.
func (s *MemoryCredentialStore) Delete(ctx context.Context, serverKey, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.entries, s.key(serverKey, name))
	s.mu.Unlock()
	return nil
}
