package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"mcpgate/internal/agent/oauth"
	pkgoauth "mcpgate/pkg/oauth"
)

// fakeMCPServer implements just enough of the streamable-http MCP
// protocol for the client to initialize, list tools, and call a tool.
type fakeMCPServer struct {
	srv *httptest.Server

	mu          sync.Mutex
	authHeaders []string
}

func newFakeMCPServer(t *testing.T) *fakeMCPServer {
	t.Helper()
	f := &fakeMCPServer{}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeMCPServer) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.authHeaders = append(f.authHeaders, r.Header.Get("Authorization"))
	f.mu.Unlock()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	var req struct {
		ID     json.RawMessage `json:"id"`
		Method string          `json:"method"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	switch req.Method {
	case "initialize":
		f.writeResult(w, req.ID, map[string]any{
			"protocolVersion": "2024-11-05",
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      map[string]any{"name": "fake-server", "version": "1.0.0"},
		})
	case "tools/list":
		f.writeResult(w, req.ID, map[string]any{
			"tools": []map[string]any{
				{
					"name":        "echo",
					"description": "Echoes its input",
					"inputSchema": map[string]any{"type": "object"},
				},
			},
		})
	case "tools/call":
		f.writeResult(w, req.ID, map[string]any{
			"content": []map[string]any{
				{"type": "text", "text": "echoed"},
			},
		})
	default:
		// Notifications have no id and expect no response body
		w.WriteHeader(http.StatusAccepted)
	}
}

func (f *fakeMCPServer) writeResult(w http.ResponseWriter, id json.RawMessage, result any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"result":  result,
	})
}

// bearerTokens returns the distinct Authorization headers seen so far.
func (f *fakeMCPServer) bearerTokens() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.authHeaders...)
}

func newAgentProvider(t *testing.T, serverURL string, store oauth.CredentialStore) *oauth.Provider {
	t.Helper()
	if store == nil {
		store = oauth.NewMemoryCredentialStore()
	}
	provider, err := oauth.NewProvider(oauth.ProviderConfig{
		ServerURL: serverURL,
	}, store)
	if err != nil {
		t.Fatalf("NewProvider failed: %v", err)
	}
	return provider
}

func seedToken(t *testing.T, ctx context.Context, provider *oauth.Provider) {
	t.Helper()
	err := provider.SaveTokens(ctx, &pkgoauth.Token{
		AccessToken: "agent-token",
		TokenType:   "Bearer",
		ExpiresAt:   time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("SaveTokens failed: %v", err)
	}
}

func TestNewClient_Validation(t *testing.T) {
	if _, err := NewClient(ClientConfig{}); err == nil {
		t.Error("expected error for missing endpoint")
	}
	if _, err := NewClient(ClientConfig{Endpoint: "https://mcp.example.com"}); err == nil {
		t.Error("expected error for missing provider")
	}
}

func TestClient_Connect(t *testing.T) {
	ctx := context.Background()
	server := newFakeMCPServer(t)
	provider := newAgentProvider(t, server.srv.URL, nil)
	seedToken(t, ctx, provider)

	client, err := NewClient(ClientConfig{
		Endpoint: server.srv.URL,
		Provider: provider,
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	defer client.Close()

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if !client.Connected() {
		t.Error("Connected() = false after Connect")
	}

	tools, err := client.ListTools(ctx)
	if err != nil {
		t.Fatalf("ListTools failed: %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "echo" {
		t.Errorf("tools = %+v, want one tool named echo", tools)
	}
	if got := client.Tools(); len(got) != 1 {
		t.Errorf("Tools() cached %d tools, want 1", len(got))
	}

	result, err := client.CallTool(ctx, "echo", map[string]interface{}{"text": "hi"})
	if err != nil {
		t.Fatalf("CallTool failed: %v", err)
	}
	if result == nil || len(result.Content) == 0 {
		t.Fatal("CallTool returned empty result")
	}

	// Every request carried the stored bearer token
	for _, header := range server.bearerTokens() {
		if header != "Bearer agent-token" {
			t.Errorf("Authorization = %q, want Bearer agent-token", header)
		}
	}
}

func TestClient_Connect_AuthRequired(t *testing.T) {
	ctx := context.Background()
	server := newFakeMCPServer(t)
	provider := newAgentProvider(t, server.srv.URL, nil)

	client, err := NewClient(ClientConfig{
		Endpoint: server.srv.URL,
		Provider: provider,
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	defer client.Close()

	err = client.Connect(ctx)
	if !errors.Is(err, oauth.ErrAuthRequired) {
		t.Errorf("Connect error = %v, want ErrAuthRequired", err)
	}
	if client.Connected() {
		t.Error("Connected() = true after failed Connect")
	}
}

func TestClient_Reconnect_AfterLogin(t *testing.T) {
	ctx := context.Background()
	server := newFakeMCPServer(t)
	provider := newAgentProvider(t, server.srv.URL, nil)

	client, err := NewClient(ClientConfig{
		Endpoint: server.srv.URL,
		Provider: provider,
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	defer client.Close()

	if err := client.Connect(ctx); !errors.Is(err, oauth.ErrAuthRequired) {
		t.Fatalf("Connect error = %v, want ErrAuthRequired", err)
	}

	// A login elsewhere stores tokens; reconnecting picks them up
	seedToken(t, ctx, provider)
	if err := client.Reconnect(ctx); err != nil {
		t.Fatalf("Reconnect failed: %v", err)
	}
	if !client.Connected() {
		t.Error("Connected() = false after Reconnect")
	}
}

func TestClient_WatchCredentials(t *testing.T) {
	ctx := context.Background()
	server := newFakeMCPServer(t)

	store, err := oauth.NewFileCredentialStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	provider := newAgentProvider(t, server.srv.URL, store)

	client, err := NewClient(ClientConfig{
		Endpoint: server.srv.URL,
		Provider: provider,
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	defer client.Close()

	if err := client.Connect(ctx); !errors.Is(err, oauth.ErrAuthRequired) {
		t.Fatalf("Connect error = %v, want ErrAuthRequired", err)
	}

	watcher, err := client.WatchCredentials(store)
	if err != nil {
		t.Fatalf("WatchCredentials failed: %v", err)
	}
	defer watcher.Stop()

	// Storing tokens on disk triggers a reconnect
	seedToken(t, ctx, provider)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if client.Connected() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("client did not reconnect after credential change")
}
