package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"mcpgate/internal/agent/oauth"
)

// protocolVersion is the MCP protocol revision sent during initialization.
const protocolVersion = "2024-11-05"

// connectTimeout bounds a reconnect triggered by a credential change.
const connectTimeout = 30 * time.Second

// ClientConfig configures an agent Client.
type ClientConfig struct {
	// Endpoint is the remote MCP server URL.
	Endpoint string

	// Provider supplies OAuth credentials for the endpoint.
	Provider *oauth.Provider

	// Version is reported as the client version during the MCP handshake.
	Version string

	// Logger receives structured connection logs. Defaults to slog.Default().
	Logger *slog.Logger
}

// Client connects to a remote OAuth-protected MCP server over
// streamable-http. Token management is delegated to mcp-go's OAuth
// transport handler: an AgentTokenStore bridges the provider's stored
// credentials to the transport, so tokens written by a login in another
// process are picked up without restarting the agent.
type Client struct {
	mu        sync.Mutex
	endpoint  string
	provider  *oauth.Provider
	version   string
	logger    *slog.Logger
	client    *client.Client
	tokens    *oauth.AgentTokenStore
	connected bool
	tools     []mcp.Tool
}

// NewClient creates an agent client for the given endpoint.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}
	if cfg.Provider == nil {
		return nil, fmt.Errorf("provider is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	version := cfg.Version
	if version == "" {
		version = "dev"
	}

	return &Client{
		endpoint: cfg.Endpoint,
		provider: cfg.Provider,
		version:  version,
		logger:   logger,
	}, nil
}

// Connect establishes the MCP session. A 401 from the server is mapped
// to oauth.ErrAuthRequired so callers can direct the user to login
// instead of surfacing a raw protocol error.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	oauthCfg, tokenStore := oauth.SetupOAuthConfig(c.provider)
	c.tokens = tokenStore

	mcpClient, err := client.NewStreamableHttpClient(c.endpoint,
		transport.WithHTTPOAuth(*oauthCfg),
	)
	if err != nil {
		return fmt.Errorf("failed to create streamable-http client: %w", err)
	}

	initResult, err := mcpClient.Initialize(ctx, mcp.InitializeRequest{
		Params: struct {
			ProtocolVersion string                 `json:"protocolVersion"`
			Capabilities    mcp.ClientCapabilities `json:"capabilities"`
			ClientInfo      mcp.Implementation     `json:"clientInfo"`
		}{
			ProtocolVersion: protocolVersion,
			ClientInfo: mcp.Implementation{
				Name:    "mcpgate",
				Version: c.version,
			},
			Capabilities: mcp.ClientCapabilities{},
		},
	})
	if err != nil {
		mcpClient.Close()
		if isAuthError(err) {
			return fmt.Errorf("authentication required for %s: %w", c.endpoint, oauth.ErrAuthRequired)
		}
		return fmt.Errorf("failed to initialize MCP session: %w", err)
	}

	c.client = mcpClient
	c.connected = true

	c.logger.Info("Connected to MCP server",
		"endpoint", c.endpoint,
		"server_name", initResult.ServerInfo.Name,
		"server_version", initResult.ServerInfo.Version,
	)

	return nil
}

// Reconnect tears down the current session and connects again. Used
// when credentials change on disk while the agent is running.
func (c *Client) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.client != nil {
		_ = c.client.Close()
		c.client = nil
	}
	c.connected = false
	c.tools = nil
	c.mu.Unlock()

	return c.Connect(ctx)
}

// Connected reports whether an MCP session is established.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// ListTools fetches the server's tool list and caches it.
func (c *Client) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	c.mu.Lock()
	mcpClient := c.client
	c.mu.Unlock()

	if mcpClient == nil {
		return nil, fmt.Errorf("client not connected")
	}

	result, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}

	c.mu.Lock()
	c.tools = result.Tools
	c.mu.Unlock()

	return result.Tools, nil
}

// Tools returns the most recently fetched tool list.
func (c *Client) Tools() []mcp.Tool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tools
}

// CallTool executes a tool on the server.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	c.mu.Lock()
	mcpClient := c.client
	c.mu.Unlock()

	if mcpClient == nil {
		return nil, fmt.Errorf("client not connected")
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	result, err := mcpClient.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("tool call failed: %w", err)
	}

	return result, nil
}

// Close shuts down the MCP session.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		_ = c.client.Close()
		c.client = nil
	}
	c.connected = false
}

// WatchCredentials starts a watcher over the provider's credential
// directory and reconnects whenever credentials change on disk, for
// example after a login or logout in another terminal. The caller owns
// the returned watcher and must Stop it.
func (c *Client) WatchCredentials(store *oauth.FileCredentialStore) (*oauth.CredentialWatcher, error) {
	watcher := oauth.NewCredentialWatcher(oauth.CredentialWatcherConfig{
		Store:     store,
		ServerKey: c.provider.ServerKey(),
		Logger:    c.logger,
		OnChange:  c.handleCredentialChange,
	})
	if err := watcher.Start(); err != nil {
		return nil, fmt.Errorf("failed to watch credentials: %w", err)
	}
	return watcher, nil
}

// handleCredentialChange reconnects with the updated credentials. The
// token store reads from disk on every request, so an established
// session already sees new tokens; reconnecting covers the case where
// the initial connect failed with an auth error.
func (c *Client) handleCredentialChange() {
	c.logger.Info("Credentials changed, reconnecting", "endpoint", c.endpoint)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	if err := c.Reconnect(ctx); err != nil {
		c.logger.Warn("Reconnect after credential change failed",
			"endpoint", c.endpoint,
			"error", err.Error(),
		)
	}
}

// isAuthError checks whether an error indicates a 401 Unauthorized
// response from the server.
func isAuthError(err error) bool {
	if err == nil {
		return false
	}
	var authErr *transport.OAuthAuthorizationRequiredError
	if errors.As(err, &authErr) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "401") ||
		strings.Contains(strings.ToLower(msg), "unauthorized")
}
