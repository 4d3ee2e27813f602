package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	pkgoauth "mcpgate/pkg/oauth"
)

// MetadataCacheTTL is the TTL for cached OAuth server metadata.
// This allows the cache to refresh periodically in case server
// configuration changes.
const MetadataCacheTTL = 1 * time.Hour

// AuthFlow represents an in-progress OAuth authorization flow.
type AuthFlow struct {
	// FlowID correlates log lines for a single flow across components.
	FlowID string

	// IssuerURL is the OAuth issuer URL.
	IssuerURL string

	// Metadata is the discovered OAuth server metadata.
	Metadata *pkgoauth.Metadata

	// PKCE holds the PKCE challenge parameters.
	PKCE *pkgoauth.PKCEChallenge

	// State is the OAuth state parameter.
	State string

	// CallbackServer is the local HTTP server waiting for the callback.
	CallbackServer *CallbackServer

	// ClientID is the client identifier used for this flow.
	ClientID string

	// StartedAt is when the flow was initiated.
	StartedAt time.Time
}

// Client drives the OAuth authorization flow for one server: challenge
// probing, metadata discovery, dynamic client registration, the PKCE
// authorization code exchange, and token refresh. All credential state
// (registration, scope, tokens, code verifier) goes through the Provider.
type Client struct {
	mu          sync.RWMutex
	provider    *Provider
	protocol    *pkgoauth.Client
	httpClient  *http.Client
	logger      *slog.Logger
	currentFlow *AuthFlow
}

// ClientConfig configures the flow client.
type ClientConfig struct {
	// Provider manages credential state. Required.
	Provider *Provider

	// HTTPClient is an optional custom HTTP client.
	HTTPClient *http.Client

	// Logger for debug output. Defaults to slog.Default().
	Logger *slog.Logger
}

// NewClient creates a flow client around the given provider.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Provider == nil {
		return nil, errors.New("provider is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: pkgoauth.DefaultHTTPTimeout,
		}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	protocol := pkgoauth.NewClient(
		pkgoauth.WithHTTPClient(httpClient),
		pkgoauth.WithLogger(logger),
		pkgoauth.WithMetadataCacheTTL(MetadataCacheTTL),
	)

	return &Client{
		provider:   cfg.Provider,
		protocol:   protocol,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// Provider returns the credential provider backing this client.
func (c *Client) Provider() *Provider {
	return c.provider
}

// Token returns a valid token for the server, refreshing an expired one
// when a refresh token and issuer are known. Returns ErrAuthRequired when
// no usable token exists and an interactive flow is needed.
func (c *Client) Token(ctx context.Context) (*pkgoauth.Token, error) {
	token, err := c.provider.Tokens(ctx)
	if err != nil {
		return nil, err
	}
	if token == nil || token.AccessToken == "" {
		return nil, ErrAuthRequired
	}

	if !token.IsExpired() {
		return token, nil
	}

	if token.RefreshToken == "" || token.Issuer == "" {
		return nil, ErrAuthRequired
	}

	refreshed, err := c.refreshToken(ctx, token)
	if err != nil {
		c.logger.Debug("Token refresh failed, re-authentication required",
			"server_url", c.provider.ServerURL(),
			"issuer", token.Issuer,
			"error", err.Error(),
		)
		return nil, ErrAuthRequired
	}

	return refreshed, nil
}

// HasValidToken reports whether a non-expired token exists for the server.
// It does not attempt a refresh.
func (c *Client) HasValidToken(ctx context.Context) bool {
	token, err := c.provider.Tokens(ctx)
	if err != nil || token == nil {
		return false
	}
	return token.AccessToken != "" && !token.IsExpired()
}

// refreshToken exchanges a refresh token for a new token set and persists it.
func (c *Client) refreshToken(ctx context.Context, token *pkgoauth.Token) (*pkgoauth.Token, error) {
	metadata, err := c.protocol.DiscoverMetadata(ctx, token.Issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OAuth metadata: %w", err)
	}

	info, err := c.provider.ClientInformation(ctx)
	if err != nil {
		return nil, err
	}
	if info == nil {
		return nil, errors.New("no client registration for token refresh")
	}

	refreshed, err := c.protocol.RefreshToken(ctx, metadata.TokenEndpoint, token.RefreshToken, info.ClientID)
	if err != nil {
		return nil, err
	}

	// Refresh responses routinely omit fields the original grant carried.
	refreshed.Issuer = token.Issuer
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = token.RefreshToken
	}
	if refreshed.IDToken == "" {
		refreshed.IDToken = token.IDToken
	}

	if err := c.provider.SaveTokens(ctx, refreshed); err != nil {
		return nil, err
	}

	c.logger.Debug("Refreshed OAuth token",
		"server_url", c.provider.ServerURL(),
		"issuer", token.Issuer,
	)

	return refreshed, nil
}

// ProbeAuthChallenge probes the server and returns its OAuth challenge
// from the WWW-Authenticate header of a 401 response. Returns (nil, nil)
// when the server does not require authentication.
func (c *Client) ProbeAuthChallenge(ctx context.Context) (*pkgoauth.AuthChallenge, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.provider.ServerURL(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create probe request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to probe server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		return nil, nil
	}

	challenge := pkgoauth.ParseWWWAuthenticateFromResponse(resp)
	if challenge == nil {
		// 401 without a parseable challenge still means auth is required;
		// the caller must supply the issuer some other way.
		return &pkgoauth.AuthChallenge{Scheme: "Bearer"}, nil
	}

	return challenge, nil
}

// StartAuthFlow initiates an OAuth authorization flow against the given
// issuer. It discovers server metadata, ensures a client registration
// exists (registering dynamically when the server supports RFC 7591),
// generates PKCE parameters, starts the local callback server, and
// returns the authorization URL the user should open.
func (c *Client) StartAuthFlow(ctx context.Context, issuerURL string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Cancel any existing flow
	c.cancelCurrentFlow()

	flowID := uuid.NewString()

	metadata, err := c.protocol.DiscoverMetadata(ctx, issuerURL)
	if err != nil {
		return "", fmt.Errorf("failed to discover OAuth metadata: %w", err)
	}

	clientID, err := c.ensureRegistered(ctx, metadata)
	if err != nil {
		return "", err
	}

	pkce, err := pkgoauth.GeneratePKCE()
	if err != nil {
		return "", fmt.Errorf("failed to generate PKCE: %w", err)
	}

	if err := c.provider.SaveCodeVerifier(ctx, pkce.CodeVerifier); err != nil {
		return "", err
	}

	state, err := pkgoauth.GenerateState()
	if err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}

	callbackServer := NewCallbackServer(c.provider.cfg.CallbackHost, c.provider.cfg.CallbackPort, c.provider.cfg.CallbackPath)
	redirectURI, err := callbackServer.Start(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to start callback server: %w", err)
	}

	c.currentFlow = &AuthFlow{
		FlowID:         flowID,
		IssuerURL:      issuerURL,
		Metadata:       metadata,
		PKCE:           pkce,
		State:          state,
		CallbackServer: callbackServer,
		ClientID:       clientID,
		StartedAt:      time.Now(),
	}

	authURL, err := c.buildAuthorizationURL(ctx, metadata, clientID, redirectURI, state, pkce)
	if err != nil {
		c.cancelCurrentFlow()
		return "", fmt.Errorf("failed to build authorization URL: %w", err)
	}

	c.logger.Debug("OAuth authorization flow started",
		"flow_id", flowID,
		"server_url", c.provider.ServerURL(),
		"issuer_url", issuerURL,
		"client_id", clientID,
	)

	return authURL, nil
}

// ensureRegistered returns the client_id for the server, performing
// dynamic client registration when no registration is stored yet. The
// registration response is persisted through the provider, which also
// extracts and persists scope from it.
func (c *Client) ensureRegistered(ctx context.Context, metadata *pkgoauth.Metadata) (string, error) {
	info, err := c.provider.ClientInformation(ctx)
	if err != nil {
		return "", err
	}
	if info != nil {
		return info.ClientID, nil
	}

	registered, err := c.protocol.RegisterClient(ctx, metadata.RegistrationEndpoint, c.provider.ClientMetadata())
	if err != nil {
		return "", fmt.Errorf("dynamic client registration failed: %w", err)
	}

	if err := c.provider.SaveClientInformation(ctx, registered); err != nil {
		return "", err
	}

	return registered.ClientID, nil
}

// buildAuthorizationURL constructs the authorization URL for the flow.
// Scope and standard request parameters come from the provider; state and
// PKCE parameters are per-flow.
func (c *Client) buildAuthorizationURL(ctx context.Context, metadata *pkgoauth.Metadata, clientID, redirectURI, state string, pkce *pkgoauth.PKCEChallenge) (string, error) {
	authURL, err := url.Parse(metadata.AuthorizationEndpoint)
	if err != nil {
		return "", fmt.Errorf("invalid authorization endpoint: %w", err)
	}

	query := authURL.Query()
	query.Set("client_id", clientID)
	query.Set("redirect_uri", redirectURI)
	query.Set("state", state)
	query.Set("code_challenge", pkce.CodeChallenge)
	query.Set("code_challenge_method", pkce.CodeChallengeMethod)
	authURL.RawQuery = query.Encode()

	// The provider fills in response_type and the effective scope.
	return c.provider.BuildAuthorizationURL(ctx, authURL.String())
}

// WaitForCallback waits for the OAuth callback and exchanges the code for
// tokens. This should be called after StartAuthFlow, once the user has
// been sent to the authorization URL.
func (c *Client) WaitForCallback(ctx context.Context) (*pkgoauth.Token, error) {
	c.mu.RLock()
	flow := c.currentFlow
	c.mu.RUnlock()

	if flow == nil {
		return nil, errors.New("no auth flow in progress")
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, CallbackTimeout)
	defer cancel()

	result, err := flow.CallbackServer.WaitForCallback(timeoutCtx)
	if err != nil {
		c.abortFlow()
		return nil, fmt.Errorf("callback failed: %w", err)
	}

	// Verify state - critical security check to prevent CSRF attacks
	if result.State != flow.State {
		c.logger.Warn("OAuth state mismatch detected - possible CSRF attack",
			"flow_id", flow.FlowID,
			"server_url", c.provider.ServerURL(),
		)
		c.abortFlow()
		return nil, errors.New("state mismatch - possible CSRF attack")
	}

	if result.IsError() {
		c.logger.Warn("OAuth authorization failed",
			"flow_id", flow.FlowID,
			"server_url", c.provider.ServerURL(),
			"error", result.Error,
			"error_description", result.ErrorDescription,
		)
		c.abortFlow()
		if result.ErrorDescription != "" {
			return nil, fmt.Errorf("authorization failed: %s - %s", result.Error, result.ErrorDescription)
		}
		return nil, fmt.Errorf("authorization failed: %s", result.Error)
	}

	token, err := c.exchangeCode(ctx, flow, result.Code)
	if err != nil {
		c.logger.Warn("OAuth token exchange failed",
			"flow_id", flow.FlowID,
			"server_url", c.provider.ServerURL(),
			"issuer_url", flow.IssuerURL,
			"error", err.Error(),
		)
		c.abortFlow()
		return nil, fmt.Errorf("token exchange failed: %w", err)
	}

	c.logger.Info("OAuth authentication successful",
		"flow_id", flow.FlowID,
		"server_url", c.provider.ServerURL(),
		"issuer_url", flow.IssuerURL,
	)

	if err := c.provider.SaveTokens(ctx, token); err != nil {
		// Token is still valid for this session even if persistence failed
		c.logger.Warn("Failed to persist OAuth token",
			"flow_id", flow.FlowID,
			"server_url", c.provider.ServerURL(),
			"error", err.Error(),
		)
	}

	c.abortFlow()

	return token, nil
}

// exchangeCode exchanges an authorization code for tokens using the
// persisted code verifier.
func (c *Client) exchangeCode(ctx context.Context, flow *AuthFlow, code string) (*pkgoauth.Token, error) {
	verifier, err := c.provider.CodeVerifier(ctx)
	if err != nil {
		return nil, err
	}

	token, err := c.protocol.ExchangeCode(ctx, flow.Metadata.TokenEndpoint, code, flow.CallbackServer.GetRedirectURI(), flow.ClientID, verifier)
	if err != nil {
		return nil, err
	}

	token.Issuer = flow.IssuerURL
	return token, nil
}

// CompleteAuthFlow combines StartAuthFlow, the browser redirect, and
// WaitForCallback. It returns the authorization URL (so callers can
// display it when the browser launch fails) and a function that blocks
// until the flow completes.
func (c *Client) CompleteAuthFlow(ctx context.Context, issuerURL string) (authURL string, waitFn func() (*pkgoauth.Token, error), err error) {
	authURL, err = c.StartAuthFlow(ctx, issuerURL)
	if err != nil {
		return "", nil, err
	}

	waitFn = func() (*pkgoauth.Token, error) {
		return c.WaitForCallback(ctx)
	}

	return authURL, waitFn, nil
}

// abortFlow cancels the current flow, taking the write lock.
func (c *Client) abortFlow() {
	c.mu.Lock()
	c.cancelCurrentFlow()
	c.mu.Unlock()
}

// cancelCurrentFlow cancels and cleans up the current auth flow.
// Must be called with c.mu held.
func (c *Client) cancelCurrentFlow() {
	if c.currentFlow != nil {
		if c.currentFlow.CallbackServer != nil {
			c.currentFlow.CallbackServer.Stop()
		}
		c.currentFlow = nil
	}
}

// IsFlowInProgress returns true if an auth flow is currently in progress.
func (c *Client) IsFlowInProgress() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.currentFlow != nil
}

// Close cleans up the client's resources.
func (c *Client) Close() error {
	c.abortFlow()
	return nil
}
