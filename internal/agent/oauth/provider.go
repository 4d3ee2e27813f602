package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	pkgoauth "mcpgate/pkg/oauth"
)

// Defaults for the client metadata built by the provider. Static
// configuration overrides any of these field by field.
const (
	// DefaultCallbackHost is the host for the local OAuth callback listener.
	DefaultCallbackHost = "localhost"

	// DefaultCallbackPort is the port for the local OAuth callback listener.
	DefaultCallbackPort = 3000

	// DefaultCallbackPath is the path the authorization server redirects to.
	DefaultCallbackPath = "/callback"

	// DefaultClientName is the client_name sent during dynamic registration.
	DefaultClientName = "mcpgate"

	// DefaultSoftwareID identifies this software in registration requests.
	DefaultSoftwareID = "mcpgate"
)

// InvalidationScope selects which persisted credentials to discard.
type InvalidationScope string

const (
	// InvalidateAll discards tokens, client registration, and extracted scope.
	InvalidateAll InvalidationScope = "all"

	// InvalidateClient discards the client registration and the extracted
	// scope, leaving tokens untouched. The two entries are deleted together
	// because the extracted scope is only meaningful alongside the
	// registration it was extracted from.
	InvalidateClient InvalidationScope = "client"

	// InvalidateTokens discards only the stored tokens.
	InvalidateTokens InvalidationScope = "tokens"
)

// ScopeRecord is the persisted shape of an extracted scope, stored under
// ScopesEntry. It exists only when no static scope override is configured
// and a registration response was saved.
type ScopeRecord struct {
	Scopes string `json:"scopes"`
}

// scopeCacheState tracks the in-memory extracted-scope cache. The state is
// tracked explicitly rather than as a nullable value so that invalidation
// ("not loaded, re-read from store on next load") stays distinct from a
// load that legitimately found nothing ("loaded, absent").
type scopeCacheState int

const (
	scopeUnloaded scopeCacheState = iota
	scopeLoaded
)

// ProviderConfig is the static configuration for a Provider. It is
// immutable for the lifetime of the provider.
type ProviderConfig struct {
	// ServerURL is the remote OAuth-protected server this provider
	// manages credentials for.
	ServerURL string

	// CallbackHost is the host for the local callback listener.
	// Defaults to localhost.
	CallbackHost string

	// CallbackPort is the port for the local callback listener.
	// Defaults to 3000.
	CallbackPort int

	// CallbackPath is the redirect path. Defaults to /callback.
	CallbackPath string

	// Metadata carries optional static client metadata overrides. Any
	// non-zero field wins over the computed default. A non-empty
	// Metadata.Scope short-circuits scope extraction and persistence
	// entirely: the provider then never reads or writes the scope entry.
	Metadata *pkgoauth.ClientMetadata

	// SoftwareVersion is reported as software_version during registration.
	SoftwareVersion string

	// Logger for debug output. Defaults to slog.Default().
	Logger *slog.Logger

	// OpenBrowser launches the system browser for the authorization
	// redirect. Defaults to OpenBrowser.
	OpenBrowser BrowserOpener
}

// Provider manages per-server OAuth client credentials: the client
// registration obtained via dynamic registration, the tokens issued for
// it, and the effective authorization scope. It is the stateful side of
// the scope precedence chain (static override > extracted scope >
// DefaultScope) and owns selective invalidation of persisted credentials.
//
// A provider is expected to be driven by one coordinating auth flow at a
// time per server; the internal mutex only protects the lazy caches.
type Provider struct {
	cfg       ProviderConfig
	store     CredentialStore
	serverKey string
	logger    *slog.Logger
	browser   BrowserOpener

	mu sync.Mutex

	// Extracted-scope cache. Meaningless while scopeState == scopeUnloaded;
	// once loaded, an empty cachedScope means "loaded, absent".
	scopeState  scopeCacheState
	cachedScope string

	// Client registration cache, same tri-state scheme: infoLoaded false
	// means not yet read from the store, true with nil clientInfo means
	// the store had no registration.
	infoLoaded bool
	clientInfo *pkgoauth.ClientInformation
}

// NewProvider creates a credential provider for the configured server,
// backed by the given store.
func NewProvider(cfg ProviderConfig, store CredentialStore) (*Provider, error) {
	if cfg.ServerURL == "" {
		return nil, errors.New("server URL is required")
	}
	if store == nil {
		return nil, errors.New("credential store is required")
	}

	if cfg.CallbackHost == "" {
		cfg.CallbackHost = DefaultCallbackHost
	}
	if cfg.CallbackPort == 0 {
		cfg.CallbackPort = DefaultCallbackPort
	}
	if cfg.CallbackPath == "" {
		cfg.CallbackPath = DefaultCallbackPath
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	browser := cfg.OpenBrowser
	if browser == nil {
		browser = OpenBrowser
	}

	return &Provider{
		cfg:       cfg,
		store:     store,
		serverKey: pkgoauth.ServerKey(cfg.ServerURL),
		logger:    logger,
		browser:   browser,
	}, nil
}

// ServerURL returns the server this provider manages credentials for.
func (p *Provider) ServerURL() string {
	return p.cfg.ServerURL
}

// ServerKey returns the derived credential-store key for the server.
func (p *Provider) ServerKey() string {
	return p.serverKey
}

// RedirectURL returns the redirect URI derived from the configured
// callback host, port, and path.
func (p *Provider) RedirectURL() string {
	return fmt.Sprintf("http://%s:%d%s", p.cfg.CallbackHost, p.cfg.CallbackPort, p.cfg.CallbackPath)
}

// staticScope returns the configured static scope override, or "" when
// none is configured. An explicitly empty static scope is treated as
// absent and falls through the precedence chain.
func (p *Provider) staticScope() string {
	if p.cfg.Metadata == nil {
		return ""
	}
	return p.cfg.Metadata.Scope
}

// ClientMetadata builds the effective client metadata for authorization
// requests and dynamic registration. The value is recomputed on every
// call from the static configuration and the current extracted-scope
// cache; no store I/O happens here. The Scope field is always populated
// via the precedence chain and is never empty.
func (p *Provider) ClientMetadata() pkgoauth.ClientMetadata {
	p.mu.Lock()
	cachedScope := ""
	if p.scopeState == scopeLoaded {
		cachedScope = p.cachedScope
	}
	p.mu.Unlock()

	metadata := pkgoauth.ClientMetadata{
		RedirectURIs:            []string{p.RedirectURL()},
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		TokenEndpointAuthMethod: "none",
		ClientName:              DefaultClientName,
		SoftwareID:              DefaultSoftwareID,
		SoftwareVersion:         p.cfg.SoftwareVersion,
		Scope:                   pkgoauth.ResolveScope(p.staticScope(), cachedScope, pkgoauth.DefaultScope),
	}

	// Static overrides win field by field. Scope is excluded here: the
	// resolver above already gave the static value absolute precedence.
	if s := p.cfg.Metadata; s != nil {
		if len(s.RedirectURIs) > 0 {
			metadata.RedirectURIs = s.RedirectURIs
		}
		if len(s.GrantTypes) > 0 {
			metadata.GrantTypes = s.GrantTypes
		}
		if len(s.ResponseTypes) > 0 {
			metadata.ResponseTypes = s.ResponseTypes
		}
		if s.TokenEndpointAuthMethod != "" {
			metadata.TokenEndpointAuthMethod = s.TokenEndpointAuthMethod
		}
		if s.ClientName != "" {
			metadata.ClientName = s.ClientName
		}
		if s.ClientURI != "" {
			metadata.ClientURI = s.ClientURI
		}
		if s.LogoURI != "" {
			metadata.LogoURI = s.LogoURI
		}
		if s.SoftwareID != "" {
			metadata.SoftwareID = s.SoftwareID
		}
		if s.SoftwareVersion != "" {
			metadata.SoftwareVersion = s.SoftwareVersion
		}
	}

	return metadata
}

// EffectiveScope returns the scope that would be requested in an
// authorization request right now.
func (p *Provider) EffectiveScope() string {
	return p.ClientMetadata().Scope
}

// ClientInformation returns the stored client registration, loading it
// from the credential store on first call. A missing registration yields
// (nil, nil); only store I/O failures are errors.
//
// On a successful load without a static scope override, the extracted
// scope entry is read alongside the registration so that subsequent
// ClientMetadata calls resolve the persisted scope. When a static scope
// is configured the scope entry is never consulted.
func (p *Provider) ClientInformation(ctx context.Context) (*pkgoauth.ClientInformation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.infoLoaded {
		return p.clientInfo, nil
	}

	data, err := p.store.Read(ctx, p.serverKey, ClientInfoEntry)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			p.infoLoaded = true
			p.clientInfo = nil
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load client registration: %w", err)
	}

	var info pkgoauth.ClientInformation
	if err := json.Unmarshal(data, &info); err != nil {
		// A corrupt registration is treated as absent; re-registering is
		// always safe, crashing on startup is not.
		p.logger.Warn("Ignoring malformed client registration",
			"server_url", p.cfg.ServerURL,
			"error", err.Error(),
		)
		p.infoLoaded = true
		p.clientInfo = nil
		return nil, nil
	}

	// The scope entry is read before the registration cache is
	// committed: a failed scope read must leave the whole load
	// retryable, or later calls would resolve the default scope over
	// the persisted one. A static scope override makes the persisted
	// scope irrelevant, so the read is skipped in that case.
	if p.staticScope() == "" {
		if err := p.loadScopeLocked(ctx); err != nil {
			return nil, err
		}
	}

	p.infoLoaded = true
	p.clientInfo = &info

	p.logger.Debug("Loaded client registration",
		"server_url", p.cfg.ServerURL,
		"client_id", info.ClientID,
	)

	return p.clientInfo, nil
}

// loadScopeLocked reads the extracted-scope entry and populates the
// in-memory cache. A missing or malformed record loads as absent.
// Requires p.mu to be held.
func (p *Provider) loadScopeLocked(ctx context.Context) error {
	data, err := p.store.Read(ctx, p.serverKey, ScopesEntry)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			p.scopeState = scopeLoaded
			p.cachedScope = ""
			return nil
		}
		return fmt.Errorf("failed to load extracted scope: %w", err)
	}

	var record ScopeRecord
	if err := json.Unmarshal(data, &record); err != nil {
		p.logger.Warn("Ignoring malformed scope record",
			"server_url", p.cfg.ServerURL,
			"error", err.Error(),
		)
		p.scopeState = scopeLoaded
		p.cachedScope = ""
		return nil
	}

	p.scopeState = scopeLoaded
	p.cachedScope = record.Scopes

	p.logger.Debug("Loaded extracted scope",
		"server_url", p.cfg.ServerURL,
		"scope", record.Scopes,
	)

	return nil
}

// SaveClientInformation persists a dynamic registration response and
// updates the in-memory caches. The response is stored verbatim.
//
// When no static scope override is configured, scope information is
// extracted from the response and persisted as the scope entry; a
// response with no extractable scope writes DefaultScope explicitly so
// the decision is durable rather than re-derived on every load. With a
// static override configured, registration scope fields are ignored
// entirely -- precedence is absolute, not merely a read-time default.
func (p *Provider) SaveClientInformation(ctx context.Context, info *pkgoauth.ClientInformation) error {
	if info == nil {
		return errors.New("client information is required")
	}

	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal client registration: %w", err)
	}

	if err := p.store.Write(ctx, p.serverKey, ClientInfoEntry, data); err != nil {
		return fmt.Errorf("failed to persist client registration: %w", err)
	}

	p.mu.Lock()
	p.infoLoaded = true
	p.clientInfo = info
	p.mu.Unlock()

	p.logger.Debug("Stored client registration",
		"server_url", p.cfg.ServerURL,
		"client_id", info.ClientID,
	)

	if p.staticScope() != "" {
		return nil
	}

	scope, ok := pkgoauth.ExtractScope(info)
	if !ok {
		scope = pkgoauth.DefaultScope
	}

	record, err := json.MarshalIndent(ScopeRecord{Scopes: scope}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal scope record: %w", err)
	}

	if err := p.store.Write(ctx, p.serverKey, ScopesEntry, record); err != nil {
		return fmt.Errorf("failed to persist extracted scope: %w", err)
	}

	p.mu.Lock()
	p.scopeState = scopeLoaded
	p.cachedScope = scope
	p.mu.Unlock()

	p.logger.Debug("Stored extracted scope",
		"server_url", p.cfg.ServerURL,
		"scope", scope,
		"extracted", ok,
	)

	return nil
}

// Tokens returns the stored token set for the server, or (nil, nil)
// when none exists. Malformed stored tokens load as absent.
func (p *Provider) Tokens(ctx context.Context) (*pkgoauth.Token, error) {
	data, err := p.store.Read(ctx, p.serverKey, TokensEntry)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load tokens: %w", err)
	}

	var token pkgoauth.Token
	if err := json.Unmarshal(data, &token); err != nil {
		p.logger.Warn("Ignoring malformed stored tokens",
			"server_url", p.cfg.ServerURL,
			"error", err.Error(),
		)
		return nil, nil
	}

	return &token, nil
}

// SaveTokens persists a token set for the server.
// SECURITY: Token values are never logged.
func (p *Provider) SaveTokens(ctx context.Context, token *pkgoauth.Token) error {
	if token == nil {
		return errors.New("token is required")
	}

	data, err := json.MarshalIndent(token, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal tokens: %w", err)
	}

	if err := p.store.Write(ctx, p.serverKey, TokensEntry, data); err != nil {
		return fmt.Errorf("failed to persist tokens: %w", err)
	}

	p.logger.Info("Stored OAuth tokens",
		"server_url", p.cfg.ServerURL,
		"issuer", token.Issuer,
		"has_refresh_token", token.RefreshToken != "",
	)

	return nil
}

// SaveCodeVerifier persists the PKCE code verifier for an in-flight
// authorization flow so the token exchange can complete even if it runs
// in a different process than the one that started the flow.
func (p *Provider) SaveCodeVerifier(ctx context.Context, verifier string) error {
	if err := p.store.Write(ctx, p.serverKey, CodeVerifierEntry, []byte(verifier)); err != nil {
		return fmt.Errorf("failed to persist code verifier: %w", err)
	}
	return nil
}

// CodeVerifier returns the persisted PKCE code verifier. Unlike the other
// reads, a missing verifier is an error: the flow cannot continue without it.
func (p *Provider) CodeVerifier(ctx context.Context) (string, error) {
	data, err := p.store.Read(ctx, p.serverKey, CodeVerifierEntry)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", errors.New("no code verifier saved for this server")
		}
		return "", fmt.Errorf("failed to load code verifier: %w", err)
	}
	return string(data), nil
}

// InvalidateCredentials discards persisted credentials for the server.
//
//   - InvalidateTokens deletes only the token entry; the client
//     registration and extracted scope survive.
//   - InvalidateClient deletes the registration and scope entries and
//     resets the in-memory caches, so the next ClientMetadata read falls
//     back to DefaultScope (absent a static override).
//   - InvalidateAll is the union of the two.
//
// The store has no transactional coupling between entries, so every
// affected entry is deleted explicitly; all deletions are attempted even
// if one fails. Deleting a missing entry is a no-op.
func (p *Provider) InvalidateCredentials(ctx context.Context, scope InvalidationScope) error {
	var errs []error

	deleteTokens := func() {
		if err := p.store.Delete(ctx, p.serverKey, TokensEntry); err != nil {
			errs = append(errs, err)
		}
	}

	deleteClient := func() {
		if err := p.store.Delete(ctx, p.serverKey, ClientInfoEntry); err != nil {
			errs = append(errs, err)
		}
		if err := p.store.Delete(ctx, p.serverKey, ScopesEntry); err != nil {
			errs = append(errs, err)
		}

		p.mu.Lock()
		p.scopeState = scopeUnloaded
		p.cachedScope = ""
		p.infoLoaded = false
		p.clientInfo = nil
		p.mu.Unlock()
	}

	switch scope {
	case InvalidateTokens:
		deleteTokens()
	case InvalidateClient:
		deleteClient()
	case InvalidateAll:
		deleteClient()
		deleteTokens()
	default:
		return fmt.Errorf("unknown invalidation scope: %q", scope)
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("failed to invalidate credentials: %w", err)
	}

	p.logger.Info("Invalidated OAuth credentials",
		"server_url", p.cfg.ServerURL,
		"scope", string(scope),
	)

	return nil
}

// RedirectToAuthorization completes an authorization URL with the
// provider's request parameters and opens it in the user's browser. The
// effective scope is always appended; response_type, redirect_uri, and
// client_id (when a registration is known) are filled in if the caller
// has not set them already.
//
// A browser launch failure is returned as a *BrowserLaunchError carrying
// the fully-built URL, so callers can still display it for manual use.
// This call does not wait for the user to complete authorization.
func (p *Provider) RedirectToAuthorization(ctx context.Context, authorizationURL string) error {
	built, err := p.BuildAuthorizationURL(ctx, authorizationURL)
	if err != nil {
		return err
	}

	p.logger.Debug("Opening browser for authorization",
		"server_url", p.cfg.ServerURL,
	)

	if err := p.browser(built); err != nil {
		return &BrowserLaunchError{URL: built, Err: err}
	}

	return nil
}

// BuildAuthorizationURL returns the authorization URL with the provider's
// request parameters applied, without launching a browser.
func (p *Provider) BuildAuthorizationURL(ctx context.Context, authorizationURL string) (string, error) {
	parsed, err := url.Parse(authorizationURL)
	if err != nil {
		return "", fmt.Errorf("invalid authorization URL: %w", err)
	}

	metadata := p.ClientMetadata()

	query := parsed.Query()
	query.Set("scope", metadata.Scope)
	if query.Get("response_type") == "" {
		query.Set("response_type", "code")
	}
	if query.Get("redirect_uri") == "" {
		query.Set("redirect_uri", p.RedirectURL())
	}
	if query.Get("client_id") == "" {
		info, err := p.ClientInformation(ctx)
		if err != nil {
			return "", err
		}
		if info != nil {
			query.Set("client_id", info.ClientID)
		}
	}

	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

// scopeFields splits a space-delimited scope string into its components.
func scopeFields(scope string) []string {
	return strings.Fields(scope)
}
