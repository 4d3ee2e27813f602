package oauth

import (
	"context"
	"sync"

	"github.com/mark3labs/mcp-go/client/transport"

	pkgoauth "mcpgate/pkg/oauth"
)

// AgentTokenStore is a thin context-binder that implements mcp-go's
// transport.TokenStore interface on top of a Provider.
//
// It has no storage of its own -- all reads and writes go through the
// provider's credential store. The only local state is a cached copy of
// the ID token and issuer, because mcp-go's transport.Token tracks
// neither, and refresh responses would otherwise drop them.
//
// mcp-go owns token refresh and 401 handling on the transport. This
// store returns the current token as-is and persists whatever mcp-go
// writes back after a successful refresh.
type AgentTokenStore struct {
	provider *Provider

	mu        sync.RWMutex
	idToken   string
	issuerURL string
}

// NewAgentTokenStore creates a token store bound to the given provider.
func NewAgentTokenStore(provider *Provider) *AgentTokenStore {
	return &AgentTokenStore{provider: provider}
}

// GetToken returns the current OAuth token from the credential store.
// Returns transport.ErrNoToken when no token is available, which signals
// mcp-go to initiate the OAuth authorization flow.
func (s *AgentTokenStore) GetToken(ctx context.Context) (*transport.Token, error) {
	token, err := s.provider.Tokens(ctx)
	if err != nil {
		return nil, err
	}
	if token == nil || token.AccessToken == "" {
		return nil, transport.ErrNoToken
	}

	s.mu.Lock()
	if token.IDToken != "" {
		s.idToken = token.IDToken
	}
	if token.Issuer != "" {
		s.issuerURL = token.Issuer
	}
	s.mu.Unlock()

	return &transport.Token{
		AccessToken:  token.AccessToken,
		TokenType:    token.TokenType,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    token.ExpiresAt,
	}, nil
}

// SaveToken persists a refreshed token through the provider.
// mcp-go calls this after a successful token refresh.
//
// The cached ID token and issuer are re-applied because refresh
// responses typically don't include them.
func (s *AgentTokenStore) SaveToken(ctx context.Context, token *transport.Token) error {
	if token == nil {
		return nil
	}

	s.mu.RLock()
	idToken := s.idToken
	issuerURL := s.issuerURL
	s.mu.RUnlock()

	return s.provider.SaveTokens(ctx, &pkgoauth.Token{
		AccessToken:  token.AccessToken,
		TokenType:    token.TokenType,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    token.ExpiresAt,
		IDToken:      idToken,
		Issuer:       issuerURL,
	})
}

// GetIDToken returns the last cached ID token for SSO forwarding.
func (s *AgentTokenStore) GetIDToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.idToken
}

// Ensure AgentTokenStore implements transport.TokenStore at compile time.
var _ transport.TokenStore = (*AgentTokenStore)(nil)
