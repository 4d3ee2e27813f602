package oauth

import (
	"github.com/mark3labs/mcp-go/client/transport"
)

// SetupOAuthConfig builds the transport.OAuthConfig for mcp-go's
// WithHTTPOAuth / WithOAuth transport options from a provider. This is
// the standard way to wire an mcp-go client to mcpgate-managed
// credentials: tokens stored by `mcpgate auth login` are picked up by
// the transport, and the requested scopes follow the provider's scope
// precedence chain (static override > extracted scope > default).
func SetupOAuthConfig(provider *Provider) (*transport.OAuthConfig, *AgentTokenStore) {
	store := NewAgentTokenStore(provider)
	metadata := provider.ClientMetadata()

	config := &transport.OAuthConfig{
		ClientID:    clientIDFromProvider(provider),
		RedirectURI: provider.RedirectURL(),
		TokenStore:  store,
		Scopes:      scopeFields(metadata.Scope),
		PKCEEnabled: true,
	}

	return config, store
}

// clientIDFromProvider returns the registered client_id when one is
// already cached in memory. The transport performs its own dynamic
// registration when this is empty.
func clientIDFromProvider(p *Provider) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.clientInfo != nil {
		return p.clientInfo.ClientID
	}
	return ""
}
