// Package oauth provides shared OAuth 2.1 protocol operations for mcpgate.
//
// It contains the pieces of the OAuth client that are independent of
// credential storage: server metadata discovery (RFC 8414 with OIDC
// fallback), dynamic client registration (RFC 7591), authorization code
// and refresh token exchange, PKCE generation, WWW-Authenticate challenge
// parsing, and scope resolution.
//
// Scope resolution follows a three-tier precedence chain: a static
// operator-supplied scope beats a scope extracted from a dynamic client
// registration response, which beats the compiled-in DefaultScope. The
// stateful side of that chain (persisting extracted scope across process
// restarts) lives in internal/agent/oauth; the pure decision functions
// ExtractScope and ResolveScope live here.
package oauth
