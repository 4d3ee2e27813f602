// Package oauth implements OAuth 2.1 client credential management for
// mcpgate when connecting to OAuth-protected remote MCP servers.
//
// # Architecture
//
// The package is built around three pieces:
//
//   - CredentialStore: namespaced, per-server persistence of credential
//     entries (client registration, tokens, extracted scope, PKCE code
//     verifier), keyed by a stable hash of the server URL. The default
//     implementation stores files under ~/.config/mcpgate/credentials/.
//
//   - Provider: the stateful credential manager. It lazily loads and
//     caches the client registration and the extracted authorization
//     scope, computes effective client metadata on demand, persists
//     dynamic registration responses, and selectively invalidates
//     credentials (tokens only, client registration only, or everything).
//
//   - Client: the authorization flow driver. It probes WWW-Authenticate
//     challenges, discovers server metadata, registers the client
//     dynamically when needed, runs the PKCE authorization code flow via
//     a local callback server and the system browser, and refreshes
//     expired tokens.
//
// # Scope precedence
//
// The scope requested during authorization is resolved through a fixed
// three-tier chain: a static scope from configuration always wins; next
// comes a scope previously extracted from a dynamic registration
// response (persisted as its own store entry and cached in memory);
// finally the compiled-in default. A static scope disables extraction
// and persistence entirely. Invalidating the client registration also
// removes the extracted scope, so the next request falls back to the
// default.
//
// # Credential storage
//
// Credentials are stored in an XDG-compliant location:
//
//	~/.config/mcpgate/credentials/{server-key}/client_info.json
//	~/.config/mcpgate/credentials/{server-key}/tokens.json
//	~/.config/mcpgate/credentials/{server-key}/scopes.json
//
// Files are written with 0600 permissions and token values are never
// logged. The CredentialWatcher lets a long-running agent pick up
// credentials written by a parallel `mcpgate auth login` process.
package oauth
