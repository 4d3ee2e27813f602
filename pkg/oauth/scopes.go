package oauth

import "strings"

// DefaultScope is the compiled-in scope requested when neither a static
// override nor an extracted scope is available. It is never empty.
const DefaultScope = "openid email profile"

// ExtractScope inspects a dynamic client registration response for scope
// information. Authorization servers express granted scope in one of four
// shapes, checked in strict priority order:
//
//  1. "scope"          - space-delimited string
//  2. "default_scope"  - space-delimited string
//  3. "scopes"         - array of scope strings, joined in array order
//  4. "default_scopes" - array of scope strings, joined in array order
//
// The first present, non-empty field wins. Returns ("", false) when none
// of the four fields carry a usable value, signaling the caller to fall
// back to DefaultScope.
func ExtractScope(info *ClientInformation) (string, bool) {
	if info == nil {
		return "", false
	}

	if info.Scope != "" {
		return info.Scope, true
	}
	if info.DefaultScope != "" {
		return info.DefaultScope, true
	}
	if joined := joinScopes(info.ScopeList); joined != "" {
		return joined, true
	}
	if joined := joinScopes(info.DefaultScopes); joined != "" {
		return joined, true
	}

	return "", false
}

// joinScopes joins scope values with single spaces, preserving array order.
// Empty elements are skipped so a response like ["", "read"] still yields
// a clean scope string.
func joinScopes(scopes []string) string {
	if len(scopes) == 0 {
		return ""
	}
	nonEmpty := make([]string, 0, len(scopes))
	for _, s := range scopes {
		if s != "" {
			nonEmpty = append(nonEmpty, s)
		}
	}
	return strings.Join(nonEmpty, " ")
}

// ResolveScope computes the effective scope from the three-tier precedence
// chain: a static operator-supplied scope beats a scope extracted from a
// registration response, which beats the compiled-in default.
//
// An empty staticScope is treated as "not provided" and falls through; a
// client that genuinely wants to request no scopes cannot express that
// here. defaultScope must never be empty, so the result is always a
// non-empty scope string.
func ResolveScope(staticScope, extractedScope, defaultScope string) string {
	if staticScope != "" {
		return staticScope
	}
	if extractedScope != "" {
		return extractedScope
	}
	return defaultScope
}
