// Package agent implements the long-running MCP client that connects
// mcpgate to a remote OAuth-protected server.
//
// The Client speaks streamable-http via mcp-go and delegates bearer
// token handling to the transport's OAuth handler, backed by the
// credential provider in internal/agent/oauth. A CredentialWatcher can
// be attached so that logins and logouts performed by other mcpgate
// processes take effect without restarting the agent.
package agent
