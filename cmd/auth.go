package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	agentoauth "mcpgate/internal/agent/oauth"
	"mcpgate/internal/config"
	pkgoauth "mcpgate/pkg/oauth"

	"github.com/spf13/cobra"
)

var (
	authEndpoint   string
	authConfigPath string
	authQuiet      bool
)

// authCmd represents the auth command group
var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage authentication for mcpgate",
	Long: `Manage OAuth credentials for remote MCP servers.

The auth command group provides subcommands to login, logout, and check
authentication status for remote servers that require OAuth.

Examples:
  mcpgate auth login                    # Login to the configured server
  mcpgate auth login --endpoint <url>   # Login to a specific server
  mcpgate auth status                   # Show authentication status
  mcpgate auth logout                   # Clear stored tokens
  mcpgate auth logout --client          # Clear client registration and scope
  mcpgate auth logout --all             # Clear all stored credentials`,
}

// Logout-specific flags
var (
	logoutAll    bool
	logoutClient bool
)

// authLogoutCmd represents the auth logout command
var authLogoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Clear stored credentials",
	Long: `Clear stored OAuth credentials for a server.

By default only the stored tokens are removed, so the next connection
re-authenticates with the existing client registration. With --client the
registration and its extracted scope are removed instead, forcing a fresh
dynamic registration; with --all everything is removed.

Examples:
  mcpgate auth logout                   # Remove tokens only
  mcpgate auth logout --client          # Remove registration and scope
  mcpgate auth logout --all             # Remove all credentials
  mcpgate auth logout --endpoint <url>  # Logout from a specific server`,
	RunE: runAuthLogout,
}

// authStatusCmd represents the auth status command
var authStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show authentication status",
	Long: `Show the stored credential state for a server.

This displays the server key, whether a client registration and tokens
are stored, token expiry, and the authorization scope that would be
requested on the next login.

Examples:
  mcpgate auth status                   # Status for the configured server
  mcpgate auth status --endpoint <url>  # Status for a specific server`,
	RunE: runAuthStatus,
}

// authPrint prints output only if the --quiet flag is not set.
func authPrint(format string, args ...interface{}) {
	if !authQuiet {
		fmt.Printf(format, args...)
	}
}

func init() {
	rootCmd.AddCommand(authCmd)
	authCmd.AddCommand(authLoginCmd)
	authCmd.AddCommand(authLogoutCmd)
	authCmd.AddCommand(authStatusCmd)

	authCmd.PersistentFlags().StringVar(&authEndpoint, "endpoint", "", "Remote MCP server URL (overrides configuration)")
	authCmd.PersistentFlags().StringVar(&authConfigPath, "config-path", "", "Configuration directory (default ~/.config/mcpgate)")
	authCmd.PersistentFlags().BoolVarP(&authQuiet, "quiet", "q", false, "Suppress non-essential output")

	authLogoutCmd.Flags().BoolVar(&logoutAll, "all", false, "Remove tokens, client registration, and extracted scope")
	authLogoutCmd.Flags().BoolVar(&logoutClient, "client", false, "Remove client registration and extracted scope, keep tokens")
}

// resolveProvider builds the credential provider and file store for the
// endpoint resolved from the given flags and configuration.
func resolveProvider(endpointFlag, configPathFlag string) (*agentoauth.Provider, *agentoauth.FileCredentialStore, error) {
	configPath := configPathFlag
	if configPath == "" {
		var err error
		configPath, err = config.DefaultConfigPath()
		if err != nil {
			return nil, nil, err
		}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}

	endpoint := endpointFlag
	if endpoint == "" {
		endpoint = cfg.Server.URL
	}
	if endpoint == "" {
		return nil, nil, fmt.Errorf("no server endpoint configured: set server.url in config.yaml or pass --endpoint")
	}

	credentialDir := cfg.CredentialDir
	if credentialDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		credentialDir = filepath.Join(homeDir, pkgoauth.DefaultCredentialDir)
	}

	store, err := agentoauth.NewFileCredentialStore(credentialDir)
	if err != nil {
		return nil, nil, err
	}

	var metadata *pkgoauth.ClientMetadata
	if cfg.Client != nil {
		metadata = &pkgoauth.ClientMetadata{
			ClientName: cfg.Client.Name,
			ClientURI:  cfg.Client.URI,
			Scope:      cfg.Client.Scope,
		}
	}

	provider, err := agentoauth.NewProvider(agentoauth.ProviderConfig{
		ServerURL:       endpoint,
		CallbackHost:    cfg.Callback.Host,
		CallbackPort:    cfg.Callback.Port,
		CallbackPath:    cfg.Callback.Path,
		Metadata:        metadata,
		SoftwareVersion: GetVersion(),
	}, store)
	if err != nil {
		return nil, nil, err
	}

	return provider, store, nil
}

// newOAuthClient builds the OAuth flow client from configuration and the
// shared auth flags. The returned client owns the provider for the
// resolved endpoint.
func newOAuthClient() (*agentoauth.Client, error) {
	provider, _, err := resolveProvider(authEndpoint, authConfigPath)
	if err != nil {
		return nil, err
	}
	return agentoauth.NewClient(agentoauth.ClientConfig{Provider: provider})
}

func runAuthLogout(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	if logoutAll && logoutClient {
		return fmt.Errorf("--all and --client are mutually exclusive")
	}

	client, err := newOAuthClient()
	if err != nil {
		return err
	}
	defer client.Close()

	scope := agentoauth.InvalidateTokens
	switch {
	case logoutAll:
		scope = agentoauth.InvalidateAll
	case logoutClient:
		scope = agentoauth.InvalidateClient
	}

	provider := client.Provider()
	if err := provider.InvalidateCredentials(ctx, scope); err != nil {
		return fmt.Errorf("failed to clear credentials: %w", err)
	}

	switch scope {
	case agentoauth.InvalidateAll:
		authPrint("Removed all stored credentials for %s\n", provider.ServerURL())
	case agentoauth.InvalidateClient:
		authPrint("Removed client registration for %s\n", provider.ServerURL())
	default:
		authPrint("Removed stored tokens for %s\n", provider.ServerURL())
	}

	return nil
}

func runAuthStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	client, err := newOAuthClient()
	if err != nil {
		return err
	}
	defer client.Close()

	provider := client.Provider()

	fmt.Printf("Server:     %s\n", provider.ServerURL())
	fmt.Printf("Server key: %s\n", provider.ServerKey())

	info, err := provider.ClientInformation(ctx)
	if err != nil {
		return fmt.Errorf("failed to read client registration: %w", err)
	}
	if info != nil {
		fmt.Printf("Client:     registered (client_id %s)\n", info.ClientID)
	} else {
		fmt.Printf("Client:     not registered\n")
	}

	token, err := provider.Tokens(ctx)
	if err != nil {
		return fmt.Errorf("failed to read tokens: %w", err)
	}
	switch {
	case token == nil:
		fmt.Printf("Tokens:     none\n")
	case token.IsExpired():
		fmt.Printf("Tokens:     expired at %s\n", token.ExpiresAt.Format("2006-01-02 15:04:05"))
	case token.ExpiresAt.IsZero():
		fmt.Printf("Tokens:     valid (no expiry)\n")
	default:
		fmt.Printf("Tokens:     valid until %s\n", token.ExpiresAt.Format("2006-01-02 15:04:05"))
	}

	fmt.Printf("Scope:      %s\n", provider.EffectiveScope())

	return nil
}
