package cmd

import (
	"errors"
	"fmt"

	agentoauth "mcpgate/internal/agent/oauth"

	"github.com/spf13/cobra"
)

// Login-specific flags
var (
	loginForce  bool
	loginIssuer string
)

// authLoginCmd represents the auth login command
var authLoginCmd = &cobra.Command{
	Use:   "login",
	Short: "Authenticate to a remote MCP server",
	Long: `Authenticate to a remote MCP server using OAuth.

This command probes the server for an authentication challenge, performs
dynamic client registration when needed, and runs a browser-based
authorization code flow with PKCE. The resulting tokens are stored for
subsequent connections.

Examples:
  mcpgate auth login                    # Login to the configured server
  mcpgate auth login --endpoint <url>   # Login to a specific server
  mcpgate auth login --issuer <url>     # Skip probing, use a known issuer
  mcpgate auth login --force            # Re-authenticate even with valid tokens`,
	RunE: runAuthLogin,
}

func init() {
	authLoginCmd.Flags().BoolVar(&loginForce, "force", false, "Re-authenticate even when a valid token is stored")
	authLoginCmd.Flags().StringVar(&loginIssuer, "issuer", "", "Authorization server issuer URL (skips challenge probing)")
}

func runAuthLogin(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	client, err := newOAuthClient()
	if err != nil {
		return err
	}
	defer client.Close()

	provider := client.Provider()

	if !loginForce && client.HasValidToken(ctx) {
		authPrint("Already authenticated to %s\n", provider.ServerURL())
		return nil
	}

	issuer := loginIssuer
	if issuer == "" {
		challenge, err := client.ProbeAuthChallenge(ctx)
		if err != nil {
			return err
		}
		if challenge != nil {
			issuer = challenge.GetIssuer()
		}
		if issuer == "" {
			// No challenge or no issuer hint; assume the server is its
			// own authorization server.
			issuer = provider.ServerURL()
		}
	}

	authURL, wait, err := client.CompleteAuthFlow(ctx, issuer)
	if err != nil {
		return err
	}

	authPrint("Opening browser for authorization...\n")
	if err := provider.RedirectToAuthorization(ctx, authURL); err != nil {
		var launchErr *agentoauth.BrowserLaunchError
		if !errors.As(err, &launchErr) {
			return err
		}
		authPrint("Could not open a browser automatically.\n")
		authPrint("Open this URL to continue:\n\n  %s\n\n", launchErr.URL)
	}

	token, err := wait()
	if err != nil {
		return fmt.Errorf("authorization failed: %w", err)
	}

	authPrint("Authenticated to %s\n", provider.ServerURL())
	if !token.ExpiresAt.IsZero() {
		authPrint("Token valid until %s\n", token.ExpiresAt.Format("2006-01-02 15:04:05"))
	}

	return nil
}
