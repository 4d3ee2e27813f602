package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"mcpgate/internal/agent"
	agentoauth "mcpgate/internal/agent/oauth"

	"github.com/spf13/cobra"
)

var (
	agentEndpoint   string
	agentConfigPath string
	agentOnce       bool
)

// agentCmd represents the agent command
var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "MCP client for a remote OAuth-protected server",
	Long: `The agent command connects to the configured remote MCP server as a
client, using the stored OAuth credentials for authentication, and lists
the tools the server exposes.

Tokens are injected by the transport on every request, so credentials
stored by 'mcpgate auth login' are used automatically. While the agent
runs it watches the credential directory and reconnects when credentials
change, so a login or logout in another terminal takes effect without a
restart.

If no valid credentials are stored the agent reports that authentication
is required and keeps waiting; run 'mcpgate auth login' to authenticate.

Examples:
  mcpgate agent                         # Connect to the configured server
  mcpgate agent --endpoint <url>        # Connect to a specific server
  mcpgate agent --once                  # Connect, list tools, and exit`,
	RunE: runAgent,
}

func init() {
	rootCmd.AddCommand(agentCmd)

	agentCmd.Flags().StringVar(&agentEndpoint, "endpoint", "", "Remote MCP server URL (overrides configuration)")
	agentCmd.Flags().StringVar(&agentConfigPath, "config-path", "", "Configuration directory (default ~/.config/mcpgate)")
	agentCmd.Flags().BoolVar(&agentOnce, "once", false, "Connect, list tools, and exit")
}

func runAgent(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	// Handle interrupts gracefully
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		<-sigChan
		cancel()
	}()

	provider, store, err := resolveProvider(agentEndpoint, agentConfigPath)
	if err != nil {
		return err
	}

	client, err := agent.NewClient(agent.ClientConfig{
		Endpoint: provider.ServerURL(),
		Provider: provider,
		Version:  GetVersion(),
		Logger:   slog.Default(),
	})
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Connect(ctx); err != nil {
		if !errors.Is(err, agentoauth.ErrAuthRequired) {
			return err
		}
		if agentOnce {
			return err
		}
		fmt.Printf("Authentication required for %s\n", provider.ServerURL())
		fmt.Printf("Run 'mcpgate auth login' to authenticate; the agent will reconnect automatically.\n")
	}

	if client.Connected() {
		if err := listAgentTools(ctx, client); err != nil {
			return err
		}
	}

	if agentOnce {
		if !client.Connected() {
			return fmt.Errorf("not connected: %w", agentoauth.ErrAuthRequired)
		}
		return nil
	}

	// Reconnect on credential changes while the agent runs
	watcher, err := client.WatchCredentials(store)
	if err != nil {
		return err
	}
	defer watcher.Stop()

	fmt.Printf("Agent running, press Ctrl+C to exit\n")
	<-ctx.Done()
	return nil
}

// listAgentTools fetches and prints the server's tool list.
func listAgentTools(ctx context.Context, client *agent.Client) error {
	tools, err := client.ListTools(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Connected, %d tools available:\n", len(tools))
	for _, tool := range tools {
		fmt.Printf("  %s\n", tool.Name)
	}
	return nil
}
