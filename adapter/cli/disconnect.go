package cli

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	providers "github.com/felixgeelhaar/vitalsync/internal/providers/domain"
)

var disconnectForce bool

var disconnectCmd = &cobra.Command{
	Use:   "disconnect <provider>",
	Short: "Disconnect a provider and delete its stored tokens",
	Long: `Disconnect a provider and delete its stored tokens.

Imported daily records are kept.

Examples:
  vitalsync disconnect fitbit
  vitalsync disconnect withings --force`,
	Args: cobra.ExactArgs(1),
	RunE: runDisconnect,
}

func init() {
	disconnectCmd.Flags().BoolVarP(&disconnectForce, "force", "f", false, "Skip confirmation prompt")
	rootCmd.AddCommand(disconnectCmd)
}

func runDisconnect(cmd *cobra.Command, args []string) error {
	a, userID, err := requireApp()
	if err != nil {
		return err
	}
	if a.Connections == nil {
		return errors.New("connection service not configured")
	}
	provider, err := providers.ParseProvider(args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if !disconnectForce {
		fmt.Fprintf(out, "Disconnect %s? (y/N): ", provider)
		response, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && response == "" {
			return fmt.Errorf("failed to read response: %w", err)
		}
		response = strings.ToLower(strings.TrimSpace(response))
		if response != "y" && response != "yes" {
			fmt.Fprintln(out, "Cancelled.")
			return nil
		}
	}

	if err := a.Connections.Disconnect(cmd.Context(), userID, provider); err != nil {
		return fmt.Errorf("failed to disconnect: %w", err)
	}
	fmt.Fprintf(out, "Disconnected %s.\n", provider)
	return nil
}
