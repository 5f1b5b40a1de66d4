package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var connectionsCmd = &cobra.Command{
	Use:   "connections",
	Short: "List connected providers",
	RunE:  runConnections,
}

func init() {
	rootCmd.AddCommand(connectionsCmd)
}

func runConnections(cmd *cobra.Command, args []string) error {
	a, userID, err := requireApp()
	if err != nil {
		return err
	}
	if a.Connections == nil {
		return errors.New("connection service not configured")
	}

	connections, err := a.Connections.Connections(cmd.Context(), userID)
	if err != nil {
		return fmt.Errorf("failed to list connections: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(connections) == 0 {
		fmt.Fprintln(out, "No connected providers.")
		fmt.Fprintln(out, "\nConnect one with:")
		fmt.Fprintln(out, "  vitalsync connect fitbit")
		fmt.Fprintln(out, "  vitalsync connect withings")
		return nil
	}

	fmt.Fprintln(out, "Connected providers:")
	for _, c := range connections {
		status := "✓"
		expiry := ""
		if !c.ExpiresAt.IsZero() {
			expiry = " (token expires " + c.ExpiresAt.Local().Format("2006-01-02 15:04") + ")"
		}
		if c.Expired {
			status = "○"
			expiry = " (token expired, refreshed on next import)"
		}
		scopes := ""
		if len(c.Scopes) > 0 {
			scopes = " [" + strings.Join(c.Scopes, ", ") + "]"
		}
		fmt.Fprintf(out, "  %s %-10s%s%s\n", status, c.Provider, scopes, expiry)
	}
	return nil
}
