package cli

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	providers "github.com/felixgeelhaar/vitalsync/internal/providers/domain"
)

var connectCode string

var connectCmd = &cobra.Command{
	Use:   "connect <provider>",
	Short: "Connect a health data provider",
	Long: `Connect a provider with OAuth2.

The command prints the provider's consent page. After approving access,
paste the code from the redirect URL, or pass it with --code.

Supported providers:
  fitbit     - Fitbit Web API
  withings   - Withings Public API

Examples:
  vitalsync connect fitbit
  vitalsync connect withings --code 5f1e...`,
	Args: cobra.ExactArgs(1),
	RunE: runConnect,
}

func init() {
	connectCmd.Flags().StringVar(&connectCode, "code", "", "authorization code from the redirect URL")
	rootCmd.AddCommand(connectCmd)
}

func runConnect(cmd *cobra.Command, args []string) error {
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
	code := connectCode
	if code == "" {
		state := uuid.New().String()
		authURL, err := a.Connections.AuthURL(provider, state)
		if err != nil {
			return fmt.Errorf("%s OAuth not configured: %w", provider, err)
		}
		fmt.Fprintf(out, "Visit this URL to authorize vitalsync:\n%s\n", authURL)
		fmt.Fprintf(out, "\nState: %s\n", state)
		fmt.Fprint(out, "\nEnter the authorization code: ")

		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("failed to read code: %w", err)
		}
		code = strings.TrimSpace(line)
	}
	if code == "" {
		return errors.New("authorization code is required")
	}

	pair, err := a.Connections.Connect(cmd.Context(), userID, provider, code)
	if err != nil {
		return fmt.Errorf("failed to connect %s: %w", provider, err)
	}

	fmt.Fprintf(out, "\nConnected %s.\n", provider)
	if len(pair.Scopes) > 0 {
		fmt.Fprintf(out, "  Scopes: %s\n", strings.Join(pair.Scopes, ", "))
	}
	fmt.Fprintf(out, "\nImport recent data with:\n  vitalsync import --provider %s --days 30\n", provider)
	return nil
}
