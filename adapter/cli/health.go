package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/vitalsync/pkg/observability"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check connectivity to the database and optional services",
	RunE: func(cmd *cobra.Command, args []string) error {
		app := GetApp()
		if app == nil {
			return fmt.Errorf("app not initialized")
		}
		out := cmd.OutOrStdout()
		if app.Health == nil {
			fmt.Fprintln(out, "ok")
			return nil
		}

		health := app.Health.Check(cmd.Context())
		for _, name := range app.Health.Names() {
			check := health.Checks[name]
			fmt.Fprintf(out, "  %-10s %-9s %s (%s)\n", name, check.Status, check.Message, check.Duration.Round(time.Millisecond))
		}
		fmt.Fprintln(out, health.Status)
		if health.Status == observability.HealthStatusUnhealthy {
			return fmt.Errorf("unhealthy")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
