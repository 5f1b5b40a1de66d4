package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/vitalsync/pkg/observability"
)

var (
	userFlag string
	verbose  bool
	logger   *slog.Logger
)

type commandContext struct {
	correlationID uuid.UUID
	startedAt     time.Time
}

type commandContextKey struct{}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "vitalsync",
	Short: "vitalsync - wearable health data sync",
	Long: `vitalsync imports daily health metrics from wearable providers
(Fitbit, Withings) into one merged record per day.

Connect a provider once, then import any date range; already imported
days are skipped unless --overwrite is given.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if logger == nil {
			logger = slog.Default()
		}
		ctx := cmd.Context()
		info := commandContext{
			correlationID: uuid.New(),
			startedAt:     time.Now(),
		}
		ctx = observability.WithCorrelationID(ctx, info.correlationID.String())
		cmd.SetContext(context.WithValue(ctx, commandContextKey{}, info))
		logger.Debug("command start",
			"command", cmd.CommandPath(),
			"correlation_id", info.correlationID.String(),
		)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger == nil {
			logger = slog.Default()
		}
		info, ok := cmd.Context().Value(commandContextKey{}).(commandContext)
		if !ok {
			return
		}
		logger.Debug("command end",
			"command", cmd.CommandPath(),
			"correlation_id", info.correlationID.String(),
			"duration_ms", time.Since(info.startedAt).Milliseconds(),
		)
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&userFlag, "user", "", "user ID to act for (default: VITALSYNC_USER_ID)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}

// AddCommand adds a command to the root command.
func AddCommand(cmd *cobra.Command) {
	rootCmd.AddCommand(cmd)
}

// SetLogger sets the CLI logger.
func SetLogger(l *slog.Logger) {
	logger = l
}

// Verbose reports whether --verbose was given.
func Verbose() bool {
	return verbose
}

// requireApp returns the application and the user the command acts for.
func requireApp() (*App, uuid.UUID, error) {
	a := GetApp()
	if a == nil {
		return nil, uuid.Nil, errors.New("app not initialized; check the database configuration")
	}
	userID := a.CurrentUserID
	if userFlag != "" {
		parsed, err := uuid.Parse(userFlag)
		if err != nil {
			return nil, uuid.Nil, fmt.Errorf("invalid --user: %w", err)
		}
		userID = parsed
	}
	if userID == uuid.Nil {
		return nil, uuid.Nil, errors.New("current user not configured")
	}
	return a, userID, nil
}
