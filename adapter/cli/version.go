package cli

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"

	"github.com/spf13/cobra"

	providers "github.com/felixgeelhaar/vitalsync/internal/providers/domain"
)

// Set with -ldflags "-X github.com/felixgeelhaar/vitalsync/adapter/cli.Version=...".
var (
	Version   = "dev"
	Commit    = ""
	BuildDate = ""
)

var readBuildInfo = debug.ReadBuildInfo

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information and supported providers",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		commit, built := buildStamp()
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "vitalsync %s (%s)\n", Version, runtime.Version())
		fmt.Fprintf(out, "  commit:    %s\n", commit)
		fmt.Fprintf(out, "  built:     %s\n", built)

		names := make([]string, 0, len(providers.AllProviders()))
		for _, p := range providers.AllProviders() {
			names = append(names, p.String())
		}
		fmt.Fprintf(out, "  providers: %s\n", strings.Join(names, ", "))
	},
}

// buildStamp prefers the ldflags values and falls back to the VCS data the
// Go toolchain embeds in module builds.
func buildStamp() (commit, built string) {
	commit, built = Commit, BuildDate
	if info, ok := readBuildInfo(); ok {
		for _, s := range info.Settings {
			switch {
			case s.Key == "vcs.revision" && commit == "":
				commit = s.Value
				if len(commit) > 12 {
					commit = commit[:12]
				}
			case s.Key == "vcs.time" && built == "":
				built = s.Value
			}
		}
	}
	if commit == "" {
		commit = "unknown"
	}
	if built == "" {
		built = "unknown"
	}
	return commit, built
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
