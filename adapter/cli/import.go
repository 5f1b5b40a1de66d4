package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	dailymetrics "github.com/felixgeelhaar/vitalsync/internal/dailymetrics/domain"
	importer "github.com/felixgeelhaar/vitalsync/internal/importer/application"
	providers "github.com/felixgeelhaar/vitalsync/internal/providers/domain"
)

var (
	importProvider  string
	importStart     string
	importEnd       string
	importDays      int
	importTypes     []string
	importOverwrite bool
	importBatchSize int
	importJSON      bool
)

// now is replaced in tests.
var now = time.Now

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import daily metrics from a connected provider",
	Long: `Import daily metrics for a date range from a connected provider.

Dates are processed oldest first. Days that already have data are skipped
unless --overwrite is given. The run stops early when the provider's rate
limit is hit or the connection needs to be re-authorized; everything
imported up to that point is kept.

Examples:
  vitalsync import --provider fitbit --days 30
  vitalsync import -p withings --start 2024-01-01 --end 2024-02-15 --types weight,sleep
  vitalsync import -p fitbit --days 7 --overwrite --json`,
	RunE: runImport,
}

func init() {
	importCmd.Flags().StringVarP(&importProvider, "provider", "p", "", "provider to import from (fitbit, withings)")
	importCmd.Flags().StringVar(&importStart, "start", "", "first date to import (YYYY-MM-DD)")
	importCmd.Flags().StringVar(&importEnd, "end", "", "last date to import (YYYY-MM-DD, default: today)")
	importCmd.Flags().IntVarP(&importDays, "days", "d", 0, "import the most recent N days ending at --end")
	importCmd.Flags().StringSliceVarP(&importTypes, "types", "t", nil, "data types to import (activity, heart_rate, sleep, body; default: all)")
	importCmd.Flags().BoolVar(&importOverwrite, "overwrite", false, "refetch days that already have data")
	importCmd.Flags().IntVar(&importBatchSize, "batch-size", 0, "dates per batch (default from config)")
	importCmd.Flags().BoolVar(&importJSON, "json", false, "print progress events as JSON lines")
	_ = importCmd.MarkFlagRequired("provider")

	rootCmd.AddCommand(importCmd)
}

func runImport(cmd *cobra.Command, args []string) error {
	a, userID, err := requireApp()
	if err != nil {
		return err
	}
	if a.Imports == nil {
		return errors.New("import service not configured")
	}

	provider, err := providers.ParseProvider(importProvider)
	if err != nil {
		return err
	}
	start, end, err := resolveRange(importStart, importEnd, importDays, now())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	printer := newProgressPrinter(out, importJSON, isTerminal(out))
	outcome, err := a.Imports.Run(cmd.Context(), importer.Request{
		UserID:            userID,
		Provider:          provider,
		Start:             start,
		End:               end,
		DataTypes:         importTypes,
		OverwriteExisting: importOverwrite,
		BatchSize:         importBatchSize,
	}, printer)
	if err != nil {
		return err
	}

	if outcome.State != importer.StateCompleted {
		return fmt.Errorf("import %s", strings.ReplaceAll(string(outcome.State), "_", " "))
	}
	return nil
}

// resolveRange turns the date flags into an inclusive range. --days counts
// back from --end, which defaults to today.
func resolveRange(startFlag, endFlag string, days int, at time.Time) (time.Time, time.Time, error) {
	end := dailymetrics.Day(at)
	if endFlag != "" {
		parsed, err := dailymetrics.ParseDay(endFlag)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid --end: %w", err)
		}
		end = parsed
	}

	switch {
	case startFlag != "" && days > 0:
		return time.Time{}, time.Time{}, errors.New("use either --start or --days, not both")
	case startFlag != "":
		start, err := dailymetrics.ParseDay(startFlag)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid --start: %w", err)
		}
		return start, end, nil
	case days > 0:
		return end.AddDate(0, 0, -(days - 1)), end, nil
	default:
		return time.Time{}, time.Time{}, errors.New("either --start or --days is required")
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// progressPrinter renders import events for a human or, with asJSON, as
// one JSON object per line.
type progressPrinter struct {
	out    io.Writer
	asJSON bool
	// live rewrites the progress line in place.
	live    bool
	pending bool
}

func newProgressPrinter(out io.Writer, asJSON, live bool) *progressPrinter {
	return &progressPrinter{out: out, asJSON: asJSON, live: live && !asJSON}
}

func (p *progressPrinter) Emit(ctx context.Context, e importer.Event) error {
	if p.asJSON {
		return json.NewEncoder(p.out).Encode(e)
	}

	switch e.Type {
	case importer.EventStart:
		p.printStart(e)
	case importer.EventProgress:
		p.printProgress(e)
	default:
		p.endLine()
		p.printTerminal(e)
	}
	return nil
}

func (p *progressPrinter) printStart(e importer.Event) {
	fmt.Fprintf(p.out, "Importing %s %s to %s: %d dates", e.Provider, e.Start, e.End, e.Counters.Total)
	if e.SkippedExisting > 0 {
		fmt.Fprintf(p.out, " (%d already synced)", e.SkippedExisting)
	}
	fmt.Fprintln(p.out)
	if e.Adjusted {
		fmt.Fprintf(p.out, "Note: range limited to the most recent %d days for %s.\n", e.Provider.MaxImportSpanDays(), e.Provider)
	}
}

func (p *progressPrinter) printProgress(e importer.Event) {
	if e.Result == nil {
		return
	}
	r := e.Result
	width := len(fmt.Sprint(e.Counters.Total))
	line := fmt.Sprintf("[%*d/%d] %s %-7s", width, e.Counters.Processed, e.Counters.Total, r.Date, r.Status)
	switch {
	case r.Empty:
		line += " no data"
	case len(r.Fetched) > 0:
		line += " " + joinFamilies(r.Fetched)
	}
	if len(r.Errors) > 0 {
		failed := make([]string, 0, len(r.Errors))
		for _, f := range providers.AllFamilies() {
			if msg, ok := r.Errors[f]; ok {
				failed = append(failed, fmt.Sprintf("%s: %s", f, msg))
			}
		}
		line += " (" + strings.Join(failed, "; ") + ")"
	}

	if p.live && r.Status == importer.DateOK {
		fmt.Fprintf(p.out, "\r\033[K%s", line)
		p.pending = true
		return
	}
	p.endLine()
	fmt.Fprintln(p.out, line)
}

func (p *progressPrinter) printTerminal(e importer.Event) {
	switch e.Type {
	case importer.EventComplete:
		fmt.Fprintf(p.out, "Done: %s.\n", e.Message)
	default:
		fmt.Fprintf(p.out, "Stopped: %s\n", e.Message)
		if e.LastProcessedDate != "" {
			fmt.Fprintf(p.out, "  Imported through %s.\n", e.LastProcessedDate)
		}
		if e.Remediation != "" {
			fmt.Fprintf(p.out, "  %s\n", e.Remediation)
		}
	}
}

func (p *progressPrinter) endLine() {
	if p.pending {
		fmt.Fprintln(p.out)
		p.pending = false
	}
}

func joinFamilies(families []providers.Family) string {
	parts := make([]string, len(families))
	for i, f := range families {
		parts[i] = string(f)
	}
	return strings.Join(parts, ",")
}
