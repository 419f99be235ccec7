package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pytrms/componist/internal/compose"
	"github.com/pytrms/componist/internal/conductor"
	"github.com/pytrms/componist/internal/db"
	"github.com/pytrms/componist/internal/dispatch"
	"github.com/pytrms/componist/internal/models"
	"github.com/pytrms/componist/internal/presets"
	"github.com/pytrms/componist/internal/scheduler"
	"github.com/spf13/cobra"
)

var (
	runFlags       compositionFlags
	runDryRun      bool
	runPresetsFile string
	runInterval    time.Duration
	runStopAt      int64
)

func init() {
	rootCmd.AddCommand(runCmd)

	runFlags.bind(runCmd)
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "log writes without recording a session")
	runCmd.Flags().StringVar(&runPresetsFile, "presets", "", "YAML presets file for OP_Mode steps")
	runCmd.Flags().DurationVar(&runInterval, "interval", 0, "simulated cycle interval (default from config)")
	runCmd.Flags().Int64Var(&runStopAt, "stop-at", 0, "stop the simulated measurement at this cycle")
}

var runCmd = &cobra.Command{
	Use:   "run <file|name>",
	Short: "Run a composition against a simulated cycle clock",
	Long: `Run a composition against a simulated instrument clock. Writes are
scheduled ahead of the clock and recorded as a session unless --dry-run is
given. Finite compositions end on their own; unbounded ones run until
--stop-at or Ctrl-C.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := GetConfig()
		comp, name, err := resolveComposition(args[0], runFlags.options(cmd, cfg))
		if err != nil {
			return err
		}
		table, err := loadPresets(runPresetsFile)
		if err != nil {
			return err
		}

		interval := cfg.Scheduler.CycleInterval
		if cmd.Flags().Changed("interval") {
			interval = runInterval
		}

		var database *db.DB
		if !runDryRun {
			database, err = openDatabase()
			if err != nil {
				return err
			}
			defer database.Close()
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		clock := &conductor.SimulatedClock{
			Composition: comp,
			Start:       comp.StartCycle(),
			Stop:        runStopAt,
			Interval:    interval,
		}
		summary, err := runSession(ctx, database, name, comp, table, clock)
		if summary == nil {
			return err
		}

		if IsJSONOutput() || IsJSONLOutput() {
			if writeErr := WriteOutput(os.Stdout, summary); writeErr != nil {
				return writeErr
			}
		} else {
			printRunSummary(*summary)
		}
		if err != nil && summary.Status == models.SessionStatusFailed {
			return fmt.Errorf("session %s: %w", summary.Status, err)
		}
		return nil
	},
}

// runSession schedules comp against clock until the composition ends, the
// clock stops or ctx is cancelled.
func runSession(ctx context.Context, database *db.DB, name string, comp *compose.Composition, table *presets.Table, clock *conductor.SimulatedClock) (*RunSummary, error) {
	setup, err := prepareSession(ctx, database, name, comp, instrumentSink(dispatch.NewLogSink(), table))
	if err != nil {
		return nil, err
	}
	routine, err := scheduler.New(comp, setup.Sink)
	if err != nil {
		return nil, err
	}

	cond := conductor.New(comp, routine, setup.Options)
	progress := newSessionProgress(name, comp, routine)
	runErr := cond.Run(ctx, progress.track(ctx, clock.Events(ctx)))
	progress.finish(conductor.StatusOf(runErr))

	summary := newRunSummary(setup, name, routine, cond, runErr)
	return &summary, runErr
}
