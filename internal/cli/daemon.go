package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/pytrms/componist/internal/componistd"
	"github.com/pytrms/componist/internal/conductor"
	"github.com/pytrms/componist/internal/dispatch"
	"github.com/pytrms/componist/internal/logging"
	"github.com/pytrms/componist/internal/scheduler"
	"github.com/spf13/cobra"
)

var (
	daemonFlags       compositionFlags
	daemonHost        string
	daemonPort        int
	daemonPresetsFile string
	daemonDryRun      bool
)

func init() {
	rootCmd.AddCommand(daemonCmd)

	daemonFlags.bind(daemonCmd)
	daemonCmd.Flags().StringVar(&daemonHost, "host", "", "listen address (default from config)")
	daemonCmd.Flags().IntVar(&daemonPort, "port", 0, "listen port (default from config)")
	daemonCmd.Flags().StringVar(&daemonPresetsFile, "presets", "", "YAML presets file for OP_Mode steps")
	daemonCmd.Flags().BoolVar(&daemonDryRun, "dry-run", false, "do not record the session")
}

var daemonCmd = &cobra.Command{
	Use:   "daemon <file|name>",
	Short: "Serve a composition to an instrument bridge over gRPC",
	Long: `Start componistd for one composition. The instrument bridge reports each
cycle with ReportCycle and applies the writes returned in the reply.
The daemon exits when the composition ends, the measurement stops or on
Ctrl-C.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := GetConfig()
		comp, name, err := resolveComposition(args[0], daemonFlags.options(cmd, cfg))
		if err != nil {
			return err
		}
		table, err := loadPresets(daemonPresetsFile)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		setup := sessionSetup{}
		buffer := &dispatch.BufferSink{}
		instrument := instrumentSink(buffer, table)
		if daemonDryRun {
			setup.Sink = instrument
		} else {
			database, err := openDatabase()
			if err != nil {
				return err
			}
			defer database.Close()
			if setup, err = prepareSession(ctx, database, name, comp, instrument); err != nil {
				return err
			}
		}

		routine, err := scheduler.New(comp, setup.Sink)
		if err != nil {
			return err
		}
		cond := conductor.New(comp, routine, setup.Options)
		logger := logging.Component("componistd")
		if setup.ID != "" {
			logger = logger.With().Str("session_id", setup.ID).Logger()
		}
		server := componistd.NewServer(cond, routine, logger,
			componistd.WithVersion(Version),
			componistd.WithWrites(buffer),
		)

		daemon, err := componistd.New(cfg, server, logger, componistd.Options{
			Hostname: daemonHost,
			Port:     daemonPort,
			Version:  Version,
		})
		if err != nil {
			return err
		}
		runErr := daemon.Run(ctx)
		if runErr == nil {
			runErr = server.Err()
		}

		summary := newRunSummary(setup, name, routine, cond, runErr)
		if IsJSONOutput() || IsJSONLOutput() {
			if err := WriteOutput(os.Stdout, summary); err != nil {
				return err
			}
		} else {
			printRunSummary(summary)
		}
		if runErr != nil && !errors.Is(runErr, context.Canceled) {
			return runErr
		}
		return nil
	},
}
