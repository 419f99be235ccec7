// Package cli implements the componist command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/pytrms/componist/internal/config"
	"github.com/pytrms/componist/internal/db"
	"github.com/pytrms/componist/internal/logging"
	"github.com/spf13/cobra"
)

// Version information, set by the build.
var (
	Version = "dev"
	Commit  = "none"
)

var (
	cfgFile        string
	jsonOutput     bool
	jsonlOutput    bool
	logLevel       string
	logFormat      string
	noProgress     bool
	noColor        bool
	nonInteractive bool

	appConfig *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "componist",
	Short: "Schedule parameter compositions on a PTR-MS instrument",
	Long: `componist turns a composition (an ordered list of steps, each holding
parameter set-values for a number of cycles) into writes scheduled ahead of
the instrument's cycle counter.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initConfig()
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default: ./componist.yaml, ~/.config/componist/componist.yaml)")
	flags.BoolVar(&jsonOutput, "json", false, "output JSON")
	flags.BoolVar(&jsonlOutput, "jsonl", false, "output JSON lines")
	flags.StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flags.StringVar(&logFormat, "log-format", "", "log format (console, json)")
	flags.BoolVar(&noProgress, "no-progress", false, "disable progress output")
	flags.BoolVar(&noColor, "no-color", false, "disable colored output")
	flags.BoolVar(&nonInteractive, "non-interactive", false, "never prompt; use defaults")

	rootCmd.Version = fmt.Sprintf("%s (%s)", Version, Commit)
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	os.Exit(run(os.Args[1:]))
}

// ExecuteDaemon runs the daemon command as the program's only command.
func ExecuteDaemon() {
	os.Exit(run(append([]string{"daemon"}, os.Args[1:]...)))
}

func run(args []string) int {
	rootCmd.SetArgs(args)
	if err := rootCmd.Execute(); err != nil {
		printError(err)
		return 1
	}
	return 0
}

func printError(err error) {
	var preflight *PreflightError
	if errors.As(err, &preflight) {
		fmt.Fprintln(os.Stderr, styleError("Error: "+preflight.Message))
		if preflight.Hint != "" {
			fmt.Fprintf(os.Stderr, "Hint: %s\n", preflight.Hint)
		}
		if preflight.NextStep != "" {
			fmt.Fprintf(os.Stderr, "Next: %s\n", preflight.NextStep)
		}
		return
	}
	fmt.Fprintln(os.Stderr, styleError("Error: "+err.Error()))
}

func initConfig() error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return &PreflightError{
			Message:  err.Error(),
			Hint:     "Fix the config file or the COMPONIST_* environment variables",
			NextStep: "componist --config <file> ...",
		}
	}

	if strings.TrimSpace(logLevel) != "" {
		cfg.Logging.Level = logLevel
	}
	if strings.TrimSpace(logFormat) != "" {
		cfg.Logging.Format = logFormat
	}
	if IsJSONOutput() || IsJSONLOutput() {
		// keep stdout machine-readable
		cfg.Logging.Format = "json"
	}
	logging.Init(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})

	appConfig = cfg
	return nil
}

// GetConfig returns the loaded configuration, or defaults before loading.
func GetConfig() *config.Config {
	if appConfig == nil {
		return config.DefaultConfig()
	}
	return appConfig
}

// openDatabase opens and migrates the configured database.
func openDatabase() (*db.DB, error) {
	cfg := GetConfig()
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	database, err := db.Open(db.Config{
		Path:          cfg.DatabasePath(),
		BusyTimeoutMs: cfg.Database.BusyTimeoutMs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := database.MigrateUp(context.Background()); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return database, nil
}

// PreflightError is a user-facing error with a hint and a suggested next step.
type PreflightError struct {
	Message  string
	Hint     string
	NextStep string
}

func (e *PreflightError) Error() string {
	if e.Hint == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Hint)
}
