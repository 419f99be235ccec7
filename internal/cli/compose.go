package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pytrms/componist/internal/compose"
	"github.com/pytrms/componist/internal/config"
	"github.com/spf13/cobra"
)

// DefaultCompositionFile is written by `componist init`.
const DefaultCompositionFile = "composition.json"

var initForce bool

func init() {
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(builtinCmd)
	builtinCmd.AddCommand(builtinListCmd)
	builtinCmd.AddCommand(builtinShowCmd)

	initCmd.Flags().BoolVarP(&initForce, "force", "f", false, "overwrite an existing file")
	showFlags.bind(showCmd)
}

// compositionFlags are the composition options accepted on the command line.
// Unset flags fall back to the scheduler section of the config.
type compositionFlags struct {
	maxRuns     int
	startCycle  int64
	startAction int
	automation  bool
	foresight   int
}

func (f *compositionFlags) bind(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.IntVar(&f.maxRuns, "max-runs", 0, "number of runs (negative for unbounded)")
	flags.Int64Var(&f.startCycle, "start-cycle", 0, "absolute cycle of the first step")
	flags.IntVar(&f.startAction, "start-action", 0, "action number written one cycle after the start")
	flags.BoolVar(&f.automation, "automation", false, "generate run/step/use-mean markers")
	flags.IntVar(&f.foresight, "foresight", 0, "number of runs to schedule ahead")
}

func (f *compositionFlags) options(cmd *cobra.Command, cfg *config.Config) compose.Options {
	opts := compose.Options{
		MaxRuns:            cfg.Scheduler.MaxRuns,
		StartCycle:         cfg.Scheduler.StartCycle,
		GenerateAutomation: cfg.Scheduler.GenerateAutomation,
		ForesightRuns:      cfg.Scheduler.ForesightRuns,
	}
	flags := cmd.Flags()
	if flags.Changed("max-runs") {
		opts.MaxRuns = f.maxRuns
	}
	if flags.Changed("start-cycle") {
		opts.StartCycle = f.startCycle
	}
	if flags.Changed("start-action") {
		action := f.startAction
		opts.StartAction = &action
	}
	if flags.Changed("automation") {
		opts.GenerateAutomation = f.automation
	}
	if flags.Changed("foresight") {
		opts.ForesightRuns = f.foresight
	}
	return opts
}

var initCmd = &cobra.Command{
	Use:   "init [file]",
	Short: "Write an example composition",
	Long:  "Write an example composition file to start from (default: composition.json).",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := DefaultCompositionFile
		if len(args) == 1 {
			path = args[0]
		}
		if err := writeTemplate(path, initForce); err != nil {
			return err
		}

		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(os.Stdout, map[string]string{"path": path})
		}
		fmt.Printf("Wrote example composition to %s\n", path)
		fmt.Printf("Next: componist show %s\n", path)
		return nil
	},
}

func writeTemplate(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		if !confirm(fmt.Sprintf("%s exists. Overwrite?", path)) {
			return &PreflightError{
				Message:  fmt.Sprintf("%s already exists", path),
				Hint:     "Use --force to overwrite it",
				NextStep: fmt.Sprintf("componist init %s --force", path),
			}
		}
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer file.Close()

	if err := compose.Template().Dump(file); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return file.Close()
}

// resolveComposition loads ref as a file if it exists, otherwise as the
// name of a project, user or builtin composition.
func resolveComposition(ref string, opts compose.Options) (*compose.Composition, string, error) {
	if info, err := os.Stat(ref); err == nil && !info.IsDir() {
		comp, err := compose.LoadFile(ref, opts)
		if err != nil {
			return nil, "", err
		}
		return comp, ref, nil
	}

	defs, err := compose.LoadDefinitionsFromSearchPaths(GetConfig().Global.ProjectDir)
	if err != nil {
		return nil, "", err
	}
	def := compose.FindDefinition(defs, ref)
	if def == nil {
		return nil, "", &PreflightError{
			Message:  fmt.Sprintf("composition %q not found", ref),
			Hint:     "Pass a composition file or the name of a known composition",
			NextStep: "componist builtin list",
		}
	}
	comp, err := def.Compose(opts)
	if err != nil {
		return nil, "", err
	}
	return comp, def.Name, nil
}

var showFlags compositionFlags

var showCmd = &cobra.Command{
	Use:   "show <file|name>",
	Short: "Show a composition",
	Long:  "Show a composition's steps and the writes of its first runs.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		comp, name, err := resolveComposition(args[0], showFlags.options(cmd, GetConfig()))
		if err != nil {
			return err
		}

		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(os.Stdout, newCompositionSummary(name, comp))
		}
		return printComposition(name, comp)
	},
}

// CompositionSummary is the JSON form of `componist show`.
type CompositionSummary struct {
	Name          string          `json:"name"`
	Steps         []*compose.Step `json:"steps"`
	RunDuration   int64           `json:"run_duration"`
	MaxRuns       int             `json:"max_runs"`
	StartCycle    int64           `json:"start_cycle"`
	EndCycle      *int64          `json:"end_cycle,omitempty"`
	ForesightRuns int             `json:"foresight_runs"`
	Automation    bool            `json:"automation"`
	Events        []compose.Event `json:"events"`
}

// previewEvents is how many sequence events show prints.
const previewEvents = 12

func newCompositionSummary(name string, comp *compose.Composition) CompositionSummary {
	summary := CompositionSummary{
		Name:          name,
		Steps:         comp.Steps(),
		RunDuration:   comp.RunDuration(),
		MaxRuns:       comp.MaxRuns(),
		StartCycle:    comp.StartCycle(),
		ForesightRuns: comp.ForesightRuns(),
		Automation:    comp.GenerateAutomation(),
		Events:        comp.Take(previewEvents),
	}
	if end, ok := comp.EndCycle(); ok {
		summary.EndCycle = &end
	}
	return summary
}

func printComposition(name string, comp *compose.Composition) error {
	fmt.Println(styleTitle(name))
	fmt.Printf("Run duration: %d cycles, runs: %s, start cycle: %d, foresight: %d runs\n",
		comp.RunDuration(), formatMaxRuns(comp.MaxRuns()), comp.StartCycle(), comp.ForesightRuns())
	fmt.Println()

	rows := make([][]string, 0, comp.Len())
	for i, step := range comp.Steps() {
		rows = append(rows, []string{
			fmt.Sprintf("%d", i+1),
			step.Name(),
			fmt.Sprintf("%d", step.Duration()),
			fmt.Sprintf("%d", step.StartDelay()),
			formatSetValues(step.SetValues()),
		})
	}
	if err := writeTable(os.Stdout, []string{"#", "STEP", "DURATION", "DELAY", "SET VALUES"}, rows); err != nil {
		return err
	}

	fmt.Println()
	fmt.Println(styleMuted(fmt.Sprintf("First %d events:", previewEvents)))
	events := comp.Take(previewEvents)
	rows = make([][]string, 0, len(events))
	for _, event := range events {
		rows = append(rows, []string{fmt.Sprintf("%d", event.Cycle), formatSetValues(event.SetValues)})
	}
	return writeTable(os.Stdout, []string{"CYCLE", "WRITES"}, rows)
}

var validateCmd = &cobra.Command{
	Use:   "validate <file>...",
	Short: "Validate composition files",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		results := make([]ValidationResult, 0, len(args))
		failed := 0
		for _, path := range args {
			result := ValidationResult{Path: path, Valid: true}
			comp, err := compose.LoadFile(path, compose.DefaultOptions())
			if err != nil {
				result.Valid = false
				result.Error = err.Error()
				failed++
			} else {
				result.Steps = comp.Len()
				result.RunDuration = comp.RunDuration()
			}
			results = append(results, result)
		}

		if IsJSONOutput() || IsJSONLOutput() {
			if err := WriteOutput(os.Stdout, results); err != nil {
				return err
			}
		} else {
			for _, r := range results {
				if r.Valid {
					fmt.Printf("%s  %s (%d steps, %d cycles per run)\n", render(successStyle, "OK"), r.Path, r.Steps, r.RunDuration)
					continue
				}
				fmt.Printf("%s %s: %s\n", render(errorStyle, "ERR"), r.Path, r.Error)
			}
		}

		if failed > 0 {
			return fmt.Errorf("%d of %d compositions invalid", failed, len(args))
		}
		return nil
	},
}

// ValidationResult is the outcome of validating one file.
type ValidationResult struct {
	Path        string `json:"path"`
	Valid       bool   `json:"valid"`
	Steps       int    `json:"steps,omitempty"`
	RunDuration int64  `json:"run_duration,omitempty"`
	Error       string `json:"error,omitempty"`
}

var builtinCmd = &cobra.Command{
	Use:   "builtin",
	Short: "Known compositions",
	Long: `List and show the compositions found in the search path:
<project>/.componist/compositions, ~/.config/componist/compositions, then
those bundled with componist.`,
}

var builtinListCmd = &cobra.Command{
	Use:   "list",
	Short: "List known compositions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		defs, err := compose.LoadDefinitionsFromSearchPaths(GetConfig().Global.ProjectDir)
		if err != nil {
			return err
		}

		if IsJSONOutput() || IsJSONLOutput() {
			items := make([]DefinitionSummary, 0, len(defs))
			for _, def := range defs {
				items = append(items, DefinitionSummary{
					Name:        def.Name,
					Source:      def.Source,
					Steps:       len(def.Steps),
					RunDuration: def.RunDuration(),
				})
			}
			return WriteOutput(os.Stdout, items)
		}

		if len(defs) == 0 {
			fmt.Println("No compositions found.")
			return nil
		}
		rows := make([][]string, 0, len(defs))
		for _, def := range defs {
			rows = append(rows, []string{
				def.Name,
				fmt.Sprintf("%d", len(def.Steps)),
				fmt.Sprintf("%d", def.RunDuration()),
				def.Source,
			})
		}
		return writeTable(os.Stdout, []string{"NAME", "STEPS", "CYCLES/RUN", "SOURCE"}, rows)
	},
}

// DefinitionSummary is the JSON form of one `componist builtin list` entry.
type DefinitionSummary struct {
	Name        string `json:"name"`
	Source      string `json:"source"`
	Steps       int    `json:"steps"`
	RunDuration int64  `json:"run_duration"`
}

var builtinShowCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Print a known composition as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		defs, err := compose.LoadDefinitionsFromSearchPaths(GetConfig().Global.ProjectDir)
		if err != nil {
			return err
		}
		def := compose.FindDefinition(defs, args[0])
		if def == nil {
			return &PreflightError{
				Message:  fmt.Sprintf("composition %q not found", args[0]),
				NextStep: "componist builtin list",
			}
		}
		comp, err := def.Compose(compose.DefaultOptions())
		if err != nil {
			return err
		}
		return comp.Dump(os.Stdout)
	},
}
