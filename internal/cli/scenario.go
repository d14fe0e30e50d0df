package cli

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/tally/internal/harness"
)

// ScenarioOptions holds flags for the scenario command.
type ScenarioOptions struct {
	*RootOptions
	Golden string // directory of .golden trace files
	Update bool   // regenerate golden files
	Filter string // scenario filter (glob pattern)
}

// ScenarioResult holds the result of a single scenario execution.
type ScenarioResult struct {
	Name   string   `json:"name"`
	Pass   bool     `json:"pass"`
	Errors []string `json:"errors,omitempty"`
}

// ScenarioReport holds the overall result.
type ScenarioReport struct {
	Scenarios []ScenarioResult `json:"scenarios"`
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
	Total     int              `json:"total"`
}

// NewScenarioCommand creates the scenario command.
func NewScenarioCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ScenarioOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "scenario <file-or-dir>...",
		Short: "Run offline/sync scenarios against an in-memory session",
		Long: `Run YAML scenarios against a fresh in-memory session each, checking
step expectations and final-state assertions. With --golden, each trace
is also compared against {golden}/{name}.golden.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error (invalid paths, etc.)

Examples:
  tally scenario ./scenarios
  tally scenario ./scenarios --filter "owner_*"
  tally scenario ./scenarios --golden ./golden --update`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenarios(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Golden, "golden", "", "directory of golden trace files")
	cmd.Flags().BoolVar(&opts.Update, "update", false, "regenerate golden files (requires --golden)")
	cmd.Flags().StringVar(&opts.Filter, "filter", "", "filter scenarios by glob pattern")

	return cmd
}

func runScenarios(opts *ScenarioOptions, paths []string, cmd *cobra.Command) error {
	if opts.Update && opts.Golden == "" {
		return NewExitError(ExitCommandError, "--update requires --golden")
	}

	var files []string
	for _, p := range paths {
		found, err := findScenarioFiles(p, opts.Filter)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to find scenarios", err)
		}
		files = append(files, found...)
	}

	report := ScenarioReport{
		Scenarios: make([]ScenarioResult, 0, len(files)),
		Total:     len(files),
	}
	for _, file := range files {
		res := runScenarioFile(opts, file, cmd)
		report.Scenarios = append(report.Scenarios, res)
		if res.Pass {
			report.Passed++
		} else {
			report.Failed++
		}
	}

	out := opts.formatter(cmd)
	if err := out.Success(report, func(w io.Writer) { writeReport(w, report) }); err != nil {
		return err
	}
	if report.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d scenarios failed", report.Failed, report.Total))
	}
	return nil
}

// findScenarioFiles returns path itself when it is a file, or every YAML
// file under it when it is a directory.
func findScenarioFiles(path, filter string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	var files []string
	err = filepath.Walk(path, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		ext := filepath.Ext(p)
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}
		if filter != "" {
			name := strings.TrimSuffix(filepath.Base(p), ext)
			matched, err := filepath.Match(filter, name)
			if err != nil {
				return fmt.Errorf("invalid filter pattern: %w", err)
			}
			if !matched {
				return nil
			}
		}
		files = append(files, p)
		return nil
	})
	return files, err
}

func runScenarioFile(opts *ScenarioOptions, file string, cmd *cobra.Command) ScenarioResult {
	scenario, err := harness.LoadScenario(file)
	if err != nil {
		return ScenarioResult{
			Name:   filepath.Base(file),
			Errors: []string{fmt.Sprintf("failed to load scenario: %v", err)},
		}
	}

	cfg, err := opts.loadConfig()
	if err != nil {
		return ScenarioResult{Name: scenario.Name, Errors: []string{err.Error()}}
	}
	logger := opts.newLogger(cfg, cmd.ErrOrStderr())

	result, err := harness.Run(commandContext(cmd), scenario, harness.WithLogger(logger))
	if err != nil {
		return ScenarioResult{
			Name:   scenario.Name,
			Errors: []string{fmt.Sprintf("execution failed: %v", err)},
		}
	}

	errs := append([]string(nil), result.Errors...)
	if opts.Golden != "" {
		if msg := checkGolden(opts, scenario.Name, result); msg != "" {
			errs = append(errs, msg)
		}
	}
	return ScenarioResult{Name: scenario.Name, Pass: len(errs) == 0, Errors: errs}
}

// checkGolden compares or rewrites the golden trace and returns a failure
// message, or "" when the trace matches.
func checkGolden(opts *ScenarioOptions, name string, result *harness.Result) string {
	data, err := harness.MarshalTrace(result.Trace)
	if err != nil {
		return fmt.Sprintf("failed to marshal trace: %v", err)
	}
	path := filepath.Join(opts.Golden, name+".golden")

	if opts.Update {
		if err := os.MkdirAll(opts.Golden, 0o755); err != nil {
			return fmt.Sprintf("failed to create golden directory: %v", err)
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Sprintf("failed to write golden file: %v", err)
		}
		return ""
	}

	want, err := os.ReadFile(path)
	if err != nil {
		return fmt.Sprintf("failed to read golden file: %v", err)
	}
	if !bytes.Equal(want, data) {
		return "trace does not match golden file (run with --update to regenerate)"
	}
	return ""
}

func writeReport(w io.Writer, report ScenarioReport) {
	if report.Total == 0 {
		fmt.Fprintln(w, "No scenarios found.")
		return
	}
	for _, s := range report.Scenarios {
		if s.Pass {
			fmt.Fprintf(w, "✓ %s\n", s.Name)
			continue
		}
		fmt.Fprintf(w, "✗ %s\n", s.Name)
		for _, e := range s.Errors {
			fmt.Fprintf(w, "  %s\n", e)
		}
	}
	fmt.Fprintf(w, "\n%d passed, %d failed, %d total\n", report.Passed, report.Failed, report.Total)
}
