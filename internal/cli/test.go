package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/fieldrec/internal/harness"
)

// TestOptions holds flags for the test command.
type TestOptions struct {
	*RootOptions
	Update bool   // regenerate golden files
	Filter string // scenario filter (glob pattern)
}

// ScenarioResult holds the result of a single scenario execution.
type ScenarioResult struct {
	Name   string   `json:"name"`
	Pass   bool     `json:"pass"`
	Errors []string `json:"errors,omitempty"`

	// note is printed after the status line in text mode.
	note string
}

// TestResult holds the overall test result.
type TestResult struct {
	Scenarios []ScenarioResult `json:"scenarios"`
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
	Total     int              `json:"total"`
}

// NewTestCommand creates the test command.
func NewTestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "test <scenarios-dir>",
		Short: "Run submission scenarios",
		Long: `Run submission scenarios against an in-memory pipeline.

Each scenario publishes its schemas, runs its submit steps and checks the
expected outcomes and final-state assertions. When <scenarios-dir>/golden
holds a <scenario>.golden file the canonical trace must match it byte for
byte.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error (invalid paths, etc.)

Examples:
  fieldrec test ./scenarios
  fieldrec test ./scenarios --filter "dup*"
  fieldrec test ./scenarios --update
  fieldrec test ./scenarios --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTests(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Update, "update", false, "regenerate golden files")
	cmd.Flags().StringVar(&opts.Filter, "filter", "", "filter scenarios by glob pattern")

	return cmd
}

func runTests(opts *TestOptions, scenariosDir string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)
	if info, err := os.Stat(scenariosDir); err != nil || !info.IsDir() {
		return NewExitError(ExitCommandError, fmt.Sprintf("scenarios directory not found: %s", scenariosDir))
	}

	files, err := findScenarioFiles(scenariosDir, opts.Filter)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to find scenarios", err)
	}
	if len(files) == 0 {
		return formatter.Success(TestResult{Scenarios: []ScenarioResult{}}, func(w io.Writer) {
			fmt.Fprintln(w, "No scenarios found.")
		})
	}

	// Scenarios are independent; each result lands in its own slot so the
	// report keeps file order.
	results := make([]ScenarioResult, len(files))
	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, file := range files {
		i, file := i, file
		g.Go(func() error {
			results[i] = runScenario(file, scenariosDir, opts.Update)
			return nil
		})
	}
	_ = g.Wait()

	summary := TestResult{Scenarios: results, Total: len(results)}
	for _, r := range results {
		if r.Pass {
			summary.Passed++
		} else {
			summary.Failed++
		}
	}
	return outputTestResult(formatter, summary)
}

// findScenarioFiles returns the .yaml and .yml files under dir whose base
// name, without extension, matches the glob filter.
func findScenarioFiles(dir, filter string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		ext := filepath.Ext(path)
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}
		if filter != "" {
			matched, err := filepath.Match(filter, strings.TrimSuffix(d.Name(), ext))
			if err != nil {
				return fmt.Errorf("invalid filter pattern: %w", err)
			}
			if !matched {
				return nil
			}
		}
		files = append(files, path)
		return nil
	})
	return files, err
}

func scenarioFailed(name, format string, args ...any) ScenarioResult {
	return ScenarioResult{Name: name, Errors: []string{fmt.Sprintf(format, args...)}}
}

// runScenario runs one scenario file and compares its canonical trace with
// the golden file, or rewrites the golden file when update is set. A
// scenario without a golden file is judged by its expectations alone.
func runScenario(file, scenariosDir string, update bool) ScenarioResult {
	sc, err := harness.LoadScenario(file)
	if err != nil {
		return scenarioFailed(filepath.Base(file), "failed to load scenario: %v", err)
	}
	result, err := harness.Run(sc)
	if err != nil {
		return scenarioFailed(sc.Name, "execution failed: %v", err)
	}
	trace, err := harness.Snapshot(sc.Name, result)
	if err != nil {
		return scenarioFailed(sc.Name, "failed to marshal trace: %v", err)
	}

	out := ScenarioResult{Name: sc.Name, Pass: result.Pass, Errors: result.Errors}
	path := goldenFilePath(scenariosDir, sc.Name)

	if update {
		if err := writeGoldenFile(path, trace); err != nil {
			return scenarioFailed(sc.Name, "%s: %v", ErrCodeWriteFailed, err)
		}
		out.note = "golden updated"
		return out
	}

	golden, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return scenarioFailed(sc.Name, "failed to read golden file: %v", err)
	case !bytes.Equal(bytes.TrimSpace(golden), trace):
		out.Pass = false
		out.Errors = append([]string{"trace does not match golden file (run with --update to regenerate)"}, out.Errors...)
	}
	return out
}

func goldenFilePath(scenariosDir, name string) string {
	return filepath.Join(scenariosDir, "golden", name+".golden")
}

func writeGoldenFile(path string, trace []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create golden directory: %w", err)
	}
	if err := os.WriteFile(path, trace, 0o644); err != nil {
		return fmt.Errorf("write golden file: %w", err)
	}
	return nil
}

// outputTestResult reports every scenario and a summary. Any failing
// scenario makes the command exit with ExitFailure.
func outputTestResult(formatter *OutputFormatter, summary TestResult) error {
	var failure error
	if summary.Failed > 0 {
		failure = NewExitError(ExitFailure, fmt.Sprintf("%d scenario(s) failed", summary.Failed))
	}

	if formatter.JSON() {
		resp := CLIResponse{Status: "ok", Data: summary}
		if failure != nil {
			resp.Status = "error"
			resp.Error = &CLIError{Code: "E_TEST_FAILED", Message: failure.Error()}
		}
		enc := json.NewEncoder(formatter.Writer)
		enc.SetIndent("", "  ")
		if err := enc.Encode(resp); err != nil {
			return err
		}
		return failure
	}

	w := formatter.Writer
	for _, r := range summary.Scenarios {
		mark := "\u2713"
		if !r.Pass {
			mark = "\u2717"
		}
		if r.note != "" {
			fmt.Fprintf(w, "%s %s (%s)\n", mark, r.Name, r.note)
		} else {
			fmt.Fprintf(w, "%s %s\n", mark, r.Name)
		}
		for _, e := range r.Errors {
			fmt.Fprintf(w, "  %s\n", e)
		}
	}
	fmt.Fprintf(w, "\nTest Summary: %d passed, %d failed, %d total\n", summary.Passed, summary.Failed, summary.Total)
	if failure == nil {
		fmt.Fprintln(w, "\u2713 All scenarios passed")
	}
	return failure
}
