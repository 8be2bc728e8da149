package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid  bool            `json:"valid"`
	Forms  []FormSummary   `json:"forms,omitempty"`
	Errors []ValidateIssue `json:"errors,omitempty"`
}

// FormSummary describes one form that compiled and passed validation.
type FormSummary struct {
	FormID  string `json:"form_id"`
	Version int    `json:"version,omitempty"`
	Fields  int    `json:"fields"`
}

// ValidateIssue is one problem found in the schema directory.
type ValidateIssue struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Line    int    `json:"line,omitempty"`
	File    string `json:"file,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <schema-dir>",
		Short: "Validate CUE form definitions",
		Long: `Validate the CUE form definitions in a directory without publishing them.

Compiles every form under the top-level "form" struct and runs the schema
consistency checks (field kinds, constraints, bounds, enum sets). All
problems are reported together.

Example:
  fieldrec validate ./forms
  fieldrec validate ./forms --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, schemaDir string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	result, loadErrs := LoadForms(schemaDir)

	// Directory-level failures (not found, no files, CUE build) are command errors.
	if result == nil {
		var loadErr *LoadError
		if errors.As(loadErrs[0], &loadErr) {
			return outputValidateError(formatter, loadErr.Code, loadErr.Message)
		}
		return outputValidateError(formatter, ErrCodeGeneric, loadErrs[0].Error())
	}

	formatter.VerboseLog("Found %d CUE file(s) in %s", result.FileCount, schemaDir)

	summaries := make([]FormSummary, 0, len(result.Forms))
	for _, f := range result.Forms {
		formatter.VerboseLog("Form %s: %d field(s)", f.FormID, len(f.Fields))
		summaries = append(summaries, FormSummary{FormID: f.FormID, Version: f.Version, Fields: len(f.Fields)})
	}

	if len(loadErrs) > 0 {
		return outputValidationErrors(formatter, summaries, toIssues(loadErrs))
	}
	return outputValidateSuccess(formatter, summaries)
}

func toIssues(errs []error) []ValidateIssue {
	issues := make([]ValidateIssue, 0, len(errs))
	for _, err := range errs {
		var loadErr *LoadError
		if errors.As(err, &loadErr) {
			issue := ValidateIssue{Code: loadErr.Code, Message: loadErr.Message}
			if loadErr.Pos.IsValid() {
				issue.Line = loadErr.Pos.Line()
				issue.File = loadErr.Pos.Filename()
			}
			issues = append(issues, issue)
			continue
		}
		issues = append(issues, ValidateIssue{Code: ErrCodeGeneric, Message: err.Error()})
	}
	return issues
}

// outputValidateSuccess outputs successful validation results.
func outputValidateSuccess(formatter *OutputFormatter, forms []FormSummary) error {
	return formatter.Success(ValidationResult{Valid: true, Forms: forms}, func(w io.Writer) {
		fmt.Fprintf(w, "\u2713 All forms valid (%d form(s))\n", len(forms))
		for _, f := range forms {
			fmt.Fprintf(w, "  %s: %d field(s)\n", f.FormID, f.Fields)
		}
	})
}

// outputValidateError outputs a single directory-level error.
func outputValidateError(formatter *OutputFormatter, code, message string) error {
	_ = formatter.Error(code, message, nil)
	return NewExitError(ExitCommandError, fmt.Sprintf("%s: %s", code, message))
}

// outputValidationErrors outputs every schema problem found.
func outputValidationErrors(formatter *OutputFormatter, forms []FormSummary, issues []ValidateIssue) error {
	failure := NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(issues)))

	if formatter.JSON() {
		response := CLIResponse{
			Status: "error",
			Data:   ValidationResult{Valid: false, Forms: forms, Errors: issues},
			Error: &CLIError{
				Code:    issues[0].Code,
				Message: issues[0].Message,
			},
		}

		encoder := json.NewEncoder(formatter.Writer)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(response); err != nil {
			return err
		}
		return failure
	}

	fmt.Fprintln(formatter.Writer, "\u2717 Validation failed")
	fmt.Fprintln(formatter.Writer)

	for _, issue := range issues {
		if issue.Line > 0 {
			fmt.Fprintf(formatter.Writer, "line %d\n", issue.Line)
		}
		fmt.Fprintf(formatter.Writer, "  %s: %s\n\n", issue.Code, issue.Message)
	}
	return failure
}
