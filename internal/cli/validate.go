package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/tdawe/crewline/internal/crew"
)

// ValidationIssue is one problem found in a crew definition.
type ValidationIssue struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Line    int    `json:"line,omitempty"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Crews  []string          `json:"crews,omitempty"`
	Issues []ValidationIssue `json:"issues,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <crews-dir>",
		Short: "Validate crew definitions",
		Long: `Validate the CUE crew definitions in a directory without starting
anything. Reports every problem found, not just the first.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, crewsDir string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	result, errs := crew.LoadCrews(crewsDir, crew.LoadModeCollectAll)

	// A nil result means loading never got to individual crews
	// (missing directory, no files, CUE build failure).
	if result == nil {
		var loadErr *crew.LoadError
		if len(errs) > 0 && errors.As(errs[0], &loadErr) {
			return outputValidateResult(formatter, ValidationResult{
				Valid:  false,
				Issues: []ValidationIssue{{Code: loadErr.Code, Message: loadErr.Message}},
			})
		}
		return NewExitError(ExitCommandError, fmt.Sprintf("failed to load crews from %s", crewsDir))
	}

	formatter.VerboseLog("Found %d CUE file(s) in %s", result.FileCount, crewsDir)

	res := ValidationResult{Valid: len(errs) == 0}
	for _, c := range result.Crews {
		res.Crews = append(res.Crews, c.ID)
	}
	for _, err := range errs {
		var loadErr *crew.LoadError
		if errors.As(err, &loadErr) {
			res.Issues = append(res.Issues, ValidationIssue{
				Code:    loadErr.Code,
				Message: loadErr.Message,
				Line:    loadErr.Pos.Line(),
			})
			continue
		}
		res.Issues = append(res.Issues, ValidationIssue{Code: crew.ErrCodeGeneric, Message: err.Error()})
	}

	return outputValidateResult(formatter, res)
}

func outputValidateResult(f *OutputFormatter, res ValidationResult) error {
	printErr := f.Print(res, func(w io.Writer) {
		if res.Valid {
			fmt.Fprintf(w, "✓ %d crew(s) valid\n", len(res.Crews))
			for _, id := range res.Crews {
				fmt.Fprintf(w, "  %s\n", id)
			}
			return
		}
		fmt.Fprintf(w, "✗ validation failed with %d issue(s)\n", len(res.Issues))
		for _, issue := range res.Issues {
			if issue.Line > 0 {
				fmt.Fprintf(w, "  [%s] line %d: %s\n", issue.Code, issue.Line, issue.Message)
			} else {
				fmt.Fprintf(w, "  [%s] %s\n", issue.Code, issue.Message)
			}
		}
	})
	if printErr != nil {
		return WrapExitError(ExitCommandError, "write output", printErr)
	}
	if !res.Valid {
		return NewExitError(ExitFailure, "validation failed")
	}
	return nil
}
