package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/rill/internal/compiler"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid   bool                       `json:"valid"`
	Queries []string                   `json:"queries,omitempty"`
	Errors  []compiler.ValidationError `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [queries-dir]",
		Short: "Check query definitions without starting the engine",
		Long: `Compile every CUE query definition and check the set for conflicts:
duplicate ids, two queries writing one table, joins against tables no
query materializes, and queries feeding back into their own input.

All errors are reported, not just the first.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args, cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, args []string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	dir := queriesDir(args, cfg.Queries)

	res, loadErrs := compiler.Load(dir, compiler.LoadModeCollectAll)
	if res == nil {
		var loadErr *compiler.LoadError
		if errors.As(loadErrs[0], &loadErr) {
			return outputValidateError(formatter, loadErr.Code, loadErr.Message)
		}
		return outputValidateError(formatter, compiler.ErrCodeGeneric, loadErrs[0].Error())
	}
	formatter.VerboseLog("Found %d CUE file(s) in %s", res.FileCount, dir)

	var errs []compiler.ValidationError
	for _, err := range loadErrs {
		ve := compiler.ValidationError{Field: "load", Message: err.Error(), Code: compiler.ErrCodeGeneric}
		var loadErr *compiler.LoadError
		if errors.As(err, &loadErr) {
			ve.Code = loadErr.Code
		}
		errs = append(errs, ve)
	}
	for _, q := range res.Queries {
		formatter.VerboseLog("Validating query: %s", q.ID)
	}
	errs = append(errs, compiler.Validate(res.Queries)...)

	if len(errs) > 0 {
		return outputValidationErrors(formatter, errs)
	}

	ids := make([]string, len(res.Queries))
	for i, q := range res.Queries {
		ids[i] = q.ID
	}
	if formatter.Format == "json" {
		return formatter.Success(ValidationResult{Valid: true, Queries: ids})
	}
	fmt.Fprintf(formatter.Writer, "✓ %d queries valid\n", len(ids))
	return nil
}

// outputValidateError reports a load failure; it is a command error.
func outputValidateError(formatter *OutputFormatter, code, message string) error {
	_ = formatter.Error(code, message, nil)
	return NewExitError(ExitCommandError, fmt.Sprintf("%s: %s", code, message))
}

// outputValidationErrors reports invalid queries; it is a validation failure.
func outputValidationErrors(formatter *OutputFormatter, errs []compiler.ValidationError) error {
	failed := NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))

	if formatter.Format == "json" {
		if err := formatter.JSON(CLIResponse{
			Status: "error",
			Data:   ValidationResult{Valid: false, Errors: errs},
			Error:  &CLIError{Code: errs[0].Code, Message: errs[0].Message},
		}); err != nil {
			return err
		}
		return failed
	}

	fmt.Fprintln(formatter.Writer, "✗ Validation failed")
	fmt.Fprintln(formatter.Writer)
	for _, err := range errs {
		fmt.Fprintf(formatter.Writer, "  %s\n", err.Error())
	}
	return failed
}
