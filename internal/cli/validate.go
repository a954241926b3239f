package cli

import (
	"github.com/spf13/cobra"

	"github.com/roach88/errand/internal/compiler"
)

func newValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <workflow.cue>",
		Short: "Compile a workflow file and check it against policy",
		Long: `Compile every workflow in a CUE file and check each against the
authoring-time policy: unique step ids, allowlisted primitives, approval on
outbound send and consistent spend caps.

Workflows without their own allowlist are checked against
allowed_primitives from the config file. No database is opened.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	out := newPrinter(opts, cmd)

	cfg, err := loadConfig(opts)
	if err != nil {
		return fail(out, ErrCodeInvalid, "load config", err)
	}
	defaultAllowed, err := cfg.Allowed()
	if err != nil {
		return fail(out, ErrCodeInvalid, "load config", err)
	}

	workflows, err := compiler.CompileFile(path)
	if err != nil {
		return out.report(ExitFailure, ErrCodeCompile, "compile failed", err)
	}

	res := validationResult{File: path, Valid: true}
	for _, w := range workflows {
		res.Workflows = append(res.Workflows, w.Name)
		for _, ve := range compiler.Validate(w, defaultAllowed) {
			ve.Field = w.Name + "." + ve.Field
			res.Errors = append(res.Errors, ve)
		}
	}
	if len(res.Errors) > 0 {
		return reportInvalid(out, path, res.Errors)
	}
	return out.Success(res)
}
