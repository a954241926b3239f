package cli

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/errand/internal/compiler"
	"github.com/roach88/errand/internal/engine"
	"github.com/roach88/errand/internal/ir"
)

// RunStartOptions holds flags for `run start`.
type RunStartOptions struct {
	*RootOptions
	Key        string
	Workflow   string
	Instance   string
	MaxRetries int
}

func newRunCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start, advance and inspect workflow runs",
	}
	cmd.AddCommand(newRunStartCommand(rootOpts))
	cmd.AddCommand(newRunTickCommand(rootOpts))
	cmd.AddCommand(newRunResumeCommand(rootOpts))
	cmd.AddCommand(newRunCancelCommand(rootOpts))
	cmd.AddCommand(newRunShowCommand(rootOpts))
	return cmd
}

func newRunStartCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunStartOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "start <workflow.cue>",
		Short: "Start a run of a compiled workflow",
		Long: `Compile a workflow file, check it against policy and persist a new run in
the ready state. Nothing executes until the run is ticked.

Starting again with the same --key returns the existing run.

Example:
  errand run start ./workflows.cue --workflow inbox_digest --key digest-2026-10-19`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Key, "key", "", "idempotency key for the run (required)")
	cmd.Flags().StringVar(&opts.Workflow, "workflow", "", "workflow name (required when the file defines more than one)")
	cmd.Flags().StringVar(&opts.Instance, "instance", "", "workflow instance id (default: workflow name)")
	cmd.Flags().IntVar(&opts.MaxRetries, "max-retries", 0, "retry budget (default from workflow, then config)")
	_ = cmd.MarkFlagRequired("key")

	return cmd
}

func runStart(opts *RunStartOptions, path string, cmd *cobra.Command) error {
	e, err := openEnv(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	w, err := loadWorkflow(path, opts.Workflow)
	if err != nil {
		return fail(e.out, ErrCodeCompile, "compile workflow", err)
	}
	defaultAllowed, err := e.cfg.Allowed()
	if err != nil {
		return fail(e.out, ErrCodeInvalid, "load config", err)
	}
	if errs := compiler.Validate(w, defaultAllowed); len(errs) > 0 {
		return reportInvalid(e.out, path, errs)
	}

	req := engine.StartRequest{
		Plan:               w.Plan,
		IdempotencyKey:     opts.Key,
		MaxRetries:         e.cfg.Retry.DefaultMaxRetries,
		WorkflowInstanceID: w.Name,
		ProviderKind:       w.ProviderKind,
		ProviderTier:       w.ProviderTier,
		Allowed:            compiler.EffectiveAllowed(w, defaultAllowed),
		SpendCapSoftCents:  w.SpendCapSoftCents,
		SpendCapHardCents:  w.SpendCapHardCents,
	}
	if w.MaxRetries != nil {
		req.MaxRetries = *w.MaxRetries
	}
	if cmd.Flags().Changed("max-retries") {
		req.MaxRetries = opts.MaxRetries
	}
	if opts.Instance != "" {
		req.WorkflowInstanceID = opts.Instance
	}
	if req.SpendCapSoftCents == 0 && req.SpendCapHardCents == 0 {
		req.SpendCapSoftCents = e.cfg.Spend.SoftCents
		req.SpendCapHardCents = e.cfg.Spend.HardCents
	}

	run, err := e.engine.Start(cmd.Context(), req)
	if err != nil {
		return failFor(e.out, "start run", err)
	}
	return e.out.Success(newRunView(run))
}

// loadWorkflow compiles path and picks one workflow from it.
func loadWorkflow(path, name string) (*compiler.Workflow, error) {
	workflows, err := compiler.CompileFile(path)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(workflows))
	for i, w := range workflows {
		if w.Name == name {
			return w, nil
		}
		names[i] = w.Name
	}
	if name == "" && len(workflows) == 1 {
		return workflows[0], nil
	}
	sort.Strings(names)
	if name == "" {
		return nil, fmt.Errorf("%s defines %d workflows (%s); pick one with --workflow",
			path, len(workflows), strings.Join(names, ", "))
	}
	return nil, fmt.Errorf("%s has no workflow %q (have %s)", path, name, strings.Join(names, ", "))
}

func newRunTickCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "tick <run-id>",
		Short: "Advance a run by at most one step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(rootOpts, cmd, func(e *env) error {
				run, err := e.engine.Tick(cmd.Context(), args[0])
				if err != nil {
					return failFor(e.out, "tick run", err)
				}
				return e.out.Success(newRunView(run))
			})
		},
	}
}

func newRunResumeCommand(rootOpts *RootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume retrying runs whose backoff has elapsed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(rootOpts, cmd, func(e *env) error {
				if limit < 1 {
					limit = e.cfg.Scheduler.SweepLimit
				}
				runs, err := e.engine.ResumeDueRuns(cmd.Context(), limit)
				if err != nil {
					return failFor(e.out, "resume runs", err)
				}
				views := make(runList, len(runs))
				for i, r := range runs {
					views[i] = newRunView(r)
				}
				return e.out.Success(views)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum runs to resume (default: scheduler.sweep_limit)")
	return cmd
}

func newRunCancelCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a run and close its open gates",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(rootOpts, cmd, func(e *env) error {
				run, err := e.engine.Cancel(cmd.Context(), args[0])
				if err != nil {
					return failFor(e.out, "cancel run", err)
				}
				return e.out.Success(newRunView(run))
			})
		},
	}
}

func newRunShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run with its activity, approvals and receipt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(rootOpts, cmd, func(e *env) error {
				ctx := cmd.Context()
				run, err := e.engine.Get(ctx, args[0])
				if err != nil {
					return failFor(e.out, "show run", err)
				}
				acts, err := e.engine.Activities(ctx, run.ID)
				if err != nil {
					return failFor(e.out, "show run", err)
				}
				approvals, err := e.engine.Approvals(ctx, run.ID)
				if err != nil {
					return failFor(e.out, "show run", err)
				}
				var receipt *ir.Receipt
				if r, err := e.engine.Receipt(ctx, run.ID); err == nil {
					receipt = &r
				} else if !engine.IsNotFound(err) {
					return failFor(e.out, "show run", err)
				}
				return e.out.Success(newRunDetail(run, acts, approvals, receipt))
			})
		},
	}
}

// withEnv opens the environment, runs fn and closes it.
func withEnv(opts *RootOptions, cmd *cobra.Command, fn func(e *env) error) error {
	e, err := openEnv(opts, cmd)
	if err != nil {
		return err
	}
	defer e.Close()
	return fn(e)
}

// reportInvalid prints validation errors and returns an ExitFailure.
func reportInvalid(out *printer, path string, errs []compiler.ValidationError) error {
	msg := fmt.Sprintf("%s: %d problem(s)", path, len(errs))
	if out.json {
		_ = out.Error(ErrCodeValidation, msg, errs)
	} else {
		validationResult{File: path, Errors: errs}.renderText(out.w)
	}
	return &exitError{code: ExitFailure, msg: "validation failed", cause: errors.New(msg), reported: true}
}
