package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/errand/internal/ir"
	"github.com/roach88/errand/internal/mission"
)

// MissionStartOptions holds flags for `mission start`.
type MissionStartOptions struct {
	*RootOptions
	Template   string
	Sources    []string
	Key        string
	Provider   string
	MaxRetries int
}

func newMissionCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mission",
		Short: "Fan a template out over several sources",
	}
	cmd.AddCommand(newMissionStartCommand(rootOpts))
	cmd.AddCommand(missionAction(rootOpts, "tick", "Advance every child once and re-evaluate the mission",
		func(ctx context.Context, o *mission.Orchestrator, id string) (ir.Mission, error) {
			return o.Tick(ctx, id)
		}))
	cmd.AddCommand(missionAction(rootOpts, "cancel", "Cancel a mission and every unfinished child",
		func(ctx context.Context, o *mission.Orchestrator, id string) (ir.Mission, error) {
			return o.Cancel(ctx, id)
		}))
	cmd.AddCommand(missionAction(rootOpts, "show", "Show a mission and its children",
		func(ctx context.Context, o *mission.Orchestrator, id string) (ir.Mission, error) {
			return o.Get(ctx, id)
		}))
	return cmd
}

func newMissionStartCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MissionStartOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Create a mission with one child run per source",
		Long: fmt.Sprintf(`Create a mission from a template, starting one child run per source.

Templates: %s

Example:
  errand mission start --template web_research \
    --source https://example.com/a --source https://example.com/b --key weekly`,
			strings.Join(mission.Templates(), ", ")),
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMissionStart(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Template, "template", "", "template kind (required)")
	cmd.Flags().StringArrayVar(&opts.Sources, "source", nil, "source to fan out over (repeatable)")
	cmd.Flags().StringVar(&opts.Key, "key", "", "request key; repeating a key returns the existing mission")
	cmd.Flags().StringVar(&opts.Provider, "provider", "", "provider label recorded on the mission")
	cmd.Flags().IntVar(&opts.MaxRetries, "max-retries", 0, "retry budget per child (default from config)")
	_ = cmd.MarkFlagRequired("template")

	return cmd
}

func runMissionStart(opts *MissionStartOptions, cmd *cobra.Command) error {
	return withEnv(opts.RootOptions, cmd, func(e *env) error {
		allowed, err := e.cfg.Allowed()
		if err != nil {
			return fail(e.out, ErrCodeInvalid, "load config", err)
		}
		draftOpts := mission.DraftOptions{
			RequestKey:        opts.Key,
			Allowed:           allowed,
			Provider:          opts.Provider,
			MaxRetries:        e.cfg.Retry.DefaultMaxRetries,
			SpendCapSoftCents: e.cfg.Spend.SoftCents,
			SpendCapHardCents: e.cfg.Spend.HardCents,
		}
		if cmd.Flags().Changed("max-retries") {
			draftOpts.MaxRetries = opts.MaxRetries
		}

		draft, err := mission.CreateDraft(opts.Template, opts.Sources, draftOpts)
		if err != nil {
			return failFor(e.out, "create mission", err)
		}
		m, err := e.missions.Start(cmd.Context(), draft)
		if err != nil {
			return failFor(e.out, "start mission", err)
		}
		return printMission(cmd.Context(), e, m)
	})
}

type missionFunc func(ctx context.Context, o *mission.Orchestrator, id string) (ir.Mission, error)

func missionAction(rootOpts *RootOptions, use, short string, fn missionFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <mission-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(rootOpts, cmd, func(e *env) error {
				m, err := fn(cmd.Context(), e.missions, args[0])
				if err != nil {
					return failFor(e.out, use+" mission", err)
				}
				return printMission(cmd.Context(), e, m)
			})
		},
	}
}

func printMission(ctx context.Context, e *env, m ir.Mission) error {
	children, err := e.missions.Children(ctx, m.ID)
	if err != nil {
		return failFor(e.out, "list mission children", err)
	}
	return e.out.Success(newMissionView(m, children))
}
