package cli

import (
	"strings"

	"github.com/spf13/cobra"
)

func newApprovalCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approval",
		Short: "List and resolve approval gates",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List pending approvals across all runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(rootOpts, cmd, func(e *env) error {
				pending, err := e.engine.PendingApprovals(cmd.Context())
				if err != nil {
					return failFor(e.out, "list approvals", err)
				}
				return e.out.Success(newApprovalList(pending))
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "approve <approval-id>",
		Short: "Grant an approval and resume its run on the same step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(rootOpts, cmd, func(e *env) error {
				run, err := e.engine.Approve(cmd.Context(), args[0])
				if err != nil {
					return failFor(e.out, "approve", err)
				}
				return e.out.Success(newRunView(run))
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "reject <approval-id>",
		Short: "Refuse an approval; the run is canceled",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(rootOpts, cmd, func(e *env) error {
				run, err := e.engine.Reject(cmd.Context(), args[0])
				if err != nil {
					return failFor(e.out, "reject", err)
				}
				return e.out.Success(newRunView(run))
			})
		},
	})

	return cmd
}

func newClarifyCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clarify",
		Short: "List and answer clarification questions",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List pending clarifications across all runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(rootOpts, cmd, func(e *env) error {
				pending, err := e.engine.PendingClarifications(cmd.Context())
				if err != nil {
					return failFor(e.out, "list clarifications", err)
				}
				return e.out.Success(newClarificationList(pending))
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "answer <clarification-id> <answer...>",
		Short: "Answer a clarification and resume its run",
		Long: `Answer a clarification and resume its run on the same step. Remaining
arguments are joined with spaces, so the answer need not be quoted.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(rootOpts, cmd, func(e *env) error {
				answer := strings.Join(args[1:], " ")
				run, err := e.engine.SubmitClarificationAnswer(cmd.Context(), args[0], answer)
				if err != nil {
					return failFor(e.out, "answer clarification", err)
				}
				return e.out.Success(newRunView(run))
			})
		},
	})

	return cmd
}
