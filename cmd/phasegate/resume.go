package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/phasegate/internal/orchestrator"
	"github.com/fyrsmithlabs/phasegate/internal/plan"
)

var (
	resumeForce  bool
	resumePlan   string
	resumeListen string
	resumeJSON   bool
)

func init() {
	rootCmd.AddCommand(resumeCmd)
	resumeCmd.Flags().BoolVar(&resumeForce, "force", false, "resume a checkpoint written by a cancelled run")
	resumeCmd.Flags().StringVar(&resumePlan, "plan", "", "plan file (defaults to the path recorded in the checkpoint)")
	resumeCmd.Flags().StringVar(&resumeListen, "listen", "", "serve /health, /status and /metrics on host:port while running")
	resumeCmd.Flags().BoolVar(&resumeJSON, "json", false, "print the final report as JSON")
}

var resumeCmd = &cobra.Command{
	Use:   "resume <checkpoint-id>",
	Short: "Resume a run from a checkpoint",
	Long: `Resume continues a suspended or blocked run from a checkpoint. Completed
work items are never re-executed; the in-progress item runs first, then the
remaining items in plan order.

A checkpoint can be resumed once. Only the latest checkpoint of a phase is
resumable, and a cancelled run's checkpoint requires --force.

Examples:
  # Resume after a budget suspension
  phasegate resume implement_CHECKPOINT_2

  # Resume a cancelled run
  phasegate resume implement_CHECKPOINT_3 --force`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

func runResume(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, false)
	if err != nil {
		return withCode(orchestrator.ExitInvalidPlan, err)
	}
	defer a.close()

	store, err := a.store()
	if err != nil {
		return err
	}
	cp, err := store.Get(args[0])
	if err != nil {
		return withCode(orchestrator.ExitInvalidPlan, err)
	}

	opts := orchestrator.ResumeOptions{Force: resumeForce}
	if resumePlan != "" {
		if opts.Plan, err = plan.Load(resumePlan); err != nil {
			return withCode(orchestrator.ExitInvalidPlan, err)
		}
	}

	s, err := newSession(ctx, a, cp.PlanID, resumeListen)
	if err != nil {
		return err
	}
	defer s.close()

	report := s.coord.Resume(ctx, cp.ID, opts)
	return finish(cmd, report, resumeJSON)
}
