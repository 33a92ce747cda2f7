package main

import (
	"context"
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/phasegate/internal/checkpoint"
	"github.com/fyrsmithlabs/phasegate/internal/config"
	"github.com/fyrsmithlabs/phasegate/internal/monitor"
	"github.com/fyrsmithlabs/phasegate/internal/orchestrator"
	"github.com/fyrsmithlabs/phasegate/internal/plan"
)

var (
	statusWatch    bool
	statusJSON     bool
	statusServer   string
	statusInterval time.Duration
)

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&statusWatch, "watch", false, "open a live dashboard")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print the run state as JSON")
	statusCmd.Flags().StringVar(&statusServer, "server", "", "read status from a running phasegate --listen server instead of the state file")
	statusCmd.Flags().DurationVar(&statusInterval, "interval", 2*time.Second, "dashboard polling interval")
}

var statusCmd = &cobra.Command{
	Use:   "status <plan>",
	Short: "Show the status of a plan's latest run",
	Long: `Status reads the run state file written on every phase transition.
<plan> is a plan file or a plan ID.

Examples:
  # One-shot summary
  phasegate status plan.yaml

  # Live dashboard, refreshed on every state change
  phasegate status plan.yaml --watch

  # Dashboard against a run started with --listen
  phasegate status demo --watch --server http://localhost:9191`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return withCode(orchestrator.ExitInvalidPlan, err)
	}
	id, err := resolvePlanID(args[0])
	if err != nil {
		return withCode(orchestrator.ExitInvalidPlan, err)
	}

	var src monitor.Source = monitor.FileSource{Path: checkpoint.StatePath(cfg.Checkpoint.Dir, id)}
	if statusServer != "" {
		src = monitor.NewStatusClient(statusServer)
	}

	if statusWatch {
		return watchStatus(cmd, cfg, src)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()
	st, err := src.Load(ctx)
	if err != nil {
		return fmt.Errorf("no run state for plan %s: %w", id, err)
	}
	if statusJSON {
		return outputJSON(cmd.OutOrStdout(), st)
	}
	fmt.Fprint(cmd.OutOrStdout(), monitor.Summary(st))
	return nil
}

func watchStatus(cmd *cobra.Command, cfg *config.Config, src monitor.Source) error {
	opts := []monitor.Option{monitor.WithThresholds(orchestrator.Thresholds(cfg.Budget))}
	if fs, ok := src.(monitor.FileSource); ok {
		w, err := monitor.NewWatcher(fs.Path)
		if err != nil {
			return err
		}
		defer w.Close()
		opts = append(opts, monitor.WithWatcher(w))
	}

	model := monitor.NewModel(src, statusInterval, opts...)
	_, err := tea.NewProgram(model,
		tea.WithContext(cmd.Context()),
		tea.WithOutput(cmd.OutOrStdout()),
		tea.WithAltScreen(),
	).Run()
	return err
}

// resolvePlanID accepts a plan file or a bare plan ID.
func resolvePlanID(arg string) (string, error) {
	info, err := os.Stat(arg)
	if err != nil || info.IsDir() {
		return arg, nil
	}
	p, err := plan.Load(arg)
	if err != nil {
		return "", err
	}
	return planID(p), nil
}
