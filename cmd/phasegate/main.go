// Phasegate runs phased work plans under an operation budget, delegating
// work items to workers and checkpointing before the budget runs out.
//
// Usage:
//
//	# Run a plan
//	phasegate run plan.yaml
//
//	# Resume after a Red-zone suspension
//	phasegate resume implement_CHECKPOINT_2
//
//	# Watch a run from another terminal
//	phasegate status plan.yaml --watch
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
)

var (
	// cfgPath is the configuration file; empty loads phasegate.yaml if present.
	cfgPath string
)

func main() {
	os.Exit(execute(rootCmd, os.Args[1:]))
}

var rootCmd = &cobra.Command{
	Use:   "phasegate",
	Short: "Budgeted phase orchestrator",
	Long: `phasegate executes a plan of dependent phases. Each phase's work items are
routed to workers by capability, the session budget is metered after every
result, and a checkpoint is written before the budget is exhausted so a fresh
session can resume exactly where the last one stopped.

Exit codes:
  0    all phases complete
  1    a phase is blocked (unmet criteria, routing or worker failure)
  2    suspended at a Red-zone checkpoint; resume to continue
  3    invalid plan, oversized phase or unusable checkpoint
  130  cancelled`,
	Version:       fmt.Sprintf("%s (%s)", version, gitCommit),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file (default ./phasegate.yaml when present)")
}

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func withCode(code int, err error) error {
	return &exitError{code: code, err: err}
}

// execute runs cmd with args and maps the outcome to an exit code.
func execute(cmd *cobra.Command, args []string) int {
	cmd.SetArgs(args)
	err := cmd.Execute()
	if err == nil {
		return 0
	}

	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintln(cmd.ErrOrStderr(), "Error:", ee.err)
		}
		return ee.code
	}
	fmt.Fprintln(cmd.ErrOrStderr(), "Error:", err)
	return 1
}
