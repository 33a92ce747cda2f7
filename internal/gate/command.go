package gate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/fyrsmithlabs/phasegate/internal/plan"
)

// DefaultCommandTimeout bounds a single command criterion.
const DefaultCommandTimeout = 5 * time.Minute

// CommandRunner runs command criteria. Exit status 0 means met.
type CommandRunner struct {
	Dir     string
	Timeout time.Duration
	Env     []string
}

// NewCommandRunner creates a runner in the current directory.
func NewCommandRunner() *CommandRunner {
	return &CommandRunner{Timeout: DefaultCommandTimeout}
}

// Run executes the criterion command. A non-zero exit is unmet with a nil
// error; an error means the command could not be run or timed out.
func (r *CommandRunner) Run(ctx context.Context, phaseID string, c plan.Criterion) (bool, error) {
	if len(c.Command) == 0 {
		return false, fmt.Errorf("criterion %s has no command", c.Name)
	}

	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.Command[0], c.Command[1:]...)
	cmd.Dir = r.Dir
	cmd.Env = append(os.Environ(), r.Env...)
	cmd.Env = append(cmd.Env,
		"PHASEGATE_PHASE_ID="+phaseID,
		"PHASEGATE_CRITERION="+c.Name,
	)
	cmd.WaitDelay = 2 * time.Second

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	if err == nil {
		return true, nil
	}
	if ctx.Err() != nil {
		return false, fmt.Errorf("criterion %s: %w", c.Name, ctx.Err())
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return false, nil
	}
	return false, fmt.Errorf("criterion %s: %w: %s", c.Name, err, strings.TrimSpace(out.String()))
}
