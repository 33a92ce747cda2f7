package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ExitTempFail is the exit status an exec worker uses to report a transient
// failure (EX_TEMPFAIL).
const ExitTempFail = 75

// waitDelay bounds how long Wait blocks on inherited pipes after the
// process is killed.
const waitDelay = 2 * time.Second

// maxDiagnostic bounds the stderr kept as a failure diagnostic.
const maxDiagnostic = 4096

// Exec runs a command per item. The Request is written to stdin as JSON and
// a Result is read from stdout. Exit status 0 with empty output is a
// success; ExitTempFail is a transient failure; any other non-zero status
// is a permanent failure with stderr as the diagnostic.
type Exec struct {
	id      string
	caps    []string
	slots   int
	command []string
	timeout time.Duration
	env     []string
	logger  *zap.Logger
}

// ExecOption configures an Exec worker.
type ExecOption func(*Exec)

// WithExecLogger sets the worker logger.
func WithExecLogger(l *zap.Logger) ExecOption {
	return func(e *Exec) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithTimeout bounds each command run. Zero means no limit.
func WithTimeout(d time.Duration) ExecOption {
	return func(e *Exec) {
		e.timeout = d
	}
}

// WithEnv appends KEY=VALUE pairs to the command environment.
func WithEnv(env ...string) ExecOption {
	return func(e *Exec) {
		e.env = append(e.env, env...)
	}
}

// NewExec creates an exec worker.
func NewExec(id string, capabilities []string, slots int, command []string, opts ...ExecOption) (*Exec, error) {
	if len(command) == 0 || command[0] == "" {
		return nil, fmt.Errorf("worker %s: command is required", id)
	}
	e := &Exec{
		id:      id,
		caps:    capabilities,
		slots:   max(slots, 1),
		command: command,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func (e *Exec) ID() string             { return e.id }
func (e *Exec) Capabilities() []string { return e.caps }
func (e *Exec) Concurrency() int       { return e.slots }

// Execute runs the command for one item.
func (e *Exec) Execute(ctx context.Context, req Request) (Result, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	input, err := json.Marshal(req)
	if err != nil {
		return Result{}, fmt.Errorf("marshal request: %w", err)
	}

	cmd := exec.CommandContext(ctx, e.command[0], e.command[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Env = append(os.Environ(),
		"PHASEGATE_ITEM_ID="+req.Item.ID,
		"PHASEGATE_PHASE_ID="+req.PhaseID,
		"PHASEGATE_TASK_TYPE="+req.Item.TaskType,
		"PHASEGATE_WORKER_ID="+e.id,
	)
	cmd.Env = append(cmd.Env, e.env...)
	cmd.WaitDelay = waitDelay

	start := time.Now()
	runErr := cmd.Run()
	e.logger.Debug("exec worker finished",
		zap.String("item_id", req.Item.ID),
		zap.Duration("duration", time.Since(start)),
		zap.Error(runErr))

	if runErr != nil {
		diag := diagnostic(stderr.String(), runErr)
		if ctx.Err() != nil {
			return Result{}, Transient(fmt.Errorf("%s: %w", diag, ctx.Err()))
		}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return Result{
				ItemID:     req.Item.ID,
				WorkerID:   e.id,
				Status:     StatusFailure,
				Transient:  exitErr.ExitCode() == ExitTempFail,
				Diagnostic: diag,
			}, nil
		}
		return Result{}, fmt.Errorf("start %s: %w", e.command[0], runErr)
	}

	res := Result{ItemID: req.Item.ID, Status: StatusSuccess}
	if out := bytes.TrimSpace(stdout.Bytes()); len(out) > 0 {
		if err := json.Unmarshal(out, &res); err != nil {
			return Result{
				ItemID:     req.Item.ID,
				WorkerID:   e.id,
				Status:     StatusFailure,
				Diagnostic: fmt.Sprintf("invalid result JSON on stdout: %v", err),
			}, nil
		}
	}
	if res.ItemID == "" {
		res.ItemID = req.Item.ID
	}
	if res.Status == "" {
		res.Status = StatusSuccess
	}
	res.WorkerID = e.id
	return res, nil
}

func diagnostic(stderr string, err error) string {
	s := strings.TrimSpace(stderr)
	if len(s) > maxDiagnostic {
		s = s[len(s)-maxDiagnostic:]
	}
	if s == "" {
		return err.Error()
	}
	return s
}
