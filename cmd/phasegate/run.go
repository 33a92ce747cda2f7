package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phasegate/internal/checkpoint"
	statushttp "github.com/fyrsmithlabs/phasegate/internal/http"
	"github.com/fyrsmithlabs/phasegate/internal/orchestrator"
	"github.com/fyrsmithlabs/phasegate/internal/plan"
	"github.com/fyrsmithlabs/phasegate/internal/worker"
)

var (
	runAutoSplit bool
	runListen    string
	runJSON      bool
)

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().BoolVar(&runAutoSplit, "auto-split", false, "split oversized phases instead of failing")
	runCmd.Flags().StringVar(&runListen, "listen", "", "serve /health, /status and /metrics on host:port while running")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "print the final report as JSON")
}

var runCmd = &cobra.Command{
	Use:   "run <plan>",
	Short: "Run a plan from the beginning",
	Long: `Run executes every phase of a plan in dependency order.

The plan may be YAML, JSON or TOML. SIGINT or SIGTERM cancels the run after
in-flight work items drain and writes a cancelled checkpoint. SIGUSR1, or
POST /checkpoint on the --listen server, writes a manual checkpoint and the
run carries on.

Examples:
  # Run a plan
  phasegate run plan.yaml

  # Split phases with more than 7 items instead of failing
  phasegate run plan.yaml --auto-split

  # Expose status endpoints while running
  phasegate run plan.yaml --listen localhost:9191`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := plan.Load(args[0])
	if err != nil {
		return withCode(orchestrator.ExitInvalidPlan, err)
	}

	a, err := newApp(ctx, false)
	if err != nil {
		return withCode(orchestrator.ExitInvalidPlan, err)
	}
	defer a.close()

	s, err := newSession(ctx, a, planID(p), runListen, orchestrator.WithAutoSplit(runAutoSplit))
	if err != nil {
		return err
	}
	defer s.close()

	report := s.coord.Run(ctx, p)
	return finish(cmd, report, runJSON)
}

// session is one coordinator run with its supporting services.
type session struct {
	a      *app
	store  *checkpoint.Store
	coord  *orchestrator.Coordinator
	server *statushttp.Server
	served chan error

	stopSignals func()
}

func newSession(ctx context.Context, a *app, id, listen string, opts ...orchestrator.Option) (*session, error) {
	log := a.logger.Underlying()

	store, err := a.store()
	if err != nil {
		return nil, err
	}
	pool, err := worker.FromConfig(a.cfg.Workers, a.nc, log.Named("worker"))
	if err != nil {
		return nil, withCode(orchestrator.ExitInvalidPlan, err)
	}
	if pool.Len() == 0 {
		log.Warn("no workers configured; every delegated item will fail routing")
	}
	pub, err := a.publisher()
	if err != nil {
		return nil, err
	}

	coord, err := orchestrator.FromConfig(a.cfg, pool, store, log,
		append([]orchestrator.Option{orchestrator.WithPublisher(pub)}, opts...)...)
	if err != nil {
		return nil, withCode(orchestrator.ExitInvalidPlan, err)
	}
	coord.OnProgress(func(p orchestrator.Progress) {
		a.logger.Info(ctx, p.Message,
			zap.String("phase_id", p.PhaseID),
			zap.String("status", string(p.Status)),
			zap.Int("completed", p.Completed),
			zap.Int("total", p.Total),
			zap.Stringer("zone", p.Zone))
	})

	s := &session{a: a, store: store, coord: coord}
	if listen != "" {
		host, port, err := parseListen(listen)
		if err != nil {
			return nil, err
		}
		s.server, err = statushttp.NewServer(store, id, log.Named("http"),
			&statushttp.Config{Host: host, Port: port},
			statushttp.WithMeter(coord.Meter()),
			statushttp.WithCheckpointRequests(coord.RequestCheckpoint),
			statushttp.WithHTTPMetrics(statushttp.NewHTTPMetrics(log)))
		if err != nil {
			return nil, err
		}
		s.served = make(chan error, 1)
		go func() {
			s.served <- s.server.Start()
		}()
	}
	s.stopSignals = watchCheckpointSignal(coord.RequestCheckpoint, log.Named("signal"))
	return s, nil
}

func (s *session) close() {
	if s.stopSignals != nil {
		s.stopSignals()
	}
	if s.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.a.cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.a.logger.Warn(ctx, "status server shutdown failed", zap.Error(err))
	}
	select {
	case err := <-s.served:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.a.logger.Warn(ctx, "status server stopped", zap.Error(err))
		}
	case <-time.After(time.Second):
	}
}

// parseListen splits host:port. An empty host means all interfaces.
func parseListen(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid --listen address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid --listen port %q", portStr)
	}
	return host, port, nil
}

// planID mirrors the coordinator's default for plans without an ID.
func planID(p *plan.Plan) string {
	if p.ID == "" {
		return "plan"
	}
	return p.ID
}

// finish prints the report and converts its status to an exit code.
func finish(cmd *cobra.Command, report *orchestrator.Report, asJSON bool) error {
	out := cmd.OutOrStdout()
	if asJSON {
		if err := outputJSON(out, report); err != nil {
			return err
		}
	} else {
		printReport(out, report)
	}

	code := report.ExitCode()
	if code == orchestrator.ExitOK {
		return nil
	}
	return withCode(code, report.Err)
}
