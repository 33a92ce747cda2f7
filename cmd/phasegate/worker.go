package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phasegate/internal/worker"
)

var (
	workerID           string
	workerCapabilities []string
	workerCommand      string
	workerSubject      string
	workerQueue        string
	workerConcurrency  int
	workerTimeout      time.Duration
)

func init() {
	rootCmd.AddCommand(workerCmd)
	workerCmd.Flags().StringVar(&workerID, "id", "", "worker id (default: hostname and capability)")
	workerCmd.Flags().StringSliceVar(&workerCapabilities, "capability", nil, "capability served (repeatable)")
	workerCmd.Flags().StringVar(&workerCommand, "command", "", "command run per work item; the request JSON is written to its stdin")
	workerCmd.Flags().StringVar(&workerSubject, "subject", "", "NATS subject (default <prefix>.worker.<capability>)")
	workerCmd.Flags().StringVar(&workerQueue, "queue", "phasegate-workers", "NATS queue group")
	workerCmd.Flags().IntVar(&workerConcurrency, "concurrency", 1, "concurrent work items")
	workerCmd.Flags().DurationVar(&workerTimeout, "timeout", 0, "per-item command timeout (0 disables)")
	_ = workerCmd.MarkFlagRequired("capability")
	_ = workerCmd.MarkFlagRequired("command")
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Serve a local command as a remote worker over NATS",
	Long: `Worker subscribes to a NATS subject and runs a local command for every
work item it receives. The coordinator reaches it through a worker of kind
"nats" configured with the same subject.

The command receives the request JSON on stdin and must print a result JSON
on stdout. Exit status 75 marks a transient failure.

Examples:
  phasegate worker --capability code-writing --command "./bin/implement"
  phasegate worker --capability test-writing --command "./bin/tests" --subject team.tests`,
	Args: cobra.NoArgs,
	RunE: runWorker,
}

func runWorker(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	command := strings.Fields(workerCommand)
	if len(command) == 0 {
		return fmt.Errorf("--command is empty")
	}

	a, err := newApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.close()
	log := a.logger.Underlying().Named("worker")

	id := workerID
	if id == "" {
		host, _ := os.Hostname()
		id = fmt.Sprintf("%s-%s", host, workerCapabilities[0])
	}
	subject := workerSubject
	if subject == "" {
		subject = fmt.Sprintf("%s.worker.%s", a.cfg.NATS.SubjectPrefix, workerCapabilities[0])
	}

	w, err := worker.NewExec(id, workerCapabilities, workerConcurrency, command,
		worker.WithTimeout(workerTimeout),
		worker.WithExecLogger(log.With(zap.String("worker_id", id))))
	if err != nil {
		return err
	}

	if _, err := worker.Serve(ctx, a.nc, subject, workerQueue, w, log); err != nil {
		return err
	}
	log.Info("serving work items",
		zap.String("worker_id", id),
		zap.String("subject", subject),
		zap.String("queue", workerQueue),
		zap.Strings("capabilities", workerCapabilities))

	<-ctx.Done()
	log.Info("worker stopping")
	return nil
}
