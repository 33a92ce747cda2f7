package worker

import (
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phasegate/internal/config"
)

// FromConfig builds a pool from worker declarations. nc may be nil when no
// NATS worker is declared.
func FromConfig(cfgs []config.WorkerConfig, nc *nats.Conn, logger *zap.Logger) (*Pool, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	pool, err := NewPool()
	if err != nil {
		return nil, err
	}

	for _, wc := range cfgs {
		var w Worker
		switch wc.Kind {
		case config.WorkerKindExec, "":
			w, err = NewExec(wc.ID, wc.Capabilities, wc.Concurrency, wc.Command,
				WithTimeout(wc.Timeout.Duration()),
				WithExecLogger(logger.Named("exec").With(zap.String("worker_id", wc.ID))))
		case config.WorkerKindNATS:
			w, err = NewNATS(wc.ID, wc.Capabilities, wc.Concurrency, nc, wc.Subject, wc.Timeout.Duration())
		default:
			err = fmt.Errorf("worker %s: unknown kind %q", wc.ID, wc.Kind)
		}
		if err != nil {
			return nil, err
		}
		if err := pool.Add(w); err != nil {
			return nil, err
		}
	}
	return pool, nil
}
