package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phasegate/internal/checkpoint"
	"github.com/fyrsmithlabs/phasegate/internal/config"
	"github.com/fyrsmithlabs/phasegate/internal/events"
	"github.com/fyrsmithlabs/phasegate/internal/logging"
	"github.com/fyrsmithlabs/phasegate/internal/telemetry"
)

// app holds the process-wide dependencies shared by the commands.
type app struct {
	cfg    *config.Config
	logger *logging.Logger
	tel    *telemetry.Telemetry
	nc     *nats.Conn
}

// newApp loads configuration and initializes telemetry, logging and the
// optional NATS connection.
func newApp(ctx context.Context, needNATS bool) (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	tel, err := telemetry.New(ctx, telemetry.FromAppConfig(cfg.Telemetry, version))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	logger, err := initLogger(cfg, tel)
	if err != nil {
		_ = tel.Shutdown(ctx)
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	if degraded, reason := tel.Degraded(); degraded {
		logger.Warn(ctx, "telemetry degraded", zap.Error(reason))
	}

	a := &app{cfg: cfg, logger: logger, tel: tel}

	if cfg.NATS.URL != "" || needNATS {
		nc, err := connectNATS(cfg.NATS.URL, logger)
		if err != nil {
			a.close()
			return nil, err
		}
		a.nc = nc
	}
	return a, nil
}

func initLogger(cfg *config.Config, tel *telemetry.Telemetry) (*logging.Logger, error) {
	lc, err := logging.FromAppConfig(cfg.Logging)
	if err != nil {
		return nil, err
	}
	return logging.NewLogger(lc, tel.LoggerProvider())
}

func connectNATS(url string, logger *logging.Logger) (*nats.Conn, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(url,
		nats.Name("phasegate"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	logger.Underlying().Info("connected to NATS", zap.String("url", url))
	return nc, nil
}

// store opens the configured checkpoint store.
func (a *app) store() (*checkpoint.Store, error) {
	return checkpoint.NewStore(a.cfg.Checkpoint.Dir,
		checkpoint.WithLogger(a.logger.Underlying().Named("checkpoint")))
}

// publisher returns the NATS event publisher, or a no-op without NATS.
func (a *app) publisher() (events.Publisher, error) {
	if a.nc == nil {
		return events.Nop{}, nil
	}
	pub, err := events.NewNATSPublisher(a.nc, a.cfg.NATS.SubjectPrefix)
	if err != nil {
		return nil, err
	}
	return pub, nil
}

func (a *app) close() {
	if a.nc != nil {
		_ = a.nc.Drain()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.tel.Shutdown(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "telemetry shutdown:", err)
	}
	_ = a.logger.Sync()
}
