package main

import (
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
)

// checkpointSignal asks a running coordinator for a manual checkpoint.
const checkpointSignal = syscall.SIGUSR1

// watchCheckpointSignal forwards checkpointSignal to request until the
// returned stop func is called.
func watchCheckpointSignal(request func() bool, logger *zap.Logger) func() {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, checkpointSignal)
	done := make(chan struct{})
	go forwardSignals(sigs, done, request, logger)
	return func() {
		signal.Stop(sigs)
		close(done)
	}
}

func forwardSignals(sigs <-chan os.Signal, done <-chan struct{}, request func() bool, logger *zap.Logger) {
	for {
		select {
		case <-done:
			return
		case sig := <-sigs:
			queued := request()
			logger.Info("checkpoint requested by signal",
				zap.String("signal", sig.String()),
				zap.Bool("queued", queued))
		}
	}
}
