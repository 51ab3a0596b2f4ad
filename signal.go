package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/tonimelisma/blogsync/internal/reconcile"
)

// shutdownContext returns a context that cancels on the first SIGINT/SIGTERM
// and force-exits on the second. Long-running commands (watch, serve) drain
// on the first signal; the second lets the user quit something that hangs.
func shutdownContext(parent context.Context, logger *slog.Logger) context.Context {
	ctx, cancel := context.WithCancel(parent)

	onSignals(ctx, parent, logger, cancel)

	return ctx
}

// abortOnSignal sets sig on the first SIGINT/SIGTERM and force-exits on the
// second. Unlike shutdownContext it leaves in-flight transfers running: the
// pass stops at its next checkpoint. Canceling parent stops listening.
func abortOnSignal(parent context.Context, sig *reconcile.AbortSignal, logger *slog.Logger) {
	onSignals(parent, parent, logger, sig.Abort)
}

// onSignals calls first on the first signal and exits on the second. It stops
// listening when done ends before the first signal or parent ends after it.
func onSignals(done, parent context.Context, logger *slog.Logger, first func()) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigCh)

		select {
		case sig := <-sigCh:
			logger.Info("received signal, initiating graceful shutdown",
				slog.String("signal", sig.String()),
			)
			first()
		case <-done.Done():
			return
		}

		// Wait for second signal, then force exit.
		select {
		case sig := <-sigCh:
			logger.Warn("received second signal, forcing exit",
				slog.String("signal", sig.String()),
			)
			os.Exit(1)
		case <-parent.Done():
			return
		}
	}()
}
