package main

import (
	"errors"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		// Reconcile has already printed per-item failures.
		if errors.Is(err, errReconcileFailed) {
			os.Exit(1)
		}

		exitOnError(err)
	}
}
