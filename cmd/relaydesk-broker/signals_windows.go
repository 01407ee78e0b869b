//go:build windows

package main

import (
	"fmt"
	"io"
	"os"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/relaydesk/relaydesk/tunnel/broker"
)

func notifySignals() []os.Signal {
	return []os.Signal{os.Interrupt, syscall.SIGTERM}
}

func printSignalHelp(w io.Writer) {
	fmt.Fprintln(w, "Signals: none beyond Ctrl+C on this platform; use the admin config endpoint to toggle metrics.")
}

func handleSignal(os.Signal, zerolog.Logger, func() error, *broker.Broker, *metricsController) bool {
	return false
}
