//go:build !windows

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
	return []os.Signal{
		os.Interrupt,
		syscall.SIGTERM,
		syscall.SIGHUP,
		syscall.SIGUSR1,
		syscall.SIGUSR2,
	}
}

func printSignalHelp(w io.Writer) {
	fmt.Fprintln(w, "Signals:")
	fmt.Fprintln(w, "  SIGHUP: reload runtime settings from the config file")
	fmt.Fprintln(w, "  SIGUSR1: enable metrics")
	fmt.Fprintln(w, "  SIGUSR2: disable metrics")
}

// handleSignal returns true if the signal was handled and the broker should
// keep running.
func handleSignal(sig os.Signal, logger zerolog.Logger, reload func() error, b *broker.Broker, metrics *metricsController) bool {
	switch sig {
	case syscall.SIGHUP:
		if reload == nil {
			stats := b.Registry().Stats()
			logger.Info().
				Int("users", stats.Users).
				Int("sessions", stats.Sessions).
				Interface("by_tier", stats.ByTier).
				Interface("settings", b.Settings()).
				Msg("no config file to reload; registry snapshot")
			return true
		}
		if err := reload(); err != nil {
			logger.Warn().Err(err).Msg("config reload failed; keeping previous settings")
		} else {
			logger.Info().Msg("runtime settings reloaded")
		}
		return true
	case syscall.SIGUSR1:
		s := b.Settings()
		s.MetricsEnabled = true
		b.SetSettings(s)
		logger.Info().Msg("metrics enabled")
		return true
	case syscall.SIGUSR2:
		s := b.Settings()
		s.MetricsEnabled = false
		b.SetSettings(s)
		logger.Info().Msg("metrics disabled")
		return true
	default:
		return false
	}
}
