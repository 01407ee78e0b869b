// relaydesk-agent connects a local HTTP service to the broker over a single
// outbound websocket, so the service stays reachable without inbound ports.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaydesk/relaydesk/agent"
	"github.com/relaydesk/relaydesk/agent/queue"
	"github.com/relaydesk/relaydesk/config"
	"github.com/relaydesk/relaydesk/logging"
	"github.com/relaydesk/relaydesk/observability"
	"github.com/relaydesk/relaydesk/observability/prom"
	"github.com/relaydesk/relaydesk/rderrors"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Exit codes, stable for supervisors:
// 0 clean shutdown, 1 runtime failure, 2 configuration error,
// 3 authentication rejected, 4 reconnect attempts exhausted.
const (
	exitOK        = 0
	exitRuntime   = 1
	exitConfig    = 2
	exitAuth      = 3
	exitExhausted = 4
)

// fileTokenSource reads the bearer token from a file, caching it until the
// broker rejects it. Rotating the file contents is the refresh mechanism.
type fileTokenSource struct {
	path string

	mu     sync.Mutex
	cached string
}

func (f *fileTokenSource) Token(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cached != "" {
		return f.cached, nil
	}
	b, err := os.ReadFile(f.path)
	if err != nil {
		return "", rderrors.Wrap(rderrors.CodeTokenMissing, err)
	}
	tok := strings.TrimSpace(string(b))
	if tok == "" {
		return "", rderrors.New(rderrors.CodeTokenMissing, "token file is empty")
	}
	f.cached = tok
	return tok, nil
}

func (f *fileTokenSource) Invalidate() {
	f.mu.Lock()
	f.cached = ""
	f.mu.Unlock()
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout io.Writer, stderr io.Writer) int {
	fs := flag.NewFlagSet("relaydesk-agent", flag.ContinueOnError)
	fs.SetOutput(stderr)

	showVersion := false
	configFile := ""
	fs.BoolVar(&showVersion, "version", false, "print version and exit")
	fs.StringVar(&configFile, "config", configFile, "YAML config file (env: RELAYDESK_*)")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitConfig
	}
	if showVersion {
		fmt.Fprintf(stdout, "relaydesk-agent %s (%s, %s)\n", version, commit, date)
		return exitOK
	}

	cfg, err := config.LoadAgent(configFile)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitConfig
	}

	logger := logging.New(cfg.Log, "agent")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, logger, stderr)
}

func serve(ctx context.Context, cfg *config.Agent, logger zerolog.Logger, stderr io.Writer) int {
	var obs observability.AgentObserver = observability.NoopAgentObserver
	var metricsSrv *http.Server
	if cfg.MetricsListen != "" {
		reg := prom.NewRegistry()
		obs = prom.NewAgentObserver(reg)
		mux := http.NewServeMux()
		mux.Handle("/metrics", prom.Handler(reg))

		ln, err := net.Listen("tcp", cfg.MetricsListen)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return exitRuntime
		}
		metricsSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("metrics server failed")
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = metricsSrv.Shutdown(sctx)
			cancel()
		}()
	}

	var q *queue.Queue
	if cfg.QueuePath != "" {
		maxItems := cfg.QueueMaxItems
		if maxItems <= 0 {
			maxItems = agent.ReconnectProfile(cfg.Profile).QueueSize()
		}
		q = queue.New(queue.Config{
			MaxItems:     maxItems,
			DefaultTTL:   cfg.QueueTTL(),
			SnapshotPath: cfg.QueuePath,
			Observer:     obs,
		}, logger)
		if err := q.Load(); err != nil {
			logger.Warn().Err(err).Str("path", cfg.QueuePath).Msg("queue snapshot unusable; starting empty")
		}
		defer func() {
			if err := q.Save(); err != nil {
				logger.Warn().Err(err).Msg("saving queue snapshot failed")
			}
		}()
	}

	var tokens agent.TokenSource
	if cfg.TokenFile != "" {
		tokens = &fileTokenSource{path: cfg.TokenFile}
	} else {
		tokens = agent.StaticTokenSource(cfg.Token)
	}

	a, err := agent.New(agent.Config{
		BrokerURL:     cfg.TunnelWSURL,
		LocalOrigin:   cfg.LocalOriginURL,
		Tokens:        tokens,
		Profile:       agent.ReconnectProfile(cfg.Profile),
		MaxFrameBytes: cfg.MaxFrameBytes,
		PingTimeout:   cfg.PingTimeout(),
		LocalTimeout:  cfg.RequestTimeout(),
		MaxConcurrent: cfg.MaxConcurrent,
		Queue:         q,
		Observer:      obs,
		Logger:        logger,
	})
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitConfig
	}

	logger.Info().
		Str("broker", cfg.TunnelWSURL).
		Str("origin", cfg.LocalOriginURL).
		Str("profile", cfg.Profile).
		Msg("agent starting")

	err = a.Run(ctx)
	code := exitCode(err)
	if code != exitOK {
		fmt.Fprintln(stderr, err)
	}
	return code
}

func exitCode(err error) int {
	if err == nil || errors.Is(err, context.Canceled) {
		return exitOK
	}
	if errors.Is(err, agent.ErrAttemptsExhausted) {
		return exitExhausted
	}
	switch rderrors.CodeOf(err) {
	case rderrors.CodeTokenInvalid, rderrors.CodeTokenMissing, rderrors.CodeForbidden:
		return exitAuth
	case rderrors.CodeConfigurationError:
		return exitConfig
	}
	return exitRuntime
}
