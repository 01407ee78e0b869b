// relaydesk-broker terminates agent websocket sessions and serves the HTTP
// proxy front. Configuration comes from an optional YAML file plus RELAYDESK_
// environment variables; a few flags override the common knobs.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/relaydesk/relaydesk/config"
	"github.com/relaydesk/relaydesk/logging"
	"github.com/relaydesk/relaydesk/observability"
	"github.com/relaydesk/relaydesk/observability/prom"
	"github.com/relaydesk/relaydesk/ratelimit"
	"github.com/relaydesk/relaydesk/tunnel/broker"

	rdauth "github.com/relaydesk/relaydesk/auth"
	"github.com/relaydesk/relaydesk/breaker"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const shutdownGrace = 10 * time.Second

// switchHandler swaps the /metrics handler at runtime without rebuilding the
// HTTP server.
type switchHandler struct {
	mu      sync.RWMutex
	handler http.Handler
}

func newSwitchHandler() *switchHandler {
	return &switchHandler{handler: http.NotFoundHandler()}
}

func (h *switchHandler) Set(next http.Handler) {
	if next == nil {
		next = http.NotFoundHandler()
	}
	h.mu.Lock()
	h.handler = next
	h.mu.Unlock()
}

func (h *switchHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	handler := h.handler
	h.mu.RUnlock()
	handler.ServeHTTP(w, r)
}

// metricsController enables and disables Prometheus export at runtime, driven
// by signals and by the admin config endpoint.
type metricsController struct {
	mu       sync.Mutex
	enabled  bool
	handler  *switchHandler
	observer *observability.AtomicBrokerObserver
	broker   *broker.Broker
}

func newMetricsController(handler *switchHandler, observer *observability.AtomicBrokerObserver, b *broker.Broker) *metricsController {
	return &metricsController{
		handler:  handler,
		observer: observer,
		broker:   b,
	}
}

func (c *metricsController) Enable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.enabled {
		return
	}
	reg := prom.NewRegistry()
	obs := prom.NewBrokerObserver(reg)
	c.handler.Set(prom.Handler(reg))
	c.observer.Set(obs)
	// Gauges only move on events, so seed them from current registry state.
	stats := c.broker.Registry().Stats()
	obs.ActiveConnections(int64(stats.Sessions))
	for tier, n := range stats.ByTier {
		obs.ConnectionsByTier(tier, n)
	}
	c.enabled = true
}

func (c *metricsController) Disable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enabled {
		return
	}
	c.handler.Set(nil)
	c.observer.Set(observability.NoopBrokerObserver)
	c.enabled = false
}

// applyRuntime pushes a config file's reloadable subset into the broker.
func applyRuntime(b *broker.Broker, cfg *config.Broker) {
	b.SetSettings(broker.Settings{
		RequestTimeoutMS: int64(cfg.RequestTimeoutMS),
		MaxBodyBytes:     cfg.MaxBodyBytes,
		MetricsEnabled:   cfg.MetricsEnabled,
	})
}

func hmacKeyfunc(secret string) jwt.Keyfunc {
	return func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
		}
		return []byte(secret), nil
	}
}

type ready struct {
	Version    string `json:"version"`
	Commit     string `json:"commit"`
	Date       string `json:"date"`
	Listen     string `json:"listen"`
	WSPath     string `json:"ws_path"`
	WSURL      string `json:"ws_url"`
	HTTPURL    string `json:"http_url"`
	HealthzURL string `json:"healthz_url"`
	MetricsURL string `json:"metrics_url,omitempty"`
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout io.Writer, stderr io.Writer) int {
	fs := flag.NewFlagSet("relaydesk-broker", flag.ContinueOnError)
	fs.SetOutput(stderr)

	showVersion := false
	configFile := ""
	listenOverride := ""
	metricsOverride := ""
	fs.BoolVar(&showVersion, "version", false, "print version and exit")
	fs.StringVar(&configFile, "config", configFile, "YAML config file (env: RELAYDESK_*)")
	fs.StringVar(&listenOverride, "listen", listenOverride, "listen address (overrides config)")
	fs.StringVar(&metricsOverride, "metrics-listen", metricsOverride, "metrics listen address (overrides config; empty keeps config value)")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			printSignalHelp(stderr)
			return 0
		}
		return 2
	}
	if showVersion {
		fmt.Fprintf(stdout, "relaydesk-broker %s (%s, %s)\n", version, commit, date)
		return 0
	}

	cfg, err := config.LoadBroker(configFile)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	if listenOverride != "" {
		cfg.Listen = listenOverride
	}
	if metricsOverride != "" {
		cfg.MetricsListen = metricsOverride
	}

	logger := logging.New(cfg.Log, "broker")

	return serve(cfg, configFile, logger, stdout, stderr)
}

func serve(cfg *config.Broker, configFile string, logger zerolog.Logger, stdout io.Writer, stderr io.Writer) int {
	validator, err := rdauth.New(rdauth.Config{
		Issuer:   cfg.TokenIssuer,
		Audience: cfg.TokenAudience,
		Keyfunc:  hmacKeyfunc(cfg.TokenHMACSecret),
	})
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}

	observer := observability.NewAtomicBrokerObserver()
	limiter := ratelimit.New(ratelimit.Config{
		FreePerMinute:       cfg.RateLimit.FreePerMin,
		PremiumPerMinute:    cfg.RateLimit.PremiumPerMin,
		EnterprisePerMinute: cfg.RateLimit.EnterprisePerMin,
		PerIPPerMinute:      cfg.RateLimit.PerIPPerMin,
		Observer:            observer,
	}, logger)

	var metrics *metricsController
	metricsHandler := newSwitchHandler()
	b, err := broker.New(broker.Config{
		WSPath:                cfg.WSPath,
		Metrics:               metricsHandler,
		Validator:             validator,
		Limiter:               limiter,
		AdminToken:            cfg.AdminToken,
		MaxFrameBytes:         cfg.MaxFrameBytes,
		MaxBodyBytes:          cfg.MaxBodyBytes,
		PingInterval:          cfg.PingInterval(),
		PongTimeout:           cfg.PongTimeout(),
		RequestTimeout:        cfg.RequestTimeout(),
		IdleTimeout:           cfg.IdleTimeout(),
		MaxChannelsPerSession: cfg.MaxChannelsPerSession,
		Breaker: breaker.Config{
			FailureThreshold: cfg.Circuit.FailureThreshold,
			SuccessThreshold: cfg.Circuit.SuccessThreshold,
			ResetTimeout:     cfg.Circuit.ResetTimeout(),
		},
		OnSettingsChange: func(s broker.Settings) {
			if metrics == nil {
				return
			}
			if s.MetricsEnabled {
				metrics.Enable()
			} else {
				metrics.Disable()
			}
		},
		Observer: observer,
		Logger:   logger,
	})
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	defer b.Close()

	mux := http.NewServeMux()
	b.Register(mux)

	metrics = newMetricsController(metricsHandler, observer, b)
	if cfg.MetricsEnabled {
		metrics.Enable()
	}

	// Scrapes are served at /api/tunnel/metrics on the main listener; a
	// separate metrics listener is optional for scrape isolation.
	var metricsSrv *http.Server
	var metricsLn net.Listener
	if cfg.MetricsListen != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)

		metricsLn, err = net.Listen("tcp", cfg.MetricsListen)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		metricsSrv = newMetricsHTTPServer(metricsMux)
		go func() {
			if err := metricsSrv.Serve(metricsLn); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("metrics server failed")
			}
		}()
	}

	// Keep the admin-visible settings honest about whether export is on.
	settings := b.Settings()
	settings.MetricsEnabled = cfg.MetricsEnabled
	b.SetSettings(settings)

	// Reloadable settings follow the config file: on SIGHUP and, when the
	// file watcher can run, on every edit.
	var reload func() error
	if configFile != "" {
		reload = func() error {
			next, err := config.LoadBroker(configFile)
			if err != nil {
				return err
			}
			applyRuntime(b, next)
			return nil
		}
		if err := config.WatchBroker(configFile, func(next *config.Broker, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("config change rejected; keeping previous settings")
				return
			}
			applyRuntime(b, next)
			logger.Info().Msg("runtime settings reloaded from config file")
		}); err != nil {
			logger.Warn().Err(err).Msg("config watch unavailable")
		}
	}

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	srv := newHTTPServer(mux)
	serveErr := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	bindAddr := ln.Addr().String()
	out := ready{
		Version:    version,
		Commit:     commit,
		Date:       date,
		Listen:     bindAddr,
		WSPath:     cfg.WSPath,
		WSURL:      "ws://" + bindAddr + cfg.WSPath,
		HTTPURL:    "http://" + bindAddr,
		HealthzURL: "http://" + bindAddr + "/healthz",
	}
	if metricsLn != nil {
		out.MetricsURL = "http://" + metricsLn.Addr().String() + "/metrics"
	}
	_ = json.NewEncoder(stdout).Encode(out)
	logger.Info().Str("listen", bindAddr).Str("ws_path", cfg.WSPath).Msg("broker listening")

	sig := make(chan os.Signal, 2)
	signal.Notify(sig, notifySignals()...)

	for {
		select {
		case err := <-serveErr:
			logger.Error().Err(err).Msg("http server failed")
			return 1
		case s := <-sig:
			if handleSignal(s, logger, reload, b, metrics) {
				continue
			}
			logger.Info().Str("signal", s.String()).Msg("shutting down")
			b.Shutdown(shutdownGrace)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = srv.Shutdown(ctx)
			if metricsSrv != nil {
				_ = metricsSrv.Shutdown(ctx)
			}
			cancel()
			return 0
		}
	}
}
