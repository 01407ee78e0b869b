package main

import (
	"net/http"
	"time"
)

const (
	httpReadHeaderTimeout = 5 * time.Second
	httpIdleTimeout       = 60 * time.Second
	httpMaxHeaderBytes    = 32 << 10

	// Proxy responses wait on the agent for up to the capped per-request
	// timeout, so the write window must sit above it.
	httpReadTimeout  = 150 * time.Second
	httpWriteTimeout = 150 * time.Second
)

// newHTTPServer serves the proxy front and the websocket handshake. Websocket
// connections are hijacked by the upgrader, so the timeouts only govern the
// handshake and the plain HTTP endpoints.
func newHTTPServer(handler http.Handler) *http.Server {
	return &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: httpReadHeaderTimeout,
		ReadTimeout:       httpReadTimeout,
		WriteTimeout:      httpWriteTimeout,
		IdleTimeout:       httpIdleTimeout,
		MaxHeaderBytes:    httpMaxHeaderBytes,
	}
}

// newMetricsHTTPServer serves only scrapes, so it keeps tight timeouts.
func newMetricsHTTPServer(handler http.Handler) *http.Server {
	return &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: httpReadHeaderTimeout,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       httpIdleTimeout,
		MaxHeaderBytes:    httpMaxHeaderBytes,
	}
}
