// Package server owns the proxy's runtime state and both listeners, so
// multiple independent instances can run (and be tested) in one process
// instead of relying on package-level globals.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"traefik-challenge-2/internal/config"
	applog "traefik-challenge-2/internal/log"
	"traefik-challenge-2/internal/proxy"
)

// Server owns one Gate, one Cache, one Fetcher and both of the proxy's
// listeners (the main HTTP port and the raw-socket port+1).
type Server struct {
	cfg *config.Config

	gate     *proxy.Gate
	cache    *proxy.Cache
	fetcher  *proxy.Fetcher
	pipeline *proxy.Pipeline
	tunnel   *proxy.Tunnel

	httpServer *http.Server
	rawLn      net.Listener
	metricsSrv *http.Server

	wg sync.WaitGroup
}

// New constructs a Server from cfg without starting anything.
func New(cfg *config.Config) *Server {
	gate := proxy.NewGate(cfg.MaxConcurrent)
	cache := proxy.NewCache(int64(cfg.CacheCapacity), int64(cfg.CacheEntryCap), cfg.CacheSweep, cfg.CacheSweep)
	fetcher := proxy.NewFetcher(cfg.ConnectTimeout, cfg.ResponseTimeout, int64(cfg.MaxResponseSize), cfg.MaxRetries)
	pipeline := proxy.NewPipeline(gate, cache, fetcher, cfg.AdmitTimeout, int64(cfg.MaxRequestSize))
	tunnel := proxy.NewTunnel(cfg.ConnectTimeout, cfg.TunnelIdleTimeout)

	return &Server{
		cfg:      cfg,
		gate:     gate,
		cache:    cache,
		fetcher:  fetcher,
		pipeline: pipeline,
		tunnel:   tunnel,
	}
}

// Start binds the main HTTP listener, the raw socket listener on port+1, and
// a loopback-only metrics listener. It returns once all three are bound;
// serving happens on background goroutines.
func (s *Server) Start() error {
	addr := ":" + strconv.Itoa(s.cfg.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: s.pipeline}

	httpLn, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", addr, err)
	}

	rawAddr := ":" + strconv.Itoa(s.cfg.Port+1)
	rawLn, err := net.Listen("tcp", rawAddr)
	if err != nil {
		httpLn.Close()
		return fmt.Errorf("server: listen %s: %w", rawAddr, err)
	}
	s.rawLn = rawLn

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	s.metricsSrv = &http.Server{Handler: metricsMux}
	metricsLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		httpLn.Close()
		rawLn.Close()
		return fmt.Errorf("server: listen metrics: %w", err)
	}

	rawListener := proxy.NewRawListener(s.pipeline, s.tunnel, int64(s.cfg.MaxRequestSize), s.cfg.ResponseTimeout)

	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		_ = s.httpServer.Serve(httpLn)
	}()
	go func() {
		defer s.wg.Done()
		rawListener.Serve(s.rawLn)
	}()
	go func() {
		defer s.wg.Done()
		_ = s.metricsSrv.Serve(metricsLn)
	}()

	applog.Emit("info", "proxy", nil, fmt.Sprintf(
		"listening http=%s raw=%s metrics=%s config: %s",
		addr, rawAddr, metricsLn.Addr().String(), s.cfg.Summary(),
	))
	return nil
}

// Addr returns the main HTTP listener's configured address (":" followed by
// cfg.Port), or "" before Start.
func (s *Server) Addr() string {
	if s.httpServer == nil {
		return ""
	}
	return s.httpServer.Addr
}

// Shutdown stops the main HTTP listener and drains its in-flight requests,
// closes the raw and metrics listeners, and stops the cache sweep.
// Connections already accepted on the raw port are not waited for.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.httpServer != nil {
		if shutdownErr := s.httpServer.Shutdown(ctx); shutdownErr != nil {
			err = shutdownErr
		}
	}
	if s.rawLn != nil {
		_ = s.rawLn.Close()
	}
	if s.metricsSrv != nil {
		_ = s.metricsSrv.Shutdown(ctx)
	}
	s.cache.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	case <-time.After(5 * time.Second):
	}
	return err
}
