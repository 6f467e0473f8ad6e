// Command proxy runs the caching forward HTTP proxy.
//
// Usage: proxy [port]
//
// The proxy listens on the given port (default 8080) for plain HTTP GET
// requests, and on port+1 for the raw line-based protocol, which also handles
// CONNECT tunneling.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"traefik-challenge-2/internal/config"
	"traefik-challenge-2/internal/server"
)

func main() {
	cfg := config.Load()

	if len(os.Args) > 1 {
		p, err := strconv.Atoi(os.Args[1])
		if err != nil {
			log.Fatalf("invalid port argument %q: %v", os.Args[1], err)
		}
		cfg.Port = p
	}

	srv := server.New(cfg)
	if err := srv.Start(); err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ResponseTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}
