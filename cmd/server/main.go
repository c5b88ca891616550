package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/presencehub/internal/roster"
	"github.com/Tyrowin/presencehub/internal/server"
)

// main wires high-level dependencies and keeps the server lifecycle small.
// The presence logic lives in internal/roster and internal/server.
func main() {
	log.Println("Starting PresenceHub server...")

	config, err := server.NewConfigFromEnv()
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}
	server.SetConfig(config)

	registry := roster.NewRegistry(config.StorePath)
	registry.Load()
	presence := roster.NewPresenceSet()

	hub := server.StartHub(registry, presence)

	mux := server.SetupRoutes()
	httpServer := server.CreateServer(config.Port, mux)

	g, ctx := errgroup.WithContext(context.Background())

	g.Go(func() error {
		if err := server.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

		select {
		case sig := <-quit:
			log.Printf("Received signal %s; shutting down", sig)
		case <-ctx.Done():
			return nil
		}

		if err := server.ShutdownServer(httpServer, 10*time.Second); err != nil {
			log.Printf("HTTP shutdown: %v", err)
		}
		return hub.Shutdown(5 * time.Second)
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
