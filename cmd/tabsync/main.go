package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/tccl/tabsync/internal/infrastructure/config"
	"github.com/tccl/tabsync/internal/infrastructure/server"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file (env overrides file)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	srv, err := server.New(cfg)
	if err != nil {
		log.Fatalf("failed to initialize agent: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := srv.Start(ctx); err != nil {
		log.Fatalf("failed to start watcher: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		if err := srv.Run(); err != nil {
			errChan <- err
		}
	}()

	select {
	case <-sigChan:
		log.Println("shutting down gracefully...")
		cancel()
		if err := srv.Close(); err != nil {
			log.Printf("error during shutdown: %v", err)
		}
	case err := <-errChan:
		log.Fatalf("server error: %v", err)
	}
}
