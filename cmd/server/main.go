package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/flash-sandbox/backend/internal/auth"
	"github.com/flash-sandbox/backend/internal/config"
	"github.com/flash-sandbox/backend/internal/session"
	"github.com/flash-sandbox/backend/internal/store"
	"github.com/flash-sandbox/backend/internal/ws"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	port := flag.Int("port", 0, "Override server port")
	dbPath := flag.String("db", "", "Override sandbox database path")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if *port > 0 {
		cfg.Server.Port = *port
	}
	if *dbPath != "" {
		cfg.Store.Path = *dbPath
	}
	if cfg.Auth.BaseURL == "" {
		log.Fatal("auth.base_url must be configured")
	}

	st, err := store.New(cfg.Store.Path)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}

	verifier := auth.NewHTTPVerifier(cfg.Auth.BaseURL, cfg.AuthTimeout())
	registry := session.NewRegistry(cfg.TTL(), cfg.Sandbox.MaxContentSize)
	server := ws.NewServer(cfg, registry, st, verifier)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("Shutting down...")
		st.Close()
		os.Exit(0)
	}()

	log.Printf("Sandbox TTL: %s, max content: %d bytes", cfg.TTL(), cfg.Sandbox.MaxContentSize)
	if err := ws.ListenAndServe(cfg.Server.Host, cfg.Server.Port, server.Router()); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
