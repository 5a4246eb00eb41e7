// tabsyncd is the coordinator daemon: it owns the durable state and
// serves the HTTP and websocket sync surface.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quicktab/tabsync/internal/config"
	"github.com/quicktab/tabsync/internal/httpapi"
	"github.com/quicktab/tabsync/internal/tabsync"
)

func main() {
	configPath := flag.String("config", os.Getenv("TABSYNC_CONFIG"), "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	backend, err := tabsync.BuildStateBackendFromDSN(cfg.StateDSN)
	if err != nil {
		log.Fatalf("failed to initialize state backend: %v", err)
	}

	logger := log.New(os.Stderr, "tabsyncd: ", log.LstdFlags)
	store, err := tabsync.NewDurableStore(tabsync.StoreOptions{
		Backend:           backend,
		MaxSnapshotBytes:  cfg.MaxSnapshotBytes,
		ValidationRetries: cfg.ValidationRetries,
		Logger:            logger,
		OnWarning: func(message string) {
			logger.Printf("WARNING: %s", message)
		},
	})
	if err != nil {
		log.Fatalf("failed to open durable store: %v", err)
	}
	defer store.Close()

	tabdir := tabsync.NewStaticTabDirectory("coordinator")
	coord, err := tabsync.NewCoordinator(tabsync.CoordinatorOptions{
		Store:        store,
		TabDirectory: tabdir,
		Logger:       logger,
	})
	if err != nil {
		log.Fatalf("failed to start coordinator: %v", err)
	}
	defer coord.Close()

	server, err := httpapi.NewServer(coord, tabdir, httpapi.ServerConfig{
		AuthToken:       cfg.AuthToken,
		RateLimitMax:    cfg.RateLimitMax,
		RateLimitWindow: cfg.RateLimitWindow,
		MaxBodyBytes:    cfg.MaxBodyBytes,
		Logger:          logger,
	})
	if err != nil {
		log.Fatalf("failed to build http server: %v", err)
	}
	defer server.Close()

	httpServer := &http.Server{Addr: cfg.Addr, Handler: server}
	go func() {
		log.Printf("tabsyncd listening on %s (state %s)", cfg.Addr, cfg.StateDSN)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Printf("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}
