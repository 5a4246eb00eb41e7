// tabsync-agent runs one context's sync participant against a tabsyncd
// coordinator, or a read-only observer with -observe.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/quicktab/tabsync/internal/agent"
	"github.com/quicktab/tabsync/internal/config"
	"github.com/quicktab/tabsync/internal/transport"
)

func main() {
	configPath := flag.String("config", os.Getenv("TABSYNC_CONFIG"), "path to YAML config file")
	observe := flag.Bool("observe", false, "run as a read-only observer")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	contextID := cfg.ContextID
	if contextID == "" {
		contextID = "ctx-" + uuid.NewString()[:8]
	}

	logger := log.New(os.Stderr, "tabsync-agent: ", log.LstdFlags)

	httpTier := transport.NewHTTPTier(transport.HTTPTierOptions{
		BaseURL: strings.TrimSuffix(cfg.ServerURL, "/"),
		Token:   cfg.AuthToken,
		Logger:  logger,
	})

	wsURL := strings.Replace(strings.TrimSuffix(cfg.ServerURL, "/"), "http", "ws", 1) + "/v1/sync/ws"
	channel := transport.NewWSChannel(wsURL, cfg.AuthToken, contextID, logger)
	supervisor := transport.NewSupervisor(transport.SupervisorOptions{
		ContextID:         contextID,
		Channel:           channel,
		FailureThreshold:  cfg.FailureThreshold,
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatTimeout:  cfg.HeartbeatTimeout,
		InitialBackoff:    cfg.ReconnectMinDelay,
		MaxBackoff:        cfg.ReconnectMaxDelay,
		Logger:            logger,
	})

	chain := transport.NewChain(logger, supervisor, httpTier)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if *observe {
		runObserver(ctx, chain, httpTier, logger)
		return
	}

	a, err := agent.New(agent.Options{
		ContextID:       contextID,
		Chain:           chain,
		Querier:         httpTier,
		Supervisor:      supervisor,
		MutationTimeout: cfg.MutationTimeout,
		Logger:          logger,
		OnRecordChanged: func(ev agent.RecordEvent) {
			log.Printf("%s %s (rev %d) via %s", ev.Change, ev.Record.ID, ev.Record.Revision, ev.Tier)
		},
		OnSyncHealth: func(tier string, latency time.Duration) {
			logger.Printf("mutation acknowledged by %s in %s", tier, latency)
		},
	})
	if err != nil {
		log.Fatalf("failed to build agent: %v", err)
	}
	if err := a.Start(ctx); err != nil {
		log.Fatalf("failed to start agent: %v", err)
	}
	defer a.Close()
	log.Printf("agent %s connected to %s", contextID, cfg.ServerURL)

	waitForSignal()
}

func runObserver(ctx context.Context, chain *transport.Chain, querier transport.Querier, logger *log.Logger) {
	o, err := agent.NewObserver(agent.ObserverOptions{
		Chain:   chain,
		Querier: querier,
		Logger:  logger,
		OnRecordChanged: func(ev agent.RecordEvent) {
			log.Printf("%s %s (rev %d)", ev.Change, ev.Record.ID, ev.Record.Revision)
		},
	})
	if err != nil {
		log.Fatalf("failed to build observer: %v", err)
	}
	if err := o.Start(ctx); err != nil {
		log.Fatalf("failed to start observer: %v", err)
	}
	defer o.Close()
	for _, row := range o.Summary() {
		log.Printf("context %s owns %d records", row.ContextID, row.Records)
	}

	waitForSignal()
}

func waitForSignal() {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
}
