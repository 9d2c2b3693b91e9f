package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"example.com/timelinesync/cmd/server"
	"example.com/timelinesync/cmd/worker"
	"example.com/timelinesync/internal/backend"
	appkafka "example.com/timelinesync/internal/broker"
	"example.com/timelinesync/internal/graph"
	config "example.com/timelinesync/internal/init"
	"example.com/timelinesync/internal/logger"
	"example.com/timelinesync/internal/merge"
	"example.com/timelinesync/internal/metrics"
	"example.com/timelinesync/internal/reconcile"
	"example.com/timelinesync/internal/store"
	"example.com/timelinesync/internal/timeline"
)

func main() {
	// Initialize application configuration
	cfg := config.Init()
	mode := cfg.Mode
	logger.SetLevel(logger.LogLevel(cfg.LogLevel))
	logg := logger.New()
	defer logg.Sync()

	// Setup OS signal handling for graceful shutdown (SIGINT, SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	var err error

	// Configure Kafka client parameters
	kafkaCfg := func(topic string) appkafka.KafkaConfig {
		return appkafka.KafkaConfig{
			Brokers:      []string{cfg.KafkaBroker},
			Topic:        topic,
			Partition:    cfg.KafkaPartition,
			GroupID:      cfg.KafkaGroupID,
			WriteTimeout: cfg.KafkaWriteTO,
			ReadTimeout:  cfg.KafkaReadTO,
		}
	}

	// Events committed by other processes after this offset are replayed on
	// top of the hydrated graph
	var followFrom int64
	if cfg.KafkaEnabled {
		followFrom, err = appkafka.LastOffset(ctx, kafkaCfg(cfg.KafkaEventsTopic))
		if err != nil {
			log.Fatalf("Kafka events offset lookup failed: %v", err)
		}
	}

	// Open the graph persistence and hydrate the in-memory graph from it
	persister, err := store.New(ctx)
	if err != nil {
		log.Fatalf("store init failed: %v", err)
	}
	g, err := graph.Open(ctx, persister)
	if err != nil {
		log.Fatalf("graph hydration failed: %v", err)
	}
	defer g.Close()

	collectors := metrics.New(nil)
	engine := merge.New(merge.WithViolationHandler(func(err error) {
		collectors.Violation()
		logg.Error("merge", "Merge invariant violated", err)
	}))

	// Backend adapters: one Twitter adapter, one Mastodon adapter per instance
	// Tokens live in the store so that server and workers share them
	creds := backend.NewCredentials()
	if vault, ok := persister.(backend.Vault); ok {
		creds = backend.NewVaultCredentials(vault)
	}
	hc := &http.Client{Timeout: cfg.HTTPTimeout}
	registry := backend.NewRegistry(func(domain string) (backend.Adapter, error) {
		return backend.NewMastodon(backend.ClientOptions{
			BaseURL:     cfg.MastodonScheme + "://" + domain,
			HTTPClient:  hc,
			RatePerSec:  cfg.MastodonRatePerSec,
			Burst:       cfg.MastodonBurst,
			Credentials: creds,
		}), nil
	})
	registry.Register(cfg.TwitterDomain, backend.NewTwitter(backend.ClientOptions{
		BaseURL:     cfg.TwitterBaseURL,
		HTTPClient:  hc,
		RatePerSec:  cfg.TwitterRatePerSec,
		Burst:       cfg.TwitterBurst,
		Credentials: creds,
		StaticToken: cfg.TwitterBearerToken,
	}))

	deps := timeline.Deps{
		Graph:      g,
		Backends:   registry,
		Merge:      engine,
		Reconciler: reconcile.New(cfg.LookupConcurrency),
		Metrics:    collectors,
	}

	// Feed-changed events are published from both modes
	if cfg.KafkaEnabled {
		eventsWriter, err := appkafka.NewKafkaWriter(kafkaCfg(cfg.KafkaEventsTopic))
		if err != nil {
			log.Fatalf("Kafka events writer init failed: %v", err)
		}
		defer eventsWriter.Close()
		deps.Publisher = appkafka.NewPublisher(eventsWriter)
	}

	orch := timeline.New(deps, timeline.Config{
		PageLimit:         cfg.PageLimit,
		ContinuationPages: cfg.ContinuationPages,
		RequireAnchor:     cfg.RequireAnchor,
	})

	// Keep this process's graph current with the other processes' commits
	if cfg.KafkaEnabled {
		reader, err := appkafka.NewFollowReader(kafkaCfg(cfg.KafkaEventsTopic), followFrom)
		if err != nil {
			log.Fatalf("Kafka events reader init failed: %v", err)
		}
		follower := worker.NewFollower(orch, reader)
		defer follower.Close()
		go follower.Run(ctx)
	}

	// Run application depending on selected mode
	switch mode {
	case "server":
		if cfg.JWTSecret == "" {
			log.Fatalf("JWT_SECRET must be set in server mode")
		}
		var commands appkafka.KafkaWriter
		if cfg.KafkaEnabled {
			w, err := appkafka.NewKafkaWriter(kafkaCfg(cfg.KafkaCommandsTopic))
			if err != nil {
				log.Fatalf("Kafka commands writer init failed: %v", err)
			}
			defer w.Close()
			commands = w
		}
		s := server.New(server.Options{
			Timelines:   orch,
			Graph:       g,
			Backends:    registry,
			Credentials: creds,
			Commands:    commands,
			Metrics:     collectors,
			JWTSecret:   cfg.JWTSecret,
			TokenTTL:    cfg.TokenTTL,
		})
		server.Run(ctx, s, cfg.ServerAddr, cfg.TLSCertFile, cfg.TLSKeyFile)
	case "worker":
		if !cfg.KafkaEnabled {
			log.Fatalf("worker mode needs Kafka (KAFKA_ENABLED=true)")
		}
		// Start the worker that reads sync commands from Kafka and runs them
		w := worker.New(orch, appkafka.NewKafkaReader(kafkaCfg(cfg.KafkaCommandsTopic)), cfg.WorkerCount, cfg.WorkerQueueSize)
		defer w.Close()
		w.Run(ctx)
	default:
		log.Fatalf("unknown mode: %s", mode)
	}

	log.Println("Shutdown completed")
}
