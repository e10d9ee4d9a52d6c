package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gorm.io/gorm"

	"ainp/antifraud"
	"ainp/config"
	"ainp/crypto"
	"ainp/discovery"
	"ainp/ledger"
	"ainp/mailbox"
	"ainp/negotiation"
	"ainp/observability/logging"
	"ainp/observability/otel"
	"ainp/payments"
	"ainp/pipeline"
	"ainp/push"
	"ainp/receipts"
	"ainp/reputation"
	"ainp/router"
	"ainp/rpc"
	"ainp/sched"
	"ainp/storage"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "keygen" {
		runKeygen()
		return
	}

	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}
	logger := logging.Setup("ainpd", cfg.Environment)

	db, err := storage.Open(cfg.DatabaseURL)
	if err != nil {
		panic(fmt.Sprintf("Failed to open database: %v", err))
	}
	if err := migrate(db); err != nil {
		panic(fmt.Sprintf("Failed to migrate schema: %v", err))
	}

	var store antifraud.Store
	if cfg.RedisAddr != "" {
		store = antifraud.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	} else {
		logger.Warn("no redis configured, anti-fraud state is process-local")
		store = antifraud.NewMemoryStore()
	}

	var embedder discovery.Embedder
	if cfg.Discovery.EmbeddingEndpoint != "" {
		embedder = discovery.NewHTTPEmbedder(cfg.Discovery.EmbeddingEndpoint, cfg.Discovery.EmbeddingModel, os.Getenv("EMBEDDING_API_KEY"))
	} else {
		logger.Warn("no embedding endpoint configured, using local hash embedder")
		embedder = discovery.HashEmbedder{Dim: cfg.Discovery.EmbeddingDim}
	}

	contacts := antifraud.NewContactStore(db)
	cache := antifraud.NewCache(store, contacts, cfg.AntiFraud, cfg.Features, logger)
	credits := ledger.New(db, logger)
	rep := reputation.NewEngine(db, cfg.Reputation, logger)
	index := discovery.NewIndex(db, cfg.Discovery, cfg.Features, rep, embedder, logger)
	mail := mailbox.NewStore(db, logger)
	receiptEngine := receipts.NewEngine(db, index, rep, cfg.Receipts, logger)
	negotiationEngine := negotiation.NewEngine(db, credits, receiptEngine, rep, cfg.Negotiation, cfg.CreditUnitScale, logger)
	paymentService := payments.NewService(db, credits, cfg.Payments.WebhookSecrets, cfg.Payments.BaseURL, logger)
	hub := push.NewHub(cfg.PushQueueDepth, logger)
	pipe := pipeline.New(cfg.Features, cfg.AntiFraud, cfg.RateLimit, cache, credits, logger)
	route := router.New(index, embedder, mail, contacts, cfg.Discovery, logger)
	route.SetNotifier(hub)

	server := rpc.NewServer(rpc.Deps{
		Config:      cfg,
		DB:          db,
		Cache:       cache,
		Pipeline:    pipe,
		Router:      route,
		Mailbox:     mail,
		Index:       index,
		Embedder:    embedder,
		Ledger:      credits,
		Negotiation: negotiationEngine,
		Receipts:    receiptEngine,
		Reputation:  rep,
		Payments:    paymentService,
		Hub:         hub,
		Log:         logger,
	})

	scheduler := sched.New(logger)
	if cfg.Features.Finalizer {
		scheduler.Add(sched.Job{
			Name:     "receipt_finalizer",
			Interval: cfg.Receipts.FinalizerInterval(),
			Run: func(ctx context.Context) error {
				_, err := receiptEngine.FinalizeSweep(ctx)
				return err
			},
		})
	}
	if cfg.Features.UsefulnessAggregation {
		scheduler.Add(sched.Job{
			Name:     "usefulness_aggregator",
			Interval: cfg.Reputation.AggregatorInterval(),
			Run: func(ctx context.Context) error {
				_, err := rep.AggregateUsefulness(ctx)
				return err
			},
		})
	}
	scheduler.Add(sched.Job{
		Name:     "agent_expiry",
		Interval: cfg.ExpiryInterval(),
		Run: func(ctx context.Context) error {
			_, err := index.ExpireAgents(ctx)
			return err
		},
	})
	scheduler.Add(sched.Job{
		Name:     "negotiation_expiry",
		Interval: cfg.ExpiryInterval(),
		Run: func(ctx context.Context) error {
			_, err := negotiationEngine.ExpireSweep(ctx)
			return err
		},
	})
	scheduler.Add(sched.Job{
		Name:     "payment_expiry",
		Interval: cfg.ExpiryInterval(),
		Run: func(ctx context.Context) error {
			_, err := paymentService.ExpireSweep(ctx)
			return err
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Features.Tracing {
		if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
			shutdown, err := otel.Init(ctx, otel.Config{
				ServiceName: "ainpd",
				Environment: cfg.Environment,
				Endpoint:    endpoint,
				Insecure:    os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true",
				Headers:     otel.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
			})
			if err != nil {
				logger.Error("telemetry init failed", slog.String("error", err.Error()))
			} else {
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					if err := shutdown(shutdownCtx); err != nil {
						logger.Warn("telemetry shutdown", slog.String("error", err.Error()))
					}
				}()
			}
		}
	}

	scheduler.Start(ctx)
	logger.Info("broker listening", slog.String("address", cfg.ListenAddress))
	if err := server.ListenAndServe(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server stopped", slog.String("error", err.Error()))
	}
	scheduler.Wait()
	logger.Info("broker stopped")
}

func migrate(db *gorm.DB) error {
	for _, fn := range []func(*gorm.DB) error{
		ledger.AutoMigrate,
		discovery.AutoMigrate,
		reputation.AutoMigrate,
		receipts.AutoMigrate,
		negotiation.AutoMigrate,
		mailbox.AutoMigrate,
		payments.AutoMigrate,
		antifraud.AutoMigrateContacts,
	} {
		if err := fn(db); err != nil {
			return err
		}
	}
	return nil
}

// runKeygen prints a fresh agent identity to stdout.
func runKeygen() {
	kp, err := crypto.GenerateKeypair()
	if err != nil {
		panic(fmt.Sprintf("Failed to generate keypair: %v", err))
	}
	out := map[string]string{
		"did":         kp.DID,
		"public_key":  base64.StdEncoding.EncodeToString(kp.Public),
		"private_key": base64.StdEncoding.EncodeToString(kp.Private),
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		panic(err)
	}
}
