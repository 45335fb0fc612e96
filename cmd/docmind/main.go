package main

import (
	"log"
	"log/slog"
	"net/http"
	"time"

	"docmind/internal/app"
	"docmind/internal/auth"
	"docmind/internal/config"
	"docmind/internal/server"
	"docmind/internal/util"
	"docmind/pkg/ai"
	"docmind/pkg/billing"
	"docmind/pkg/catalog"
	"docmind/pkg/events"
	"docmind/pkg/queue"
	"docmind/pkg/storage"
	"docmind/pkg/store"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.InitLogger(cfg.LogLevel)

	cat, err := catalog.New(cfg.CatalogDescriptors())
	if err != nil {
		log.Fatalf("failed to build model catalog: %v", err)
	}

	dataStore, err := store.NewGormStore(cfg.DatabaseURL, store.WithEmbeddingDim(cfg.EmbeddingDim))
	if err != nil {
		log.Fatalf("failed to init postgres store: %v", err)
	}
	objects, err := storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
	if err != nil {
		log.Fatalf("failed to init object storage: %v", err)
	}
	jobQueue, err := queue.NewRedisJobQueue(queue.RedisQueueConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		Stream:   cfg.QueueStream,
		Group:    cfg.QueueGroup,
		Consumer: cfg.QueueConsumer,
	})
	if err != nil {
		log.Fatalf("failed to init job queue: %v", err)
	}

	var client ai.Client
	switch cfg.AIProvider {
	case "openai":
		client = ai.NewOpenAICompatClient(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey)
	default:
		gemini, err := ai.NewGeminiClient(cfg.GeminiAPIKey)
		if err != nil {
			log.Fatalf("failed to init gemini client: %v", err)
		}
		client = gemini
	}
	client = ai.NewLimitedClient(client, cfg.ProviderRPS, cfg.ProviderBurst)

	var publisher events.Publisher = events.NopPublisher{}
	if cfg.AMQPURL != "" {
		amqpPub, err := events.NewAMQPPublisher(cfg.AMQPURL, "")
		if err != nil {
			log.Fatalf("failed to init event publisher: %v", err)
		}
		defer amqpPub.Close()
		publisher = amqpPub
	}

	appCore, err := app.New(app.Config{
		Store:             dataStore,
		Objects:           objects,
		Queue:             jobQueue,
		Client:            client,
		Catalog:           cat,
		Events:            publisher,
		ChunkSize:         cfg.ChunkSize,
		ChunkOverlap:      cfg.ChunkOverlap,
		TopK:              cfg.TopK,
		MaxTopK:           cfg.MaxTopK,
		BudgetCeilingUSD:  cfg.BudgetCeilingUSD,
		BillingTier:       billing.Tier(cfg.BillingTier),
		EmbedConcurrency:  cfg.EmbedConcurrency,
		VisionConcurrency: cfg.VisionConcurrency,
		ProviderTimeout:   cfg.ProviderTimeout(),
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}
	appCore.StartWorkers(cfg.QueueConcurrency)

	leeway, err := config.ParseJWTLeeway(cfg.JWTLeeway)
	if err != nil {
		log.Fatalf("failed to parse jwt leeway: %v", err)
	}
	verifier, err := auth.NewVerifier(auth.Config{
		Secret:   cfg.JWTSecret,
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		Leeway:   leeway,
	})
	if err != nil {
		log.Fatalf("failed to init token verifier: %v", err)
	}

	httpServer, err := server.New(server.Config{
		App:                      appCore,
		Verifier:                 verifier,
		RedisAddr:                cfg.RedisAddr,
		RedisPassword:            cfg.RedisPassword,
		MaxUploadBytes:           cfg.MaxUploadBytes,
		UploadRateLimitPerMinute: cfg.UploadRateLimitPerMinute,
		QueryRateLimitPerMinute:  cfg.QueryRateLimitPerMinute,
	})
	if err != nil {
		log.Fatalf("failed to init http server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}
