package app

import (
	"context"
	"fmt"
	"time"

	"docmind/pkg/ai"
	"docmind/pkg/billing"
	"docmind/pkg/catalog"
	"docmind/pkg/events"
	"docmind/pkg/extract"
	"docmind/pkg/queue"
	"docmind/pkg/router"
	"docmind/pkg/storage"
	"docmind/pkg/store"
)

// Config holds runtime configuration for the core application.
type Config struct {
	Store     store.Store
	Objects   storage.ObjectStore
	Queue     *queue.RedisJobQueue
	Client    ai.Client
	Catalog   *catalog.Catalog
	Events    events.Publisher
	Extractor ContentExtractor

	ChunkSize    int
	ChunkOverlap int
	TopK         int
	MaxTopK      int

	BudgetCeilingUSD float64
	BillingTier      billing.Tier

	EmbedConcurrency  int
	VisionConcurrency int
	ProviderTimeout   time.Duration
	QueueConcurrency  int
}

// ContentExtractor turns raw PDF bytes into chunks, images and metadata.
type ContentExtractor interface {
	Extract(docID string, data []byte) (*extract.Result, error)
}

// App wires storage, object storage, the job queue and the AI provider into
// the document pipeline and query engine.
type App struct {
	store     store.Store
	objects   storage.ObjectStore
	queue     *queue.RedisJobQueue
	client    ai.Client
	catalog   *catalog.Catalog
	router    *router.Router
	ledger    *billing.Ledger
	extractor ContentExtractor
	events    events.Publisher

	topK    int
	maxTopK int

	budgetCeiling float64
	tier          billing.Tier

	embedConcurrency  int
	visionConcurrency int
	providerTimeout   time.Duration
}

// New constructs the application. All dependencies are injected; nothing here
// reaches for package-level state.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store required")
	}
	if cfg.Objects == nil {
		return nil, fmt.Errorf("object store required")
	}
	if cfg.Client == nil {
		return nil, fmt.Errorf("ai client required")
	}
	if cfg.Catalog == nil {
		return nil, fmt.Errorf("model catalog required")
	}
	pub := cfg.Events
	if pub == nil {
		pub = events.NopPublisher{}
	}
	extractor := cfg.Extractor
	if extractor == nil {
		extractor = extract.New(cfg.ChunkSize, cfg.ChunkOverlap)
	}
	topK := cfg.TopK
	if topK <= 0 {
		topK = 6
	}
	maxTopK := cfg.MaxTopK
	if maxTopK < topK {
		maxTopK = topK
	}
	tier := cfg.BillingTier
	if tier == "" {
		tier = billing.TierStarter
	}
	embedConcurrency := cfg.EmbedConcurrency
	if embedConcurrency <= 0 {
		embedConcurrency = 4
	}
	visionConcurrency := cfg.VisionConcurrency
	if visionConcurrency <= 0 {
		visionConcurrency = 2
	}
	providerTimeout := cfg.ProviderTimeout
	if providerTimeout <= 0 {
		providerTimeout = time.Minute
	}

	a := &App{
		store:             cfg.Store,
		objects:           cfg.Objects,
		queue:             cfg.Queue,
		client:            cfg.Client,
		catalog:           cfg.Catalog,
		router:            router.New(cfg.Catalog, nil),
		ledger:            billing.New(cfg.Catalog, nil),
		extractor:         extractor,
		events:            pub,
		topK:              topK,
		maxTopK:           maxTopK,
		budgetCeiling:     cfg.BudgetCeilingUSD,
		tier:              tier,
		embedConcurrency:  embedConcurrency,
		visionConcurrency: visionConcurrency,
		providerTimeout:   providerTimeout,
	}
	return a, nil
}

// StartWorkers begins consuming process jobs from the queue.
func (a *App) StartWorkers(concurrency int) {
	if a.queue == nil {
		return
	}
	a.queue.Start(context.Background(), concurrency, a.process, a.jobExhausted)
}

// EstimateMonthly projects monthly platform cost for a subscription tier.
func (a *App) EstimateMonthly(tier billing.Tier) (billing.Estimate, error) {
	return a.ledger.EstimateMonthlyCost(tier, billing.DefaultReferenceData())
}
