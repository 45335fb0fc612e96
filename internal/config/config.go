package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"docmind/pkg/catalog"
)

// ConfigPath is the default config file location.
const ConfigPath = "config.yaml"

// ModelEntry is one catalog model described in YAML.
type ModelEntry struct {
	ID               string   `yaml:"id"`
	Provider         string   `yaml:"provider"`
	InputPrice       float64  `yaml:"inputPrice"`
	CachedInputPrice float64  `yaml:"cachedInputPrice"`
	OutputPrice      float64  `yaml:"outputPrice"`
	ContextTokens    int      `yaml:"contextTokens"`
	Capabilities     []string `yaml:"capabilities"`
	Quality          int      `yaml:"quality"`
	Speed            int      `yaml:"speed"`
}

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"logLevel"`

	DatabaseURL  string `yaml:"databaseURL"`
	EmbeddingDim int    `yaml:"embeddingDim"`

	RedisAddr        string `yaml:"redisAddr"`
	RedisPassword    string `yaml:"redisPassword"`
	QueueStream      string `yaml:"queueStream"`
	QueueGroup       string `yaml:"queueGroup"`
	QueueConsumer    string `yaml:"queueConsumer"`
	QueueConcurrency int    `yaml:"queueConcurrency"`

	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`

	AMQPURL string `yaml:"amqpURL"`

	JWTSecret   string `yaml:"jwtSecret"`
	JWTIssuer   string `yaml:"jwtIssuer"`
	JWTAudience string `yaml:"jwtAudience"`
	JWTLeeway   string `yaml:"jwtLeeway"`

	MaxUploadBytes           int64 `yaml:"maxUploadBytes"`
	UploadRateLimitPerMinute int   `yaml:"uploadRateLimitPerMinute"`
	QueryRateLimitPerMinute  int   `yaml:"queryRateLimitPerMinute"`

	ChunkSize    int `yaml:"chunkSize"`
	ChunkOverlap int `yaml:"chunkOverlap"`
	TopK         int `yaml:"topK"`
	MaxTopK      int `yaml:"maxTopK"`

	AIProvider             string  `yaml:"aiProvider"`
	GeminiAPIKey           string  `yaml:"geminiAPIKey"`
	GeminiBaseURL          string  `yaml:"geminiBaseURL"`
	OpenAIBaseURL          string  `yaml:"openaiBaseURL"`
	OpenAIAPIKey           string  `yaml:"openaiAPIKey"`
	ProviderRPS            float64 `yaml:"providerRPS"`
	ProviderBurst          int     `yaml:"providerBurst"`
	ProviderTimeoutSeconds int     `yaml:"providerTimeoutSeconds"`
	EmbedConcurrency       int     `yaml:"embedConcurrency"`
	VisionConcurrency      int     `yaml:"visionConcurrency"`

	BudgetCeilingUSD float64 `yaml:"budgetCeilingUSD"`
	BillingTier      string  `yaml:"billingTier"`

	Models []ModelEntry `yaml:"models"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&cfg)
	if v := os.Getenv("DOCMIND_PORT"); v != "" {
		cfg.Port = strings.TrimSpace(v)
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.MinioEndpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.MinioAccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.MinioSecretKey = v
	}
	if v := os.Getenv("MINIO_BUCKET"); v != "" {
		cfg.MinioBucket = v
	}
	if v := os.Getenv("AMQP_URL"); v != "" {
		cfg.AMQPURL = v
	}
	if v := os.Getenv("DOCMIND_JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	if v := os.Getenv("JWT_ISSUER"); v != "" {
		cfg.JWTIssuer = v
	}
	if v := os.Getenv("JWT_AUDIENCE"); v != "" {
		cfg.JWTAudience = v
	}
	if v := os.Getenv("JWT_LEEWAY"); v != "" {
		cfg.JWTLeeway = v
	}
	if v := os.Getenv("DOCMIND_MAX_UPLOAD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxUploadBytes = n
		}
	}
	if v := os.Getenv("DOCMIND_UPLOAD_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.UploadRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("DOCMIND_QUERY_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.QueryRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("DOCMIND_CHUNK_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ChunkSize = n
		}
	}
	if v := os.Getenv("DOCMIND_CHUNK_OVERLAP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ChunkOverlap = n
		}
	}
	if v := os.Getenv("DOCMIND_TOP_K"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.TopK = n
		}
	}
	if v := os.Getenv("DOCMIND_AI_PROVIDER"); v != "" {
		cfg.AIProvider = strings.TrimSpace(v)
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		cfg.GeminiAPIKey = v
	}
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
		cfg.OpenAIBaseURL = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.OpenAIAPIKey = v
	}
	if v := os.Getenv("DOCMIND_BUDGET_CEILING_USD"); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			cfg.BudgetCeilingUSD = f
		}
	}
	if v := os.Getenv("DOCMIND_BILLING_TIER"); v != "" {
		cfg.BillingTier = strings.TrimSpace(v)
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *FileConfig) {
	if cfg.QueueStream == "" {
		cfg.QueueStream = "docmind:jobs:process"
	}
	if cfg.QueueGroup == "" {
		cfg.QueueGroup = "docmind-workers"
	}
	if cfg.QueueConsumer == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "worker-1"
		}
		cfg.QueueConsumer = host
	}
	if cfg.EmbeddingDim == 0 {
		cfg.EmbeddingDim = 768
	}
	if cfg.QueueConcurrency == 0 {
		cfg.QueueConcurrency = 2
	}
	if cfg.MaxUploadBytes == 0 {
		cfg.MaxUploadBytes = 50 << 20
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = 800
	}
	if cfg.ChunkOverlap == 0 {
		cfg.ChunkOverlap = 120
	}
	if cfg.TopK == 0 {
		cfg.TopK = 6
	}
	if cfg.MaxTopK == 0 {
		cfg.MaxTopK = 20
	}
	if cfg.ProviderRPS == 0 {
		cfg.ProviderRPS = 5
	}
	if cfg.ProviderBurst == 0 {
		cfg.ProviderBurst = 10
	}
	if cfg.ProviderTimeoutSeconds == 0 {
		cfg.ProviderTimeoutSeconds = 60
	}
	if cfg.EmbedConcurrency == 0 {
		cfg.EmbedConcurrency = 4
	}
	if cfg.VisionConcurrency == 0 {
		cfg.VisionConcurrency = 2
	}
	if cfg.BillingTier == "" {
		cfg.BillingTier = "starter"
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: redisAddr is required for the job queue and rate limiting")
	}
	if strings.TrimSpace(cfg.MinioEndpoint) == "" || strings.TrimSpace(cfg.MinioBucket) == "" {
		return errors.New("config: minioEndpoint and minioBucket are required")
	}
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		return errors.New("config: jwtSecret is required (set in config.yaml or DOCMIND_JWT_SECRET)")
	}
	if cfg.ChunkSize <= 0 || cfg.ChunkOverlap < 0 || cfg.ChunkOverlap >= cfg.ChunkSize {
		return errors.New("config: chunkOverlap must be >= 0 and < chunkSize")
	}
	if cfg.TopK <= 0 || cfg.MaxTopK < cfg.TopK {
		return errors.New("config: topK must be > 0 and <= maxTopK")
	}
	if cfg.UploadRateLimitPerMinute < 0 || cfg.QueryRateLimitPerMinute < 0 {
		return errors.New("config: rate limits must be >= 0")
	}
	switch cfg.AIProvider {
	case "gemini", "openai":
	default:
		return fmt.Errorf("config: aiProvider must be gemini or openai, got %q", cfg.AIProvider)
	}
	if cfg.AIProvider == "openai" && strings.TrimSpace(cfg.OpenAIBaseURL) == "" {
		return errors.New("config: openaiBaseURL is required when aiProvider is openai")
	}
	if cfg.BudgetCeilingUSD < 0 {
		return errors.New("config: budgetCeilingUSD must be >= 0")
	}
	switch cfg.BillingTier {
	case "starter", "pro", "business":
	default:
		return fmt.Errorf("config: billingTier must be starter, pro or business, got %q", cfg.BillingTier)
	}
	if len(cfg.Models) == 0 {
		return errors.New("config: at least one model entry is required")
	}
	return nil
}

// CatalogDescriptors converts the YAML model entries into catalog descriptors.
func (c FileConfig) CatalogDescriptors() []catalog.Descriptor {
	out := make([]catalog.Descriptor, 0, len(c.Models))
	for _, m := range c.Models {
		caps := make([]catalog.Capability, 0, len(m.Capabilities))
		for _, tag := range m.Capabilities {
			caps = append(caps, catalog.Capability(strings.TrimSpace(tag)))
		}
		out = append(out, catalog.Descriptor{
			ID:               m.ID,
			Provider:         m.Provider,
			InputPrice:       m.InputPrice,
			CachedInputPrice: m.CachedInputPrice,
			OutputPrice:      m.OutputPrice,
			ContextTokens:    m.ContextTokens,
			Capabilities:     caps,
			Quality:          m.Quality,
			Speed:            m.Speed,
		})
	}
	return out
}

// ParseJWTLeeway parses the optional JWT leeway duration string.
func ParseJWTLeeway(leewayStr string) (time.Duration, error) {
	if leewayStr == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(leewayStr)
	if err != nil {
		return 0, fmt.Errorf("invalid jwtLeeway duration: %w", err)
	}
	return dur, nil
}

// ProviderTimeout returns the per-call provider timeout.
func (c FileConfig) ProviderTimeout() time.Duration {
	return time.Duration(c.ProviderTimeoutSeconds) * time.Second
}
