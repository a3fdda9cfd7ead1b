package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Payment PaymentConfig `yaml:"payment"`
	Storage StorageConfig `yaml:"storage"`
	Redis   RedisConfig   `yaml:"redis"`
	Market  MarketConfig  `yaml:"market"`
	Engine  EngineConfig  `yaml:"engine"`
	Events  EventsConfig  `yaml:"events"`
}

type ServerConfig struct {
	Port           string `yaml:"port"`
	Env            string `yaml:"env"`
	ReadTimeoutMs  int    `yaml:"read_timeout_ms"`
	WriteTimeoutMs int    `yaml:"write_timeout_ms"`
	RateLimitRPS   int    `yaml:"rate_limit_rps"`
	RateLimitBurst int    `yaml:"rate_limit_burst"`
	AllowedOrigin  string `yaml:"allowed_origin"`
}

// PaymentConfig describes the single paid resource and the facilitator that
// verifies and settles payments for it.
type PaymentConfig struct {
	Network           string `yaml:"network"`
	TreasuryAddress   string `yaml:"treasury_address"`
	FacilitatorURL    string `yaml:"facilitator_url"`
	AssetAddress      string `yaml:"asset_address"`
	AssetDecimals     int    `yaml:"asset_decimals"`
	PriceMicroUnits   int64  `yaml:"price_micro_units"`
	Resource          string `yaml:"resource"`
	Description       string `yaml:"description"`
	MaxTimeoutSeconds int    `yaml:"max_timeout_seconds"`
	TimeoutMs         int    `yaml:"timeout_ms"`
	// IdempotencyBackend is "memory" or "redis".
	IdempotencyBackend string `yaml:"idempotency_backend"`
	IdempotencyTTLSecs int    `yaml:"idempotency_ttl_seconds"`
}

type StorageConfig struct {
	// Backend is "sqlite", "postgres" or "memory".
	Backend     string `yaml:"backend"`
	DatabaseURL string `yaml:"database_url"`
	SQLitePath  string `yaml:"sqlite_path"`
	// ReputationBackend overrides Backend for reputation only ("spanner" is
	// accepted here and nowhere else).
	ReputationBackend string        `yaml:"reputation_backend"`
	Spanner           SpannerConfig `yaml:"spanner"`
	TimeoutMs         int           `yaml:"timeout_ms"`
}

type SpannerConfig struct {
	Project  string `yaml:"project"`
	Instance string `yaml:"instance"`
	Database string `yaml:"database"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type MarketConfig struct {
	HermesURL    string             `yaml:"hermes_url"`
	FearGreedURL string             `yaml:"fear_greed_url"`
	PriceTTLMs   int                `yaml:"price_ttl_ms"`
	ContextTTLMs int                `yaml:"context_ttl_ms"`
	TimeoutMs    int                `yaml:"timeout_ms"`
	Pairs        []string           `yaml:"pairs"`
	PriceFeeds   map[string]string  `yaml:"price_feeds"`
	StaticPrices map[string]float64 `yaml:"static_prices"`
}

type EngineConfig struct {
	HuggingFaceAPIKey string `yaml:"huggingface_api_key"`
	Endpoint          string `yaml:"endpoint"`
	Model             string `yaml:"model"`
	TimeoutMs         int    `yaml:"timeout_ms"`
}

type EventsConfig struct {
	// Backend is "memory", "redis" or "pubsub".
	Backend   string `yaml:"backend"`
	ProjectID string `yaml:"project_id"`
	TopicID   string `yaml:"topic_id"`
	// RedisChannel carries events between instances when Backend is "redis".
	RedisChannel string `yaml:"redis_channel"`
}

// Default returns the configuration used when no file or environment
// override is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           "3001",
			Env:            "development",
			ReadTimeoutMs:  15000,
			WriteTimeoutMs: 30000,
			RateLimitRPS:   5,
			RateLimitBurst: 10,
			AllowedOrigin:  "*",
		},
		Payment: PaymentConfig{
			Network:            "solana-devnet",
			FacilitatorURL:     "https://facilitator.payai.network",
			AssetAddress:       "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU",
			AssetDecimals:      6,
			PriceMicroUnits:    10000,
			Resource:           "/api/signals",
			Description:        "Trading signal request",
			MaxTimeoutSeconds:  60,
			TimeoutMs:          10000,
			IdempotencyBackend: "memory",
			IdempotencyTTLSecs: 24 * 60 * 60,
		},
		Storage: StorageConfig{
			Backend:    "sqlite",
			SQLitePath: "signals.db",
			TimeoutMs:  5000,
		},
		Market: MarketConfig{
			HermesURL:    "https://hermes.pyth.network",
			FearGreedURL: "https://api.alternative.me/fng/",
			PriceTTLMs:   5000,
			ContextTTLMs: 5 * 60 * 1000,
			TimeoutMs:    5000,
			Pairs:        []string{"BTC/USD", "ETH/USD", "SOL/USD", "USDC/USD"},
			PriceFeeds: map[string]string{
				"BTC/USD":  "e62df6c8b4a85fe1a67db44dc12de5db330f7ac66b72dc658afedf0f4a415b43",
				"ETH/USD":  "ff61491a931112ddf1bd8147cd1b641375f79f5825126d665480874634fd0ace",
				"SOL/USD":  "ef0d8b6fda2ceba41da15d4095d1da392a0d2f8ed0c6c7bc0f4cfac8c280b56d",
				"USDC/USD": "eaa020c61cc479712813461ce153894a96a6c00b21ed0cfc2798d1f9a9e9c94a",
			},
		},
		Engine: EngineConfig{
			Endpoint:  "https://api-inference.huggingface.co/models",
			Model:     "mistralai/Mistral-7B-Instruct-v0.2",
			TimeoutMs: 20000,
		},
		Events: EventsConfig{
			Backend:      "memory",
			TopicID:      "signal-events",
			RedisChannel: "incrypt:events",
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cfg := Default()
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	return cfg, nil
}

// Load reads the optional YAML file at path, applies environment overrides
// and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		loaded, err := LoadConfig(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	ApplyEnv(cfg, os.Getenv)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays environment variables on cfg. getenv is injected so tests
// do not touch the process environment.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	setString := func(dst *string, key string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(dst *int, key string) {
		if v := getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	setString(&cfg.Server.Port, "PORT")
	setString(&cfg.Server.Env, "NODE_ENV")
	setString(&cfg.Server.AllowedOrigin, "CORS_ORIGIN")

	if v := getenv("SOLANA_NETWORK"); v != "" {
		if v == "mainnet" || v == "solana" {
			cfg.Payment.Network = "solana"
		} else {
			cfg.Payment.Network = "solana-devnet"
		}
	}
	setString(&cfg.Payment.TreasuryAddress, "TREASURY_WALLET_ADDRESS")
	setString(&cfg.Payment.FacilitatorURL, "FACILITATOR_URL")
	setString(&cfg.Payment.AssetAddress, "USDC_MINT_ADDRESS")
	if v := getenv("SIGNAL_PRICE_MICRO_USDC"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Payment.PriceMicroUnits = n
		}
	}
	setString(&cfg.Payment.IdempotencyBackend, "PAYMENT_IDEMPOTENCY_BACKEND")

	setString(&cfg.Storage.Backend, "STORAGE_BACKEND")
	setString(&cfg.Storage.DatabaseURL, "DATABASE_URL")
	setString(&cfg.Storage.SQLitePath, "SQLITE_PATH")
	setString(&cfg.Storage.ReputationBackend, "REPUTATION_BACKEND")
	setString(&cfg.Storage.Spanner.Project, "SPANNER_PROJECT_ID")
	setString(&cfg.Storage.Spanner.Instance, "SPANNER_INSTANCE_ID")
	setString(&cfg.Storage.Spanner.Database, "SPANNER_DATABASE_ID")
	// A bare DATABASE_URL selects postgres.
	if getenv("DATABASE_URL") != "" && getenv("STORAGE_BACKEND") == "" {
		cfg.Storage.Backend = "postgres"
	}

	setString(&cfg.Redis.Addr, "REDIS_ADDR")
	setString(&cfg.Redis.Password, "REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "REDIS_DB")

	setString(&cfg.Market.HermesURL, "PYTH_HERMES_URL")
	if v := getenv("SIGNAL_PAIRS"); v != "" {
		cfg.Market.Pairs = splitList(v)
	}

	setString(&cfg.Engine.HuggingFaceAPIKey, "HUGGINGFACE_API_KEY")
	setString(&cfg.Engine.Model, "HUGGINGFACE_MODEL")

	setString(&cfg.Events.Backend, "EVENTS_BACKEND")
	setString(&cfg.Events.ProjectID, "PUBSUB_PROJECT_ID")
	setString(&cfg.Events.TopicID, "PUBSUB_TOPIC_ID")
	setString(&cfg.Events.RedisChannel, "EVENTS_REDIS_CHANNEL")
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	if c.Payment.PriceMicroUnits <= 0 {
		return fmt.Errorf("payment.price_micro_units must be positive, got %d", c.Payment.PriceMicroUnits)
	}
	if c.Payment.AssetAddress == "" {
		return fmt.Errorf("payment.asset_address is required")
	}
	if c.Payment.AssetDecimals < 0 || c.Payment.AssetDecimals > 18 {
		return fmt.Errorf("payment.asset_decimals out of range: %d", c.Payment.AssetDecimals)
	}
	switch c.Payment.IdempotencyBackend {
	case "memory", "":
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis idempotency backend requires redis.addr")
		}
	default:
		return fmt.Errorf("unknown payment.idempotency_backend: %s", c.Payment.IdempotencyBackend)
	}

	switch c.Storage.Backend {
	case "sqlite", "memory":
	case "postgres":
		if c.Storage.DatabaseURL == "" {
			return fmt.Errorf("postgres storage requires DATABASE_URL")
		}
	default:
		return fmt.Errorf("unknown storage.backend: %s", c.Storage.Backend)
	}
	if c.Storage.ReputationBackend == "spanner" {
		sp := c.Storage.Spanner
		if sp.Project == "" || sp.Instance == "" || sp.Database == "" {
			return fmt.Errorf("spanner configuration incomplete")
		}
	}

	switch c.Events.Backend {
	case "memory", "":
	case "redis":
		if c.Redis.Addr == "" || c.Events.RedisChannel == "" {
			return fmt.Errorf("redis events require redis.addr and events.redis_channel")
		}
	case "pubsub":
		if c.Events.ProjectID == "" || c.Events.TopicID == "" {
			return fmt.Errorf("pubsub events require project_id and topic_id")
		}
	default:
		return fmt.Errorf("unknown events.backend: %s", c.Events.Backend)
	}

	if len(c.Market.Pairs) == 0 {
		return fmt.Errorf("market.pairs must list at least one symbol")
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
