package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

type APIConfig struct {
	Addr              string
	Env               string
	DatabaseURL       string
	RunMigrations     bool
	JWTSecret         string
	TokenTTL          time.Duration
	RequireInvite     bool
	RedisURL          string
	DiscordWebhookURL string
	MetricsAddr       string

	PredictionEnabled    bool
	GammaBaseURL         string
	ClobBaseURL          string
	QuoteSyncEvery       time.Duration
	ResolutionCheckEvery time.Duration
	WhitelistSlugs       []string

	PolygonAPIKey  string
	PolygonBaseURL string
	YahooBaseURL   string
	MaxLeverage    int64
	TradingTick    time.Duration

	AuctionSweepEvery time.Duration
	SwapRate          float64
}

type CLIConfig struct {
	APIBaseURL string
}

// fileConfig is the optional TOML overlay pointed to by AGON_CONFIG_FILE.
type fileConfig struct {
	Prediction struct {
		Markets []string `toml:"markets"`
	} `toml:"prediction"`
}

func (c APIConfig) Production() bool {
	return c.Env == "production"
}

func LoadAPIFromEnv() (APIConfig, error) {
	_ = godotenv.Load()

	addr := os.Getenv("PORT")
	if addr != "" {
		if !strings.HasPrefix(addr, ":") {
			addr = ":" + addr
		}
	} else {
		addr = envDefault("AGON_API_ADDR", ":8080")
	}

	env := envDefault("AGON_ENV", envDefault("NODE_ENV", "development"))

	cfg := APIConfig{
		Addr:              addr,
		Env:               strings.ToLower(env),
		DatabaseURL:       strings.TrimSpace(os.Getenv("DATABASE_URL")),
		RunMigrations:     envBoolDefault("AGON_RUN_MIGRATIONS", true),
		JWTSecret:         strings.TrimSpace(os.Getenv("JWT_SECRET")),
		TokenTTL:          envDurationDefault("AGON_TOKEN_TTL", 24*time.Hour),
		RequireInvite:     envBoolDefault("AGON_REQUIRE_INVITE", true),
		RedisURL:          strings.TrimSpace(os.Getenv("REDIS_URL")),
		DiscordWebhookURL: strings.TrimSpace(os.Getenv("DISCORD_WEBHOOK_URL")),
		MetricsAddr:       strings.TrimSpace(os.Getenv("AGON_METRICS_ADDR")),

		PredictionEnabled:    envBoolDefault("PREDICTION_ENABLED", true),
		GammaBaseURL:         strings.TrimRight(envDefault("POLYMARKET_GAMMA_URL", "https://gamma-api.polymarket.com"), "/"),
		ClobBaseURL:          strings.TrimRight(envDefault("POLYMARKET_CLOB_URL", "https://clob.polymarket.com"), "/"),
		QuoteSyncEvery:       envDurationDefault("AGON_QUOTE_SYNC_EVERY", 15*time.Second),
		ResolutionCheckEvery: envDurationDefault("AGON_RESOLUTION_CHECK_EVERY", 2*time.Minute),

		PolygonAPIKey:  strings.TrimSpace(os.Getenv("POLYGON_API_KEY")),
		PolygonBaseURL: strings.TrimRight(envDefault("POLYGON_BASE_URL", "https://api.polygon.io"), "/"),
		YahooBaseURL:   strings.TrimRight(envDefault("YAHOO_BASE_URL", "https://query1.finance.yahoo.com"), "/"),
		MaxLeverage:    envIntDefault("AGON_MAX_LEVERAGE", 20),
		TradingTick:    envDurationDefault("AGON_TRADING_TICK_EVERY", time.Minute),

		AuctionSweepEvery: envDurationDefault("AGON_AUCTION_SWEEP_EVERY", time.Minute),
		SwapRate:          envFloatDefault("AGON_SWAP_RATE", 1),
	}

	if path := strings.TrimSpace(os.Getenv("AGON_CONFIG_FILE")); path != "" {
		var fc fileConfig
		if _, err := toml.DecodeFile(path, &fc); err != nil {
			return cfg, fmt.Errorf("read config file %s: %w", path, err)
		}
		cfg.WhitelistSlugs = normalizeSlugs(fc.Prediction.Markets)
	}

	if cfg.DatabaseURL == "" {
		return cfg, fmt.Errorf("DATABASE_URL is required")
	}
	if len(cfg.JWTSecret) < 16 {
		return cfg, fmt.Errorf("JWT_SECRET is required (min 16 bytes)")
	}
	if cfg.SwapRate <= 0 {
		return cfg, fmt.Errorf("AGON_SWAP_RATE must be > 0")
	}
	if cfg.MaxLeverage < 1 {
		cfg.MaxLeverage = 1
	}
	return cfg, nil
}

func LoadCLIFromEnv() CLIConfig {
	_ = godotenv.Load()
	return CLIConfig{
		APIBaseURL: strings.TrimRight(envDefault("AGON_API_BASE_URL", "http://localhost:8080"), "/"),
	}
}

func normalizeSlugs(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func envDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envDurationDefault(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func envFloatDefault(key string, fallback float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envIntDefault(key string, fallback int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func envBoolDefault(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
