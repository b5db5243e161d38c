package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Thresholds tune change detection and may be reloaded at runtime.
type Thresholds struct {
	PriceChangePct       float64 `yaml:"price_change_pct"`
	VolumeSpikeFloor     float64 `yaml:"volume_spike_floor"`
	VolumeSpikeChangePct float64 `yaml:"volume_spike_change_pct"`
}

// Config holds service configuration. Values come from defaults, then the
// optional YAML file named by CONFIG_FILE, then environment variables.
type Config struct {
	Port      string `yaml:"port"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	RedisURL             string `yaml:"redis_url"`
	RedisAddr            string `yaml:"redis_addr"`
	RedisPassword        string `yaml:"redis_password"`
	RedisDB              int    `yaml:"redis_db"`
	RedisConnectAttempts int    `yaml:"redis_connect_attempts"`

	CacheTTL         time.Duration `yaml:"cache_ttl"`
	IdentityCacheTTL time.Duration `yaml:"identity_cache_ttl"`

	RateLimitMaxRequests int           `yaml:"rate_limit_max_requests"`
	RateLimitWindow      time.Duration `yaml:"rate_limit_window"`
	RetryMaxAttempts     int           `yaml:"retry_max_attempts"`
	RetryBaseDelay       time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay        time.Duration `yaml:"retry_max_delay"`

	RefreshInterval  time.Duration `yaml:"refresh_interval"`
	PageDefaultLimit int           `yaml:"page_default_limit"`
	PageMaxLimit     int           `yaml:"page_max_limit"`
	Thresholds       Thresholds    `yaml:"thresholds"`

	Providers            []string `yaml:"providers"`
	DexScreenerBaseURL   string   `yaml:"dexscreener_base_url"`
	GeckoTerminalBaseURL string   `yaml:"geckoterminal_base_url"`
	JupiterBaseURL       string   `yaml:"jupiter_base_url"`
	Network              string   `yaml:"network"`
	SearchTerms          []string `yaml:"search_terms"`
	NativeUSDPrice       float64  `yaml:"native_usd_price"`

	DatabaseURL string `yaml:"database_url"`
	ConfigFile  string `yaml:"-"`
}

var knownProviders = map[string]struct{}{
	"dexscreener":   {},
	"geckoterminal": {},
	"jupiter":       {},
}

func Defaults() Config {
	return Config{
		Port:                 "3000",
		LogLevel:             "info",
		LogFormat:            "json",
		RedisAddr:            "localhost:6379",
		RedisConnectAttempts: 3,
		CacheTTL:             30 * time.Second,
		IdentityCacheTTL:     60 * time.Second,
		RateLimitMaxRequests: 300,
		RateLimitWindow:      time.Minute,
		RetryMaxAttempts:     3,
		RetryBaseDelay:       time.Second,
		RetryMaxDelay:        10 * time.Second,
		RefreshInterval:      5 * time.Second,
		PageDefaultLimit:     20,
		PageMaxLimit:         100,
		Thresholds: Thresholds{
			PriceChangePct:       1,
			VolumeSpikeFloor:     1000,
			VolumeSpikeChangePct: 50,
		},
		Providers:      []string{"dexscreener", "geckoterminal"},
		Network:        "solana",
		SearchTerms:    []string{"SOL", "USDC", "meme", "WIF", "BONK"},
		NativeUSDPrice: 100,
	}
}

func Load() (Config, error) {
	cfg := Defaults()
	var validationErrs []string

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return cfg, err
		}
		cfg.ConfigFile = path
	}

	applyEnv(&cfg, &validationErrs)
	validationErrs = append(validationErrs, validate(cfg)...)

	if len(validationErrs) > 0 {
		return cfg, errors.New(strings.Join(validationErrs, "; "))
	}
	return cfg, nil
}

// LoadFile reads a YAML config on top of defaults without env overrides.
func LoadFile(path string) (Config, error) {
	cfg := Defaults()
	if err := applyFile(&cfg, path); err != nil {
		return cfg, err
	}
	cfg.ConfigFile = path
	if errs := validate(cfg); len(errs) > 0 {
		return cfg, errors.New(strings.Join(errs, "; "))
	}
	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config, errs *[]string) {
	cfg.Port = envDefault("PORT", cfg.Port)
	cfg.LogLevel = envDefault("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = envDefault("LOG_FORMAT", cfg.LogFormat)

	cfg.RedisURL = envDefault("REDIS_URL", cfg.RedisURL)
	if host, port := os.Getenv("REDIS_HOST"), os.Getenv("REDIS_PORT"); host != "" || port != "" {
		h, p, _ := strings.Cut(cfg.RedisAddr, ":")
		if host != "" {
			h = host
		}
		if port != "" {
			p = port
		}
		cfg.RedisAddr = h + ":" + p
	}
	cfg.RedisPassword = envDefault("REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RedisDB = envInt("REDIS_DB", cfg.RedisDB, errs)
	cfg.RedisConnectAttempts = envInt("REDIS_CONNECT_ATTEMPTS", cfg.RedisConnectAttempts, errs)

	cfg.CacheTTL = envDuration("CACHE_TTL_SECONDS", time.Second, cfg.CacheTTL, errs)
	cfg.IdentityCacheTTL = envDuration("IDENTITY_CACHE_TTL_SECONDS", time.Second, cfg.IdentityCacheTTL, errs)

	cfg.RateLimitMaxRequests = envInt("RATE_LIMIT_MAX_REQUESTS", cfg.RateLimitMaxRequests, errs)
	cfg.RateLimitWindow = envDuration("RATE_LIMIT_WINDOW_MS", time.Millisecond, cfg.RateLimitWindow, errs)
	cfg.RetryMaxAttempts = envInt("RETRY_MAX_ATTEMPTS", cfg.RetryMaxAttempts, errs)
	cfg.RetryBaseDelay = envDuration("RETRY_BASE_DELAY_MS", time.Millisecond, cfg.RetryBaseDelay, errs)
	cfg.RetryMaxDelay = envDuration("RETRY_MAX_DELAY_MS", time.Millisecond, cfg.RetryMaxDelay, errs)

	cfg.RefreshInterval = envDuration("REFRESH_INTERVAL_SECONDS", time.Second, cfg.RefreshInterval, errs)
	cfg.PageDefaultLimit = envInt("PAGE_DEFAULT_LIMIT", cfg.PageDefaultLimit, errs)
	cfg.PageMaxLimit = envInt("PAGE_MAX_LIMIT", cfg.PageMaxLimit, errs)

	cfg.Thresholds.PriceChangePct = envFloat("PRICE_CHANGE_THRESHOLD_PCT", cfg.Thresholds.PriceChangePct, errs)
	cfg.Thresholds.VolumeSpikeFloor = envFloat("VOLUME_SPIKE_FLOOR", cfg.Thresholds.VolumeSpikeFloor, errs)
	cfg.Thresholds.VolumeSpikeChangePct = envFloat("VOLUME_SPIKE_CHANGE_PCT", cfg.Thresholds.VolumeSpikeChangePct, errs)

	cfg.Providers = envList("PROVIDERS", cfg.Providers)
	cfg.DexScreenerBaseURL = envDefault("DEXSCREENER_BASE_URL", cfg.DexScreenerBaseURL)
	cfg.GeckoTerminalBaseURL = envDefault("GECKOTERMINAL_BASE_URL", cfg.GeckoTerminalBaseURL)
	cfg.JupiterBaseURL = envDefault("JUPITER_BASE_URL", cfg.JupiterBaseURL)
	cfg.Network = envDefault("NETWORK", cfg.Network)
	cfg.SearchTerms = envList("SEARCH_TERMS", cfg.SearchTerms)
	cfg.NativeUSDPrice = envFloat("NATIVE_USD_PRICE", cfg.NativeUSDPrice, errs)

	cfg.DatabaseURL = envDefault("DATABASE_URL", cfg.DatabaseURL)
}

func validate(cfg Config) []string {
	var errs []string
	requirePositive := func(name string, ok bool) {
		if !ok {
			errs = append(errs, name+" must be positive")
		}
	}

	requirePositive("CACHE_TTL_SECONDS", cfg.CacheTTL > 0)
	requirePositive("IDENTITY_CACHE_TTL_SECONDS", cfg.IdentityCacheTTL > 0)
	requirePositive("RATE_LIMIT_MAX_REQUESTS", cfg.RateLimitMaxRequests > 0)
	requirePositive("RATE_LIMIT_WINDOW_MS", cfg.RateLimitWindow > 0)
	requirePositive("RETRY_MAX_ATTEMPTS", cfg.RetryMaxAttempts > 0)
	requirePositive("REFRESH_INTERVAL_SECONDS", cfg.RefreshInterval > 0)
	requirePositive("PAGE_DEFAULT_LIMIT", cfg.PageDefaultLimit > 0)
	requirePositive("PAGE_MAX_LIMIT", cfg.PageMaxLimit > 0)
	requirePositive("NATIVE_USD_PRICE", cfg.NativeUSDPrice > 0)

	if cfg.PageDefaultLimit > cfg.PageMaxLimit {
		errs = append(errs, "PAGE_DEFAULT_LIMIT must not exceed PAGE_MAX_LIMIT")
	}
	if cfg.RetryMaxDelay < cfg.RetryBaseDelay {
		errs = append(errs, "RETRY_MAX_DELAY_MS must not be below RETRY_BASE_DELAY_MS")
	}
	if cfg.Thresholds.PriceChangePct < 0 {
		errs = append(errs, "PRICE_CHANGE_THRESHOLD_PCT must not be negative")
	}

	if len(cfg.Providers) == 0 {
		errs = append(errs, "PROVIDERS is required")
	}
	for _, name := range cfg.Providers {
		if _, ok := knownProviders[name]; !ok {
			errs = append(errs, fmt.Sprintf("unknown provider %q", name))
		}
	}
	return errs
}

func envDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int, errs *[]string) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, key+" must be an integer")
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64, errs *[]string) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*errs = append(*errs, key+" must be a number")
		return fallback
	}
	return f
}

// envDuration reads an integer count of unit.
func envDuration(key string, unit time.Duration, fallback time.Duration, errs *[]string) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, key+" must be an integer")
		return fallback
	}
	return time.Duration(n) * unit
}

func envList(key string, fallback []string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.ToLower(strings.TrimSpace(part)); part != "" {
			out = append(out, part)
		}
	}
	return out
}
