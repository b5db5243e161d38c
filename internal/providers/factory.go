package providers

import (
	"strings"
	"time"

	"go.uber.org/zap"

	"token-aggregator/internal/config"
	"token-aggregator/internal/ratelimit"
	"token-aggregator/internal/retry"
	"token-aggregator/internal/telemetry"
)

// NewFromConfig builds one Source per configured provider, in configured
// order. Each source gets its own rate limiter.
func NewFromConfig(cfg config.Config, logger *zap.Logger, metrics *telemetry.Metrics) []Source {
	converter := FixedRate(cfg.NativeUSDPrice)
	policy := retry.Policy{
		MaxAttempts: cfg.RetryMaxAttempts,
		BaseDelay:   cfg.RetryBaseDelay,
		Factor:      2,
		MaxDelay:    cfg.RetryMaxDelay,
	}

	sources := make([]Source, 0, len(cfg.Providers))
	for _, name := range cfg.Providers {
		name = strings.TrimSpace(strings.ToLower(name))
		opts := Options{
			Network:     cfg.Network,
			SearchTerms: cfg.SearchTerms,
			Limiter:     ratelimit.New(cfg.RateLimitMaxRequests, cfg.RateLimitWindow),
			Retry:       policy,
			Converter:   converter,
			Logger:      logger,
			Metrics:     metrics,
			Now:         time.Now,
		}

		switch name {
		case DexScreenerName:
			opts.BaseURL = cfg.DexScreenerBaseURL
			sources = append(sources, NewDexScreener(opts))
		case GeckoTerminalName:
			opts.BaseURL = cfg.GeckoTerminalBaseURL
			sources = append(sources, NewGeckoTerminal(opts))
		case JupiterName:
			opts.BaseURL = cfg.JupiterBaseURL
			sources = append(sources, NewJupiter(opts))
		default:
			sources = append(sources, NewMissingSource(name))
		}
	}
	return sources
}
