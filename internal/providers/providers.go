package providers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"token-aggregator/internal/logging"
	"token-aggregator/internal/market"
	"token-aggregator/internal/ratelimit"
	"token-aggregator/internal/retry"
	"token-aggregator/internal/telemetry"
)

// Source is one upstream market-data provider. Implementations normalize
// provider payloads into market.AssetRecord and never return partially
// populated records: missing fields take their defaults.
type Source interface {
	Name() string
	FetchTrending(ctx context.Context) ([]market.AssetRecord, error)
	// FetchByIdentity reports false with a nil error when the provider
	// does not know the asset.
	FetchByIdentity(ctx context.Context, id string) (market.AssetRecord, bool, error)
	Search(ctx context.Context, query string) ([]market.AssetRecord, error)
}

// Options configure one provider client.
type Options struct {
	BaseURL     string
	Network     string
	SearchTerms []string
	Limiter     *ratelimit.Limiter
	Retry       retry.Policy
	Converter   QuoteConverter
	HTTPClient  *http.Client
	Logger      *zap.Logger
	Metrics     *telemetry.Metrics
	Now         func() time.Time
}

func (o Options) withDefaults(defaultBaseURL string) Options {
	o.BaseURL = strings.TrimRight(o.BaseURL, "/")
	if o.BaseURL == "" {
		o.BaseURL = defaultBaseURL
	}
	if o.Network == "" {
		o.Network = "solana"
	}
	if o.Limiter == nil {
		o.Limiter = ratelimit.New(300, time.Minute)
	}
	if o.Retry.MaxAttempts == 0 {
		o.Retry = retry.DefaultPolicy()
	}
	if o.Converter == nil {
		o.Converter = FixedRate(DefaultNativeUSDPrice)
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// guard wraps every outbound call in the provider's rate limiter and retry
// executor. Each attempt consumes a limiter slot.
type guard struct {
	provider string
	limiter  *ratelimit.Limiter
	executor *retry.Executor
	logger   *zap.Logger
	metrics  *telemetry.Metrics
}

func newGuard(provider string, opts Options) *guard {
	g := &guard{
		provider: provider,
		limiter:  opts.Limiter,
		executor: retry.New(opts.Retry),
		logger:   logging.Component(opts.Logger, "provider").With(zap.String("provider", provider)),
		metrics:  opts.Metrics,
	}
	g.executor.OnRetry = func(attempt int, delay time.Duration, err error) {
		g.metrics.ProviderRetry(provider)
		g.logger.Debug("retrying request",
			zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))
	}
	return g
}

func (g *guard) call(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	err := g.executor.Run(ctx, func(ctx context.Context) error {
		started := time.Now()
		if err := g.limiter.Acquire(ctx); err != nil {
			return err
		}
		g.metrics.RateLimitWait(g.provider, time.Since(started))
		g.metrics.ProviderRequest(g.provider, operation)
		return fn(ctx)
	}, retry.IsRetryable)
	if err != nil && !errors.Is(err, context.Canceled) {
		g.metrics.ProviderFailure(g.provider, operation, retry.Classify(err).String())
		g.logger.Warn("request failed", zap.String("op", operation), zap.Error(err))
	}
	return err
}

func isNotFound(err error) bool {
	var statusErr *retry.StatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound
}

func normalizeIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func orUnknown(s string) string {
	if s = strings.TrimSpace(s); s == "" {
		return market.Unknown
	}
	return s
}
