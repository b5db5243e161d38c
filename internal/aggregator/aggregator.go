package aggregator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"token-aggregator/internal/logging"
	"token-aggregator/internal/market"
	"token-aggregator/internal/providers"
	"token-aggregator/internal/query"
	"token-aggregator/internal/telemetry"
)

const (
	DefaultSnapshotKey = "tokens:all"
	identityKeyPrefix  = "token:"
	searchKeyPrefix    = "search:"
)

// Cache is the subset of the cache store the aggregator needs.
type Cache interface {
	GetJSON(ctx context.Context, key string, dst any) bool
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration)
	Del(ctx context.Context, key string)
	Flush(ctx context.Context)
}

type Options struct {
	SnapshotTTL time.Duration
	IdentityTTL time.Duration
	SnapshotKey string
}

// Aggregator fans requests out to every source, merges the results and
// caches them. Provider failures are absorbed: a source that fails simply
// contributes nothing.
type Aggregator struct {
	sources []providers.Source
	cache   Cache
	opts    Options
	logger  *zap.Logger
	metrics *telemetry.Metrics
	now     func() time.Time
}

func New(sources []providers.Source, cache Cache, opts Options, logger *zap.Logger, metrics *telemetry.Metrics) (*Aggregator, error) {
	if len(sources) == 0 {
		return nil, errors.New("aggregator: at least one source is required")
	}
	if cache == nil {
		return nil, errors.New("aggregator: cache is required")
	}
	if opts.SnapshotTTL <= 0 {
		opts.SnapshotTTL = 30 * time.Second
	}
	if opts.IdentityTTL <= 0 {
		opts.IdentityTTL = 60 * time.Second
	}
	if opts.SnapshotKey == "" {
		opts.SnapshotKey = DefaultSnapshotKey
	}
	return &Aggregator{
		sources: sources,
		cache:   cache,
		opts:    opts,
		logger:  logging.Component(logger, "aggregator"),
		metrics: metrics,
		now:     time.Now,
	}, nil
}

type outcome[T any] struct {
	source string
	value  T
	err    error
}

// fanOut calls fn for every source concurrently and returns once all
// calls have settled. Results keep source order.
func fanOut[T any](ctx context.Context, sources []providers.Source, fn func(context.Context, providers.Source) (T, error)) []outcome[T] {
	out := make([]outcome[T], len(sources))
	var wg sync.WaitGroup
	for i, src := range sources {
		wg.Add(1)
		go func(i int, src providers.Source) {
			defer wg.Done()
			value, err := fn(ctx, src)
			out[i] = outcome[T]{source: src.Name(), value: value, err: err}
		}(i, src)
	}
	wg.Wait()
	return out
}

// Refresh returns the merged trending snapshot. Unless force is set, a
// cached non-empty snapshot is returned without any network calls. When
// every source fails the result is empty and the cached snapshot is left
// in place.
func (a *Aggregator) Refresh(ctx context.Context, force bool) (market.Snapshot, error) {
	if !force {
		var cached market.Snapshot
		if a.cache.GetJSON(ctx, a.opts.SnapshotKey, &cached) && !cached.IsEmpty() {
			return cached, nil
		}
	}

	started := a.now()
	results := fanOut(ctx, a.sources, func(ctx context.Context, src providers.Source) ([]market.AssetRecord, error) {
		return src.FetchTrending(ctx)
	})
	if err := ctx.Err(); err != nil {
		return market.Snapshot{}, err
	}

	batches, succeeded := a.collect("trending", results)
	snapshot := market.MergeAll(a.now().UTC(), batches...)
	if succeeded == 0 {
		a.logger.Warn("all sources failed, keeping cached snapshot", zap.Int("sources", len(a.sources)))
		return snapshot, nil
	}

	a.cache.SetJSON(ctx, a.opts.SnapshotKey, snapshot, a.opts.SnapshotTTL)
	a.metrics.RefreshCompleted(a.now().Sub(started), snapshot.Len())
	a.logger.Debug("snapshot refreshed",
		zap.Int("records", snapshot.Len()),
		zap.Int("sources_ok", succeeded),
		zap.Duration("took", a.now().Sub(started)))
	return snapshot, nil
}

func (a *Aggregator) collect(operation string, results []outcome[[]market.AssetRecord]) ([][]market.AssetRecord, int) {
	batches := make([][]market.AssetRecord, 0, len(results))
	succeeded := 0
	for _, res := range results {
		if res.err != nil {
			a.logger.Warn("source failed",
				zap.String("op", operation), zap.String("source", res.source), zap.Error(res.err))
			continue
		}
		succeeded++
		batches = append(batches, res.value)
	}
	return batches, succeeded
}

// GetByIdentity looks one asset up across all sources. It reports false
// when no source knows the asset.
func (a *Aggregator) GetByIdentity(ctx context.Context, id string) (market.AssetRecord, bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return market.AssetRecord{}, false, nil
	}

	key := identityKeyPrefix + id
	var cached market.AssetRecord
	if a.cache.GetJSON(ctx, key, &cached) && cached.ID == id {
		return cached, true, nil
	}

	type found struct {
		record market.AssetRecord
		ok     bool
	}
	results := fanOut(ctx, a.sources, func(ctx context.Context, src providers.Source) (found, error) {
		record, ok, err := src.FetchByIdentity(ctx, id)
		return found{record: record, ok: ok}, err
	})
	if err := ctx.Err(); err != nil {
		return market.AssetRecord{}, false, err
	}

	var records []market.AssetRecord
	for _, res := range results {
		if res.err != nil {
			a.logger.Warn("source failed",
				zap.String("op", "identity"), zap.String("source", res.source), zap.Error(res.err))
			continue
		}
		if res.value.ok && res.value.record.ID == id {
			records = append(records, res.value.record)
		}
	}

	merged, ok := market.NewSnapshot(a.now().UTC(), records).Get(id)
	if !ok {
		return market.AssetRecord{}, false, nil
	}
	a.cache.SetJSON(ctx, key, merged, a.opts.IdentityTTL)
	return merged, true, nil
}

// Search merges every source's search results for q.
func (a *Aggregator) Search(ctx context.Context, q string) ([]market.AssetRecord, error) {
	q = strings.TrimSpace(q)
	if q == "" {
		return []market.AssetRecord{}, nil
	}

	key := searchKeyPrefix + strings.ToLower(q)
	var cached []market.AssetRecord
	if a.cache.GetJSON(ctx, key, &cached) {
		return cached, nil
	}

	results := fanOut(ctx, a.sources, func(ctx context.Context, src providers.Source) ([]market.AssetRecord, error) {
		return src.Search(ctx, q)
	})
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	batches, succeeded := a.collect("search", results)
	records := market.MergeAll(a.now().UTC(), batches...).Records()
	if succeeded > 0 {
		a.cache.SetJSON(ctx, key, records, a.opts.IdentityTTL)
	}
	return records, nil
}

// Query pages through the current snapshot.
func (a *Aggregator) Query(ctx context.Context, engine *query.Engine, filter query.Filter) (query.Page, error) {
	snapshot, err := a.Refresh(ctx, false)
	if err != nil {
		return query.Page{}, err
	}
	return engine.Query(snapshot, filter), nil
}

// Invalidate drops one cache key; an empty key drops the snapshot.
func (a *Aggregator) Invalidate(ctx context.Context, key string) {
	if key = strings.TrimSpace(key); key == "" {
		key = a.opts.SnapshotKey
	}
	a.cache.Del(ctx, key)
	a.logger.Info("cache key invalidated", zap.String("key", key))
}

func (a *Aggregator) InvalidateAll(ctx context.Context) {
	a.cache.Flush(ctx)
}

func (a *Aggregator) SnapshotKey() string { return a.opts.SnapshotKey }
