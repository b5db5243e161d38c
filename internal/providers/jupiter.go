package providers

import (
	"context"
	"net/url"
	"strings"

	"token-aggregator/internal/market"
)

const (
	JupiterName           = "jupiter"
	jupiterDefaultBaseURL = "https://api.jup.ag/price/v2"
)

// Jupiter is a price-only source: it answers identity lookups and
// contributes nothing to trending or search.
type Jupiter struct {
	opts  Options
	guard *guard
}

type jupiterPriceResponse struct {
	Data map[string]*struct {
		ID    string     `json:"id"`
		Price flexNumber `json:"price"`
	} `json:"data"`
}

func NewJupiter(opts Options) *Jupiter {
	opts = opts.withDefaults(jupiterDefaultBaseURL)
	return &Jupiter{opts: opts, guard: newGuard(JupiterName, opts)}
}

func (p *Jupiter) Name() string { return JupiterName }

func (p *Jupiter) FetchTrending(context.Context) ([]market.AssetRecord, error) {
	return nil, nil
}

func (p *Jupiter) Search(context.Context, string) ([]market.AssetRecord, error) {
	return nil, nil
}

func (p *Jupiter) FetchByIdentity(ctx context.Context, id string) (market.AssetRecord, bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return market.AssetRecord{}, false, nil
	}

	var payload jupiterPriceResponse
	err := p.guard.call(ctx, "price", func(ctx context.Context) error {
		return getJSON(ctx, p.opts.HTTPClient, JupiterName, p.opts.BaseURL, url.Values{"ids": {id}}, p.opts.Now, &payload)
	})
	if err != nil {
		if isNotFound(err) {
			return market.AssetRecord{}, false, nil
		}
		return market.AssetRecord{}, false, err
	}

	entry := payload.Data[id]
	if entry == nil || !entry.Price.Valid() {
		return market.AssetRecord{}, false, nil
	}
	return market.AssetRecord{
		ID:          id,
		DisplayName: market.Unknown,
		Symbol:      market.Unknown,
		Price:       p.opts.Converter.ToNative(entry.Price.Float()),
		Venue:       market.Unknown,
		SourceTags:  []string{JupiterName},
		ObservedAt:  p.opts.Now().UTC(),
	}, true, nil
}
