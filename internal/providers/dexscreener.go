package providers

import (
	"context"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"token-aggregator/internal/logging"
	"token-aggregator/internal/market"
)

const (
	DexScreenerName           = "dexscreener"
	dexScreenerDefaultBaseURL = "https://api.dexscreener.com"
	dexScreenerTokensPerCall  = 30
)

type DexScreener struct {
	opts   Options
	guard  *guard
	logger *zap.Logger
}

type dexBoost struct {
	ChainID      string `json:"chainId"`
	TokenAddress string `json:"tokenAddress"`
}

type dexPairsResponse struct {
	Pairs []dexPair `json:"pairs"`
}

type dexToken struct {
	Address string `json:"address"`
	Name    string `json:"name"`
	Symbol  string `json:"symbol"`
}

type dexPair struct {
	ChainID     string     `json:"chainId"`
	DexID       string     `json:"dexId"`
	PairAddress string     `json:"pairAddress"`
	BaseToken   dexToken   `json:"baseToken"`
	QuoteToken  dexToken   `json:"quoteToken"`
	PriceNative flexNumber `json:"priceNative"`
	PriceUSD    flexNumber `json:"priceUsd"`
	Txns        struct {
		H24 struct {
			Buys  int64 `json:"buys"`
			Sells int64 `json:"sells"`
		} `json:"h24"`
	} `json:"txns"`
	Volume struct {
		H24 flexNumber `json:"h24"`
	} `json:"volume"`
	PriceChange struct {
		H1  flexNumber `json:"h1"`
		H24 flexNumber `json:"h24"`
	} `json:"priceChange"`
	Liquidity struct {
		USD flexNumber `json:"usd"`
	} `json:"liquidity"`
	FDV       flexNumber `json:"fdv"`
	MarketCap flexNumber `json:"marketCap"`
}

func NewDexScreener(opts Options) *DexScreener {
	opts = opts.withDefaults(dexScreenerDefaultBaseURL)
	return &DexScreener{
		opts:   opts,
		guard:  newGuard(DexScreenerName, opts),
		logger: logging.Component(opts.Logger, "provider").With(zap.String("provider", DexScreenerName)),
	}
}

func (p *DexScreener) Name() string { return DexScreenerName }

// FetchTrending reads the boosted-token list and prices it through the
// token endpoint. When that yields nothing it falls back to a fixed set of
// search terms.
func (p *DexScreener) FetchTrending(ctx context.Context) ([]market.AssetRecord, error) {
	records, err := p.fetchBoosted(ctx)
	if err == nil && len(records) > 0 {
		return records, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if err != nil {
		p.logger.Warn("boosted tokens unavailable, falling back to search", zap.Error(err))
	}
	return p.searchTerms(ctx)
}

func (p *DexScreener) fetchBoosted(ctx context.Context) ([]market.AssetRecord, error) {
	var boosts []dexBoost
	err := p.guard.call(ctx, "boosts", func(ctx context.Context) error {
		return getJSON(ctx, p.opts.HTTPClient, DexScreenerName, p.opts.BaseURL+"/token-boosts/top/v1", nil, p.opts.Now, &boosts)
	})
	if err != nil {
		return nil, err
	}

	addresses := make([]string, 0, len(boosts))
	for _, boost := range boosts {
		if strings.EqualFold(boost.ChainID, p.opts.Network) {
			addresses = append(addresses, boost.TokenAddress)
		}
	}
	addresses = normalizeIDs(addresses)

	var pairs []dexPair
	for start := 0; start < len(addresses); start += dexScreenerTokensPerCall {
		end := min(start+dexScreenerTokensPerCall, len(addresses))
		batch, err := p.fetchTokenPairs(ctx, addresses[start:end])
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, batch...)
	}
	return p.toRecords(pairs), nil
}

func (p *DexScreener) fetchTokenPairs(ctx context.Context, addresses []string) ([]dexPair, error) {
	var payload dexPairsResponse
	escaped := make([]string, len(addresses))
	for i, address := range addresses {
		escaped[i] = url.PathEscape(address)
	}
	endpoint := p.opts.BaseURL + "/latest/dex/tokens/" + strings.Join(escaped, ",")
	err := p.guard.call(ctx, "tokens", func(ctx context.Context) error {
		return getJSON(ctx, p.opts.HTTPClient, DexScreenerName, endpoint, nil, p.opts.Now, &payload)
	})
	return payload.Pairs, err
}

func (p *DexScreener) searchTerms(ctx context.Context) ([]market.AssetRecord, error) {
	var (
		records []market.AssetRecord
		lastErr error
		ok      int
	)
	for _, term := range p.opts.SearchTerms {
		batch, err := p.Search(ctx, term)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}
		ok++
		records = append(records, batch...)
	}
	if ok == 0 && lastErr != nil {
		return nil, lastErr
	}
	return market.NewSnapshot(p.opts.Now(), records).Records(), nil
}

func (p *DexScreener) FetchByIdentity(ctx context.Context, id string) (market.AssetRecord, bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return market.AssetRecord{}, false, nil
	}

	pairs, err := p.fetchTokenPairs(ctx, []string{id})
	if err != nil {
		if isNotFound(err) {
			return market.AssetRecord{}, false, nil
		}
		return market.AssetRecord{}, false, err
	}
	for _, record := range p.toRecords(pairs) {
		if record.ID == id {
			return record, true, nil
		}
	}
	return market.AssetRecord{}, false, nil
}

func (p *DexScreener) Search(ctx context.Context, query string) ([]market.AssetRecord, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}

	var payload dexPairsResponse
	err := p.guard.call(ctx, "search", func(ctx context.Context) error {
		return getJSON(ctx, p.opts.HTTPClient, DexScreenerName, p.opts.BaseURL+"/latest/dex/search",
			url.Values{"q": {query}}, p.opts.Now, &payload)
	})
	if err != nil {
		return nil, err
	}
	return p.toRecords(payload.Pairs), nil
}

// toRecords keeps pairs on the configured network and, per base token,
// the pair with the deepest liquidity. First-seen order is preserved.
func (p *DexScreener) toRecords(pairs []dexPair) []market.AssetRecord {
	best := make(map[string]int)
	var order []dexPair
	for _, pair := range pairs {
		if !strings.EqualFold(pair.ChainID, p.opts.Network) {
			continue
		}
		id := strings.TrimSpace(pair.BaseToken.Address)
		if id == "" {
			continue
		}
		if idx, ok := best[id]; ok {
			if pair.Liquidity.USD.Float() > order[idx].Liquidity.USD.Float() {
				order[idx] = pair
			}
			continue
		}
		best[id] = len(order)
		order = append(order, pair)
	}

	now := p.opts.Now().UTC()
	out := make([]market.AssetRecord, 0, len(order))
	for _, pair := range order {
		out = append(out, p.normalize(pair, now))
	}
	return out
}

func (p *DexScreener) normalize(pair dexPair, now time.Time) market.AssetRecord {
	conv := p.opts.Converter

	price := pair.PriceNative.Float()
	if !pair.PriceNative.Valid() {
		price = conv.ToNative(pair.PriceUSD.Float())
	}
	marketCap := pair.MarketCap.Float()
	if !pair.MarketCap.Valid() {
		marketCap = pair.FDV.Float()
	}

	return market.AssetRecord{
		ID:               strings.TrimSpace(pair.BaseToken.Address),
		DisplayName:      orUnknown(pair.BaseToken.Name),
		Symbol:           orUnknown(pair.BaseToken.Symbol),
		Price:            price,
		MarketCap:        conv.ToNative(marketCap),
		Volume:           conv.ToNative(pair.Volume.H24.Float()),
		Liquidity:        conv.ToNative(pair.Liquidity.USD.Float()),
		TransactionCount: pair.Txns.H24.Buys + pair.Txns.H24.Sells,
		PriceChange1h:    pair.PriceChange.H1.Float(),
		PriceChange24h:   pair.PriceChange.H24.Ptr(),
		Venue:            orUnknown(pair.DexID),
		SourceTags:       []string{DexScreenerName},
		ObservedAt:       now,
	}
}
