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
	GeckoTerminalName           = "geckoterminal"
	geckoTerminalDefaultBaseURL = "https://api.geckoterminal.com/api/v2"
)

type GeckoTerminal struct {
	opts   Options
	guard  *guard
	logger *zap.Logger
}

type geckoRef struct {
	Data struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	} `json:"data"`
}

type geckoPoolsResponse struct {
	Data     []geckoPool     `json:"data"`
	Included []geckoIncluded `json:"included"`
}

type geckoPool struct {
	ID         string `json:"id"`
	Attributes struct {
		Name                  string     `json:"name"`
		BaseTokenPriceUSD     flexNumber `json:"base_token_price_usd"`
		BaseTokenPriceNative  flexNumber `json:"base_token_price_native_currency"`
		FDVUSD                flexNumber `json:"fdv_usd"`
		MarketCapUSD          flexNumber `json:"market_cap_usd"`
		ReserveUSD            flexNumber `json:"reserve_in_usd"`
		PriceChangePercentage struct {
			H1  flexNumber `json:"h1"`
			H24 flexNumber `json:"h24"`
		} `json:"price_change_percentage"`
		Transactions struct {
			H24 struct {
				Buys  int64 `json:"buys"`
				Sells int64 `json:"sells"`
			} `json:"h24"`
		} `json:"transactions"`
		VolumeUSD struct {
			H24 flexNumber `json:"h24"`
		} `json:"volume_usd"`
	} `json:"attributes"`
	Relationships struct {
		BaseToken geckoRef `json:"base_token"`
		Dex       geckoRef `json:"dex"`
	} `json:"relationships"`
}

type geckoIncluded struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Attributes struct {
		Address string `json:"address"`
		Name    string `json:"name"`
		Symbol  string `json:"symbol"`
	} `json:"attributes"`
}

type geckoTokenResponse struct {
	Data struct {
		ID         string `json:"id"`
		Attributes struct {
			Address      string     `json:"address"`
			Name         string     `json:"name"`
			Symbol       string     `json:"symbol"`
			PriceUSD     flexNumber `json:"price_usd"`
			FDVUSD       flexNumber `json:"fdv_usd"`
			MarketCapUSD flexNumber `json:"market_cap_usd"`
			ReserveUSD   flexNumber `json:"total_reserve_in_usd"`
			VolumeUSD    struct {
				H24 flexNumber `json:"h24"`
			} `json:"volume_usd"`
		} `json:"attributes"`
	} `json:"data"`
}

func NewGeckoTerminal(opts Options) *GeckoTerminal {
	opts = opts.withDefaults(geckoTerminalDefaultBaseURL)
	return &GeckoTerminal{
		opts:   opts,
		guard:  newGuard(GeckoTerminalName, opts),
		logger: logging.Component(opts.Logger, "provider").With(zap.String("provider", GeckoTerminalName)),
	}
}

func (p *GeckoTerminal) Name() string { return GeckoTerminalName }

// FetchTrending combines the trending and newest pool lists. One list
// failing is tolerated.
func (p *GeckoTerminal) FetchTrending(ctx context.Context) ([]market.AssetRecord, error) {
	network := url.PathEscape(p.opts.Network)
	var (
		records []market.AssetRecord
		lastErr error
		ok      int
	)
	for _, list := range []string{"trending_pools", "new_pools"} {
		batch, err := p.fetchPools(ctx, list, "/networks/"+network+"/"+list, url.Values{"include": {"base_token"}})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			p.logger.Warn("pool list unavailable", zap.String("list", list), zap.Error(err))
			lastErr = err
			continue
		}
		ok++
		records = append(records, batch...)
	}
	if ok == 0 {
		return nil, lastErr
	}
	return market.NewSnapshot(p.opts.Now(), records).Records(), nil
}

func (p *GeckoTerminal) FetchByIdentity(ctx context.Context, id string) (market.AssetRecord, bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return market.AssetRecord{}, false, nil
	}

	var payload geckoTokenResponse
	endpoint := p.opts.BaseURL + "/networks/" + url.PathEscape(p.opts.Network) + "/tokens/" + url.PathEscape(id)
	err := p.guard.call(ctx, "token", func(ctx context.Context) error {
		return getJSON(ctx, p.opts.HTTPClient, GeckoTerminalName, endpoint, nil, p.opts.Now, &payload)
	})
	if err != nil {
		if isNotFound(err) {
			return market.AssetRecord{}, false, nil
		}
		return market.AssetRecord{}, false, err
	}

	attrs := payload.Data.Attributes
	address := strings.TrimSpace(attrs.Address)
	if address == "" {
		address = p.stripNetwork(payload.Data.ID)
	}
	if address == "" {
		return market.AssetRecord{}, false, nil
	}

	conv := p.opts.Converter
	marketCap := attrs.MarketCapUSD.Float()
	if !attrs.MarketCapUSD.Valid() {
		marketCap = attrs.FDVUSD.Float()
	}
	return market.AssetRecord{
		ID:          address,
		DisplayName: orUnknown(attrs.Name),
		Symbol:      orUnknown(attrs.Symbol),
		Price:       conv.ToNative(attrs.PriceUSD.Float()),
		MarketCap:   conv.ToNative(marketCap),
		Volume:      conv.ToNative(attrs.VolumeUSD.H24.Float()),
		Liquidity:   conv.ToNative(attrs.ReserveUSD.Float()),
		Venue:       market.Unknown,
		SourceTags:  []string{GeckoTerminalName},
		ObservedAt:  p.opts.Now().UTC(),
	}, true, nil
}

func (p *GeckoTerminal) Search(ctx context.Context, query string) ([]market.AssetRecord, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	return p.fetchPools(ctx, "search", "/search/pools", url.Values{
		"query":   {query},
		"network": {p.opts.Network},
		"include": {"base_token"},
	})
}

func (p *GeckoTerminal) fetchPools(ctx context.Context, operation, path string, query url.Values) ([]market.AssetRecord, error) {
	var payload geckoPoolsResponse
	err := p.guard.call(ctx, operation, func(ctx context.Context) error {
		return getJSON(ctx, p.opts.HTTPClient, GeckoTerminalName, p.opts.BaseURL+path, query, p.opts.Now, &payload)
	})
	if err != nil {
		return nil, err
	}
	return p.toRecords(payload), nil
}

// toRecords keeps, per base token, the pool with the deepest reserve.
func (p *GeckoTerminal) toRecords(payload geckoPoolsResponse) []market.AssetRecord {
	tokens := make(map[string]geckoIncluded, len(payload.Included))
	for _, inc := range payload.Included {
		if inc.Type == "" || inc.Type == "token" {
			tokens[inc.ID] = inc
		}
	}

	best := make(map[string]int)
	var order []geckoPool
	for _, pool := range payload.Data {
		id := p.poolBaseAddress(pool, tokens)
		if id == "" {
			continue
		}
		if idx, ok := best[id]; ok {
			if pool.Attributes.ReserveUSD.Float() > order[idx].Attributes.ReserveUSD.Float() {
				order[idx] = pool
			}
			continue
		}
		best[id] = len(order)
		order = append(order, pool)
	}

	now := p.opts.Now().UTC()
	out := make([]market.AssetRecord, 0, len(order))
	for _, pool := range order {
		out = append(out, p.normalize(pool, tokens, now))
	}
	return out
}

func (p *GeckoTerminal) poolBaseAddress(pool geckoPool, tokens map[string]geckoIncluded) string {
	ref := pool.Relationships.BaseToken.Data.ID
	if inc, ok := tokens[ref]; ok && strings.TrimSpace(inc.Attributes.Address) != "" {
		return strings.TrimSpace(inc.Attributes.Address)
	}
	return p.stripNetwork(ref)
}

// stripNetwork turns "solana_<address>" into "<address>".
func (p *GeckoTerminal) stripNetwork(ref string) string {
	ref = strings.TrimSpace(ref)
	if rest, ok := strings.CutPrefix(ref, p.opts.Network+"_"); ok {
		return rest
	}
	return ref
}

func (p *GeckoTerminal) normalize(pool geckoPool, tokens map[string]geckoIncluded, now time.Time) market.AssetRecord {
	conv := p.opts.Converter
	attrs := pool.Attributes
	token := tokens[pool.Relationships.BaseToken.Data.ID]

	name, symbol := token.Attributes.Name, token.Attributes.Symbol
	if symbol == "" {
		// Pool names read "BASE / QUOTE".
		if base, _, ok := strings.Cut(attrs.Name, "/"); ok {
			symbol = strings.TrimSpace(base)
		}
	}

	price := attrs.BaseTokenPriceNative.Float()
	if !attrs.BaseTokenPriceNative.Valid() {
		price = conv.ToNative(attrs.BaseTokenPriceUSD.Float())
	}
	marketCap := attrs.MarketCapUSD.Float()
	if !attrs.MarketCapUSD.Valid() {
		marketCap = attrs.FDVUSD.Float()
	}

	return market.AssetRecord{
		ID:               p.poolBaseAddress(pool, tokens),
		DisplayName:      orUnknown(name),
		Symbol:           orUnknown(symbol),
		Price:            price,
		MarketCap:        conv.ToNative(marketCap),
		Volume:           conv.ToNative(attrs.VolumeUSD.H24.Float()),
		Liquidity:        conv.ToNative(attrs.ReserveUSD.Float()),
		TransactionCount: attrs.Transactions.H24.Buys + attrs.Transactions.H24.Sells,
		PriceChange1h:    attrs.PriceChangePercentage.H1.Float(),
		PriceChange24h:   attrs.PriceChangePercentage.H24.Ptr(),
		Venue:            orUnknown(pool.Relationships.Dex.Data.ID),
		SourceTags:       []string{GeckoTerminalName},
		ObservedAt:       now,
	}
}
