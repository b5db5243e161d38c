package query

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"token-aggregator/internal/market"
)

type SortField string

const (
	SortVolume      SortField = "volume"
	SortPriceChange SortField = "priceChange"
	SortMarketCap   SortField = "marketCap"
	SortLiquidity   SortField = "liquidity"
)

type SortOrder string

const (
	Asc  SortOrder = "asc"
	Desc SortOrder = "desc"
)

type TimePeriod string

const (
	Period1h  TimePeriod = "1h"
	Period24h TimePeriod = "24h"
	Period7d  TimePeriod = "7d"
)

// Filter selects, orders and pages records. Zero values mean "use the
// default". Cursor is a decimal offset into the sorted result.
type Filter struct {
	TimePeriod   TimePeriod
	SortField    SortField
	SortOrder    SortOrder
	Limit        int
	Cursor       string
	MinVolume    *float64
	MinMarketCap *float64
}

type Page struct {
	Items      []market.AssetRecord `json:"items"`
	NextCursor string               `json:"nextCursor,omitempty"`
	HasMore    bool                 `json:"hasMore"`
	Total      int                  `json:"total"`
	Limit      int                  `json:"limit"`
}

type Limits struct {
	Default int
	Max     int
}

type Engine struct {
	limits Limits
}

func NewEngine(limits Limits) *Engine {
	if limits.Max <= 0 {
		limits.Max = 100
	}
	if limits.Default <= 0 || limits.Default > limits.Max {
		limits.Default = min(20, limits.Max)
	}
	return &Engine{limits: limits}
}

func (e *Engine) Limits() Limits { return e.limits }

// Normalize fills defaults and clamps the limit to [1, Max]. Out-of-range
// values are clamped rather than rejected.
func (e *Engine) Normalize(f Filter) Filter {
	if f.TimePeriod == "" {
		f.TimePeriod = Period24h
	}
	if f.SortField == "" {
		f.SortField = SortVolume
	}
	if f.SortOrder == "" {
		f.SortOrder = Desc
	}
	switch {
	case f.Limit == 0:
		f.Limit = e.limits.Default
	case f.Limit < 1:
		f.Limit = 1
	case f.Limit > e.limits.Max:
		f.Limit = e.limits.Max
	}
	f.Cursor = strconv.Itoa(offset(f.Cursor))
	return f
}

// Query filters, stably sorts and slices the snapshot. Ties keep snapshot
// iteration order, so pages are deterministic within one snapshot. Offsets
// are not stable across snapshots.
func (e *Engine) Query(snapshot market.Snapshot, f Filter) Page {
	f = e.Normalize(f)

	records := snapshot.Records()
	kept := records[:0]
	for _, rec := range records {
		if f.MinVolume != nil && rec.Volume < *f.MinVolume {
			continue
		}
		if f.MinMarketCap != nil && rec.MarketCap < *f.MinMarketCap {
			continue
		}
		kept = append(kept, rec)
	}

	key := sortKey(f.SortField, f.TimePeriod)
	sort.SliceStable(kept, func(i, j int) bool {
		a, b := key(kept[i]), key(kept[j])
		if f.SortOrder == Asc {
			return a < b
		}
		return a > b
	})

	total := len(kept)
	start := min(offset(f.Cursor), total)
	end := min(start+f.Limit, total)

	page := Page{
		Items: append([]market.AssetRecord(nil), kept[start:end]...),
		Total: total,
		Limit: f.Limit,
	}
	if page.Items == nil {
		page.Items = []market.AssetRecord{}
	}
	if start+f.Limit < total {
		page.HasMore = true
		page.NextCursor = strconv.Itoa(start + f.Limit)
	}
	return page
}

func sortKey(field SortField, period TimePeriod) func(market.AssetRecord) float64 {
	switch field {
	case SortMarketCap:
		return func(r market.AssetRecord) float64 { return r.MarketCap }
	case SortLiquidity:
		return func(r market.AssetRecord) float64 { return r.Liquidity }
	case SortPriceChange:
		switch period {
		case Period1h:
			return func(r market.AssetRecord) float64 { return r.PriceChange1h }
		case Period7d:
			return func(r market.AssetRecord) float64 { return deref(r.PriceChange7d) }
		default:
			return func(r market.AssetRecord) float64 { return deref(r.PriceChange24h) }
		}
	default:
		return func(r market.AssetRecord) float64 { return r.Volume }
	}
}

func deref(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

// offset parses a cursor; anything non-numeric or negative means 0.
func offset(cursor string) int {
	n, err := strconv.Atoi(strings.TrimSpace(cursor))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// ParseSortField accepts both camelCase and snake_case spellings.
func ParseSortField(s string) (SortField, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return "", nil
	case "volume":
		return SortVolume, nil
	case "pricechange", "price_change":
		return SortPriceChange, nil
	case "marketcap", "market_cap":
		return SortMarketCap, nil
	case "liquidity":
		return SortLiquidity, nil
	default:
		return "", fmt.Errorf("invalid sort field %q", s)
	}
}

func ParseSortOrder(s string) (SortOrder, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return "", nil
	case "asc":
		return Asc, nil
	case "desc":
		return Desc, nil
	default:
		return "", fmt.Errorf("invalid sort order %q", s)
	}
}

func ParseTimePeriod(s string) (TimePeriod, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return "", nil
	case "1h":
		return Period1h, nil
	case "24h":
		return Period24h, nil
	case "7d":
		return Period7d, nil
	default:
		return "", fmt.Errorf("invalid time period %q", s)
	}
}
