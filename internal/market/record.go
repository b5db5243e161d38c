package market

import (
	"sort"
	"time"
)

// Unknown is the placeholder for string fields a provider did not supply.
const Unknown = "unknown"

// AssetRecord is the canonical merged view of one asset. ID is the sole
// merge key across providers.
type AssetRecord struct {
	ID               string    `json:"token_address"`
	DisplayName      string    `json:"token_name"`
	Symbol           string    `json:"token_ticker"`
	Price            float64   `json:"price_sol"`
	MarketCap        float64   `json:"market_cap_sol"`
	Volume           float64   `json:"volume_sol"`
	Liquidity        float64   `json:"liquidity_sol"`
	TransactionCount int64     `json:"transaction_count"`
	PriceChange1h    float64   `json:"price_1hr_change"`
	PriceChange24h   *float64  `json:"price_24hr_change,omitempty"`
	PriceChange7d    *float64  `json:"price_7d_change,omitempty"`
	Venue            string    `json:"protocol"`
	SourceTags       []string  `json:"sources"`
	ObservedAt       time.Time `json:"last_updated"`
}

// Float returns a pointer to v, for the optional percentage fields.
func Float(v float64) *float64 {
	return &v
}

// Merge folds incoming into existing. Both records must share an ID.
func Merge(existing, incoming AssetRecord) AssetRecord {
	out := existing

	if isBlank(out.DisplayName) && !isBlank(incoming.DisplayName) {
		out.DisplayName = incoming.DisplayName
	}
	if isBlank(out.Symbol) && !isBlank(incoming.Symbol) {
		out.Symbol = incoming.Symbol
	}
	if incoming.Price > 0 {
		out.Price = incoming.Price
	}

	out.MarketCap = max(existing.MarketCap, incoming.MarketCap)
	out.Volume = max(existing.Volume, incoming.Volume)
	out.Liquidity = max(existing.Liquidity, incoming.Liquidity)
	out.TransactionCount = max(existing.TransactionCount, incoming.TransactionCount)

	if incoming.PriceChange1h != 0 {
		out.PriceChange1h = incoming.PriceChange1h
	}
	out.PriceChange24h = firstPresent(existing.PriceChange24h, incoming.PriceChange24h)
	out.PriceChange7d = firstPresent(existing.PriceChange7d, incoming.PriceChange7d)

	if isBlank(out.Venue) && incoming.Venue != "" {
		out.Venue = incoming.Venue
	}

	out.SourceTags = unionTags(existing.SourceTags, incoming.SourceTags)

	if incoming.ObservedAt.After(existing.ObservedAt) {
		out.ObservedAt = incoming.ObservedAt
	}
	return out
}

func isBlank(s string) bool {
	return s == "" || s == Unknown
}

func firstPresent(existing, incoming *float64) *float64 {
	if existing != nil {
		return Float(*existing)
	}
	if incoming != nil {
		return Float(*incoming)
	}
	return nil
}

func unionTags(a, b []string) []string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	added := false
	for i, list := range [][]string{a, b} {
		for _, tag := range list {
			if tag == "" {
				continue
			}
			if _, ok := seen[tag]; ok {
				continue
			}
			seen[tag] = struct{}{}
			out = append(out, tag)
			added = added || i == 1
		}
	}
	// Existing order is kept unless incoming contributed a new tag.
	if added {
		sort.Strings(out)
	}
	return out
}
