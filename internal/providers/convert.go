package providers

// DefaultNativeUSDPrice is the placeholder USD price of one native unit.
const DefaultNativeUSDPrice = 100

// QuoteConverter turns USD-denominated provider values into the native
// quote currency used by AssetRecord.
type QuoteConverter interface {
	ToNative(usd float64) float64
}

// FixedRate converts at a constant USD price per native unit.
type FixedRate float64

func (r FixedRate) ToNative(usd float64) float64 {
	if r <= 0 || usd == 0 {
		return 0
	}
	return usd / float64(r)
}
