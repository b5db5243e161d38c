package providers

import (
	"context"
	"fmt"

	"token-aggregator/internal/market"
)

// MissingSource stands in for a configured provider name with no client.
// Every call fails so the aggregator counts it as a failed source.
type MissingSource struct {
	name string
}

func NewMissingSource(name string) MissingSource {
	return MissingSource{name: name}
}

func (p MissingSource) Name() string { return p.name }

func (p MissingSource) FetchTrending(context.Context) ([]market.AssetRecord, error) {
	return nil, p.err()
}

func (p MissingSource) FetchByIdentity(context.Context, string) (market.AssetRecord, bool, error) {
	return market.AssetRecord{}, false, p.err()
}

func (p MissingSource) Search(context.Context, string) ([]market.AssetRecord, error) {
	return nil, p.err()
}

func (p MissingSource) err() error {
	return fmt.Errorf("%s provider not configured", p.name)
}
