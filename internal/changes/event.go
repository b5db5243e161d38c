package changes

import (
	"context"
	"time"

	"token-aggregator/internal/market"
)

type EventType string

const (
	EventInitialData EventType = "initial_data"
	EventPriceUpdate EventType = "price_update"
	EventVolumeSpike EventType = "volume_spike"
	EventError       EventType = "error"
)

// DefaultChannel is the channel every client joins on connect.
const DefaultChannel = "default"

type Event struct {
	Channel   string    `json:"channel"`
	Type      EventType `json:"type"`
	Payload   any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher delivers events to subscribers of Event.Channel.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Archive persists published price updates.
type Archive interface {
	InsertPriceUpdates(ctx context.Context, at time.Time, records []market.AssetRecord) error
}
