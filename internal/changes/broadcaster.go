package changes

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"token-aggregator/internal/logging"
	"token-aggregator/internal/market"
	"token-aggregator/internal/telemetry"
)

type State int32

const (
	Idle State = iota
	Fetching
	Diffing
	Publishing
)

func (s State) String() string {
	switch s {
	case Fetching:
		return "fetching"
	case Diffing:
		return "diffing"
	case Publishing:
		return "publishing"
	default:
		return "idle"
	}
}

// Refresher produces a fresh snapshot.
type Refresher interface {
	Refresh(ctx context.Context, force bool) (market.Snapshot, error)
}

const defaultPublishTimeout = 5 * time.Second

// Broadcaster runs detection cycles on a fixed interval. Cycles never
// overlap: the next tick is only handled once the previous cycle is idle.
type Broadcaster struct {
	refresher Refresher
	detector  *Detector
	publisher Publisher
	archive   Archive
	interval  time.Duration
	// publishTimeout bounds the Publishing stage, which outlives ctx.
	publishTimeout time.Duration
	logger         *zap.Logger
	metrics        *telemetry.Metrics
	now            func() time.Time

	state atomic.Int32
}

func NewBroadcaster(refresher Refresher, detector *Detector, publisher Publisher, interval time.Duration, logger *zap.Logger, metrics *telemetry.Metrics) *Broadcaster {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Broadcaster{
		refresher:      refresher,
		detector:       detector,
		publisher:      publisher,
		interval:       interval,
		publishTimeout: defaultPublishTimeout,
		logger:         logging.Component(logger, "broadcaster"),
		metrics:        metrics,
		now:            time.Now,
	}
}

// SetArchive attaches an optional store for published price updates.
func (b *Broadcaster) SetArchive(archive Archive) {
	b.archive = archive
}

func (b *Broadcaster) State() State {
	return State(b.state.Load())
}

func (b *Broadcaster) setState(s State) {
	b.state.Store(int32(s))
}

// Run seeds the detector immediately, then runs one cycle per tick until
// ctx is cancelled. Cycle failures are logged and never stop the loop.
func (b *Broadcaster) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	b.logger.Info("broadcaster started", zap.Duration("interval", b.interval))
	b.runLogged(ctx)

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("broadcaster stopped")
			return ctx.Err()
		case <-ticker.C:
			b.runLogged(ctx)
		}
	}
}

func (b *Broadcaster) runLogged(ctx context.Context) {
	if err := b.RunCycle(ctx); err != nil && ctx.Err() == nil {
		b.metrics.DetectorFailure()
		b.logger.Error("detection cycle failed", zap.Error(err))
	}
}

// RunCycle performs one Fetching, Diffing, Publishing pass. An error or
// cancellation before Publishing leaves the detector table untouched.
// Once Publishing starts the cycle completes even if ctx is cancelled, but
// publishing and archiving are bounded by the publish timeout.
func (b *Broadcaster) RunCycle(ctx context.Context) error {
	defer b.setState(Idle)

	b.setState(Fetching)
	snapshot, err := b.refresher.Refresh(ctx, true)
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	if snapshot.IsEmpty() {
		b.logger.Debug("no records this cycle")
		return nil
	}

	b.setState(Diffing)
	candidates := b.detector.Diff(snapshot)
	if err := ctx.Err(); err != nil {
		return err
	}

	b.setState(Publishing)
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.publishTimeout)
	defer cancel()
	at := b.now().UTC()

	if len(candidates.PriceUpdates) > 0 {
		b.publish(pubCtx, EventPriceUpdate, candidates.PriceUpdates, at)
		if b.archive != nil {
			if err := b.archive.InsertPriceUpdates(pubCtx, at, candidates.PriceUpdates); err != nil {
				b.logger.Warn("archive price updates failed", zap.Error(err))
			}
		}
	}
	if len(candidates.VolumeSpikes) > 0 {
		b.publish(pubCtx, EventVolumeSpike, candidates.VolumeSpikes, at)
	}

	b.detector.Commit(snapshot)
	return nil
}

func (b *Broadcaster) publish(ctx context.Context, eventType EventType, records []market.AssetRecord, at time.Time) {
	event := Event{Channel: DefaultChannel, Type: eventType, Payload: records, Timestamp: at}
	if err := b.publisher.Publish(ctx, event); err != nil {
		b.logger.Warn("publish failed", zap.String("type", string(eventType)), zap.Error(err))
		return
	}
	b.metrics.EventPublished(string(eventType))
	b.logger.Info("broadcast", zap.String("type", string(eventType)), zap.Int("records", len(records)))
}
