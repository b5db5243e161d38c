package changes

import (
	"math"
	"sync"

	"token-aggregator/internal/market"
)

type Thresholds struct {
	// PriceChangePct is the minimum absolute price move, in percent,
	// that produces a price_update candidate.
	PriceChangePct float64
	// A volume_spike candidate needs volume above VolumeSpikeFloor and a
	// one-hour price change above VolumeSpikeChangePct.
	VolumeSpikeFloor     float64
	VolumeSpikeChangePct float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{PriceChangePct: 1, VolumeSpikeFloor: 1000, VolumeSpikeChangePct: 50}
}

type pricePoint struct {
	price  float64
	volume float64
}

type Candidates struct {
	PriceUpdates []market.AssetRecord
	VolumeSpikes []market.AssetRecord
}

func (c Candidates) Empty() bool {
	return len(c.PriceUpdates) == 0 && len(c.VolumeSpikes) == 0
}

// Detector compares snapshots against the last committed price table.
// The table is owned by the single broadcaster goroutine; only the
// thresholds may be changed concurrently.
type Detector struct {
	mu         sync.RWMutex
	thresholds Thresholds

	prev map[string]pricePoint
}

func NewDetector(thresholds Thresholds) *Detector {
	return &Detector{thresholds: thresholds, prev: make(map[string]pricePoint)}
}

func (d *Detector) SetThresholds(t Thresholds) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.thresholds = t
}

func (d *Detector) Thresholds() Thresholds {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.thresholds
}

// Diff returns the candidates in snapshot relative to the committed table.
// Identities without a committed entry never produce a candidate. Diff
// does not modify the table.
func (d *Detector) Diff(snapshot market.Snapshot) Candidates {
	t := d.Thresholds()

	var out Candidates
	for _, rec := range snapshot.Records() {
		prev, ok := d.prev[rec.ID]
		if !ok {
			continue
		}
		if prev.price > 0 && rec.Price > 0 {
			change := (rec.Price - prev.price) / prev.price * 100
			if math.Abs(change) > t.PriceChangePct {
				out.PriceUpdates = append(out.PriceUpdates, rec)
			}
		}
		if rec.Volume > t.VolumeSpikeFloor && rec.PriceChange1h > t.VolumeSpikeChangePct {
			out.VolumeSpikes = append(out.VolumeSpikes, rec)
		}
	}
	return out
}

// Commit records every price and volume in snapshot. Identities missing
// from snapshot keep their previous entry, and a missing (zero) price keeps
// the last known one.
func (d *Detector) Commit(snapshot market.Snapshot) {
	for _, rec := range snapshot.Records() {
		point := pricePoint{price: rec.Price, volume: rec.Volume}
		if old, ok := d.prev[rec.ID]; ok && rec.Price <= 0 {
			point.price = old.price
		}
		d.prev[rec.ID] = point
	}
}

// Tracked reports how many identities have a committed entry.
func (d *Detector) Tracked() int {
	return len(d.prev)
}
