package query

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"token-aggregator/internal/market"
)

func snapshotOf(records ...market.AssetRecord) market.Snapshot {
	return market.NewSnapshot(time.Unix(0, 0), records)
}

func withVolume(id string, volume float64) market.AssetRecord {
	return market.AssetRecord{ID: id, Volume: volume}
}

func TestPaginationWalksAllPages(t *testing.T) {
	t.Parallel()

	records := make([]market.AssetRecord, 15)
	for i := range records {
		records[i] = withVolume(fmt.Sprintf("t%02d", i), float64(100-i))
	}
	snap := snapshotOf(records...)
	e := NewEngine(Limits{Default: 20, Max: 100})

	seen := map[string]bool{}
	cursor := ""
	for page := 1; page <= 3; page++ {
		got := e.Query(snap, Filter{Limit: 5, Cursor: cursor})
		require.Len(t, got.Items, 5)
		assert.Equal(t, 15, got.Total)
		for _, item := range got.Items {
			assert.False(t, seen[item.ID], "duplicate %s", item.ID)
			seen[item.ID] = true
		}
		if page < 3 {
			assert.True(t, got.HasMore)
			assert.Equal(t, fmt.Sprint(page*5), got.NextCursor)
		} else {
			assert.False(t, got.HasMore)
			assert.Empty(t, got.NextCursor)
		}
		cursor = got.NextCursor
	}
	assert.Len(t, seen, 15)
}

func TestMinVolumeFilter(t *testing.T) {
	t.Parallel()

	e := NewEngine(Limits{})
	floor := 600.0
	got := e.Query(snapshotOf(withVolume("a", 100), withVolume("b", 500), withVolume("c", 1000)), Filter{MinVolume: &floor})

	require.Len(t, got.Items, 1)
	assert.Equal(t, "c", got.Items[0].ID)
	assert.Equal(t, 1, got.Total)
}

func TestMinMarketCapFilterKeepsBoundary(t *testing.T) {
	t.Parallel()

	e := NewEngine(Limits{})
	floor := 50.0
	got := e.Query(snapshotOf(
		market.AssetRecord{ID: "a", MarketCap: 49},
		market.AssetRecord{ID: "b", MarketCap: 50},
	), Filter{MinMarketCap: &floor})

	require.Len(t, got.Items, 1)
	assert.Equal(t, "b", got.Items[0].ID)
}

func TestSortByVolumeDesc(t *testing.T) {
	t.Parallel()

	e := NewEngine(Limits{})
	got := e.Query(snapshotOf(withVolume("a", 100), withVolume("b", 200), withVolume("c", 150)),
		Filter{SortField: SortVolume, SortOrder: Desc})

	var volumes []float64
	for _, item := range got.Items {
		volumes = append(volumes, item.Volume)
	}
	assert.Equal(t, []float64{200, 150, 100}, volumes)
}

func TestSortIsStableOnTies(t *testing.T) {
	t.Parallel()

	e := NewEngine(Limits{})
	snap := snapshotOf(withVolume("first", 10), withVolume("second", 10), withVolume("third", 20))

	got := e.Query(snap, Filter{SortOrder: Asc})
	assert.Equal(t, []string{"first", "second", "third"}, ids(got.Items))

	got = e.Query(snap, Filter{SortOrder: Desc})
	assert.Equal(t, []string{"third", "first", "second"}, ids(got.Items))
}

func TestSortByPriceChangeUsesTimePeriod(t *testing.T) {
	t.Parallel()

	e := NewEngine(Limits{})
	snap := snapshotOf(
		market.AssetRecord{ID: "a", PriceChange1h: 5, PriceChange24h: market.Float(-1)},
		market.AssetRecord{ID: "b", PriceChange1h: 1, PriceChange24h: market.Float(9)},
		market.AssetRecord{ID: "c", PriceChange1h: 3, PriceChange7d: market.Float(4)},
	)

	got := e.Query(snap, Filter{SortField: SortPriceChange, TimePeriod: Period1h})
	assert.Equal(t, []string{"a", "c", "b"}, ids(got.Items))

	got = e.Query(snap, Filter{SortField: SortPriceChange})
	assert.Equal(t, []string{"b", "c", "a"}, ids(got.Items))

	got = e.Query(snap, Filter{SortField: SortPriceChange, TimePeriod: Period7d, SortOrder: Asc})
	assert.Equal(t, []string{"a", "b", "c"}, ids(got.Items))
}

func TestNormalizeClampsAndDefaults(t *testing.T) {
	t.Parallel()

	e := NewEngine(Limits{Default: 20, Max: 100})

	f := e.Normalize(Filter{})
	assert.Equal(t, 20, f.Limit)
	assert.Equal(t, SortVolume, f.SortField)
	assert.Equal(t, Desc, f.SortOrder)
	assert.Equal(t, Period24h, f.TimePeriod)
	assert.Equal(t, "0", f.Cursor)

	assert.Equal(t, 100, e.Normalize(Filter{Limit: 500}).Limit)
	assert.Equal(t, 1, e.Normalize(Filter{Limit: -3}).Limit)
	assert.Equal(t, "0", e.Normalize(Filter{Cursor: "abc"}).Cursor)
	assert.Equal(t, "0", e.Normalize(Filter{Cursor: "-5"}).Cursor)
}

func TestCursorPastEndYieldsEmptyPage(t *testing.T) {
	t.Parallel()

	e := NewEngine(Limits{})
	got := e.Query(snapshotOf(withVolume("a", 1)), Filter{Cursor: "10"})
	assert.NotNil(t, got.Items)
	assert.Empty(t, got.Items)
	assert.False(t, got.HasMore)
	assert.Equal(t, 1, got.Total)
}

func TestQueryDoesNotMutateSnapshot(t *testing.T) {
	t.Parallel()

	e := NewEngine(Limits{})
	snap := snapshotOf(withVolume("a", 1), withVolume("b", 2))
	e.Query(snap, Filter{})
	assert.Equal(t, []string{"a", "b"}, ids(snap.Records()))
}

func TestParsers(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]SortField{
		"volume": SortVolume, "price_change": SortPriceChange, "priceChange": SortPriceChange,
		"market_cap": SortMarketCap, "marketCap": SortMarketCap, "liquidity": SortLiquidity, "": "",
	} {
		got, err := ParseSortField(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseSortField("holders")
	assert.Error(t, err)

	order, err := ParseSortOrder("ASC")
	require.NoError(t, err)
	assert.Equal(t, Asc, order)
	_, err = ParseSortOrder("up")
	assert.Error(t, err)

	period, err := ParseTimePeriod("7d")
	require.NoError(t, err)
	assert.Equal(t, Period7d, period)
	_, err = ParseTimePeriod("30d")
	assert.Error(t, err)
}

func ids(records []market.AssetRecord) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.ID)
	}
	return out
}
