package providers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

const dexPairsFixture = `{"pairs":[
 {"chainId":"solana","dexId":"raydium","baseToken":{"address":"MintA","name":"Alpha","symbol":"ALP"},
  "priceNative":"0.5","priceUsd":"50","txns":{"h24":{"buys":10,"sells":5}},"volume":{"h24":2000},
  "priceChange":{"h1":1.5,"h24":-3},"liquidity":{"usd":1000},"fdv":9000,"marketCap":8000},
 {"chainId":"solana","dexId":"orca","baseToken":{"address":"MintA","name":"Alpha","symbol":"ALP"},
  "priceNative":"0.51","liquidity":{"usd":5000}},
 {"chainId":"ethereum","dexId":"uniswap","baseToken":{"address":"0xabc","name":"Eth","symbol":"E"}},
 {"chainId":"solana","dexId":"","baseToken":{"address":"MintB","name":"","symbol":"BEE"},
  "priceUsd":"2","fdv":"300","priceChange":{"h1":null}}
]}`

func TestDexScreenerFetchTrendingFromBoosts(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/token-boosts/top/v1":
			_, _ = w.Write([]byte(`[{"chainId":"solana","tokenAddress":"MintA"},{"chainId":"ethereum","tokenAddress":"0xabc"},{"chainId":"solana","tokenAddress":"MintB"},{"chainId":"solana","tokenAddress":"MintA"}]`))
		case "/latest/dex/tokens/MintA,MintB":
			_, _ = w.Write([]byte(dexPairsFixture))
		default:
			t.Errorf("unexpected path %q", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer ts.Close()

	p := NewDexScreener(testOptions(ts.URL))
	records, err := p.FetchTrending(context.Background())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d: %+v", len(records), records)
	}

	a := records[0]
	if a.ID != "MintA" || a.Venue != "orca" || a.Price != 0.51 {
		t.Fatalf("expected deepest-liquidity pair for MintA, got %+v", a)
	}
	if a.Liquidity != 50 {
		t.Fatalf("expected liquidity converted to 50, got %v", a.Liquidity)
	}
	if len(a.SourceTags) != 1 || a.SourceTags[0] != DexScreenerName {
		t.Fatalf("unexpected source tags %v", a.SourceTags)
	}
	if !a.ObservedAt.Equal(fixedNow) {
		t.Fatalf("unexpected observed time %v", a.ObservedAt)
	}

	b := records[1]
	if b.ID != "MintB" || b.DisplayName != "unknown" || b.Symbol != "BEE" || b.Venue != "unknown" {
		t.Fatalf("unexpected defaults for MintB: %+v", b)
	}
	if b.Price != 0.02 {
		t.Fatalf("expected usd price converted to 0.02, got %v", b.Price)
	}
	if b.MarketCap != 3 {
		t.Fatalf("expected fdv fallback 3, got %v", b.MarketCap)
	}
	if b.PriceChange24h != nil || b.PriceChange1h != 0 {
		t.Fatalf("expected absent changes, got %v %v", b.PriceChange1h, b.PriceChange24h)
	}
}

func TestDexScreenerNormalizesFullPair(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("q"); got != "alpha" {
			t.Errorf("unexpected query %q", got)
		}
		_, _ = w.Write([]byte(`{"pairs":[` +
			`{"chainId":"solana","dexId":"raydium","baseToken":{"address":"MintA","name":"Alpha","symbol":"ALP"},` +
			`"priceNative":"0.5","txns":{"h24":{"buys":10,"sells":5}},"volume":{"h24":2000},` +
			`"priceChange":{"h1":1.5,"h24":-3},"liquidity":{"usd":1000},"fdv":9000,"marketCap":8000}]}`))
	}))
	defer ts.Close()

	p := NewDexScreener(testOptions(ts.URL))
	records, err := p.Search(context.Background(), " alpha ")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	r := records[0]
	if r.Price != 0.5 || r.MarketCap != 80 || r.Volume != 20 || r.Liquidity != 10 || r.TransactionCount != 15 {
		t.Fatalf("unexpected numerics %+v", r)
	}
	if r.PriceChange1h != 1.5 || r.PriceChange24h == nil || *r.PriceChange24h != -3 || r.PriceChange7d != nil {
		t.Fatalf("unexpected changes %+v", r)
	}
}

func TestDexScreenerFallsBackToSearch(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/token-boosts/top/v1":
			w.WriteHeader(http.StatusServiceUnavailable)
		case "/latest/dex/search":
			switch r.URL.Query().Get("q") {
			case "SOL":
				_, _ = w.Write([]byte(`{"pairs":[{"chainId":"solana","baseToken":{"address":"So1"},"priceNative":"1","volume":{"h24":100}}]}`))
			case "BONK":
				_, _ = w.Write([]byte(`{"pairs":[{"chainId":"solana","baseToken":{"address":"So1","name":"Wrapped SOL"},"priceNative":"1","volume":{"h24":300}},{"chainId":"solana","baseToken":{"address":"Bonk"},"priceNative":"0.0001"}]}`))
			}
		}
	}))
	defer ts.Close()

	p := NewDexScreener(testOptions(ts.URL))
	records, err := p.FetchTrending(context.Background())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 merged records, got %d: %+v", len(records), records)
	}
	if records[0].ID != "So1" || records[0].Volume != 3 || records[0].DisplayName != "Wrapped SOL" {
		t.Fatalf("expected merged So1 record, got %+v", records[0])
	}
}

func TestDexScreenerFetchTrendingAllFailing(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	opts := testOptions(ts.URL)
	opts.Retry.MaxAttempts = 1
	p := NewDexScreener(opts)
	if _, err := p.FetchTrending(context.Background()); err == nil {
		t.Fatal("expected error when every request fails")
	}
}

func TestDexScreenerFetchByIdentity(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/latest/dex/tokens/MintA":
			_, _ = w.Write([]byte(dexPairsFixture))
		case "/latest/dex/tokens/Gone":
			w.WriteHeader(http.StatusNotFound)
		default:
			_, _ = w.Write([]byte(`{"pairs":null}`))
		}
	}))
	defer ts.Close()

	p := NewDexScreener(testOptions(ts.URL))

	record, ok, err := p.FetchByIdentity(context.Background(), "MintA")
	if err != nil || !ok || record.ID != "MintA" {
		t.Fatalf("expected MintA, got %+v ok=%v err=%v", record, ok, err)
	}

	_, ok, err = p.FetchByIdentity(context.Background(), "Gone")
	if err != nil || ok {
		t.Fatalf("expected 404 to mean absent, got ok=%v err=%v", ok, err)
	}

	_, ok, err = p.FetchByIdentity(context.Background(), "Empty")
	if err != nil || ok {
		t.Fatalf("expected no pairs to mean absent, got ok=%v err=%v", ok, err)
	}
}
