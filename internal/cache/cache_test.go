package cache

import (
	"testing"
	"time"

	"venuesync/internal/models"
)

func TestCacheReadiness(t *testing.T) {
	c := New()
	if c.IsReady() {
		t.Fatalf("empty cache must not be ready")
	}

	c.SetTokens([]models.Token{{Ticker: "BTC", Decimals: 8}})
	if c.IsReady() {
		t.Fatalf("cache without markets must not be ready")
	}

	c.SetMarkets([]models.Market{{ID: "BTC/USDC", BaseTicker: "BTC", QuoteTicker: "USDC"}})
	if !c.IsReady() {
		t.Fatalf("cache with tokens and markets must be ready")
	}

	c.Clear()
	if c.IsReady() || c.Stats().Tokens != 0 || c.Stats().Markets != 0 {
		t.Fatalf("clear did not empty the cache: %+v", c.Stats())
	}
}

func TestCacheSetReplacesInsteadOfMerging(t *testing.T) {
	c := New()
	c.SetTokens([]models.Token{{Ticker: "BTC", Decimals: 8}, {Ticker: "ETH", Decimals: 18}})
	c.SetTokens([]models.Token{{Ticker: "BTC", Decimals: 8}, {Ticker: "USDC", Decimals: 6}})

	if c.HasToken("ETH") {
		t.Fatalf("stale token survived a full snapshot")
	}
	if !c.HasToken("USDC") {
		t.Fatalf("new token missing")
	}

	c.SetMarkets([]models.Market{{ID: "ETH/USDC"}})
	c.SetMarkets([]models.Market{{ID: "BTC/USDC"}})
	if c.HasMarket("ETH/USDC") {
		t.Fatalf("stale market survived a full snapshot")
	}
}

func TestCacheLookupMissIsNotAnError(t *testing.T) {
	c := New()
	if _, ok := c.Market("BTC/USDC"); ok {
		t.Fatalf("expected miss")
	}
	if _, ok := c.Token("BTC"); ok {
		t.Fatalf("expected miss")
	}
}

func TestCacheListingsAreSorted(t *testing.T) {
	c := New()
	c.SetTokens([]models.Token{{Ticker: "USDC"}, {Ticker: "BTC"}, {Ticker: "ETH"}})
	c.SetMarkets([]models.Market{{ID: "ETH/USDC"}, {ID: "BTC/USDC"}})

	tokens := c.Tokens()
	if tokens[0].Ticker != "BTC" || tokens[1].Ticker != "ETH" || tokens[2].Ticker != "USDC" {
		t.Fatalf("tokens not sorted: %v", tokens)
	}
	markets := c.Markets()
	if markets[0].ID != "BTC/USDC" || markets[1].ID != "ETH/USDC" {
		t.Fatalf("markets not sorted: %v", markets)
	}
}

func TestCacheStats(t *testing.T) {
	c := New()
	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	c.now = func() time.Time { return fixed }

	c.SetTokens([]models.Token{{Ticker: "BTC"}, {Ticker: "USDC"}})
	c.SetMarkets([]models.Market{{ID: "BTC/USDC"}})

	stats := c.Stats()
	if stats.Tokens != 2 || stats.Markets != 1 || !stats.UpdatedAt.Equal(fixed) {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}
