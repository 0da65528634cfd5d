package enhance

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"venuesync/internal/cache"
	"venuesync/internal/models"
	"venuesync/internal/numeric"
)

func newTestEnhancer() *Enhancer {
	c := cache.New()
	c.SetTokens([]models.Token{
		{Ticker: "BTC", Name: "Bitcoin", Decimals: 8},
		{Ticker: "USDC", Name: "USD Coin", Decimals: 6},
		{Ticker: "WEI", Name: "Wei", Decimals: 18},
	})
	c.SetMarkets([]models.Market{
		{ID: "BTC/USDC", BaseTicker: "BTC", QuoteTicker: "USDC", TickSize: "10000", LotSize: "1000", MinSize: "1000"},
		{ID: "ETH/USDC", BaseTicker: "ETH", QuoteTicker: "USDC", TickSize: "10000", LotSize: "1000"},
	})
	return New(c)
}

func TestTrade(t *testing.T) {
	e := newTestEnhancer()
	trade := models.Trade{
		ID:        "t1",
		MarketID:  "BTC/USDC",
		Price:     "50000000000",
		Size:      "150000000",
		Side:      models.SideBuy,
		Timestamp: time.Unix(1700000000, 0).UTC(),
	}

	got, err := e.Trade(trade)
	if err != nil {
		t.Fatalf("Trade: %v", err)
	}
	if got.PriceDisplay != "50,000.00" || got.PriceValue != 50000 {
		t.Fatalf("price = %q / %v", got.PriceDisplay, got.PriceValue)
	}
	if got.SizeDisplay != "1.5" || got.SizeValue != 1.5 {
		t.Fatalf("size = %q / %v", got.SizeDisplay, got.SizeValue)
	}
	if got.Price != trade.Price || got.ID != "t1" {
		t.Fatalf("raw fields not preserved: %+v", got.Trade)
	}
}

func TestMissingMetadata(t *testing.T) {
	e := newTestEnhancer()

	tests := []struct {
		name     string
		run      func() error
		wantKind string
		wantID   string
	}{
		{
			name: "unknown market",
			run: func() error {
				_, err := e.Trade(models.Trade{MarketID: "DOGE/USDC", Price: "1", Size: "1"})
				return err
			},
			wantKind: "market",
			wantID:   "DOGE/USDC",
		},
		{
			name: "unknown base token",
			run: func() error {
				_, err := e.Orderbook(models.Orderbook{MarketID: "ETH/USDC"})
				return err
			},
			wantKind: "token",
			wantID:   "ETH",
		},
		{
			name: "unknown balance token",
			run: func() error {
				_, err := e.Balance(models.Balance{TokenTicker: "SOL", Amount: "1"})
				return err
			},
			wantKind: "token",
			wantID:   "SOL",
		},
		{
			name: "unknown candle market",
			run: func() error {
				_, err := e.Candle(models.Candle{MarketID: "X/Y"})
				return err
			},
			wantKind: "market",
			wantID:   "X/Y",
		},
	}
	for _, tt := range tests {
		err := tt.run()
		if !errors.Is(err, ErrMetadataNotReady) {
			t.Fatalf("%s: error = %v, want ErrMetadataNotReady", tt.name, err)
		}
		var metaErr *MetadataError
		if !errors.As(err, &metaErr) || metaErr.Kind != tt.wantKind || metaErr.ID != tt.wantID {
			t.Fatalf("%s: got %+v", tt.name, metaErr)
		}
	}
}

func TestMalformedAtomsIsPrecisionError(t *testing.T) {
	e := newTestEnhancer()
	_, err := e.Trade(models.Trade{MarketID: "BTC/USDC", Price: "1.5", Size: "1"})
	if !errors.Is(err, numeric.ErrInvalidAtoms) {
		t.Fatalf("error = %v, want ErrInvalidAtoms", err)
	}
	if errors.Is(err, ErrMetadataNotReady) {
		t.Fatalf("malformed atoms must not look like missing metadata")
	}
}

func TestOrderDefaultsFilledSize(t *testing.T) {
	e := newTestEnhancer()
	got, err := e.Order(models.Order{
		ID:       "o1",
		MarketID: "BTC/USDC",
		Price:    "100000000",
		Size:     "200000000",
		Status:   models.OrderStatusPending,
	})
	if err != nil {
		t.Fatalf("Order: %v", err)
	}
	if got.FilledSize != "0" || got.FilledSizeDisplay != "0" || got.FilledSizeValue != 0 {
		t.Fatalf("filled size not defaulted: %+v", got)
	}
	if got.PriceDisplay != "100" || got.SizeDisplay != "2" {
		t.Fatalf("unexpected displays: %q %q", got.PriceDisplay, got.SizeDisplay)
	}
}

func TestBalanceBigIntegers(t *testing.T) {
	e := newTestEnhancer()
	got, err := e.Balance(models.Balance{
		TokenTicker:  "WEI",
		Amount:       "123456789012345678901234",
		OpenInterest: "23456789012345678901234",
	})
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if got.Available != "100000000000000000000000" {
		t.Fatalf("available = %s", got.Available)
	}
	if got.AvailableDisplay != "100,000" {
		t.Fatalf("available display = %q", got.AvailableDisplay)
	}
	if got.AmountDisplay != "123,456.78901235" {
		t.Fatalf("amount display = %q", got.AmountDisplay)
	}
	if got.Amount != "123456789012345678901234" {
		t.Fatalf("raw amount changed: %s", got.Amount)
	}
}

func TestBalanceClampsNegativeAvailable(t *testing.T) {
	e := newTestEnhancer()
	got, err := e.Balance(models.Balance{TokenTicker: "USDC", Amount: "5", OpenInterest: "10"})
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if got.Available != "0" || got.AvailableValue != 0 {
		t.Fatalf("available = %s, want clamped zero", got.Available)
	}
}

func TestAvailableAndAtomArithmetic(t *testing.T) {
	avail, clamped, err := Available("10", "3")
	if err != nil || clamped || avail != "7" {
		t.Fatalf("Available(10, 3) = %s, %v, %v", avail, clamped, err)
	}
	avail, clamped, err = Available("3", "10")
	if err != nil || !clamped || avail != "0" {
		t.Fatalf("Available(3, 10) = %s, %v, %v", avail, clamped, err)
	}
	if _, _, err := Available("x", "1"); !errors.Is(err, numeric.ErrInvalidAtoms) {
		t.Fatalf("expected ErrInvalidAtoms, got %v", err)
	}

	sum, err := AddAtoms("100000000000000000000000", "23456789012345678901234")
	if err != nil || sum != "123456789012345678901234" {
		t.Fatalf("AddAtoms = %s, %v", sum, err)
	}
	cmp, err := CompareAtoms("9007199254740993", "9007199254740992")
	if err != nil || cmp != 1 {
		t.Fatalf("CompareAtoms = %d, %v", cmp, err)
	}
}

func TestOrderbookPreservesLevelOrder(t *testing.T) {
	e := newTestEnhancer()
	ob := models.Orderbook{
		MarketID: "BTC/USDC",
		Bids: []models.OrderbookLevel{
			{Price: "101000000", Size: "100000000"},
			{Price: "100000000", Size: "200000000"},
		},
		Asks: []models.OrderbookLevel{
			{Price: "102000000", Size: "50000000"},
		},
	}

	got, err := e.Orderbook(ob)
	if err != nil {
		t.Fatalf("Orderbook: %v", err)
	}
	if len(got.Bids) != 2 || len(got.Asks) != 1 {
		t.Fatalf("level counts = %d/%d", len(got.Bids), len(got.Asks))
	}
	if got.Bids[0].PriceValue != 101 || got.Bids[1].PriceValue != 100 {
		t.Fatalf("bid order changed: %+v", got.Bids)
	}
	if got.Asks[0].SizeDisplay != "0.5" {
		t.Fatalf("ask size display = %q", got.Asks[0].SizeDisplay)
	}

	level, err := e.OrderbookLevel("BTC/USDC", ob.Asks[0])
	if err != nil || level.PriceDisplay != "102" {
		t.Fatalf("OrderbookLevel = %+v, %v", level, err)
	}
}

func TestCandle(t *testing.T) {
	e := newTestEnhancer()
	got, err := e.Candle(models.Candle{
		MarketID: "BTC/USDC",
		Open:     "100000000",
		High:     "110000000",
		Low:      "90000000",
		Close:    "105000000",
		Volume:   "250000000",
	})
	if err != nil {
		t.Fatalf("Candle: %v", err)
	}
	if got.OpenValue != 100 || got.HighValue != 110 || got.LowValue != 90 || got.CloseValue != 105 || got.VolumeValue != 2.5 {
		t.Fatalf("unexpected candle values: %+v", got)
	}
}

func TestRoundOrder(t *testing.T) {
	e := newTestEnhancer()
	priceAtoms, sizeAtoms, err := e.RoundOrder("BTC/USDC", decimal.RequireFromString("100.005"), decimal.RequireFromString("0.123456"))
	if err != nil {
		t.Fatalf("RoundOrder: %v", err)
	}
	if priceAtoms != "100010000" {
		t.Fatalf("price atoms = %s", priceAtoms)
	}
	if sizeAtoms != "12346000" {
		t.Fatalf("size atoms = %s", sizeAtoms)
	}

	if _, _, err := e.RoundOrder("NOPE", decimal.NewFromInt(1), decimal.NewFromInt(1)); !errors.Is(err, ErrMetadataNotReady) {
		t.Fatalf("expected ErrMetadataNotReady, got %v", err)
	}
}
