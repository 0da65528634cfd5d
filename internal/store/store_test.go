package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"venuesync/internal/cache"
	"venuesync/internal/models"
	"venuesync/internal/rest"
	"venuesync/internal/session"
)

const waitTimeout = 3 * time.Second

type fakeSession struct {
	mu        sync.Mutex
	handlers  map[models.MessageType][]session.Handler
	listeners []session.StateListener
	ops       []string
}

func newFakeSession() *fakeSession {
	return &fakeSession{handlers: make(map[models.MessageType][]session.Handler)}
}

func (f *fakeSession) Subscribe(channel models.Channel, identifier string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, fmt.Sprintf("subscribe %s:%s", channel, identifier))
	return nil
}

func (f *fakeSession) Unsubscribe(channel models.Channel, identifier string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, fmt.Sprintf("unsubscribe %s:%s", channel, identifier))
	return nil
}

func (f *fakeSession) On(msgType models.MessageType, h session.Handler) session.HandlerID {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[msgType] = append(f.handlers[msgType], h)
	return session.HandlerID(len(f.handlers[msgType]))
}

func (f *fakeSession) Off(session.HandlerID) bool { return true }

func (f *fakeSession) OnStateChange(fn session.StateListener) session.ListenerID {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, fn)
	return session.ListenerID(len(f.listeners))
}

func (f *fakeSession) OffStateChange(session.ListenerID) {}

func (f *fakeSession) deliver(t *testing.T, msg models.ServerMessage) {
	t.Helper()
	f.mu.Lock()
	handlers := append([]session.Handler(nil), f.handlers[msg.Type]...)
	f.mu.Unlock()
	for _, h := range handlers {
		if err := h(msg); err != nil {
			t.Fatalf("handler for %s: %v", msg.Type, err)
		}
	}
}

func (f *fakeSession) changeState(change session.StateChange) {
	f.mu.Lock()
	listeners := append([]session.StateListener(nil), f.listeners...)
	f.mu.Unlock()
	for _, l := range listeners {
		l(change)
	}
}

func (f *fakeSession) takeOps() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ops := f.ops
	f.ops = nil
	return ops
}

// fakeFetcher serves canned snapshots. A nil func returns an empty result.
type fakeFetcher struct {
	mu       sync.Mutex
	calls    map[string]int
	orders   func(ctx context.Context, q rest.OrdersQuery) ([]models.Order, error)
	balances func(ctx context.Context, user string) ([]models.Balance, error)
	trades   func(ctx context.Context, q rest.TradesQuery) ([]models.Trade, error)
	candles  func(ctx context.Context, q rest.CandlesQuery) ([]models.Candle, error)
	tokens   []models.Token
	markets  []models.Market
}

func (f *fakeFetcher) record(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[name]++
}

func (f *fakeFetcher) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeFetcher) Markets(context.Context) ([]models.Market, error) {
	f.record("markets")
	return f.markets, nil
}

func (f *fakeFetcher) Tokens(context.Context) ([]models.Token, error) {
	f.record("tokens")
	return f.tokens, nil
}

func (f *fakeFetcher) Orders(ctx context.Context, q rest.OrdersQuery) ([]models.Order, error) {
	f.record("orders")
	if f.orders == nil {
		return nil, nil
	}
	return f.orders(ctx, q)
}

func (f *fakeFetcher) Balances(ctx context.Context, user string) ([]models.Balance, error) {
	f.record("balances")
	if f.balances == nil {
		return nil, nil
	}
	return f.balances(ctx, user)
}

func (f *fakeFetcher) Trades(ctx context.Context, q rest.TradesQuery) ([]models.Trade, error) {
	f.record("trades")
	if f.trades == nil {
		return nil, nil
	}
	return f.trades(ctx, q)
}

func (f *fakeFetcher) Candles(ctx context.Context, q rest.CandlesQuery) ([]models.Candle, error) {
	f.record("candles")
	if f.candles == nil {
		return nil, nil
	}
	return f.candles(ctx, q)
}

var (
	testTokens = []models.Token{
		{Ticker: "BTC", Name: "Bitcoin", Decimals: 8},
		{Ticker: "ETH", Name: "Ether", Decimals: 18},
		{Ticker: "USDC", Name: "USD Coin", Decimals: 6},
		{Ticker: "WEI", Name: "Wei", Decimals: 18},
	}
	testMarkets = []models.Market{
		{ID: "BTC/USDC", BaseTicker: "BTC", QuoteTicker: "USDC", TickSize: "10000", LotSize: "1000", MinSize: "1000"},
		{ID: "ETH/USDC", BaseTicker: "ETH", QuoteTicker: "USDC", TickSize: "10000", LotSize: "1000000000000000"},
	}
)

func readyCache() *cache.Cache {
	c := cache.New()
	c.SetTokens(testTokens)
	c.SetMarkets(testMarkets)
	return c
}

// startStore runs a store until the test ends.
func startStore(t *testing.T, opts Options, meta *cache.Cache, fetcher *fakeFetcher) (*Store, *fakeSession) {
	t.Helper()
	sess := newFakeSession()
	s := New(opts, meta, sess, fetcher)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return s, sess
}

func mustSync(t *testing.T, s *Store) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := s.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}
}

// waitFor polls cond between mailbox barriers until it holds.
func waitFor(t *testing.T, s *Store, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		mustSync(t, s)
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func tradeFrame(id, market string, ts int64) models.ServerMessage {
	return models.ServerMessage{
		Type: models.MessageTrade,
		Trade: &models.TradeFrame{
			ID:            id,
			MarketID:      market,
			BuyerAddress:  "0xbuyer",
			SellerAddress: "0xseller",
			Price:         "50000000000",
			Size:          "100000000",
			Side:          models.SideBuy,
			Timestamp:     ts,
		},
	}
}

func orderbookFrame(market, bidPrice string) models.ServerMessage {
	return models.ServerMessage{
		Type: models.MessageOrderbook,
		Orderbook: &models.OrderbookFrame{
			MarketID: market,
			Bids:     []models.OrderbookLevel{{Price: bidPrice, Size: "1000000000000000000"}},
			Asks:     []models.OrderbookLevel{},
		},
	}
}

func TestSelectMarketClearsStateAtomically(t *testing.T) {
	s, sess := startStore(t, Options{}, readyCache(), &fakeFetcher{})

	if err := s.SelectMarket("BTC/USDC"); err != nil {
		t.Fatalf("SelectMarket: %v", err)
	}
	sess.deliver(t, orderbookFrame("BTC/USDC", "50000000000"))
	sess.deliver(t, tradeFrame("t1", "BTC/USDC", 1700000000))
	mustSync(t, s)

	if _, ok := s.Orderbook(); !ok {
		t.Fatalf("orderbook for the selected market was not applied")
	}
	if len(s.RecentTrades()) != 1 {
		t.Fatalf("trade for the selected market was not applied")
	}
	sess.takeOps()

	// Every notification after the switch must already see cleared state.
	var mu sync.Mutex
	var violations []string
	s.OnChange(func(topic Topic) {
		if topic != TopicSelection {
			return
		}
		_, hasBook := s.Orderbook()
		if s.SelectedMarket() != "ETH/USDC" || hasBook || len(s.RecentTrades()) != 0 || len(s.Candles()) != 0 {
			mu.Lock()
			violations = append(violations, "stale data visible under new selection")
			mu.Unlock()
		}
	})

	if err := s.SelectMarket("ETH/USDC"); err != nil {
		t.Fatalf("SelectMarket: %v", err)
	}
	sess.deliver(t, orderbookFrame("BTC/USDC", "51000000000"))
	sess.deliver(t, tradeFrame("t2", "BTC/USDC", 1700000001))
	mustSync(t, s)

	mu.Lock()
	if len(violations) != 0 {
		t.Fatalf("%v", violations)
	}
	mu.Unlock()
	if _, ok := s.Orderbook(); ok {
		t.Fatalf("orderbook of the previous market applied after the switch")
	}
	if got := s.RecentTrades(); len(got) != 0 {
		t.Fatalf("trades of the previous market applied after the switch: %v", ids(got))
	}

	sess.deliver(t, orderbookFrame("ETH/USDC", "3000000000"))
	mustSync(t, s)
	book, ok := s.Orderbook()
	if !ok || book.MarketID != "ETH/USDC" || book.Bids[0].PriceDisplay != "3,000.00" {
		t.Fatalf("unexpected orderbook: %+v", book)
	}

	want := []string{
		"unsubscribe trades:BTC/USDC",
		"subscribe trades:ETH/USDC",
		"unsubscribe orderbook:BTC/USDC",
		"subscribe orderbook:ETH/USDC",
	}
	got := sess.takeOps()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("subscription ops = %v, want %v", got, want)
	}
}

func TestRecentTradesRing(t *testing.T) {
	s, sess := startStore(t, Options{RecentTradesLimit: 3}, readyCache(), &fakeFetcher{})
	if err := s.SelectMarket("BTC/USDC"); err != nil {
		t.Fatalf("SelectMarket: %v", err)
	}
	for i := 1; i <= 5; i++ {
		sess.deliver(t, tradeFrame(fmt.Sprintf("t%d", i), "BTC/USDC", int64(1700000000+i)))
	}
	sess.deliver(t, tradeFrame("t5", "BTC/USDC", 1700000005))
	mustSync(t, s)

	got := ids(s.RecentTrades())
	if fmt.Sprint(got) != "[t5 t4 t3]" {
		t.Fatalf("recent trades = %v", got)
	}
	if price := s.RecentTrades()[0].PriceDisplay; price != "50,000.00" {
		t.Fatalf("price display = %q", price)
	}
}

func TestUserTradesFromMarketStream(t *testing.T) {
	s, sess := startStore(t, Options{}, readyCache(), &fakeFetcher{})
	if err := s.SetUser("0xbuyer"); err != nil {
		t.Fatalf("SetUser: %v", err)
	}
	// Not selected, but the user is a party to it.
	sess.deliver(t, tradeFrame("t1", "BTC/USDC", 1700000000))
	mustSync(t, s)

	if got := ids(s.UserTrades()); fmt.Sprint(got) != "[t1]" {
		t.Fatalf("user trades = %v", got)
	}
	if len(s.RecentTrades()) != 0 {
		t.Fatalf("trade for an unselected market entered recent trades")
	}
}

func TestBalanceFrameUsesIntegerArithmetic(t *testing.T) {
	s, sess := startStore(t, Options{}, readyCache(), &fakeFetcher{})
	if err := s.SetUser("0xabc"); err != nil {
		t.Fatalf("SetUser: %v", err)
	}
	sess.deliver(t, models.ServerMessage{
		Type:        models.MessageBalance,
		TokenTicker: "WEI",
		Available:   "100000000000000000000000",
		Locked:      "23456789012345678901234",
	})
	mustSync(t, s)

	b, ok := s.Balance("WEI")
	if !ok {
		t.Fatalf("balance not applied")
	}
	if b.Amount != "123456789012345678901234" || b.OpenInterest != "23456789012345678901234" {
		t.Fatalf("amount = %s, open interest = %s", b.Amount, b.OpenInterest)
	}
	if b.Available != "100000000000000000000000" || b.AvailableDisplay != "100,000" {
		t.Fatalf("available = %s (%s)", b.Available, b.AvailableDisplay)
	}
	if b.UserAddress != "0xabc" {
		t.Fatalf("user = %s", b.UserAddress)
	}

	// Upserts are idempotent and keyed by ticker.
	sess.deliver(t, models.ServerMessage{Type: models.MessageBalance, TokenTicker: "WEI", Available: "1", Locked: "2"})
	mustSync(t, s)
	if got := s.Balances(); len(got) != 1 || got[0].Amount != "3" {
		t.Fatalf("balances after upsert = %+v", got)
	}
}

func TestBalanceBufferedUntilMetadata(t *testing.T) {
	fetcher := &fakeFetcher{
		tokens:  testTokens,
		markets: testMarkets,
		balances: func(_ context.Context, user string) ([]models.Balance, error) {
			return []models.Balance{{UserAddress: user, TokenTicker: "USDC", Amount: "3000000", OpenInterest: "500000"}}, nil
		},
	}
	meta := cache.New()
	s, sess := startStore(t, Options{}, meta, fetcher)
	if err := s.SetUser("0xabc"); err != nil {
		t.Fatalf("SetUser: %v", err)
	}
	mustSync(t, s)

	sess.deliver(t, models.ServerMessage{Type: models.MessageBalance, TokenTicker: "USDC", Available: "1000000", Locked: "0"})
	sess.deliver(t, models.ServerMessage{Type: models.MessageBalance, TokenTicker: "USDC", Available: "2500000", Locked: "500000"})
	mustSync(t, s)
	if _, ok := s.Balance("USDC"); ok {
		t.Fatalf("balance applied without token metadata")
	}

	if err := s.LoadMetadata(); err != nil {
		t.Fatalf("LoadMetadata: %v", err)
	}
	waitFor(t, s, "buffered balance replay", func() bool {
		_, ok := s.Balance("USDC")
		return ok
	})
	b, _ := s.Balance("USDC")
	if b.Amount != "3000000" || b.AvailableDisplay != "2.5" {
		t.Fatalf("replayed balance = %s available %s", b.Amount, b.AvailableDisplay)
	}
	if !meta.IsReady() || len(s.Markets()) != 2 {
		t.Fatalf("metadata not installed")
	}
}

func TestSnapshotBalanceClampsNegativeAvailable(t *testing.T) {
	fetcher := &fakeFetcher{
		balances: func(_ context.Context, user string) ([]models.Balance, error) {
			return []models.Balance{{UserAddress: user, TokenTicker: "USDC", Amount: "5", OpenInterest: "10"}}, nil
		},
	}
	s, _ := startStore(t, Options{}, readyCache(), fetcher)
	if err := s.SetUser("0xabc"); err != nil {
		t.Fatalf("SetUser: %v", err)
	}
	waitFor(t, s, "balance snapshot", func() bool {
		_, ok := s.Balance("USDC")
		return ok
	})
	if b, _ := s.Balance("USDC"); b.Available != "0" {
		t.Fatalf("available = %s, want clamped zero", b.Available)
	}
}

func TestUnknownOrderTriggersRefetch(t *testing.T) {
	gate := make(chan struct{})
	var calls atomic.Int32
	fetcher := &fakeFetcher{
		orders: func(ctx context.Context, _ rest.OrdersQuery) ([]models.Order, error) {
			if calls.Add(1) == 1 {
				return nil, nil
			}
			select {
			case <-gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return []models.Order{{
				ID:          "o1",
				UserAddress: "0xabc",
				MarketID:    "BTC/USDC",
				Price:       "50000000000",
				Size:        "100000000",
				Side:        models.SideBuy,
				OrderType:   models.OrderTypeLimit,
				Status:      models.OrderStatusPending,
				FilledSize:  "0",
			}}, nil
		},
	}
	s, sess := startStore(t, Options{}, readyCache(), fetcher)
	if err := s.SetUser("0xabc"); err != nil {
		t.Fatalf("SetUser: %v", err)
	}
	waitFor(t, s, "initial order fetch", func() bool { return fetcher.count("orders") == 1 })

	sess.deliver(t, models.ServerMessage{Type: models.MessageOrder, OrderID: "o1", Status: "partially_filled", FilledSize: "50000000"})
	mustSync(t, s)
	if _, ok := s.Order("o1"); ok {
		t.Fatalf("order fabricated from a partial delta")
	}

	close(gate)
	waitFor(t, s, "order refetch", func() bool {
		_, ok := s.Order("o1")
		return ok
	})
	if fetcher.count("orders") != 2 {
		t.Fatalf("orders fetched %d times", fetcher.count("orders"))
	}

	sess.deliver(t, models.ServerMessage{Type: models.MessageOrder, OrderID: "o1", Status: "partially_filled", FilledSize: "50000000"})
	mustSync(t, s)
	o, _ := s.Order("o1")
	if o.Status != models.OrderStatusPartiallyFilled || o.FilledSize != "50000000" || o.FilledSizeDisplay != "0.5" {
		t.Fatalf("merged order = %+v", o)
	}
	if len(s.OpenOrders()) != 1 {
		t.Fatalf("open orders = %d", len(s.OpenOrders()))
	}

	sess.deliver(t, models.ServerMessage{Type: models.MessageOrder, OrderID: "o1", Status: "pending", FilledSize: "10000000"})
	mustSync(t, s)
	if o, _ := s.Order("o1"); o.Status != models.OrderStatusPartiallyFilled || o.FilledSize != "50000000" {
		t.Fatalf("order regressed: %s %s", o.Status, o.FilledSize)
	}
}

func TestRunTogetherPartialFillStatusAdvancesOrder(t *testing.T) {
	fetcher := &fakeFetcher{
		orders: func(context.Context, rest.OrdersQuery) ([]models.Order, error) {
			return []models.Order{{
				ID:          "o2",
				UserAddress: "0xabc",
				MarketID:    "BTC/USDC",
				Price:       "50000000000",
				Size:        "100000000",
				Side:        models.SideSell,
				OrderType:   models.OrderTypeLimit,
				Status:      models.OrderStatusPending,
				FilledSize:  "0",
			}}, nil
		},
	}
	s, sess := startStore(t, Options{}, readyCache(), fetcher)
	if err := s.SetUser("0xabc"); err != nil {
		t.Fatalf("SetUser: %v", err)
	}
	waitFor(t, s, "order snapshot", func() bool {
		_, ok := s.Order("o2")
		return ok
	})

	sess.deliver(t, models.ServerMessage{Type: models.MessageOrder, OrderID: "o2", Status: "partiallyfilled", FilledSize: "25000000"})
	mustSync(t, s)

	o, _ := s.Order("o2")
	if o.Status != models.OrderStatusPartiallyFilled || o.FilledSize != "25000000" {
		t.Fatalf("order after partial fill = %s %s", o.Status, o.FilledSize)
	}
	if fetcher.count("orders") != 1 {
		t.Fatalf("known order refetched %d times", fetcher.count("orders"))
	}
}

func TestLatestInitiatedFetchWins(t *testing.T) {
	release := make(chan struct{})
	fetcher := &fakeFetcher{
		balances: func(ctx context.Context, user string) ([]models.Balance, error) {
			if user == "0xold" {
				select {
				case <-release:
				case <-ctx.Done():
				}
			}
			return []models.Balance{{UserAddress: user, TokenTicker: "USDC", Amount: "1000000", OpenInterest: "0"}}, nil
		},
	}
	s, _ := startStore(t, Options{}, readyCache(), fetcher)

	if err := s.SetUser("0xold"); err != nil {
		t.Fatalf("SetUser: %v", err)
	}
	waitFor(t, s, "first balance fetch", func() bool { return fetcher.count("balances") == 1 })
	if err := s.SetUser("0xnew"); err != nil {
		t.Fatalf("SetUser: %v", err)
	}
	waitFor(t, s, "second balance snapshot", func() bool {
		_, ok := s.Balance("USDC")
		return ok
	})

	// The older request completes last but must not overwrite.
	close(release)
	time.Sleep(20 * time.Millisecond)
	mustSync(t, s)
	if b, _ := s.Balance("USDC"); b.UserAddress != "0xnew" {
		t.Fatalf("stale fetch applied: %+v", b)
	}
}

func TestCandlesFollowSelection(t *testing.T) {
	fetcher := &fakeFetcher{
		candles: func(_ context.Context, q rest.CandlesQuery) ([]models.Candle, error) {
			if q.Interval != "5m" {
				return nil, errors.New("unexpected interval")
			}
			return []models.Candle{
				{MarketID: q.MarketID, Timestamp: time.Unix(1700000060, 0), Open: "1000000", High: "2000000", Low: "1000000", Close: "2000000", Volume: "100000000"},
				{MarketID: q.MarketID, Timestamp: time.Unix(1700000000, 0), Open: "1000000", High: "1000000", Low: "1000000", Close: "1000000", Volume: "100000000"},
			}, nil
		},
	}
	s, sess := startStore(t, Options{CandleInterval: "5m"}, readyCache(), fetcher)
	if err := s.SelectMarket("BTC/USDC"); err != nil {
		t.Fatalf("SelectMarket: %v", err)
	}
	waitFor(t, s, "candle snapshot", func() bool { return len(s.Candles()) == 2 })

	got := s.Candles()
	if got[0].Timestamp.Unix() != 1700000000 || got[1].CloseValue != 2 {
		t.Fatalf("unexpected candles: %+v", got)
	}

	sess.deliver(t, models.ServerMessage{Type: models.MessageCandle, MarketID: "ETH/USDC", Timestamp: 1700000120, Open: "1", High: "1", Low: "1", Close: "1", Volume: "1"})
	sess.deliver(t, models.ServerMessage{Type: models.MessageCandle, MarketID: "BTC/USDC", Timestamp: 1700000120, Open: "2000000", High: "3000000", Low: "2000000", Close: "3000000", Volume: "1"})
	mustSync(t, s)
	got = s.Candles()
	if len(got) != 3 || got[2].CloseValue != 3 {
		t.Fatalf("live candle not appended: %+v", got)
	}
}

func TestPendingOrderLifecycle(t *testing.T) {
	s, _ := startStore(t, Options{}, readyCache(), &fakeFetcher{})
	if err := s.SetUser("0xabc"); err != nil {
		t.Fatalf("SetUser: %v", err)
	}

	if _, err := s.AddPendingOrder(models.PendingOrder{MarketID: "BTC/USDC", Side: "hold", OrderType: models.OrderTypeLimit, Price: "1", Size: "1"}); !errors.Is(err, ErrInvalidOrder) {
		t.Fatalf("invalid side error = %v", err)
	}
	if _, err := s.AddPendingOrder(models.PendingOrder{MarketID: "BTC/USDC", Side: models.SideBuy, OrderType: models.OrderTypeLimit, Size: "1"}); !errors.Is(err, ErrInvalidOrder) {
		t.Fatalf("missing price error = %v", err)
	}

	intent := models.PendingOrder{
		MarketID:  "BTC/USDC",
		Side:      models.SideBuy,
		OrderType: models.OrderTypeLimit,
		Price:     "50000000000",
		Size:      "100000000",
	}
	keep, err := s.AddPendingOrder(intent)
	if err != nil {
		t.Fatalf("AddPendingOrder: %v", err)
	}
	drop, err := s.AddPendingOrder(intent)
	if err != nil {
		t.Fatalf("AddPendingOrder: %v", err)
	}
	mustSync(t, s)
	if len(s.PendingOrders()) != 2 || keep == drop {
		t.Fatalf("pending = %+v", s.PendingOrders())
	}

	if err := s.RejectPendingOrder(drop); err != nil {
		t.Fatalf("RejectPendingOrder: %v", err)
	}
	err = s.ConfirmPendingOrder(keep, models.Order{
		ID:          "o9",
		UserAddress: "0xabc",
		MarketID:    "BTC/USDC",
		Price:       intent.Price,
		Size:        intent.Size,
		Side:        intent.Side,
		OrderType:   intent.OrderType,
		Status:      models.OrderStatusPending,
	})
	if err != nil {
		t.Fatalf("ConfirmPendingOrder: %v", err)
	}
	mustSync(t, s)

	if len(s.PendingOrders()) != 0 {
		t.Fatalf("intents left after confirm and reject: %+v", s.PendingOrders())
	}
	o, ok := s.Order("o9")
	if !ok || o.FilledSize != "0" || o.PriceDisplay != "50,000.00" {
		t.Fatalf("confirmed order = %+v", o)
	}
}

func TestPendingOrderWithoutUser(t *testing.T) {
	s, _ := startStore(t, Options{}, readyCache(), &fakeFetcher{})

	id, err := s.AddPendingOrder(models.PendingOrder{
		MarketID:  "BTC/USDC",
		Side:      models.SideBuy,
		OrderType: models.OrderTypeMarket,
		Size:      "100000000",
	})
	if !errors.Is(err, ErrNoUser) || id != "" {
		t.Fatalf("AddPendingOrder without user = (%q, %v), want ErrNoUser", id, err)
	}
	if len(s.PendingOrders()) != 0 {
		t.Fatalf("intent kept without a user: %+v", s.PendingOrders())
	}
}

func TestReconnectRefreshesUserSnapshots(t *testing.T) {
	fetcher := &fakeFetcher{}
	s, sess := startStore(t, Options{}, readyCache(), fetcher)
	if err := s.SetUser("0xabc"); err != nil {
		t.Fatalf("SetUser: %v", err)
	}
	waitFor(t, s, "initial fetch", func() bool { return fetcher.count("balances") == 1 })

	sess.changeState(session.StateChange{From: session.StateConnecting, To: session.StateConnected})
	mustSync(t, s)
	sess.changeState(session.StateChange{From: session.StateConnecting, To: session.StateConnected, Reconnect: true})
	waitFor(t, s, "refresh after reconnect", func() bool {
		return fetcher.count("balances") == 2 && fetcher.count("orders") == 2 && fetcher.count("trades") == 2
	})
}

func TestLogoutDropsUserState(t *testing.T) {
	s, sess := startStore(t, Options{}, readyCache(), &fakeFetcher{})
	if err := s.SetUser("0xabc"); err != nil {
		t.Fatalf("SetUser: %v", err)
	}
	sess.deliver(t, models.ServerMessage{Type: models.MessageBalance, TokenTicker: "USDC", Available: "1", Locked: "0"})
	mustSync(t, s)
	sess.takeOps()

	if err := s.SetUser(""); err != nil {
		t.Fatalf("SetUser: %v", err)
	}
	sess.deliver(t, models.ServerMessage{Type: models.MessageBalance, TokenTicker: "USDC", Available: "1", Locked: "0"})
	mustSync(t, s)

	if s.UserAddress() != "" || len(s.Balances()) != 0 {
		t.Fatalf("user state survived logout")
	}
	if got := sess.takeOps(); fmt.Sprint(got) != "[unsubscribe user:0xabc]" {
		t.Fatalf("ops = %v", got)
	}
}

func TestStoppedStoreRejectsActions(t *testing.T) {
	s := New(Options{}, readyCache(), newFakeSession(), &fakeFetcher{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	mustSync(t, s)
	if err := s.Run(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Run = %v", err)
	}
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run = %v", err)
		}
	case <-time.After(waitTimeout):
		t.Fatalf("Run did not return after cancel")
	}
	if err := s.SelectMarket("BTC/USDC"); !errors.Is(err, ErrStopped) {
		t.Fatalf("SelectMarket after stop = %v", err)
	}
	s.Close()
}
