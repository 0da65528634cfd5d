package store

import (
	"context"
	"errors"
	"time"

	"venuesync/internal/metrics"
	"venuesync/internal/models"
	"venuesync/internal/rest"
	"venuesync/logger"
)

// Fetch keys. A result is applied only while its generation is the latest
// one started for the key.
const (
	fetchMetadata   = "metadata"
	fetchCandles    = "candles"
	fetchOrders     = "orders"
	fetchBalances   = "balances"
	fetchUserTrades = "user_trades"
)

// fetch starts load in its own goroutine and posts the returned apply func
// back to the mailbox. Must be called from the mailbox goroutine.
func (s *Store) fetch(key string, load func(ctx context.Context) (func(), error)) {
	s.gens[key]++
	gen := s.gens[key]
	ctx := s.ctx

	go func() {
		start := time.Now()
		apply, err := load(ctx)
		elapsed := time.Since(start)

		posted := s.post(func() {
			log := s.log.WithFields(logger.Fields{"fetch": key, "generation": gen})
			switch {
			case s.gens[key] != gen:
				log.Debug("fetch superseded by a newer request")
				s.emitFetch(key, "superseded")
			case err != nil:
				log.WithError(err).Warn("snapshot fetch failed")
				s.emitFetch(key, "failed")
			default:
				apply()
				logger.LogPerformanceEntry(log, metricsComponent, "fetch_"+key, elapsed, nil)
				s.emitFetch(key, "applied")
			}
		})
		if posted != nil && !errors.Is(posted, ErrStopped) {
			s.log.WithError(posted).Warn("fetch result not delivered")
		}
	}()
}

// invalidate discards any in-flight result for key.
func (s *Store) invalidate(keys ...string) {
	for _, key := range keys {
		s.gens[key]++
	}
}

// touch records a live change to id so that a snapshot requested before the
// change does not overwrite it.
func (s *Store) touch(key, id string) {
	if s.touched[key] == nil {
		s.touched[key] = make(map[string]uint64)
	}
	s.touched[key][id] = s.gens[key]
}

// touchedSinceFetch reports whether id changed live after the latest fetch
// for key was started.
func (s *Store) touchedSinceFetch(key, id string) bool {
	gen, ok := s.touched[key][id]
	return ok && gen == s.gens[key]
}

func (s *Store) emitFetch(key, outcome string) {
	metrics.EmitMetric(logger.GetLogger(), metricsComponent, "fetches_"+outcome, 1, metrics.TypeCounter, logger.Fields{
		"fetch": key,
	})
}

func (s *Store) fetchMetadata() {
	s.fetch(fetchMetadata, func(ctx context.Context) (func(), error) {
		tokens, err := s.src.Tokens(ctx)
		if err != nil {
			return nil, err
		}
		markets, err := s.src.Markets(ctx)
		if err != nil {
			return nil, err
		}
		return func() { s.applyMetadata(tokens, markets) }, nil
	})
}

func (s *Store) fetchCandles() {
	market := s.selected
	if market == "" {
		return
	}
	interval, lookback := s.opts.CandleInterval, s.opts.CandleLookback
	s.fetch(fetchCandles, func(ctx context.Context) (func(), error) {
		to := time.Now()
		candles, err := s.src.Candles(ctx, rest.CandlesQuery{
			MarketID: market,
			Interval: interval,
			From:     to.Add(-lookback),
			To:       to,
		})
		if err != nil {
			return nil, err
		}
		return func() { s.applyCandleSnapshot(market, candles) }, nil
	})
}

func (s *Store) fetchOrders() {
	user := s.user
	if user == "" {
		return
	}
	s.fetch(fetchOrders, func(ctx context.Context) (func(), error) {
		orders, err := s.src.Orders(ctx, rest.OrdersQuery{UserAddress: user})
		if err != nil {
			return nil, err
		}
		return func() { s.applyOrderSnapshot(orders) }, nil
	})
}

func (s *Store) fetchBalances() {
	user := s.user
	if user == "" {
		return
	}
	s.fetch(fetchBalances, func(ctx context.Context) (func(), error) {
		balances, err := s.src.Balances(ctx, user)
		if err != nil {
			return nil, err
		}
		return func() { s.applyBalanceSnapshot(balances) }, nil
	})
}

func (s *Store) fetchUserTrades() {
	user := s.user
	if user == "" {
		return
	}
	limit := s.opts.RecentTradesLimit
	s.fetch(fetchUserTrades, func(ctx context.Context) (func(), error) {
		trades, err := s.src.Trades(ctx, rest.TradesQuery{UserAddress: user, Limit: limit})
		if err != nil {
			return nil, err
		}
		return func() { s.applyUserTradeSnapshot(trades) }, nil
	})
}

func (s *Store) refreshUser() {
	s.fetchOrders()
	s.fetchBalances()
	s.fetchUserTrades()
}

// applyMetadata installs the snapshot in the cache and re-derives anything
// that may have been skipped while it was missing.
func (s *Store) applyMetadata(tokens []models.Token, markets []models.Market) {
	s.meta.SetTokens(tokens)
	s.meta.SetMarkets(markets)
	s.log.WithFields(logger.Fields{
		"tokens":  len(tokens),
		"markets": len(markets),
	}).Info("metadata loaded")
	s.emit(TopicMarkets)

	s.replayBalances()
	s.refreshUser()
	s.fetchCandles()
}
