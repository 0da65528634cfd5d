package store

import (
	"errors"

	"venuesync/internal/enhance"
	"venuesync/internal/metrics"
	"venuesync/internal/models"
	"venuesync/logger"
)

// All apply* methods run on the mailbox goroutine.

func (s *Store) dropStale(msgType models.MessageType, market string) {
	s.log.WithFields(logger.Fields{
		"message_type": string(msgType),
		"market":       market,
		"selected":     s.selected,
	}).Debug("dropping update for unselected market")
	metrics.EmitDropMetric(logger.GetLogger(), metrics.DropMetricStaleMarket, string(msgType), market, "not_selected")
}

// skipUpdate logs an update that could not be enhanced. Missing metadata is
// expected before the first snapshot and is counted separately.
func (s *Store) skipUpdate(msgType models.MessageType, market string, err error) {
	entry := s.log.WithFields(logger.Fields{
		"message_type": string(msgType),
		"market":       market,
	}).WithError(err)
	if errors.Is(err, enhance.ErrMetadataNotReady) {
		entry.Warn("metadata not cached, update skipped")
		metrics.EmitDropMetric(logger.GetLogger(), metrics.DropMetricMetadata, string(msgType), market, "metadata_not_ready")
		return
	}
	entry.Warn("update could not be enhanced, skipped")
}

// staleUser reports whether a user-scoped frame belongs to someone other
// than the current user.
func (s *Store) staleUser(frameUser string) bool {
	return s.user == "" || (frameUser != "" && frameUser != s.user)
}

func (s *Store) applyTradeFrame(msg models.ServerMessage) {
	if msg.Trade == nil {
		return
	}
	trade := msg.Trade.Trade()

	forMarket := trade.MarketID == s.selected
	forUser := s.user != "" && (trade.BuyerAddress == s.user || trade.SellerAddress == s.user)
	if !forMarket && !forUser {
		s.dropStale(msg.Type, trade.MarketID)
		return
	}

	enhanced, err := s.enh.Trade(trade)
	if err != nil {
		s.skipUpdate(msg.Type, trade.MarketID, err)
		return
	}

	var topics []Topic
	s.mu.Lock()
	if forMarket {
		var added bool
		if s.trades, added = prependTrade(s.trades, enhanced, s.opts.RecentTradesLimit); added {
			topics = append(topics, TopicTrades)
		}
	}
	if forUser {
		var added bool
		if s.userTrades, added = prependTrade(s.userTrades, enhanced, s.opts.RecentTradesLimit); added {
			topics = append(topics, TopicUserTrades)
		}
	}
	s.mu.Unlock()
	s.emit(topics...)
}

func (s *Store) applyOrderbookFrame(msg models.ServerMessage) {
	if msg.Orderbook == nil {
		return
	}
	frame := msg.Orderbook
	if frame.MarketID != s.selected {
		s.dropStale(msg.Type, frame.MarketID)
		return
	}

	enhanced, err := s.enh.Orderbook(models.Orderbook{
		MarketID: frame.MarketID,
		Bids:     frame.Bids,
		Asks:     frame.Asks,
		AsOf:     s.now(),
	})
	if err != nil {
		s.skipUpdate(msg.Type, frame.MarketID, err)
		return
	}

	s.mu.Lock()
	s.orderbook = &enhanced
	s.mu.Unlock()
	s.emit(TopicOrderbook)
}

func (s *Store) applyCandleFrame(msg models.ServerMessage) {
	candle := msg.Candle()
	if candle.MarketID != s.selected {
		s.dropStale(msg.Type, candle.MarketID)
		return
	}
	enhanced, err := s.enh.Candle(candle)
	if err != nil {
		s.skipUpdate(msg.Type, candle.MarketID, err)
		return
	}

	s.mu.Lock()
	s.candles = upsertCandle(s.candles, enhanced, maxCandles)
	s.mu.Unlock()
	s.emit(TopicCandles)
}

// applyOrderFrame merges a delta into a known order. A delta for an order
// that is not held locally cannot build a full record, so the order set is
// refetched instead.
func (s *Store) applyOrderFrame(msg models.ServerMessage) {
	if s.staleUser(msg.UserAddress) {
		return
	}
	upd := msg.OrderUpdate()
	cur, ok := s.orders[upd.OrderID]
	if !ok {
		s.log.WithField("order_id", upd.OrderID).Debug("update for unknown order, refetching orders")
		s.fetchOrders()
		return
	}

	merged, changed := mergeOrderUpdate(cur.Order, upd, s.now())
	if !changed {
		return
	}
	enhanced, err := s.enh.Order(merged)
	if err != nil {
		s.skipUpdate(msg.Type, merged.MarketID, err)
		return
	}

	s.touch(fetchOrders, merged.ID)
	s.mu.Lock()
	s.orders[merged.ID] = enhanced
	s.mu.Unlock()
	s.emit(TopicOrders)
}

// applyBalanceFrame upserts a balance from its available and locked parts.
func (s *Store) applyBalanceFrame(msg models.ServerMessage) {
	if s.staleUser(msg.UserAddress) {
		return
	}
	upd := msg.BalanceUpdate()
	locked := upd.Locked
	if locked == "" {
		locked = "0"
	}
	amount, err := enhance.AddAtoms(upd.Available, locked)
	if err != nil {
		s.skipUpdate(msg.Type, "", err)
		return
	}

	s.touch(fetchBalances, upd.TokenTicker)
	s.upsertBalance(models.Balance{
		UserAddress:  s.user,
		TokenTicker:  upd.TokenTicker,
		Amount:       amount,
		OpenInterest: locked,
		UpdatedAt:    s.now(),
	})
}

// upsertBalance enhances b with the token decimals cached right now. When
// the token is not cached yet the latest balance per ticker is held back and
// replayed after the next metadata load.
func (s *Store) upsertBalance(b models.Balance) {
	enhanced, err := s.enh.Balance(b)
	if errors.Is(err, enhance.ErrMetadataNotReady) {
		s.pendingBalances[b.TokenTicker] = b
		s.log.WithField("token", b.TokenTicker).Warn("token not cached, balance buffered")
		return
	}
	if err != nil {
		s.skipUpdate(models.MessageBalance, "", err)
		return
	}

	delete(s.pendingBalances, b.TokenTicker)
	s.mu.Lock()
	s.balances[b.TokenTicker] = enhanced
	s.mu.Unlock()
	s.emit(TopicBalances)
}

func (s *Store) replayBalances() {
	if len(s.pendingBalances) == 0 {
		return
	}
	buffered := make([]models.Balance, 0, len(s.pendingBalances))
	for _, b := range s.pendingBalances {
		buffered = append(buffered, b)
	}
	for _, b := range buffered {
		if b.UserAddress != s.user {
			delete(s.pendingBalances, b.TokenTicker)
			continue
		}
		s.upsertBalance(b)
	}
}

// applyBalanceSnapshot replaces every balance except those updated live since
// the fetch started. Tokens that are not cached yet are buffered like live
// updates.
func (s *Store) applyBalanceSnapshot(balances []models.Balance) {
	next := make(map[string]models.EnhancedBalance, len(balances))
	for ticker, b := range s.balances {
		if s.touchedSinceFetch(fetchBalances, ticker) {
			next[ticker] = b
		}
	}
	for _, b := range balances {
		if s.touchedSinceFetch(fetchBalances, b.TokenTicker) {
			continue
		}
		enhanced, err := s.enh.Balance(b)
		if errors.Is(err, enhance.ErrMetadataNotReady) {
			s.pendingBalances[b.TokenTicker] = b
			continue
		}
		if err != nil {
			s.skipUpdate(models.MessageBalance, "", err)
			continue
		}
		delete(s.pendingBalances, b.TokenTicker)
		next[b.TokenTicker] = enhanced
	}

	s.mu.Lock()
	s.balances = next
	s.mu.Unlock()
	s.emit(TopicBalances)
}

// applyOrderSnapshot replaces the order set. Orders also held locally keep
// whichever status and fill is further along, and orders changed live since
// the fetch started survive even when the snapshot lacks them.
func (s *Store) applyOrderSnapshot(orders []models.Order) {
	next := make(map[string]models.EnhancedOrder, len(orders))
	for id, o := range s.orders {
		if s.touchedSinceFetch(fetchOrders, id) {
			next[id] = o
		}
	}
	for _, o := range orders {
		if cur, ok := s.orders[o.ID]; ok {
			o = mergeOrder(cur.Order, o)
		}
		enhanced, err := s.enh.Order(o)
		if err != nil {
			s.skipUpdate(models.MessageOrder, o.MarketID, err)
			continue
		}
		next[o.ID] = enhanced
	}

	s.mu.Lock()
	s.orders = next
	s.mu.Unlock()
	s.emit(TopicOrders)
}

// applyUserTradeSnapshot merges fetched fills with those streamed since the
// fetch started.
func (s *Store) applyUserTradeSnapshot(trades []models.Trade) {
	next := make([]models.EnhancedTrade, 0, len(trades))
	for _, t := range trades {
		enhanced, err := s.enh.Trade(t)
		if err != nil {
			s.skipUpdate(models.MessageTrade, t.MarketID, err)
			continue
		}
		next = append(next, enhanced)
	}
	seen := make(map[string]bool, len(next))
	for _, t := range next {
		seen[t.ID] = true
	}
	for _, t := range s.userTrades {
		if !seen[t.ID] {
			next = append(next, t)
		}
	}
	next = newestFirst(next, s.opts.RecentTradesLimit)

	s.mu.Lock()
	s.userTrades = next
	s.mu.Unlock()
	s.emit(TopicUserTrades)
}

func (s *Store) applyCandleSnapshot(market string, candles []models.Candle) {
	if market != s.selected {
		return
	}
	var next []models.EnhancedCandle
	for _, c := range candles {
		enhanced, err := s.enh.Candle(c)
		if err != nil {
			s.skipUpdate(models.MessageCandle, market, err)
			continue
		}
		next = upsertCandle(next, enhanced, maxCandles)
	}
	// Bars streamed while the fetch was in flight are newer.
	for _, c := range s.candles {
		next = upsertCandle(next, c, maxCandles)
	}

	s.mu.Lock()
	s.candles = next
	s.mu.Unlock()
	s.emit(TopicCandles)
}
