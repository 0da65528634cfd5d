package store

import (
	"fmt"

	"github.com/google/uuid"

	"venuesync/internal/models"
	"venuesync/internal/numeric"
	"venuesync/logger"
)

// LoadMetadata fetches tokens and markets into the cache. Buffered balances
// are replayed and user snapshots refreshed once it lands.
func (s *Store) LoadMetadata() error {
	return s.post(s.fetchMetadata)
}

// SelectMarket switches the market whose orderbook, trades and candles are
// tracked. The previous market's data is cleared in the same mutation that
// changes the selection, and its stream subscriptions are released.
func (s *Store) SelectMarket(marketID string) error {
	if marketID == "" {
		return fmt.Errorf("%w: market id is required", ErrInvalidMarket)
	}
	return s.post(func() { s.selectMarket(marketID) })
}

func (s *Store) selectMarket(marketID string) {
	prev := s.selected
	if prev == marketID {
		return
	}

	s.mu.Lock()
	s.selected = marketID
	s.orderbook = nil
	s.trades = nil
	s.candles = nil
	s.mu.Unlock()
	s.invalidate(fetchCandles)

	log := s.log.WithFields(logger.Fields{"market": marketID, "previous": prev})
	for _, channel := range []models.Channel{models.ChannelTrades, models.ChannelOrderbook} {
		if prev != "" {
			if err := s.sess.Unsubscribe(channel, prev); err != nil {
				log.WithError(err).WithField("channel", string(channel)).Warn("unsubscribe failed")
			}
		}
		if err := s.sess.Subscribe(channel, marketID); err != nil {
			log.WithError(err).WithField("channel", string(channel)).Warn("subscribe failed")
		}
	}
	log.Info("market selected")
	s.emit(TopicSelection, TopicOrderbook, TopicTrades, TopicCandles)

	s.fetchCandles()
}

// SetUser switches the tracked user. An empty address logs out. State of the
// previous user is dropped and any of its in-flight fetches discarded.
func (s *Store) SetUser(address string) error {
	return s.post(func() { s.setUser(address) })
}

func (s *Store) setUser(address string) {
	prev := s.user
	if prev == address {
		return
	}
	if prev != "" {
		if err := s.sess.Unsubscribe(models.ChannelUser, prev); err != nil {
			s.log.WithError(err).Warn("user unsubscribe failed")
		}
	}

	s.mu.Lock()
	s.user = address
	s.balances = make(map[string]models.EnhancedBalance)
	s.orders = make(map[string]models.EnhancedOrder)
	s.userTrades = nil
	s.pending = make(map[string]models.PendingOrder)
	s.mu.Unlock()
	s.pendingBalances = make(map[string]models.Balance)
	s.touched = make(map[string]map[string]uint64)
	s.invalidate(fetchOrders, fetchBalances, fetchUserTrades)
	s.emit(TopicUser, TopicBalances, TopicOrders, TopicUserTrades, TopicPending)

	if address == "" {
		s.log.Info("user logged out")
		return
	}
	if err := s.sess.Subscribe(models.ChannelUser, address); err != nil {
		s.log.WithError(err).Warn("user subscribe failed")
	}
	s.log.WithField("user", address).Info("user set")
	s.refreshUser()
}

// RefreshUser refetches orders, balances and trades of the current user.
func (s *Store) RefreshUser() error {
	return s.post(s.refreshUser)
}

// RefreshCandles refetches the selected market's price history.
func (s *Store) RefreshCandles() error {
	return s.post(s.fetchCandles)
}

// AddPendingOrder records an order the user submitted and returns the client
// id that later confirms or rejects it. It waits for the mailbox, so it must
// not be called from a change listener. Without a logged-in user the intent
// is discarded and ErrNoUser is returned.
func (s *Store) AddPendingOrder(p models.PendingOrder) (string, error) {
	if err := validatePending(p); err != nil {
		return "", err
	}
	p.ClientID = uuid.NewString()
	p.CreatedAt = s.now()

	result := make(chan error, 1)
	err := s.post(func() {
		if s.user == "" {
			result <- ErrNoUser
			return
		}
		s.mu.Lock()
		s.pending[p.ClientID] = p
		s.mu.Unlock()
		s.emit(TopicPending)
		result <- nil
	})
	if err != nil {
		return "", err
	}

	select {
	case err := <-result:
		if err != nil {
			return "", err
		}
		return p.ClientID, nil
	case <-s.stopped:
		select {
		case err := <-result:
			if err == nil {
				return p.ClientID, nil
			}
			return "", err
		default:
			return "", ErrStopped
		}
	}
}

func validatePending(p models.PendingOrder) error {
	switch {
	case p.MarketID == "":
		return fmt.Errorf("%w: market id is required", ErrInvalidOrder)
	case !p.Side.Valid():
		return fmt.Errorf("%w: side %q", ErrInvalidOrder, p.Side)
	case !p.OrderType.Valid():
		return fmt.Errorf("%w: order type %q", ErrInvalidOrder, p.OrderType)
	case p.OrderType == models.OrderTypeLimit && p.Price == "":
		return fmt.Errorf("%w: limit order needs a price", ErrInvalidOrder)
	}
	if _, err := numeric.ParseAtoms(p.Size); err != nil {
		return fmt.Errorf("%w: size: %v", ErrInvalidOrder, err)
	}
	if p.Price != "" {
		if _, err := numeric.ParseAtoms(p.Price); err != nil {
			return fmt.Errorf("%w: price: %v", ErrInvalidOrder, err)
		}
	}
	return nil
}

// ConfirmPendingOrder replaces the intent clientID with the order the server
// accepted. If the order is already known from the stream the two are merged.
func (s *Store) ConfirmPendingOrder(clientID string, order models.Order) error {
	if order.ID == "" {
		return fmt.Errorf("%w: confirmed order has no id", ErrInvalidOrder)
	}
	return s.post(func() {
		s.mu.Lock()
		delete(s.pending, clientID)
		s.mu.Unlock()

		if cur, ok := s.orders[order.ID]; ok {
			order = mergeOrder(cur.Order, order)
		}
		if order.FilledSize == "" {
			order.FilledSize = "0"
		}
		enhanced, err := s.enh.Order(order)
		if err != nil {
			s.skipUpdate(models.MessageOrder, order.MarketID, err)
			s.emit(TopicPending)
			s.fetchOrders()
			return
		}
		s.touch(fetchOrders, order.ID)
		s.mu.Lock()
		s.orders[order.ID] = enhanced
		s.mu.Unlock()
		s.emit(TopicPending, TopicOrders)
	})
}

// RejectPendingOrder drops an intent the server refused.
func (s *Store) RejectPendingOrder(clientID string) error {
	return s.post(func() {
		s.mu.Lock()
		_, ok := s.pending[clientID]
		delete(s.pending, clientID)
		s.mu.Unlock()
		if ok {
			s.emit(TopicPending)
		}
	})
}
