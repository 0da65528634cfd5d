// Package store holds the live trading state of one client session. A single
// mailbox goroutine applies every mutation; readers get copies.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"venuesync/config"
	"venuesync/internal/cache"
	"venuesync/internal/enhance"
	"venuesync/internal/models"
	"venuesync/internal/rest"
	"venuesync/internal/session"
	"venuesync/logger"
)

const (
	defaultRecentTradesLimit = 100
	defaultMailboxSize       = 1024
	defaultCandleInterval    = "1m"
	defaultCandleLookback    = 24 * time.Hour
	maxCandles               = 1000

	metricsComponent = "store"
)

var (
	ErrStopped        = errors.New("store stopped")
	ErrAlreadyRunning = errors.New("store already running")
	ErrInvalidOrder   = errors.New("invalid pending order")
	ErrInvalidMarket  = errors.New("invalid market")
	ErrNoUser         = errors.New("no user session")
)

// Session is the part of the session manager the store drives.
type Session interface {
	Subscribe(channel models.Channel, identifier string) error
	Unsubscribe(channel models.Channel, identifier string) error
	On(msgType models.MessageType, h session.Handler) session.HandlerID
	Off(id session.HandlerID) bool
	OnStateChange(fn session.StateListener) session.ListenerID
	OffStateChange(id session.ListenerID)
}

// Fetcher loads snapshots over REST.
type Fetcher interface {
	Markets(ctx context.Context) ([]models.Market, error)
	Tokens(ctx context.Context) ([]models.Token, error)
	Orders(ctx context.Context, q rest.OrdersQuery) ([]models.Order, error)
	Balances(ctx context.Context, userAddress string) ([]models.Balance, error)
	Trades(ctx context.Context, q rest.TradesQuery) ([]models.Trade, error)
	Candles(ctx context.Context, q rest.CandlesQuery) ([]models.Candle, error)
}

type Options struct {
	RecentTradesLimit int
	MailboxSize       int
	CandleInterval    string
	CandleLookback    time.Duration
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		RecentTradesLimit: cfg.Store.RecentTradesLimit,
		MailboxSize:       cfg.Store.MailboxSize,
		CandleInterval:    cfg.Store.CandleInterval,
		CandleLookback:    cfg.Store.CandleLookback,
	}
}

func (o *Options) applyDefaults() {
	if o.RecentTradesLimit <= 0 {
		o.RecentTradesLimit = defaultRecentTradesLimit
	}
	if o.MailboxSize <= 0 {
		o.MailboxSize = defaultMailboxSize
	}
	if o.CandleInterval == "" {
		o.CandleInterval = defaultCandleInterval
	}
	if o.CandleLookback <= 0 {
		o.CandleLookback = defaultCandleLookback
	}
}

// Topic names the slice of state a change notification refers to.
type Topic string

const (
	TopicMarkets    Topic = "markets"
	TopicSelection  Topic = "selection"
	TopicOrderbook  Topic = "orderbook"
	TopicTrades     Topic = "trades"
	TopicCandles    Topic = "candles"
	TopicUser       Topic = "user"
	TopicBalances   Topic = "balances"
	TopicOrders     Topic = "orders"
	TopicUserTrades Topic = "user_trades"
	TopicPending    Topic = "pending"
)

type ChangeListener func(Topic)

type ChangeID uint64

type changeEntry struct {
	id ChangeID
	fn ChangeListener
}

type Store struct {
	opts Options
	meta *cache.Cache
	enh  *enhance.Enhancer
	sess Session
	src  Fetcher
	log  *logger.Entry
	now  func() time.Time

	mailbox chan func()
	stopped chan struct{}
	running atomic.Bool
	ctx     context.Context

	handlerIDs []session.HandlerID
	stateID    session.ListenerID

	// Written only by the mailbox goroutine, under mu. The mailbox goroutine
	// reads without locking.
	mu         sync.RWMutex
	selected   string
	orderbook  *models.EnhancedOrderbook
	trades     []models.EnhancedTrade
	candles    []models.EnhancedCandle
	user       string
	balances   map[string]models.EnhancedBalance
	orders     map[string]models.EnhancedOrder
	userTrades []models.EnhancedTrade
	pending    map[string]models.PendingOrder

	// Mailbox goroutine only. touched maps a fetch key to the records changed
	// live, and the fetch generation that was current when they changed.
	gens            map[string]uint64
	touched         map[string]map[string]uint64
	pendingBalances map[string]models.Balance

	listenerMu   sync.Mutex
	listeners    []changeEntry
	nextListener ChangeID
}

// New builds a store on top of a metadata cache, a session and a snapshot
// fetcher, and registers its frame handlers with the session. Frames are
// queued until Run starts.
func New(opts Options, meta *cache.Cache, sess Session, fetcher Fetcher) *Store {
	opts.applyDefaults()
	s := &Store{
		opts:            opts,
		meta:            meta,
		enh:             enhance.New(meta),
		sess:            sess,
		src:             fetcher,
		log:             logger.GetLogger().WithComponent("store"),
		now:             time.Now,
		mailbox:         make(chan func(), opts.MailboxSize),
		stopped:         make(chan struct{}),
		ctx:             context.Background(),
		balances:        make(map[string]models.EnhancedBalance),
		orders:          make(map[string]models.EnhancedOrder),
		pending:         make(map[string]models.PendingOrder),
		gens:            make(map[string]uint64),
		touched:         make(map[string]map[string]uint64),
		pendingBalances: make(map[string]models.Balance),
	}

	frames := map[models.MessageType]func(models.ServerMessage){
		models.MessageTrade:     s.applyTradeFrame,
		models.MessageOrderbook: s.applyOrderbookFrame,
		models.MessageOrder:     s.applyOrderFrame,
		models.MessageBalance:   s.applyBalanceFrame,
		models.MessageCandle:    s.applyCandleFrame,
	}
	for msgType, apply := range frames {
		apply := apply
		id := sess.On(msgType, func(msg models.ServerMessage) error {
			return s.post(func() { apply(msg) })
		})
		s.handlerIDs = append(s.handlerIDs, id)
	}
	s.stateID = sess.OnStateChange(s.onSessionState)
	return s
}

// Run applies queued mutations until ctx is done.
func (s *Store) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	s.ctx = ctx
	defer close(s.stopped)

	s.log.Info("store started")
	for {
		select {
		case <-ctx.Done():
			s.log.Info("store stopped")
			return ctx.Err()
		case fn := <-s.mailbox:
			fn()
		}
	}
}

// Close detaches the store from the session. Run keeps serving posted
// mutations until its context ends.
func (s *Store) Close() {
	for _, id := range s.handlerIDs {
		s.sess.Off(id)
	}
	s.handlerIDs = nil
	s.sess.OffStateChange(s.stateID)
}

// Sync waits until every mutation posted before the call has been applied.
func (s *Store) Sync(ctx context.Context) error {
	done := make(chan struct{})
	if err := s.post(func() { close(done) }); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-s.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) post(fn func()) error {
	select {
	case <-s.stopped:
		return ErrStopped
	default:
	}
	select {
	case s.mailbox <- fn:
		return nil
	case <-s.stopped:
		return ErrStopped
	}
}

func (s *Store) onSessionState(change session.StateChange) {
	if change.To != session.StateConnected || !change.Reconnect {
		return
	}
	err := s.post(func() {
		s.log.WithField("connection_id", change.ConnectionID).Info("session reconnected, refreshing snapshots")
		s.refreshUser()
		s.fetchCandles()
	})
	if err != nil {
		s.log.WithError(err).Debug("reconnect refresh skipped")
	}
}

// OnChange registers fn to run on the mailbox goroutine after each applied
// mutation. fn must not block.
func (s *Store) OnChange(fn ChangeListener) ChangeID {
	if fn == nil {
		return 0
	}
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	s.nextListener++
	s.listeners = append(s.listeners, changeEntry{id: s.nextListener, fn: fn})
	return s.nextListener
}

func (s *Store) OffChange(id ChangeID) {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	for i, l := range s.listeners {
		if l.id == id {
			s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
			return
		}
	}
}

func (s *Store) emit(topics ...Topic) {
	s.listenerMu.Lock()
	listeners := make([]changeEntry, len(s.listeners))
	copy(listeners, s.listeners)
	s.listenerMu.Unlock()

	for _, topic := range topics {
		for _, l := range listeners {
			func() {
				defer func() {
					if rec := recover(); rec != nil {
						s.log.WithField("panic", fmt.Sprint(rec)).Error("change listener panicked")
					}
				}()
				l.fn(topic)
			}()
		}
	}
}

func (s *Store) Markets() []models.Market { return s.meta.Markets() }

func (s *Store) Tokens() []models.Token { return s.meta.Tokens() }

func (s *Store) SelectedMarket() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selected
}

// Orderbook returns the book of the selected market, if one was received
// since the selection.
func (s *Store) Orderbook() (models.EnhancedOrderbook, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.orderbook == nil {
		return models.EnhancedOrderbook{}, false
	}
	ob := *s.orderbook
	ob.Bids = append([]models.EnhancedOrderbookLevel(nil), ob.Bids...)
	ob.Asks = append([]models.EnhancedOrderbookLevel(nil), ob.Asks...)
	return ob, true
}

// RecentTrades returns the selected market's trades, newest first.
func (s *Store) RecentTrades() []models.EnhancedTrade {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.EnhancedTrade(nil), s.trades...)
}

// Candles returns the selected market's bars in ascending time order.
func (s *Store) Candles() []models.EnhancedCandle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.EnhancedCandle(nil), s.candles...)
}

func (s *Store) UserAddress() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user
}

// Balances returns the user's balances sorted by ticker.
func (s *Store) Balances() []models.EnhancedBalance {
	s.mu.RLock()
	out := make([]models.EnhancedBalance, 0, len(s.balances))
	for _, b := range s.balances {
		out = append(out, b)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].TokenTicker < out[j].TokenTicker })
	return out
}

func (s *Store) Balance(ticker string) (models.EnhancedBalance, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.balances[ticker]
	return b, ok
}

// Orders returns the user's confirmed orders, newest first.
func (s *Store) Orders() []models.EnhancedOrder {
	return s.ordersWhere(func(models.EnhancedOrder) bool { return true })
}

// OpenOrders returns orders that are not filled or cancelled, newest first.
func (s *Store) OpenOrders() []models.EnhancedOrder {
	return s.ordersWhere(func(o models.EnhancedOrder) bool { return !o.Status.Terminal() })
}

func (s *Store) ordersWhere(keep func(models.EnhancedOrder) bool) []models.EnhancedOrder {
	s.mu.RLock()
	out := make([]models.EnhancedOrder, 0, len(s.orders))
	for _, o := range s.orders {
		if keep(o) {
			out = append(out, o)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func (s *Store) Order(id string) (models.EnhancedOrder, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	return o, ok
}

// UserTrades returns the user's fills across markets, newest first.
func (s *Store) UserTrades() []models.EnhancedTrade {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.EnhancedTrade(nil), s.userTrades...)
}

// PendingOrders returns unconfirmed order intents, oldest first.
func (s *Store) PendingOrders() []models.PendingOrder {
	s.mu.RLock()
	out := make([]models.PendingOrder, 0, len(s.pending))
	for _, p := range s.pending {
		out = append(out, p)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ClientID < out[j].ClientID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
