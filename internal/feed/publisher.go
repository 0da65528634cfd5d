// Package feed publishes store changes to Kafka.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	kafka "github.com/segmentio/kafka-go"

	"venuesync/config"
	"venuesync/internal/metrics"
	"venuesync/internal/models"
	"venuesync/internal/store"
	"venuesync/logger"
)

const metricsComponent = "feed"

// Source is the part of the store the feed reads from.
type Source interface {
	OnChange(fn store.ChangeListener) store.ChangeID
	OffChange(id store.ChangeID)
	Markets() []models.Market
	SelectedMarket() string
	Orderbook() (models.EnhancedOrderbook, bool)
	RecentTrades() []models.EnhancedTrade
	Candles() []models.EnhancedCandle
	UserAddress() string
	Balances() []models.EnhancedBalance
	Orders() []models.EnhancedOrder
	UserTrades() []models.EnhancedTrade
	PendingOrders() []models.PendingOrder
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Event is the JSON value of every published message. Data is omitted when
// the slice of state was cleared, for example after a logout.
type Event struct {
	Topic       store.Topic `json:"topic"`
	MarketID    string      `json:"market_id,omitempty"`
	UserAddress string      `json:"user_address,omitempty"`
	PublishedAt time.Time   `json:"published_at"`
	Data        interface{} `json:"data,omitempty"`
}

// Publisher mirrors store changes onto a Kafka topic. Changes are coalesced:
// each flush publishes the current state of every topic that changed since
// the previous flush.
type Publisher struct {
	cfg    config.FeedConfig
	src    Source
	writer messageWriter
	log    *logger.Log
	allow  map[store.Topic]bool

	mu      sync.Mutex
	dirty   map[store.Topic]struct{}
	wake    chan struct{}
	running bool
}

// NewPublisher returns nil when the feed is disabled.
func NewPublisher(cfg config.FeedConfig, src Source) (*Publisher, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: cfg.BatchTimeout,
	}
	return newPublisher(cfg, src, w), nil
}

func newPublisher(cfg config.FeedConfig, src Source, w messageWriter) *Publisher {
	p := &Publisher{
		cfg:    cfg,
		src:    src,
		writer: w,
		log:    logger.GetLogger(),
		dirty:  make(map[store.Topic]struct{}),
		wake:   make(chan struct{}, 1),
	}
	if len(cfg.Topics) > 0 {
		p.allow = make(map[store.Topic]bool, len(cfg.Topics))
		for _, t := range cfg.Topics {
			p.allow[store.Topic(t)] = true
		}
	}
	p.log.WithComponent("feed").WithFields(logger.Fields{
		"brokers": cfg.Brokers,
		"topic":   cfg.Topic,
	}).Debug("kafka feed initialized")
	return p
}

// Run publishes until ctx is cancelled, then closes the writer.
func (p *Publisher) Run(ctx context.Context) error {
	if p == nil {
		return nil
	}

	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("kafka feed already running")
	}
	p.running = true
	p.mu.Unlock()

	id := p.src.OnChange(p.markDirty)
	defer func() {
		p.src.OffChange(id)
		if err := p.writer.Close(); err != nil {
			p.log.WithComponent("feed").WithError(err).Warn("failed to close kafka writer")
		}
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.wake:
			p.flush(ctx)
		}
	}
}

// markDirty runs on the store goroutine and must not block.
func (p *Publisher) markDirty(topic store.Topic) {
	if p.allow != nil && !p.allow[topic] {
		return
	}
	p.mu.Lock()
	p.dirty[topic] = struct{}{}
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Publisher) takeDirty() []store.Topic {
	p.mu.Lock()
	defer p.mu.Unlock()

	topics := make([]store.Topic, 0, len(p.dirty))
	for t := range p.dirty {
		topics = append(topics, t)
	}
	p.dirty = make(map[store.Topic]struct{})
	sort.Slice(topics, func(i, j int) bool { return topics[i] < topics[j] })
	return topics
}

func (p *Publisher) flush(ctx context.Context) {
	topics := p.takeDirty()
	if len(topics) == 0 {
		return
	}

	now := time.Now().UTC()
	msgs := make([]kafka.Message, 0, len(topics))
	for _, topic := range topics {
		msg, err := p.message(topic, now)
		if err != nil {
			p.log.WithComponent("feed").WithError(err).WithField("store_topic", string(topic)).Warn("failed to encode change")
			continue
		}
		msgs = append(msgs, msg)
	}
	if len(msgs) == 0 {
		return
	}

	start := time.Now()
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		p.log.WithComponent("feed").WithError(err).Warn("failed to write messages")
		metrics.EmitMetric(p.log, metricsComponent, "publish_failures", 1, metrics.TypeCounter, nil)
		return
	}

	logger.LogDataFlowEntry(p.log.WithComponent("feed"), "store", "kafka", len(msgs), "state_change")
	logger.LogPerformanceEntry(p.log.WithComponent("feed"), metricsComponent, "publish", time.Since(start), nil)
	metrics.EmitMetric(p.log, metricsComponent, "messages_published", float64(len(msgs)), metrics.TypeCounter, nil)
}

// message snapshots topic from the source. Keys are scoped by market or user
// so the hash balancer keeps each stream on one partition.
func (p *Publisher) message(topic store.Topic, now time.Time) (kafka.Message, error) {
	ev := Event{Topic: topic, PublishedAt: now}

	switch topic {
	case store.TopicMarkets:
		ev.Data = p.src.Markets()
	case store.TopicSelection:
		ev.MarketID = p.src.SelectedMarket()
	case store.TopicOrderbook:
		ev.MarketID = p.src.SelectedMarket()
		if book, ok := p.src.Orderbook(); ok {
			ev.Data = book
		}
	case store.TopicTrades:
		ev.MarketID = p.src.SelectedMarket()
		ev.Data = nonEmpty(p.src.RecentTrades())
	case store.TopicCandles:
		ev.MarketID = p.src.SelectedMarket()
		ev.Data = nonEmpty(p.src.Candles())
	case store.TopicUser:
		ev.UserAddress = p.src.UserAddress()
	case store.TopicBalances:
		ev.UserAddress = p.src.UserAddress()
		ev.Data = nonEmpty(p.src.Balances())
	case store.TopicOrders:
		ev.UserAddress = p.src.UserAddress()
		ev.Data = nonEmpty(p.src.Orders())
	case store.TopicUserTrades:
		ev.UserAddress = p.src.UserAddress()
		ev.Data = nonEmpty(p.src.UserTrades())
	case store.TopicPending:
		ev.UserAddress = p.src.UserAddress()
		ev.Data = nonEmpty(p.src.PendingOrders())
	default:
		return kafka.Message{}, fmt.Errorf("unknown store topic %q", topic)
	}

	value, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, err
	}

	key := string(topic)
	if scope := ev.MarketID + ev.UserAddress; scope != "" {
		key += ":" + scope
	}
	return kafka.Message{
		Key:     []byte(key),
		Value:   value,
		Time:    now,
		Headers: []kafka.Header{{Key: "topic", Value: []byte(topic)}},
	}, nil
}

func nonEmpty[T any](items []T) interface{} {
	if len(items) == 0 {
		return nil
	}
	return items
}
