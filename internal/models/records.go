package models

import (
	"strings"
	"time"
)

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

func (t OrderType) Valid() bool {
	return t == OrderTypeLimit || t == OrderTypeMarket
}

type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
)

var orderStatusRank = map[OrderStatus]int{
	OrderStatusPending:         0,
	OrderStatusPartiallyFilled: 1,
	OrderStatusFilled:          2,
	OrderStatusCancelled:       2,
}

// ParseOrderStatus accepts the snake_case spelling used by snapshots and the
// run-together lowercase spelling ("partiallyfilled") used by order frames.
func ParseOrderStatus(raw string) (OrderStatus, bool) {
	key := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(raw)), "_", "")
	for status := range orderStatusRank {
		if strings.ReplaceAll(string(status), "_", "") == key {
			return status, true
		}
	}
	return OrderStatus(raw), false
}

func (s OrderStatus) Valid() bool {
	_, ok := orderStatusRank[s]
	return ok
}

func (s OrderStatus) Terminal() bool {
	return s == OrderStatusFilled || s == OrderStatusCancelled
}

// CanTransitionTo reports whether moving from s to next keeps the status
// monotone. Terminal statuses never change.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	if !next.Valid() {
		return false
	}
	if s == next {
		return true
	}
	if s.Terminal() {
		return false
	}
	return orderStatusRank[next] >= orderStatusRank[s]
}

// OrderbookLevel is one aggregated price level in atoms.
type OrderbookLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// Orderbook is a full snapshot. Bids are sorted by descending price, asks by
// ascending price.
type Orderbook struct {
	MarketID string           `json:"market_id"`
	Bids     []OrderbookLevel `json:"bids"`
	Asks     []OrderbookLevel `json:"asks"`
	AsOf     time.Time        `json:"-"`
}

// Trade is an executed match. Side is the taker side.
type Trade struct {
	ID            string    `json:"id"`
	MarketID      string    `json:"market_id"`
	BuyerAddress  string    `json:"buyer_address"`
	SellerAddress string    `json:"seller_address"`
	BuyerOrderID  string    `json:"buyer_order_id"`
	SellerOrderID string    `json:"seller_order_id"`
	Price         string    `json:"price"`
	Size          string    `json:"size"`
	Side          Side      `json:"side"`
	Timestamp     time.Time `json:"timestamp"`
}

type Order struct {
	ID          string      `json:"id"`
	UserAddress string      `json:"user_address"`
	MarketID    string      `json:"market_id"`
	Price       string      `json:"price"`
	Size        string      `json:"size"`
	Side        Side        `json:"side"`
	OrderType   OrderType   `json:"order_type"`
	Status      OrderStatus `json:"status"`
	FilledSize  string      `json:"filled_size"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Balance holds the total amount and the part locked in open orders.
type Balance struct {
	UserAddress  string    `json:"user_address"`
	TokenTicker  string    `json:"token_ticker"`
	Amount       string    `json:"amount"`
	OpenInterest string    `json:"open_interest"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Candle is an OHLCV bar with prices in quote atoms and volume in base atoms.
type Candle struct {
	MarketID  string    `json:"market_id"`
	Timestamp time.Time `json:"timestamp"`
	Open      string    `json:"open"`
	High      string    `json:"high"`
	Low       string    `json:"low"`
	Close     string    `json:"close"`
	Volume    string    `json:"volume"`
}

// PendingOrder is a locally submitted order the server has not confirmed.
type PendingOrder struct {
	ClientID  string    `json:"client_id"`
	MarketID  string    `json:"market_id"`
	Side      Side      `json:"side"`
	OrderType OrderType `json:"order_type"`
	Price     string    `json:"price"`
	Size      string    `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}
