package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Channel is a subscribable stream.
type Channel string

const (
	ChannelTrades    Channel = "trades"
	ChannelOrderbook Channel = "orderbook"
	ChannelUser      Channel = "user"
)

// UserScoped reports whether the channel is keyed by user address rather
// than market id.
func (c Channel) UserScoped() bool {
	return c == ChannelUser
}

func (c Channel) Valid() bool {
	return c == ChannelTrades || c == ChannelOrderbook || c == ChannelUser
}

type MessageType string

const (
	MessageSubscribe    MessageType = "subscribe"
	MessageUnsubscribe  MessageType = "unsubscribe"
	MessagePing         MessageType = "ping"
	MessageSubscribed   MessageType = "subscribed"
	MessageUnsubscribed MessageType = "unsubscribed"
	MessageTrade        MessageType = "trade"
	MessageOrderbook    MessageType = "orderbook"
	MessageOrder        MessageType = "order"
	MessageBalance      MessageType = "balance"
	MessageCandle       MessageType = "candle"
	MessageError        MessageType = "error"
	MessagePong         MessageType = "pong"
)

// ClientMessage is a frame sent to the server.
type ClientMessage struct {
	Type        MessageType `json:"type"`
	Channel     Channel     `json:"channel,omitempty"`
	MarketID    string      `json:"market_id,omitempty"`
	UserAddress string      `json:"user_address,omitempty"`
}

// NewSubscriptionMessage builds a subscribe or unsubscribe frame. The
// identifier is a user address for user channels and a market id otherwise.
func NewSubscriptionMessage(msgType MessageType, channel Channel, identifier string) ClientMessage {
	msg := ClientMessage{Type: msgType, Channel: channel}
	if channel.UserScoped() {
		msg.UserAddress = identifier
	} else {
		msg.MarketID = identifier
	}
	return msg
}

type TradeFrame struct {
	ID            string `json:"id"`
	MarketID      string `json:"market_id"`
	BuyerAddress  string `json:"buyer_address"`
	SellerAddress string `json:"seller_address"`
	BuyerOrderID  string `json:"buyer_order_id"`
	SellerOrderID string `json:"seller_order_id"`
	Price         string `json:"price"`
	Size          string `json:"size"`
	Side          Side   `json:"side"`
	Timestamp     int64  `json:"timestamp"`
}

func (f TradeFrame) Trade() Trade {
	return Trade{
		ID:            f.ID,
		MarketID:      f.MarketID,
		BuyerAddress:  f.BuyerAddress,
		SellerAddress: f.SellerAddress,
		BuyerOrderID:  f.BuyerOrderID,
		SellerOrderID: f.SellerOrderID,
		Price:         f.Price,
		Size:          f.Size,
		Side:          f.Side,
		Timestamp:     time.Unix(f.Timestamp, 0).UTC(),
	}
}

type OrderbookFrame struct {
	MarketID string           `json:"market_id"`
	Bids     []OrderbookLevel `json:"bids"`
	Asks     []OrderbookLevel `json:"asks"`
}

// OrderUpdate is the partial order delta carried by an order frame.
type OrderUpdate struct {
	OrderID    string
	Status     OrderStatus
	FilledSize string
}

// BalanceUpdate is the balance delta carried by a balance frame.
type BalanceUpdate struct {
	TokenTicker string
	Available   string
	Locked      string
}

// ServerMessage is the decoded form of every server frame. Only the fields
// belonging to Type are populated.
type ServerMessage struct {
	Type        MessageType     `json:"type"`
	Channel     Channel         `json:"channel,omitempty"`
	MarketID    string          `json:"market_id,omitempty"`
	UserAddress string          `json:"user_address,omitempty"`
	Trade       *TradeFrame     `json:"trade,omitempty"`
	Orderbook   *OrderbookFrame `json:"orderbook,omitempty"`
	OrderID     string          `json:"order_id,omitempty"`
	Status      string          `json:"status,omitempty"`
	FilledSize  string          `json:"filled_size,omitempty"`
	TokenTicker string          `json:"token_ticker,omitempty"`
	Available   string          `json:"available,omitempty"`
	Locked      string          `json:"locked,omitempty"`
	Timestamp   int64           `json:"timestamp,omitempty"`
	Open        string          `json:"open,omitempty"`
	High        string          `json:"high,omitempty"`
	Low         string          `json:"low,omitempty"`
	Close       string          `json:"close,omitempty"`
	Volume      string          `json:"volume,omitempty"`
	Message     string          `json:"message,omitempty"`
}

func (m ServerMessage) OrderUpdate() OrderUpdate {
	status, _ := ParseOrderStatus(m.Status)
	return OrderUpdate{OrderID: m.OrderID, Status: status, FilledSize: m.FilledSize}
}

func (m ServerMessage) BalanceUpdate() BalanceUpdate {
	return BalanceUpdate{TokenTicker: m.TokenTicker, Available: m.Available, Locked: m.Locked}
}

func (m ServerMessage) Candle() Candle {
	return Candle{
		MarketID:  m.MarketID,
		Timestamp: time.Unix(m.Timestamp, 0).UTC(),
		Open:      m.Open,
		High:      m.High,
		Low:       m.Low,
		Close:     m.Close,
		Volume:    m.Volume,
	}
}

// ErrProtocol is matched by every ProtocolError.
var ErrProtocol = errors.New("protocol error")

// ProtocolError describes a frame that could not be decoded or is missing a
// required field. Reason is a short machine-friendly label.
type ProtocolError struct {
	Type   MessageType
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	msg := fmt.Sprintf("protocol error: %s", e.Reason)
	if e.Type != "" {
		msg = fmt.Sprintf("protocol error in %q frame: %s", e.Type, e.Reason)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func (e *ProtocolError) Is(target error) bool { return target == ErrProtocol }

// DecodeServerMessage parses and validates one server frame.
func DecodeServerMessage(data []byte) (ServerMessage, error) {
	var msg ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ServerMessage{}, &ProtocolError{Reason: "malformed_json", Err: err}
	}
	if err := msg.Validate(); err != nil {
		return ServerMessage{}, err
	}
	return msg, nil
}

// Validate checks that the fields required by the message type are present.
func (m ServerMessage) Validate() error {
	fail := func(reason string) error {
		return &ProtocolError{Type: m.Type, Reason: reason}
	}

	switch m.Type {
	case MessageSubscribed, MessageUnsubscribed:
		if !m.Channel.Valid() {
			return fail("invalid_channel")
		}
	case MessageTrade:
		if m.Trade == nil {
			return fail("missing_trade")
		}
		if m.Trade.MarketID == "" || m.Trade.ID == "" {
			return fail("missing_trade_identity")
		}
		if m.Trade.Side == "" {
			return fail("missing_side")
		}
		if !m.Trade.Side.Valid() {
			return fail("invalid_side")
		}
	case MessageOrderbook:
		if m.Orderbook == nil || m.Orderbook.MarketID == "" {
			return fail("missing_orderbook")
		}
	case MessageOrder:
		if m.OrderID == "" {
			return fail("missing_order_id")
		}
		if _, ok := ParseOrderStatus(m.Status); !ok {
			return fail("invalid_status")
		}
	case MessageBalance:
		if m.TokenTicker == "" {
			return fail("missing_token_ticker")
		}
	case MessageCandle:
		if m.MarketID == "" {
			return fail("missing_market_id")
		}
	case MessageError, MessagePong:
	case "":
		return fail("missing_type")
	default:
		return fail("unknown_type")
	}
	return nil
}
