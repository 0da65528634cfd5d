package models

import "time"

// Enhanced records carry the raw record plus display strings and float
// values derived once when the record is built. The embedded atoms stay
// authoritative.

type EnhancedOrderbookLevel struct {
	OrderbookLevel
	PriceValue   float64 `json:"price_value"`
	PriceDisplay string  `json:"price_display"`
	SizeValue    float64 `json:"size_value"`
	SizeDisplay  string  `json:"size_display"`
}

type EnhancedOrderbook struct {
	MarketID string                   `json:"market_id"`
	Bids     []EnhancedOrderbookLevel `json:"bids"`
	Asks     []EnhancedOrderbookLevel `json:"asks"`
	AsOf     time.Time                `json:"as_of"`
}

type EnhancedTrade struct {
	Trade
	PriceValue   float64 `json:"price_value"`
	PriceDisplay string  `json:"price_display"`
	SizeValue    float64 `json:"size_value"`
	SizeDisplay  string  `json:"size_display"`
}

type EnhancedOrder struct {
	Order
	PriceValue        float64 `json:"price_value"`
	PriceDisplay      string  `json:"price_display"`
	SizeValue         float64 `json:"size_value"`
	SizeDisplay       string  `json:"size_display"`
	FilledSizeValue   float64 `json:"filled_size_value"`
	FilledSizeDisplay string  `json:"filled_size_display"`
}

// EnhancedBalance adds Available (atoms), which is Amount minus OpenInterest
// clamped at zero.
type EnhancedBalance struct {
	Balance
	Available           string  `json:"available"`
	AmountValue         float64 `json:"amount_value"`
	AmountDisplay       string  `json:"amount_display"`
	OpenInterestValue   float64 `json:"open_interest_value"`
	OpenInterestDisplay string  `json:"open_interest_display"`
	AvailableValue      float64 `json:"available_value"`
	AvailableDisplay    string  `json:"available_display"`
}

type EnhancedCandle struct {
	Candle
	OpenValue   float64 `json:"open_value"`
	HighValue   float64 `json:"high_value"`
	LowValue    float64 `json:"low_value"`
	CloseValue  float64 `json:"close_value"`
	VolumeValue float64 `json:"volume_value"`
}
