// Package enhance turns raw wire records into records carrying display
// strings and float values, using market and token metadata.
package enhance

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"venuesync/internal/models"
	"venuesync/internal/numeric"
	"venuesync/logger"
)

// ErrMetadataNotReady is matched by every MetadataError.
var ErrMetadataNotReady = errors.New("metadata not ready")

// MetadataError reports the market or token that could not be resolved.
type MetadataError struct {
	Kind string // "market" or "token"
	ID   string
}

func (e *MetadataError) Error() string {
	return fmt.Sprintf("metadata not ready: unknown %s %q", e.Kind, e.ID)
}

func (e *MetadataError) Is(target error) bool { return target == ErrMetadataNotReady }

// MetadataSource resolves markets and tokens. *cache.Cache satisfies it.
type MetadataSource interface {
	Market(id string) (models.Market, bool)
	Token(ticker string) (models.Token, bool)
}

type Enhancer struct {
	meta MetadataSource
	log  *logger.Entry
}

func New(meta MetadataSource) *Enhancer {
	return &Enhancer{
		meta: meta,
		log:  logger.GetLogger().WithComponent("enhance"),
	}
}

// scale is the pair of decimals used to render a market's prices (quote)
// and sizes (base).
type scale struct {
	base  uint8
	quote uint8
}

func (e *Enhancer) marketScale(marketID string) (scale, error) {
	market, ok := e.meta.Market(marketID)
	if !ok {
		return scale{}, &MetadataError{Kind: "market", ID: marketID}
	}
	base, ok := e.meta.Token(market.BaseTicker)
	if !ok {
		return scale{}, &MetadataError{Kind: "token", ID: market.BaseTicker}
	}
	quote, ok := e.meta.Token(market.QuoteTicker)
	if !ok {
		return scale{}, &MetadataError{Kind: "token", ID: market.QuoteTicker}
	}
	return scale{base: base.Decimals, quote: quote.Decimals}, nil
}

type rendered struct {
	value   float64
	display string
}

func price(atoms string, decimals uint8, field string) (rendered, error) {
	v, err := numeric.ToDisplayValue(atoms, decimals)
	if err != nil {
		return rendered{}, fmt.Errorf("%s: %w", field, err)
	}
	return rendered{value: v.InexactFloat64(), display: numeric.FormatPriceValue(v, decimals)}, nil
}

func size(atoms string, decimals uint8, field string) (rendered, error) {
	v, err := numeric.ToDisplayValue(atoms, decimals)
	if err != nil {
		return rendered{}, fmt.Errorf("%s: %w", field, err)
	}
	return rendered{value: v.InexactFloat64(), display: numeric.FormatSizeValue(v, decimals)}, nil
}

func (e *Enhancer) Trade(t models.Trade) (models.EnhancedTrade, error) {
	sc, err := e.marketScale(t.MarketID)
	if err != nil {
		return models.EnhancedTrade{}, err
	}
	p, err := price(t.Price, sc.quote, "trade price")
	if err != nil {
		return models.EnhancedTrade{}, err
	}
	s, err := size(t.Size, sc.base, "trade size")
	if err != nil {
		return models.EnhancedTrade{}, err
	}
	return models.EnhancedTrade{
		Trade:        t,
		PriceValue:   p.value,
		PriceDisplay: p.display,
		SizeValue:    s.value,
		SizeDisplay:  s.display,
	}, nil
}

// Order enhances an order. An empty filled size is treated as zero.
func (e *Enhancer) Order(o models.Order) (models.EnhancedOrder, error) {
	sc, err := e.marketScale(o.MarketID)
	if err != nil {
		return models.EnhancedOrder{}, err
	}
	if o.FilledSize == "" {
		o.FilledSize = "0"
	}
	p, err := price(o.Price, sc.quote, "order price")
	if err != nil {
		return models.EnhancedOrder{}, err
	}
	s, err := size(o.Size, sc.base, "order size")
	if err != nil {
		return models.EnhancedOrder{}, err
	}
	f, err := size(o.FilledSize, sc.base, "order filled size")
	if err != nil {
		return models.EnhancedOrder{}, err
	}
	return models.EnhancedOrder{
		Order:             o,
		PriceValue:        p.value,
		PriceDisplay:      p.display,
		SizeValue:         s.value,
		SizeDisplay:       s.display,
		FilledSizeValue:   f.value,
		FilledSizeDisplay: f.display,
	}, nil
}

// Balance enhances a balance and derives Available = Amount - OpenInterest.
// A negative difference is clamped to zero and logged.
func (e *Enhancer) Balance(b models.Balance) (models.EnhancedBalance, error) {
	token, ok := e.meta.Token(b.TokenTicker)
	if !ok {
		return models.EnhancedBalance{}, &MetadataError{Kind: "token", ID: b.TokenTicker}
	}
	if b.OpenInterest == "" {
		b.OpenInterest = "0"
	}

	available, clamped, err := Available(b.Amount, b.OpenInterest)
	if err != nil {
		return models.EnhancedBalance{}, err
	}
	if clamped {
		e.log.WithFields(logger.Fields{
			"token":         b.TokenTicker,
			"amount":        b.Amount,
			"open_interest": b.OpenInterest,
		}).Warn("open interest exceeds amount, available clamped to zero")
	}

	amount, err := size(b.Amount, token.Decimals, "balance amount")
	if err != nil {
		return models.EnhancedBalance{}, err
	}
	locked, err := size(b.OpenInterest, token.Decimals, "balance open interest")
	if err != nil {
		return models.EnhancedBalance{}, err
	}
	avail, err := size(available, token.Decimals, "balance available")
	if err != nil {
		return models.EnhancedBalance{}, err
	}

	return models.EnhancedBalance{
		Balance:             b,
		Available:           available,
		AmountValue:         amount.value,
		AmountDisplay:       amount.display,
		OpenInterestValue:   locked.value,
		OpenInterestDisplay: locked.display,
		AvailableValue:      avail.value,
		AvailableDisplay:    avail.display,
	}, nil
}

// Available returns amount - openInterest in atoms. clamped is true when the
// difference was negative and zero was returned instead.
func Available(amount, openInterest string) (available string, clamped bool, err error) {
	a, err := numeric.ParseAtoms(amount)
	if err != nil {
		return "", false, fmt.Errorf("balance amount: %w", err)
	}
	oi, err := numeric.ParseAtoms(openInterest)
	if err != nil {
		return "", false, fmt.Errorf("balance open interest: %w", err)
	}
	diff := a.Sub(oi)
	if diff.IsNegative() {
		return "0", true, nil
	}
	return diff.String(), false, nil
}

// AddAtoms returns a + b in atoms.
func AddAtoms(a, b string) (string, error) {
	x, err := numeric.ParseAtoms(a)
	if err != nil {
		return "", err
	}
	y, err := numeric.ParseAtoms(b)
	if err != nil {
		return "", err
	}
	return x.Add(y).String(), nil
}

// CompareAtoms returns -1, 0 or 1 as a is less than, equal to or greater
// than b.
func CompareAtoms(a, b string) (int, error) {
	x, err := numeric.ParseAtoms(a)
	if err != nil {
		return 0, err
	}
	y, err := numeric.ParseAtoms(b)
	if err != nil {
		return 0, err
	}
	return x.Cmp(y), nil
}

func (e *Enhancer) OrderbookLevel(marketID string, level models.OrderbookLevel) (models.EnhancedOrderbookLevel, error) {
	sc, err := e.marketScale(marketID)
	if err != nil {
		return models.EnhancedOrderbookLevel{}, err
	}
	return enhanceLevel(level, sc)
}

func enhanceLevel(level models.OrderbookLevel, sc scale) (models.EnhancedOrderbookLevel, error) {
	p, err := price(level.Price, sc.quote, "level price")
	if err != nil {
		return models.EnhancedOrderbookLevel{}, err
	}
	s, err := size(level.Size, sc.base, "level size")
	if err != nil {
		return models.EnhancedOrderbookLevel{}, err
	}
	return models.EnhancedOrderbookLevel{
		OrderbookLevel: level,
		PriceValue:     p.value,
		PriceDisplay:   p.display,
		SizeValue:      s.value,
		SizeDisplay:    s.display,
	}, nil
}

// Orderbook enhances every level of a snapshot. Level order is preserved.
func (e *Enhancer) Orderbook(ob models.Orderbook) (models.EnhancedOrderbook, error) {
	sc, err := e.marketScale(ob.MarketID)
	if err != nil {
		return models.EnhancedOrderbook{}, err
	}

	out := models.EnhancedOrderbook{
		MarketID: ob.MarketID,
		Bids:     make([]models.EnhancedOrderbookLevel, 0, len(ob.Bids)),
		Asks:     make([]models.EnhancedOrderbookLevel, 0, len(ob.Asks)),
		AsOf:     ob.AsOf,
	}
	for _, level := range ob.Bids {
		l, err := enhanceLevel(level, sc)
		if err != nil {
			return models.EnhancedOrderbook{}, err
		}
		out.Bids = append(out.Bids, l)
	}
	for _, level := range ob.Asks {
		l, err := enhanceLevel(level, sc)
		if err != nil {
			return models.EnhancedOrderbook{}, err
		}
		out.Asks = append(out.Asks, l)
	}
	return out, nil
}

func (e *Enhancer) Candle(c models.Candle) (models.EnhancedCandle, error) {
	sc, err := e.marketScale(c.MarketID)
	if err != nil {
		return models.EnhancedCandle{}, err
	}

	values := make([]float64, 5)
	fields := []struct {
		name     string
		atoms    string
		decimals uint8
	}{
		{"open", c.Open, sc.quote},
		{"high", c.High, sc.quote},
		{"low", c.Low, sc.quote},
		{"close", c.Close, sc.quote},
		{"volume", c.Volume, sc.base},
	}
	for i, f := range fields {
		v, err := numeric.ToDisplayValue(f.atoms, f.decimals)
		if err != nil {
			return models.EnhancedCandle{}, fmt.Errorf("candle %s: %w", f.name, err)
		}
		values[i] = v.InexactFloat64()
	}

	return models.EnhancedCandle{
		Candle:      c,
		OpenValue:   values[0],
		HighValue:   values[1],
		LowValue:    values[2],
		CloseValue:  values[3],
		VolumeValue: values[4],
	}, nil
}

// RoundOrder rounds a display price and size to the market's tick and lot
// and returns them in atoms, ready to submit.
func (e *Enhancer) RoundOrder(marketID string, displayPrice, displaySize decimal.Decimal) (priceAtoms, sizeAtoms string, err error) {
	market, ok := e.meta.Market(marketID)
	if !ok {
		return "", "", &MetadataError{Kind: "market", ID: marketID}
	}
	sc, err := e.marketScale(marketID)
	if err != nil {
		return "", "", err
	}

	p, err := numeric.RoundToTickSize(displayPrice, market.TickSize, sc.quote)
	if err != nil {
		return "", "", fmt.Errorf("round price: %w", err)
	}
	s, err := numeric.RoundToLotSize(displaySize, market.LotSize, sc.base)
	if err != nil {
		return "", "", fmt.Errorf("round size: %w", err)
	}
	if priceAtoms, err = numeric.ToRawDecimal(p, sc.quote); err != nil {
		return "", "", err
	}
	if sizeAtoms, err = numeric.ToRawDecimal(s, sc.base); err != nil {
		return "", "", err
	}
	return priceAtoms, sizeAtoms, nil
}
