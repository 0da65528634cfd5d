package models

// Token is a tradable asset. Decimals fixes the atoms to display scale:
// display = atoms / 10^Decimals.
type Token struct {
	Ticker   string `json:"ticker"`
	Name     string `json:"name"`
	Decimals uint8  `json:"decimals"`
}

// Market is a trading pair. TickSize is in quote atoms, LotSize and MinSize
// are in base atoms.
type Market struct {
	ID          string `json:"id"`
	BaseTicker  string `json:"base_ticker"`
	QuoteTicker string `json:"quote_ticker"`
	TickSize    string `json:"tick_size"`
	LotSize     string `json:"lot_size"`
	MinSize     string `json:"min_size"`
	MakerFeeBps int32  `json:"maker_fee_bps"`
	TakerFeeBps int32  `json:"taker_fee_bps"`
}
