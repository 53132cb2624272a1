package upbit

import (
	"github.com/shopspring/decimal"
)

// Account is one currency balance on the Upbit account.
// Upbit sends numeric fields as strings; decimal handles both forms.
type Account struct {
	Currency     string          `json:"currency"`
	Balance      decimal.Decimal `json:"balance"`
	Locked       decimal.Decimal `json:"locked"`
	AvgBuyPrice  decimal.Decimal `json:"avg_buy_price"`
	UnitCurrency string          `json:"unit_currency"`
}

// Ticker is the current market snapshot for one trading pair.
type Ticker struct {
	Market           string          `json:"market"`
	TradePrice       decimal.Decimal `json:"trade_price"`
	SignedChangeRate decimal.Decimal `json:"signed_change_rate"`
	AccTradePrice24h decimal.Decimal `json:"acc_trade_price_24h"`
	Timestamp        int64           `json:"timestamp"`
}

// Candle is one minute-candle entry.
type Candle struct {
	Market             string          `json:"market"`
	CandleDateTimeUTC  string          `json:"candle_date_time_utc"`
	OpeningPrice       decimal.Decimal `json:"opening_price"`
	HighPrice          decimal.Decimal `json:"high_price"`
	LowPrice           decimal.Decimal `json:"low_price"`
	TradePrice         decimal.Decimal `json:"trade_price"`
	CandleAccTradeVol  decimal.Decimal `json:"candle_acc_trade_volume"`
	Timestamp          int64           `json:"timestamp"`
}

// Order is the exchange's view of a placed order. Price is absent for
// market sells and Volume for market buys, hence the pointers.
type Order struct {
	UUID      string           `json:"uuid"`
	Market    string           `json:"market"`
	Side      string           `json:"side"`
	OrdType   string           `json:"ord_type"`
	Price     *decimal.Decimal `json:"price"`
	Volume    *decimal.Decimal `json:"volume"`
	State     string           `json:"state"`
	CreatedAt string           `json:"created_at"`
}
