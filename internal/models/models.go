package models

import "time"

// User represents a registered user
type User struct {
	ID           int
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

// Order is one order the bot placed on the exchange, kept as history.
// Amounts stay in Upbit's string wire format; price is empty for market
// sells and volume for market buys.
type Order struct {
	ID           int       `json:"id"`
	UserID       int       `json:"user_id"`
	ExchangeUUID string    `json:"exchange_uuid"`
	Market       string    `json:"market"`
	Side         string    `json:"side"`     // "bid" or "ask"
	OrdType      string    `json:"ord_type"` // "price" (market buy) or "market" (market sell)
	Price        string    `json:"price,omitempty"`
	Volume       string    `json:"volume,omitempty"`
	State        string    `json:"state"`
	CreatedAt    time.Time `json:"created_at"`
}
