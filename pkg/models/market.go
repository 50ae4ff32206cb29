package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Ticker struct {
	Symbol    string
	BidPrice  decimal.Decimal
	AskPrice  decimal.Decimal
	LastPrice decimal.Decimal
	Volume24h decimal.Decimal
	Timestamp time.Time
}

// Fresh reports whether the ticker carries a usable last price no older than maxAge.
// A zero maxAge disables the age check.
func (t Ticker) Fresh(now time.Time, maxAge time.Duration) bool {
	if !t.LastPrice.IsPositive() {
		return false
	}
	return maxAge <= 0 || now.Sub(t.Timestamp) <= maxAge
}

type Candle struct {
	OpenTime time.Time
	Open     decimal.Decimal
	High     decimal.Decimal
	Low      decimal.Decimal
	Close    decimal.Decimal
	Volume   decimal.Decimal
}

type Credentials struct {
	APIKey     string
	SecretKey  string
	Passphrase string
}

// Complete reports whether every field of the bundle is populated.
func (c *Credentials) Complete() bool {
	return c != nil && c.APIKey != "" && c.SecretKey != "" && c.Passphrase != ""
}
