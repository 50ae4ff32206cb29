package models

import (
	"github.com/shopspring/decimal"
)

type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "new"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
)

type Mode string

const (
	ModeDemo Mode = "demo"
	ModeLive Mode = "live"
)

func (m Mode) Valid() bool {
	return m == ModeDemo || m == ModeLive
}

// OrderRequest asks an executor for a single market order. Quantity is always
// expressed in the symbol's base asset; QuoteAmount is set on buy legs for
// venues that size market buys in the quote asset.
type OrderRequest struct {
	Symbol      string
	Side        OrderSide
	Type        OrderType
	Quantity    decimal.Decimal
	QuoteAmount decimal.Decimal
	Mode        Mode
}

type Fee struct {
	Asset  string
	Amount decimal.Decimal
}

// Fill is the executor's report of a completed market order. Demo and live
// executors return the same shape.
type Fill struct {
	OrderID       string
	Symbol        string
	Side          OrderSide
	ExecutedQty   decimal.Decimal
	ExecutedPrice decimal.Decimal
	Fee           Fee
}

// Proceeds is the amount of the asset received by the order: the base
// quantity for a buy, the quote notional for a sell.
func (f Fill) Proceeds() decimal.Decimal {
	if f.Side == OrderSideBuy {
		return f.ExecutedQty
	}
	return f.ExecutedQty.Mul(f.ExecutedPrice)
}
