// Package model holds the data types shared between the portfolio and API layers.
package model

import "github.com/shopspring/decimal"

// AggregatedPosition is the total open quantity of one symbol across every
// account. Symbol is the label from whichever account reported it first.
type AggregatedPosition struct {
	SymbolID int64           `json:"symbolId"`
	Symbol   string          `json:"symbol"`
	Qty      decimal.Decimal `json:"qty"`
}
