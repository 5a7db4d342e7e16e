package model

import "github.com/shopspring/decimal"

// EquityPoint is one day of the reconstructed equity curve. Benchmark is nil
// on days the benchmark symbol did not trade, and is then left out of the
// JSON encoding entirely.
type EquityPoint struct {
	Date      string           `json:"date"` // YYYY-MM-DD
	Equity    decimal.Decimal  `json:"equity"`
	Benchmark *decimal.Decimal `json:"benchmark,omitempty"`
}
