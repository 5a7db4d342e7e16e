package questrade

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// CandleTimeLayout is the timestamp format the candles endpoint accepts.
const CandleTimeLayout = "2006-01-02T15:04:05-00:00"

// Account is one brokerage account.
type Account struct {
	Type              string `json:"type"`
	Number            string `json:"number"`
	Status            string `json:"status"`
	IsPrimary         bool   `json:"isPrimary"`
	IsBilling         bool   `json:"isBilling"`
	ClientAccountType string `json:"clientAccountType"`
}

// Position is an open position in one account.
type Position struct {
	Symbol            string              `json:"symbol"`
	SymbolID          int64               `json:"symbolId"`
	OpenQuantity      decimal.Decimal     `json:"openQuantity"`
	CurrentPrice      decimal.NullDecimal `json:"currentPrice"`
	AverageEntryPrice decimal.NullDecimal `json:"averageEntryPrice"`
	ClosedPnl         decimal.NullDecimal `json:"closedPnl"`
	OpenPnl           decimal.NullDecimal `json:"openPnl"`
	TotalCost         decimal.NullDecimal `json:"totalCost"`
	IsRealTime        bool                `json:"isRealTime"`
	Currency          string              `json:"currency"`
}

// CombinedBalance is an account balance converted into one currency.
type CombinedBalance struct {
	Currency          string          `json:"currency"`
	Cash              decimal.Decimal `json:"cash"`
	MarketValue       decimal.Decimal `json:"marketValue"`
	TotalEquity       decimal.Decimal `json:"totalEquity"`
	BuyingPower       decimal.Decimal `json:"buyingPower"`
	MaintenanceExcess decimal.Decimal `json:"maintenanceExcess"`
}

// CurrencyBalance is the part of an account balance held in one currency.
type CurrencyBalance struct {
	Currency    string          `json:"currency"`
	Cash        decimal.Decimal `json:"cash"`
	MarketValue decimal.Decimal `json:"marketValue"`
	TotalEquity decimal.Decimal `json:"totalEquity"`
}

// Balances is the balance summary of one account.
type Balances struct {
	CombinedBalances    []CombinedBalance `json:"combinedBalances"`
	PerCurrencyBalances []CurrencyBalance `json:"perCurrencyBalances"`
}

// Combined returns the combined balance in currency, if present.
func (b Balances) Combined(currency string) (CombinedBalance, bool) {
	for _, cb := range b.CombinedBalances {
		if cb.Currency == currency {
			return cb, true
		}
	}
	return CombinedBalance{}, false
}

// Order is the dashboard projection of an order.
type Order struct {
	ID             int64               `json:"id"`
	Symbol         string              `json:"symbol"`
	Side           string              `json:"side"`
	Type           string              `json:"type"`
	TotalQuantity  decimal.Decimal     `json:"totalQuantity"`
	FilledQuantity decimal.Decimal     `json:"filledQuantity"`
	LimitPrice     decimal.NullDecimal `json:"limitPrice"`
	AvgExecPrice   decimal.NullDecimal `json:"avgExecPrice"`
	State          string              `json:"state"`
	CreationTime   string              `json:"creationTime"`
	UpdateTime     string              `json:"updateTime"`
	Source         string              `json:"source"`
	Currency       string              `json:"currency"`
}

// upstream field is orderType; the projection calls it type.
type rawOrder struct {
	Order
	OrderType string `json:"orderType"`
}

// Candle is one daily bar reduced to its calendar date and close.
type Candle struct {
	Date  string          `json:"date"`
	Close decimal.Decimal `json:"close"`
}

type rawCandle struct {
	Start string          `json:"start"`
	Close decimal.Decimal `json:"close"`
}

// Accounts lists all accounts.
func (c *Client) Accounts(ctx context.Context) ([]Account, error) {
	var resp struct {
		Accounts []Account `json:"accounts"`
	}
	if err := c.Get(ctx, "accounts", nil, &resp); err != nil {
		return nil, err
	}
	if resp.Accounts == nil {
		return []Account{}, nil
	}
	return resp.Accounts, nil
}

// Positions lists open positions of an account.
func (c *Client) Positions(ctx context.Context, accountID string) ([]Position, error) {
	var resp struct {
		Positions []Position `json:"positions"`
	}
	if err := c.Get(ctx, "accounts/"+url.PathEscape(accountID)+"/positions", nil, &resp); err != nil {
		return nil, err
	}
	if resp.Positions == nil {
		return []Position{}, nil
	}
	return resp.Positions, nil
}

// Balances returns the combined and per-currency balances of an account.
func (c *Client) Balances(ctx context.Context, accountID string) (Balances, error) {
	var b Balances
	if err := c.Get(ctx, "accounts/"+url.PathEscape(accountID)+"/balances", nil, &b); err != nil {
		return Balances{}, err
	}
	if b.CombinedBalances == nil {
		b.CombinedBalances = []CombinedBalance{}
	}
	if b.PerCurrencyBalances == nil {
		b.PerCurrencyBalances = []CurrencyBalance{}
	}
	return b, nil
}

// Orders lists orders of an account filtered by state. An empty state means
// "All".
func (c *Client) Orders(ctx context.Context, accountID, state string) ([]Order, error) {
	if state == "" {
		state = "All"
	}
	var resp struct {
		Orders []rawOrder `json:"orders"`
	}
	q := url.Values{"stateFilter": {state}}
	if err := c.Get(ctx, "accounts/"+url.PathEscape(accountID)+"/orders", q, &resp); err != nil {
		return nil, err
	}
	out := make([]Order, 0, len(resp.Orders))
	for _, ro := range resp.Orders {
		o := ro.Order
		o.Type = ro.OrderType
		out = append(out, o)
	}
	return out, nil
}

// Candles returns daily bars for a symbol between start and end.
func (c *Client) Candles(ctx context.Context, symbolID int64, start, end time.Time) ([]Candle, error) {
	var resp struct {
		Candles []rawCandle `json:"candles"`
	}
	q := url.Values{}
	q.Set("startTime", start.UTC().Format(CandleTimeLayout))
	q.Set("endTime", end.UTC().Format(CandleTimeLayout))
	q.Set("interval", "OneDay")
	if err := c.Get(ctx, "markets/candles/"+strconv.FormatInt(symbolID, 10), q, &resp); err != nil {
		return nil, err
	}

	out := make([]Candle, 0, len(resp.Candles))
	for _, rc := range resp.Candles {
		if len(rc.Start) < 10 {
			return nil, fmt.Errorf("questrade: candle for symbol %d has malformed start %q", symbolID, rc.Start)
		}
		out = append(out, Candle{Date: rc.Start[:10], Close: rc.Close})
	}
	return out, nil
}
