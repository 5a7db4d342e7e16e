// Package portfolio reconstructs historical portfolio equity from the
// positions held today and daily closes of each held symbol.
//
// The curve assumes today's quantities were held over the whole window. It
// is meant for charting, not performance accounting.
package portfolio

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"theoros/internal/model"
	"theoros/pkg/questrade"
)

const (
	// DefaultBenchmarkSymbolID is SPY on ARCA.
	DefaultBenchmarkSymbolID int64 = 34987
	DefaultMaxConcurrency          = 8
	DefaultDays                    = 252
	// MaxDays bounds the lookback to roughly twenty years of trading days.
	MaxDays = 5000

	cashCurrency = "USD"
)

// ErrInvalidDays is returned for a lookback outside 1..MaxDays.
var ErrInvalidDays = errors.New("portfolio: days must be between 1 and 5000")

// Source is the brokerage data the reconstructor reads. *questrade.Client
// implements it.
type Source interface {
	Accounts(ctx context.Context) ([]questrade.Account, error)
	Positions(ctx context.Context, accountID string) ([]questrade.Position, error)
	Balances(ctx context.Context, accountID string) (questrade.Balances, error)
	Candles(ctx context.Context, symbolID int64, start, end time.Time) ([]questrade.Candle, error)
}

// Config tunes the reconstructor.
type Config struct {
	BenchmarkSymbolID int64 // default: 34987 (SPY)
	MaxConcurrency    int   // concurrent upstream calls, default: 8
}

// Reconstructor builds equity curves.
type Reconstructor struct {
	src Source
	cfg Config
	now func() time.Time
	log *slog.Logger
}

// Option configures a Reconstructor.
type Option func(*Reconstructor)

// WithClock overrides time.Now for the fetch window.
func WithClock(now func() time.Time) Option {
	return func(r *Reconstructor) { r.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reconstructor) { r.log = l }
}

// New creates a Reconstructor reading from src.
func New(src Source, cfg Config, opts ...Option) *Reconstructor {
	if cfg.BenchmarkSymbolID == 0 {
		cfg.BenchmarkSymbolID = DefaultBenchmarkSymbolID
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	r := &Reconstructor{src: src, cfg: cfg, now: time.Now, log: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// FetchWindow returns the candle range for a lookback of days trading days.
// It over-fetches calendar days so weekends and holidays still leave at least
// days closes.
func FetchWindow(now time.Time, days int) (start, end time.Time) {
	end = now.UTC()
	calendarDays := days*3/2 + 30
	return end.AddDate(0, 0, -calendarDays), end
}

// EquityHistory returns one point per trading day for the last days trading
// days, oldest first. With no open positions the result is empty. Any
// upstream failure, including an authentication failure, aborts the whole
// reconstruction.
func (r *Reconstructor) EquityHistory(ctx context.Context, days int) ([]model.EquityPoint, error) {
	if days <= 0 || days > MaxDays {
		return nil, ErrInvalidDays
	}
	started := r.now()

	accounts, err := r.src.Accounts(ctx)
	if err != nil {
		return nil, err
	}

	positions := make([][]questrade.Position, len(accounts))
	balances := make([]questrade.Balances, len(accounts))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.MaxConcurrency)
	for i, acct := range accounts {
		i, number := i, acct.Number
		g.Go(func() error {
			p, err := r.src.Positions(gctx, number)
			positions[i] = p
			return err
		})
		g.Go(func() error {
			b, err := r.src.Balances(gctx, number)
			balances[i] = b
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	cash, held := Aggregate(positions, balances)
	if len(held) == 0 {
		r.log.Info("equity history: no open positions", "accounts", len(accounts))
		return []model.EquityPoint{}, nil
	}

	symbolIDs := make([]int64, 0, len(held))
	for id := range held {
		symbolIDs = append(symbolIDs, id)
	}
	sort.Slice(symbolIDs, func(i, j int) bool { return symbolIDs[i] < symbolIDs[j] })

	start, end := FetchWindow(r.now(), days)
	candles := make([][]questrade.Candle, len(symbolIDs))
	var benchmark []questrade.Candle

	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.MaxConcurrency)
	for i, id := range symbolIDs {
		i, id := i, id
		g.Go(func() error {
			c, err := r.src.Candles(gctx, id, start, end)
			candles[i] = c
			return err
		})
	}
	g.Go(func() error {
		c, err := r.src.Candles(gctx, r.cfg.BenchmarkSymbolID, start, end)
		benchmark = c
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	bySymbol := make(map[int64][]questrade.Candle, len(symbolIDs))
	for i, id := range symbolIDs {
		bySymbol[id] = candles[i]
	}
	curve := BuildCurve(cash, held, bySymbol, benchmark, days)

	r.log.Info("equity history reconstructed",
		"accounts", len(accounts),
		"symbols", len(symbolIDs),
		"points", len(curve),
		"elapsed", r.now().Sub(started).String(),
	)
	return curve, nil
}

// Aggregate sums USD cash from each account's combined balances and open
// quantity per symbol across accounts. The inputs are index-aligned per
// account.
func Aggregate(positions [][]questrade.Position, balances []questrade.Balances) (decimal.Decimal, map[int64]*model.AggregatedPosition) {
	cash := decimal.Zero
	for _, b := range balances {
		if usd, ok := b.Combined(cashCurrency); ok {
			cash = cash.Add(usd.Cash)
		}
	}

	held := make(map[int64]*model.AggregatedPosition)
	for _, acctPositions := range positions {
		for _, p := range acctPositions {
			agg, ok := held[p.SymbolID]
			if !ok {
				agg = &model.AggregatedPosition{SymbolID: p.SymbolID, Symbol: p.Symbol, Qty: decimal.Zero}
				held[p.SymbolID] = agg
			}
			agg.Qty = agg.Qty.Add(p.OpenQuantity)
		}
	}
	return cash, held
}

// BuildCurve computes the equity curve over the union of dates on which any
// held symbol has a close, keeping the last days dates.
//
// A symbol with no close on a date contributes nothing that day; prices are
// never carried forward. The benchmark is rebased so that it equals the
// portfolio equity on the first kept date with a benchmark close.
func BuildCurve(
	cash decimal.Decimal,
	held map[int64]*model.AggregatedPosition,
	candles map[int64][]questrade.Candle,
	benchmark []questrade.Candle,
	days int,
) []model.EquityPoint {
	prices := make(map[int64]map[string]decimal.Decimal, len(candles))
	dateSet := make(map[string]struct{})
	for id, cs := range candles {
		if _, ok := held[id]; !ok {
			continue
		}
		m := make(map[string]decimal.Decimal, len(cs))
		for _, c := range cs {
			m[c.Date] = c.Close
			dateSet[c.Date] = struct{}{}
		}
		prices[id] = m
	}

	benchByDate := make(map[string]decimal.Decimal, len(benchmark))
	for _, c := range benchmark {
		benchByDate[c.Date] = c.Close
	}

	dates := make([]string, 0, len(dateSet))
	for d := range dateSet {
		dates = append(dates, d)
	}
	sort.Strings(dates)
	if len(dates) > days {
		dates = dates[len(dates)-days:]
	}

	equities := make([]decimal.Decimal, len(dates))
	for i, date := range dates {
		equity := cash
		for id, pos := range held {
			if px, ok := prices[id][date]; ok {
				equity = equity.Add(pos.Qty.Mul(px))
			}
		}
		equities[i] = equity
	}

	var (
		baseSet     bool
		spyStart    decimal.Decimal
		firstEquity decimal.Decimal
	)
	for i, date := range dates {
		if px, ok := benchByDate[date]; ok && !px.IsZero() {
			spyStart, firstEquity, baseSet = px, equities[i], true
			break
		}
	}

	out := make([]model.EquityPoint, len(dates))
	for i, date := range dates {
		out[i] = model.EquityPoint{Date: date, Equity: equities[i].Round(2)}
		if !baseSet {
			continue
		}
		if px, ok := benchByDate[date]; ok {
			b := firstEquity.Mul(px).Div(spyStart).Round(2)
			out[i].Benchmark = &b
		}
	}
	return out
}
