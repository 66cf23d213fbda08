// Package fetcher is the thin, typed facade over the remote market-data
// API (spec §4.4). Each method composes retry, rate limiting, and
// symbol normalization around a pluggable Transport, grounded on the
// teacher's internal/flow/client.go per-method wrapping of a limiter and
// a retry loop around a single underlying call.
package fetcher

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/stockdl/downloader/internal/ratelimit"
	"github.com/stockdl/downloader/internal/retry"
	"github.com/stockdl/downloader/internal/symbol"
	"github.com/stockdl/downloader/internal/task"
)

// Logical endpoint names, used both as the rate-limit bucket key and the
// Transport dispatch key.
const (
	EndpointStockList   = "stock_basic"
	EndpointDaily       = "daily"
	EndpointDailyBasic  = "daily_basic"
	EndpointIncome      = "income"
	EndpointBalanceSheet = "balancesheet"
	EndpointCashFlow    = "cashflow"
)

// longRangeNullQuirk is the spec §4.4 threshold: a null response for a
// range longer than this many days is a known upstream quirk, not a
// real empty result, and is normalized to empty with a warning instead
// of surfaced as a retryable error.
const longRangeNullQuirk = 7 * 24 * time.Hour

// Transport performs the actual remote call for one logical endpoint.
// The concrete HTTP client is explicitly out of the fetcher's scope
// (spec §1); this interface is the seam, with a stdlib net/http-backed
// default implementation.
type Transport interface {
	Call(ctx context.Context, endpoint string, params map[string]any) (task.DataFrame, error)
}

// Fetcher is the single, process-wide facade shared by every producer
// worker (spec §4.4's singleton discipline): rate-limit buckets live in
// the shared *ratelimit.Limiter, so splitting Fetcher instances would
// fragment the budget.
type Fetcher struct {
	transport Transport
	limiter   *ratelimit.Limiter
	policy    retry.Policy
	log       zerolog.Logger
}

// New constructs a Fetcher. policy governs retry behavior for every
// endpoint; pass retry.DefaultPolicy absent a specific need.
func New(transport Transport, limiter *ratelimit.Limiter, policy retry.Policy, log zerolog.Logger) *Fetcher {
	return &Fetcher{transport: transport, limiter: limiter, policy: policy, log: log.With().Str("component", "fetcher").Logger()}
}

// invoke is the explicit middleware composition from spec §9's
// re-architecture note: retry(policy, () => limiter.acquire(endpoint)
// then transport.call(endpoint, params)).
func (f *Fetcher) invoke(ctx context.Context, endpoint string, params map[string]any) (task.DataFrame, error) {
	var df task.DataFrame
	err := retry.Do(ctx, f.policy, func() error {
		if err := f.limiter.Acquire(ctx, endpoint, 1); err != nil {
			return err
		}
		result, callErr := f.transport.Call(ctx, endpoint, params)
		if callErr != nil {
			return callErr
		}
		df = result
		return nil
	})
	if err != nil {
		f.log.Warn().Str("endpoint", endpoint).Err(err).Msg("call failed after retries, returning error")
		return nil, err
	}
	return df, nil
}

func normalizedSymbol(raw string) (string, error) {
	return symbol.Normalize(raw)
}

// FetchStockList retrieves the full security master (spec §4.4).
func (f *Fetcher) FetchStockList(ctx context.Context) (task.DataFrame, error) {
	return f.invoke(ctx, EndpointStockList, nil)
}

// FetchDailyHistory retrieves OHLC rows for symbol over [start, end].
// If start/end span more than seven days and the transport reports a
// null range, the quirk is normalized to an empty, non-nil DataFrame
// instead of propagating as an error (spec §4.4).
func (f *Fetcher) FetchDailyHistory(ctx context.Context, rawSymbol, start, end, adjust string) (task.DataFrame, error) {
	sym, err := normalizedSymbol(rawSymbol)
	if err != nil {
		return nil, fmt.Errorf("fetcher: %w", err)
	}
	df, err := f.invoke(ctx, EndpointDaily, map[string]any{
		"symbol": sym, "start_date": start, "end_date": end, "adjust": adjust,
	})
	if err != nil {
		return nil, err
	}
	if df == nil && f.spansMoreThanQuirkWindow(start, end) {
		f.log.Warn().Str("symbol", sym).Str("start", start).Str("end", end).
			Msg("null response for range >7d, treating as empty (known upstream quirk)")
		return task.DataFrame{}, nil
	}
	return df, nil
}

// FetchDailyBasic retrieves daily valuation metrics for symbol.
func (f *Fetcher) FetchDailyBasic(ctx context.Context, rawSymbol, start, end string) (task.DataFrame, error) {
	sym, err := normalizedSymbol(rawSymbol)
	if err != nil {
		return nil, fmt.Errorf("fetcher: %w", err)
	}
	return f.invoke(ctx, EndpointDailyBasic, map[string]any{
		"symbol": sym, "start_date": start, "end_date": end,
	})
}

// FetchIncome retrieves income-statement rows for symbol.
func (f *Fetcher) FetchIncome(ctx context.Context, rawSymbol, start, end string) (task.DataFrame, error) {
	return f.fetchStatement(ctx, EndpointIncome, rawSymbol, start, end)
}

// FetchBalanceSheet retrieves balance-sheet rows for symbol.
func (f *Fetcher) FetchBalanceSheet(ctx context.Context, rawSymbol, start, end string) (task.DataFrame, error) {
	return f.fetchStatement(ctx, EndpointBalanceSheet, rawSymbol, start, end)
}

// FetchCashFlow retrieves cash-flow-statement rows for symbol.
func (f *Fetcher) FetchCashFlow(ctx context.Context, rawSymbol, start, end string) (task.DataFrame, error) {
	return f.fetchStatement(ctx, EndpointCashFlow, rawSymbol, start, end)
}

func (f *Fetcher) fetchStatement(ctx context.Context, endpoint, rawSymbol, start, end string) (task.DataFrame, error) {
	sym, err := normalizedSymbol(rawSymbol)
	if err != nil {
		return nil, fmt.Errorf("fetcher: %w", err)
	}
	return f.invoke(ctx, endpoint, map[string]any{
		"symbol": sym, "start_date": start, "end_date": end,
	})
}

// Dispatch routes t to the matching Fetch* method by task type (and, for
// FINANCIALS, by statement type), returning the produced DataBatch. This
// is the single call site the producer pool uses, so adding a task type
// only requires extending this switch.
func (f *Fetcher) Dispatch(ctx context.Context, t task.Task) (task.DataBatch, error) {
	start, end, adjust := t.Params.StartDate(), t.Params.EndDate(), t.Params.Adjust()

	var df task.DataFrame
	var err error
	switch t.Type {
	case task.TypeStockList:
		df, err = f.FetchStockList(ctx)
	case task.TypeDaily:
		df, err = f.FetchDailyHistory(ctx, t.Symbol, start, end, adjust)
	case task.TypeDailyBasic:
		df, err = f.FetchDailyBasic(ctx, t.Symbol, start, end)
	case task.TypeFinancials:
		switch t.Params.Statement() {
		case task.StatementIncome:
			df, err = f.FetchIncome(ctx, t.Symbol, start, end)
		case task.StatementBalanceSheet:
			df, err = f.FetchBalanceSheet(ctx, t.Symbol, start, end)
		case task.StatementCashFlow:
			df, err = f.FetchCashFlow(ctx, t.Symbol, start, end)
		default:
			return task.DataBatch{}, fmt.Errorf("fetcher: unknown statement type %q", t.Params.Statement())
		}
	default:
		return task.DataBatch{}, fmt.Errorf("fetcher: unknown task type %q", t.Type)
	}
	if err != nil {
		return task.DataBatch{}, err
	}

	reason := ""
	if len(df) == 0 {
		reason = "no_data"
	}
	return task.NewBatch(t, df, reason), nil
}

// spansMoreThanQuirkWindow reports whether [start, end] exceeds the
// window past which a null response is a known upstream quirk rather
// than a genuine signal.
func (f *Fetcher) spansMoreThanQuirkWindow(start, end string) bool {
	startT, e1 := time.Parse("20060102", start)
	endT, e2 := time.Parse("20060102", end)
	if e1 != nil || e2 != nil {
		return false
	}
	return endT.Sub(startT) > longRangeNullQuirk
}
