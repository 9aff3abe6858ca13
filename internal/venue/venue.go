// Package venue defines the trading-venue adapter contract and provides
// implementations plus the Gateway that layers rate caching, venue
// selection, balance sync, and reliability tracking over the adapters.
package venue

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"coinflow/internal/domain"
)

// Venue abstracts one trading venue capable of quoting rates, holding
// balances, and executing market orders.
type Venue interface {
	// Name returns the venue identifier (e.g. "alpaca", "simulator").
	Name() string

	// IsAvailable reports whether credentials are present and the venue is
	// enabled.
	IsAvailable() bool

	// GetRate returns the current indicative price for selling one unit of
	// the crypto currency into the fiat currency.
	GetRate(ctx context.Context, cryptoCurrency, fiatCurrency string) (decimal.Decimal, error)

	// GetBalances returns all balances held at the venue, normalized.
	GetBalances(ctx context.Context) ([]domain.Balance, error)

	// Execute places a market order. It must be safe to call at most once
	// per conversion attempt; the orchestrator guarantees single-flight per
	// record and passes a per-attempt ClientRef for idempotency.
	Execute(ctx context.Context, req ExecRequest) (*ExecResult, error)
}

// ExecRequest describes one market order.
type ExecRequest struct {
	CryptoCurrency string
	FiatCurrency   string
	Amount         decimal.Decimal // crypto units
	Side           domain.Side
	ClientRef      string // idempotency key, unique per conversion attempt
}

// ExecResult is the venue's report of an executed order.
type ExecResult struct {
	ExternalRef  string // venue order id
	FilledAmount decimal.Decimal
	AvgPrice     decimal.Decimal
	ExecutedAt   time.Time
}
