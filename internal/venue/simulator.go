package venue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"coinflow/internal/domain"
)

var _ Venue = (*SimVenue)(nil)

// SimVenue is an in-memory venue used for local development and tests. It
// quotes a fixed rate, fills every order at that rate, and can be told to
// fail upcoming calls.
type SimVenue struct {
	mu        sync.Mutex
	rate      decimal.Decimal
	available bool
	rateErr   error
	failExecs int
	execSeq   int
	execs     []ExecRequest
	balances  []domain.Balance
}

// NewSimVenue creates a simulator quoting the given rate for every pair.
func NewSimVenue(rate decimal.Decimal) *SimVenue {
	return &SimVenue{
		rate:      rate,
		available: true,
		balances: []domain.Balance{
			{Venue: "simulator", Currency: "BTC", Available: decimal.NewFromInt(10), Total: decimal.NewFromInt(10), SyncedAt: time.Now()},
			{Venue: "simulator", Currency: "USD", Available: decimal.NewFromInt(1_000_000), Total: decimal.NewFromInt(1_000_000), SyncedAt: time.Now()},
		},
	}
}

func (s *SimVenue) Name() string { return "simulator" }

func (s *SimVenue) IsAvailable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.available
}

// SetAvailable toggles availability.
func (s *SimVenue) SetAvailable(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.available = v
}

// SetRate changes the quoted rate.
func (s *SimVenue) SetRate(rate decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rate = rate
}

// SetRateError makes subsequent GetRate calls return err (nil clears it).
func (s *SimVenue) SetRateError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rateErr = err
}

// FailExecutions makes the next n Execute calls fail.
func (s *SimVenue) FailExecutions(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failExecs = n
}

// Executions returns a copy of all executed requests, in order.
func (s *SimVenue) Executions() []ExecRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ExecRequest, len(s.execs))
	copy(out, s.execs)
	return out
}

func (s *SimVenue) GetRate(ctx context.Context, cryptoCurrency, fiatCurrency string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rateErr != nil {
		return decimal.Zero, s.rateErr
	}
	return s.rate, nil
}

func (s *SimVenue) GetBalances(ctx context.Context) ([]domain.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Balance, len(s.balances))
	copy(out, s.balances)
	return out, nil
}

func (s *SimVenue) Execute(ctx context.Context, req ExecRequest) (*ExecResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failExecs > 0 {
		s.failExecs--
		return nil, fmt.Errorf("simulated venue failure")
	}
	s.execSeq++
	s.execs = append(s.execs, req)
	return &ExecResult{
		ExternalRef:  fmt.Sprintf("sim-%d", s.execSeq),
		FilledAmount: req.Amount,
		AvgPrice:     s.rate,
		ExecutedAt:   time.Now(),
	}, nil
}
