package venue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"coinflow/internal/domain"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testGateway(venues ...Venue) *Gateway {
	names := make([]string, 0, len(venues))
	for _, v := range venues {
		names = append(names, v.Name())
	}
	return NewGateway(Options{
		Venues:          venues,
		Priority:        names,
		AutoSelect:      true,
		RateCacheTTL:    time.Minute,
		BalanceStale:    time.Minute,
		RateLimitPerMin: 100_000,
		AlertThreshold:  3,
	})
}

// namedSim wraps SimVenue so a test can register several simulators under
// distinct names.
type namedSim struct {
	*SimVenue
	name string
}

func (n *namedSim) Name() string { return n.name }

func TestRateCaching(t *testing.T) {
	sim := NewSimVenue(d("45000"))
	g := testGateway(sim)
	ctx := context.Background()

	got, err := g.Rate(ctx, "simulator", "BTC", "USD", false)
	if err != nil {
		t.Fatalf("Rate returned error: %v", err)
	}
	if !got.Equal(d("45000")) {
		t.Errorf("Rate = %s, want 45000", got)
	}

	// A cached read ignores the venue's new price.
	sim.SetRate(d("50000"))
	got, err = g.Rate(ctx, "simulator", "BTC", "USD", false)
	if err != nil {
		t.Fatalf("Rate returned error: %v", err)
	}
	if !got.Equal(d("45000")) {
		t.Errorf("cached Rate = %s, want 45000", got)
	}

	// fresh bypasses the cache.
	got, err = g.Rate(ctx, "simulator", "BTC", "USD", true)
	if err != nil {
		t.Fatalf("Rate(fresh) returned error: %v", err)
	}
	if !got.Equal(d("50000")) {
		t.Errorf("fresh Rate = %s, want 50000", got)
	}
}

func TestRateUnknownVenue(t *testing.T) {
	g := testGateway(NewSimVenue(d("100")))
	_, err := g.Rate(context.Background(), "nope", "BTC", "USD", false)
	if domain.KindOf(err) != domain.KindVenue {
		t.Errorf("unknown venue error kind = %s, want venue", domain.KindOf(err))
	}
}

func TestSelectVenueBestRate(t *testing.T) {
	a := &namedSim{SimVenue: NewSimVenue(d("45000")), name: "a"}
	b := &namedSim{SimVenue: NewSimVenue(d("45100")), name: "b"}
	g := testGateway(a, b)

	name, rate, err := g.SelectVenue(context.Background(), "BTC", "USD", "")
	if err != nil {
		t.Fatalf("SelectVenue returned error: %v", err)
	}
	if name != "b" {
		t.Errorf("selected %s, want b (better rate)", name)
	}
	if !rate.Equal(d("45100")) {
		t.Errorf("selected rate = %s, want 45100", rate)
	}
}

func TestSelectVenueTieBreaksByPriority(t *testing.T) {
	a := &namedSim{SimVenue: NewSimVenue(d("45000")), name: "a"}
	b := &namedSim{SimVenue: NewSimVenue(d("45000")), name: "b"}
	g := testGateway(a, b)

	name, _, err := g.SelectVenue(context.Background(), "BTC", "USD", "")
	if err != nil {
		t.Fatalf("SelectVenue returned error: %v", err)
	}
	if name != "a" {
		t.Errorf("selected %s, want a (earlier in priority)", name)
	}
}

func TestSelectVenueSkipsUnavailable(t *testing.T) {
	a := &namedSim{SimVenue: NewSimVenue(d("45200")), name: "a"}
	a.SetAvailable(false)
	b := &namedSim{SimVenue: NewSimVenue(d("45000")), name: "b"}
	g := testGateway(a, b)

	name, _, err := g.SelectVenue(context.Background(), "BTC", "USD", "")
	if err != nil {
		t.Fatalf("SelectVenue returned error: %v", err)
	}
	if name != "b" {
		t.Errorf("selected %s, want b", name)
	}
}

func TestSelectVenueOverride(t *testing.T) {
	a := &namedSim{SimVenue: NewSimVenue(d("45000")), name: "a"}
	b := &namedSim{SimVenue: NewSimVenue(d("45100")), name: "b"}
	g := testGateway(a, b)

	name, rate, err := g.SelectVenue(context.Background(), "BTC", "USD", "a")
	if err != nil {
		t.Fatalf("SelectVenue returned error: %v", err)
	}
	if name != "a" || !rate.Equal(d("45000")) {
		t.Errorf("override selected %s @ %s, want a @ 45000", name, rate)
	}

	if _, _, err := g.SelectVenue(context.Background(), "BTC", "USD", "nope"); err == nil {
		t.Error("override with unknown venue must fail")
	}

	a.SetAvailable(false)
	if _, _, err := g.SelectVenue(context.Background(), "BTC", "USD", "a"); err == nil {
		t.Error("override with unavailable venue must fail")
	}
}

func TestSelectVenueNoneAvailable(t *testing.T) {
	a := NewSimVenue(d("45000"))
	a.SetAvailable(false)
	g := testGateway(a)

	_, _, err := g.SelectVenue(context.Background(), "BTC", "USD", "")
	if domain.KindOf(err) != domain.KindVenue {
		t.Errorf("error kind = %s, want venue", domain.KindOf(err))
	}
}

func TestExecuteTracksFailureStreak(t *testing.T) {
	sim := NewSimVenue(d("45000"))
	sim.FailExecutions(3)
	g := testGateway(sim)
	ctx := context.Background()
	req := ExecRequest{CryptoCurrency: "BTC", FiatCurrency: "USD", Amount: d("0.01"), Side: domain.SideSell, ClientRef: "c1"}

	for i := 0; i < 3; i++ {
		if _, err := g.Execute(ctx, "simulator", req); err == nil {
			t.Fatal("Execute succeeded during forced failures")
		}
	}
	h := g.HealthFor("simulator")
	if h.ConsecutiveFails != 3 {
		t.Errorf("ConsecutiveFails = %d, want 3", h.ConsecutiveFails)
	}
	if !h.Degraded {
		t.Error("venue must be degraded after reaching the alert threshold")
	}

	// A success resets the streak.
	res, err := g.Execute(ctx, "simulator", req)
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if res.ExternalRef == "" {
		t.Error("Execute result missing external ref")
	}
	h = g.HealthFor("simulator")
	if h.ConsecutiveFails != 0 || h.Degraded {
		t.Errorf("health after success = %+v, want clean", h)
	}
}

func TestQuoteFailuresStayOutOfHealthStreak(t *testing.T) {
	sim := NewSimVenue(d("45000"))
	g := testGateway(sim)
	ctx := context.Background()

	// Repeated quote failures must not degrade the venue: no order failed.
	sim.SetRateError(errors.New("market data down"))
	for i := 0; i < 5; i++ {
		if _, err := g.Rate(ctx, "simulator", "BTC", "USD", true); err == nil {
			t.Fatal("Rate succeeded during forced failure")
		}
	}
	h := g.HealthFor("simulator")
	if h.ConsecutiveFails != 0 || h.Degraded {
		t.Errorf("health after quote failures = %+v, want clean", h)
	}

	// Neither may a quote success mask real execution failures.
	sim.FailExecutions(3)
	req := ExecRequest{CryptoCurrency: "BTC", FiatCurrency: "USD", Amount: d("0.01"), Side: domain.SideSell, ClientRef: "c1"}
	for i := 0; i < 3; i++ {
		if _, err := g.Execute(ctx, "simulator", req); err == nil {
			t.Fatal("Execute succeeded during forced failures")
		}
	}
	sim.SetRateError(nil)
	if _, err := g.Rate(ctx, "simulator", "BTC", "USD", true); err != nil {
		t.Fatalf("Rate returned error: %v", err)
	}
	h = g.HealthFor("simulator")
	if h.ConsecutiveFails != 3 || !h.Degraded {
		t.Errorf("health after execution failures = %+v, want 3 fails and degraded", h)
	}
}

func TestExecuteErrorIsRetryable(t *testing.T) {
	sim := NewSimVenue(d("45000"))
	sim.FailExecutions(1)
	g := testGateway(sim)

	_, err := g.Execute(context.Background(), "simulator", ExecRequest{Amount: d("1")})
	if err == nil {
		t.Fatal("Execute succeeded during forced failure")
	}
	if !domain.Retryable(err) {
		t.Errorf("venue execution error must be retryable, got kind %s", domain.KindOf(err))
	}
}

func TestBalancesStaleOnSyncFailure(t *testing.T) {
	sim := NewSimVenue(d("45000"))
	g := testGateway(sim)
	ctx := context.Background()

	rows, err := g.Balances(ctx, "simulator", true)
	if err != nil {
		t.Fatalf("Balances returned error: %v", err)
	}
	if len(rows) == 0 {
		t.Fatal("Balances returned no rows")
	}
	for _, b := range rows {
		if b.Stale {
			t.Errorf("fresh balance %s marked stale", b.Currency)
		}
	}

	// Sync failure keeps the last known rows, marked stale.
	failing := &failingBalances{SimVenue: NewSimVenue(d("45000"))}
	g2 := testGateway(failing)
	if _, err := g2.Balances(ctx, "simulator", true); err != nil {
		t.Fatalf("seed Balances returned error: %v", err)
	}
	failing.fail = true
	rows, err = g2.Balances(ctx, "simulator", true)
	if err == nil {
		t.Fatal("Balances must return the sync error")
	}
	if len(rows) == 0 {
		t.Fatal("failed sync must keep serving last known rows")
	}
	for _, b := range rows {
		if !b.Stale {
			t.Errorf("balance %s not marked stale after failed sync", b.Currency)
		}
	}
}

type failingBalances struct {
	*SimVenue
	fail bool
}

func (f *failingBalances) GetBalances(ctx context.Context) ([]domain.Balance, error) {
	if f.fail {
		return nil, errors.New("balance endpoint down")
	}
	return f.SimVenue.GetBalances(ctx)
}

func TestRateHistoryWindow(t *testing.T) {
	sim := NewSimVenue(d("100"))
	g := testGateway(sim)
	ctx := context.Background()

	for i := 0; i < rateHistoryCap+5; i++ {
		sim.SetRate(d("100").Add(decimal.NewFromInt(int64(i))))
		if _, err := g.Rate(ctx, "simulator", "BTC", "USD", true); err != nil {
			t.Fatalf("Rate returned error: %v", err)
		}
	}

	h := g.RateHistory("simulator", "BTC", "USD")
	if len(h) != rateHistoryCap {
		t.Fatalf("history length = %d, want %d", len(h), rateHistoryCap)
	}
	// Oldest entries are evicted.
	if !h[len(h)-1].Equal(d("124")) {
		t.Errorf("newest history entry = %s, want 124", h[len(h)-1])
	}
}
