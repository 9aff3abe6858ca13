package report

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"coinflow/internal/domain"
	"coinflow/internal/store"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestFormatMoney(t *testing.T) {
	cases := []struct {
		amount   string
		currency string
		want     string
	}{
		{"446.57", "USD", "446.57 USD"},
		{"1234567.8", "USD", "1,234,567.80 USD"},
		{"0", "EUR", "0.00 EUR"},
		{"650000", "JPY", "650,000 JPY"}, // zero-decimal currency
	}
	for _, tc := range cases {
		if got := FormatMoney(d(tc.amount), tc.currency); got != tc.want {
			t.Errorf("FormatMoney(%s, %s) = %q, want %q", tc.amount, tc.currency, got, tc.want)
		}
	}
}

func TestFormatCrypto(t *testing.T) {
	if got := FormatCrypto(d("0.01000000"), "btc"); got != "0.01 BTC" {
		t.Errorf("FormatCrypto = %q, want \"0.01 BTC\"", got)
	}
	if got := FormatCrypto(d("1.23456789"), "ETH"); got != "1.23456789 ETH" {
		t.Errorf("FormatCrypto = %q, want \"1.23456789 ETH\"", got)
	}
}

func TestRenderStats(t *testing.T) {
	stats := &store.Stats{
		Total: 3,
		ByStatus: map[domain.Status]int{
			domain.StatusCompleted: 2,
			domain.StatusFailed:    1,
		},
		CompletedGross: d("900.00"),
		CompletedFees:  d("6.86"),
		CompletedNet:   d("893.14"),
		AvgExecutionMs: 750,
		SuccessRate:    2.0 / 3.0,
	}
	venues := []store.VenueTotals{
		{Venue: "alpaca", Total: 2, Completed: 1, Failed: 1, CompletedNet: d("446.57")},
		{Venue: "simulator", Total: 1, Completed: 1, CompletedNet: d("446.57")},
	}
	out := RenderStats(stats, venues, "USD", time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))

	for _, want := range []string{
		"total:       3",
		"completed:   2",
		"failed:      1",
		"893.14 USD",
		"66.7%",
		"750ms",
		"by venue:",
		"2 total / 1 completed / 1 failed, net 446.57 USD",
		"simulator",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("RenderStats output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "cancelled") {
		t.Errorf("RenderStats must omit zero-count statuses:\n%s", out)
	}

	bare := RenderStats(stats, nil, "USD", time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	if strings.Contains(bare, "by venue") {
		t.Errorf("RenderStats without venue totals must omit the breakdown:\n%s", bare)
	}
}

func TestRenderConversions(t *testing.T) {
	if got := RenderConversions(nil); got != "no conversions\n" {
		t.Errorf("empty render = %q", got)
	}

	recs := []domain.ConversionRecord{{
		OrderRef:       "ord-1",
		CryptoAmount:   d("0.01"),
		CryptoCurrency: "BTC",
		FiatCurrency:   "USD",
		NetFiat:        d("446.57"),
		Venue:          "alpaca",
		RiskScore:      12,
		RiskLevel:      domain.RiskLow,
		Status:         domain.StatusFailed,
		RetryCount:     2,
		LastError:      &domain.ErrorDetail{Kind: domain.KindVenue, Message: "timeout"},
		CreatedAt:      time.Now(),
	}}
	out := RenderConversions(recs)
	for _, want := range []string{"0.01 BTC", "446.57 USD", "retries 2", "[venue] timeout", "ord-1"} {
		if !strings.Contains(out, want) {
			t.Errorf("RenderConversions output missing %q:\n%s", want, out)
		}
	}
}

func TestRenderBalancesFlagsStale(t *testing.T) {
	out := RenderBalances([]domain.Balance{
		{Venue: "alpaca", Currency: "USD", Available: d("1000"), Stale: true, SyncedAt: time.Now()},
		{Venue: "alpaca", Currency: "BTC", Available: d("0.5")},
	})
	if !strings.Contains(out, "stale") {
		t.Errorf("stale balance not flagged:\n%s", out)
	}
	if !strings.Contains(out, "1,000.00 USD") || !strings.Contains(out, "0.5 BTC") {
		t.Errorf("balances misformatted:\n%s", out)
	}
}

func TestRenderHealth(t *testing.T) {
	out := RenderHealth(map[string]domain.VenueHealth{
		"alpaca":    {ConsecutiveFails: 4, Degraded: true},
		"simulator": {},
	})
	if !strings.Contains(out, "DEGRADED") || !strings.Contains(out, "4 consecutive failures") {
		t.Errorf("degraded venue not rendered:\n%s", out)
	}
	if !strings.Contains(out, "simulator  ok") {
		t.Errorf("healthy venue not rendered:\n%s", out)
	}
}
