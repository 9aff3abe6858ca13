// Package report renders operator-facing text summaries of conversion
// activity: stats, history listings, the approval queue, balances, and venue
// health. It is shared by the CLI and the server's periodic summary log.
package report

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/leekchan/accounting"
	"github.com/shopspring/decimal"

	"coinflow/internal/domain"
	"coinflow/internal/store"
)

// FormatMoney formats a fiat amount with thousand separators at the
// currency's precision, e.g. "1,234.56 USD".
func FormatMoney(amount decimal.Decimal, currency string) string {
	ac := accounting.Accounting{
		Symbol:    "",
		Precision: int(domain.FiatDecimals(currency)),
		Thousand:  ",",
		Decimal:   ".",
	}
	return strings.TrimSpace(ac.FormatMoneyDecimal(amount)) + " " + strings.ToUpper(currency)
}

// FormatCrypto formats a crypto amount at full precision with trailing
// zeros trimmed, e.g. "0.01 BTC".
func FormatCrypto(amount decimal.Decimal, currency string) string {
	s := amount.Round(domain.CryptoPrecision).String()
	return s + " " + strings.ToUpper(currency)
}

// FormatPercent renders a signed percentage with two decimals.
func FormatPercent(pct decimal.Decimal) string {
	return pct.Round(2).String() + "%"
}

// ---------------------------------------------------------------------------
// Renderers
// ---------------------------------------------------------------------------

// RenderStats renders an aggregate stats block with a per-venue breakdown.
// Completed money totals are labelled with the given fiat currency.
func RenderStats(stats *store.Stats, venues []store.VenueTotals, fiatCurrency string, since time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Conversions since %s\n", since.Format("2006-01-02 15:04"))
	fmt.Fprintf(&b, "  total:       %d\n", stats.Total)

	for _, status := range []domain.Status{
		domain.StatusPending, domain.StatusConverting, domain.StatusCompleted,
		domain.StatusFailed, domain.StatusCancelled,
	} {
		if n := stats.ByStatus[status]; n > 0 {
			fmt.Fprintf(&b, "  %-12s %d\n", string(status)+":", n)
		}
	}

	fmt.Fprintf(&b, "  gross:       %s\n", FormatMoney(stats.CompletedGross, fiatCurrency))
	fmt.Fprintf(&b, "  fees:        %s\n", FormatMoney(stats.CompletedFees, fiatCurrency))
	fmt.Fprintf(&b, "  net:         %s\n", FormatMoney(stats.CompletedNet, fiatCurrency))
	fmt.Fprintf(&b, "  success:     %.1f%%\n", stats.SuccessRate*100)
	fmt.Fprintf(&b, "  avg exec:    %.0fms\n", stats.AvgExecutionMs)

	if len(venues) > 0 {
		b.WriteString("  by venue:\n")
		for _, v := range venues {
			fmt.Fprintf(&b, "    %-10s %d total / %d completed / %d failed, net %s\n",
				v.Venue, v.Total, v.Completed, v.Failed,
				FormatMoney(v.CompletedNet, fiatCurrency))
		}
	}
	return b.String()
}

// RenderConversions renders one line per conversion, newest first as given.
func RenderConversions(recs []domain.ConversionRecord) string {
	if len(recs) == 0 {
		return "no conversions\n"
	}
	var b strings.Builder
	for _, rec := range recs {
		fmt.Fprintf(&b, "%s  %-10s %-9s %s -> %s  %s  risk %.0f/%s",
			rec.CreatedAt.Format("2006-01-02 15:04:05"),
			rec.Status,
			rec.Venue,
			FormatCrypto(rec.CryptoAmount, rec.CryptoCurrency),
			FormatMoney(rec.NetFiat, rec.FiatCurrency),
			rec.OrderRef,
			rec.RiskScore,
			rec.RiskLevel)
		if rec.RetryCount > 0 {
			fmt.Fprintf(&b, "  retries %d", rec.RetryCount)
		}
		if rec.LastError != nil {
			fmt.Fprintf(&b, "  [%s] %s", rec.LastError.Kind, rec.LastError.Message)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// RenderApprovals renders the approval queue, oldest first as given.
func RenderApprovals(recs []domain.ConversionRecord) string {
	if len(recs) == 0 {
		return "no conversions awaiting approval\n"
	}
	var b strings.Builder
	for _, rec := range recs {
		fmt.Fprintf(&b, "%s  %s  %s -> %s  risk %.0f/%s  waiting %s\n",
			rec.ID,
			rec.OrderRef,
			FormatCrypto(rec.CryptoAmount, rec.CryptoCurrency),
			FormatMoney(rec.GrossFiat, rec.FiatCurrency),
			rec.RiskScore,
			rec.RiskLevel,
			time.Since(rec.CreatedAt).Round(time.Minute))
	}
	return b.String()
}

// RenderBalances renders per-venue balances, stale rows flagged.
func RenderBalances(balances []domain.Balance) string {
	if len(balances) == 0 {
		return "no balances\n"
	}
	sorted := make([]domain.Balance, len(balances))
	copy(sorted, balances)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Venue != sorted[j].Venue {
			return sorted[i].Venue < sorted[j].Venue
		}
		return sorted[i].Currency < sorted[j].Currency
	})

	var b strings.Builder
	for _, bal := range sorted {
		var amount string
		if domain.IsSupportedFiat(bal.Currency) {
			amount = FormatMoney(bal.Available, bal.Currency)
		} else {
			amount = FormatCrypto(bal.Available, bal.Currency)
		}
		fmt.Fprintf(&b, "%-10s %s", bal.Venue, amount)
		if bal.Stale {
			fmt.Fprintf(&b, "  (stale, synced %s)", bal.SyncedAt.Format("15:04:05"))
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// RenderHealth renders per-venue failure streaks.
func RenderHealth(health map[string]domain.VenueHealth) string {
	names := make([]string, 0, len(health))
	for name := range health {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		h := health[name]
		state := "ok"
		if h.Degraded {
			state = "DEGRADED"
		}
		fmt.Fprintf(&b, "%-10s %s", name, state)
		if h.ConsecutiveFails > 0 {
			fmt.Fprintf(&b, "  (%d consecutive failures)", h.ConsecutiveFails)
		}
		b.WriteByte('\n')
	}
	return b.String()
}
