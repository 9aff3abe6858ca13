// Package rate implements the pure pricing arithmetic of the conversion
// engine: spread application, fee computation, slippage, and volatility.
// All money math uses decimal arithmetic; nothing in this package performs
// I/O or holds mutable state.
package rate

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"coinflow/internal/config"
	"coinflow/internal/domain"
)

var hundred = decimal.NewFromInt(100)

// FeeSchedule is a venue's taker/maker fee schedule in percent.
type FeeSchedule struct {
	TakerPct decimal.Decimal
	MakerPct decimal.Decimal
}

// Config holds the pricing parameters for an Engine. All percentages are
// expressed as percent values (0.6 means 0.6%).
type Config struct {
	SpreadPct        decimal.Decimal // protective margin applied to sell quotes
	VenueFees        map[string]FeeSchedule
	DefaultFeePct    decimal.Decimal // conservative fallback for unknown venues
	ProcessingFeePct decimal.Decimal
	ProcessingFeeMin decimal.Decimal
	MaxSlippagePct   decimal.Decimal
	AutoApproveLimit decimal.Decimal
	MaxAmount        decimal.Decimal
	ApproveByAmount  bool
	ApproveHighRisk  bool
}

// FromConfig parses the application configuration's decimal strings into an
// engine Config.
func FromConfig(c *config.Config) (Config, error) {
	parse := func(name, s string) (decimal.Decimal, error) {
		if s == "" {
			return decimal.Zero, nil
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return decimal.Zero, fmt.Errorf("parsing %s %q: %w", name, s, err)
		}
		return d, nil
	}

	var (
		cfg Config
		err error
	)
	if cfg.SpreadPct, err = parse("spread_pct", c.Conversion.SpreadPct); err != nil {
		return Config{}, err
	}
	if cfg.DefaultFeePct, err = parse("default_fee_pct", c.Conversion.DefaultFeePct); err != nil {
		return Config{}, err
	}
	if cfg.ProcessingFeePct, err = parse("processing_fee_pct", c.Conversion.ProcessingFeePct); err != nil {
		return Config{}, err
	}
	if cfg.ProcessingFeeMin, err = parse("processing_fee_min", c.Conversion.ProcessingFeeMin); err != nil {
		return Config{}, err
	}
	if cfg.MaxSlippagePct, err = parse("max_slippage_pct", c.Conversion.MaxSlippagePct); err != nil {
		return Config{}, err
	}
	if cfg.AutoApproveLimit, err = parse("auto_approve_limit", c.Conversion.AutoApproveLimit); err != nil {
		return Config{}, err
	}
	if cfg.MaxAmount, err = parse("max_amount", c.Conversion.MaxAmount); err != nil {
		return Config{}, err
	}

	cfg.VenueFees = make(map[string]FeeSchedule, len(c.Venues.Fees))
	for venue, fees := range c.Venues.Fees {
		taker, err := parse("taker_pct", fees.TakerPct)
		if err != nil {
			return Config{}, err
		}
		maker, err := parse("maker_pct", fees.MakerPct)
		if err != nil {
			return Config{}, err
		}
		cfg.VenueFees[venue] = FeeSchedule{TakerPct: taker, MakerPct: maker}
	}

	cfg.ApproveByAmount = c.Risk.ApproveByAmount
	cfg.ApproveHighRisk = c.Risk.ApproveHighRisk
	return cfg, nil
}

// Engine computes prices, fees, and slippage. It is safe for concurrent use.
type Engine struct {
	cfg Config
}

// NewEngine creates an Engine with the given pricing configuration.
func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// ---------------------------------------------------------------------------
// Rates and conversions
// ---------------------------------------------------------------------------

// RateWithSpread applies a fractional spread to a base rate:
// base * (1 + spread). A negative spread marks the rate down.
func RateWithSpread(base, spread decimal.Decimal) decimal.Decimal {
	return base.Mul(decimal.NewFromInt(1).Add(spread))
}

// QuoteRate marks a raw market rate down by the configured protective
// spread. The engine always sells crypto, so the quote is below market.
func (e *Engine) QuoteRate(base decimal.Decimal) decimal.Decimal {
	return RateWithSpread(base, e.cfg.SpreadPct.Div(hundred).Neg())
}

// FiatAmount converts a crypto amount at the given rate, rounded to the
// fiat currency's precision.
func (e *Engine) FiatAmount(cryptoAmount, rate decimal.Decimal, fiatCurrency string) (decimal.Decimal, error) {
	if !cryptoAmount.IsPositive() || !rate.IsPositive() {
		return decimal.Zero, domain.ErrInvalidAmount
	}
	if !domain.IsSupportedFiat(fiatCurrency) {
		return decimal.Zero, fmt.Errorf("%q: %w", fiatCurrency, domain.ErrUnsupportedCurrency)
	}
	return cryptoAmount.Mul(rate).Round(domain.FiatDecimals(fiatCurrency)), nil
}

// CryptoAmount is the inverse conversion, rounded to crypto precision.
func (e *Engine) CryptoAmount(fiatAmount, rate decimal.Decimal) (decimal.Decimal, error) {
	if !fiatAmount.IsPositive() || !rate.IsPositive() {
		return decimal.Zero, domain.ErrInvalidAmount
	}
	return fiatAmount.Div(rate).Round(domain.CryptoPrecision), nil
}

// ---------------------------------------------------------------------------
// Fees
// ---------------------------------------------------------------------------

// ExchangeFee computes the venue fee on a fiat amount from the per-venue
// schedule. Unknown venues fall back to the conservative default fee.
func (e *Engine) ExchangeFee(amount decimal.Decimal, venue string, isTaker bool) decimal.Decimal {
	pct := e.cfg.DefaultFeePct
	if sched, ok := e.cfg.VenueFees[venue]; ok {
		if isTaker {
			pct = sched.TakerPct
		} else {
			pct = sched.MakerPct
		}
	}
	return amount.Mul(pct).Div(hundred).Round(domain.FiatPrecision)
}

// ProcessingFee computes the percentage processing fee, floored at the
// configured minimum.
func (e *Engine) ProcessingFee(amount decimal.Decimal) decimal.Decimal {
	fee := amount.Mul(e.cfg.ProcessingFeePct).Div(hundred).Round(domain.FiatPrecision)
	if fee.LessThan(e.cfg.ProcessingFeeMin) {
		return e.cfg.ProcessingFeeMin
	}
	return fee
}

// TotalFees itemizes all fees on a gross fiat amount. Market orders always
// take liquidity, so the taker schedule applies.
func (e *Engine) TotalFees(gross decimal.Decimal, venue string, networkFee decimal.Decimal) domain.FeeBreakdown {
	return domain.FeeBreakdown{
		VenueFee:      e.ExchangeFee(gross, venue, true),
		NetworkFee:    networkFee,
		ProcessingFee: e.ProcessingFee(gross),
	}
}

// NetAmount returns the gross amount minus the fee total.
func (e *Engine) NetAmount(gross decimal.Decimal, fees domain.FeeBreakdown) decimal.Decimal {
	return gross.Sub(fees.Total())
}

// ---------------------------------------------------------------------------
// Slippage and volatility
// ---------------------------------------------------------------------------

// SlippagePercent returns (actual − expected) / expected × 100.
func SlippagePercent(expected, actual decimal.Decimal) (decimal.Decimal, error) {
	if !expected.IsPositive() {
		return decimal.Zero, domain.ErrInvalidAmount
	}
	return actual.Sub(expected).Div(expected).Mul(hundred), nil
}

// IsSlippageAcceptable compares the absolute slippage between an expected
// and actual rate against the configured maximum. It must be evaluated with
// a freshly fetched rate immediately before execution, never the rate
// recorded at initiation.
func (e *Engine) IsSlippageAcceptable(expected, actual decimal.Decimal) (bool, error) {
	pct, err := SlippagePercent(expected, actual)
	if err != nil {
		return false, err
	}
	return pct.Abs().LessThanOrEqual(e.cfg.MaxSlippagePct), nil
}

// Volatility is the standard deviation of period-over-period percentage
// changes across a rate series. A series with fewer than two samples has
// zero volatility.
func Volatility(rates []decimal.Decimal) float64 {
	if len(rates) < 2 {
		return 0
	}

	changes := make([]float64, 0, len(rates)-1)
	for i := 1; i < len(rates); i++ {
		prev := rates[i-1]
		if prev.IsZero() {
			continue
		}
		pct, _ := rates[i].Sub(prev).Div(prev).Mul(hundred).Float64()
		changes = append(changes, pct)
	}
	if len(changes) < 2 {
		return 0
	}

	var mean float64
	for _, c := range changes {
		mean += c
	}
	mean /= float64(len(changes))

	var variance float64
	for _, c := range changes {
		d := c - mean
		variance += d * d
	}
	variance /= float64(len(changes))

	return math.Sqrt(variance)
}

// ---------------------------------------------------------------------------
// Estimates and approval policy
// ---------------------------------------------------------------------------

// Estimate is the initiation-time projection of a conversion's economics,
// computed before any venue order is placed.
type Estimate struct {
	Gross         decimal.Decimal
	Fees          domain.FeeBreakdown
	Net           decimal.Decimal
	EffectiveRate decimal.Decimal // net fiat per unit of crypto
	FeePct        decimal.Decimal // total fees as a percentage of gross
}

// EstimateConversion composes gross, fees, net, effective rate, and fee
// percentage for a proposed conversion.
func (e *Engine) EstimateConversion(cryptoAmount, rate decimal.Decimal, venue, fiatCurrency string, networkFee decimal.Decimal) (Estimate, error) {
	gross, err := e.FiatAmount(cryptoAmount, rate, fiatCurrency)
	if err != nil {
		return Estimate{}, err
	}

	fees := e.TotalFees(gross, venue, networkFee)
	net := e.NetAmount(gross, fees)

	est := Estimate{
		Gross:         gross,
		Fees:          fees,
		Net:           net,
		EffectiveRate: net.Div(cryptoAmount).Round(domain.CryptoPrecision),
	}
	if gross.IsPositive() {
		est.FeePct = fees.Total().Div(gross).Mul(hundred).Round(domain.FiatPrecision)
	}
	return est, nil
}

// RequiresApprovalByAmount reports whether a conversion needs human
// approval: the fiat amount exceeds the auto-approval ceiling, or the risk
// level is high. Either rule can be disabled independently by policy flag.
func (e *Engine) RequiresApprovalByAmount(amount decimal.Decimal, level domain.RiskLevel) bool {
	if e.cfg.ApproveByAmount && amount.GreaterThan(e.cfg.AutoApproveLimit) {
		return true
	}
	if e.cfg.ApproveHighRisk && level == domain.RiskHigh {
		return true
	}
	return false
}

// MaxSlippagePct exposes the configured slippage tolerance.
func (e *Engine) MaxSlippagePct() decimal.Decimal { return e.cfg.MaxSlippagePct }

// AutoApproveLimit exposes the configured auto-approval ceiling.
func (e *Engine) AutoApproveLimit() decimal.Decimal { return e.cfg.AutoApproveLimit }

// MaxAmount exposes the configured global maximum conversion amount.
func (e *Engine) MaxAmount() decimal.Decimal { return e.cfg.MaxAmount }
