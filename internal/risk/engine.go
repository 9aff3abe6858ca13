// Package risk computes composite risk scores for proposed conversions and
// decides whether human approval is required. Scoring is pure: all signals
// are passed in by the caller.
package risk

import (
	"fmt"

	"github.com/shopspring/decimal"

	"coinflow/internal/config"
	"coinflow/internal/domain"
	"coinflow/internal/rate"
)

// neutralScore is used when a requester has no conversion history.
const neutralScore = 50

// feeWarnPct is the total-fee percentage above which a validation warning
// is raised.
const feeWarnPct = "5"

// defaultVenuePrior is the reputation prior for venues without an entry in
// the reputation table.
const defaultVenuePrior = 20

// venuePriors are static reputation priors per venue, adjusted at scoring
// time by observed failure streaks.
var venuePriors = map[string]float64{
	"alpaca":    10,
	"simulator": 5,
}

// Weights is the risk-weight vector. The four weights must sum to 1.
type Weights struct {
	Amount      float64
	Volatility  float64
	UserHistory float64
	VenueHealth float64
}

// Config holds the scoring parameters for an Engine.
type Config struct {
	Weights             Weights
	MediumThreshold     float64
	HighThreshold       float64
	VolatilityThreshold float64

	MinAmount        decimal.Decimal
	MaxAmount        decimal.Decimal
	AutoApproveLimit decimal.Decimal
}

// FromConfig builds an engine Config from the application configuration.
func FromConfig(c *config.Config) (Config, error) {
	parse := func(name, s string) (decimal.Decimal, error) {
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
	if cfg.MinAmount, err = parse("min_amount", c.Conversion.MinAmount); err != nil {
		return Config{}, err
	}
	if cfg.MaxAmount, err = parse("max_amount", c.Conversion.MaxAmount); err != nil {
		return Config{}, err
	}
	if cfg.AutoApproveLimit, err = parse("auto_approve_limit", c.Conversion.AutoApproveLimit); err != nil {
		return Config{}, err
	}

	cfg.Weights = Weights{
		Amount:      c.Risk.AmountWeight,
		Volatility:  c.Risk.VolatilityWeight,
		UserHistory: c.Risk.UserHistoryWeight,
		VenueHealth: c.Risk.VenueHealthWeight,
	}
	cfg.MediumThreshold = c.Risk.MediumThreshold
	cfg.HighThreshold = c.Risk.HighThreshold
	cfg.VolatilityThreshold = c.Risk.VolatilityThreshold
	return cfg, nil
}

// Engine scores conversions. It delegates the amount-based approval rule to
// the rate engine so the two policies cannot drift apart.
type Engine struct {
	cfg   Config
	rates *rate.Engine
}

// NewEngine creates an Engine. The weight vector must sum to 1.
func NewEngine(cfg Config, rates *rate.Engine) (*Engine, error) {
	sum := cfg.Weights.Amount + cfg.Weights.Volatility + cfg.Weights.UserHistory + cfg.Weights.VenueHealth
	if sum < 0.999 || sum > 1.001 {
		return nil, fmt.Errorf("risk weights must sum to 1, got %.3f", sum)
	}
	return &Engine{cfg: cfg, rates: rates}, nil
}

// ---------------------------------------------------------------------------
// Sub-scores, each bounded to [0, 100]
// ---------------------------------------------------------------------------

// AmountScore scales 0→30 below the auto-approval ceiling, then 30→100
// between the ceiling and the maximum allowed amount. Amounts above the
// maximum score 100.
func (e *Engine) AmountScore(amount decimal.Decimal) float64 {
	if amount.LessThanOrEqual(decimal.Zero) {
		return 0
	}
	ceiling := e.cfg.AutoApproveLimit
	maxAmt := e.cfg.MaxAmount

	if amount.LessThanOrEqual(ceiling) {
		frac, _ := amount.Div(ceiling).Float64()
		return frac * 30
	}
	if amount.GreaterThanOrEqual(maxAmt) {
		return 100
	}
	frac, _ := amount.Sub(ceiling).Div(maxAmt.Sub(ceiling)).Float64()
	return 30 + frac*70
}

// VolatilityScore scales 0→30 below the volatility threshold, then grows in
// proportion to how far volatility exceeds it, capped at 100.
func (e *Engine) VolatilityScore(volatility float64) float64 {
	if volatility <= 0 {
		return 0
	}
	threshold := e.cfg.VolatilityThreshold
	if threshold <= 0 {
		return 100
	}
	if volatility <= threshold {
		return volatility / threshold * 30
	}
	score := 30 + (volatility-threshold)/threshold*35
	return min(score, 100)
}

// HistoryScore derives risk from the requester's prior conversion outcomes
// and account age. Requesters without history score the neutral mid value.
func (e *Engine) HistoryScore(h domain.UserHistory) float64 {
	total := h.Completed + h.Failed
	if !h.Found || total == 0 {
		return neutralScore
	}

	failRatio := float64(h.Failed) / float64(total)

	// Accounts younger than a year carry a linearly decaying penalty.
	age := min(float64(h.AccountAgeDays), 365)
	agePenalty := (1 - age/365) * 100

	return min(failRatio*100*0.7+agePenalty*0.3, 100)
}

// VenueScore combines a static per-venue reputation prior with the observed
// consecutive-failure streak reported by the gateway.
func (e *Engine) VenueScore(venue string, health domain.VenueHealth) float64 {
	prior, ok := venuePriors[venue]
	if !ok {
		prior = defaultVenuePrior
	}
	score := prior + float64(health.ConsecutiveFails)*15
	if health.Degraded && score < 80 {
		score = 80
	}
	return min(score, 100)
}

// ---------------------------------------------------------------------------
// Composite scoring
// ---------------------------------------------------------------------------

// Input carries the signals for one risk assessment.
type Input struct {
	Amount      decimal.Decimal // gross fiat amount
	Volatility  float64
	History     domain.UserHistory
	Venue       string
	VenueHealth domain.VenueHealth
}

// Report is the result of a risk assessment.
type Report struct {
	Score            float64
	Level            domain.RiskLevel
	RequiresApproval bool

	AmountScore     float64
	VolatilityScore float64
	HistoryScore    float64
	VenueScore      float64
}

// Score computes the weighted composite risk score and the resulting level
// and approval requirement.
func (e *Engine) Score(in Input) Report {
	r := Report{
		AmountScore:     e.AmountScore(in.Amount),
		VolatilityScore: e.VolatilityScore(in.Volatility),
		HistoryScore:    e.HistoryScore(in.History),
		VenueScore:      e.VenueScore(in.Venue, in.VenueHealth),
	}

	w := e.cfg.Weights
	r.Score = r.AmountScore*w.Amount +
		r.VolatilityScore*w.Volatility +
		r.HistoryScore*w.UserHistory +
		r.VenueScore*w.VenueHealth
	r.Level = e.RiskLevel(r.Score)
	r.RequiresApproval = e.RequiresApproval(in.Amount, r.Level)
	return r
}

// RiskLevel buckets a composite score. Boundary scores resolve upward: a
// score exactly at a threshold takes the higher level.
func (e *Engine) RiskLevel(score float64) domain.RiskLevel {
	switch {
	case score >= e.cfg.HighThreshold:
		return domain.RiskHigh
	case score >= e.cfg.MediumThreshold:
		return domain.RiskMedium
	default:
		return domain.RiskLow
	}
}

// RequiresApproval ORs the amount-based rule with the high-risk policy.
func (e *Engine) RequiresApproval(amount decimal.Decimal, level domain.RiskLevel) bool {
	return e.rates.RequiresApprovalByAmount(amount, level)
}

// ---------------------------------------------------------------------------
// Pre-execution validation
// ---------------------------------------------------------------------------

// ValidationInput is the data validated immediately before execution.
type ValidationInput struct {
	Amount         decimal.Decimal // gross fiat
	CryptoCurrency string
	FiatCurrency   string
	SlippagePct    decimal.Decimal
	FeePct         decimal.Decimal
	Volatility     float64
}

// ValidationResult aggregates hard failures and soft warnings.
type ValidationResult struct {
	Errors   []string
	Warnings []string
}

// OK reports whether the conversion may proceed.
func (v ValidationResult) OK() bool { return len(v.Errors) == 0 }

// ValidateConversion aggregates hard failures (amount bounds, unsupported
// pair, slippage over limit) and soft warnings (elevated volatility,
// excessive fees) into one result consumed before execution.
func (e *Engine) ValidateConversion(in ValidationInput) ValidationResult {
	var res ValidationResult

	if !domain.IsSupportedCrypto(in.CryptoCurrency) {
		res.Errors = append(res.Errors, fmt.Sprintf("unsupported crypto currency %q", in.CryptoCurrency))
	}
	if !domain.IsSupportedFiat(in.FiatCurrency) {
		res.Errors = append(res.Errors, fmt.Sprintf("unsupported fiat currency %q", in.FiatCurrency))
	}
	if in.Amount.LessThan(e.cfg.MinAmount) {
		res.Errors = append(res.Errors, fmt.Sprintf("amount %s below minimum %s", in.Amount, e.cfg.MinAmount))
	}
	if in.Amount.GreaterThan(e.cfg.MaxAmount) {
		res.Errors = append(res.Errors, fmt.Sprintf("amount %s above maximum %s", in.Amount, e.cfg.MaxAmount))
	}
	if in.SlippagePct.Abs().GreaterThan(e.rates.MaxSlippagePct()) {
		res.Errors = append(res.Errors, fmt.Sprintf("slippage %s%% exceeds maximum %s%%", in.SlippagePct, e.rates.MaxSlippagePct()))
	}

	if in.FeePct.GreaterThan(decimal.RequireFromString(feeWarnPct)) {
		res.Warnings = append(res.Warnings, fmt.Sprintf("total fees %s%% of gross", in.FeePct))
	}
	if in.Volatility > e.cfg.VolatilityThreshold {
		res.Warnings = append(res.Warnings, fmt.Sprintf("volatility %.2f above threshold %.2f", in.Volatility, e.cfg.VolatilityThreshold))
	}

	return res
}
