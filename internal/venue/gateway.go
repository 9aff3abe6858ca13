package venue

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"

	"coinflow/internal/domain"
	"coinflow/internal/util"
)

// rateHistoryCap bounds the per-pair rate history kept for volatility
// computation.
const rateHistoryCap = 20

// Options configures a Gateway.
type Options struct {
	Venues     []Venue
	Priority   []string // selection order and tie-break; unlisted venues go last
	AutoSelect bool     // pick the best rate across available venues

	RateCacheTTL    time.Duration
	BalanceStale    time.Duration
	CallTimeout     time.Duration
	RateLimitPerMin int
	AlertThreshold  int // consecutive failures before the operator alert

	Logger *slog.Logger
}

// Gateway fronts all venue adapters. It caches indicative rates, selects the
// venue for a conversion, syncs balances, and tracks per-venue execution
// failure streaks for health reporting. Quote and balance failures are
// logged but stay out of the streak: a rate blip must not page anyone while
// orders are still filling.
type Gateway struct {
	venues  map[string]Venue
	ordered []Venue // priority order
	auto    bool

	rates   *gocache.Cache
	ttl     time.Duration
	timeout time.Duration
	limiter *util.RateLimiter

	mu             sync.Mutex
	execFails      map[string]int
	history        map[string][]decimal.Decimal // venue|crypto|fiat → recent rates
	balances       map[string][]domain.Balance  // venue → last synced rows
	balancesAt     map[string]time.Time
	staleAfter     time.Duration
	alertThreshold int

	log *slog.Logger
}

// NewGateway creates a Gateway over the given venues.
func NewGateway(opts Options) *Gateway {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	byName := make(map[string]Venue, len(opts.Venues))
	for _, v := range opts.Venues {
		byName[v.Name()] = v
	}

	// Order venues by the priority list; anything unlisted keeps its given
	// order at the end.
	ordered := make([]Venue, 0, len(opts.Venues))
	seen := make(map[string]bool, len(opts.Venues))
	for _, name := range opts.Priority {
		if v, ok := byName[name]; ok && !seen[name] {
			ordered = append(ordered, v)
			seen[name] = true
		}
	}
	for _, v := range opts.Venues {
		if !seen[v.Name()] {
			ordered = append(ordered, v)
			seen[v.Name()] = true
		}
	}

	ttl := opts.RateCacheTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}

	return &Gateway{
		venues:         byName,
		ordered:        ordered,
		auto:           opts.AutoSelect,
		rates:          gocache.New(ttl, 2*ttl),
		ttl:            ttl,
		timeout:        opts.CallTimeout,
		limiter:        util.NewRateLimiter(max(opts.RateLimitPerMin, 1)),
		execFails:      make(map[string]int),
		history:        make(map[string][]decimal.Decimal),
		balances:       make(map[string][]domain.Balance),
		balancesAt:     make(map[string]time.Time),
		staleAfter:     opts.BalanceStale,
		alertThreshold: opts.AlertThreshold,
		log:            log.With("component", "venue-gateway"),
	}
}

// Venues returns the names of all registered venues in priority order.
func (g *Gateway) Venues() []string {
	names := make([]string, 0, len(g.ordered))
	for _, v := range g.ordered {
		names = append(names, v.Name())
	}
	return names
}

func rateKey(venue, cryptoCurrency, fiatCurrency string) string {
	return strings.ToLower(venue) + "|" + strings.ToUpper(cryptoCurrency) + "|" + strings.ToUpper(fiatCurrency)
}

// callCtx bounds one venue network call.
func (g *Gateway) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, g.timeout)
}

// ---------------------------------------------------------------------------
// Rates
// ---------------------------------------------------------------------------

// Rate returns the indicative rate for a pair at a venue. Cached values are
// served within the TTL unless fresh is set, which always hits the venue —
// the pre-execution slippage check requires a live rate.
func (g *Gateway) Rate(ctx context.Context, venueName, cryptoCurrency, fiatCurrency string, fresh bool) (decimal.Decimal, error) {
	key := rateKey(venueName, cryptoCurrency, fiatCurrency)
	if !fresh {
		if cached, ok := g.rates.Get(key); ok {
			return cached.(decimal.Decimal), nil
		}
	}

	v, ok := g.venues[venueName]
	if !ok {
		return decimal.Zero, domain.Errorf(domain.KindVenue, "unknown venue %q", venueName)
	}
	if !v.IsAvailable() {
		return decimal.Zero, domain.Errorf(domain.KindVenue, "venue %s is not available", venueName)
	}

	if err := g.limiter.Wait(ctx); err != nil {
		return decimal.Zero, err
	}
	callCtx, cancel := g.callCtx(ctx)
	defer cancel()

	rate, err := v.GetRate(callCtx, cryptoCurrency, fiatCurrency)
	if err != nil {
		// Quote failures stay out of the execution streak.
		g.log.Warn("venue rate fetch failed", "venue", venueName,
			"pair", cryptoCurrency+"/"+fiatCurrency, "error", err)
		return decimal.Zero, domain.WrapErr(domain.KindVenue, fmt.Sprintf("rate from %s", venueName), err)
	}

	g.rates.Set(key, rate, gocache.DefaultExpiration)
	g.appendHistory(key, rate)
	return rate, nil
}

// RateHistory returns the recent rates observed for a pair at a venue,
// oldest first. The window feeds volatility scoring.
func (g *Gateway) RateHistory(venueName, cryptoCurrency, fiatCurrency string) []decimal.Decimal {
	g.mu.Lock()
	defer g.mu.Unlock()
	h := g.history[rateKey(venueName, cryptoCurrency, fiatCurrency)]
	out := make([]decimal.Decimal, len(h))
	copy(out, h)
	return out
}

func (g *Gateway) appendHistory(key string, rate decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	h := append(g.history[key], rate)
	if len(h) > rateHistoryCap {
		h = h[len(h)-rateHistoryCap:]
	}
	g.history[key] = h
}

// ---------------------------------------------------------------------------
// Selection
// ---------------------------------------------------------------------------

// SelectVenue picks the venue for a conversion and returns its name and
// current rate. A non-empty override must name a registered, available
// venue. Otherwise auto-selection quotes every available venue and takes the
// best rate, ties going to the earlier venue in priority order; with
// auto-selection off, the first available venue that quotes wins.
func (g *Gateway) SelectVenue(ctx context.Context, cryptoCurrency, fiatCurrency, override string) (string, decimal.Decimal, error) {
	if override != "" {
		v, ok := g.venues[override]
		if !ok {
			return "", decimal.Zero, domain.Errorf(domain.KindValidation, "unknown venue %q", override)
		}
		if !v.IsAvailable() {
			return "", decimal.Zero, domain.Errorf(domain.KindVenue, "venue %s is not available", override)
		}
		rate, err := g.Rate(ctx, override, cryptoCurrency, fiatCurrency, false)
		if err != nil {
			return "", decimal.Zero, err
		}
		return override, rate, nil
	}

	var (
		bestName string
		bestRate decimal.Decimal
	)
	for _, v := range g.ordered {
		if !v.IsAvailable() {
			continue
		}
		rate, err := g.Rate(ctx, v.Name(), cryptoCurrency, fiatCurrency, false)
		if err != nil {
			g.log.Warn("venue quote failed during selection",
				"venue", v.Name(), "pair", cryptoCurrency+"/"+fiatCurrency, "error", err)
			continue
		}
		if !g.auto {
			return v.Name(), rate, nil
		}
		if bestName == "" || rate.GreaterThan(bestRate) {
			bestName, bestRate = v.Name(), rate
		}
	}
	if bestName == "" {
		return "", decimal.Zero, domain.Errorf(domain.KindVenue, "no venue available for %s/%s", cryptoCurrency, fiatCurrency)
	}
	return bestName, bestRate, nil
}

// ---------------------------------------------------------------------------
// Execution
// ---------------------------------------------------------------------------

// Execute routes an order to the named venue. Execution outcomes alone feed
// the venue's failure streak and the degradation alert.
func (g *Gateway) Execute(ctx context.Context, venueName string, req ExecRequest) (*ExecResult, error) {
	v, ok := g.venues[venueName]
	if !ok {
		return nil, domain.Errorf(domain.KindVenue, "unknown venue %q", venueName)
	}
	if !v.IsAvailable() {
		return nil, domain.Errorf(domain.KindVenue, "venue %s is not available", venueName)
	}

	if err := g.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	callCtx, cancel := g.callCtx(ctx)
	defer cancel()

	res, err := v.Execute(callCtx, req)
	if err != nil {
		g.recordFailure(venueName, err)
		return nil, domain.WrapErr(domain.KindVenue, fmt.Sprintf("execution at %s", venueName), err)
	}
	g.recordSuccess(venueName)
	return res, nil
}

// ---------------------------------------------------------------------------
// Balances
// ---------------------------------------------------------------------------

// Balances returns the balances at a venue. Rows synced within the
// staleness window are served from memory unless force is set. When a sync
// fails, the last known rows are returned marked stale alongside the error.
func (g *Gateway) Balances(ctx context.Context, venueName string, force bool) ([]domain.Balance, error) {
	v, ok := g.venues[venueName]
	if !ok {
		return nil, domain.Errorf(domain.KindVenue, "unknown venue %q", venueName)
	}

	g.mu.Lock()
	cached := g.balances[venueName]
	syncedAt := g.balancesAt[venueName]
	g.mu.Unlock()

	if !force && len(cached) > 0 && time.Since(syncedAt) < g.staleAfter {
		return cached, nil
	}

	if err := g.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	callCtx, cancel := g.callCtx(ctx)
	defer cancel()

	rows, err := v.GetBalances(callCtx)
	if err != nil {
		g.log.Warn("venue balance sync failed", "venue", venueName, "error", err)
		// Keep serving the last known rows, marked stale.
		stale := make([]domain.Balance, len(cached))
		for i, b := range cached {
			b.Stale = true
			stale[i] = b
		}
		g.mu.Lock()
		g.balances[venueName] = stale
		g.mu.Unlock()
		return stale, domain.WrapErr(domain.KindVenue, fmt.Sprintf("balance sync from %s", venueName), err)
	}

	g.mu.Lock()
	g.balances[venueName] = rows
	g.balancesAt[venueName] = time.Now()
	g.mu.Unlock()
	return rows, nil
}

// ---------------------------------------------------------------------------
// Health
// ---------------------------------------------------------------------------

// Health returns the execution failure streak per registered venue.
func (g *Gateway) Health() map[string]domain.VenueHealth {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]domain.VenueHealth, len(g.venues))
	for name := range g.venues {
		out[name] = g.healthLocked(name)
	}
	return out
}

// HealthFor returns the execution failure streak for one venue.
func (g *Gateway) HealthFor(venueName string) domain.VenueHealth {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.healthLocked(venueName)
}

func (g *Gateway) healthLocked(venueName string) domain.VenueHealth {
	fails := g.execFails[venueName]
	return domain.VenueHealth{
		ConsecutiveFails: fails,
		Degraded:         g.alertThreshold > 0 && fails >= g.alertThreshold,
	}
}

func (g *Gateway) recordFailure(venueName string, err error) {
	g.mu.Lock()
	g.execFails[venueName]++
	fails := g.execFails[venueName]
	g.mu.Unlock()

	if g.alertThreshold > 0 && fails == g.alertThreshold {
		g.log.Error("venue degraded",
			"alert", "venue_degraded",
			"venue", venueName,
			"consecutive_failures", fails,
			"error", err)
	}
}

func (g *Gateway) recordSuccess(venueName string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.execFails[venueName] = 0
}
