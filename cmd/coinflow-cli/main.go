package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"coinflow/internal/config"
	"coinflow/internal/conversion"
	"coinflow/internal/domain"
	"coinflow/internal/rate"
	"coinflow/internal/report"
	"coinflow/internal/risk"
	"coinflow/internal/store"
	"coinflow/internal/util"
	"coinflow/internal/venue"
)

const version = "0.1.0"

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: coinflow-cli <command> [options]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  version                Print the CLI version\n")
	fmt.Fprintf(os.Stderr, "  stats                  Show conversion statistics\n")
	fmt.Fprintf(os.Stderr, "  history                List conversions\n")
	fmt.Fprintf(os.Stderr, "  show <id>              Show one conversion with its status history\n")
	fmt.Fprintf(os.Stderr, "  pending                List conversions awaiting approval\n")
	fmt.Fprintf(os.Stderr, "  approve <id>           Approve a gated conversion\n")
	fmt.Fprintf(os.Stderr, "  reject <id>            Reject a gated conversion\n")
	fmt.Fprintf(os.Stderr, "  cancel <id>            Cancel a pending conversion\n")
	fmt.Fprintf(os.Stderr, "  order-add              Register a paid order awaiting conversion\n")
	fmt.Fprintf(os.Stderr, "  initiate               Start a conversion for an order\n")
	fmt.Fprintf(os.Stderr, "  assess                 Score an order's risk without converting\n")
	fmt.Fprintf(os.Stderr, "  balances               Show venue balances\n")
	fmt.Fprintf(os.Stderr, "  health                 Show venue health\n")
	fmt.Fprintf(os.Stderr, "\n")
}

func main() {
	flag.Usage = usage
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	if os.Args[1] == "version" {
		fmt.Printf("coinflow-cli %s\n", version)
		return
	}

	cfgPath := "config/coinflow.yaml"
	if p := os.Getenv("COINFLOW_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	util.SetDefault(util.NewLogger("warn")) // keep CLI output clean

	app, err := buildApp(cfg)
	if err != nil {
		log.Fatalf("failed to initialize: %v", err)
	}
	defer app.store.Close()

	ctx := context.Background()
	if err := app.run(ctx, os.Args[1], os.Args[2:]); err != nil {
		log.Fatalf("%s: %v", os.Args[1], err)
	}
}

type app struct {
	store   *store.SQLiteStore
	gateway *venue.Gateway
	orch    *conversion.Orchestrator
}

// buildApp wires the full engine without starting the execution worker: the
// CLI mutates records and lets the server's resume sweep pick them up.
func buildApp(cfg *config.Config) (*app, error) {
	s, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		return nil, err
	}

	var venues []venue.Venue
	if cfg.Venues.Alpaca.Enabled {
		venues = append(venues, venue.NewAlpacaVenue(
			cfg.Venues.Alpaca.APIKey, cfg.Venues.Alpaca.APISecret,
			cfg.Venues.Alpaca.BaseURL, cfg.Venues.Alpaca.DataURL, true))
	}
	if cfg.Venues.Simulator.Enabled {
		simRate, err := decimal.NewFromString(cfg.Venues.Simulator.Rate)
		if err != nil {
			return nil, fmt.Errorf("invalid simulator rate %q: %w", cfg.Venues.Simulator.Rate, err)
		}
		venues = append(venues, venue.NewSimVenue(simRate))
	}

	gateway := venue.NewGateway(venue.Options{
		Venues:          venues,
		Priority:        cfg.Venues.Priority,
		AutoSelect:      cfg.Venues.AutoSelect,
		RateCacheTTL:    cfg.Venues.RateCacheTTL,
		BalanceStale:    cfg.Venues.BalanceStale,
		CallTimeout:     cfg.Venues.CallTimeout,
		RateLimitPerMin: cfg.Venues.RateLimitPerMin,
		AlertThreshold:  cfg.Venues.AlertThreshold,
	})

	rateCfg, err := rate.FromConfig(cfg)
	if err != nil {
		return nil, err
	}
	rates := rate.NewEngine(rateCfg)
	riskCfg, err := risk.FromConfig(cfg)
	if err != nil {
		return nil, err
	}
	risks, err := risk.NewEngine(riskCfg, rates)
	if err != nil {
		return nil, err
	}
	networkFee, err := decimal.NewFromString(cfg.Conversion.NetworkFee)
	if err != nil {
		return nil, fmt.Errorf("invalid network fee %q: %w", cfg.Conversion.NetworkFee, err)
	}

	orch := conversion.New(conversion.Options{
		Conversions:      s,
		Orders:           s,
		Gateway:          gateway,
		Rates:            rates,
		Risks:            risks,
		NetworkFee:       networkFee,
		RetryMaxAttempts: cfg.Conversion.RetryMaxAttempts,
		RetryDelay:       cfg.Conversion.RetryDelay,
		QueueSize:        cfg.Conversion.QueueSize,
	})

	return &app{store: s, gateway: gateway, orch: orch}, nil
}

func (a *app) run(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "stats":
		return a.stats(ctx, args)
	case "history":
		return a.history(ctx, args)
	case "show":
		return a.show(ctx, args)
	case "pending":
		return a.pending(ctx)
	case "approve":
		return a.approve(ctx, args)
	case "reject":
		return a.reject(ctx, args)
	case "cancel":
		return a.cancel(ctx, args)
	case "order-add":
		return a.orderAdd(ctx, args)
	case "initiate":
		return a.initiate(ctx, args)
	case "assess":
		return a.assess(ctx, args)
	case "balances":
		return a.balances(ctx, args)
	case "health":
		a.health()
		return nil
	default:
		usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func (a *app) stats(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	window := fs.Duration("since", 24*time.Hour, "aggregation window")
	currency := fs.String("currency", "USD", "fiat currency label for totals")
	fs.Parse(args)

	since := time.Now().Add(-*window)
	stats, err := a.store.Stats(ctx, since)
	if err != nil {
		return err
	}
	venues, err := a.store.TotalsByVenue(ctx, since)
	if err != nil {
		return err
	}
	fmt.Print(report.RenderStats(stats, venues, *currency, since))
	return nil
}

func (a *app) history(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	status := fs.String("status", "", "filter by status")
	user := fs.String("user", "", "filter by requester")
	venueName := fs.String("venue", "", "filter by venue")
	orderRef := fs.String("order", "", "filter by order ref")
	crypto := fs.String("crypto", "", "filter by crypto currency")
	limit := fs.Int("limit", 50, "maximum rows")
	offset := fs.Int("offset", 0, "rows to skip")
	fs.Parse(args)

	recs, err := a.store.ListConversions(ctx, store.ListFilter{
		Status:         domain.Status(*status),
		RequestedBy:    *user,
		Venue:          *venueName,
		OrderRef:       *orderRef,
		CryptoCurrency: *crypto,
		Limit:          *limit,
		Offset:         *offset,
	})
	if err != nil {
		return err
	}
	fmt.Print(report.RenderConversions(recs))
	return nil
}

func (a *app) show(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: show <id>")
	}
	rec, err := a.store.GetConversion(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Print(report.RenderConversions([]domain.ConversionRecord{*rec}))
	for _, h := range rec.History {
		fmt.Printf("  %s  %-10s %s\n", h.At.Format("2006-01-02 15:04:05"), h.Status, h.Note)
	}
	return nil
}

func (a *app) pending(ctx context.Context) error {
	recs, err := a.store.PendingApprovals(ctx)
	if err != nil {
		return err
	}
	fmt.Print(report.RenderApprovals(recs))
	return nil
}

func (a *app) approve(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("approve", flag.ExitOnError)
	by := fs.String("by", "", "approving operator (required)")
	fs.Parse(args)
	if fs.NArg() < 1 || *by == "" {
		return fmt.Errorf("usage: approve -by <operator> <id>")
	}
	rec, err := a.orch.Approve(ctx, fs.Arg(0), *by)
	if err != nil {
		return err
	}
	fmt.Printf("approved %s (%s); the server will execute it shortly\n", rec.ID, rec.OrderRef)
	return nil
}

func (a *app) reject(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("reject", flag.ExitOnError)
	by := fs.String("by", "", "rejecting operator (required)")
	reason := fs.String("reason", "", "rejection reason")
	fs.Parse(args)
	if fs.NArg() < 1 || *by == "" {
		return fmt.Errorf("usage: reject -by <operator> [-reason <text>] <id>")
	}
	rec, err := a.orch.Reject(ctx, fs.Arg(0), *by, *reason)
	if err != nil {
		return err
	}
	fmt.Printf("rejected %s (%s)\n", rec.ID, rec.OrderRef)
	return nil
}

func (a *app) cancel(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("cancel", flag.ExitOnError)
	reason := fs.String("reason", "", "cancellation reason")
	fs.Parse(args)
	if fs.NArg() < 1 {
		return fmt.Errorf("usage: cancel [-reason <text>] <id>")
	}
	rec, err := a.orch.Cancel(ctx, fs.Arg(0), *reason)
	if err != nil {
		return err
	}
	fmt.Printf("cancelled %s (%s)\n", rec.ID, rec.OrderRef)
	return nil
}

func (a *app) orderAdd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("order-add", flag.ExitOnError)
	ref := fs.String("ref", "", "order ref (required)")
	user := fs.String("user", "", "user id (required)")
	amount := fs.String("amount", "", "crypto amount (required)")
	crypto := fs.String("crypto", "BTC", "crypto currency")
	userSince := fs.String("user-since", "", "user account creation date (YYYY-MM-DD)")
	fs.Parse(args)
	if *ref == "" || *user == "" || *amount == "" {
		return fmt.Errorf("usage: order-add -ref <ref> -user <id> -amount <qty> [-crypto BTC] [-user-since YYYY-MM-DD]")
	}

	qty, err := decimal.NewFromString(*amount)
	if err != nil {
		return fmt.Errorf("invalid amount %q: %w", *amount, err)
	}
	createdAt := time.Now()
	if *userSince != "" {
		createdAt, err = time.Parse("2006-01-02", *userSince)
		if err != nil {
			return fmt.Errorf("invalid -user-since %q: %w", *userSince, err)
		}
	}

	if err := a.store.SaveOrder(ctx, &domain.Order{
		Ref:            *ref,
		UserID:         *user,
		CryptoAmount:   qty,
		CryptoCurrency: *crypto,
		UserCreatedAt:  createdAt,
	}); err != nil {
		return err
	}
	fmt.Printf("order %s registered: %s %s for %s\n", *ref, qty, *crypto, *user)
	return nil
}

func (a *app) initiate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("initiate", flag.ExitOnError)
	ref := fs.String("order", "", "order ref (required)")
	fiat := fs.String("fiat", "USD", "fiat currency")
	venueName := fs.String("venue", "", "explicit venue override")
	fs.Parse(args)
	if *ref == "" {
		return fmt.Errorf("usage: initiate -order <ref> [-fiat USD] [-venue <name>]")
	}

	rec, err := a.orch.Initiate(ctx, domain.ConversionRequest{
		OrderRef:     *ref,
		FiatCurrency: *fiat,
		Venue:        *venueName,
	})
	if err != nil {
		return err
	}

	fmt.Printf("conversion %s created: %s -> %s via %s (risk %.0f/%s)\n",
		rec.ID,
		report.FormatCrypto(rec.CryptoAmount, rec.CryptoCurrency),
		report.FormatMoney(rec.NetFiat, rec.FiatCurrency),
		rec.Venue, rec.RiskScore, rec.RiskLevel)
	if rec.RequiresApproval {
		fmt.Println("approval required; use `coinflow-cli approve` to release it")
	} else {
		fmt.Println("queued; the server will execute it shortly")
	}
	return nil
}

func (a *app) assess(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("assess", flag.ExitOnError)
	ref := fs.String("order", "", "order ref (required)")
	fiat := fs.String("fiat", "USD", "fiat currency")
	venueName := fs.String("venue", "", "explicit venue override")
	fs.Parse(args)
	if *ref == "" {
		return fmt.Errorf("usage: assess -order <ref> [-fiat USD] [-venue <name>]")
	}

	rep, err := a.orch.AssessRisk(ctx, *ref, *fiat, *venueName)
	if err != nil {
		return err
	}
	fmt.Printf("risk %.1f (%s), approval required: %v\n", rep.Score, rep.Level, rep.RequiresApproval)
	fmt.Printf("  amount:     %.1f\n", rep.AmountScore)
	fmt.Printf("  volatility: %.1f\n", rep.VolatilityScore)
	fmt.Printf("  history:    %.1f\n", rep.HistoryScore)
	fmt.Printf("  venue:      %.1f\n", rep.VenueScore)
	return nil
}

func (a *app) balances(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("balances", flag.ExitOnError)
	force := fs.Bool("force", false, "bypass the staleness window")
	fs.Parse(args)

	var all []domain.Balance
	for _, name := range a.gateway.Venues() {
		rows, err := a.gateway.Balances(ctx, name, *force)
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: %v\n", err)
		}
		all = append(all, rows...)
	}
	fmt.Print(report.RenderBalances(all))
	return nil
}

func (a *app) health() {
	fmt.Print(report.RenderHealth(a.gateway.Health()))
}
