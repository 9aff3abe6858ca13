// Package conversion implements the orchestrator: the state machine that
// drives a paid order through risk assessment, approval, venue execution,
// and settlement, one conversion at a time.
package conversion

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"coinflow/internal/domain"
	"coinflow/internal/rate"
	"coinflow/internal/risk"
	"coinflow/internal/store"
	"coinflow/internal/venue"
)

// VenueGateway is the slice of the venue gateway the orchestrator consumes.
type VenueGateway interface {
	SelectVenue(ctx context.Context, cryptoCurrency, fiatCurrency, override string) (string, decimal.Decimal, error)
	Rate(ctx context.Context, venueName, cryptoCurrency, fiatCurrency string, fresh bool) (decimal.Decimal, error)
	Execute(ctx context.Context, venueName string, req venue.ExecRequest) (*venue.ExecResult, error)
	RateHistory(venueName, cryptoCurrency, fiatCurrency string) []decimal.Decimal
	HealthFor(venueName string) domain.VenueHealth
}

// Notifier is the fulfillment hook invoked after a conversion completes.
// Its failures are logged but never affect the record's terminal state.
type Notifier interface {
	ConversionCompleted(ctx context.Context, ev domain.CompletedEvent) error
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, ev domain.CompletedEvent) error

func (f NotifierFunc) ConversionCompleted(ctx context.Context, ev domain.CompletedEvent) error {
	return f(ctx, ev)
}

// Options configures an Orchestrator.
type Options struct {
	Conversions store.ConversionStore
	Orders      store.OrderStore
	Gateway     VenueGateway
	Rates       *rate.Engine
	Risks       *risk.Engine

	Notifier Notifier             // optional
	Exporter *store.AuditExporter // optional Parquet audit trail
	Clock    Clock                // nil uses the wall clock
	Logger   *slog.Logger

	NetworkFee       decimal.Decimal // flat per-conversion network fee
	RetryMaxAttempts int
	RetryDelay       time.Duration
	QueueSize        int
}

// Orchestrator coordinates the conversion lifecycle. Execution is strictly
// serial: a single worker drains the FIFO queue, so at most one conversion
// is in converting at any moment.
type Orchestrator struct {
	conversions store.ConversionStore
	orders      store.OrderStore
	gateway     VenueGateway
	rates       *rate.Engine
	risks       *risk.Engine
	notifier    Notifier
	exporter    *store.AuditExporter
	clock       Clock
	log         *slog.Logger

	networkFee decimal.Decimal
	maxRetries int
	retryDelay time.Duration

	queue  chan string
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an Orchestrator. Call Start to begin draining the queue.
func New(opts Options) *Orchestrator {
	clock := opts.Clock
	if clock == nil {
		clock = realClock{}
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}

	return &Orchestrator{
		conversions: opts.Conversions,
		orders:      opts.Orders,
		gateway:     opts.Gateway,
		rates:       opts.Rates,
		risks:       opts.Risks,
		notifier:    opts.Notifier,
		exporter:    opts.Exporter,
		clock:       clock,
		log:         log.With("component", "orchestrator"),
		networkFee:  opts.NetworkFee,
		maxRetries:  opts.RetryMaxAttempts,
		retryDelay:  opts.RetryDelay,
		queue:       make(chan string, queueSize),
	}
}

// Start launches the single execution worker. It returns immediately.
func (o *Orchestrator) Start(ctx context.Context) {
	ctx, o.cancel = context.WithCancel(ctx)
	o.wg.Add(1)
	go o.worker(ctx)
}

// Stop halts the worker and waits for the in-flight conversion, if any, to
// settle. Queued conversions remain pending and are picked up on restart.
func (o *Orchestrator) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()
}

// strandedAfter is how long a record may sit in converting before Resume
// treats it as orphaned by a crash. Venue execution settles within seconds,
// so a generous margin cannot misfire on a live execution.
const strandedAfter = 2 * time.Minute

// Resume re-enqueues work left behind by a previous run: approved (or
// auto-approved) pending records whose execution never happened, records
// stranded in converting by a crash, and retryable failed records whose
// retry timer died with the process. Safe to call periodically: in-flight
// work is left alone.
func (o *Orchestrator) Resume(ctx context.Context) error {
	if err := o.recoverStranded(ctx); err != nil {
		return err
	}
	if err := o.resumeRetries(ctx); err != nil {
		return err
	}

	pending, err := o.conversions.ListConversions(ctx, store.ListFilter{Status: domain.StatusPending})
	if err != nil {
		return err
	}
	// ListConversions is newest-first; enqueue oldest-first to keep FIFO.
	for i := len(pending) - 1; i >= 0; i-- {
		rec := pending[i]
		if rec.RequiresApproval && rec.ApprovedAt == nil {
			continue
		}
		o.enqueue(rec.ID)
	}
	return nil
}

// recoverStranded fails conversions stuck in converting. A live execution
// settles its record within the venue call timeout, so anything converting
// with no update for strandedAfter was orphaned by a crash. Failing it frees
// the order and hands the record to the normal retry budget.
func (o *Orchestrator) recoverStranded(ctx context.Context) error {
	stuck, err := o.conversions.ListConversions(ctx, store.ListFilter{Status: domain.StatusConverting})
	if err != nil {
		return err
	}
	cutoff := o.clock.Now().Add(-strandedAfter)
	for i := len(stuck) - 1; i >= 0; i-- {
		rec := stuck[i]
		if rec.UpdatedAt.After(cutoff) {
			continue // may still be on the worker
		}
		o.log.Warn("recovering stranded conversion",
			"conversion_id", rec.ID,
			"order_ref", rec.OrderRef,
			"updated_at", rec.UpdatedAt)
		o.fail(ctx, &rec, domain.Errorf(domain.KindVenue, "execution interrupted by restart"))
	}
	return nil
}

// resumeRetries re-queues failed conversions whose scheduled retry never ran
// because the process died: the failure is transient, budget remains, and
// the retry delay has already elapsed.
func (o *Orchestrator) resumeRetries(ctx context.Context) error {
	failed, err := o.conversions.ListConversions(ctx, store.ListFilter{Status: domain.StatusFailed})
	if err != nil {
		return err
	}
	now := o.clock.Now()
	for i := len(failed) - 1; i >= 0; i-- {
		rec := failed[i]
		if rec.LastError == nil || !rec.LastError.Kind.Retryable() || rec.RetryCount >= o.maxRetries {
			continue
		}
		// Within the delay window the in-process timer, if alive, still owns
		// the retry. retry itself is idempotent, so a lost race is harmless.
		if rec.FailedAt != nil && now.Sub(*rec.FailedAt) < o.retryDelay {
			continue
		}
		o.retry(ctx, rec.ID)
	}
	return nil
}

func (o *Orchestrator) worker(ctx context.Context) {
	defer o.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-o.queue:
			o.execute(ctx, id)
		}
	}
}

func (o *Orchestrator) enqueue(id string) {
	select {
	case o.queue <- id:
	default:
		// A full queue leaves the record pending; Resume picks it up later.
		o.log.Warn("execution queue full, leaving conversion pending", "conversion_id", id)
	}
}

// ---------------------------------------------------------------------------
// Initiation
// ---------------------------------------------------------------------------

// Initiate creates a conversion for a paid order: it selects a venue, fixes
// the quote and fee economics, scores risk, and either queues the conversion
// for execution or parks it pending approval.
func (o *Orchestrator) Initiate(ctx context.Context, req domain.ConversionRequest) (*domain.ConversionRecord, error) {
	if req.OrderRef == "" {
		return nil, domain.Errorf(domain.KindValidation, "order ref is required")
	}
	if !domain.IsSupportedFiat(req.FiatCurrency) {
		return nil, domain.Errorf(domain.KindValidation, "unsupported fiat currency %q", req.FiatCurrency)
	}

	order, err := o.orders.GetOrder(ctx, req.OrderRef)
	if err != nil {
		return nil, err
	}
	if !domain.IsSupportedCrypto(order.CryptoCurrency) {
		return nil, domain.Errorf(domain.KindValidation, "unsupported crypto currency %q", order.CryptoCurrency)
	}

	active, err := o.conversions.HasActiveConversion(ctx, req.OrderRef)
	if err != nil {
		return nil, err
	}
	if active {
		return nil, domain.Errorf(domain.KindConflict, "order %s already has an active conversion", req.OrderRef)
	}

	venueName, baseRate, err := o.gateway.SelectVenue(ctx, order.CryptoCurrency, req.FiatCurrency, req.Venue)
	if err != nil {
		return nil, err
	}
	quote := o.rates.QuoteRate(baseRate)

	est, err := o.rates.EstimateConversion(order.CryptoAmount, quote, venueName, req.FiatCurrency, o.networkFee)
	if err != nil {
		return nil, err
	}

	volatility := rate.Volatility(o.gateway.RateHistory(venueName, order.CryptoCurrency, req.FiatCurrency))

	history, err := o.conversions.UserHistory(ctx, order.UserID)
	if err != nil {
		return nil, err
	}
	history.AccountAgeDays = accountAgeDays(order.UserCreatedAt, o.clock.Now(), history.AccountAgeDays)

	report := o.risks.Score(risk.Input{
		Amount:      est.Gross,
		Volatility:  volatility,
		History:     history,
		Venue:       venueName,
		VenueHealth: o.gateway.HealthFor(venueName),
	})

	validation := o.risks.ValidateConversion(risk.ValidationInput{
		Amount:         est.Gross,
		CryptoCurrency: order.CryptoCurrency,
		FiatCurrency:   req.FiatCurrency,
		FeePct:         est.FeePct,
		Volatility:     volatility,
	})
	if !validation.OK() {
		return nil, domain.Errorf(domain.KindValidation, "conversion rejected: %v", validation.Errors)
	}
	for _, w := range validation.Warnings {
		o.log.Warn("conversion warning", "order_ref", req.OrderRef, "warning", w)
	}

	now := o.clock.Now()
	rec := &domain.ConversionRecord{
		ID:             uuid.NewString(),
		OrderRef:       order.Ref,
		CryptoAmount:   order.CryptoAmount,
		CryptoCurrency: order.CryptoCurrency,
		FiatCurrency:   req.FiatCurrency,
		GrossFiat:      est.Gross,
		Fees:           est.Fees,
		NetFiat:        est.Net,
		Rate:           quote,
		Venue:          venueName,
		SlippagePct:    decimal.Zero,
		Volatility:     volatility,

		RiskScore:        report.Score,
		RiskLevel:        report.Level,
		RequiresApproval: report.RequiresApproval,

		Status: domain.StatusPending,
		History: []domain.StatusChange{
			{Status: domain.StatusPending, At: now, Note: "initiated"},
		},
		RequestedBy: order.UserID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if req.RequestedBy != "" {
		rec.RequestedBy = req.RequestedBy
	}

	if err := o.conversions.SaveConversion(ctx, rec); err != nil {
		return nil, err
	}

	o.log.Info("conversion initiated",
		"conversion_id", rec.ID,
		"order_ref", rec.OrderRef,
		"venue", venueName,
		"gross", est.Gross.String(),
		"net", est.Net.String(),
		"risk_score", report.Score,
		"risk_level", report.Level,
		"requires_approval", rec.RequiresApproval)

	if !rec.RequiresApproval {
		o.enqueue(rec.ID)
	}
	return rec, nil
}

// accountAgeDays prefers the order's own account-creation timestamp over
// whatever the history query derived.
func accountAgeDays(userCreatedAt, now time.Time, fallback int) int {
	if userCreatedAt.IsZero() {
		return fallback
	}
	days := int(now.Sub(userCreatedAt).Hours() / 24)
	if days < 0 {
		return 0
	}
	return days
}

// AssessRisk scores a prospective conversion for an order without creating a
// record. It reuses the same selection, pricing, and scoring paths as
// Initiate.
func (o *Orchestrator) AssessRisk(ctx context.Context, orderRef, fiatCurrency, venueOverride string) (*risk.Report, error) {
	order, err := o.orders.GetOrder(ctx, orderRef)
	if err != nil {
		return nil, err
	}
	venueName, baseRate, err := o.gateway.SelectVenue(ctx, order.CryptoCurrency, fiatCurrency, venueOverride)
	if err != nil {
		return nil, err
	}
	quote := o.rates.QuoteRate(baseRate)
	est, err := o.rates.EstimateConversion(order.CryptoAmount, quote, venueName, fiatCurrency, o.networkFee)
	if err != nil {
		return nil, err
	}
	history, err := o.conversions.UserHistory(ctx, order.UserID)
	if err != nil {
		return nil, err
	}
	history.AccountAgeDays = accountAgeDays(order.UserCreatedAt, o.clock.Now(), history.AccountAgeDays)

	report := o.risks.Score(risk.Input{
		Amount:      est.Gross,
		Volatility:  rate.Volatility(o.gateway.RateHistory(venueName, order.CryptoCurrency, fiatCurrency)),
		History:     history,
		Venue:       venueName,
		VenueHealth: o.gateway.HealthFor(venueName),
	})
	return &report, nil
}

// ---------------------------------------------------------------------------
// Approval
// ---------------------------------------------------------------------------

// Approve marks a pending, approval-gated conversion as approved by the
// given operator and queues it for execution.
func (o *Orchestrator) Approve(ctx context.Context, id, approver string) (*domain.ConversionRecord, error) {
	rec, err := o.conversions.GetConversion(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != domain.StatusPending {
		return nil, domain.Errorf(domain.KindRiskPolicy, "conversion %s is %s, not pending", id, rec.Status)
	}
	if !rec.RequiresApproval {
		return nil, domain.Errorf(domain.KindRiskPolicy, "conversion %s does not require approval", id)
	}
	if rec.ApprovedAt != nil {
		return nil, domain.Errorf(domain.KindConflict, "conversion %s already approved by %s", id, rec.ApprovedBy)
	}

	now := o.clock.Now()
	rec.ApprovedBy = approver
	rec.ApprovedAt = &now
	rec.UpdatedAt = now
	rec.History = append(rec.History, domain.StatusChange{
		Status: domain.StatusPending,
		At:     now,
		Note:   "approved by " + approver,
	})
	if err := o.conversions.UpdateConversion(ctx, rec); err != nil {
		return nil, err
	}

	o.log.Info("conversion approved", "conversion_id", id, "approver", approver)
	o.enqueue(rec.ID)
	return rec, nil
}

// Reject declines a pending, approval-gated conversion. Rejection is
// terminal: the record moves to cancelled and is never retried.
func (o *Orchestrator) Reject(ctx context.Context, id, approver, reason string) (*domain.ConversionRecord, error) {
	rec, err := o.conversions.GetConversion(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != domain.StatusPending {
		return nil, domain.Errorf(domain.KindRiskPolicy, "conversion %s is %s, not pending", id, rec.Status)
	}
	if !rec.RequiresApproval {
		return nil, domain.Errorf(domain.KindRiskPolicy, "conversion %s does not require approval", id)
	}

	note := "rejected by " + approver
	if reason != "" {
		note += ": " + reason
	}
	if err := o.transition(ctx, rec, domain.StatusCancelled, note); err != nil {
		return nil, err
	}
	o.log.Info("conversion rejected", "conversion_id", id, "approver", approver, "reason", reason)
	return rec, nil
}

// Cancel aborts a pending conversion. Converting and terminal conversions
// cannot be cancelled.
func (o *Orchestrator) Cancel(ctx context.Context, id, reason string) (*domain.ConversionRecord, error) {
	rec, err := o.conversions.GetConversion(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != domain.StatusPending {
		return nil, domain.Errorf(domain.KindConflict, "conversion %s is %s and cannot be cancelled", id, rec.Status)
	}
	if err := o.transition(ctx, rec, domain.StatusCancelled, reason); err != nil {
		return nil, err
	}
	o.log.Info("conversion cancelled", "conversion_id", id, "reason", reason)
	return rec, nil
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// GetConversion returns a conversion with its full status history.
func (o *Orchestrator) GetConversion(ctx context.Context, id string) (*domain.ConversionRecord, error) {
	return o.conversions.GetConversion(ctx, id)
}

// ListConversions returns conversions matching the filter, newest first.
func (o *Orchestrator) ListConversions(ctx context.Context, f store.ListFilter) ([]domain.ConversionRecord, error) {
	return o.conversions.ListConversions(ctx, f)
}

// PendingApprovals returns the approval queue, oldest first.
func (o *Orchestrator) PendingApprovals(ctx context.Context) ([]domain.ConversionRecord, error) {
	return o.conversions.PendingApprovals(ctx)
}

// Stats aggregates conversion outcomes since the given time.
func (o *Orchestrator) Stats(ctx context.Context, since time.Time) (*store.Stats, error) {
	return o.conversions.Stats(ctx, since)
}

// ---------------------------------------------------------------------------
// Execution
// ---------------------------------------------------------------------------

// execute drives one queued conversion through the converting state. Any
// returned error has already been recorded on the conversion.
func (o *Orchestrator) execute(ctx context.Context, id string) {
	rec, err := o.conversions.GetConversion(ctx, id)
	if err != nil {
		o.log.Error("loading queued conversion", "conversion_id", id, "error", err)
		return
	}
	// Cancelled-while-queued records, duplicates, and unapproved records
	// are skipped, not failed.
	if rec.Status != domain.StatusPending {
		o.log.Info("skipping queued conversion", "conversion_id", id, "status", rec.Status)
		return
	}
	if rec.RequiresApproval && rec.ApprovedAt == nil {
		o.log.Info("skipping unapproved conversion", "conversion_id", id)
		return
	}

	if err := o.transition(ctx, rec, domain.StatusConverting, "executing"); err != nil {
		o.log.Error("starting execution", "conversion_id", id, "error", err)
		return
	}

	if err := o.attempt(ctx, rec); err != nil {
		o.fail(ctx, rec, err)
		return
	}
	o.complete(ctx, rec)
}

// attempt performs the slippage re-check and the venue order. It mutates
// rec's execution fields but not its status.
func (o *Orchestrator) attempt(ctx context.Context, rec *domain.ConversionRecord) error {
	// Quotes go stale between initiation and execution; re-check against a
	// live rate before committing funds.
	fresh, err := o.gateway.Rate(ctx, rec.Venue, rec.CryptoCurrency, rec.FiatCurrency, true)
	if err != nil {
		return err
	}
	quote := o.rates.QuoteRate(fresh)

	slippage, err := rate.SlippagePercent(rec.Rate, quote)
	if err != nil {
		return err
	}
	rec.SlippagePct = slippage
	if slippage.Abs().GreaterThan(o.rates.MaxSlippagePct()) {
		return domain.Errorf(domain.KindSlippage,
			"rate moved %s%% since initiation (max %s%%)", slippage.Round(4), o.rates.MaxSlippagePct())
	}

	started := o.clock.Now()
	res, err := o.gateway.Execute(ctx, rec.Venue, venue.ExecRequest{
		CryptoCurrency: rec.CryptoCurrency,
		FiatCurrency:   rec.FiatCurrency,
		Amount:         rec.CryptoAmount,
		Side:           domain.SideSell,
		// The attempt-scoped ref makes a venue-side retry idempotent.
		ClientRef: fmt.Sprintf("%s:%d", rec.ID, rec.RetryCount),
	})
	rec.ExecutionMs = o.clock.Now().Sub(started).Milliseconds()
	if err != nil {
		return err
	}

	rec.ExternalRef = res.ExternalRef
	return nil
}

func (o *Orchestrator) complete(ctx context.Context, rec *domain.ConversionRecord) {
	rec.LastError = nil
	if err := o.transition(ctx, rec, domain.StatusCompleted, "filled at venue"); err != nil {
		o.log.Error("recording completion", "conversion_id", rec.ID, "error", err)
		return
	}

	o.log.Info("conversion completed",
		"conversion_id", rec.ID,
		"order_ref", rec.OrderRef,
		"venue", rec.Venue,
		"net", rec.NetFiat.String(),
		"slippage_pct", rec.SlippagePct.String(),
		"execution_ms", rec.ExecutionMs)

	o.export(ctx, rec)

	if o.notifier != nil {
		ev := domain.CompletedEvent{
			ConversionID: rec.ID,
			OrderRef:     rec.OrderRef,
			NetFiat:      rec.NetFiat,
			FiatCurrency: rec.FiatCurrency,
		}
		// Fulfillment is downstream of settlement: its failure never
		// un-completes the conversion.
		if err := o.notifier.ConversionCompleted(ctx, ev); err != nil {
			o.log.Error("fulfillment notification failed", "conversion_id", rec.ID, "error", err)
		}
	}
}

func (o *Orchestrator) fail(ctx context.Context, rec *domain.ConversionRecord, cause error) {
	now := o.clock.Now()
	rec.LastError = &domain.ErrorDetail{
		Kind:    domain.KindOf(cause),
		Message: cause.Error(),
		At:      now,
	}
	if err := o.transition(ctx, rec, domain.StatusFailed, cause.Error()); err != nil {
		o.log.Error("recording failure", "conversion_id", rec.ID, "error", err)
		return
	}

	retryable := domain.Retryable(cause) && rec.RetryCount < o.maxRetries
	o.log.Warn("conversion failed",
		"conversion_id", rec.ID,
		"kind", string(domain.KindOf(cause)),
		"retry_count", rec.RetryCount,
		"will_retry", retryable,
		"error", cause)

	if !retryable {
		o.export(ctx, rec)
		return
	}

	// Retry after the delay: failed → pending with an incremented attempt
	// counter, then back onto the queue.
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		select {
		case <-ctx.Done():
			return
		case <-o.clock.After(o.retryDelay):
		}
		o.retry(ctx, rec.ID)
	}()
}

func (o *Orchestrator) retry(ctx context.Context, id string) {
	rec, err := o.conversions.GetConversion(ctx, id)
	if err != nil {
		o.log.Error("loading conversion for retry", "conversion_id", id, "error", err)
		return
	}
	if rec.Status != domain.StatusFailed {
		return
	}

	rec.RetryCount++
	note := fmt.Sprintf("retry %d of %d", rec.RetryCount, o.maxRetries)
	if err := o.transition(ctx, rec, domain.StatusPending, note); err != nil {
		o.log.Error("re-queueing conversion", "conversion_id", id, "error", err)
		return
	}
	o.log.Info("conversion re-queued", "conversion_id", id, "retry_count", rec.RetryCount)
	o.enqueue(id)
}

// transition applies a legal status change, stamps the matching timestamp,
// appends the history entry, and persists the record.
func (o *Orchestrator) transition(ctx context.Context, rec *domain.ConversionRecord, to domain.Status, note string) error {
	if !domain.CanTransition(rec.Status, to) {
		return domain.Errorf(domain.KindConflict, "illegal transition %s -> %s", rec.Status, to)
	}

	now := o.clock.Now()
	rec.Status = to
	rec.UpdatedAt = now
	switch to {
	case domain.StatusConverting:
		rec.SubmittedAt = &now
	case domain.StatusCompleted:
		rec.CompletedAt = &now
	case domain.StatusFailed:
		rec.FailedAt = &now
	case domain.StatusCancelled:
		rec.CancelledAt = &now
	}
	rec.History = append(rec.History, domain.StatusChange{Status: to, At: now, Note: note})

	return o.conversions.UpdateConversion(ctx, rec)
}

// export snapshots a settled conversion into the Parquet audit trail.
func (o *Orchestrator) export(ctx context.Context, rec *domain.ConversionRecord) {
	if o.exporter == nil {
		return
	}
	if err := o.exporter.Export(ctx, []domain.ConversionRecord{*rec}); err != nil {
		o.log.Error("audit export failed", "conversion_id", rec.ID, "error", err)
	}
}
