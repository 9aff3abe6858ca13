package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"coinflow/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface checks.
var _ ConversionStore = (*SQLiteStore)(nil)
var _ OrderStore = (*SQLiteStore)(nil)

// SQLiteStore implements ConversionStore and OrderStore backed by a SQLite
// database. Decimal amounts are stored as TEXT to preserve exactness;
// timestamps are Unix milliseconds.
type SQLiteStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS conversions (
	id                 TEXT PRIMARY KEY,
	order_ref          TEXT NOT NULL,
	crypto_amount      TEXT NOT NULL,
	crypto_currency    TEXT NOT NULL,
	fiat_currency      TEXT NOT NULL,
	gross_fiat         TEXT NOT NULL,
	venue_fee          TEXT NOT NULL,
	network_fee        TEXT NOT NULL,
	processing_fee     TEXT NOT NULL,
	net_fiat           TEXT NOT NULL,
	rate               TEXT NOT NULL,
	venue              TEXT NOT NULL,
	slippage_pct       TEXT NOT NULL,
	volatility         REAL NOT NULL,
	risk_score         REAL NOT NULL,
	risk_level         TEXT NOT NULL,
	requires_approval  INTEGER NOT NULL,
	approved_by        TEXT NOT NULL DEFAULT '',
	approved_at        INTEGER,
	status             TEXT NOT NULL,
	retry_count        INTEGER NOT NULL DEFAULT 0,
	last_error_kind    TEXT,
	last_error_message TEXT,
	last_error_at      INTEGER,
	external_ref       TEXT NOT NULL DEFAULT '',
	requested_by       TEXT NOT NULL,
	execution_ms       INTEGER NOT NULL DEFAULT 0,
	created_at         INTEGER NOT NULL,
	updated_at         INTEGER NOT NULL,
	submitted_at       INTEGER,
	completed_at       INTEGER,
	failed_at          INTEGER,
	cancelled_at       INTEGER
);
CREATE INDEX IF NOT EXISTS idx_conversions_order_ref ON conversions(order_ref);
CREATE INDEX IF NOT EXISTS idx_conversions_status ON conversions(status);
CREATE INDEX IF NOT EXISTS idx_conversions_requested_by ON conversions(requested_by);

CREATE TABLE IF NOT EXISTS conversion_history (
	conversion_id TEXT NOT NULL,
	seq           INTEGER NOT NULL,
	status        TEXT NOT NULL,
	at            INTEGER NOT NULL,
	note          TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (conversion_id, seq)
);

CREATE TABLE IF NOT EXISTS orders (
	ref             TEXT PRIMARY KEY,
	user_id         TEXT NOT NULL,
	crypto_amount   TEXT NOT NULL,
	crypto_currency TEXT NOT NULL,
	user_created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_user_id ON orders(user_id);
`

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, runs the
// schema migration, and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// The pure-Go driver serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent access.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// Column helpers
// ---------------------------------------------------------------------------

func msOrNull(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func timeFromMs(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}

func scanDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

// ---------------------------------------------------------------------------
// ConversionStore implementation
// ---------------------------------------------------------------------------

const conversionColumns = `id, order_ref, crypto_amount, crypto_currency, fiat_currency,
	gross_fiat, venue_fee, network_fee, processing_fee, net_fiat,
	rate, venue, slippage_pct, volatility, risk_score, risk_level,
	requires_approval, approved_by, approved_at, status, retry_count,
	last_error_kind, last_error_message, last_error_at, external_ref,
	requested_by, execution_ms, created_at, updated_at,
	submitted_at, completed_at, failed_at, cancelled_at`

// SaveConversion inserts a new conversion record with its status history.
func (s *SQLiteStore) SaveConversion(ctx context.Context, rec *domain.ConversionRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var errKind, errMsg any
	var errAt any
	if rec.LastError != nil {
		errKind, errMsg, errAt = string(rec.LastError.Kind), rec.LastError.Message, rec.LastError.At.UnixMilli()
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO conversions (`+conversionColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		rec.ID, rec.OrderRef, rec.CryptoAmount.String(), rec.CryptoCurrency, rec.FiatCurrency,
		rec.GrossFiat.String(), rec.Fees.VenueFee.String(), rec.Fees.NetworkFee.String(),
		rec.Fees.ProcessingFee.String(), rec.NetFiat.String(),
		rec.Rate.String(), rec.Venue, rec.SlippagePct.String(), rec.Volatility, rec.RiskScore, string(rec.RiskLevel),
		rec.RequiresApproval, rec.ApprovedBy, msOrNull(rec.ApprovedAt), string(rec.Status), rec.RetryCount,
		errKind, errMsg, errAt, rec.ExternalRef,
		rec.RequestedBy, rec.ExecutionMs, rec.CreatedAt.UnixMilli(), rec.UpdatedAt.UnixMilli(),
		msOrNull(rec.SubmittedAt), msOrNull(rec.CompletedAt), msOrNull(rec.FailedAt), msOrNull(rec.CancelledAt))
	if err != nil {
		return fmt.Errorf("inserting conversion %s: %w", rec.ID, err)
	}

	if err := insertHistory(ctx, tx, rec.ID, 0, rec.History); err != nil {
		return err
	}
	return tx.Commit()
}

// UpdateConversion persists all mutable fields and appends new history rows.
func (s *SQLiteStore) UpdateConversion(ctx context.Context, rec *domain.ConversionRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var errKind, errMsg any
	var errAt any
	if rec.LastError != nil {
		errKind, errMsg, errAt = string(rec.LastError.Kind), rec.LastError.Message, rec.LastError.At.UnixMilli()
	}

	res, err := tx.ExecContext(ctx, `UPDATE conversions SET
		slippage_pct = ?, volatility = ?, risk_score = ?, risk_level = ?,
		requires_approval = ?, approved_by = ?, approved_at = ?,
		status = ?, retry_count = ?,
		last_error_kind = ?, last_error_message = ?, last_error_at = ?,
		external_ref = ?, execution_ms = ?, updated_at = ?,
		submitted_at = ?, completed_at = ?, failed_at = ?, cancelled_at = ?
		WHERE id = ?`,
		rec.SlippagePct.String(), rec.Volatility, rec.RiskScore, string(rec.RiskLevel),
		rec.RequiresApproval, rec.ApprovedBy, msOrNull(rec.ApprovedAt),
		string(rec.Status), rec.RetryCount,
		errKind, errMsg, errAt,
		rec.ExternalRef, rec.ExecutionMs, rec.UpdatedAt.UnixMilli(),
		msOrNull(rec.SubmittedAt), msOrNull(rec.CompletedAt), msOrNull(rec.FailedAt), msOrNull(rec.CancelledAt),
		rec.ID)
	if err != nil {
		return fmt.Errorf("updating conversion %s: %w", rec.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Errorf(domain.KindNotFound, "conversion %s", rec.ID)
	}

	// Append history rows beyond what is already stored.
	var have int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversion_history WHERE conversion_id = ?`, rec.ID).Scan(&have); err != nil {
		return err
	}
	if have < len(rec.History) {
		if err := insertHistory(ctx, tx, rec.ID, have, rec.History[have:]); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func insertHistory(ctx context.Context, tx *sql.Tx, id string, startSeq int, entries []domain.StatusChange) error {
	for i, h := range entries {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO conversion_history (conversion_id, seq, status, at, note) VALUES (?,?,?,?,?)`,
			id, startSeq+i, string(h.Status), h.At.UnixMilli(), h.Note)
		if err != nil {
			return fmt.Errorf("inserting history for %s: %w", id, err)
		}
	}
	return nil
}

// GetConversion retrieves a conversion by id, including its history.
func (s *SQLiteStore) GetConversion(ctx context.Context, id string) (*domain.ConversionRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conversionColumns+` FROM conversions WHERE id = ?`, id)
	rec, err := scanConversion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.Errorf(domain.KindNotFound, "conversion %s", id)
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT status, at, note FROM conversion_history WHERE conversion_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status string
			at     int64
			note   string
		)
		if err := rows.Scan(&status, &at, &note); err != nil {
			return nil, err
		}
		rec.History = append(rec.History, domain.StatusChange{
			Status: domain.Status(status),
			At:     time.UnixMilli(at),
			Note:   note,
		})
	}
	return rec, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversion(row rowScanner) (*domain.ConversionRecord, error) {
	var (
		rec domain.ConversionRecord

		cryptoAmount, grossFiat, venueFee, networkFee, processingFee string
		netFiat, rate, slippagePct                                   string
		riskLevel, status                                            string

		approvedAt, lastErrAt, submittedAt, completedAt, failedAt, cancelledAt sql.NullInt64
		lastErrKind, lastErrMsg                                                sql.NullString
		createdAt, updatedAt                                                   int64
	)

	err := row.Scan(
		&rec.ID, &rec.OrderRef, &cryptoAmount, &rec.CryptoCurrency, &rec.FiatCurrency,
		&grossFiat, &venueFee, &networkFee, &processingFee, &netFiat,
		&rate, &rec.Venue, &slippagePct, &rec.Volatility, &rec.RiskScore, &riskLevel,
		&rec.RequiresApproval, &rec.ApprovedBy, &approvedAt, &status, &rec.RetryCount,
		&lastErrKind, &lastErrMsg, &lastErrAt, &rec.ExternalRef,
		&rec.RequestedBy, &rec.ExecutionMs, &createdAt, &updatedAt,
		&submittedAt, &completedAt, &failedAt, &cancelledAt)
	if err != nil {
		return nil, err
	}

	for _, c := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&rec.CryptoAmount, cryptoAmount},
		{&rec.GrossFiat, grossFiat},
		{&rec.Fees.VenueFee, venueFee},
		{&rec.Fees.NetworkFee, networkFee},
		{&rec.Fees.ProcessingFee, processingFee},
		{&rec.NetFiat, netFiat},
		{&rec.Rate, rate},
		{&rec.SlippagePct, slippagePct},
	} {
		d, err := scanDecimal(c.src)
		if err != nil {
			return nil, fmt.Errorf("conversion %s: bad decimal %q: %w", rec.ID, c.src, err)
		}
		*c.dst = d
	}

	rec.RiskLevel = domain.RiskLevel(riskLevel)
	rec.Status = domain.Status(status)
	rec.ApprovedAt = timeFromMs(approvedAt)
	rec.SubmittedAt = timeFromMs(submittedAt)
	rec.CompletedAt = timeFromMs(completedAt)
	rec.FailedAt = timeFromMs(failedAt)
	rec.CancelledAt = timeFromMs(cancelledAt)
	rec.CreatedAt = time.UnixMilli(createdAt)
	rec.UpdatedAt = time.UnixMilli(updatedAt)

	if lastErrKind.Valid {
		rec.LastError = &domain.ErrorDetail{
			Kind:    domain.ErrorKind(lastErrKind.String),
			Message: lastErrMsg.String,
		}
		if at := timeFromMs(lastErrAt); at != nil {
			rec.LastError.At = *at
		}
	}
	return &rec, nil
}

// ListConversions returns records matching the filter, newest first. History
// is not populated; use GetConversion for the full record.
func (s *SQLiteStore) ListConversions(ctx context.Context, f ListFilter) ([]domain.ConversionRecord, error) {
	query := `SELECT ` + conversionColumns + ` FROM conversions WHERE 1=1`
	var args []any
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.OrderRef != "" {
		query += ` AND order_ref = ?`
		args = append(args, f.OrderRef)
	}
	if f.RequestedBy != "" {
		query += ` AND requested_by = ?`
		args = append(args, f.RequestedBy)
	}
	if f.Venue != "" {
		query += ` AND venue = ?`
		args = append(args, f.Venue)
	}
	if f.CryptoCurrency != "" {
		query += ` AND crypto_currency = ?`
		args = append(args, strings.ToUpper(f.CryptoCurrency))
	}
	if !f.Since.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, f.Since.UnixMilli())
	}
	if !f.Until.IsZero() {
		query += ` AND created_at <= ?`
		args = append(args, f.Until.UnixMilli())
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	} else if f.Offset > 0 {
		// SQLite requires a LIMIT clause before OFFSET; -1 means unbounded.
		query += ` LIMIT -1`
	}
	if f.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ConversionRecord
	for rows.Next() {
		rec, err := scanConversion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// HasActiveConversion reports whether the order already has a conversion
// that is neither failed nor cancelled.
func (s *SQLiteStore) HasActiveConversion(ctx context.Context, orderRef string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conversions WHERE order_ref = ? AND status NOT IN ('failed', 'cancelled')`,
		orderRef).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// PendingApprovals returns pending conversions awaiting approval, oldest
// first.
func (s *SQLiteStore) PendingApprovals(ctx context.Context) ([]domain.ConversionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+conversionColumns+` FROM conversions
		WHERE status = 'pending' AND requires_approval = 1 AND approved_at IS NULL
		ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ConversionRecord
	for rows.Next() {
		rec, err := scanConversion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// Stats aggregates conversions created at or after since.
func (s *SQLiteStore) Stats(ctx context.Context, since time.Time) (*Stats, error) {
	stats := &Stats{
		ByStatus:       make(map[domain.Status]int),
		CompletedGross: decimal.Zero,
		CompletedNet:   decimal.Zero,
		CompletedFees:  decimal.Zero,
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM conversions WHERE created_at >= ? GROUP BY status`,
		since.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		stats.ByStatus[domain.Status(status)] = n
		stats.Total += n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Completed money totals are summed in Go: TEXT decimals must not go
	// through SQLite float arithmetic.
	crows, err := s.db.QueryContext(ctx,
		`SELECT gross_fiat, net_fiat, venue_fee, network_fee, processing_fee, execution_ms
		 FROM conversions WHERE status = 'completed' AND created_at >= ?`,
		since.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer crows.Close()

	var execTotal int64
	var completed int
	for crows.Next() {
		var gross, net, vfee, nfee, pfee string
		var execMs int64
		if err := crows.Scan(&gross, &net, &vfee, &nfee, &pfee, &execMs); err != nil {
			return nil, err
		}
		for _, p := range []struct {
			dst *decimal.Decimal
			src string
		}{
			{&stats.CompletedGross, gross},
			{&stats.CompletedNet, net},
			{&stats.CompletedFees, vfee},
			{&stats.CompletedFees, nfee},
			{&stats.CompletedFees, pfee},
		} {
			d, err := scanDecimal(p.src)
			if err != nil {
				return nil, err
			}
			*p.dst = p.dst.Add(d)
		}
		execTotal += execMs
		completed++
	}
	if err := crows.Err(); err != nil {
		return nil, err
	}

	if completed > 0 {
		stats.AvgExecutionMs = float64(execTotal) / float64(completed)
	}
	settled := completed + stats.ByStatus[domain.StatusFailed] + stats.ByStatus[domain.StatusCancelled]
	if settled > 0 {
		stats.SuccessRate = float64(completed) / float64(settled)
	}
	return stats, nil
}

// TotalsByVenue aggregates conversions created at or after since, one entry
// per venue, sorted by venue name.
func (s *SQLiteStore) TotalsByVenue(ctx context.Context, since time.Time) ([]VenueTotals, error) {
	byVenue := make(map[string]*VenueTotals)
	venueTotals := func(venue string) *VenueTotals {
		t, ok := byVenue[venue]
		if !ok {
			t = &VenueTotals{
				Venue:          venue,
				CompletedGross: decimal.Zero,
				CompletedNet:   decimal.Zero,
				CompletedFees:  decimal.Zero,
			}
			byVenue[venue] = t
		}
		return t
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT venue, status, COUNT(*) FROM conversions WHERE created_at >= ? GROUP BY venue, status`,
		since.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			venue, status string
			n             int
		)
		if err := rows.Scan(&venue, &status, &n); err != nil {
			return nil, err
		}
		t := venueTotals(venue)
		t.Total += n
		switch domain.Status(status) {
		case domain.StatusCompleted:
			t.Completed = n
		case domain.StatusFailed:
			t.Failed = n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Completed money totals are summed in Go: TEXT decimals must not go
	// through SQLite float arithmetic.
	crows, err := s.db.QueryContext(ctx,
		`SELECT venue, gross_fiat, net_fiat, venue_fee, network_fee, processing_fee
		 FROM conversions WHERE status = 'completed' AND created_at >= ?`,
		since.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer crows.Close()
	for crows.Next() {
		var venue, gross, net, vfee, nfee, pfee string
		if err := crows.Scan(&venue, &gross, &net, &vfee, &nfee, &pfee); err != nil {
			return nil, err
		}
		t := venueTotals(venue)
		for _, p := range []struct {
			dst *decimal.Decimal
			src string
		}{
			{&t.CompletedGross, gross},
			{&t.CompletedNet, net},
			{&t.CompletedFees, vfee},
			{&t.CompletedFees, nfee},
			{&t.CompletedFees, pfee},
		} {
			d, err := scanDecimal(p.src)
			if err != nil {
				return nil, err
			}
			*p.dst = p.dst.Add(d)
		}
	}
	if err := crows.Err(); err != nil {
		return nil, err
	}

	out := make([]VenueTotals, 0, len(byVenue))
	for _, t := range byVenue {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Venue < out[j].Venue })
	return out, nil
}

// UserHistory summarizes a requester's conversion outcomes and account age.
func (s *SQLiteStore) UserHistory(ctx context.Context, userID string) (domain.UserHistory, error) {
	var h domain.UserHistory

	err := s.db.QueryRowContext(ctx, `SELECT
		COUNT(CASE WHEN status = 'completed' THEN 1 END),
		COUNT(CASE WHEN status = 'failed' THEN 1 END)
		FROM conversions WHERE requested_by = ?`, userID).Scan(&h.Completed, &h.Failed)
	if err != nil {
		return h, err
	}

	var userCreated sql.NullInt64
	err = s.db.QueryRowContext(ctx,
		`SELECT MIN(user_created_at) FROM orders WHERE user_id = ?`, userID).Scan(&userCreated)
	if err != nil {
		return h, err
	}

	h.Found = h.Completed+h.Failed > 0 || userCreated.Valid
	if userCreated.Valid {
		h.AccountAgeDays = int(time.Since(time.UnixMilli(userCreated.Int64)).Hours() / 24)
	}
	return h, nil
}

// ---------------------------------------------------------------------------
// OrderStore implementation
// ---------------------------------------------------------------------------

// SaveOrder inserts or replaces an order by its ref.
func (s *SQLiteStore) SaveOrder(ctx context.Context, order *domain.Order) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO orders (ref, user_id, crypto_amount, crypto_currency, user_created_at)
		 VALUES (?,?,?,?,?)`,
		order.Ref, order.UserID, order.CryptoAmount.String(), order.CryptoCurrency,
		order.UserCreatedAt.UnixMilli())
	return err
}

// GetOrder retrieves an order by its ref.
func (s *SQLiteStore) GetOrder(ctx context.Context, ref string) (*domain.Order, error) {
	var (
		order  domain.Order
		amount string
		userAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT ref, user_id, crypto_amount, crypto_currency, user_created_at FROM orders WHERE ref = ?`,
		ref).Scan(&order.Ref, &order.UserID, &amount, &order.CryptoCurrency, &userAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.Errorf(domain.KindNotFound, "order %s", ref)
	}
	if err != nil {
		return nil, err
	}
	order.CryptoAmount, err = scanDecimal(amount)
	if err != nil {
		return nil, fmt.Errorf("order %s: bad amount %q: %w", ref, amount, err)
	}
	order.UserCreatedAt = time.UnixMilli(userAt)
	return &order, nil
}
