// Package store defines storage interfaces for persisting and retrieving
// conversion records, storefront orders, and the Parquet audit trail.
package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"coinflow/internal/domain"
)

// ListFilter narrows ListConversions results. Zero-value fields match
// everything.
type ListFilter struct {
	Status         domain.Status
	OrderRef       string
	RequestedBy    string
	Venue          string
	CryptoCurrency string
	Since          time.Time
	Until          time.Time
	Limit          int
	Offset         int
}

// Stats aggregates conversion outcomes since a point in time.
type Stats struct {
	Total    int
	ByStatus map[domain.Status]int

	CompletedGross decimal.Decimal
	CompletedNet   decimal.Decimal
	CompletedFees  decimal.Decimal

	AvgExecutionMs float64 // over completed conversions
	SuccessRate    float64 // completed / (completed + failed-terminal + cancelled)
}

// VenueTotals aggregates one venue's conversion outcomes since a point in
// time. Money fields cover completed conversions only.
type VenueTotals struct {
	Venue     string
	Total     int
	Completed int
	Failed    int

	CompletedGross decimal.Decimal
	CompletedNet   decimal.Decimal
	CompletedFees  decimal.Decimal
}

// ConversionStore persists and retrieves conversion records.
type ConversionStore interface {
	// SaveConversion inserts a new conversion record, including its status
	// history.
	SaveConversion(ctx context.Context, rec *domain.ConversionRecord) error

	// GetConversion retrieves a conversion by id. Missing ids return a
	// not_found error.
	GetConversion(ctx context.Context, id string) (*domain.ConversionRecord, error)

	// UpdateConversion persists all mutable fields of an existing record and
	// appends any new status-history entries.
	UpdateConversion(ctx context.Context, rec *domain.ConversionRecord) error

	// ListConversions returns records matching the filter, newest first.
	ListConversions(ctx context.Context, f ListFilter) ([]domain.ConversionRecord, error)

	// HasActiveConversion reports whether the order already has a conversion
	// that is neither failed nor cancelled.
	HasActiveConversion(ctx context.Context, orderRef string) (bool, error)

	// PendingApprovals returns pending conversions awaiting human approval,
	// oldest first.
	PendingApprovals(ctx context.Context) ([]domain.ConversionRecord, error)

	// Stats aggregates conversions created at or after since.
	Stats(ctx context.Context, since time.Time) (*Stats, error)

	// TotalsByVenue aggregates conversions created at or after since, one
	// entry per venue, sorted by venue name.
	TotalsByVenue(ctx context.Context, since time.Time) ([]VenueTotals, error)

	// UserHistory summarizes a requester's prior conversion outcomes.
	UserHistory(ctx context.Context, userID string) (domain.UserHistory, error)
}

// OrderStore persists and retrieves paid storefront orders awaiting
// conversion.
type OrderStore interface {
	// SaveOrder inserts or replaces an order by its ref.
	SaveOrder(ctx context.Context, order *domain.Order) error

	// GetOrder retrieves an order by its ref. Missing refs return a
	// not_found error.
	GetOrder(ctx context.Context, ref string) (*domain.Order, error)
}
