// Package domain defines the core types shared across the conversion
// engine: conversion records, fee breakdowns, balances, and the status
// state machine.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Status state machine
// ---------------------------------------------------------------------------

// Status is the lifecycle state of a conversion record.
type Status string

const (
	StatusPending    Status = "pending"
	StatusConverting Status = "converting"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// transitions is the forward-only status graph. failed → pending is the
// bounded retry re-entry; completed and cancelled are terminal.
var transitions = map[Status][]Status{
	StatusPending:    {StatusConverting, StatusCancelled},
	StatusConverting: {StatusCompleted, StatusFailed},
	StatusFailed:     {StatusPending},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the status permits no further transition.
// failed is not terminal here because a retry may re-enter pending; whether
// the retry budget allows it is the orchestrator's concern.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// RiskLevel buckets a composite risk score.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Side is the direction of a venue order.
type Side string

const (
	SideSell Side = "sell"
	SideBuy  Side = "buy"
)

// ---------------------------------------------------------------------------
// Money
// ---------------------------------------------------------------------------

// FeeBreakdown itemizes the fees deducted from a gross fiat amount.
type FeeBreakdown struct {
	VenueFee      decimal.Decimal
	NetworkFee    decimal.Decimal
	ProcessingFee decimal.Decimal
}

// Total returns the sum of all fee components.
func (f FeeBreakdown) Total() decimal.Decimal {
	return f.VenueFee.Add(f.NetworkFee).Add(f.ProcessingFee)
}

// Balance is a normalized per-currency balance at a venue. Stale marks rows
// whose last sync attempt failed; the amounts are the last known values.
type Balance struct {
	Venue     string
	Currency  string
	Available decimal.Decimal
	Reserved  decimal.Decimal
	Total     decimal.Decimal
	Stale     bool
	SyncedAt  time.Time
}

// ---------------------------------------------------------------------------
// Conversion records
// ---------------------------------------------------------------------------

// ConversionRequest is the ephemeral input to Orchestrator.Initiate.
type ConversionRequest struct {
	OrderRef     string
	FiatCurrency string
	Venue        string // optional explicit venue override
	RequestedBy  string
}

// StatusChange is one entry in a record's ordered status-history log.
type StatusChange struct {
	Status Status
	At     time.Time
	Note   string
}

// ErrorDetail is the structured last-error recorded on a conversion after a
// failed execution attempt.
type ErrorDetail struct {
	Kind    ErrorKind
	Message string
	At      time.Time
}

// ConversionRecord is the durable record of one crypto-to-fiat conversion.
// Amounts are fixed at creation; only the slippage and fee fields may be
// refreshed at execution time, and only before a terminal transition.
type ConversionRecord struct {
	ID       string
	OrderRef string

	CryptoAmount   decimal.Decimal
	CryptoCurrency string
	FiatCurrency   string
	GrossFiat      decimal.Decimal
	Fees           FeeBreakdown
	NetFiat        decimal.Decimal

	Rate        decimal.Decimal // exchange rate recorded at initiation
	Venue       string
	SlippagePct decimal.Decimal // realized slippage, refreshed at execution
	Volatility  float64         // volatility score at time of scoring

	RiskScore        float64
	RiskLevel        RiskLevel
	RequiresApproval bool
	ApprovedBy       string
	ApprovedAt       *time.Time

	Status      Status
	History     []StatusChange
	RetryCount  int
	LastError   *ErrorDetail
	ExternalRef string // venue execution reference

	RequestedBy string
	ExecutionMs int64 // wall time of the successful venue execution

	CreatedAt   time.Time
	UpdatedAt   time.Time
	SubmittedAt *time.Time
	CompletedAt *time.Time
	FailedAt    *time.Time
	CancelledAt *time.Time
}

// CompletedEvent is emitted to the fulfillment hook when a conversion
// reaches completed. The downstream consumer may fail independently without
// affecting the record's terminal state.
type CompletedEvent struct {
	ConversionID string
	OrderRef     string
	NetFiat      decimal.Decimal
	FiatCurrency string
}

// ---------------------------------------------------------------------------
// Collaborator projections
// ---------------------------------------------------------------------------

// Order is the read-only projection of a paid storefront order consumed at
// initiation time.
type Order struct {
	Ref            string
	UserID         string
	CryptoAmount   decimal.Decimal
	CryptoCurrency string
	UserCreatedAt  time.Time
}

// UserHistory summarizes a requester's prior conversion outcomes for risk
// scoring. Found is false when the user has no history at all.
type UserHistory struct {
	Completed      int
	Failed         int
	AccountAgeDays int
	Found          bool
}

// VenueHealth is the gateway's view of a venue's recent reliability.
type VenueHealth struct {
	ConsecutiveFails int
	Degraded         bool // consecutive failures crossed the alert threshold
}
