package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
)

func TestCanTransition(t *testing.T) {
	legal := []struct{ from, to Status }{
		{StatusPending, StatusConverting},
		{StatusPending, StatusCancelled},
		{StatusConverting, StatusCompleted},
		{StatusConverting, StatusFailed},
		{StatusFailed, StatusPending},
	}
	for _, tr := range legal {
		if !CanTransition(tr.from, tr.to) {
			t.Errorf("CanTransition(%s, %s) = false, want true", tr.from, tr.to)
		}
	}

	illegal := []struct{ from, to Status }{
		{StatusPending, StatusCompleted},
		{StatusPending, StatusFailed},
		{StatusConverting, StatusPending},
		{StatusConverting, StatusCancelled},
		{StatusCompleted, StatusPending},
		{StatusCompleted, StatusFailed},
		{StatusCancelled, StatusPending},
		{StatusFailed, StatusConverting},
		{StatusFailed, StatusCancelled},
	}
	for _, tr := range illegal {
		if CanTransition(tr.from, tr.to) {
			t.Errorf("CanTransition(%s, %s) = true, want false", tr.from, tr.to)
		}
	}
}

func TestStatusTerminal(t *testing.T) {
	if !StatusCompleted.Terminal() || !StatusCancelled.Terminal() {
		t.Error("completed and cancelled must be terminal")
	}
	for _, s := range []Status{StatusPending, StatusConverting, StatusFailed} {
		if s.Terminal() {
			t.Errorf("%s.Terminal() = true, want false", s)
		}
	}
}

func TestFeeBreakdownTotal(t *testing.T) {
	f := FeeBreakdown{
		VenueFee:      decimal.RequireFromString("2.70"),
		NetworkFee:    decimal.RequireFromString("0.50"),
		ProcessingFee: decimal.RequireFromString("0.23"),
	}
	if got := f.Total(); !got.Equal(decimal.RequireFromString("3.43")) {
		t.Errorf("Total() = %s, want 3.43", got)
	}
}

func TestErrorKinds(t *testing.T) {
	venueErr := WrapErr(KindVenue, "placing order", fmt.Errorf("connection reset"))
	wrapped := fmt.Errorf("execute: %w", venueErr)

	if KindOf(wrapped) != KindVenue {
		t.Errorf("KindOf = %q, want %q", KindOf(wrapped), KindVenue)
	}
	if !Retryable(wrapped) {
		t.Error("venue errors must be retryable")
	}
	if Retryable(Errorf(KindValidation, "amount out of bounds")) {
		t.Error("validation errors must not be retryable")
	}
	if Retryable(Errorf(KindRiskPolicy, "approval required")) {
		t.Error("risk-policy errors must not be retryable")
	}
	if !Retryable(Errorf(KindSlippage, "3.0%% exceeds 2.0%%")) {
		t.Error("slippage errors must be retryable")
	}
}

func TestErrorSentinels(t *testing.T) {
	err := fmt.Errorf("parsing: %w", ErrInvalidAmount)
	if !errors.Is(err, ErrInvalidAmount) {
		t.Error("wrapped ErrInvalidAmount should match with errors.Is")
	}
	if errors.Is(err, ErrUnsupportedCurrency) {
		t.Error("ErrInvalidAmount must not match ErrUnsupportedCurrency")
	}
}

func TestFiatDecimals(t *testing.T) {
	if got := FiatDecimals("USD"); got != 2 {
		t.Errorf("FiatDecimals(USD) = %d, want 2", got)
	}
	if got := FiatDecimals("JPY"); got != 0 {
		t.Errorf("FiatDecimals(JPY) = %d, want 0", got)
	}
}
