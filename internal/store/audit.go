package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/parquet-go/parquet-go"

	"coinflow/internal/domain"
)

// AuditExporter writes completed-state snapshots of conversion records to
// monthly Parquet files for offline audit and reconciliation.
//
// Layout: <DataDir>/conversions/<YYYY-MM>.parquet
type AuditExporter struct {
	DataDir string
}

// NewAuditExporter creates an exporter rooted at the given directory.
func NewAuditExporter(dataDir string) *AuditExporter {
	return &AuditExporter{DataDir: dataDir}
}

// AuditRecord is the Parquet schema for exported conversions. Decimals are
// stored as strings to preserve exactness.
type AuditRecord struct {
	ID             string  `parquet:"id"`
	OrderRef       string  `parquet:"order_ref"`
	CryptoAmount   string  `parquet:"crypto_amount"`
	CryptoCurrency string  `parquet:"crypto_currency"`
	FiatCurrency   string  `parquet:"fiat_currency"`
	GrossFiat      string  `parquet:"gross_fiat"`
	TotalFees      string  `parquet:"total_fees"`
	NetFiat        string  `parquet:"net_fiat"`
	Rate           string  `parquet:"rate"`
	Venue          string  `parquet:"venue"`
	SlippagePct    string  `parquet:"slippage_pct"`
	RiskScore      float64 `parquet:"risk_score"`
	RiskLevel      string  `parquet:"risk_level"`
	Status         string  `parquet:"status"`
	RetryCount     int32   `parquet:"retry_count"`
	ExternalRef    string  `parquet:"external_ref"`
	RequestedBy    string  `parquet:"requested_by"`
	ExecutionMs    int64   `parquet:"execution_ms"`
	CreatedAt      int64   `parquet:"created_at,timestamp(millisecond)"` // Unix ms
	UpdatedAt      int64   `parquet:"updated_at,timestamp(millisecond)"` // Unix ms
}

// Export writes the given records into their monthly files, merged with any
// previously exported rows. Re-exporting a record replaces its older snapshot.
func (e *AuditExporter) Export(_ context.Context, recs []domain.ConversionRecord) error {
	if len(recs) == 0 {
		return nil
	}

	groups := make(map[string][]AuditRecord)
	for _, rec := range recs {
		month := rec.CreatedAt.UTC().Format("2006-01")
		groups[month] = append(groups[month], toAuditRecord(rec))
	}

	for month, records := range groups {
		path := e.monthPath(month)

		existing, _ := readParquetFile[AuditRecord](path)
		merged := mergeAuditRecords(existing, records)

		if err := writeParquetFile(path, merged); err != nil {
			return fmt.Errorf("writing audit export for %s: %w", month, err)
		}
	}
	return nil
}

// ReadMonth returns all exported records for a month given as "YYYY-MM",
// ordered by creation time.
func (e *AuditExporter) ReadMonth(_ context.Context, month string) ([]AuditRecord, error) {
	records, err := readParquetFile[AuditRecord](e.monthPath(month))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	sort.Slice(records, func(i, j int) bool { return records[i].CreatedAt < records[j].CreatedAt })
	return records, nil
}

// Months lists all months that have exported data, ascending.
func (e *AuditExporter) Months() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(e.DataDir, "conversions"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var months []string
	for _, entry := range entries {
		name := entry.Name()
		if filepath.Ext(name) == ".parquet" {
			months = append(months, name[:len(name)-len(".parquet")])
		}
	}
	sort.Strings(months)
	return months, nil
}

func (e *AuditExporter) monthPath(month string) string {
	return filepath.Join(e.DataDir, "conversions", month+".parquet")
}

func toAuditRecord(rec domain.ConversionRecord) AuditRecord {
	return AuditRecord{
		ID:             rec.ID,
		OrderRef:       rec.OrderRef,
		CryptoAmount:   rec.CryptoAmount.String(),
		CryptoCurrency: rec.CryptoCurrency,
		FiatCurrency:   rec.FiatCurrency,
		GrossFiat:      rec.GrossFiat.String(),
		TotalFees:      rec.Fees.Total().String(),
		NetFiat:        rec.NetFiat.String(),
		Rate:           rec.Rate.String(),
		Venue:          rec.Venue,
		SlippagePct:    rec.SlippagePct.String(),
		RiskScore:      rec.RiskScore,
		RiskLevel:      string(rec.RiskLevel),
		Status:         string(rec.Status),
		RetryCount:     int32(rec.RetryCount),
		ExternalRef:    rec.ExternalRef,
		RequestedBy:    rec.RequestedBy,
		ExecutionMs:    rec.ExecutionMs,
		CreatedAt:      rec.CreatedAt.UnixMilli(),
		UpdatedAt:      rec.UpdatedAt.UnixMilli(),
	}
}

// mergeAuditRecords deduplicates by id, preferring the newer snapshot.
func mergeAuditRecords(existing, incoming []AuditRecord) []AuditRecord {
	byID := make(map[string]AuditRecord, len(existing)+len(incoming))
	for _, r := range existing {
		byID[r.ID] = r
	}
	for _, r := range incoming {
		if prev, ok := byID[r.ID]; ok && prev.UpdatedAt > r.UpdatedAt {
			continue
		}
		byID[r.ID] = r
	}

	merged := make([]AuditRecord, 0, len(byID))
	for _, r := range byID {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].CreatedAt != merged[j].CreatedAt {
			return merged[i].CreatedAt < merged[j].CreatedAt
		}
		return merged[i].ID < merged[j].ID
	})
	return merged
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}
