package dataset

import (
	"strings"

	"github.com/rs/zerolog"
)

// ColumnMissing is the missing-entry count for one column.
type ColumnMissing struct {
	Column  string
	Missing int
}

// AuditReport describes data quality of the loaded table. It is purely
// descriptive: producing it drops or alters nothing.
type AuditReport struct {
	Rows          int
	Columns       int
	MissingByCol  []ColumnMissing // header order
	TotalMissing  int
	DuplicateRows int     // rows identical to an earlier row in all fields
	DuplicatePct  float64 // DuplicateRows / Rows * 100
}

// Audit scans the raw records and reports per-column missing counts and
// exact-duplicate row statistics.
func (d *Dataset) Audit() *AuditReport {
	report := &AuditReport{
		Rows:    len(d.records),
		Columns: len(d.header),
	}

	for col, name := range d.header {
		missing := 0
		for _, record := range d.records {
			if col < len(record) && isMissing(strings.TrimSpace(record[col])) {
				missing++
			}
		}
		report.MissingByCol = append(report.MissingByCol, ColumnMissing{Column: name, Missing: missing})
		report.TotalMissing += missing
	}

	seen := make(map[string]bool, len(d.records))
	for _, record := range d.records {
		key := strings.Join(record, "\x1f")
		if seen[key] {
			report.DuplicateRows++
		} else {
			seen[key] = true
		}
	}
	if report.Rows > 0 {
		report.DuplicatePct = float64(report.DuplicateRows) / float64(report.Rows) * 100
	}

	return report
}

// Log writes the report as structured events.
func (r *AuditReport) Log(logger zerolog.Logger) {
	logger.Info().
		Int("rows", r.Rows).
		Int("columns", r.Columns).
		Int("missing_total", r.TotalMissing).
		Int("duplicate_rows", r.DuplicateRows).
		Float64("duplicate_pct", r.DuplicatePct).
		Msg("data audit")

	for _, cm := range r.MissingByCol {
		if cm.Missing == 0 {
			continue
		}
		logger.Info().
			Str("column", cm.Column).
			Int("missing", cm.Missing).
			Msg("missing values")
	}
}
