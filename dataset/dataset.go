// Package dataset loads the tabular fault dataset into a schema-typed
// column store: numeric feature columns become a dense matrix, the target
// column stays categorical, and the timestamp column is parsed and kept for
// auditing. Rows are immutable after load except for order shuffling.
package dataset

import (
	"encoding/csv"
	"math/rand/v2"
	"os"
	"strconv"
	"strings"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/senslab/faultclass/pkg/errors"
)

// timestampLayouts are tried in order when parsing the timestamp column.
var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"01/02/2006 15:04",
	"02-01-2006 15:04",
}

// Dataset is the loaded table. Numeric feature columns are stored in a
// dense matrix aligned with Labels and Timestamps; raw records are retained
// so the auditor can inspect the table exactly as read.
type Dataset struct {
	targetName    string
	timestampName string

	header       []string
	featureNames []string // numeric feature columns, in header order
	dropped      []string // feature columns excluded for being non-numeric

	features   *mat.Dense
	labels     []string
	timestamps []time.Time
	records    [][]string // raw rows as read, aligned with features
}

// Load reads a CSV file with a header row. target names the categorical
// label column, timestamp the time column. Feature columns whose values do
// not all parse as numbers are dropped (recorded in DroppedColumns); a
// missing target column or an unparseable timestamp cell is a fatal error.
func Load(path, target, timestamp string) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening dataset %s", path)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	header, err := reader.Read()
	if err != nil {
		return nil, errors.Wrap(err, "reading dataset header")
	}

	targetIdx, timestampIdx := -1, -1
	for i, name := range header {
		switch name {
		case target:
			targetIdx = i
		case timestamp:
			if timestamp != "" {
				timestampIdx = i
			}
		}
	}
	if targetIdx < 0 {
		return nil, errors.NewValueError("dataset.Load", "target column "+strconv.Quote(target)+" not found in header")
	}
	if timestamp != "" && timestampIdx < 0 {
		return nil, errors.NewValueError("dataset.Load", "timestamp column "+strconv.Quote(timestamp)+" not found in header")
	}

	records, err := reader.ReadAll()
	if err != nil {
		return nil, errors.Wrap(err, "reading dataset rows")
	}
	if len(records) == 0 {
		return nil, errors.NewModelError("dataset.Load", "no data rows", errors.ErrEmptyData)
	}

	ds := &Dataset{
		targetName:    target,
		timestampName: timestamp,
		header:        header,
		records:       records,
	}

	// Classify candidate feature columns: a column is numeric when every
	// non-missing cell parses as a float.
	numericIdx := make([]int, 0, len(header))
	for col, name := range header {
		if col == targetIdx || col == timestampIdx {
			continue
		}
		if columnIsNumeric(records, col) {
			numericIdx = append(numericIdx, col)
			ds.featureNames = append(ds.featureNames, name)
		} else {
			ds.dropped = append(ds.dropped, name)
		}
	}
	if len(numericIdx) == 0 {
		return nil, errors.NewValueError("dataset.Load", "no numeric feature columns found")
	}

	n := len(records)
	ds.features = mat.NewDense(n, len(numericIdx), nil)
	ds.labels = make([]string, n)
	ds.timestamps = make([]time.Time, n)

	for i, record := range records {
		if len(record) != len(header) {
			return nil, errors.NewDimensionError("dataset.Load", len(header), len(record), 1)
		}
		for j, col := range numericIdx {
			cell := strings.TrimSpace(record[col])
			if isMissing(cell) {
				ds.features.Set(i, j, 0)
				continue
			}
			v, err := strconv.ParseFloat(cell, 64)
			if err != nil {
				// Unreachable after columnIsNumeric, kept as a guard.
				return nil, errors.Wrapf(err, "parsing %s at row %d", header[col], i)
			}
			ds.features.Set(i, j, v)
		}
		ds.labels[i] = strings.TrimSpace(record[targetIdx])

		if timestampIdx >= 0 {
			cell := strings.TrimSpace(record[timestampIdx])
			if !isMissing(cell) {
				ts, err := parseTimestamp(cell)
				if err != nil {
					return nil, errors.Wrapf(err, "row %d", i)
				}
				ds.timestamps[i] = ts
			}
		}
	}

	return ds, nil
}

func columnIsNumeric(records [][]string, col int) bool {
	seen := false
	for _, record := range records {
		if col >= len(record) {
			continue
		}
		cell := strings.TrimSpace(record[col])
		if isMissing(cell) {
			continue
		}
		if _, err := strconv.ParseFloat(cell, 64); err != nil {
			return false
		}
		seen = true
	}
	return seen
}

func isMissing(cell string) bool {
	switch strings.ToLower(cell) {
	case "", "na", "n/a", "nan", "null":
		return true
	}
	return false
}

func parseTimestamp(cell string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, cell); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, errors.NewValueError("dataset.parseTimestamp", "unreadable timestamp "+strconv.Quote(cell))
}

// Shuffle uniformly permutes row order in place using the supplied source.
func (d *Dataset) Shuffle(rng *rand.Rand) {
	n := d.NumRows()
	rng.Shuffle(n, func(i, j int) {
		ri := mat.Row(nil, i, d.features)
		rj := mat.Row(nil, j, d.features)
		d.features.SetRow(i, rj)
		d.features.SetRow(j, ri)
		d.labels[i], d.labels[j] = d.labels[j], d.labels[i]
		d.timestamps[i], d.timestamps[j] = d.timestamps[j], d.timestamps[i]
		d.records[i], d.records[j] = d.records[j], d.records[i]
	})
}

// NumRows returns the number of data rows.
func (d *Dataset) NumRows() int {
	return len(d.records)
}

// NumFeatures returns the number of retained numeric feature columns.
func (d *Dataset) NumFeatures() int {
	return len(d.featureNames)
}

// Features returns the numeric feature matrix (n_rows x n_features). The
// matrix is shared, not copied; callers must not mutate it.
func (d *Dataset) Features() *mat.Dense {
	return d.features
}

// Labels returns the raw target strings aligned with Features rows.
func (d *Dataset) Labels() []string {
	return d.labels
}

// FeatureNames returns the retained numeric column names in matrix order.
func (d *Dataset) FeatureNames() []string {
	return d.featureNames
}

// DroppedColumns returns feature columns excluded for being non-numeric.
func (d *Dataset) DroppedColumns() []string {
	return d.dropped
}

// TargetName returns the label column name.
func (d *Dataset) TargetName() string {
	return d.targetName
}
