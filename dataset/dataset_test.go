package dataset

import (
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeCSV(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const sampleCSV = `Timestamp,Vibration,Pressure,Sensor,Type
2023-01-02 10:00:00,1.5,10.2,A,Bearing
2023-01-02 10:01:00,1.7,10.4,B,Bearing
2023-01-02 10:02:00,9.1,3.3,A,Valve
2023-01-02 10:03:00,9.0,,B,Valve
2023-01-02 10:02:00,9.1,3.3,A,Valve
`

func TestLoad(t *testing.T) {
	ds, err := Load(writeCSV(t, sampleCSV), "Type", "Timestamp")
	require.NoError(t, err)

	assert.Equal(t, 5, ds.NumRows())
	// Sensor column holds strings and must be dropped.
	assert.Equal(t, []string{"Vibration", "Pressure"}, ds.FeatureNames())
	assert.Equal(t, []string{"Sensor"}, ds.DroppedColumns())
	assert.Equal(t, []string{"Bearing", "Bearing", "Valve", "Valve", "Valve"}, ds.Labels())
	assert.InDelta(t, 1.5, ds.Features().At(0, 0), 1e-12)
}

func TestLoadMissingTargetColumn(t *testing.T) {
	_, err := Load(writeCSV(t, sampleCSV), "Fault", "Timestamp")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "target column")
}

func TestLoadWithoutTimestampColumn(t *testing.T) {
	csv := `Vibration,Pressure,Type
1.5,10.2,Bearing
9.1,3.3,Valve
`
	ds, err := Load(writeCSV(t, csv), "Type", "")
	require.NoError(t, err)
	assert.Equal(t, 2, ds.NumRows())
	assert.Equal(t, []string{"Vibration", "Pressure"}, ds.FeatureNames())
}

func TestLoadUnreadableTimestamp(t *testing.T) {
	csv := `Timestamp,Vibration,Type
not-a-time,1.5,Bearing
`
	_, err := Load(writeCSV(t, csv), "Type", "Timestamp")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unreadable timestamp")
}

func TestShufflePreservesRows(t *testing.T) {
	ds, err := Load(writeCSV(t, sampleCSV), "Type", "Timestamp")
	require.NoError(t, err)

	before := map[string]int{}
	for i := 0; i < ds.NumRows(); i++ {
		key := ds.Labels()[i]
		before[key]++
	}

	rng := rand.New(rand.NewPCG(42, 42))
	ds.Shuffle(rng)

	after := map[string]int{}
	for i := 0; i < ds.NumRows(); i++ {
		after[ds.Labels()[i]]++
	}
	assert.Equal(t, before, after)

	// Feature rows stay aligned with labels: every Valve row keeps its
	// high vibration reading.
	for i := 0; i < ds.NumRows(); i++ {
		if ds.Labels()[i] == "Valve" {
			assert.Greater(t, ds.Features().At(i, 0), 5.0)
		} else {
			assert.Less(t, ds.Features().At(i, 0), 5.0)
		}
	}
}

func TestAudit(t *testing.T) {
	ds, err := Load(writeCSV(t, sampleCSV), "Type", "Timestamp")
	require.NoError(t, err)

	report := ds.Audit()
	assert.Equal(t, 5, report.Rows)
	assert.Equal(t, 1, report.TotalMissing)
	assert.Equal(t, 1, report.DuplicateRows)
	assert.InDelta(t, 20.0, report.DuplicatePct, 1e-9)

	missing := map[string]int{}
	for _, cm := range report.MissingByCol {
		missing[cm.Column] = cm.Missing
	}
	assert.Equal(t, 1, missing["Pressure"])
	assert.Equal(t, 0, missing["Vibration"])
}

func TestAuditCleanData(t *testing.T) {
	csv := `Timestamp,F1,Type
2023-01-02 10:00:00,1,A
2023-01-02 10:01:00,2,B
`
	ds, err := Load(writeCSV(t, csv), "Type", "Timestamp")
	require.NoError(t, err)

	report := ds.Audit()
	assert.Zero(t, report.TotalMissing)
	assert.Zero(t, report.DuplicateRows)
}
