package pipeline

import (
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/senslab/faultclass/modelselection"
)

var faultTypes = []string{"Normal", "BearingFault", "ValveLeak", "Overheat"}

// writeSyntheticCSV builds a 1000-row sensor table with five numeric
// features, four balanced fault classes and a timestamp column. Class k
// shifts every feature by 4k, so all models separate the classes easily.
func writeSyntheticCSV(t *testing.T, dir string) string {
	t.Helper()
	rng := rand.New(rand.NewPCG(99, 99))

	var sb strings.Builder
	sb.WriteString("Timestamp,Pressure,Temperature,Flow,Vibration,RPM,Type\n")
	for i := 0; i < 1000; i++ {
		class := i % 4
		base := float64(class * 4)
		sb.WriteString(fmt.Sprintf("2024-03-%02dT%02d:00:00Z,", 1+i%28, i%24))
		for j := 0; j < 5; j++ {
			sb.WriteString(fmt.Sprintf("%.4f,", base+rng.NormFloat64()))
		}
		sb.WriteString(faultTypes[class])
		sb.WriteString("\n")
	}

	path := filepath.Join(dir, "sensors.csv")
	require.NoError(t, os.WriteFile(path, []byte(sb.String()), 0o644))
	return path
}

func TestRunEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("full pipeline run")
	}

	dir := t.TempDir()
	outDir := filepath.Join(dir, "out")
	require.NoError(t, os.MkdirAll(outDir, 0o755))
	dataPath := writeSyntheticCSV(t, dir)

	cfg := Config{
		DataPath:        dataPath,
		TargetColumn:    "Type",
		TimestampColumn: "Timestamp",
		OutputDir:       outDir,
		Seed:            7,
		Epochs:          5,
		ForestTrees:     20,
		LIMESamples:     500,
		GridSearch:      true,
		Grid: modelselection.NewParamGrid().
			Add("n_estimators", 15).
			Add("max_depth", 3, 5),
	}

	result, err := Run(cfg)
	require.NoError(t, err)

	// Clean synthetic data audits clean.
	assert.Equal(t, 1000, result.Audit.Rows)
	assert.Equal(t, 0, result.Audit.TotalMissing)
	assert.Equal(t, 0, result.Audit.DuplicateRows)

	assert.ElementsMatch(t, faultTypes, result.Classes)
	assert.Len(t, result.Features, 5)

	require.Len(t, result.Evaluations, 4)
	for _, eval := range result.Evaluations {
		assert.Greaterf(t, eval.Accuracy, 0.0, "%s accuracy", eval.Name)
		assert.LessOrEqualf(t, eval.Accuracy, 1.0, "%s accuracy", eval.Name)
		assert.Contains(t, eval.Report, "macro avg")
		r, c := eval.Confusion.Dims()
		assert.Equal(t, 4, r)
		assert.Equal(t, 4, c)
	}
	// Well-separated clusters: the tree models should be near perfect.
	for _, eval := range result.Evaluations[1:] {
		assert.Greaterf(t, eval.Accuracy, 0.9, "%s accuracy", eval.Name)
	}
	// Decision tree and random forest are also scored on the validation
	// split.
	for _, i := range []int{1, 2} {
		eval := result.Evaluations[i]
		assert.Greaterf(t, eval.ValAccuracy, 0.9, "%s validation accuracy", eval.Name)
		assert.Containsf(t, eval.ValReport, "macro avg", "%s validation report", eval.Name)
	}

	assert.NotEmpty(t, result.TreeText)
	require.NotNil(t, result.ForestCV)
	assert.Len(t, result.ForestCV.Folds, 5)
	// Cross-validation folds the full recombined row set.
	assert.Equal(t, 1000, result.CVRows)

	require.NotNil(t, result.BestParams)
	assert.Greater(t, result.BestCVScore, 0.9)

	// One local explanation per trained model, each truncated to
	// min(10, nFeatures) contributions.
	require.Len(t, result.LocalExplanations, 4)
	explained := make([]string, 0, 4)
	for _, le := range result.LocalExplanations {
		explained = append(explained, le.Model)
		require.NotNil(t, le.Explanation)
		assert.Lenf(t, le.Explanation.Contributions, 5, "%s contributions", le.Model)
	}
	assert.Equal(t, []string{"neural network", "decision tree", "random forest", "gradient boosting"}, explained)
	require.Len(t, result.SHAPSummary, 5)

	for _, artifact := range []string{
		"neural_training.png",
		"decision_tree.txt",
		"forest_importances.png",
		"gbt_importances.png",
		"lime_neural_network.png",
		"lime_decision_tree.png",
		"lime_random_forest.png",
		"lime_gradient_boosting.png",
		"shap_summary.png",
	} {
		info, err := os.Stat(filepath.Join(outDir, artifact))
		require.NoErrorf(t, err, "missing artifact %s", artifact)
		assert.NotZerof(t, info.Size(), "empty artifact %s", artifact)
	}
}

func TestRunMissingDataset(t *testing.T) {
	_, err := Run(Config{DataPath: "/does/not/exist.csv"})
	require.Error(t, err)
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}
	cfg.applyDefaults()

	assert.Equal(t, "Type", cfg.TargetColumn)
	assert.Equal(t, uint64(42), cfg.Seed)
	assert.Equal(t, 50, cfg.Epochs)
	assert.Equal(t, 32, cfg.BatchSize)
	assert.Equal(t, 100, cfg.ForestTrees)
	assert.Equal(t, 5000, cfg.LIMESamples)
}

func TestDefaultGBTGridSize(t *testing.T) {
	assert.Equal(t, 72, DefaultGBTGrid().Size())
}
