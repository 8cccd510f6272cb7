package tree

import (
	"math"
	"strings"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestFitPredictBinary(t *testing.T) {
	X := mat.NewDense(8, 2, []float64{
		0, 0,
		0, 1,
		1, 0,
		1, 1,
		3, 3,
		3, 4,
		4, 3,
		4, 4,
	})
	y := mat.NewDense(8, 1, []float64{0, 0, 0, 0, 1, 1, 1, 1})

	dt := NewDecisionTreeClassifier(
		WithCriterion("gini"),
		WithMaxDepth(5),
	)
	if err := dt.Fit(X, y); err != nil {
		t.Fatalf("Fit failed: %v", err)
	}

	predictions, err := dt.Predict(X)
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}
	for i := 0; i < 8; i++ {
		if predictions.At(i, 0) != y.At(i, 0) {
			t.Errorf("row %d: predicted %v, want %v", i, predictions.At(i, 0), y.At(i, 0))
		}
	}

	XNew := mat.NewDense(2, 2, []float64{
		0.5, 0.5,
		3.5, 3.5,
	})
	preds, err := dt.Predict(XNew)
	if err != nil {
		t.Fatalf("Predict on new rows failed: %v", err)
	}
	if preds.At(0, 0) != 0 || preds.At(1, 0) != 1 {
		t.Errorf("unexpected predictions on new rows: %v, %v", preds.At(0, 0), preds.At(1, 0))
	}
}

func TestPredictProbaSumsToOne(t *testing.T) {
	X := mat.NewDense(6, 2, []float64{
		0, 0,
		0, 1,
		1, 0,
		2, 2,
		2, 3,
		3, 2,
	})
	y := mat.NewDense(6, 1, []float64{0, 0, 0, 1, 1, 1})

	dt := NewDecisionTreeClassifier(WithMaxDepth(3))
	if err := dt.Fit(X, y); err != nil {
		t.Fatalf("Fit failed: %v", err)
	}

	probas, err := dt.PredictProba(X)
	if err != nil {
		t.Fatalf("PredictProba failed: %v", err)
	}
	rows, cols := probas.Dims()
	if rows != 6 || cols != 2 {
		t.Fatalf("probas shape = (%d, %d), want (6, 2)", rows, cols)
	}
	for i := 0; i < rows; i++ {
		sum := 0.0
		for j := 0; j < cols; j++ {
			p := probas.At(i, j)
			if p < 0 || p > 1 {
				t.Errorf("probability out of range at (%d, %d): %v", i, j, p)
			}
			sum += p
		}
		if math.Abs(sum-1.0) > 1e-9 {
			t.Errorf("row %d probabilities sum to %v", i, sum)
		}
	}
}

func TestMulticlass(t *testing.T) {
	X := mat.NewDense(9, 2, []float64{
		0, 0,
		0, 1,
		1, 0,
		3, 3,
		3, 4,
		4, 3,
		6, 6,
		6, 7,
		7, 6,
	})
	y := mat.NewDense(9, 1, []float64{0, 0, 0, 1, 1, 1, 2, 2, 2})

	dt := NewDecisionTreeClassifier(WithCriterion("gini"), WithMaxDepth(5))
	if err := dt.Fit(X, y); err != nil {
		t.Fatalf("Fit failed: %v", err)
	}

	if dt.nClasses_ != 3 {
		t.Errorf("nClasses_ = %d, want 3", dt.nClasses_)
	}
	if got := dt.Classes(); len(got) != 3 || got[0] != 0 || got[2] != 2 {
		t.Errorf("Classes() = %v, want [0 1 2]", got)
	}
	if score := dt.Score(X, y); score != 1.0 {
		t.Errorf("training score = %v, want 1.0 on separable clusters", score)
	}

	probas, err := dt.PredictProba(X)
	if err != nil {
		t.Fatalf("PredictProba failed: %v", err)
	}
	for i := 0; i < 9; i++ {
		argmax, best := 0, probas.At(i, 0)
		for j := 1; j < 3; j++ {
			if probas.At(i, j) > best {
				argmax, best = j, probas.At(i, j)
			}
		}
		if argmax != int(y.At(i, 0)) {
			t.Errorf("row %d: argmax proba class %d, want %d", i, argmax, int(y.At(i, 0)))
		}
	}
}

func TestEntropyCriterion(t *testing.T) {
	X := mat.NewDense(6, 2, []float64{
		0, 0,
		0, 1,
		1, 0,
		2, 2,
		2, 3,
		3, 2,
	})
	y := mat.NewDense(6, 1, []float64{0, 0, 0, 1, 1, 1})

	dt := NewDecisionTreeClassifier(WithCriterion("entropy"), WithMaxDepth(3))
	if err := dt.Fit(X, y); err != nil {
		t.Fatalf("Fit with entropy failed: %v", err)
	}
	if score := dt.Score(X, y); score != 1.0 {
		t.Errorf("score = %v, want 1.0", score)
	}
}

func TestFeatureImportances(t *testing.T) {
	// Feature 0 fully determines the class; the other two are noise.
	X := mat.NewDense(8, 3, []float64{
		0, 0, 0,
		0, 1, 1,
		0, 0, 1,
		0, 1, 0,
		1, 0, 0,
		1, 1, 1,
		1, 0, 1,
		1, 1, 0,
	})
	y := mat.NewDense(8, 1, []float64{0, 0, 0, 0, 1, 1, 1, 1})

	dt := NewDecisionTreeClassifier()
	if err := dt.Fit(X, y); err != nil {
		t.Fatalf("Fit failed: %v", err)
	}

	importances := dt.GetFeatureImportances()
	if len(importances) != 3 {
		t.Fatalf("got %d importances, want 3", len(importances))
	}
	if importances[0] <= importances[1] || importances[0] <= importances[2] {
		t.Errorf("feature 0 should dominate: %v", importances)
	}
	sum := 0.0
	for _, imp := range importances {
		sum += imp
	}
	if math.Abs(sum-1.0) > 1e-9 {
		t.Errorf("importances sum to %v, want 1", sum)
	}
}

func TestMaxDepthConstraint(t *testing.T) {
	X := mat.NewDense(16, 2, nil)
	y := mat.NewDense(16, 1, nil)
	for i := 0; i < 16; i++ {
		X.Set(i, 0, float64(i))
		X.Set(i, 1, float64(i%4))
		y.Set(i, 0, float64(i%2))
	}

	dt := NewDecisionTreeClassifier(WithMaxDepth(2))
	if err := dt.Fit(X, y); err != nil {
		t.Fatalf("Fit failed: %v", err)
	}
	if depth := dt.GetDepth(); depth > 2 {
		t.Errorf("depth %d exceeds limit 2", depth)
	}
}

func TestUnboundedDepthGrowsPureLeaves(t *testing.T) {
	// Alternating labels along one feature force one leaf per row when no
	// depth or leaf-size limit applies.
	X := mat.NewDense(8, 1, nil)
	y := mat.NewDense(8, 1, nil)
	for i := 0; i < 8; i++ {
		X.Set(i, 0, float64(i))
		y.Set(i, 0, float64(i%2))
	}

	dt := NewDecisionTreeClassifier()
	if err := dt.Fit(X, y); err != nil {
		t.Fatalf("Fit failed: %v", err)
	}
	if score := dt.Score(X, y); score != 1.0 {
		t.Errorf("unbounded tree should memorize training rows, score = %v", score)
	}
	if dt.GetNLeaves() != 8 {
		t.Errorf("nLeaves = %d, want 8 pure leaves", dt.GetNLeaves())
	}
}

func TestMinSamplesConstraints(t *testing.T) {
	X := mat.NewDense(10, 2, nil)
	y := mat.NewDense(10, 1, nil)
	for i := 0; i < 10; i++ {
		X.Set(i, 0, float64(i))
		X.Set(i, 1, float64(i%3))
		y.Set(i, 0, float64(i%2))
	}

	dt := NewDecisionTreeClassifier(
		WithMinSamplesSplit(5),
		WithMinSamplesLeaf(2),
	)
	if err := dt.Fit(X, y); err != nil {
		t.Fatalf("Fit failed: %v", err)
	}
	if nLeaves := dt.GetNLeaves(); nLeaves > 5 {
		t.Errorf("nLeaves = %d, too many for the sample constraints", nLeaves)
	}
}

func TestGetSetParams(t *testing.T) {
	dt := NewDecisionTreeClassifier()

	params := dt.GetParams()
	if params["criterion"].(string) != "gini" {
		t.Errorf("default criterion = %v, want gini", params["criterion"])
	}
	if params["min_samples_split"].(int) != 2 {
		t.Errorf("default min_samples_split = %v, want 2", params["min_samples_split"])
	}
	if params["max_depth"].(int) != 0 {
		t.Errorf("default max_depth = %v, want 0 (unbounded)", params["max_depth"])
	}

	err := dt.SetParams(map[string]interface{}{
		"criterion":         "entropy",
		"max_depth":         5,
		"min_samples_split": 4,
		"min_samples_leaf":  2,
	})
	if err != nil {
		t.Fatalf("SetParams failed: %v", err)
	}
	if dt.criterion != "entropy" || dt.maxDepth != 5 || dt.minSamplesSplit != 4 || dt.minSamplesLeaf != 2 {
		t.Errorf("params not applied: %+v", dt.GetParams())
	}

	if err := dt.SetParams(map[string]interface{}{"bogus": 1}); err == nil {
		t.Error("unknown parameter should be rejected")
	}
}

func TestNotFitted(t *testing.T) {
	dt := NewDecisionTreeClassifier()
	X := mat.NewDense(2, 2, []float64{1, 2, 3, 4})

	if _, err := dt.Predict(X); err == nil {
		t.Error("Predict before Fit should fail")
	}
	if _, err := dt.PredictProba(X); err == nil {
		t.Error("PredictProba before Fit should fail")
	}
	if _, err := dt.ExportText(nil, nil); err == nil {
		t.Error("ExportText before Fit should fail")
	}
}

func TestExportText(t *testing.T) {
	X := mat.NewDense(6, 2, []float64{
		1.0, 20,
		1.2, 21,
		1.1, 19,
		5.0, 80,
		5.2, 82,
		4.9, 79,
	})
	y := mat.NewDense(6, 1, []float64{0, 0, 0, 1, 1, 1})

	dt := NewDecisionTreeClassifier(WithMaxDepth(3))
	if err := dt.Fit(X, y); err != nil {
		t.Fatalf("Fit failed: %v", err)
	}

	text, err := dt.ExportText([]string{"Pressure", "Temperature"}, []string{"Normal", "BearingFault"})
	if err != nil {
		t.Fatalf("ExportText failed: %v", err)
	}
	if !strings.Contains(text, "class: Normal") || !strings.Contains(text, "class: BearingFault") {
		t.Errorf("rendered tree missing class names:\n%s", text)
	}
	if !strings.Contains(text, "<=") {
		t.Errorf("rendered tree missing split rule:\n%s", text)
	}

	if _, err := dt.ExportText([]string{"only-one"}, nil); err == nil {
		t.Error("wrong featureNames length should be rejected")
	}
}
