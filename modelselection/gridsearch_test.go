package modelselection

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/senslab/faultclass/core/model"
	"github.com/senslab/faultclass/pkg/errors"
)

func TestParamGridSize(t *testing.T) {
	grid := NewParamGrid().
		Add("n_estimators", 50, 100, 150).
		Add("max_depth", 5, 10, 15, 20).
		Add("learning_rate", 0.1, 0.2).
		Add("subsample", 0.8, 1.0).
		Add("colsample_bytree", 0.8, 1.0)

	assert.Equal(t, 72, grid.Size())
	assert.Len(t, grid.Combinations(), 72)
}

func TestParamGridOrder(t *testing.T) {
	grid := NewParamGrid().
		Add("a", 1, 2).
		Add("b", "x", "y")

	combos := grid.Combinations()
	require.Len(t, combos, 4)

	// First-added parameter varies slowest.
	assert.Equal(t, map[string]any{"a": 1, "b": "x"}, combos[0])
	assert.Equal(t, map[string]any{"a": 1, "b": "y"}, combos[1])
	assert.Equal(t, map[string]any{"a": 2, "b": "x"}, combos[2])
	assert.Equal(t, map[string]any{"a": 2, "b": "y"}, combos[3])
}

// thresholdClassifier predicts class 1 when the first feature exceeds its
// threshold. A tunable stand-in that keeps grid-search tests fast and exact.
type thresholdClassifier struct {
	model.BaseEstimator
	threshold float64
}

func (c *thresholdClassifier) Fit(X, y mat.Matrix) error {
	c.SetFitted()
	return nil
}

func (c *thresholdClassifier) Predict(X mat.Matrix) (mat.Matrix, error) {
	if !c.IsFitted() {
		return nil, errors.NewNotFittedError("thresholdClassifier", "Predict")
	}
	n, _ := X.Dims()
	out := mat.NewDense(n, 1, nil)
	for i := 0; i < n; i++ {
		if X.At(i, 0) > c.threshold {
			out.Set(i, 0, 1)
		}
	}
	return out, nil
}

func (c *thresholdClassifier) PredictProba(X mat.Matrix) (mat.Matrix, error) {
	yPred, err := c.Predict(X)
	if err != nil {
		return nil, err
	}
	n, _ := yPred.Dims()
	out := mat.NewDense(n, 2, nil)
	for i := 0; i < n; i++ {
		out.Set(i, int(yPred.At(i, 0)), 1)
	}
	return out, nil
}

func (c *thresholdClassifier) Classes() []int { return []int{0, 1} }

func thresholdData() (*mat.Dense, *mat.Dense) {
	// Class 1 iff feature 0 >= 10; the true boundary sits between 9 and 10.
	X := mat.NewDense(20, 1, nil)
	y := mat.NewDense(20, 1, nil)
	for i := 0; i < 20; i++ {
		X.Set(i, 0, float64(i))
		if i >= 10 {
			y.Set(i, 0, 1)
		}
	}
	return X, y
}

func TestGridSearchCVFindsBestThreshold(t *testing.T) {
	X, y := thresholdData()
	grid := NewParamGrid().Add("threshold", 2.5, 9.5, 16.5)

	skf := NewStratifiedKFold(5, true, 21)
	result, err := GridSearchCV(func(params map[string]any) (model.Classifier, error) {
		return &thresholdClassifier{threshold: params["threshold"].(float64)}, nil
	}, grid, X, y, skf, 2)
	require.NoError(t, err)

	assert.Equal(t, 9.5, result.BestParams["threshold"])
	assert.Equal(t, 1.0, result.BestScore)
	assert.Len(t, result.Scores, 3)
}

func TestGridSearchCVBestAtLeastFirst(t *testing.T) {
	X, y := thresholdData()
	grid := NewParamGrid().Add("threshold", 9.5, 2.5, 16.5, 9.5)

	skf := NewStratifiedKFold(5, true, 21)
	result, err := GridSearchCV(func(params map[string]any) (model.Classifier, error) {
		return &thresholdClassifier{threshold: params["threshold"].(float64)}, nil
	}, grid, X, y, skf, 2)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, result.BestScore, result.Scores[0].MeanAccuracy)
	// Ties keep the earliest combination.
	assert.Equal(t, 0, result.BestIndex)
}

func TestGridSearchCVFactoryError(t *testing.T) {
	X, y := thresholdData()
	grid := NewParamGrid().Add("threshold", 1.0)

	skf := NewStratifiedKFold(5, true, 21)
	_, err := GridSearchCV(func(params map[string]any) (model.Classifier, error) {
		return nil, errors.New("bad params")
	}, grid, X, y, skf, 2)
	assert.Error(t, err)
}

func TestCrossValidateScoresAllFolds(t *testing.T) {
	X, y := thresholdData()
	skf := NewStratifiedKFold(5, true, 13)

	result, err := CrossValidate(func() model.Classifier {
		return &thresholdClassifier{threshold: 9.5}
	}, X, y, skf, 2)
	require.NoError(t, err)
	require.Len(t, result.Folds, 5)

	assert.Equal(t, 1.0, result.MeanAccuracy())
	assert.Equal(t, 0.0, result.StdAccuracy())
	assert.Equal(t, 1.0, result.MeanMacroF1())
}
