// Package explain provides model interpretation: LIME local surrogate
// explanations for any probabilistic classifier and additive path
// attributions for the boosted-tree model.
package explain

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/senslab/faultclass/ensemble"
	"github.com/senslab/faultclass/pkg/errors"
)

// SHAPValues holds per-row, per-feature attributions for one class on the
// raw-score scale. Base plus the row's attributions equals the row's raw
// score for that class.
type SHAPValues struct {
	Values       *mat.Dense
	BaseValue    float64
	Class        int
	FeatureNames []string
}

// TreeSHAP computes additive attributions for a fitted gradient-boosted
// model by walking each tree's decision path and crediting every split's
// value shift to its feature.
type TreeSHAP struct {
	model        *ensemble.GradientBoostingClassifier
	featureNames []string
}

// NewTreeSHAP creates a calculator for the given model. featureNames may be
// nil.
func NewTreeSHAP(model *ensemble.GradientBoostingClassifier, featureNames []string) (*TreeSHAP, error) {
	if model == nil || !model.IsFitted() {
		return nil, errors.NewNotFittedError("GradientBoostingClassifier", "NewTreeSHAP")
	}
	if featureNames != nil && len(featureNames) != model.NumFeatures() {
		return nil, errors.NewDimensionError("NewTreeSHAP", model.NumFeatures(), len(featureNames), 1)
	}
	return &TreeSHAP{model: model, featureNames: featureNames}, nil
}

// CalculateSHAP attributes every row of X for one class.
func (ts *TreeSHAP) CalculateSHAP(X mat.Matrix, class int) (*SHAPValues, error) {
	n, p := X.Dims()

	values := mat.NewDense(n, p, nil)
	base := 0.0
	for i := 0; i < n; i++ {
		contribs, rowBase, err := ts.model.FeatureContributions(X, i, class)
		if err != nil {
			return nil, err
		}
		values.SetRow(i, contribs)
		base = rowBase
	}

	return &SHAPValues{
		Values:       values,
		BaseValue:    base,
		Class:        class,
		FeatureNames: ts.featureNames,
	}, nil
}

// FeatureImpact is one feature's aggregate attribution magnitude.
type FeatureImpact struct {
	Feature    int
	Name       string
	MeanAbs    float64
	MeanSigned float64
}

// Summary ranks features by mean absolute attribution across every row of X
// and every class, descending. This is the global importance view of the
// local attributions.
func (ts *TreeSHAP) Summary(X mat.Matrix) ([]FeatureImpact, error) {
	n, p := X.Dims()
	if n == 0 {
		return nil, errors.NewModelError("TreeSHAP.Summary", "empty data", errors.ErrEmptyData)
	}

	sumAbs := make([]float64, p)
	sumSigned := make([]float64, p)
	total := 0
	for class := 0; class < ts.model.NumClasses(); class++ {
		shap, err := ts.CalculateSHAP(X, class)
		if err != nil {
			return nil, err
		}
		for i := 0; i < n; i++ {
			for j := 0; j < p; j++ {
				v := shap.Values.At(i, j)
				sumAbs[j] += math.Abs(v)
				sumSigned[j] += v
			}
		}
		total += n
	}

	impacts := make([]FeatureImpact, p)
	for j := 0; j < p; j++ {
		impacts[j] = FeatureImpact{
			Feature:    j,
			Name:       ts.featureName(j),
			MeanAbs:    sumAbs[j] / float64(total),
			MeanSigned: sumSigned[j] / float64(total),
		}
	}
	sort.SliceStable(impacts, func(a, b int) bool {
		return impacts[a].MeanAbs > impacts[b].MeanAbs
	})
	return impacts, nil
}

func (ts *TreeSHAP) featureName(j int) string {
	if ts.featureNames != nil {
		return ts.featureNames[j]
	}
	return defaultFeatureName(j)
}
