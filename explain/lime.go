package explain

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/senslab/faultclass/pkg/errors"
)

// ProbaPredictor is the prediction surface an explainer needs.
type ProbaPredictor interface {
	PredictProba(X mat.Matrix) (mat.Matrix, error)
}

// FeatureWeight is one feature's signed contribution in a local surrogate.
type FeatureWeight struct {
	Feature int
	Name    string
	Weight  float64
}

// Explanation is a local surrogate fit around one instance for one class.
type Explanation struct {
	Class         int
	ClassName     string
	Intercept     float64
	Contributions []FeatureWeight // descending by |weight|, at most maxFeatures
	LocalProba    float64         // the model's probability being explained
}

// LIMEExplainer explains single predictions of any probabilistic classifier
// by fitting a weighted ridge regression to the model's output on
// perturbations of the instance. Perturbations replace feature values with
// draws from the training distribution; closeness to the original weights
// each sample through an exponential kernel.
type LIMEExplainer struct {
	train        *mat.Dense
	featureNames []string
	classNames   []string
	quartiles    [][3]float64
	nSamples     int
	maxFeatures  int
	ridgeAlpha   float64
	kernelWidth  float64
}

// LIMEOption configures a LIMEExplainer.
type LIMEOption func(*LIMEExplainer)

// WithLIMESamples sets the number of perturbed samples per explanation.
func WithLIMESamples(n int) LIMEOption {
	return func(e *LIMEExplainer) { e.nSamples = n }
}

// WithLIMEMaxFeatures caps the number of reported contributions.
func WithLIMEMaxFeatures(n int) LIMEOption {
	return func(e *LIMEExplainer) { e.maxFeatures = n }
}

// WithLIMERidgeAlpha sets the surrogate's L2 penalty.
func WithLIMERidgeAlpha(alpha float64) LIMEOption {
	return func(e *LIMEExplainer) { e.ridgeAlpha = alpha }
}

// NewLIMEExplainer builds an explainer over the training matrix the model
// was fitted on. Quartile boundaries per feature are precomputed here and
// reused for the range descriptions in every explanation.
func NewLIMEExplainer(train *mat.Dense, featureNames, classNames []string, opts ...LIMEOption) (*LIMEExplainer, error) {
	n, p := train.Dims()
	if n == 0 || p == 0 {
		return nil, errors.NewModelError("NewLIMEExplainer", "empty training data", errors.ErrEmptyData)
	}
	if featureNames != nil && len(featureNames) != p {
		return nil, errors.NewDimensionError("NewLIMEExplainer", p, len(featureNames), 1)
	}

	e := &LIMEExplainer{
		train:        train,
		featureNames: featureNames,
		classNames:   classNames,
		nSamples:     5000,
		maxFeatures:  10,
		ridgeAlpha:   1.0,
		kernelWidth:  math.Sqrt(float64(p)) * 0.75,
	}
	for _, opt := range opts {
		opt(e)
	}

	e.quartiles = make([][3]float64, p)
	column := make([]float64, n)
	for j := 0; j < p; j++ {
		for i := 0; i < n; i++ {
			column[i] = train.At(i, j)
		}
		sort.Float64s(column)
		e.quartiles[j] = [3]float64{
			quantile(column, 0.25),
			quantile(column, 0.50),
			quantile(column, 0.75),
		}
	}
	return e, nil
}

func quantile(sorted []float64, q float64) float64 {
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// Explain fits a local surrogate for the given class around instance x.
// Randomness comes entirely from rng, so a fixed source reproduces the
// explanation, including the contribution ranking.
func (e *LIMEExplainer) Explain(predictor ProbaPredictor, x []float64, class int, rng *rand.Rand) (*Explanation, error) {
	nTrain, p := e.train.Dims()
	if len(x) != p {
		return nil, errors.NewDimensionError("LIMEExplainer.Explain", p, len(x), 1)
	}
	if class < 0 {
		return nil, errors.NewValueError("LIMEExplainer.Explain", "negative class index")
	}

	// Z holds the binary interpretable representation; perturbed holds
	// the raw feature values fed to the model. Row 0 is the instance
	// itself.
	Z := mat.NewDense(e.nSamples, p, nil)
	perturbed := mat.NewDense(e.nSamples, p, nil)
	for j := 0; j < p; j++ {
		Z.Set(0, j, 1)
		perturbed.Set(0, j, x[j])
	}
	for i := 1; i < e.nSamples; i++ {
		for j := 0; j < p; j++ {
			if rng.Float64() < 0.5 {
				Z.Set(i, j, 1)
				perturbed.Set(i, j, x[j])
			} else {
				perturbed.Set(i, j, e.train.At(rng.IntN(nTrain), j))
			}
		}
	}

	proba, err := predictor.PredictProba(perturbed)
	if err != nil {
		return nil, errors.Wrap(err, "scoring perturbed samples")
	}
	_, nClasses := proba.Dims()
	if class >= nClasses {
		return nil, errors.NewValueError("LIMEExplainer.Explain", "class index out of range")
	}

	target := make([]float64, e.nSamples)
	weights := make([]float64, e.nSamples)
	for i := 0; i < e.nSamples; i++ {
		target[i] = proba.At(i, class)
		if math.IsNaN(target[i]) || math.IsInf(target[i], 0) {
			return nil, errors.NewValueError("LIMEExplainer.Explain", "model returned a non-finite probability")
		}
		changed := 0.0
		for j := 0; j < p; j++ {
			if Z.At(i, j) == 0 {
				changed++
			}
		}
		weights[i] = math.Exp(-changed / (e.kernelWidth * e.kernelWidth))
	}

	coef, intercept, err := weightedRidge(Z, target, weights, e.ridgeAlpha)
	if err != nil {
		return nil, err
	}

	contributions := make([]FeatureWeight, p)
	for j := 0; j < p; j++ {
		contributions[j] = FeatureWeight{
			Feature: j,
			Name:    e.describe(j, x[j]),
			Weight:  coef[j],
		}
	}
	sort.SliceStable(contributions, func(a, b int) bool {
		return math.Abs(contributions[a].Weight) > math.Abs(contributions[b].Weight)
	})
	if len(contributions) > e.maxFeatures {
		contributions = contributions[:e.maxFeatures]
	}

	return &Explanation{
		Class:         class,
		ClassName:     e.className(class),
		Intercept:     intercept,
		Contributions: contributions,
		LocalProba:    target[0],
	}, nil
}

// weightedRidge solves the penalized weighted least squares
// (Z'WZ + alpha*I) beta = Z'W y with an unpenalized intercept column.
func weightedRidge(Z *mat.Dense, y, w []float64, alpha float64) (coef []float64, intercept float64, err error) {
	n, p := Z.Dims()

	// Design matrix with leading intercept column.
	design := mat.NewDense(n, p+1, nil)
	for i := 0; i < n; i++ {
		design.Set(i, 0, 1)
		for j := 0; j < p; j++ {
			design.Set(i, j+1, Z.At(i, j))
		}
	}

	var dtw mat.Dense // design' * W
	dtw.CloneFrom(design.T())
	for i := 0; i < n; i++ {
		for j := 0; j < p+1; j++ {
			dtw.Set(j, i, dtw.At(j, i)*w[i])
		}
	}

	var gram mat.Dense
	gram.Mul(&dtw, design)
	for j := 1; j < p+1; j++ {
		gram.Set(j, j, gram.At(j, j)+alpha)
	}

	rhs := mat.NewVecDense(p+1, nil)
	for j := 0; j < p+1; j++ {
		sum := 0.0
		for i := 0; i < n; i++ {
			sum += dtw.At(j, i) * y[i]
		}
		rhs.SetVec(j, sum)
	}

	var beta mat.VecDense
	if err := beta.SolveVec(&gram, rhs); err != nil {
		return nil, 0, errors.Wrap(err, "solving surrogate regression")
	}

	coef = make([]float64, p)
	for j := 0; j < p; j++ {
		coef[j] = beta.AtVec(j + 1)
	}
	return coef, beta.AtVec(0), nil
}

// describe renders the quartile range the instance's value falls in.
func (e *LIMEExplainer) describe(j int, v float64) string {
	name := e.featureNameAt(j)
	q := e.quartiles[j]
	switch {
	case v <= q[0]:
		return fmt.Sprintf("%s <= %.3f", name, q[0])
	case v <= q[1]:
		return fmt.Sprintf("%.3f < %s <= %.3f", q[0], name, q[1])
	case v <= q[2]:
		return fmt.Sprintf("%.3f < %s <= %.3f", q[1], name, q[2])
	default:
		return fmt.Sprintf("%s > %.3f", name, q[2])
	}
}

func (e *LIMEExplainer) featureNameAt(j int) string {
	if e.featureNames != nil {
		return e.featureNames[j]
	}
	return defaultFeatureName(j)
}

func (e *LIMEExplainer) className(class int) string {
	if e.classNames != nil && class < len(e.classNames) {
		return e.classNames[class]
	}
	return fmt.Sprintf("%d", class)
}

func defaultFeatureName(j int) string {
	return fmt.Sprintf("feature_%d", j)
}
