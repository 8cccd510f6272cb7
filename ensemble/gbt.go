package ensemble

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"

	"github.com/senslab/faultclass/core/model"
	"github.com/senslab/faultclass/pkg/errors"
)

const minHessian = 1e-16

// regNode is a node of the second-order regression trees boosting fits to
// per-class gradients. Leaf values are -G/(H+lambda).
type regNode struct {
	feature     int
	threshold   float64
	left, right *regNode
	value       float64
	leaf        bool
}

func (nd *regNode) predict(X mat.Matrix, row int) float64 {
	for !nd.leaf {
		if X.At(row, nd.feature) <= nd.threshold {
			nd = nd.left
		} else {
			nd = nd.right
		}
	}
	return nd.value
}

// GradientBoostingClassifier fits multiclass gradient-boosted trees: each
// round grows one shallow regression tree per class on the softmax
// gradients and hessians of the current logits, and adds its shrunken leaf
// values back into the logits.
type GradientBoostingClassifier struct {
	model.BaseEstimator

	nEstimators     int
	maxDepth        int
	learningRate    float64
	subsample       float64
	colsampleByTree float64
	minSamplesLeaf  int
	lambda          float64
	seed            uint64

	rounds       [][]*regNode // rounds[t][k] is round t's tree for class k
	nClasses_    int
	nFeatures_   int
	importances_ []float64 // total split gain per feature
}

// GBTOption configures a GradientBoostingClassifier.
type GBTOption func(*GradientBoostingClassifier)

// WithGBTEstimators sets the number of boosting rounds.
func WithGBTEstimators(n int) GBTOption {
	return func(gbt *GradientBoostingClassifier) { gbt.nEstimators = n }
}

// WithGBTMaxDepth limits the depth of each regression tree.
func WithGBTMaxDepth(depth int) GBTOption {
	return func(gbt *GradientBoostingClassifier) { gbt.maxDepth = depth }
}

// WithGBTLearningRate sets the shrinkage applied to each tree's output.
func WithGBTLearningRate(lr float64) GBTOption {
	return func(gbt *GradientBoostingClassifier) { gbt.learningRate = lr }
}

// WithGBTSubsample sets the fraction of rows drawn per round.
func WithGBTSubsample(fraction float64) GBTOption {
	return func(gbt *GradientBoostingClassifier) { gbt.subsample = fraction }
}

// WithGBTColsampleByTree sets the fraction of features visible to each tree.
func WithGBTColsampleByTree(fraction float64) GBTOption {
	return func(gbt *GradientBoostingClassifier) { gbt.colsampleByTree = fraction }
}

// WithGBTMinSamplesLeaf sets the leaf-size floor of the regression trees.
func WithGBTMinSamplesLeaf(n int) GBTOption {
	return func(gbt *GradientBoostingClassifier) { gbt.minSamplesLeaf = n }
}

// WithGBTLambda sets the L2 regularization on leaf values.
func WithGBTLambda(lambda float64) GBTOption {
	return func(gbt *GradientBoostingClassifier) { gbt.lambda = lambda }
}

// WithGBTSeed seeds row and column subsampling.
func WithGBTSeed(seed uint64) GBTOption {
	return func(gbt *GradientBoostingClassifier) { gbt.seed = seed }
}

// NewGradientBoostingClassifier creates a booster with 100 rounds of
// depth-5 trees, learning rate 0.1 and no subsampling.
func NewGradientBoostingClassifier(opts ...GBTOption) *GradientBoostingClassifier {
	gbt := &GradientBoostingClassifier{
		nEstimators:     100,
		maxDepth:        5,
		learningRate:    0.1,
		subsample:       1.0,
		colsampleByTree: 1.0,
		minSamplesLeaf:  1,
		lambda:          1.0,
		seed:            42,
	}
	for _, opt := range opts {
		opt(gbt)
	}
	return gbt
}

// NewGradientBoostingClassifierFromParams builds a booster from a grid
// search combination keyed by n_estimators, max_depth, learning_rate,
// subsample and colsample_bytree.
func NewGradientBoostingClassifierFromParams(params map[string]any) (*GradientBoostingClassifier, error) {
	gbt := NewGradientBoostingClassifier()
	for key, value := range params {
		switch key {
		case "n_estimators":
			v, ok := value.(int)
			if !ok {
				return nil, errors.NewValidationError(key, "must be an int", value)
			}
			gbt.nEstimators = v
		case "max_depth":
			v, ok := value.(int)
			if !ok {
				return nil, errors.NewValidationError(key, "must be an int", value)
			}
			gbt.maxDepth = v
		case "learning_rate":
			v, ok := value.(float64)
			if !ok {
				return nil, errors.NewValidationError(key, "must be a float64", value)
			}
			gbt.learningRate = v
		case "subsample":
			v, ok := value.(float64)
			if !ok {
				return nil, errors.NewValidationError(key, "must be a float64", value)
			}
			gbt.subsample = v
		case "colsample_bytree":
			v, ok := value.(float64)
			if !ok {
				return nil, errors.NewValidationError(key, "must be a float64", value)
			}
			gbt.colsampleByTree = v
		case "seed":
			v, ok := value.(uint64)
			if !ok {
				return nil, errors.NewValidationError(key, "must be a uint64", value)
			}
			gbt.seed = v
		default:
			return nil, errors.NewValidationError(key, "unknown parameter", value)
		}
	}
	return gbt, nil
}

// Fit trains the booster on X (n x p) and integer labels y (n x 1).
func (gbt *GradientBoostingClassifier) Fit(X, y mat.Matrix) error {
	n, p := X.Dims()
	ny, _ := y.Dims()
	if n == 0 || p == 0 {
		return errors.NewModelError("GradientBoostingClassifier.Fit", "empty data", errors.ErrEmptyData)
	}
	if ny != n {
		return errors.NewDimensionError("GradientBoostingClassifier.Fit", n, ny, 0)
	}
	if gbt.subsample <= 0 || gbt.subsample > 1 {
		return errors.NewValidationError("subsample", "must be in (0, 1]", gbt.subsample)
	}
	if gbt.colsampleByTree <= 0 || gbt.colsampleByTree > 1 {
		return errors.NewValidationError("colsample_bytree", "must be in (0, 1]", gbt.colsampleByTree)
	}
	if gbt.learningRate <= 0 {
		return errors.NewValidationError("learning_rate", "must be positive", gbt.learningRate)
	}

	nClasses := 0
	labels := make([]int, n)
	for i := 0; i < n; i++ {
		label := int(y.At(i, 0))
		if label < 0 {
			return errors.NewValueError("GradientBoostingClassifier.Fit", "negative class label")
		}
		labels[i] = label
		if label+1 > nClasses {
			nClasses = label + 1
		}
	}
	if nClasses < 2 {
		return errors.NewValueError("GradientBoostingClassifier.Fit", "need at least two classes")
	}

	gbt.nClasses_ = nClasses
	gbt.nFeatures_ = p
	gbt.importances_ = make([]float64, p)
	gbt.rounds = make([][]*regNode, 0, gbt.nEstimators)

	rng := rand.New(rand.NewPCG(gbt.seed, gbt.seed))

	logits := make([][]float64, n)
	for i := range logits {
		logits[i] = make([]float64, nClasses)
	}
	probs := make([]float64, nClasses)
	grad := make([]float64, n)
	hess := make([]float64, n)

	for t := 0; t < gbt.nEstimators; t++ {
		rows := gbt.sampleRows(n, rng)
		cols := gbt.sampleCols(p, rng)

		round := make([]*regNode, nClasses)
		for k := 0; k < nClasses; k++ {
			for _, i := range rows {
				softmaxInto(probs, logits[i])
				pk := probs[k]
				if labels[i] == k {
					grad[i] = pk - 1
				} else {
					grad[i] = pk
				}
				h := pk * (1 - pk)
				if h < minHessian {
					h = minHessian
				}
				hess[i] = h
			}

			root := gbt.buildRegTree(X, grad, hess, rows, cols, 0)
			round[k] = root
			for i := 0; i < n; i++ {
				logits[i][k] += gbt.learningRate * root.predict(X, i)
			}
		}
		gbt.rounds = append(gbt.rounds, round)
	}

	total := 0.0
	for _, imp := range gbt.importances_ {
		total += imp
	}
	if total > 0 {
		for j := range gbt.importances_ {
			gbt.importances_[j] /= total
		}
	}

	gbt.SetFitted()
	return nil
}

func (gbt *GradientBoostingClassifier) sampleRows(n int, rng *rand.Rand) []int {
	if gbt.subsample >= 1 {
		rows := make([]int, n)
		for i := range rows {
			rows[i] = i
		}
		return rows
	}
	take := int(float64(n)*gbt.subsample + 0.5)
	if take < 1 {
		take = 1
	}
	return rng.Perm(n)[:take]
}

func (gbt *GradientBoostingClassifier) sampleCols(p int, rng *rand.Rand) []int {
	if gbt.colsampleByTree >= 1 {
		cols := make([]int, p)
		for j := range cols {
			cols[j] = j
		}
		return cols
	}
	take := int(float64(p)*gbt.colsampleByTree + 0.5)
	if take < 1 {
		take = 1
	}
	return rng.Perm(p)[:take]
}

func softmaxInto(dst, logits []float64) {
	maxLogit := logits[0]
	for _, v := range logits[1:] {
		if v > maxLogit {
			maxLogit = v
		}
	}
	sum := 0.0
	for k, v := range logits {
		e := math.Exp(v - maxLogit)
		dst[k] = e
		sum += e
	}
	for k := range dst {
		dst[k] /= sum
	}
}

// buildRegTree grows a regression tree on the given rows minimizing the
// second-order loss. Split gain follows the standard boosted-tree formula
// 0.5*(GL^2/(HL+lambda) + GR^2/(HR+lambda) - G^2/(H+lambda)).
func (gbt *GradientBoostingClassifier) buildRegTree(X mat.Matrix, grad, hess []float64, rows, cols []int, depth int) *regNode {
	sumG, sumH := 0.0, 0.0
	for _, i := range rows {
		sumG += grad[i]
		sumH += hess[i]
	}

	leaf := &regNode{
		leaf:  true,
		value: -sumG / (sumH + gbt.lambda),
	}
	if depth >= gbt.maxDepth || len(rows) < 2*gbt.minSamplesLeaf {
		return leaf
	}

	parentScore := sumG * sumG / (sumH + gbt.lambda)
	bestGain := 0.0
	bestFeature, bestThreshold := -1, 0.0

	order := make([]int, len(rows))
	for _, j := range cols {
		copy(order, rows)
		sortRowsByFeature(X, order, j)

		gl, hl := 0.0, 0.0
		for i := 0; i < len(order)-1; i++ {
			gl += grad[order[i]]
			hl += hess[order[i]]

			vi := X.At(order[i], j)
			vnext := X.At(order[i+1], j)
			if vi == vnext {
				continue
			}

			nLeft := i + 1
			nRight := len(order) - nLeft
			if nLeft < gbt.minSamplesLeaf || nRight < gbt.minSamplesLeaf {
				continue
			}

			gr := sumG - gl
			hr := sumH - hl
			gain := 0.5 * (gl*gl/(hl+gbt.lambda) + gr*gr/(hr+gbt.lambda) - parentScore)
			if gain > bestGain {
				bestGain = gain
				bestFeature = j
				bestThreshold = (vi + vnext) / 2
			}
		}
	}

	if bestFeature < 0 || bestGain <= 0 {
		return leaf
	}

	var leftRows, rightRows []int
	for _, i := range rows {
		if X.At(i, bestFeature) <= bestThreshold {
			leftRows = append(leftRows, i)
		} else {
			rightRows = append(rightRows, i)
		}
	}

	gbt.importances_[bestFeature] += bestGain
	// Internal nodes keep their would-be leaf value so path attributions
	// can measure the shift each split causes.
	return &regNode{
		feature:   bestFeature,
		threshold: bestThreshold,
		value:     leaf.value,
		left:      gbt.buildRegTree(X, grad, hess, leftRows, cols, depth+1),
		right:     gbt.buildRegTree(X, grad, hess, rightRows, cols, depth+1),
	}
}

func sortRowsByFeature(X mat.Matrix, rows []int, feature int) {
	if len(rows) < 2 {
		return
	}
	pivot := X.At(rows[len(rows)/2], feature)
	left, right := 0, len(rows)-1
	for left <= right {
		for X.At(rows[left], feature) < pivot {
			left++
		}
		for X.At(rows[right], feature) > pivot {
			right--
		}
		if left <= right {
			rows[left], rows[right] = rows[right], rows[left]
			left++
			right--
		}
	}
	sortRowsByFeature(X, rows[:right+1], feature)
	sortRowsByFeature(X, rows[left:], feature)
}

// FeatureContributions decomposes the raw score of one row for one class
// into a base value plus one signed contribution per feature, following
// each tree's decision path: every split shifts the expected value, and the
// shift is credited to the split feature. Contributions plus base equal the
// raw score exactly.
func (gbt *GradientBoostingClassifier) FeatureContributions(X mat.Matrix, row, class int) (contribs []float64, base float64, err error) {
	if !gbt.IsFitted() {
		return nil, 0, errors.NewNotFittedError("GradientBoostingClassifier", "FeatureContributions")
	}
	n, p := X.Dims()
	if p != gbt.nFeatures_ {
		return nil, 0, errors.NewDimensionError("GradientBoostingClassifier.FeatureContributions", gbt.nFeatures_, p, 1)
	}
	if row < 0 || row >= n {
		return nil, 0, errors.NewValueError("GradientBoostingClassifier.FeatureContributions", "row index out of range")
	}
	if class < 0 || class >= gbt.nClasses_ {
		return nil, 0, errors.NewValueError("GradientBoostingClassifier.FeatureContributions", "class index out of range")
	}

	contribs = make([]float64, p)
	for _, round := range gbt.rounds {
		nd := round[class]
		base += gbt.learningRate * nd.value
		for !nd.leaf {
			var next *regNode
			if X.At(row, nd.feature) <= nd.threshold {
				next = nd.left
			} else {
				next = nd.right
			}
			contribs[nd.feature] += gbt.learningRate * (next.value - nd.value)
			nd = next
		}
	}
	return contribs, base, nil
}

// RawScores returns the summed shrunken tree outputs per class before the
// softmax. The additive explanations in the explain package work on this
// scale.
func (gbt *GradientBoostingClassifier) RawScores(X mat.Matrix) (*mat.Dense, error) {
	if !gbt.IsFitted() {
		return nil, errors.NewNotFittedError("GradientBoostingClassifier", "RawScores")
	}
	n, p := X.Dims()
	if p != gbt.nFeatures_ {
		return nil, errors.NewDimensionError("GradientBoostingClassifier.RawScores", gbt.nFeatures_, p, 1)
	}

	out := mat.NewDense(n, gbt.nClasses_, nil)
	for i := 0; i < n; i++ {
		for _, round := range gbt.rounds {
			for k, root := range round {
				out.Set(i, k, out.At(i, k)+gbt.learningRate*root.predict(X, i))
			}
		}
	}
	return out, nil
}

// PredictProba returns softmax probabilities over the summed tree outputs.
func (gbt *GradientBoostingClassifier) PredictProba(X mat.Matrix) (mat.Matrix, error) {
	raw, err := gbt.RawScores(X)
	if err != nil {
		return nil, err
	}
	n, _ := raw.Dims()
	probs := make([]float64, gbt.nClasses_)
	for i := 0; i < n; i++ {
		softmaxInto(probs, raw.RawRowView(i))
		for k, pv := range probs {
			raw.Set(i, k, pv)
		}
	}
	return raw, nil
}

// Predict returns the class with the highest probability.
func (gbt *GradientBoostingClassifier) Predict(X mat.Matrix) (mat.Matrix, error) {
	proba, err := gbt.PredictProba(X)
	if err != nil {
		return nil, err
	}
	return argmaxRows(proba), nil
}

// Score returns accuracy on (X, y).
func (gbt *GradientBoostingClassifier) Score(X, y mat.Matrix) float64 {
	yPred, err := gbt.Predict(X)
	if err != nil {
		return 0
	}
	n, _ := y.Dims()
	correct := 0
	for i := 0; i < n; i++ {
		if yPred.At(i, 0) == y.At(i, 0) {
			correct++
		}
	}
	return float64(correct) / float64(n)
}

// Classes returns the contiguous class indices seen during fitting.
func (gbt *GradientBoostingClassifier) Classes() []int {
	classes := make([]int, gbt.nClasses_)
	for i := range classes {
		classes[i] = i
	}
	return classes
}

// GetFeatureImportances returns normalized total split gain per feature.
func (gbt *GradientBoostingClassifier) GetFeatureImportances() []float64 {
	out := make([]float64, len(gbt.importances_))
	copy(out, gbt.importances_)
	return out
}

// NumClasses returns the fitted class count.
func (gbt *GradientBoostingClassifier) NumClasses() int {
	return gbt.nClasses_
}

// NumFeatures returns the fitted feature count.
func (gbt *GradientBoostingClassifier) NumFeatures() int {
	return gbt.nFeatures_
}
