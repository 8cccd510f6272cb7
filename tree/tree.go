// Package tree implements a CART decision-tree classifier: exact greedy
// splits on numeric features with gini or entropy impurity, probability
// estimates from leaf class distributions, impurity-decrease feature
// importances and a text rendering of the fitted tree.
package tree

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"

	"github.com/senslab/faultclass/core/model"
	"github.com/senslab/faultclass/pkg/errors"
)

// node is one tree node. Internal nodes carry a split rule; every node
// keeps its class counts so leaves yield probabilities and the exporter can
// print distributions.
type node struct {
	feature     int
	threshold   float64
	left, right *node
	classCounts []float64
	samples     int
	impurity    float64
	leaf        bool
}

// DecisionTreeClassifier is a single CART tree. With no depth or leaf-size
// options it grows until leaves are pure, which can overfit; that unbounded
// default is deliberate here.
type DecisionTreeClassifier struct {
	model.BaseEstimator

	criterion       string // "gini" or "entropy"
	maxDepth        int    // 0 means unbounded
	minSamplesSplit int
	minSamplesLeaf  int
	maxFeatures     int // 0 means all features; forests set sqrt(p)
	randomState     uint64
	forcedClasses   int

	root         *node
	nClasses_    int
	nFeatures_   int
	importances_ []float64
	depth_       int
	nLeaves_     int
}

// Option configures a DecisionTreeClassifier.
type Option func(*DecisionTreeClassifier)

// WithCriterion sets the impurity criterion, "gini" or "entropy".
func WithCriterion(criterion string) Option {
	return func(dt *DecisionTreeClassifier) { dt.criterion = criterion }
}

// WithMaxDepth limits tree depth; 0 leaves growth unbounded.
func WithMaxDepth(depth int) Option {
	return func(dt *DecisionTreeClassifier) { dt.maxDepth = depth }
}

// WithMinSamplesSplit sets the minimum rows required to split a node.
func WithMinSamplesSplit(n int) Option {
	return func(dt *DecisionTreeClassifier) { dt.minSamplesSplit = n }
}

// WithMinSamplesLeaf sets the minimum rows required in each child.
func WithMinSamplesLeaf(n int) Option {
	return func(dt *DecisionTreeClassifier) { dt.minSamplesLeaf = n }
}

// WithMaxFeatures caps the number of features considered per split.
func WithMaxFeatures(n int) Option {
	return func(dt *DecisionTreeClassifier) { dt.maxFeatures = n }
}

// WithRandomState seeds the deterministic tie-breaking used when candidate
// features are ordered and subsampled.
func WithRandomState(seed uint64) Option {
	return func(dt *DecisionTreeClassifier) { dt.randomState = seed }
}

// WithNumClasses forces at least n probability columns even when the
// training labels do not cover every class. Ensembles fitting trees on
// resampled rows need this so per-tree probabilities stay aligned.
func WithNumClasses(n int) Option {
	return func(dt *DecisionTreeClassifier) { dt.forcedClasses = n }
}

// NewDecisionTreeClassifier creates a classifier with gini criterion,
// unbounded depth, min_samples_split=2 and min_samples_leaf=1.
func NewDecisionTreeClassifier(opts ...Option) *DecisionTreeClassifier {
	dt := &DecisionTreeClassifier{
		criterion:       "gini",
		minSamplesSplit: 2,
		minSamplesLeaf:  1,
		randomState:     42,
	}
	for _, opt := range opts {
		opt(dt)
	}
	return dt
}

// Fit grows the tree on X (n x p) and integer labels y (n x 1).
func (dt *DecisionTreeClassifier) Fit(X, y mat.Matrix) error {
	n, p := X.Dims()
	ny, _ := y.Dims()
	if n == 0 || p == 0 {
		return errors.NewModelError("DecisionTreeClassifier.Fit", "empty data", errors.ErrEmptyData)
	}
	if ny != n {
		return errors.NewDimensionError("DecisionTreeClassifier.Fit", n, ny, 0)
	}
	if dt.criterion != "gini" && dt.criterion != "entropy" {
		return errors.NewValidationError("criterion", "must be gini or entropy", dt.criterion)
	}

	nClasses := 0
	labels := make([]int, n)
	for i := 0; i < n; i++ {
		label := int(y.At(i, 0))
		if label < 0 {
			return errors.NewValueError("DecisionTreeClassifier.Fit", "negative class label")
		}
		labels[i] = label
		if label+1 > nClasses {
			nClasses = label + 1
		}
	}
	if dt.forcedClasses > nClasses {
		nClasses = dt.forcedClasses
	}

	dt.nClasses_ = nClasses
	dt.nFeatures_ = p
	dt.importances_ = make([]float64, p)
	dt.depth_ = 0
	dt.nLeaves_ = 0

	indices := make([]int, n)
	for i := range indices {
		indices[i] = i
	}

	rng := rand.New(rand.NewPCG(dt.randomState, dt.randomState))
	dt.root = dt.buildNode(X, labels, indices, 0, n, rng)

	total := 0.0
	for _, imp := range dt.importances_ {
		total += imp
	}
	if total > 0 {
		for j := range dt.importances_ {
			dt.importances_[j] /= total
		}
	}

	dt.SetFitted()
	return nil
}

func (dt *DecisionTreeClassifier) buildNode(X mat.Matrix, labels, indices []int, depth, total int, rng *rand.Rand) *node {
	counts := make([]float64, dt.nClasses_)
	for _, idx := range indices {
		counts[labels[idx]]++
	}
	imp := dt.impurity(counts, len(indices))

	nd := &node{
		classCounts: counts,
		samples:     len(indices),
		impurity:    imp,
		leaf:        true,
	}
	if depth > dt.depth_ {
		dt.depth_ = depth
	}

	if imp == 0 ||
		len(indices) < dt.minSamplesSplit ||
		(dt.maxDepth > 0 && depth >= dt.maxDepth) {
		dt.nLeaves_++
		return nd
	}

	feature, threshold, gain, ok := dt.findBestSplit(X, labels, indices, imp, rng)
	if !ok {
		dt.nLeaves_++
		return nd
	}

	var leftIdx, rightIdx []int
	for _, idx := range indices {
		if X.At(idx, feature) <= threshold {
			leftIdx = append(leftIdx, idx)
		} else {
			rightIdx = append(rightIdx, idx)
		}
	}

	nd.leaf = false
	nd.feature = feature
	nd.threshold = threshold
	dt.importances_[feature] += float64(len(indices)) / float64(total) * gain
	nd.left = dt.buildNode(X, labels, leftIdx, depth+1, total, rng)
	nd.right = dt.buildNode(X, labels, rightIdx, depth+1, total, rng)
	return nd
}

// findBestSplit scans every candidate feature with an exact sorted sweep
// and returns the split with maximal impurity decrease. Feature order is
// shuffled with the seeded source so equal-gain ties break deterministically
// for a fixed seed.
func (dt *DecisionTreeClassifier) findBestSplit(X mat.Matrix, labels, indices []int, parentImp float64, rng *rand.Rand) (int, float64, float64, bool) {
	features := rng.Perm(dt.nFeatures_)
	if dt.maxFeatures > 0 && dt.maxFeatures < len(features) {
		features = features[:dt.maxFeatures]
	}

	bestGain := 0.0
	bestFeature, bestThreshold := -1, 0.0
	n := len(indices)

	for _, j := range features {
		order := make([]int, n)
		copy(order, indices)
		sortByFeature(X, order, j)

		leftCounts := make([]float64, dt.nClasses_)
		rightCounts := make([]float64, dt.nClasses_)
		for _, idx := range order {
			rightCounts[labels[idx]]++
		}

		for i := 0; i < n-1; i++ {
			label := labels[order[i]]
			leftCounts[label]++
			rightCounts[label]--

			vi := X.At(order[i], j)
			vnext := X.At(order[i+1], j)
			if vi == vnext {
				continue
			}

			nLeft := i + 1
			nRight := n - nLeft
			if nLeft < dt.minSamplesLeaf || nRight < dt.minSamplesLeaf {
				continue
			}

			gain := parentImp -
				float64(nLeft)/float64(n)*dt.impurity(leftCounts, nLeft) -
				float64(nRight)/float64(n)*dt.impurity(rightCounts, nRight)
			if gain > bestGain {
				bestGain = gain
				bestFeature = j
				bestThreshold = (vi + vnext) / 2
			}
		}
	}

	if bestFeature < 0 || bestGain <= 0 {
		return 0, 0, 0, false
	}
	return bestFeature, bestThreshold, bestGain, true
}

func sortByFeature(X mat.Matrix, indices []int, feature int) {
	// Insertion sort for small subsets, quicksort above that.
	if len(indices) > 64 {
		quickSortByFeature(X, indices, feature)
		return
	}
	for i := 1; i < len(indices); i++ {
		key := indices[i]
		keyVal := X.At(key, feature)
		j := i - 1
		for j >= 0 && X.At(indices[j], feature) > keyVal {
			indices[j+1] = indices[j]
			j--
		}
		indices[j+1] = key
	}
}

func quickSortByFeature(X mat.Matrix, indices []int, feature int) {
	if len(indices) < 2 {
		return
	}
	pivot := X.At(indices[len(indices)/2], feature)
	left, right := 0, len(indices)-1
	for left <= right {
		for X.At(indices[left], feature) < pivot {
			left++
		}
		for X.At(indices[right], feature) > pivot {
			right--
		}
		if left <= right {
			indices[left], indices[right] = indices[right], indices[left]
			left++
			right--
		}
	}
	quickSortByFeature(X, indices[:right+1], feature)
	quickSortByFeature(X, indices[left:], feature)
}

func (dt *DecisionTreeClassifier) impurity(counts []float64, n int) float64 {
	if n == 0 {
		return 0
	}
	switch dt.criterion {
	case "entropy":
		h := 0.0
		for _, c := range counts {
			if c > 0 {
				p := c / float64(n)
				h -= p * math.Log2(p)
			}
		}
		return h
	default: // gini
		g := 1.0
		for _, c := range counts {
			p := c / float64(n)
			g -= p * p
		}
		return g
	}
}

// Predict returns the majority class of the leaf each row lands in.
func (dt *DecisionTreeClassifier) Predict(X mat.Matrix) (mat.Matrix, error) {
	proba, err := dt.PredictProba(X)
	if err != nil {
		return nil, err
	}

	n, _ := proba.Dims()
	out := mat.NewDense(n, 1, nil)
	for i := 0; i < n; i++ {
		best, bestP := 0, proba.At(i, 0)
		for k := 1; k < dt.nClasses_; k++ {
			if proba.At(i, k) > bestP {
				best, bestP = k, proba.At(i, k)
			}
		}
		out.Set(i, 0, float64(best))
	}
	return out, nil
}

// PredictProba returns the class distribution of the leaf each row lands
// in.
func (dt *DecisionTreeClassifier) PredictProba(X mat.Matrix) (mat.Matrix, error) {
	if !dt.IsFitted() {
		return nil, errors.NewNotFittedError("DecisionTreeClassifier", "PredictProba")
	}
	n, p := X.Dims()
	if p != dt.nFeatures_ {
		return nil, errors.NewDimensionError("DecisionTreeClassifier.PredictProba", dt.nFeatures_, p, 1)
	}

	out := mat.NewDense(n, dt.nClasses_, nil)
	for i := 0; i < n; i++ {
		nd := dt.root
		for !nd.leaf {
			if X.At(i, nd.feature) <= nd.threshold {
				nd = nd.left
			} else {
				nd = nd.right
			}
		}
		for k := 0; k < dt.nClasses_; k++ {
			out.Set(i, k, nd.classCounts[k]/float64(nd.samples))
		}
	}
	return out, nil
}

// Score returns accuracy on (X, y). An unfitted or failing model scores 0.
func (dt *DecisionTreeClassifier) Score(X, y mat.Matrix) float64 {
	yPred, err := dt.Predict(X)
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
func (dt *DecisionTreeClassifier) Classes() []int {
	classes := make([]int, dt.nClasses_)
	for i := range classes {
		classes[i] = i
	}
	return classes
}

// GetFeatureImportances returns normalized impurity-decrease importances.
func (dt *DecisionTreeClassifier) GetFeatureImportances() []float64 {
	out := make([]float64, len(dt.importances_))
	copy(out, dt.importances_)
	return out
}

// GetDepth returns the depth of the fitted tree.
func (dt *DecisionTreeClassifier) GetDepth() int {
	return dt.depth_
}

// GetNLeaves returns the number of leaves of the fitted tree.
func (dt *DecisionTreeClassifier) GetNLeaves() int {
	return dt.nLeaves_
}

// GetParams returns the hyperparameters.
func (dt *DecisionTreeClassifier) GetParams() map[string]interface{} {
	return map[string]interface{}{
		"criterion":         dt.criterion,
		"max_depth":         dt.maxDepth,
		"min_samples_split": dt.minSamplesSplit,
		"min_samples_leaf":  dt.minSamplesLeaf,
		"max_features":      dt.maxFeatures,
		"random_state":      dt.randomState,
	}
}

// SetParams updates hyperparameters from a map. Unknown keys are an error.
func (dt *DecisionTreeClassifier) SetParams(params map[string]interface{}) error {
	for key, value := range params {
		switch key {
		case "criterion":
			v, ok := value.(string)
			if !ok {
				return errors.NewValidationError(key, "must be a string", value)
			}
			dt.criterion = v
		case "max_depth":
			v, ok := value.(int)
			if !ok {
				return errors.NewValidationError(key, "must be an int", value)
			}
			dt.maxDepth = v
		case "min_samples_split":
			v, ok := value.(int)
			if !ok {
				return errors.NewValidationError(key, "must be an int", value)
			}
			dt.minSamplesSplit = v
		case "min_samples_leaf":
			v, ok := value.(int)
			if !ok {
				return errors.NewValidationError(key, "must be an int", value)
			}
			dt.minSamplesLeaf = v
		case "max_features":
			v, ok := value.(int)
			if !ok {
				return errors.NewValidationError(key, "must be an int", value)
			}
			dt.maxFeatures = v
		case "random_state":
			v, ok := value.(uint64)
			if !ok {
				return errors.NewValidationError(key, "must be a uint64", value)
			}
			dt.randomState = v
		default:
			return errors.NewValidationError(key, "unknown parameter", value)
		}
	}
	return nil
}
