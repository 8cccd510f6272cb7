// Package ensemble provides the tree ensembles: bootstrap-aggregated random
// forests and multiclass gradient-boosted trees.
package ensemble

import (
	"math"
	"math/rand/v2"
	"runtime"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/senslab/faultclass/core/model"
	"github.com/senslab/faultclass/pkg/errors"
	"github.com/senslab/faultclass/tree"
)

// RandomForestClassifier bags decision trees: each tree fits a bootstrap
// resample of the rows and considers a random sqrt(p) subset of features at
// every split. Predictions average the per-tree class distributions.
type RandomForestClassifier struct {
	model.BaseEstimator

	nEstimators    int
	maxDepth       int
	minSamplesLeaf int
	maxFeatures    int // 0 resolves to sqrt(p) at fit time
	criterion      string
	seed           uint64

	trees        []*tree.DecisionTreeClassifier
	nClasses_    int
	nFeatures_   int
	importances_ []float64
}

// ForestOption configures a RandomForestClassifier.
type ForestOption func(*RandomForestClassifier)

// WithForestEstimators sets the number of trees.
func WithForestEstimators(n int) ForestOption {
	return func(rf *RandomForestClassifier) { rf.nEstimators = n }
}

// WithForestMaxDepth limits per-tree depth; 0 leaves growth unbounded.
func WithForestMaxDepth(depth int) ForestOption {
	return func(rf *RandomForestClassifier) { rf.maxDepth = depth }
}

// WithForestMinSamplesLeaf sets the per-tree leaf-size floor.
func WithForestMinSamplesLeaf(n int) ForestOption {
	return func(rf *RandomForestClassifier) { rf.minSamplesLeaf = n }
}

// WithForestMaxFeatures overrides the sqrt(p) per-split feature budget.
func WithForestMaxFeatures(n int) ForestOption {
	return func(rf *RandomForestClassifier) { rf.maxFeatures = n }
}

// WithForestCriterion sets the split criterion of every tree.
func WithForestCriterion(criterion string) ForestOption {
	return func(rf *RandomForestClassifier) { rf.criterion = criterion }
}

// WithForestSeed seeds bootstrap resampling and per-tree feature ordering.
func WithForestSeed(seed uint64) ForestOption {
	return func(rf *RandomForestClassifier) { rf.seed = seed }
}

// NewRandomForestClassifier creates a forest of 100 gini trees with
// unbounded depth, min_samples_leaf=1 and sqrt(p) feature subsampling.
func NewRandomForestClassifier(opts ...ForestOption) *RandomForestClassifier {
	rf := &RandomForestClassifier{
		nEstimators:    100,
		minSamplesLeaf: 1,
		criterion:      "gini",
		seed:           42,
	}
	for _, opt := range opts {
		opt(rf)
	}
	return rf
}

// Fit trains the forest. Trees fit concurrently; each draws its bootstrap
// sample from an independent source derived from the forest seed, so a
// fixed seed reproduces the forest regardless of scheduling.
func (rf *RandomForestClassifier) Fit(X, y mat.Matrix) error {
	n, p := X.Dims()
	ny, _ := y.Dims()
	if n == 0 || p == 0 {
		return errors.NewModelError("RandomForestClassifier.Fit", "empty data", errors.ErrEmptyData)
	}
	if ny != n {
		return errors.NewDimensionError("RandomForestClassifier.Fit", n, ny, 0)
	}
	if rf.nEstimators < 1 {
		return errors.NewValidationError("nEstimators", "must be at least 1", rf.nEstimators)
	}

	nClasses := 0
	for i := 0; i < n; i++ {
		if label := int(y.At(i, 0)) + 1; label > nClasses {
			nClasses = label
		}
	}
	rf.nClasses_ = nClasses
	rf.nFeatures_ = p

	maxFeatures := rf.maxFeatures
	if maxFeatures <= 0 {
		maxFeatures = int(math.Sqrt(float64(p)))
		if maxFeatures < 1 {
			maxFeatures = 1
		}
	}

	rf.trees = make([]*tree.DecisionTreeClassifier, rf.nEstimators)
	treeErrs := make([]error, rf.nEstimators)

	workers := runtime.NumCPU()
	if workers > rf.nEstimators {
		workers = rf.nEstimators
	}
	jobs := make(chan int)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for b := range jobs {
				treeSeed := rf.seed + uint64(b)
				rng := rand.New(rand.NewPCG(treeSeed, treeSeed))

				XBoot, yBoot := bootstrapSample(X, y, rng)
				opts := []tree.Option{
					tree.WithCriterion(rf.criterion),
					tree.WithMinSamplesLeaf(rf.minSamplesLeaf),
					tree.WithMaxFeatures(maxFeatures),
					tree.WithRandomState(treeSeed),
					tree.WithNumClasses(nClasses),
				}
				if rf.maxDepth > 0 {
					opts = append(opts, tree.WithMaxDepth(rf.maxDepth))
				}
				dt := tree.NewDecisionTreeClassifier(opts...)
				if err := dt.Fit(XBoot, yBoot); err != nil {
					treeErrs[b] = errors.Wrapf(err, "tree %d", b)
					continue
				}
				rf.trees[b] = dt
			}
		}()
	}
	for b := 0; b < rf.nEstimators; b++ {
		jobs <- b
	}
	close(jobs)
	wg.Wait()

	for _, err := range treeErrs {
		if err != nil {
			return err
		}
	}

	rf.importances_ = make([]float64, p)
	for _, dt := range rf.trees {
		for j, imp := range dt.GetFeatureImportances() {
			rf.importances_[j] += imp
		}
	}
	total := 0.0
	for _, imp := range rf.importances_ {
		total += imp
	}
	if total > 0 {
		for j := range rf.importances_ {
			rf.importances_[j] /= total
		}
	}

	rf.SetFitted()
	return nil
}

func bootstrapSample(X, y mat.Matrix, rng *rand.Rand) (*mat.Dense, *mat.Dense) {
	n, p := X.Dims()
	XBoot := mat.NewDense(n, p, nil)
	yBoot := mat.NewDense(n, 1, nil)
	for i := 0; i < n; i++ {
		src := rng.IntN(n)
		for j := 0; j < p; j++ {
			XBoot.Set(i, j, X.At(src, j))
		}
		yBoot.Set(i, 0, y.At(src, 0))
	}
	return XBoot, yBoot
}

// PredictProba averages the class distributions of every tree.
func (rf *RandomForestClassifier) PredictProba(X mat.Matrix) (mat.Matrix, error) {
	if !rf.IsFitted() {
		return nil, errors.NewNotFittedError("RandomForestClassifier", "PredictProba")
	}
	n, p := X.Dims()
	if p != rf.nFeatures_ {
		return nil, errors.NewDimensionError("RandomForestClassifier.PredictProba", rf.nFeatures_, p, 1)
	}

	out := mat.NewDense(n, rf.nClasses_, nil)
	for _, dt := range rf.trees {
		proba, err := dt.PredictProba(X)
		if err != nil {
			return nil, err
		}
		out.Add(out, proba)
	}
	out.Scale(1/float64(len(rf.trees)), out)
	return out, nil
}

// Predict returns the class with the highest averaged probability, which for
// hard-voting trees coincides with the majority vote.
func (rf *RandomForestClassifier) Predict(X mat.Matrix) (mat.Matrix, error) {
	proba, err := rf.PredictProba(X)
	if err != nil {
		return nil, err
	}
	return argmaxRows(proba), nil
}

// Score returns accuracy on (X, y).
func (rf *RandomForestClassifier) Score(X, y mat.Matrix) float64 {
	yPred, err := rf.Predict(X)
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
func (rf *RandomForestClassifier) Classes() []int {
	classes := make([]int, rf.nClasses_)
	for i := range classes {
		classes[i] = i
	}
	return classes
}

// GetFeatureImportances returns normalized impurity-decrease importances
// averaged across trees.
func (rf *RandomForestClassifier) GetFeatureImportances() []float64 {
	out := make([]float64, len(rf.importances_))
	copy(out, rf.importances_)
	return out
}

// NEstimators returns the number of fitted trees.
func (rf *RandomForestClassifier) NEstimators() int {
	return len(rf.trees)
}

func argmaxRows(proba mat.Matrix) *mat.Dense {
	n, k := proba.Dims()
	out := mat.NewDense(n, 1, nil)
	for i := 0; i < n; i++ {
		best, bestP := 0, proba.At(i, 0)
		for j := 1; j < k; j++ {
			if proba.At(i, j) > bestP {
				best, bestP = j, proba.At(i, j)
			}
		}
		out.Set(i, 0, float64(best))
	}
	return out
}
