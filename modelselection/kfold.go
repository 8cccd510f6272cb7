package modelselection

import (
	"math"
	"math/rand/v2"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/senslab/faultclass/core/model"
	"github.com/senslab/faultclass/metrics"
	"github.com/senslab/faultclass/pkg/errors"
)

// CVFold is one train/test index pair of a cross-validation split.
type CVFold struct {
	TrainIndices []int
	TestIndices  []int
}

// StratifiedKFold splits rows into k folds preserving class proportions:
// each class's rows are distributed across folds so no fold deviates from
// the global proportion by more than one row per class.
type StratifiedKFold struct {
	NSplits int
	Shuffle bool
	Seed    uint64
}

// NewStratifiedKFold creates a splitter with nSplits folds.
func NewStratifiedKFold(nSplits int, shuffle bool, seed uint64) *StratifiedKFold {
	if nSplits < 2 {
		nSplits = 5
	}
	return &StratifiedKFold{NSplits: nSplits, Shuffle: shuffle, Seed: seed}
}

// Split generates the folds from the n x 1 class-label matrix y. A class
// with fewer rows than NSplits makes stratification impossible and is a
// fatal error.
func (skf *StratifiedKFold) Split(y mat.Matrix) ([]CVFold, error) {
	n, _ := y.Dims()
	if n == 0 {
		return nil, errors.NewModelError("StratifiedKFold.Split", "empty data", errors.ErrEmptyData)
	}

	classIndices := make(map[int][]int)
	classOrder := []int{}
	for i := 0; i < n; i++ {
		label := int(y.At(i, 0))
		if _, ok := classIndices[label]; !ok {
			classOrder = append(classOrder, label)
		}
		classIndices[label] = append(classIndices[label], i)
	}

	for _, label := range classOrder {
		if len(classIndices[label]) < skf.NSplits {
			return nil, errors.Newf(
				"faultclass: StratifiedKFold.Split: class %d has %d rows, fewer than %d folds; stratification infeasible",
				label, len(classIndices[label]), skf.NSplits)
		}
	}

	if skf.Shuffle {
		rng := rand.New(rand.NewPCG(skf.Seed, skf.Seed))
		for _, label := range classOrder {
			indices := classIndices[label]
			rng.Shuffle(len(indices), func(i, j int) {
				indices[i], indices[j] = indices[j], indices[i]
			})
		}
	}

	folds := make([]CVFold, skf.NSplits)

	// Distribute each class across folds in contiguous chunks of size
	// floor(n_class/k) or that plus one; fold sizes per class differ by at
	// most one row.
	for _, label := range classOrder {
		indices := classIndices[label]
		nClass := len(indices)
		foldSize := nClass / skf.NSplits
		remainder := nClass % skf.NSplits

		cursor := 0
		for f := 0; f < skf.NSplits; f++ {
			take := foldSize
			if f < remainder {
				take++
			}
			folds[f].TestIndices = append(folds[f].TestIndices, indices[cursor:cursor+take]...)
			cursor += take
		}
	}

	for f := range folds {
		inTest := make(map[int]bool, len(folds[f].TestIndices))
		for _, idx := range folds[f].TestIndices {
			inTest[idx] = true
		}
		for i := 0; i < n; i++ {
			if !inTest[i] {
				folds[f].TrainIndices = append(folds[f].TrainIndices, i)
			}
		}
	}

	return folds, nil
}

// FoldScore holds the evaluation of one fold.
type FoldScore struct {
	Accuracy float64
	MacroF1  float64
}

// CVResult stores per-fold cross-validation scores.
type CVResult struct {
	Folds []FoldScore
}

// MeanAccuracy returns the mean fold accuracy.
func (r *CVResult) MeanAccuracy() float64 {
	return mean(r.accuracies())
}

// StdAccuracy returns the sample standard deviation of fold accuracies.
func (r *CVResult) StdAccuracy() float64 {
	return std(r.accuracies())
}

// MeanMacroF1 returns the mean fold macro F1.
func (r *CVResult) MeanMacroF1() float64 {
	return mean(r.macroF1s())
}

// StdMacroF1 returns the sample standard deviation of fold macro F1 scores.
func (r *CVResult) StdMacroF1() float64 {
	return std(r.macroF1s())
}

func (r *CVResult) accuracies() []float64 {
	out := make([]float64, len(r.Folds))
	for i, f := range r.Folds {
		out[i] = f.Accuracy
	}
	return out
}

func (r *CVResult) macroF1s() []float64 {
	out := make([]float64, len(r.Folds))
	for i, f := range r.Folds {
		out[i] = f.MacroF1
	}
	return out
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func std(xs []float64) float64 {
	if len(xs) <= 1 {
		return 0
	}
	m := mean(xs)
	sumSq := 0.0
	for _, x := range xs {
		diff := x - m
		sumSq += diff * diff
	}
	return math.Sqrt(sumSq / float64(len(xs)-1))
}

// CrossValidate fits a fresh model per fold (via factory) and scores
// accuracy and macro F1 on the held-out fold. nClasses is the total class
// count of y.
func CrossValidate(factory func() model.Classifier, X, y mat.Matrix, splitter *StratifiedKFold, nClasses int) (*CVResult, error) {
	folds, err := splitter.Split(y)
	if err != nil {
		return nil, err
	}

	result := &CVResult{Folds: make([]FoldScore, len(folds))}
	foldErrs := make([]error, len(folds))

	var wg sync.WaitGroup
	for f := range folds {
		wg.Add(1)
		go func(f int) {
			defer wg.Done()

			fold := folds[f]
			XTrain, yTrain := Subset(X, y, fold.TrainIndices)
			XTest, yTest := Subset(X, y, fold.TestIndices)

			clf := factory()
			if err := clf.Fit(XTrain, yTrain); err != nil {
				foldErrs[f] = errors.Wrapf(err, "fold %d training", f)
				return
			}
			yPred, err := clf.Predict(XTest)
			if err != nil {
				foldErrs[f] = errors.Wrapf(err, "fold %d prediction", f)
				return
			}
			acc, err := metrics.Accuracy(yTest, yPred)
			if err != nil {
				foldErrs[f] = errors.Wrapf(err, "fold %d accuracy", f)
				return
			}
			f1, err := metrics.MacroF1(yTest, yPred, nClasses)
			if err != nil {
				foldErrs[f] = errors.Wrapf(err, "fold %d macro F1", f)
				return
			}
			result.Folds[f] = FoldScore{Accuracy: acc, MacroF1: f1}
		}(f)
	}
	wg.Wait()

	for _, err := range foldErrs {
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}
