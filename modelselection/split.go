// Package modelselection provides the row partitioning machinery: random
// train/validation/test splits, stratified k-fold cross-validation and
// exhaustive grid search.
package modelselection

import (
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"

	"github.com/senslab/faultclass/pkg/errors"
)

// TrainTestSplit partitions rows of X and y into two disjoint groups, the
// second holding ceil(testFraction * n) rows chosen uniformly at random.
func TrainTestSplit(X, y mat.Matrix, testFraction float64, rng *rand.Rand) (XTrain, XTest, yTrain, yTest *mat.Dense, err error) {
	n, _ := X.Dims()
	ny, _ := y.Dims()
	if n == 0 {
		return nil, nil, nil, nil, errors.NewModelError("TrainTestSplit", "empty data", errors.ErrEmptyData)
	}
	if ny != n {
		return nil, nil, nil, nil, errors.NewDimensionError("TrainTestSplit", n, ny, 0)
	}
	if testFraction <= 0 || testFraction >= 1 {
		return nil, nil, nil, nil, errors.NewValidationError("testFraction", "must be in (0, 1)", testFraction)
	}

	indices := rng.Perm(n)
	nTest := int(float64(n)*testFraction + 0.5)
	if nTest == 0 {
		nTest = 1
	}
	testIdx := indices[:nTest]
	trainIdx := indices[nTest:]

	XTrain, yTrain = Subset(X, y, trainIdx)
	XTest, yTest = Subset(X, y, testIdx)
	return XTrain, XTest, yTrain, yTest, nil
}

// SplitSet holds the three aligned feature/label partitions.
type SplitSet struct {
	XTrain, XVal, XTest *mat.Dense
	YTrain, YVal, YTest *mat.Dense
}

// TrainValTestSplit performs the two sequential random splits used by the
// pipeline: 30% of rows are carved out first, then that pool is divided
// evenly into validation and test halves, giving 70/15/15. Both splits draw
// from the same source so a fixed seed reproduces the partition exactly.
func TrainValTestSplit(X, y mat.Matrix, rng *rand.Rand) (*SplitSet, error) {
	XTrain, XPool, yTrain, yPool, err := TrainTestSplit(X, y, 0.3, rng)
	if err != nil {
		return nil, err
	}
	XVal, XTest, yVal, yTest, err := TrainTestSplit(XPool, yPool, 0.5, rng)
	if err != nil {
		return nil, err
	}
	return &SplitSet{
		XTrain: XTrain, XVal: XVal, XTest: XTest,
		YTrain: yTrain, YVal: yVal, YTest: yTest,
	}, nil
}

// Subset extracts the given rows of X and y into new matrices.
func Subset(X, y mat.Matrix, indices []int) (*mat.Dense, *mat.Dense) {
	_, xCols := X.Dims()
	_, yCols := y.Dims()

	xSub := mat.NewDense(len(indices), xCols, nil)
	ySub := mat.NewDense(len(indices), yCols, nil)
	for i, idx := range indices {
		for j := 0; j < xCols; j++ {
			xSub.Set(i, j, X.At(idx, j))
		}
		for j := 0; j < yCols; j++ {
			ySub.Set(i, j, y.At(idx, j))
		}
	}
	return xSub, ySub
}

// Concat stacks two aligned (X, y) pairs row-wise. The pipeline uses it to
// recombine the train/validation/test partitions for cross-validation.
func Concat(Xs []*mat.Dense, ys []*mat.Dense) (*mat.Dense, *mat.Dense) {
	total := 0
	for _, X := range Xs {
		r, _ := X.Dims()
		total += r
	}
	_, cols := Xs[0].Dims()
	_, yCols := ys[0].Dims()

	X := mat.NewDense(total, cols, nil)
	y := mat.NewDense(total, yCols, nil)
	row := 0
	for k, Xk := range Xs {
		r, _ := Xk.Dims()
		for i := 0; i < r; i++ {
			for j := 0; j < cols; j++ {
				X.Set(row, j, Xk.At(i, j))
			}
			for j := 0; j < yCols; j++ {
				y.Set(row, j, ys[k].At(i, j))
			}
			row++
		}
	}
	return X, y
}
