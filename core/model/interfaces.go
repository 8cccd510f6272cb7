// Package model defines the estimator interfaces shared by the four
// classifier families and the explanation engines.
package model

import (
	"gonum.org/v1/gonum/mat"
)

// Estimator is the minimal interface for fittable models.
type Estimator interface {
	// Fit trains the model on X (n_samples x n_features) and integer class
	// labels y (n_samples x 1).
	Fit(X, y mat.Matrix) error

	// IsFitted reports whether Fit completed successfully.
	IsFitted() bool
}

// Predictor is the interface for models that predict class labels.
type Predictor interface {
	// Predict returns the predicted class index for each row of X as an
	// n_samples x 1 matrix.
	Predict(X mat.Matrix) (mat.Matrix, error)
}

// Classifier is the capability every explanation engine programs against:
// a fitted model exposing a class-probability distribution per row. All
// four model families in this repository implement it.
type Classifier interface {
	Estimator
	Predictor

	// PredictProba returns an n_samples x n_classes matrix of class
	// probabilities; each row sums to 1.
	PredictProba(X mat.Matrix) (mat.Matrix, error)

	// Classes returns the contiguous class indices seen during fitting.
	Classes() []int
}

// FeatureRanker is implemented by tree-based models that expose a relative
// feature-importance vector.
type FeatureRanker interface {
	// GetFeatureImportances returns one non-negative weight per feature,
	// normalized to sum to 1.
	GetFeatureImportances() []float64
}
