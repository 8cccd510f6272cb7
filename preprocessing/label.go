// Package preprocessing holds the encoders and scalers applied between the
// raw dataset and the model trainers.
package preprocessing

import (
	"sort"
	"strconv"

	"gonum.org/v1/gonum/mat"

	"github.com/senslab/faultclass/core/model"
	"github.com/senslab/faultclass/pkg/errors"
)

// LabelEncoder maps class label strings to a contiguous integer range
// [0, n_classes). The mapping is fitted once, on training labels only, and
// applied unchanged to validation and test labels; transforming a label the
// encoder has never seen is an error.
type LabelEncoder struct {
	model.BaseEstimator

	classes []string
	index   map[string]int
}

// NewLabelEncoder creates an unfitted LabelEncoder.
func NewLabelEncoder() *LabelEncoder {
	return &LabelEncoder{}
}

// Fit learns the label set. Classes are sorted so the encoding does not
// depend on row order.
func (e *LabelEncoder) Fit(labels []string) error {
	if len(labels) == 0 {
		return errors.NewModelError("LabelEncoder.Fit", "empty labels", errors.ErrEmptyData)
	}

	seen := make(map[string]bool, len(labels))
	e.classes = e.classes[:0]
	for _, label := range labels {
		if !seen[label] {
			seen[label] = true
			e.classes = append(e.classes, label)
		}
	}
	sort.Strings(e.classes)

	e.index = make(map[string]int, len(e.classes))
	for i, class := range e.classes {
		e.index[class] = i
	}

	e.SetFitted()
	return nil
}

// Transform encodes labels to an n x 1 matrix of class indices. A label not
// seen during Fit fails the whole transform.
func (e *LabelEncoder) Transform(labels []string) (*mat.Dense, error) {
	if !e.IsFitted() {
		return nil, errors.NewNotFittedError("LabelEncoder", "Transform")
	}

	y := mat.NewDense(len(labels), 1, nil)
	for i, label := range labels {
		idx, ok := e.index[label]
		if !ok {
			return nil, errors.NewValueError("LabelEncoder.Transform",
				"unseen label "+strconv.Quote(label)+" at row "+strconv.Itoa(i))
		}
		y.Set(i, 0, float64(idx))
	}
	return y, nil
}

// FitTransform fits on labels and encodes the same labels.
func (e *LabelEncoder) FitTransform(labels []string) (*mat.Dense, error) {
	if err := e.Fit(labels); err != nil {
		return nil, err
	}
	return e.Transform(labels)
}

// InverseTransform decodes an n x 1 matrix of class indices back to label
// strings.
func (e *LabelEncoder) InverseTransform(y mat.Matrix) ([]string, error) {
	if !e.IsFitted() {
		return nil, errors.NewNotFittedError("LabelEncoder", "InverseTransform")
	}

	n, _ := y.Dims()
	labels := make([]string, n)
	for i := 0; i < n; i++ {
		idx := int(y.At(i, 0))
		if idx < 0 || idx >= len(e.classes) {
			return nil, errors.NewValueError("LabelEncoder.InverseTransform",
				"class index "+strconv.Itoa(idx)+" out of range")
		}
		labels[i] = e.classes[idx]
	}
	return labels, nil
}

// Classes returns the fitted label set in encoding order.
func (e *LabelEncoder) Classes() []string {
	return e.classes
}

// NumClasses returns the number of fitted classes.
func (e *LabelEncoder) NumClasses() int {
	return len(e.classes)
}

// OneHot expands an n x 1 matrix of class indices into an n x nClasses
// one-hot matrix. Every row has exactly one 1.
func OneHot(y mat.Matrix, nClasses int) (*mat.Dense, error) {
	n, c := y.Dims()
	if c != 1 {
		return nil, errors.NewDimensionError("preprocessing.OneHot", 1, c, 1)
	}
	if nClasses < 2 {
		return nil, errors.NewValidationError("nClasses", "need at least two classes", nClasses)
	}

	out := mat.NewDense(n, nClasses, nil)
	for i := 0; i < n; i++ {
		idx := int(y.At(i, 0))
		if idx < 0 || idx >= nClasses {
			return nil, errors.NewValueError("preprocessing.OneHot",
				"class index "+strconv.Itoa(idx)+" outside [0,"+strconv.Itoa(nClasses)+")")
		}
		out.Set(i, idx, 1)
	}
	return out, nil
}
