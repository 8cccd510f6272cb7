// Package metrics implements the classification metrics reported by the
// pipeline: accuracy, per-class precision/recall/F1, macro averages,
// confusion matrices and a printable classification report.
package metrics

import (
	"fmt"
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/senslab/faultclass/pkg/errors"
)

// Accuracy returns the fraction of rows where yPred equals yTrue. Both are
// n x 1 matrices of class indices.
func Accuracy(yTrue, yPred mat.Matrix) (float64, error) {
	n, err := checkLabelPair("Accuracy", yTrue, yPred)
	if err != nil {
		return 0, err
	}

	correct := 0
	for i := 0; i < n; i++ {
		if yTrue.At(i, 0) == yPred.At(i, 0) {
			correct++
		}
	}
	return float64(correct) / float64(n), nil
}

// ClassMetrics holds precision, recall and F1 for one class.
type ClassMetrics struct {
	Precision float64
	Recall    float64
	F1        float64
	Support   int // rows whose true class is this class
}

// PrecisionRecallF1 computes per-class metrics for class indices
// [0, nClasses). Ill-defined cells (no predicted or no true rows for a
// class) are reported as 0.
func PrecisionRecallF1(yTrue, yPred mat.Matrix, nClasses int) ([]ClassMetrics, error) {
	n, err := checkLabelPair("PrecisionRecallF1", yTrue, yPred)
	if err != nil {
		return nil, err
	}
	if nClasses < 1 {
		return nil, errors.NewValidationError("nClasses", "must be positive", nClasses)
	}

	tp := make([]int, nClasses)
	fp := make([]int, nClasses)
	fn := make([]int, nClasses)

	for i := 0; i < n; i++ {
		truth := int(yTrue.At(i, 0))
		pred := int(yPred.At(i, 0))
		if truth < 0 || truth >= nClasses {
			return nil, errors.NewValueError("PrecisionRecallF1", fmt.Sprintf("true class %d outside [0,%d)", truth, nClasses))
		}
		if pred < 0 || pred >= nClasses {
			return nil, errors.NewValueError("PrecisionRecallF1", fmt.Sprintf("predicted class %d outside [0,%d)", pred, nClasses))
		}
		if truth == pred {
			tp[truth]++
		} else {
			fn[truth]++
			fp[pred]++
		}
	}

	result := make([]ClassMetrics, nClasses)
	for k := 0; k < nClasses; k++ {
		m := ClassMetrics{Support: tp[k] + fn[k]}
		if tp[k]+fp[k] > 0 {
			m.Precision = float64(tp[k]) / float64(tp[k]+fp[k])
		}
		if tp[k]+fn[k] > 0 {
			m.Recall = float64(tp[k]) / float64(tp[k]+fn[k])
		}
		if m.Precision+m.Recall > 0 {
			m.F1 = 2 * m.Precision * m.Recall / (m.Precision + m.Recall)
		}
		result[k] = m
	}
	return result, nil
}

// MacroF1 is the unweighted mean of per-class F1 scores.
func MacroF1(yTrue, yPred mat.Matrix, nClasses int) (float64, error) {
	perClass, err := PrecisionRecallF1(yTrue, yPred, nClasses)
	if err != nil {
		return 0, err
	}

	sum := 0.0
	for _, m := range perClass {
		sum += m.F1
	}
	return sum / float64(len(perClass)), nil
}

// ConfusionMatrix returns an nClasses x nClasses matrix whose (i, j) entry
// counts rows with true class i predicted as class j.
func ConfusionMatrix(yTrue, yPred mat.Matrix, nClasses int) (*mat.Dense, error) {
	n, err := checkLabelPair("ConfusionMatrix", yTrue, yPred)
	if err != nil {
		return nil, err
	}

	cm := mat.NewDense(nClasses, nClasses, nil)
	for i := 0; i < n; i++ {
		truth := int(yTrue.At(i, 0))
		pred := int(yPred.At(i, 0))
		if truth < 0 || truth >= nClasses || pred < 0 || pred >= nClasses {
			return nil, errors.NewValueError("ConfusionMatrix", fmt.Sprintf("class index outside [0,%d) at row %d", nClasses, i))
		}
		cm.Set(truth, pred, cm.At(truth, pred)+1)
	}
	return cm, nil
}

// ClassificationReport renders per-class precision/recall/F1/support plus
// macro and weighted averages, one class per line, in the familiar
// scikit-learn text layout. classNames maps class indices to display names.
func ClassificationReport(yTrue, yPred mat.Matrix, classNames []string) (string, error) {
	perClass, err := PrecisionRecallF1(yTrue, yPred, len(classNames))
	if err != nil {
		return "", err
	}

	nameWidth := len("weighted avg")
	for _, name := range classNames {
		if len(name) > nameWidth {
			nameWidth = len(name)
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%*s  precision  recall  f1-score  support\n\n", nameWidth, "")

	total := 0
	var macroP, macroR, macroF, weightedP, weightedR, weightedF float64
	for k, m := range perClass {
		fmt.Fprintf(&b, "%*s  %9.3f  %6.3f  %8.3f  %7d\n",
			nameWidth, classNames[k], m.Precision, m.Recall, m.F1, m.Support)
		total += m.Support
		macroP += m.Precision
		macroR += m.Recall
		macroF += m.F1
		weightedP += m.Precision * float64(m.Support)
		weightedR += m.Recall * float64(m.Support)
		weightedF += m.F1 * float64(m.Support)
	}

	nClasses := float64(len(perClass))
	acc, err := Accuracy(yTrue, yPred)
	if err != nil {
		return "", err
	}

	fmt.Fprintf(&b, "\n%*s  %9s  %6s  %8.3f  %7d\n", nameWidth, "accuracy", "", "", acc, total)
	fmt.Fprintf(&b, "%*s  %9.3f  %6.3f  %8.3f  %7d\n",
		nameWidth, "macro avg", macroP/nClasses, macroR/nClasses, macroF/nClasses, total)
	if total > 0 {
		fmt.Fprintf(&b, "%*s  %9.3f  %6.3f  %8.3f  %7d\n",
			nameWidth, "weighted avg",
			weightedP/float64(total), weightedR/float64(total), weightedF/float64(total), total)
	}
	return b.String(), nil
}

func checkLabelPair(op string, yTrue, yPred mat.Matrix) (int, error) {
	if yTrue == nil || yPred == nil {
		return 0, errors.NewValueError(op, "nil input")
	}
	n, c := yTrue.Dims()
	if n == 0 {
		return 0, errors.NewModelError(op, "empty data", errors.ErrEmptyData)
	}
	if c != 1 {
		return 0, errors.NewDimensionError(op, 1, c, 1)
	}
	np, cp := yPred.Dims()
	if np != n {
		return 0, errors.NewDimensionError(op, n, np, 0)
	}
	if cp != 1 {
		return 0, errors.NewDimensionError(op, 1, cp, 1)
	}
	return n, nil
}
