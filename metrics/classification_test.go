package metrics

import (
	"math"
	"strings"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestAccuracy(t *testing.T) {
	tests := []struct {
		name    string
		yTrue   []float64
		yPred   []float64
		want    float64
		wantErr bool
	}{
		{
			name:  "perfect",
			yTrue: []float64{0, 1, 2, 1},
			yPred: []float64{0, 1, 2, 1},
			want:  1.0,
		},
		{
			name:  "half",
			yTrue: []float64{0, 1, 2, 1},
			yPred: []float64{0, 1, 0, 0},
			want:  0.5,
		},
		{
			name:  "all wrong",
			yTrue: []float64{0, 0},
			yPred: []float64{1, 1},
			want:  0.0,
		},
		{
			name:    "dimension mismatch",
			yTrue:   []float64{0, 1},
			yPred:   []float64{0},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			yTrue := mat.NewDense(len(tt.yTrue), 1, tt.yTrue)
			yPred := mat.NewDense(len(tt.yPred), 1, tt.yPred)

			got, err := Accuracy(yTrue, yPred)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Accuracy() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Accuracy() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPrecisionRecallF1(t *testing.T) {
	// Class 0: tp=2, fp=1, fn=0. Class 1: tp=1, fp=0, fn=1.
	yTrue := mat.NewDense(4, 1, []float64{0, 0, 1, 1})
	yPred := mat.NewDense(4, 1, []float64{0, 0, 0, 1})

	perClass, err := PrecisionRecallF1(yTrue, yPred, 2)
	if err != nil {
		t.Fatalf("PrecisionRecallF1 failed: %v", err)
	}

	if math.Abs(perClass[0].Precision-2.0/3.0) > 1e-9 {
		t.Errorf("class 0 precision = %v, want 2/3", perClass[0].Precision)
	}
	if perClass[0].Recall != 1.0 {
		t.Errorf("class 0 recall = %v, want 1", perClass[0].Recall)
	}
	if perClass[1].Precision != 1.0 {
		t.Errorf("class 1 precision = %v, want 1", perClass[1].Precision)
	}
	if perClass[1].Recall != 0.5 {
		t.Errorf("class 1 recall = %v, want 0.5", perClass[1].Recall)
	}
	if perClass[0].Support != 2 || perClass[1].Support != 2 {
		t.Errorf("unexpected supports: %+v", perClass)
	}
}

func TestPrecisionRecallF1Undefined(t *testing.T) {
	// Class 2 never appears in truth or prediction: all metrics 0.
	yTrue := mat.NewDense(2, 1, []float64{0, 1})
	yPred := mat.NewDense(2, 1, []float64{0, 1})

	perClass, err := PrecisionRecallF1(yTrue, yPred, 3)
	if err != nil {
		t.Fatalf("PrecisionRecallF1 failed: %v", err)
	}
	if perClass[2].Precision != 0 || perClass[2].Recall != 0 || perClass[2].F1 != 0 {
		t.Errorf("absent class should report zeros, got %+v", perClass[2])
	}
}

func TestMacroF1(t *testing.T) {
	yTrue := mat.NewDense(4, 1, []float64{0, 0, 1, 1})
	yPred := mat.NewDense(4, 1, []float64{0, 0, 1, 1})

	f1, err := MacroF1(yTrue, yPred, 2)
	if err != nil {
		t.Fatalf("MacroF1 failed: %v", err)
	}
	if f1 != 1.0 {
		t.Errorf("MacroF1 = %v, want 1", f1)
	}
}

func TestConfusionMatrix(t *testing.T) {
	yTrue := mat.NewDense(5, 1, []float64{0, 0, 1, 1, 1})
	yPred := mat.NewDense(5, 1, []float64{0, 1, 1, 1, 0})

	cm, err := ConfusionMatrix(yTrue, yPred, 2)
	if err != nil {
		t.Fatalf("ConfusionMatrix failed: %v", err)
	}

	want := [][]float64{{1, 1}, {1, 2}}
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			if cm.At(i, j) != want[i][j] {
				t.Errorf("cm[%d][%d] = %v, want %v", i, j, cm.At(i, j), want[i][j])
			}
		}
	}
}

func TestClassificationReport(t *testing.T) {
	yTrue := mat.NewDense(4, 1, []float64{0, 0, 1, 1})
	yPred := mat.NewDense(4, 1, []float64{0, 0, 0, 1})

	report, err := ClassificationReport(yTrue, yPred, []string{"Bearing", "Valve"})
	if err != nil {
		t.Fatalf("ClassificationReport failed: %v", err)
	}

	for _, want := range []string{"Bearing", "Valve", "macro avg", "weighted avg", "accuracy"} {
		if !strings.Contains(report, want) {
			t.Errorf("report missing %q:\n%s", want, report)
		}
	}
}
