package explain

import (
	"math"
	"math/rand/v2"
	"testing"

	"gonum.org/v1/gonum/mat"
)

// linearModel scores class 1 by a logistic over a fixed linear function of
// feature 0 only, so feature 0 must dominate any faithful explanation.
type linearModel struct{}

func (linearModel) PredictProba(X mat.Matrix) (mat.Matrix, error) {
	n, _ := X.Dims()
	out := mat.NewDense(n, 2, nil)
	for i := 0; i < n; i++ {
		p1 := 1 / (1 + math.Exp(-2*X.At(i, 0)))
		out.Set(i, 0, 1-p1)
		out.Set(i, 1, p1)
	}
	return out, nil
}

func trainMatrix(n, p int, seed uint64) *mat.Dense {
	rng := rand.New(rand.NewPCG(seed, seed))
	X := mat.NewDense(n, p, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < p; j++ {
			X.Set(i, j, rng.NormFloat64())
		}
	}
	return X
}

func TestLIMEExplainFiniteAndRanked(t *testing.T) {
	train := trainMatrix(200, 4, 1)
	explainer, err := NewLIMEExplainer(train, []string{"Pressure", "Temperature", "Flow", "Vibration"}, nil,
		WithLIMESamples(500))
	if err != nil {
		t.Fatalf("NewLIMEExplainer failed: %v", err)
	}

	x := []float64{2.0, 0.1, -0.3, 0.2}
	rng := rand.New(rand.NewPCG(42, 42))
	exp, err := explainer.Explain(linearModel{}, x, 1, rng)
	if err != nil {
		t.Fatalf("Explain failed: %v", err)
	}

	if len(exp.Contributions) != 4 {
		t.Fatalf("got %d contributions, want 4", len(exp.Contributions))
	}
	for _, c := range exp.Contributions {
		if math.IsNaN(c.Weight) || math.IsInf(c.Weight, 0) {
			t.Errorf("contribution %s not finite: %v", c.Name, c.Weight)
		}
	}
	// Descending by magnitude.
	for i := 1; i < len(exp.Contributions); i++ {
		if math.Abs(exp.Contributions[i].Weight) > math.Abs(exp.Contributions[i-1].Weight)+1e-12 {
			t.Errorf("contributions not sorted at %d: %v", i, exp.Contributions)
		}
	}
	if exp.Contributions[0].Feature != 0 {
		t.Errorf("feature 0 drives the model but ranked feature %d first", exp.Contributions[0].Feature)
	}
	if exp.LocalProba <= 0.5 {
		t.Errorf("instance with feature 0 = 2 should favor class 1, proba = %v", exp.LocalProba)
	}
}

func TestLIMERankStableForFixedSeed(t *testing.T) {
	train := trainMatrix(150, 3, 2)
	explainer, err := NewLIMEExplainer(train, nil, nil, WithLIMESamples(400))
	if err != nil {
		t.Fatalf("NewLIMEExplainer failed: %v", err)
	}

	x := []float64{1.5, -0.5, 0.0}
	run := func() []int {
		rng := rand.New(rand.NewPCG(7, 7))
		exp, err := explainer.Explain(linearModel{}, x, 1, rng)
		if err != nil {
			t.Fatalf("Explain failed: %v", err)
		}
		order := make([]int, len(exp.Contributions))
		for i, c := range exp.Contributions {
			order[i] = c.Feature
		}
		return order
	}

	a, b := run(), run()
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("ranking differs between identical runs: %v vs %v", a, b)
		}
	}
}

func TestLIMETruncatesToMaxFeatures(t *testing.T) {
	train := trainMatrix(100, 12, 3)
	explainer, err := NewLIMEExplainer(train, nil, nil, WithLIMESamples(300))
	if err != nil {
		t.Fatalf("NewLIMEExplainer failed: %v", err)
	}

	x := make([]float64, 12)
	rng := rand.New(rand.NewPCG(5, 5))
	exp, err := explainer.Explain(linearModel{}, x, 0, rng)
	if err != nil {
		t.Fatalf("Explain failed: %v", err)
	}
	if len(exp.Contributions) != 10 {
		t.Errorf("got %d contributions, want 10", len(exp.Contributions))
	}
}

func TestLIMEValidation(t *testing.T) {
	train := trainMatrix(50, 3, 4)
	explainer, err := NewLIMEExplainer(train, nil, nil, WithLIMESamples(100))
	if err != nil {
		t.Fatalf("NewLIMEExplainer failed: %v", err)
	}

	rng := rand.New(rand.NewPCG(1, 1))
	if _, err := explainer.Explain(linearModel{}, []float64{1, 2}, 0, rng); err == nil {
		t.Error("wrong instance length should be rejected")
	}
	if _, err := explainer.Explain(linearModel{}, []float64{1, 2, 3}, 9, rng); err == nil {
		t.Error("class index beyond model output should be rejected")
	}
	if _, err := NewLIMEExplainer(train, []string{"only"}, nil); err == nil {
		t.Error("wrong featureNames length should be rejected")
	}
}

func TestQuartileDescriptions(t *testing.T) {
	// Feature values 0..99: quartiles near 24.75, 49.5, 74.25.
	train := mat.NewDense(100, 1, nil)
	for i := 0; i < 100; i++ {
		train.Set(i, 0, float64(i))
	}
	explainer, err := NewLIMEExplainer(train, []string{"Load"}, nil)
	if err != nil {
		t.Fatalf("NewLIMEExplainer failed: %v", err)
	}

	tests := []struct {
		value float64
		want  string
	}{
		{10, "Load <= 24.750"},
		{30, "24.750 < Load <= 49.500"},
		{60, "49.500 < Load <= 74.250"},
		{90, "Load > 74.250"},
	}
	for _, tt := range tests {
		if got := explainer.describe(0, tt.value); got != tt.want {
			t.Errorf("describe(%v) = %q, want %q", tt.value, got, tt.want)
		}
	}
}
