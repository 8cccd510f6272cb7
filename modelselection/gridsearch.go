package modelselection

import (
	"runtime"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/senslab/faultclass/core/model"
	"github.com/senslab/faultclass/pkg/errors"
)

// ParamGrid enumerates the Cartesian product of named hyperparameter value
// lists. Combinations are generated in lexicographic order of the Add
// calls, first-added parameter varying slowest.
type ParamGrid struct {
	names  []string
	values [][]any
}

// NewParamGrid creates an empty grid.
func NewParamGrid() *ParamGrid {
	return &ParamGrid{}
}

// Add appends a parameter and its candidate values. Returns the grid for
// chaining.
func (g *ParamGrid) Add(name string, values ...any) *ParamGrid {
	g.names = append(g.names, name)
	g.values = append(g.values, values)
	return g
}

// Size returns the number of combinations.
func (g *ParamGrid) Size() int {
	if len(g.values) == 0 {
		return 0
	}
	size := 1
	for _, vs := range g.values {
		size *= len(vs)
	}
	return size
}

// Combinations materializes every parameter combination.
func (g *ParamGrid) Combinations() []map[string]any {
	combos := []map[string]any{{}}
	for p, name := range g.names {
		next := make([]map[string]any, 0, len(combos)*len(g.values[p]))
		for _, combo := range combos {
			for _, v := range g.values[p] {
				expanded := make(map[string]any, len(combo)+1)
				for k, val := range combo {
					expanded[k] = val
				}
				expanded[name] = v
				next = append(next, expanded)
			}
		}
		combos = next
	}
	return combos
}

// CandidateScore is the cross-validated score of one combination.
type CandidateScore struct {
	Params       map[string]any
	MeanAccuracy float64
	StdAccuracy  float64
}

// GridSearchResult holds the outcome of a grid search.
type GridSearchResult struct {
	BestParams map[string]any
	BestScore  float64
	BestIndex  int
	Scores     []CandidateScore // grid order
}

// GridSearchCV evaluates every combination of grid by stratified k-fold
// cross-validation mean accuracy and selects the best; ties keep the
// earliest combination in grid order, so the result is never worse than the
// first combination tried. Trials fan out across available processors; the
// call blocks until all complete.
func GridSearchCV(factory func(params map[string]any) (model.Classifier, error),
	grid *ParamGrid, X, y mat.Matrix, splitter *StratifiedKFold, nClasses int) (*GridSearchResult, error) {

	combos := grid.Combinations()
	if len(combos) == 0 {
		return nil, errors.NewValidationError("grid", "no parameter combinations", grid.Size())
	}

	scores := make([]CandidateScore, len(combos))
	comboErrs := make([]error, len(combos))

	workers := runtime.NumCPU()
	if workers > len(combos) {
		workers = len(combos)
	}
	jobs := make(chan int)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for c := range jobs {
				params := combos[c]
				cv, err := CrossValidate(func() model.Classifier {
					clf, ferr := factory(params)
					if ferr != nil {
						// Surfaced below through the Fit call.
						return &brokenClassifier{err: ferr}
					}
					return clf
				}, X, y, splitter, nClasses)
				if err != nil {
					comboErrs[c] = errors.Wrapf(err, "grid combination %d", c)
					continue
				}
				scores[c] = CandidateScore{
					Params:       params,
					MeanAccuracy: cv.MeanAccuracy(),
					StdAccuracy:  cv.StdAccuracy(),
				}
			}
		}()
	}
	for c := range combos {
		jobs <- c
	}
	close(jobs)
	wg.Wait()

	for _, err := range comboErrs {
		if err != nil {
			return nil, err
		}
	}

	best := 0
	for c := 1; c < len(scores); c++ {
		if scores[c].MeanAccuracy > scores[best].MeanAccuracy {
			best = c
		}
	}

	return &GridSearchResult{
		BestParams: scores[best].Params,
		BestScore:  scores[best].MeanAccuracy,
		BestIndex:  best,
		Scores:     scores,
	}, nil
}

// brokenClassifier defers a factory error to the Fit call inside
// CrossValidate so it surfaces through the usual error path.
type brokenClassifier struct {
	err error
}

func (b *brokenClassifier) Fit(X, y mat.Matrix) error                  { return b.err }
func (b *brokenClassifier) IsFitted() bool                             { return false }
func (b *brokenClassifier) Predict(X mat.Matrix) (mat.Matrix, error)   { return nil, b.err }
func (b *brokenClassifier) PredictProba(X mat.Matrix) (mat.Matrix, error) { return nil, b.err }
func (b *brokenClassifier) Classes() []int                             { return nil }
