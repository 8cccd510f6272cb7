// Package pipeline wires the full study together: load and audit the
// sensor table, split and encode, train the four classifiers, evaluate each
// on the held-out test rows and produce the local and global explanations.
package pipeline

import (
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"

	"github.com/senslab/faultclass/charts"
	"github.com/senslab/faultclass/core/model"
	"github.com/senslab/faultclass/dataset"
	"github.com/senslab/faultclass/ensemble"
	"github.com/senslab/faultclass/explain"
	"github.com/senslab/faultclass/metrics"
	"github.com/senslab/faultclass/modelselection"
	"github.com/senslab/faultclass/neural"
	"github.com/senslab/faultclass/pkg/errors"
	"github.com/senslab/faultclass/pkg/log"
	"github.com/senslab/faultclass/preprocessing"
	"github.com/senslab/faultclass/tree"
)

// Config carries every pipeline setting. Zero values fall back to the
// defaults applied in Run.
type Config struct {
	DataPath        string
	TargetColumn    string
	TimestampColumn string
	OutputDir       string // empty disables chart and text artifacts
	Seed            uint64

	Epochs      int
	BatchSize   int
	ForestTrees int
	LIMESamples int

	// GridSearch tunes the boosted model over Grid (DefaultGBTGrid when
	// nil) instead of using its defaults.
	GridSearch bool
	Grid       *modelselection.ParamGrid
}

// DefaultGBTGrid is the hyperparameter grid the boosted model is tuned
// over.
func DefaultGBTGrid() *modelselection.ParamGrid {
	return modelselection.NewParamGrid().
		Add("n_estimators", 50, 100, 150).
		Add("max_depth", 5, 10, 15, 20).
		Add("learning_rate", 0.1, 0.2).
		Add("subsample", 0.8, 1.0).
		Add("colsample_bytree", 0.8, 1.0)
}

// ModelEvaluation is one classifier's held-out performance. ValAccuracy
// and ValReport are filled for the models the study scores on the
// validation split as well as the test split.
type ModelEvaluation struct {
	Name      string
	Accuracy  float64
	MacroF1   float64
	Report    string
	Confusion *mat.Dense

	ValAccuracy float64
	ValReport   string
}

// LocalExplanation pairs a trained model with the surrogate explanation of
// its prediction for the chosen test row.
type LocalExplanation struct {
	Model       string
	Explanation *explain.Explanation
}

// Result collects everything a run produces.
type Result struct {
	Audit             *dataset.AuditReport
	Classes           []string
	Features          []string
	Evaluations       []ModelEvaluation
	TreeText          string
	ForestCV          *modelselection.CVResult
	CVRows            int
	BestParams        map[string]any
	BestCVScore       float64
	LocalExplanations []LocalExplanation
	SHAPSummary       []explain.FeatureImpact
}

func (cfg *Config) applyDefaults() {
	if cfg.TargetColumn == "" {
		cfg.TargetColumn = "Type"
	}
	if cfg.Seed == 0 {
		cfg.Seed = 42
	}
	if cfg.Epochs == 0 {
		cfg.Epochs = 50
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 32
	}
	if cfg.ForestTrees == 0 {
		cfg.ForestTrees = 100
	}
	if cfg.LIMESamples == 0 {
		cfg.LIMESamples = 5000
	}
}

// Run executes every stage in order. Any stage failure aborts the run.
func Run(cfg Config) (*Result, error) {
	cfg.applyDefaults()
	logger := log.Component("pipeline")

	ds, err := dataset.Load(cfg.DataPath, cfg.TargetColumn, cfg.TimestampColumn)
	if err != nil {
		return nil, errors.Wrap(err, "loading dataset")
	}
	logger.Info().
		Int("rows", ds.NumRows()).
		Int("features", ds.NumFeatures()).
		Strs("dropped", ds.DroppedColumns()).
		Msg("dataset loaded")

	ds.Shuffle(rand.New(rand.NewPCG(cfg.Seed, cfg.Seed)))

	audit := ds.Audit()
	audit.Log(logger)

	encoder := preprocessing.NewLabelEncoder()
	y, err := encoder.FitTransform(ds.Labels())
	if err != nil {
		return nil, errors.Wrap(err, "encoding labels")
	}
	classes := encoder.Classes()
	nClasses := len(classes)

	split, err := modelselection.TrainValTestSplit(ds.Features(), y, rand.New(rand.NewPCG(cfg.Seed+1, cfg.Seed+1)))
	if err != nil {
		return nil, errors.Wrap(err, "splitting rows")
	}
	nTrain, _ := split.XTrain.Dims()
	nVal, _ := split.XVal.Dims()
	nTest, _ := split.XTest.Dims()
	logger.Info().Int("train", nTrain).Int("val", nVal).Int("test", nTest).Msg("rows partitioned")

	result := &Result{
		Audit:    audit,
		Classes:  classes,
		Features: ds.FeatureNames(),
	}

	mlp, scaler, err := runNeural(cfg, split, nClasses, classes, result, logger)
	if err != nil {
		return nil, err
	}
	dt, err := runTree(cfg, split, classes, result, logger)
	if err != nil {
		return nil, err
	}
	rf, err := runForest(cfg, split, nClasses, classes, result, logger)
	if err != nil {
		return nil, err
	}
	gbt, err := runBoosting(cfg, split, nClasses, classes, result, logger)
	if err != nil {
		return nil, err
	}
	if err := runExplanations(cfg, split, scaler, mlp, dt, rf, gbt, result, logger); err != nil {
		return nil, err
	}

	return result, nil
}

func evaluate(name string, clf interface {
	Predict(X mat.Matrix) (mat.Matrix, error)
}, XTest, yTest mat.Matrix, classes []string) (ModelEvaluation, error) {

	yPred, err := clf.Predict(XTest)
	if err != nil {
		return ModelEvaluation{}, errors.Wrapf(err, "%s test prediction", name)
	}
	accuracy, err := metrics.Accuracy(yTest, yPred)
	if err != nil {
		return ModelEvaluation{}, errors.Wrapf(err, "%s accuracy", name)
	}
	macroF1, err := metrics.MacroF1(yTest, yPred, len(classes))
	if err != nil {
		return ModelEvaluation{}, errors.Wrapf(err, "%s macro F1", name)
	}
	report, err := metrics.ClassificationReport(yTest, yPred, classes)
	if err != nil {
		return ModelEvaluation{}, errors.Wrapf(err, "%s report", name)
	}
	confusion, err := metrics.ConfusionMatrix(yTest, yPred, len(classes))
	if err != nil {
		return ModelEvaluation{}, errors.Wrapf(err, "%s confusion matrix", name)
	}
	return ModelEvaluation{
		Name:      name,
		Accuracy:  accuracy,
		MacroF1:   macroF1,
		Report:    report,
		Confusion: confusion,
	}, nil
}

// evaluateValidation scores a model on the validation split: accuracy plus
// the per-class report.
func evaluateValidation(name string, clf interface {
	Predict(X mat.Matrix) (mat.Matrix, error)
}, XVal, yVal mat.Matrix, classes []string) (float64, string, error) {

	yPred, err := clf.Predict(XVal)
	if err != nil {
		return 0, "", errors.Wrapf(err, "%s validation prediction", name)
	}
	accuracy, err := metrics.Accuracy(yVal, yPred)
	if err != nil {
		return 0, "", errors.Wrapf(err, "%s validation accuracy", name)
	}
	report, err := metrics.ClassificationReport(yVal, yPred, classes)
	if err != nil {
		return 0, "", errors.Wrapf(err, "%s validation report", name)
	}
	return accuracy, report, nil
}

func runNeural(cfg Config, split *modelselection.SplitSet, nClasses int, classes []string, result *Result, logger zerolog.Logger) (*neural.MLPClassifier, *preprocessing.StandardScaler, error) {
	scaler := preprocessing.NewStandardScaler()
	xTrain, err := scaler.FitTransform(split.XTrain)
	if err != nil {
		return nil, nil, errors.Wrap(err, "scaling training rows")
	}
	xVal, err := scaler.Transform(split.XVal)
	if err != nil {
		return nil, nil, errors.Wrap(err, "scaling validation rows")
	}
	xTest, err := scaler.Transform(split.XTest)
	if err != nil {
		return nil, nil, errors.Wrap(err, "scaling test rows")
	}

	// The network trains on the one-hot form of the encoded labels.
	yHot, err := preprocessing.OneHot(split.YTrain, nClasses)
	if err != nil {
		return nil, nil, errors.Wrap(err, "one-hot encoding training labels")
	}

	clf := neural.NewMLPClassifier(
		neural.WithEpochs(cfg.Epochs),
		neural.WithBatchSize(cfg.BatchSize),
		neural.WithSeed(cfg.Seed+2),
	)
	clf.SetValidation(xVal, split.YVal)

	logger.Info().Int("epochs", cfg.Epochs).Msg("training neural network")
	if err := clf.Fit(xTrain, yHot); err != nil {
		return nil, nil, errors.Wrap(err, "training neural network")
	}

	eval, err := evaluate("neural network", clf, xTest, split.YTest, classes)
	if err != nil {
		return nil, nil, err
	}
	result.Evaluations = append(result.Evaluations, eval)
	logger.Info().Float64("accuracy", eval.Accuracy).Msg("neural network evaluated")

	if cfg.OutputDir != "" {
		history := clf.History()
		losses := make([]float64, len(history))
		accs := make([]float64, len(history))
		for i, s := range history {
			losses[i] = s.Loss
			accs[i] = s.ValAccuracy
		}
		path := filepath.Join(cfg.OutputDir, "neural_training.png")
		if err := charts.TrainingCurves(losses, accs, "Neural network training", path); err != nil {
			return nil, nil, err
		}
	}
	return clf, scaler, nil
}

func runTree(cfg Config, split *modelselection.SplitSet, classes []string, result *Result, logger zerolog.Logger) (*tree.DecisionTreeClassifier, error) {
	clf := tree.NewDecisionTreeClassifier(tree.WithRandomState(cfg.Seed + 3))

	logger.Info().Msg("training decision tree")
	if err := clf.Fit(split.XTrain, split.YTrain); err != nil {
		return nil, errors.Wrap(err, "training decision tree")
	}
	logger.Info().Int("depth", clf.GetDepth()).Int("leaves", clf.GetNLeaves()).Msg("decision tree grown")

	eval, err := evaluate("decision tree", clf, split.XTest, split.YTest, classes)
	if err != nil {
		return nil, err
	}
	eval.ValAccuracy, eval.ValReport, err = evaluateValidation("decision tree", clf, split.XVal, split.YVal, classes)
	if err != nil {
		return nil, err
	}
	result.Evaluations = append(result.Evaluations, eval)

	text, err := clf.ExportText(result.Features, classes)
	if err != nil {
		return nil, errors.Wrap(err, "rendering decision tree")
	}
	result.TreeText = text

	if cfg.OutputDir != "" {
		path := filepath.Join(cfg.OutputDir, "decision_tree.txt")
		if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
			return nil, errors.Wrap(err, "writing decision tree text")
		}
	}
	return clf, nil
}

// cvPool recombines all three partitions; cross-validation folds the full
// row set and refitting stays on the training split.
func cvPool(split *modelselection.SplitSet) (*mat.Dense, *mat.Dense) {
	return modelselection.Concat(
		[]*mat.Dense{split.XTrain, split.XVal, split.XTest},
		[]*mat.Dense{split.YTrain, split.YVal, split.YTest},
	)
}

func runForest(cfg Config, split *modelselection.SplitSet, nClasses int, classes []string, result *Result, logger zerolog.Logger) (*ensemble.RandomForestClassifier, error) {
	xPool, yPool := cvPool(split)
	poolRows, _ := xPool.Dims()
	result.CVRows = poolRows

	skf := modelselection.NewStratifiedKFold(5, true, cfg.Seed+4)
	cv, err := modelselection.CrossValidate(func() model.Classifier {
		return ensemble.NewRandomForestClassifier(
			ensemble.WithForestEstimators(cfg.ForestTrees),
			ensemble.WithForestSeed(cfg.Seed+4),
		)
	}, xPool, yPool, skf, nClasses)
	if err != nil {
		return nil, errors.Wrap(err, "cross-validating random forest")
	}
	result.ForestCV = cv
	logger.Info().
		Int("rows", poolRows).
		Float64("cv_accuracy", cv.MeanAccuracy()).
		Float64("cv_macro_f1", cv.MeanMacroF1()).
		Msg("random forest cross-validated")

	clf := ensemble.NewRandomForestClassifier(
		ensemble.WithForestEstimators(cfg.ForestTrees),
		ensemble.WithForestSeed(cfg.Seed+4),
	)
	if err := clf.Fit(split.XTrain, split.YTrain); err != nil {
		return nil, errors.Wrap(err, "training random forest")
	}

	eval, err := evaluate("random forest", clf, split.XTest, split.YTest, classes)
	if err != nil {
		return nil, err
	}
	eval.ValAccuracy, eval.ValReport, err = evaluateValidation("random forest", clf, split.XVal, split.YVal, classes)
	if err != nil {
		return nil, err
	}
	result.Evaluations = append(result.Evaluations, eval)

	if cfg.OutputDir != "" {
		path := filepath.Join(cfg.OutputDir, "forest_importances.png")
		if err := charts.ImportanceBars(clf.GetFeatureImportances(), result.Features, "Random forest importances", path); err != nil {
			return nil, err
		}
	}
	return clf, nil
}

func runBoosting(cfg Config, split *modelselection.SplitSet, nClasses int, classes []string, result *Result, logger zerolog.Logger) (*ensemble.GradientBoostingClassifier, error) {
	params := map[string]any{}
	if cfg.GridSearch {
		grid := cfg.Grid
		if grid == nil {
			grid = DefaultGBTGrid()
		}
		xPool, yPool := cvPool(split)
		skf := modelselection.NewStratifiedKFold(5, true, cfg.Seed+5)
		search, err := modelselection.GridSearchCV(func(p map[string]any) (model.Classifier, error) {
			return ensemble.NewGradientBoostingClassifierFromParams(withSeed(p, cfg.Seed+5))
		}, grid, xPool, yPool, skf, nClasses)
		if err != nil {
			return nil, errors.Wrap(err, "tuning boosted model")
		}
		params = search.BestParams
		result.BestParams = search.BestParams
		result.BestCVScore = search.BestScore
		logger.Info().
			Float64("cv_accuracy", search.BestScore).
			Interface("params", search.BestParams).
			Msg("boosted model tuned")
	}

	clf, err := ensemble.NewGradientBoostingClassifierFromParams(withSeed(params, cfg.Seed+5))
	if err != nil {
		return nil, errors.Wrap(err, "configuring boosted model")
	}
	if err := clf.Fit(split.XTrain, split.YTrain); err != nil {
		return nil, errors.Wrap(err, "training boosted model")
	}

	eval, err := evaluate("gradient boosting", clf, split.XTest, split.YTest, classes)
	if err != nil {
		return nil, err
	}
	result.Evaluations = append(result.Evaluations, eval)

	if cfg.OutputDir != "" {
		path := filepath.Join(cfg.OutputDir, "gbt_importances.png")
		if err := charts.ImportanceBars(clf.GetFeatureImportances(), result.Features, "Gradient boosting importances", path); err != nil {
			return nil, err
		}
	}
	return clf, nil
}

// runExplanations builds a local surrogate explanation for every trained
// model around the first test row, each against the model's own predicted
// class. The network sees standardized features, so its surrogate works in
// the scaled space with the scaled instance; the tree models use the raw
// space.
func runExplanations(cfg Config, split *modelselection.SplitSet, scaler *preprocessing.StandardScaler,
	mlp *neural.MLPClassifier, dt *tree.DecisionTreeClassifier, rf *ensemble.RandomForestClassifier,
	gbt *ensemble.GradientBoostingClassifier, result *Result, logger zerolog.Logger) error {

	rawExplainer, err := explain.NewLIMEExplainer(split.XTrain, result.Features, result.Classes,
		explain.WithLIMESamples(cfg.LIMESamples))
	if err != nil {
		return errors.Wrap(err, "building local explainer")
	}

	xTrainScaled, err := scaler.Transform(split.XTrain)
	if err != nil {
		return errors.Wrap(err, "scaling explainer rows")
	}
	scaledExplainer, err := explain.NewLIMEExplainer(xTrainScaled, result.Features, result.Classes,
		explain.WithLIMESamples(cfg.LIMESamples))
	if err != nil {
		return errors.Wrap(err, "building scaled local explainer")
	}

	_, p := split.XTest.Dims()
	rawInstance := mat.NewDense(1, p, nil)
	for j := 0; j < p; j++ {
		rawInstance.Set(0, j, split.XTest.At(0, j))
	}
	scaledInstance, err := scaler.Transform(rawInstance)
	if err != nil {
		return errors.Wrap(err, "scaling explanation instance")
	}

	targets := []struct {
		name      string
		predictor explain.ProbaPredictor
		explainer *explain.LIMEExplainer
		instance  *mat.Dense
	}{
		{"neural network", mlp, scaledExplainer, scaledInstance},
		{"decision tree", dt, rawExplainer, rawInstance},
		{"random forest", rf, rawExplainer, rawInstance},
		{"gradient boosting", gbt, rawExplainer, rawInstance},
	}

	for k, target := range targets {
		proba, err := target.predictor.PredictProba(target.instance)
		if err != nil {
			return errors.Wrapf(err, "%s explanation target", target.name)
		}
		_, nClasses := proba.Dims()
		predicted := 0
		for c := 1; c < nClasses; c++ {
			if proba.At(0, c) > proba.At(0, predicted) {
				predicted = c
			}
		}

		instance := mat.Row(nil, 0, target.instance)
		rng := rand.New(rand.NewPCG(cfg.Seed+6+uint64(k), cfg.Seed+6+uint64(k)))
		exp, err := target.explainer.Explain(target.predictor, instance, predicted, rng)
		if err != nil {
			return errors.Wrapf(err, "explaining %s prediction", target.name)
		}
		result.LocalExplanations = append(result.LocalExplanations, LocalExplanation{
			Model:       target.name,
			Explanation: exp,
		})
		logger.Info().
			Str("model", target.name).
			Str("class", exp.ClassName).
			Int("features", len(exp.Contributions)).
			Msg("local explanation computed")

		if cfg.OutputDir != "" {
			name := "lime_" + strings.ReplaceAll(target.name, " ", "_") + ".png"
			path := filepath.Join(cfg.OutputDir, name)
			if err := charts.ExplanationBars(exp, target.name+": "+exp.ClassName, path); err != nil {
				return err
			}
		}
	}

	shap, err := explain.NewTreeSHAP(gbt, result.Features)
	if err != nil {
		return errors.Wrap(err, "building attribution calculator")
	}
	summary, err := shap.Summary(split.XTrain)
	if err != nil {
		return errors.Wrap(err, "summarizing attributions")
	}
	result.SHAPSummary = summary

	if cfg.OutputDir != "" {
		shapPath := filepath.Join(cfg.OutputDir, "shap_summary.png")
		if err := charts.AttributionSummary(summary, "Attribution summary", shapPath); err != nil {
			return err
		}
	}
	return nil
}

func withSeed(params map[string]any, seed uint64) map[string]any {
	out := make(map[string]any, len(params)+1)
	for k, v := range params {
		out[k] = v
	}
	out["seed"] = seed
	return out
}
