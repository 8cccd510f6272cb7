// Package neural implements the feed-forward network branch: a two hidden
// layer perceptron with dropout, trained by mini-batch Adam on one-hot
// targets with per-epoch validation monitoring.
package neural

import (
	stdrand "math/rand/v2"

	spagomat "github.com/nlpodyssey/spago/pkg/mat"
	"github.com/nlpodyssey/spago/pkg/mat/rand"
	"github.com/nlpodyssey/spago/pkg/ml/ag"
	"github.com/nlpodyssey/spago/pkg/ml/initializers"
	"github.com/nlpodyssey/spago/pkg/ml/losses"
	"github.com/nlpodyssey/spago/pkg/ml/nn"
	"github.com/nlpodyssey/spago/pkg/ml/nn/linear"
	"github.com/nlpodyssey/spago/pkg/ml/optimizers/gd"
	"github.com/nlpodyssey/spago/pkg/ml/optimizers/gd/adam"
	"gonum.org/v1/gonum/mat"

	"github.com/senslab/faultclass/core/model"
	"github.com/senslab/faultclass/pkg/errors"
	"github.com/senslab/faultclass/pkg/log"
)

var (
	_ nn.Model     = &MLP{}
	_ nn.Processor = &MLPProcessor{}
)

// MLP is the network: input -> hidden1 (ReLU, dropout) -> hidden2 (ReLU,
// dropout) -> output logits.
type MLP struct {
	Layer1  *linear.Model
	Layer2  *linear.Model
	Output  *linear.Model
	Dropout float64
}

// NewMLP builds the layers for the given dimensions.
func NewMLP(inputDim, hidden1, hidden2, outputDim int, dropout float64) *MLP {
	return &MLP{
		Layer1:  linear.New(inputDim, hidden1),
		Layer2:  linear.New(hidden1, hidden2),
		Output:  linear.New(hidden2, outputDim),
		Dropout: dropout,
	}
}

// Init applies Xavier initialization to all weight matrices.
func (m *MLP) Init(generator *rand.LockedRand) {
	hiddenGain := initializers.Gain(ag.OpReLU)
	initializers.XavierUniform(m.Layer1.W.Value(), hiddenGain, generator)
	initializers.XavierUniform(m.Layer2.W.Value(), hiddenGain, generator)
	initializers.XavierUniform(m.Output.W.Value(), initializers.Gain(ag.OpIdentity), generator)
}

// MLPProcessor runs the forward pass on one graph. Dropout only fires in
// training mode.
type MLPProcessor struct {
	nn.BaseProcessor
	dropout float64
	layer1  nn.Processor
	layer2  nn.Processor
	output  nn.Processor
}

func (m *MLP) NewProc(g *ag.Graph) nn.Processor {
	return &MLPProcessor{
		BaseProcessor: nn.BaseProcessor{
			Model:             m,
			Mode:              nn.Training,
			Graph:             g,
			FullSeqProcessing: true,
		},
		dropout: m.Dropout,
		layer1:  m.Layer1.NewProc(g),
		layer2:  m.Layer2.NewProc(g),
		output:  m.Output.NewProc(g),
	}
}

// SetMode propagates the mode to the layer processors.
func (p *MLPProcessor) SetMode(mode nn.ProcessingMode) {
	p.Mode = mode
	p.layer1.SetMode(mode)
	p.layer2.SetMode(mode)
	p.output.SetMode(mode)
}

// Forward maps each input vector to class logits.
func (p *MLPProcessor) Forward(xs ...ag.Node) []ag.Node {
	g := p.Graph
	out := make([]ag.Node, len(xs))
	for i, x := range xs {
		h := g.ReLU(p.layer1.Forward(x)[0])
		if p.Mode == nn.Training {
			h = g.Dropout(h, p.dropout)
		}
		h = g.ReLU(p.layer2.Forward(h)[0])
		if p.Mode == nn.Training {
			h = g.Dropout(h, p.dropout)
		}
		out[i] = p.output.Forward(h)[0]
	}
	return out
}

// EpochStats records one epoch of training.
type EpochStats struct {
	Epoch       int
	Loss        float64
	ValAccuracy float64
}

// MLPClassifier wraps the network behind the matrix-based classifier
// surface. Inputs are expected standardized; the pipeline scales them
// before training.
type MLPClassifier struct {
	model.BaseEstimator

	hidden1      int
	hidden2      int
	dropout      float64
	epochs       int
	batchSize    int
	learningRate float64
	seed         uint64

	xVal *mat.Dense
	yVal *mat.Dense

	net        *MLP
	nClasses_  int
	nFeatures_ int
	history    []EpochStats
}

// MLPOption configures an MLPClassifier.
type MLPOption func(*MLPClassifier)

// WithHiddenSizes sets the two hidden layer widths.
func WithHiddenSizes(hidden1, hidden2 int) MLPOption {
	return func(c *MLPClassifier) { c.hidden1, c.hidden2 = hidden1, hidden2 }
}

// WithDropout sets the dropout probability after each hidden layer.
func WithDropout(p float64) MLPOption {
	return func(c *MLPClassifier) { c.dropout = p }
}

// WithEpochs sets the number of training epochs.
func WithEpochs(n int) MLPOption {
	return func(c *MLPClassifier) { c.epochs = n }
}

// WithBatchSize sets the mini-batch size.
func WithBatchSize(n int) MLPOption {
	return func(c *MLPClassifier) { c.batchSize = n }
}

// WithLearningRate sets the Adam step size.
func WithLearningRate(lr float64) MLPOption {
	return func(c *MLPClassifier) { c.learningRate = lr }
}

// WithSeed seeds weight initialization and batch shuffling.
func WithSeed(seed uint64) MLPOption {
	return func(c *MLPClassifier) { c.seed = seed }
}

// NewMLPClassifier creates a classifier with hidden sizes 64 and 32,
// dropout 0.5, 50 epochs of Adam at 0.001 with batches of 32.
func NewMLPClassifier(opts ...MLPOption) *MLPClassifier {
	c := &MLPClassifier{
		hidden1:      64,
		hidden2:      32,
		dropout:      0.5,
		epochs:       50,
		batchSize:    32,
		learningRate: 0.001,
		seed:         42,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetValidation registers a held-out set scored after every epoch.
func (c *MLPClassifier) SetValidation(xVal, yVal *mat.Dense) {
	c.xVal = xVal
	c.yVal = yVal
}

// History returns the per-epoch loss and validation accuracy.
func (c *MLPClassifier) History() []EpochStats {
	return c.history
}

// targetLabels reads the training targets: an n x 1 column of integer
// class indices, or the n x nClasses one-hot matrix the encode stage
// produces. One-hot targets fix the class count to the matrix width.
func targetLabels(y mat.Matrix) ([]int, int, error) {
	n, yCols := y.Dims()
	labels := make([]int, n)

	if yCols > 1 {
		for i := 0; i < n; i++ {
			hot := -1
			for k := 0; k < yCols; k++ {
				switch y.At(i, k) {
				case 0:
				case 1:
					if hot >= 0 {
						return nil, 0, errors.NewValueError("MLPClassifier.Fit", "target row has multiple hot columns")
					}
					hot = k
				default:
					return nil, 0, errors.NewValueError("MLPClassifier.Fit", "target row is not one-hot")
				}
			}
			if hot < 0 {
				return nil, 0, errors.NewValueError("MLPClassifier.Fit", "target row has no hot column")
			}
			labels[i] = hot
		}
		return labels, yCols, nil
	}

	nClasses := 0
	for i := 0; i < n; i++ {
		label := int(y.At(i, 0))
		if label < 0 {
			return nil, 0, errors.NewValueError("MLPClassifier.Fit", "negative class label")
		}
		labels[i] = label
		if label+1 > nClasses {
			nClasses = label + 1
		}
	}
	return labels, nClasses, nil
}

// Fit trains the network on X (n x p) and targets y, either integer labels
// (n x 1) or one-hot rows (n x nClasses).
func (c *MLPClassifier) Fit(X, y mat.Matrix) error {
	n, p := X.Dims()
	ny, _ := y.Dims()
	if n == 0 || p == 0 {
		return errors.NewModelError("MLPClassifier.Fit", "empty data", errors.ErrEmptyData)
	}
	if ny != n {
		return errors.NewDimensionError("MLPClassifier.Fit", n, ny, 0)
	}
	if c.dropout < 0 || c.dropout >= 1 {
		return errors.NewValidationError("dropout", "must be in [0, 1)", c.dropout)
	}

	labels, nClasses, err := targetLabels(y)
	if err != nil {
		return err
	}
	if nClasses < 2 {
		return errors.NewValueError("MLPClassifier.Fit", "need at least two classes")
	}

	c.nClasses_ = nClasses
	c.nFeatures_ = p
	c.history = c.history[:0]

	c.net = NewMLP(p, c.hidden1, c.hidden2, nClasses, c.dropout)
	c.net.Init(rand.NewLockedRand(c.seed))

	updaterConfig := adam.NewDefaultConfig()
	updaterConfig.StepSize = c.learningRate
	optimizer := gd.NewOptimizer(adam.New(updaterConfig), nn.NewDefaultParamsIterator(c.net))

	logger := log.Component("neural")
	shuffler := stdrand.New(stdrand.NewPCG(c.seed, c.seed))
	indices := make([]int, n)
	for i := range indices {
		indices[i] = i
	}

	for epoch := 0; epoch < c.epochs; epoch++ {
		optimizer.IncEpoch()
		shuffler.Shuffle(n, func(i, j int) {
			indices[i], indices[j] = indices[j], indices[i]
		})

		epochLoss := 0.0
		batches := 0
		for start := 0; start < n; start += c.batchSize {
			end := start + c.batchSize
			if end > n {
				end = n
			}
			loss := c.trainBatch(X, labels, indices[start:end], optimizer, epoch)
			optimizer.Optimize()
			epochLoss += loss
			batches++
		}
		epochLoss /= float64(batches)

		stats := EpochStats{Epoch: epoch, Loss: epochLoss}
		if c.xVal != nil {
			stats.ValAccuracy = c.validationAccuracy()
		}
		c.history = append(c.history, stats)
		logger.Debug().
			Int("epoch", epoch).
			Float64("loss", epochLoss).
			Float64("val_accuracy", stats.ValAccuracy).
			Msg("epoch complete")
	}

	c.SetFitted()
	return nil
}

func (c *MLPClassifier) trainBatch(X mat.Matrix, labels, batch []int, optimizer *gd.GradientDescent, epoch int) float64 {
	optimizer.IncBatch()

	g := ag.NewGraph(ag.Rand(rand.NewLockedRand(c.seed + uint64(epoch))))
	defer g.Clear()

	input := make([]ag.Node, len(batch))
	for i, idx := range batch {
		input[i] = g.NewVariable(rowVector(X, idx, c.nFeatures_), false)
	}

	proc := c.net.NewProc(g)
	logits := proc.Forward(input...)

	loss := g.NewVariable(spagomat.NewScalar(0), true)
	for i, idx := range batch {
		loss = g.Add(loss, losses.CrossEntropy(g, logits[i], labels[idx]))
	}
	loss = g.Div(loss, g.NewScalar(float64(len(batch))))

	g.Backward(loss)
	return loss.ScalarValue()
}

func (c *MLPClassifier) validationAccuracy() float64 {
	yPred, err := c.predictWith(c.xVal)
	if err != nil {
		return 0
	}
	n, _ := c.yVal.Dims()
	correct := 0
	for i := 0; i < n; i++ {
		if yPred.At(i, 0) == c.yVal.At(i, 0) {
			correct++
		}
	}
	return float64(correct) / float64(n)
}

// PredictProba returns softmax class probabilities.
func (c *MLPClassifier) PredictProba(X mat.Matrix) (mat.Matrix, error) {
	if !c.IsFitted() || c.net == nil {
		return nil, errors.NewNotFittedError("MLPClassifier", "PredictProba")
	}
	return c.proba(X)
}

// proba runs inference without the fitted guard; validation scoring calls
// it mid-training, before SetFitted.
func (c *MLPClassifier) proba(X mat.Matrix) (*mat.Dense, error) {
	n, p := X.Dims()
	if p != c.nFeatures_ {
		return nil, errors.NewDimensionError("MLPClassifier.PredictProba", c.nFeatures_, p, 1)
	}

	g := ag.NewGraph(ag.Rand(rand.NewLockedRand(c.seed)))
	defer g.Clear()

	input := make([]ag.Node, n)
	for i := 0; i < n; i++ {
		input[i] = g.NewVariable(rowVector(X, i, p), false)
	}

	proc := c.net.NewProc(g)
	proc.SetMode(nn.Inference)
	logits := proc.Forward(input...)

	out := mat.NewDense(n, c.nClasses_, nil)
	for i := range logits {
		probs := g.Softmax(logits[i]).Value().Data()
		for k := 0; k < c.nClasses_; k++ {
			out.Set(i, k, probs[k])
		}
	}
	return out, nil
}

// Predict returns the most probable class per row.
func (c *MLPClassifier) Predict(X mat.Matrix) (mat.Matrix, error) {
	if !c.IsFitted() || c.net == nil {
		return nil, errors.NewNotFittedError("MLPClassifier", "Predict")
	}
	return c.predictWith(X)
}

func (c *MLPClassifier) predictWith(X mat.Matrix) (*mat.Dense, error) {
	proba, err := c.proba(X)
	if err != nil {
		return nil, err
	}
	n, _ := proba.Dims()
	out := mat.NewDense(n, 1, nil)
	for i := 0; i < n; i++ {
		best, bestP := 0, proba.At(i, 0)
		for k := 1; k < c.nClasses_; k++ {
			if proba.At(i, k) > bestP {
				best, bestP = k, proba.At(i, k)
			}
		}
		out.Set(i, 0, float64(best))
	}
	return out, nil
}

// Score returns accuracy on (X, y).
func (c *MLPClassifier) Score(X, y mat.Matrix) float64 {
	yPred, err := c.Predict(X)
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
func (c *MLPClassifier) Classes() []int {
	classes := make([]int, c.nClasses_)
	for i := range classes {
		classes[i] = i
	}
	return classes
}

func rowVector(X mat.Matrix, row, p int) *spagomat.Dense {
	data := make([]float64, p)
	for j := 0; j < p; j++ {
		data[j] = X.At(row, j)
	}
	return spagomat.NewVecDense(data)
}
