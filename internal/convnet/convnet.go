// Package convnet builds and trains the small LeNet-style image classifier:
// one or two tanh convolution stages with ceil-mode max pooling, an
// optional tanh hidden layer and a softmax readout.
package convnet

import (
	"errors"
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/FlavioCFOliveira/deepnef/internal/activations"
	"github.com/FlavioCFOliveira/deepnef/internal/layer"
	"github.com/FlavioCFOliveira/deepnef/internal/loss"
	"github.com/FlavioCFOliveira/deepnef/internal/net"
	"github.com/FlavioCFOliveira/deepnef/internal/opt"
)

const (
	inputSide  = 32
	kernelSide = 7
	poolSide   = 2
)

var stageMaps = [2]int{6, 16}

// ErrLabel reports a label outside [0, Outputs).
var ErrLabel = errors.New("label out of range")

// Config selects the classifier variant.
type Config struct {
	Channels int // 1 for MNIST, 3 for CIFAR-10
	Layers   int // convolution stages, 1 or 2
	Hidden   int // tanh units before the readout, 0 for none
	Outputs  int

	LearningRate float64
	Seed         uint64
}

// DefaultConfig returns the two-stage network without a hidden layer.
func DefaultConfig() Config {
	return Config{
		Channels:     1,
		Layers:       2,
		Outputs:      10,
		LearningRate: 5e-2,
		Seed:         1,
	}
}

func (c Config) validate() error {
	switch {
	case c.Channels <= 0:
		return fmt.Errorf("convnet: %d channels", c.Channels)
	case c.Layers < 1 || c.Layers > len(stageMaps):
		return fmt.Errorf("convnet: %d convolution stages, want 1 or 2", c.Layers)
	case c.Hidden < 0:
		return fmt.Errorf("convnet: %d hidden units", c.Hidden)
	case c.Outputs < 2:
		return fmt.Errorf("convnet: %d outputs", c.Outputs)
	case c.LearningRate <= 0:
		return fmt.Errorf("convnet: learning rate %v", c.LearningRate)
	}
	return nil
}

// Classifier is a built network plus the buffers its training step reuses.
type Classifier struct {
	cfg     Config
	net     *net.Network
	targets [][]float64
}

// Build creates a classifier for 32x32 inputs.
func Build(cfg Config) (*Classifier, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	convInit := distuv.Normal{Mu: 0, Sigma: math.Sqrt(6.0 / 25), Src: rng}

	var layers []layer.Layer
	channels, side := cfg.Channels, inputSide
	for s := 0; s < cfg.Layers; s++ {
		conv := layer.NewConv2D(channels, stageMaps[s], kernelSide, 1, 0, side, side, activations.Tanh{})
		initParams(conv, conv.NumWeights(), convInit.Rand)

		h, w := conv.OutputDims()
		pool := layer.NewMaxPool2D(stageMaps[s], poolSide, poolSide, h, w, true)
		side, _ = pool.OutputDims()
		channels = stageMaps[s]

		layers = append(layers, conv, pool, layer.NewElementwise(pool.OutSize(), activations.Tanh{}))
	}

	features := channels * side * side
	if cfg.Hidden > 0 {
		hidden := layer.NewDense(features, cfg.Hidden, activations.Tanh{})
		scale := math.Sqrt(6.0 / float64(stageMaps[1]) / 25)
		initParams(hidden, features*cfg.Hidden, func() float64 { return rng.Float64() * scale })
		layers = append(layers, hidden)
		features = cfg.Hidden
	}

	readout := layer.NewDense(features, cfg.Outputs, activations.Linear{})
	readoutInit := distuv.Normal{Mu: 0, Sigma: 0.1, Src: rng}
	initParams(readout, features*cfg.Outputs, readoutInit.Rand)
	layers = append(layers, readout)

	return &Classifier{
		cfg: cfg,
		net: net.New(layers, loss.SoftmaxCrossEntropy{}, opt.SGD{LearningRate: cfg.LearningRate}),
	}, nil
}

// initParams draws the first nWeights parameters of l and zeroes the
// remaining biases.
func initParams(l layer.Layer, nWeights int, draw func() float64) {
	params := l.Params()
	for i := range params {
		if i < nWeights {
			params[i] = draw()
		} else {
			params[i] = 0
		}
	}
	l.SetParams(params)
}

// Config returns the configuration the classifier was built with.
func (c *Classifier) Config() Config { return c.cfg }

// Network exposes the underlying network, mainly for callbacks.
func (c *Classifier) Network() *net.Network { return c.net }

func (c *Classifier) checkBatch(x [][]float64, y []int) error {
	if len(x) != len(y) {
		return fmt.Errorf("convnet: %d images but %d labels", len(x), len(y))
	}
	for i, label := range y {
		if label < 0 || label >= c.cfg.Outputs {
			return fmt.Errorf("convnet: sample %d label %d: %w", i, label, ErrLabel)
		}
	}
	return nil
}

// TrainBatch takes one SGD step on the batch and returns its mean
// cross-entropy and the fraction of samples the network got wrong before
// the step.
func (c *Classifier) TrainBatch(x [][]float64, y []int) (cost, errRate float64, err error) {
	if err := c.checkBatch(x, y); err != nil {
		return 0, 0, err
	}
	if len(x) == 0 {
		return 0, 0, nil
	}

	for len(c.targets) < len(y) {
		c.targets = append(c.targets, make([]float64, c.cfg.Outputs))
	}
	targets := c.targets[:len(y)]
	for i, label := range y {
		loss.OneHot(targets[i], label)
	}

	var wrong int
	cost = c.net.TrainBatch(x, targets, func(i int, scores []float64) {
		if activations.Argmax(scores) != y[i] {
			wrong++
		}
	})
	return cost, float64(wrong) / float64(len(x)), nil
}

// Predict returns the most likely class of every image.
func (c *Classifier) Predict(x [][]float64) []int {
	out := make([]int, len(x))
	for i, img := range x {
		out[i] = activations.Argmax(c.net.Forward(img))
	}
	return out
}

// ErrorRate returns the fraction of x whose prediction differs from y.
func (c *Classifier) ErrorRate(x [][]float64, y []int) (float64, error) {
	if err := c.checkBatch(x, y); err != nil {
		return 0, err
	}
	if len(x) == 0 {
		return 0, nil
	}

	var wrong int
	for i, p := range c.Predict(x) {
		if p != y[i] {
			wrong++
		}
	}
	return float64(wrong) / float64(len(x)), nil
}
