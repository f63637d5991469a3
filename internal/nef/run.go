package nef

import (
	"context"
	"errors"
	"fmt"

	"gonum.org/v1/gonum/stat"

	"github.com/FlavioCFOliveira/deepnef/internal/dataset"
)

// ErrSampleCount reports a non-positive pretraining or validation sample count.
var ErrSampleCount = errors.New("sample count must be positive")

// RunConfig describes the layer-wise pretraining and fine-tuning of a
// deep autoencoder.
type RunConfig struct {
	// Hidden lists the width of every layer, bottom first.
	Hidden []int

	// RFShapes gives each layer's receptive field; the zero value means
	// fully connected. Only the bottom layer sees an image layout.
	RFShapes [][2]int

	PretrainSamples int
	ValidSamples    int

	// LayerBackprop fine-tunes each layer on its own after Pretrain.
	LayerBackprop bool

	Train TrainConfig
	Seed  uint64

	// Workers is handed to the DBN for reconstruction scoring.
	Workers int
}

// DefaultRunConfig returns the 784-500-200-50 autoencoder with 9x9
// receptive fields in the first layer.
func DefaultRunConfig() RunConfig {
	return RunConfig{
		Hidden:          []int{500, 200, 50},
		RFShapes:        [][2]int{{9, 9}, {}, {}},
		PretrainSamples: 10000,
		ValidSamples:    1000,
		Train:           DefaultTrainConfig(),
	}
}

// Result summarises a Run.
type Result struct {
	// LayerErrors is the mean validation RMSE after stacking each layer.
	LayerErrors []float64
	Costs       []float64
	TestError   float64
}

// Run pretrains a DBN layer by layer on train, reporting validation
// reconstruction error after each layer, then fine-tunes the whole stack
// with backprop and measures the error on test.
func Run(ctx context.Context, cfg RunConfig, train, valid, test *dataset.Set) (*DBN, Result, error) {
	var res Result
	if train.Len() == 0 || valid.Len() == 0 || test.Len() == 0 {
		return nil, res, fmt.Errorf("run: empty train, validation or test set")
	}
	if cfg.PretrainSamples <= 0 || cfg.ValidSamples <= 0 {
		return nil, res, fmt.Errorf("run: %d pretrain, %d validation samples: %w",
			cfg.PretrainSamples, cfg.ValidSamples, ErrSampleCount)
	}
	if len(cfg.RFShapes) != 0 && len(cfg.RFShapes) != len(cfg.Hidden) {
		return nil, res, fmt.Errorf("%d receptive fields for %d layers", len(cfg.RFShapes), len(cfg.Hidden))
	}

	data := train.Head(cfg.PretrainSamples).Matrix()
	validM := valid.Head(cfg.ValidSamples).Matrix()

	dbn := &DBN{Workers: cfg.Workers}
	visible := train.Dim()
	for i, hidden := range cfg.Hidden {
		if err := ctx.Err(); err != nil {
			return nil, res, err
		}

		rc := DefaultConfig(visible, hidden)
		if i == 0 {
			rc.VisShape = [2]int{train.Height, train.Width}
		}
		if len(cfg.RFShapes) != 0 {
			rc.RFShape = cfg.RFShapes[i]
		}
		if cfg.Seed != 0 {
			rc.Seed = cfg.Seed + uint64(i)
		}

		rbm, err := NewRBM(rc)
		if err != nil {
			return nil, res, fmt.Errorf("layer %d: %w", i, err)
		}
		if err := rbm.StatisticalEncoders(data); err != nil {
			return nil, res, fmt.Errorf("layer %d: %w", i, err)
		}
		if _, err := rbm.Pretrain(data); err != nil {
			return nil, res, fmt.Errorf("layer %d: %w", i, err)
		}
		if cfg.LayerBackprop {
			if _, err := rbm.Backprop(ctx, data, cfg.Train); err != nil {
				return nil, res, fmt.Errorf("layer %d: %w", i, err)
			}
		}
		data = rbm.Encode(data)
		dbn.Add(rbm)

		rmses, err := dbn.TestReconstruction(validM)
		if err != nil {
			return nil, res, err
		}
		mean, std := stat.PopMeanStdDev(rmses, nil)
		fmt.Printf("RBM %d error: %0.3f (%0.3f)\n", i, mean, std)
		res.LayerErrors = append(res.LayerErrors, mean)
		visible = hidden
	}

	costs, err := dbn.Backprop(ctx, train.Head(cfg.PretrainSamples).Matrix(), cfg.Train)
	res.Costs = costs
	if err != nil {
		return nil, res, fmt.Errorf("backprop: %w", err)
	}

	rmses, err := dbn.TestReconstruction(test.Matrix())
	if err != nil {
		return nil, res, err
	}
	mean, std := stat.PopMeanStdDev(rmses, nil)
	fmt.Printf("Test error: %0.3f (%0.3f)\n", mean, std)
	res.TestError = mean
	return dbn, res, nil
}
