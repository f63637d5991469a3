package nef

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/FlavioCFOliveira/deepnef/internal/dataset"
	"github.com/FlavioCFOliveira/deepnef/internal/loss"
	"github.com/FlavioCFOliveira/deepnef/internal/net"
	"github.com/FlavioCFOliveira/deepnef/internal/opt"
)

// TrainConfig holds the SGD settings for backprop fine-tuning.
type TrainConfig struct {
	Rate      float64
	Epochs    int
	BatchSize int

	// Unmasked lets encoder weights outside a unit's receptive field
	// learn, so the fields spread during fine-tuning.
	Unmasked bool
}

// DefaultTrainConfig returns rate 0.1, 10 epochs and batches of 20.
func DefaultTrainConfig() TrainConfig {
	return TrainConfig{Rate: 0.1, Epochs: 10, BatchSize: 20}
}

// Backprop fine-tunes the encoders, biases and decoders of this layer
// alone against its reconstruction RMSE. It returns the mean batch cost
// of every epoch.
func (r *RBM) Backprop(ctx context.Context, images *mat.Dense, cfg TrainConfig) ([]float64, error) {
	return train(ctx, []*RBM{r}, images, cfg)
}

type layerGrads struct {
	enc  *mat.Dense
	dec  *mat.Dense
	bias []float64
}

// reconstructionGrads runs x through the encoders of layers in order and
// the decoders in reverse, and returns the mean per-row RMSE against x
// together with its gradient for every layer.
func reconstructionGrads(layers []*RBM, x *mat.Dense, unmasked bool) (float64, []layerGrads) {
	n := len(layers)

	// hs[l] is the input of layer l; pres[l] its encoder projection.
	hs := make([]*mat.Dense, n+1)
	pres := make([]*mat.Dense, n)
	hs[0] = x
	for l, r := range layers {
		pres[l] = new(mat.Dense)
		pres[l].Mul(hs[l], r.Encoders.T())
		hs[l+1] = r.lif.Rates(pres[l], r.Gain, r.Bias, r.MaxRates)
	}

	// zs[l] is the output of layer l's decoders.
	zs := make([]*mat.Dense, n+1)
	zs[n] = hs[n]
	for l := n - 1; l >= 0; l-- {
		zs[l] = new(mat.Dense)
		zs[l].Mul(zs[l+1], layers[l].Decoders)
	}

	rows, cols := x.Dims()
	dz := mat.NewDense(rows, cols, nil)
	var rmse loss.RMSE
	var cost float64
	for i := 0; i < rows; i++ {
		y, target := zs[0].RawRowView(i), x.RawRowView(i)
		cost += rmse.Forward(y, target)
		rmse.BackwardInPlace(y, target, dz.RawRowView(i))
	}
	cost /= float64(rows)
	dz.Scale(1/float64(rows), dz)

	grads := make([]layerGrads, n)
	for l := 0; l < n; l++ {
		grads[l].dec = new(mat.Dense)
		grads[l].dec.Mul(zs[l+1].T(), dz)

		var next mat.Dense
		next.Mul(dz, layers[l].Decoders.T())
		dz = &next
	}

	dh := dz
	for l := n - 1; l >= 0; l-- {
		r := layers[l]

		var du mat.Dense
		du.MulElem(dh, r.lif.RatesDeriv(pres[l], r.Gain, r.Bias, r.MaxRates))

		grads[l].bias = make([]float64, r.hidden)
		col := make([]float64, rows)
		for k := range grads[l].bias {
			grads[l].bias[k] = floats.Sum(mat.Col(col, k, &du))
		}

		var dpre mat.Dense
		dpre.Apply(func(_, k int, v float64) float64 { return v * r.Gain[k] }, &du)

		grads[l].enc = new(mat.Dense)
		grads[l].enc.Mul(dpre.T(), hs[l])
		if r.Mask != nil && !unmasked {
			grads[l].enc.MulElem(grads[l].enc, r.Mask)
		}

		if l > 0 {
			var prev mat.Dense
			prev.Mul(&dpre, r.Encoders)
			dh = &prev
		}
	}
	return cost, grads
}

func (r *RBM) step(o opt.Optimizer, g layerGrads) {
	o.StepInPlace(r.Encoders.RawMatrix().Data, g.enc.RawMatrix().Data)
	o.StepInPlace(r.Bias, g.bias)
	o.StepInPlace(r.Decoders.RawMatrix().Data, g.dec.RawMatrix().Data)
}

// train runs minibatch SGD over the chained layers, checking every
// layer's parameters after each batch.
func train(ctx context.Context, layers []*RBM, images *mat.Dense, cfg TrainConfig) ([]float64, error) {
	rows, cols := images.Dims()
	if cfg.BatchSize <= 0 || rows%cfg.BatchSize != 0 {
		return nil, fmt.Errorf("%d images into batches of %d: %w", rows, cfg.BatchSize, dataset.ErrBatchSize)
	}
	for i := 0; i < rows; i++ {
		if err := net.CheckFinite(fmt.Sprintf("image %d", i), images.RawRowView(i)); err != nil {
			return nil, err
		}
	}
	for l, r := range layers {
		if r.Decoders == nil {
			return nil, fmt.Errorf("layer %d: %w", l, ErrNotPretrained)
		}
	}

	sgd := opt.SGD{LearningRate: cfg.Rate}
	nb := rows / cfg.BatchSize
	costs := make([]float64, 0, cfg.Epochs)
	for epoch := 0; epoch < cfg.Epochs; epoch++ {
		var sum float64
		for b := 0; b < nb; b++ {
			if err := ctx.Err(); err != nil {
				return costs, err
			}
			batch := images.Slice(b*cfg.BatchSize, (b+1)*cfg.BatchSize, 0, cols).(*mat.Dense)

			cost, grads := reconstructionGrads(layers, batch, cfg.Unmasked)
			for l, r := range layers {
				r.step(sgd, grads[l])
				if err := r.CheckParams(); err != nil {
					return costs, fmt.Errorf("epoch %d batch %d layer %d: %w", epoch, b, l, err)
				}
			}
			sum += cost
		}

		mean := sum / float64(nb)
		fmt.Printf("Epoch %d: %0.3f\n", epoch, mean)
		costs = append(costs, mean)
	}
	return costs, nil
}
