package nef

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/FlavioCFOliveira/deepnef/internal/layer"
	"github.com/FlavioCFOliveira/deepnef/internal/loss"
)

// minReconRows is the smallest row block worth its own goroutine.
const minReconRows = 256

// DBN stacks RBMs into a deep autoencoder.
type DBN struct {
	RBMs []*RBM

	// Workers bounds the goroutines TestReconstruction uses; values
	// below 2 run it on the calling goroutine.
	Workers int
}

// Add appends a layer on top of the stack.
func (d *DBN) Add(r *RBM) {
	d.RBMs = append(d.RBMs, r)
}

// Encode propagates x up through every layer.
func (d *DBN) Encode(x mat.Matrix) *mat.Dense {
	codes := mat.DenseCopyOf(x)
	for _, r := range d.RBMs {
		codes = r.Encode(codes)
	}
	return codes
}

// Decode propagates codes back down, top layer first.
func (d *DBN) Decode(codes mat.Matrix) (*mat.Dense, error) {
	images := mat.DenseCopyOf(codes)
	for i := len(d.RBMs) - 1; i >= 0; i-- {
		var err error
		images, err = d.RBMs[i].Decode(images)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
	}
	return images, nil
}

// Reconstruct encodes and then decodes x.
func (d *DBN) Reconstruct(x mat.Matrix) (*mat.Dense, error) {
	return d.Decode(d.Encode(x))
}

// TestReconstruction returns the RMSE of every image's reconstruction.
// Blocks of rows are reconstructed concurrently.
func (d *DBN) TestReconstruction(images *mat.Dense) ([]float64, error) {
	rows, cols := images.Dims()
	rmses := make([]float64, rows)
	err := layer.ParallelFor(rows, d.Workers, minReconRows, func(lo, hi int) error {
		block := images.Slice(lo, hi, 0, cols).(*mat.Dense)
		recons, err := d.Reconstruct(block)
		if err != nil {
			return err
		}
		var rmse loss.RMSE
		for i := lo; i < hi; i++ {
			rmses[i] = rmse.Forward(recons.RawRowView(i-lo), images.RawRowView(i))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rmses, nil
}

// Backprop fine-tunes all layers jointly against the end-to-end
// reconstruction RMSE and returns the mean batch cost of every epoch.
func (d *DBN) Backprop(ctx context.Context, images *mat.Dense, cfg TrainConfig) ([]float64, error) {
	return train(ctx, d.RBMs, images, cfg)
}
