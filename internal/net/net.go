// Package net provides core neural network types.
package net

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/FlavioCFOliveira/deepnef/internal/layer"
	"github.com/FlavioCFOliveira/deepnef/internal/loss"
	"github.com/FlavioCFOliveira/deepnef/internal/opt"
)

// ErrNonFinite reports a NaN or infinite parameter after a training step.
var ErrNonFinite = errors.New("non-finite parameter")

// Network is a collection of layers that can be forwarded and backwarded.
type Network struct {
	layers []layer.Layer
	loss   loss.Loss
	opt    opt.Optimizer

	// Pre-allocated gradient buffer for training
	lossGradBuf []float64
}

// New creates a new neural network with the given layers.
func New(layers []layer.Layer, loss loss.Loss, optimizer opt.Optimizer) *Network {
	return &Network{
		layers: layers,
		loss:   loss,
		opt:    optimizer,
	}
}

// Forward performs a forward pass through all layers.
// The returned slice is owned by the last layer and is overwritten by the
// next Forward call.
func (n *Network) Forward(x []float64) []float64 {
	curr := x
	for i := range n.layers {
		curr = n.layers[i].Forward(curr)
	}
	return curr
}

// Backward performs a backward pass through all layers.
func (n *Network) Backward(grad []float64) []float64 {
	curr := grad
	for i := len(n.layers) - 1; i >= 0; i-- {
		curr = n.layers[i].Backward(curr)
	}
	return curr
}

// ClearGradients zeroes every layer's accumulated gradients.
func (n *Network) ClearGradients() {
	for _, l := range n.layers {
		l.ClearGradients()
	}
}

// Step applies one optimizer update using the accumulated gradients
// scaled by 1/batchSize.
func (n *Network) Step(batchSize int) {
	scale := 1.0 / float64(batchSize)
	for _, l := range n.layers {
		params := l.Params()
		if len(params) == 0 {
			continue
		}
		gradients := l.Gradients()
		floats.Scale(scale, gradients)
		n.opt.StepInPlace(params, gradients)
		l.SetParams(params)
	}
}

// TrainBatch performs one gradient step on a batch of samples and returns
// the mean loss. Gradients are accumulated and averaged over the batch.
// The optional observe func sees each sample's output before the backward
// pass, which lets callers compute metrics without a second forward pass.
func (n *Network) TrainBatch(batchX, batchY [][]float64, observe func(i int, yPred []float64)) float64 {
	batchSize := len(batchX)
	if batchSize == 0 {
		return 0
	}

	n.ClearGradients()

	var totalLoss float64
	for i := 0; i < batchSize; i++ {
		yPred := n.Forward(batchX[i])
		totalLoss += n.loss.Forward(yPred, batchY[i])
		if observe != nil {
			observe(i, yPred)
		}

		yPredLen := len(yPred)
		if cap(n.lossGradBuf) < yPredLen {
			n.lossGradBuf = make([]float64, yPredLen)
		}
		grad := n.lossGradBuf[:yPredLen]

		if backwardInPlace, ok := n.loss.(loss.BackwardInPlacer); ok {
			backwardInPlace.BackwardInPlace(yPred, batchY[i], grad)
		} else {
			grad = n.loss.Backward(yPred, batchY[i])
		}

		n.Backward(grad)
	}

	n.Step(batchSize)
	return totalLoss / float64(batchSize)
}

// Layers returns the network's layers slice.
func (n *Network) Layers() []layer.Layer {
	return n.layers
}

// CheckFinite returns an error wrapping ErrNonFinite if any value is NaN
// or infinite. name identifies the parameter in the message.
func CheckFinite(name string, values []float64) error {
	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%s[%d] = %v: %w", name, i, v, ErrNonFinite)
		}
	}
	return nil
}

// CheckParams runs CheckFinite over every layer's parameters.
func (n *Network) CheckParams() error {
	for i, l := range n.layers {
		if err := CheckFinite(fmt.Sprintf("layer %d", i), l.Params()); err != nil {
			return err
		}
	}
	return nil
}
