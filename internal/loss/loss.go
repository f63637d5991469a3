// Package loss provides loss functions for the classifier and autoencoder.
package loss

import (
	"math"

	"github.com/FlavioCFOliveira/deepnef/internal/activations"
)

// BackwardInPlacer is an optional interface for loss functions that support
// in-place gradient computation to avoid allocations.
type BackwardInPlacer interface {
	BackwardInPlace(yPred, yTrue, grad []float64)
}

// Loss is a loss function with derivative.
type Loss interface {
	// Forward computes the loss between predicted and true values.
	Forward(yPred, yTrue []float64) float64

	// Backward computes the gradient of the loss w.r.t. prediction.
	// This creates a new slice and should be avoided in hot loops.
	Backward(yPred, yTrue []float64) []float64
}

// SoftmaxCrossEntropy is categorical cross-entropy on a softmax of raw
// scores. yPred holds the pre-softmax scores, yTrue a one-hot target.
type SoftmaxCrossEntropy struct{}

// Forward computes -sum(y_true * log(softmax(y_pred))).
func (c SoftmaxCrossEntropy) Forward(yPred, yTrue []float64) float64 {
	n := len(yPred)
	if n != len(yTrue) {
		panic("SoftmaxCrossEntropy: prediction and target must have same length")
	}

	// log-sum-exp keeps this finite for large scores
	maxVal := yPred[0]
	for i := 1; i < n; i++ {
		if yPred[i] > maxVal {
			maxVal = yPred[i]
		}
	}
	var sumExp float64
	for i := 0; i < n; i++ {
		sumExp += math.Exp(yPred[i] - maxVal)
	}
	logZ := maxVal + math.Log(sumExp)

	var sum float64
	for i := 0; i < n; i++ {
		if yTrue[i] != 0 {
			sum -= yTrue[i] * (yPred[i] - logZ)
		}
	}
	return sum
}

// Backward computes softmax(y_pred) - y_true.
func (c SoftmaxCrossEntropy) Backward(yPred, yTrue []float64) []float64 {
	grad := make([]float64, len(yPred))
	c.BackwardInPlace(yPred, yTrue, grad)
	return grad
}

// BackwardInPlace computes the gradient and stores it in the grad slice.
func (c SoftmaxCrossEntropy) BackwardInPlace(yPred, yTrue, grad []float64) {
	n := len(yPred)
	if n != len(yTrue) || n != len(grad) {
		panic("SoftmaxCrossEntropy: slices must have same length")
	}

	copy(grad, yPred)
	activations.Softmax(grad)
	for i := 0; i < n; i++ {
		grad[i] -= yTrue[i]
	}
}

// RMSE is the root mean squared error of a single sample:
// sqrt((1/n) * sum((y_pred - y_true)^2)).
type RMSE struct{}

// Forward computes the root mean squared error.
func (r RMSE) Forward(yPred, yTrue []float64) float64 {
	n := len(yPred)
	if n != len(yTrue) {
		panic("RMSE: prediction and target must have same length")
	}

	var sum float64
	for i := 0; i < n; i++ {
		diff := yPred[i] - yTrue[i]
		sum += diff * diff
	}
	return math.Sqrt(sum / float64(n))
}

// Backward computes dL/dy_pred = (y_pred - y_true) / (n * rmse).
// The gradient is zero at an exact match.
func (r RMSE) Backward(yPred, yTrue []float64) []float64 {
	grad := make([]float64, len(yPred))
	r.BackwardInPlace(yPred, yTrue, grad)
	return grad
}

// BackwardInPlace computes the gradient and stores it in the grad slice.
func (r RMSE) BackwardInPlace(yPred, yTrue, grad []float64) {
	n := len(yPred)
	if n != len(yTrue) || n != len(grad) {
		panic("RMSE: slices must have same length")
	}

	rmse := r.Forward(yPred, yTrue)
	if rmse == 0 {
		for i := range grad {
			grad[i] = 0
		}
		return
	}
	factor := 1.0 / (float64(n) * rmse)
	for i := 0; i < n; i++ {
		grad[i] = factor * (yPred[i] - yTrue[i])
	}
}

// OneHot writes a one-hot encoding of label into dst and returns it.
func OneHot(dst []float64, label int) []float64 {
	for i := range dst {
		dst[i] = 0
	}
	dst[label] = 1
	return dst
}
