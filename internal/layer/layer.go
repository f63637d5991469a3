// Package layer provides neural network layer implementations.
package layer

import (
	"math"

	"golang.org/x/exp/rand"

	"github.com/FlavioCFOliveira/deepnef/internal/activations"
)

// Layer is a neural network layer operating on one flattened sample.
// Backward accumulates parameter gradients until ClearGradients is called,
// so a batch is a sequence of Forward/Backward pairs followed by one step.
type Layer interface {
	Forward(x []float64) []float64
	Backward(grad []float64) []float64
	Params() []float64
	SetParams([]float64)
	Gradients() []float64
	ClearGradients()
	InSize() int
	OutSize() int
}

// Dense is a fully connected layer.
// Uses contiguous memory layout with pre-allocated buffers for minimal allocations.
type Dense struct {
	// Shape: [out * in] where weight for output i, input j is at weights[i*in + j]
	weights []float64
	biases  []float64
	act     activations.Activation
	outSize int
	inSize  int

	// Reusable buffers for gradient computation
	inputBuf  []float64
	outputBuf []float64
	preActBuf []float64
	gradWBuf  []float64
	gradBBuf  []float64
	gradInBuf []float64
}

// NewDense creates a new dense layer with Xavier/Glorot uniform weights
// and zero biases.
func NewDense(in, out int, act activations.Activation) *Dense {
	weights := make([]float64, out*in)
	biases := make([]float64, out)

	rng := rand.New(rand.NewSource(42))
	scale := math.Sqrt(2.0 / (float64(in) + float64(out)))
	for i := range weights {
		weights[i] = rng.Float64()*2*scale - scale
	}

	return &Dense{
		weights:   weights,
		biases:    biases,
		act:       act,
		outSize:   out,
		inSize:    in,
		inputBuf:  make([]float64, in),
		outputBuf: make([]float64, out),
		preActBuf: make([]float64, out),
		gradWBuf:  make([]float64, out*in),
		gradBBuf:  make([]float64, out),
		gradInBuf: make([]float64, in),
	}
}

// Forward performs a forward pass through the dense layer.
func (d *Dense) Forward(x []float64) []float64 {
	if len(x) != d.inSize {
		panic("Dense: input length does not match layer input size")
	}
	copy(d.inputBuf, x)

	inSize := d.inSize
	for o := 0; o < d.outSize; o++ {
		sum := d.biases[o]
		wBase := o * inSize
		for i := 0; i < inSize; i++ {
			sum += d.weights[wBase+i] * d.inputBuf[i]
		}
		d.preActBuf[o] = sum
		d.outputBuf[o] = d.act.Activate(sum)
	}

	return d.outputBuf
}

// Backward accumulates weight and bias gradients and returns dL/dx.
func (d *Dense) Backward(grad []float64) []float64 {
	inSize := d.inSize
	input := d.inputBuf
	gradIn := d.gradInBuf

	for i := range gradIn {
		gradIn[i] = 0
	}

	for o := 0; o < d.outSize; o++ {
		dz := grad[o] * d.act.Derivative(d.preActBuf[o])
		if dz == 0 {
			continue
		}
		d.gradBBuf[o] += dz
		wBase := o * inSize
		for i := 0; i < inSize; i++ {
			d.gradWBuf[wBase+i] += dz * input[i]
			gradIn[i] += dz * d.weights[wBase+i]
		}
	}

	return gradIn
}

// Params returns all dense layer parameters flattened (copy).
func (d *Dense) Params() []float64 {
	params := make([]float64, 0, len(d.weights)+len(d.biases))
	params = append(params, d.weights...)
	params = append(params, d.biases...)
	return params
}

// SetParams updates weights and biases from a flattened slice (in-place).
func (d *Dense) SetParams(params []float64) {
	copy(d.weights, params[:len(d.weights)])
	copy(d.biases, params[len(d.weights):])
}

// Gradients returns all dense layer gradients flattened (copy).
func (d *Dense) Gradients() []float64 {
	gradients := make([]float64, 0, len(d.gradWBuf)+len(d.gradBBuf))
	gradients = append(gradients, d.gradWBuf...)
	gradients = append(gradients, d.gradBBuf...)
	return gradients
}

// ClearGradients zeroes out the accumulated gradients.
func (d *Dense) ClearGradients() {
	for i := range d.gradWBuf {
		d.gradWBuf[i] = 0
	}
	for i := range d.gradBBuf {
		d.gradBBuf[i] = 0
	}
}

// InSize returns the input size of the layer.
func (d *Dense) InSize() int {
	return d.inSize
}

// OutSize returns the output size of the layer.
func (d *Dense) OutSize() int {
	return d.outSize
}

// Elementwise applies an activation to every element with no parameters.
// The classifier uses it for the tanh that follows each pooling stage.
type Elementwise struct {
	act  activations.Activation
	size int

	preActBuf []float64
	outputBuf []float64
	gradInBuf []float64
}

// NewElementwise creates an activation-only layer of the given width.
func NewElementwise(size int, act activations.Activation) *Elementwise {
	return &Elementwise{
		act:       act,
		size:      size,
		preActBuf: make([]float64, size),
		outputBuf: make([]float64, size),
		gradInBuf: make([]float64, size),
	}
}

// Forward applies the activation to each element.
func (e *Elementwise) Forward(x []float64) []float64 {
	if len(x) != e.size {
		panic("Elementwise: input length does not match layer size")
	}
	copy(e.preActBuf, x)
	for i, v := range x {
		e.outputBuf[i] = e.act.Activate(v)
	}
	return e.outputBuf
}

// Backward multiplies the incoming gradient by the activation derivative.
func (e *Elementwise) Backward(grad []float64) []float64 {
	for i, g := range grad {
		e.gradInBuf[i] = g * e.act.Derivative(e.preActBuf[i])
	}
	return e.gradInBuf
}

// Params returns no parameters.
func (e *Elementwise) Params() []float64 { return nil }

// SetParams is a no-op.
func (e *Elementwise) SetParams([]float64) {}

// Gradients returns no gradients.
func (e *Elementwise) Gradients() []float64 { return nil }

// ClearGradients is a no-op.
func (e *Elementwise) ClearGradients() {}

// InSize returns the layer width.
func (e *Elementwise) InSize() int { return e.size }

// OutSize returns the layer width.
func (e *Elementwise) OutSize() int { return e.size }
