package layer

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"

	"github.com/FlavioCFOliveira/deepnef/internal/activations"
)

// Conv2D implements a 2D convolutional layer (cross-correlation, as in
// most frameworks). Uses direct convolution computation for correctness.
type Conv2D struct {
	inChannels  int
	outChannels int
	kernelSize  int
	stride      int
	padding     int

	inputHeight int
	inputWidth  int
	outH        int
	outW        int

	// Weights: [outChannels, inChannels, kernelSize, kernelSize]
	// Stored as contiguous slice for cache efficiency
	weights []float64
	biases  []float64

	activation activations.Activation

	// Pre-allocated buffers
	preActBuf   []float64 // pre-activation values (z = w*x + b)
	outputBuf   []float64 // post-activation values (activation(z))
	gradWeights []float64
	gradBiases  []float64
	gradInBuf   []float64

	// Saved input for backward pass
	savedInput []float64
}

// NewConv2D creates a new 2D convolutional layer for inputs of a fixed
// spatial size.
// inChannels: number of input channels
// outChannels: number of output feature maps
// kernelSize: size of convolutional kernel (square)
// stride: stride for convolution
// padding: zero padding size
// height, width: input spatial dimensions
func NewConv2D(inChannels, outChannels, kernelSize, stride, padding, height, width int,
	activation activations.Activation) *Conv2D {

	c := &Conv2D{
		inChannels:  inChannels,
		outChannels: outChannels,
		kernelSize:  kernelSize,
		stride:      stride,
		padding:     padding,
		inputHeight: height,
		inputWidth:  width,
		activation:  activation,
	}
	c.outH, c.outW = c.computeOutputSize(height, width)
	if c.outH <= 0 || c.outW <= 0 {
		panic(fmt.Sprintf("Conv2D: kernel %d does not fit input %dx%d", kernelSize, height, width))
	}

	nWeights := outChannels * inChannels * kernelSize * kernelSize
	c.weights = make([]float64, nWeights)
	c.biases = make([]float64, outChannels)

	// He initialization with a fixed seed for reproducible runs
	rng := rand.New(rand.NewSource(42))
	scale := math.Sqrt(2.0 / float64(inChannels*kernelSize*kernelSize))
	for i := range c.weights {
		c.weights[i] = rng.Float64()*2*scale - scale
	}

	nIn := inChannels * height * width
	nOut := outChannels * c.outH * c.outW
	c.preActBuf = make([]float64, nOut)
	c.outputBuf = make([]float64, nOut)
	c.gradWeights = make([]float64, nWeights)
	c.gradBiases = make([]float64, outChannels)
	c.gradInBuf = make([]float64, nIn)
	c.savedInput = make([]float64, nIn)
	return c
}

// computeOutputSize calculates the output spatial dimensions
func (c *Conv2D) computeOutputSize(inputHeight, inputWidth int) (int, int) {
	// Output size: (input + 2*padding - kernel) / stride + 1
	outH := (inputHeight+2*c.padding-c.kernelSize)/c.stride + 1
	outW := (inputWidth+2*c.padding-c.kernelSize)/c.stride + 1
	return outH, outW
}

// OutputDims returns the output feature map height and width.
func (c *Conv2D) OutputDims() (int, int) {
	return c.outH, c.outW
}

// Forward performs a forward pass through the convolutional layer.
// input: flattened [inChannels, inputHeight, inputWidth]
// Returns: flattened [outChannels, outputHeight, outputWidth]
func (c *Conv2D) Forward(input []float64) []float64 {
	if len(input) != len(c.savedInput) {
		panic(fmt.Sprintf("Conv2D: input length %d, want %d", len(input), len(c.savedInput)))
	}
	copy(c.savedInput, input)

	outH, outW := c.outH, c.outW
	outSize := outH * outW
	kernelSize := c.kernelSize
	stride := c.stride
	padding := c.padding
	inputHeight := c.inputHeight
	inputWidth := c.inputWidth

	for i := range c.preActBuf {
		c.preActBuf[i] = 0
	}

	icWeightStride := kernelSize * kernelSize
	ocWeightStride := c.inChannels * icWeightStride

	for oc := 0; oc < c.outChannels; oc++ {
		ocWeightBase := oc * ocWeightStride
		ocOutBase := oc * outSize

		for ic := 0; ic < c.inChannels; ic++ {
			icWeightBase := ocWeightBase + ic*icWeightStride
			inputChannelOffset := ic * inputHeight * inputWidth

			for kh := 0; kh < kernelSize; kh++ {
				khWeightBase := icWeightBase + kh*kernelSize

				for kw := 0; kw < kernelSize; kw++ {
					wVal := c.weights[khWeightBase+kw]

					for oh := 0; oh < outH; oh++ {
						inH := oh*stride + kh - padding
						if inH < 0 || inH >= inputHeight {
							continue
						}
						inHOffset := inputChannelOffset + inH*inputWidth
						ohOffset := ocOutBase + oh*outW
						for ow := 0; ow < outW; ow++ {
							inW := ow*stride + kw - padding
							if inW >= 0 && inW < inputWidth {
								c.preActBuf[ohOffset+ow] += wVal * input[inHOffset+inW]
							}
						}
					}
				}
			}
		}

		// Add bias and apply activation for this output channel
		biasVal := c.biases[oc]
		for pos := ocOutBase; pos < ocOutBase+outSize; pos++ {
			sum := c.preActBuf[pos] + biasVal
			c.preActBuf[pos] = sum
			c.outputBuf[pos] = c.activation.Activate(sum)
		}
	}

	return c.outputBuf
}

// Backward performs backpropagation through the convolutional layer.
// grad: gradient of loss w.r.t. activated output (shape: [outChannels, outH, outW] flattened)
// Weight and bias gradients are accumulated; returns gradient w.r.t. input.
func (c *Conv2D) Backward(grad []float64) []float64 {
	outH, outW := c.outH, c.outW
	outSize := outH * outW

	kernelSize := c.kernelSize
	stride := c.stride
	padding := c.padding
	inputHeight := c.inputHeight
	inputWidth := c.inputWidth

	gradInput := c.gradInBuf
	for i := range gradInput {
		gradInput[i] = 0
	}

	icWeightStride := kernelSize * kernelSize
	ocWeightStride := c.inChannels * icWeightStride

	for oc := 0; oc < c.outChannels; oc++ {
		ocWeightBase := oc * ocWeightStride
		ocOutBase := oc * outSize

		for oh := 0; oh < outH; oh++ {
			ohOffset := ocOutBase + oh*outW
			for ow := 0; ow < outW; ow++ {
				pos := ohOffset + ow

				// dL/dz = dL/d(output) * activation'(z)
				gradAfterAct := grad[pos] * c.activation.Derivative(c.preActBuf[pos])
				if gradAfterAct == 0 {
					continue
				}
				c.gradBiases[oc] += gradAfterAct

				for ic := 0; ic < c.inChannels; ic++ {
					icWeightBase := ocWeightBase + ic*icWeightStride
					inputChannelOffset := ic * inputHeight * inputWidth

					for kh := 0; kh < kernelSize; kh++ {
						inH := oh*stride + kh - padding
						if inH < 0 || inH >= inputHeight {
							continue
						}
						inHOffset := inputChannelOffset + inH*inputWidth
						khWeightBase := icWeightBase + kh*kernelSize

						for kw := 0; kw < kernelSize; kw++ {
							inW := ow*stride + kw - padding
							if inW >= 0 && inW < inputWidth {
								inputIdx := inHOffset + inW
								weightIdx := khWeightBase + kw
								c.gradWeights[weightIdx] += gradAfterAct * c.savedInput[inputIdx]
								gradInput[inputIdx] += gradAfterAct * c.weights[weightIdx]
							}
						}
					}
				}
			}
		}
	}

	return gradInput
}

// Params returns all convolutional layer parameters flattened (copy).
func (c *Conv2D) Params() []float64 {
	params := make([]float64, len(c.weights)+len(c.biases))
	copy(params, c.weights)
	copy(params[len(c.weights):], c.biases)
	return params
}

// SetParams updates weights and biases from a flattened slice.
func (c *Conv2D) SetParams(params []float64) {
	totalWeights := len(c.weights)
	copy(c.weights, params[:totalWeights])
	copy(c.biases, params[totalWeights:])
}

// Gradients returns all convolutional layer gradients flattened (copy).
func (c *Conv2D) Gradients() []float64 {
	gradients := make([]float64, len(c.gradWeights)+len(c.gradBiases))
	copy(gradients, c.gradWeights)
	copy(gradients[len(c.gradWeights):], c.gradBiases)
	return gradients
}

// ClearGradients zeroes out the accumulated gradients.
func (c *Conv2D) ClearGradients() {
	for i := range c.gradWeights {
		c.gradWeights[i] = 0
	}
	for i := range c.gradBiases {
		c.gradBiases[i] = 0
	}
}

// InSize returns the flattened input size.
func (c *Conv2D) InSize() int {
	return c.inChannels * c.inputHeight * c.inputWidth
}

// OutSize returns the flattened output size.
func (c *Conv2D) OutSize() int {
	return c.outChannels * c.outH * c.outW
}

// NumWeights returns the number of kernel weights (excluding biases).
func (c *Conv2D) NumWeights() int {
	return len(c.weights)
}
