package layer

import (
	"fmt"
	"math"
)

// MaxPool2D implements 2D max pooling.
// Downsamples by taking the maximum over sliding windows.
// Stores argmax indices for correct gradient flow during backward pass.
//
// In ceil mode the last window along each axis may hang over the input
// edge; only the in-bounds elements take part. This matches pooling that
// does not ignore the border, e.g. 13x13 -> 7x7 with a 2x2 window.
type MaxPool2D struct {
	kernelSize int
	stride     int
	ceilMode   bool

	inChannels   int
	inputHeight  int
	inputWidth   int
	outputHeight int
	outputWidth  int

	outputBuf []float64
	gradInBuf []float64
	argmaxBuf []int // index of the max input for each output position
}

// NewMaxPool2D creates a new 2D max pooling layer for a fixed input size.
// inChannels: number of input channels
// kernelSize: size of pooling window (square)
// stride: stride for pooling
// ceilMode: keep partial windows at the bottom/right edge
func NewMaxPool2D(inChannels, kernelSize, stride, height, width int, ceilMode bool) *MaxPool2D {
	m := &MaxPool2D{
		inChannels:  inChannels,
		kernelSize:  kernelSize,
		stride:      stride,
		ceilMode:    ceilMode,
		inputHeight: height,
		inputWidth:  width,
	}
	m.outputHeight, m.outputWidth = m.computeOutputSize(height, width)
	if m.outputHeight <= 0 || m.outputWidth <= 0 {
		panic(fmt.Sprintf("MaxPool2D: window %d does not fit input %dx%d", kernelSize, height, width))
	}

	nOut := inChannels * m.outputHeight * m.outputWidth
	m.outputBuf = make([]float64, nOut)
	m.argmaxBuf = make([]int, nOut)
	m.gradInBuf = make([]float64, inChannels*height*width)
	return m
}

// computeOutputSize calculates the output spatial dimensions
func (m *MaxPool2D) computeOutputSize(inputHeight, inputWidth int) (int, int) {
	if m.ceilMode {
		outH := (inputHeight-m.kernelSize+m.stride-1)/m.stride + 1
		outW := (inputWidth-m.kernelSize+m.stride-1)/m.stride + 1
		return outH, outW
	}
	outH := (inputHeight-m.kernelSize)/m.stride + 1
	outW := (inputWidth-m.kernelSize)/m.stride + 1
	return outH, outW
}

// OutputDims returns the pooled height and width.
func (m *MaxPool2D) OutputDims() (int, int) {
	return m.outputHeight, m.outputWidth
}

// Forward performs a forward pass through the max pooling layer.
func (m *MaxPool2D) Forward(input []float64) []float64 {
	if len(input) != len(m.gradInBuf) {
		panic(fmt.Sprintf("MaxPool2D: input length %d, want %d", len(input), len(m.gradInBuf)))
	}

	outH := m.outputHeight
	outW := m.outputWidth
	inputHeight := m.inputHeight
	inputWidth := m.inputWidth
	channelStride := inputHeight * inputWidth
	outputChannelStride := outH * outW

	for c := 0; c < m.inChannels; c++ {
		channelOffset := c * channelStride
		outputOffset := c * outputChannelStride

		for oh := 0; oh < outH; oh++ {
			for ow := 0; ow < outW; ow++ {
				maxVal := math.Inf(-1)
				maxIdx := -1

				for kh := 0; kh < m.kernelSize; kh++ {
					inH := oh*m.stride + kh
					if inH >= inputHeight {
						break
					}
					for kw := 0; kw < m.kernelSize; kw++ {
						inW := ow*m.stride + kw
						if inW >= inputWidth {
							break
						}
						idx := channelOffset + inH*inputWidth + inW
						if input[idx] > maxVal {
							maxVal = input[idx]
							maxIdx = idx
						}
					}
				}

				pos := outputOffset + oh*outW + ow
				m.outputBuf[pos] = maxVal
				m.argmaxBuf[pos] = maxIdx
			}
		}
	}

	return m.outputBuf
}

// Backward routes each output gradient to the input that won the max.
func (m *MaxPool2D) Backward(grad []float64) []float64 {
	gradIn := m.gradInBuf
	for i := range gradIn {
		gradIn[i] = 0
	}

	for pos, maxIdx := range m.argmaxBuf {
		if maxIdx >= 0 {
			gradIn[maxIdx] += grad[pos]
		}
	}

	return gradIn
}

// Params returns layer parameters (empty for MaxPool2D).
func (m *MaxPool2D) Params() []float64 { return nil }

// SetParams is a no-op for MaxPool2D.
func (m *MaxPool2D) SetParams(params []float64) {}

// Gradients returns layer gradients (empty for MaxPool2D).
func (m *MaxPool2D) Gradients() []float64 { return nil }

// ClearGradients is a no-op for MaxPool2D.
func (m *MaxPool2D) ClearGradients() {}

// InSize returns the total input size (channels * height * width).
func (m *MaxPool2D) InSize() int {
	return m.inChannels * m.inputHeight * m.inputWidth
}

// OutSize returns the total output size (channels * outputHeight * outputWidth).
func (m *MaxPool2D) OutSize() int {
	return m.inChannels * m.outputHeight * m.outputWidth
}
