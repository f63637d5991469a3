// Package activations provides element-wise activation functions.
package activations

import "math"

// Activation is an activation function with derivative.
type Activation interface {
	// Activate computes f(x)
	Activate(x float64) float64

	// Derivative computes f'(x) at the pre-activation value x
	Derivative(x float64) float64
}

// Tanh activation function.
type Tanh struct{}

// Activate computes tanh(x)
func (t Tanh) Activate(x float64) float64 {
	return math.Tanh(x)
}

// Derivative computes 1 - tanh(x)^2
func (t Tanh) Derivative(x float64) float64 {
	tanhX := math.Tanh(x)
	return 1 - tanhX*tanhX
}

func sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	// Keeps exp from overflowing for large negative x
	e := math.Exp(x)
	return e / (1 + e)
}

// Linear is the identity activation, used for readout layers whose
// output feeds a softmax loss.
type Linear struct{}

// Activate returns x unchanged.
func (l Linear) Activate(x float64) float64 { return x }

// Derivative returns 1.
func (l Linear) Derivative(x float64) float64 { return 1 }

// Softplus is a smoothed rectifier with a configurable knee width:
// f(x) = sigma * log1p(exp(x / sigma)).
// Smaller Sigma gives a sharper corner at zero.
type Softplus struct {
	Sigma float64
}

// NewSoftplus creates a Softplus with the given knee width.
func NewSoftplus(sigma float64) *Softplus {
	return &Softplus{Sigma: sigma}
}

// Activate computes sigma * log1p(exp(x / sigma))
func (s *Softplus) Activate(x float64) float64 {
	t := x / s.Sigma
	if t > 30 {
		// log1p(exp(t)) == t to double precision
		return x
	}
	return s.Sigma * math.Log1p(math.Exp(t))
}

// Derivative computes sigmoid(x / sigma)
func (s *Softplus) Derivative(x float64) float64 {
	return sigmoid(x / s.Sigma)
}

// Softmax computes softmax(x) = exp(x) / sum(exp(x)) in-place and returns x.
func Softmax(x []float64) []float64 {
	// Find max for numerical stability
	maxVal := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > maxVal {
			maxVal = x[i]
		}
	}

	sum := 0.0
	for i := range x {
		x[i] = math.Exp(x[i] - maxVal)
		sum += x[i]
	}

	for i := range x {
		x[i] /= sum
	}
	return x
}

// Argmax returns the index of the largest element of x.
func Argmax(x []float64) int {
	best := 0
	for i := 1; i < len(x); i++ {
		if x[i] > x[best] {
			best = i
		}
	}
	return best
}
