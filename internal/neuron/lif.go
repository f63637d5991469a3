// Package neuron implements the smoothed leaky integrate-and-fire (LIF)
// rate model used by the NEF layers.
package neuron

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/FlavioCFOliveira/deepnef/internal/activations"
)

// ErrMaxRate reports a maximum firing rate the refractory period cannot reach.
var ErrMaxRate = errors.New("max rate exceeds 1/tauRef")

// ErrIntercept reports an intercept at or above x = 1, where the unit
// would have to reach maxRate before it starts firing.
var ErrIntercept = errors.New("intercept must be below 1")

// LIF holds the membrane and refractory time constants (seconds) and the
// width of the softplus knee that smooths the firing threshold.
type LIF struct {
	TauRC  float64
	TauRef float64
	Sigma  float64
}

// DefaultLIF returns tauRC 20ms, tauRef 2ms and a 0.05 knee.
func DefaultLIF() LIF {
	return LIF{TauRC: 0.02, TauRef: 0.002, Sigma: 0.05}
}

// GainBias computes per-unit gain and bias so that a unit with encoder
// input x starts firing at x = intercept and fires at maxRate when x = 1.
func (l LIF) GainBias(maxRates, intercepts []float64) (gain, bias []float64, err error) {
	if len(maxRates) != len(intercepts) {
		return nil, nil, fmt.Errorf("%d max rates but %d intercepts", len(maxRates), len(intercepts))
	}

	gain = make([]float64, len(maxRates))
	bias = make([]float64, len(maxRates))
	for i, r := range maxRates {
		if r <= 0 || r*l.TauRef >= 1 {
			return nil, nil, fmt.Errorf("unit %d rate %v with tauRef %v: %w", i, r, l.TauRef, ErrMaxRate)
		}
		if !(intercepts[i] < 1) {
			return nil, nil, fmt.Errorf("unit %d intercept %v: %w", i, intercepts[i], ErrIntercept)
		}
		x := 1 / (1 - math.Exp((l.TauRef-1/r)/l.TauRC))
		gain[i] = (1 - x) / (intercepts[i] - 1)
		bias[i] = 1 - gain[i]*intercepts[i]
	}
	return gain, bias, nil
}

func (l LIF) current(u float64) (j, dj float64) {
	sp := activations.NewSoftplus(l.Sigma)
	return sp.Activate(u - 1), sp.Derivative(u - 1)
}

// Rate returns the firing rate for input current u = gain*x + bias,
// normalised by maxRate. The result lies in [0, 1/(TauRef*maxRate)].
func (l LIF) Rate(u, maxRate float64) float64 {
	j, _ := l.current(u)
	if j <= 0 {
		return 0
	}
	return 1 / (l.TauRef + l.TauRC*math.Log1p(1/j)) / maxRate
}

// RateDeriv returns dRate/du.
func (l LIF) RateDeriv(u, maxRate float64) float64 {
	j, dj := l.current(u)
	if j <= 0 {
		return 0
	}
	v := 1 / (l.TauRef + l.TauRC*math.Log1p(1/j))
	return v * v * l.TauRC * (dj / j) / (j + 1) / maxRate
}

// Rates applies Rate column-wise to pre, where column k belongs to the
// unit with gain[k], bias[k] and maxRates[k].
func (l LIF) Rates(pre *mat.Dense, gain, bias, maxRates []float64) *mat.Dense {
	var out mat.Dense
	out.Apply(func(_, k int, v float64) float64 {
		return l.Rate(gain[k]*v+bias[k], maxRates[k])
	}, pre)
	return &out
}

// RatesDeriv evaluates RateDeriv over pre. Entries are derivatives with
// respect to the input current; multiply column k by gain[k] for the
// derivative with respect to pre itself.
func (l LIF) RatesDeriv(pre *mat.Dense, gain, bias, maxRates []float64) *mat.Dense {
	var out mat.Dense
	out.Apply(func(_, k int, v float64) float64 {
		return l.RateDeriv(gain[k]*v+bias[k], maxRates[k])
	}, pre)
	return &out
}
