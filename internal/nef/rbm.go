// Package nef builds autoencoder layers the Neural Engineering Framework
// way: LIF rate neurons with statistically chosen encoders and decoders
// fit by regularised least squares, optionally fine-tuned by backprop.
package nef

import (
	"errors"
	"fmt"
	"math"
	"time"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/FlavioCFOliveira/deepnef/internal/net"
	"github.com/FlavioCFOliveira/deepnef/internal/neuron"
)

var (
	// ErrNonFinite reports a NaN or infinite parameter.
	ErrNonFinite = net.ErrNonFinite

	// ErrCovariance reports an eigendecomposition that does not
	// reproduce the data covariance.
	ErrCovariance = errors.New("covariance eigendecomposition mismatch")

	// ErrNotPretrained reports use of decoders before Pretrain.
	ErrNotPretrained = errors.New("rbm has no decoders")
)

// Config describes one layer.
type Config struct {
	Visible int
	Hidden  int

	// VisShape is the rows x cols layout of the visible units. It is
	// only needed together with RFShape.
	VisShape [2]int

	// RFShape restricts each hidden unit to a random rows x cols patch of
	// the visible image. The zero value means fully connected.
	RFShape [2]int

	// Intercepts are drawn uniformly from [Intercepts[0], Intercepts[1]].
	Intercepts [2]float64
	MaxRate    float64
	Neuron     neuron.LIF

	// Encoders, when set, replaces the random initial encoders. It is
	// masked and row-normalised like the random ones.
	Encoders *mat.Dense

	// Seed for the layer's random source; 0 picks one from the clock.
	Seed uint64
}

// DefaultConfig returns a fully connected layer with all intercepts at
// -0.5 and a 200Hz max rate.
func DefaultConfig(visible, hidden int) Config {
	return Config{
		Visible:    visible,
		Hidden:     hidden,
		Intercepts: [2]float64{-0.5, -0.5},
		MaxRate:    200,
		Neuron:     neuron.DefaultLIF(),
	}
}

// RBM is one encode/decode layer. Encoders and Decoders are both
// Hidden x Visible; Decoders is nil until Pretrain runs.
type RBM struct {
	Encoders *mat.Dense
	Decoders *mat.Dense
	Gain     []float64
	Bias     []float64
	MaxRates []float64

	// Mask is a 0/1 Hidden x Visible matrix, or nil.
	Mask *mat.Dense

	lif     neuron.LIF
	rng     *rand.Rand
	visible int
	hidden  int
}

// NewRBM creates a layer from cfg.
func NewRBM(cfg Config) (*RBM, error) {
	if cfg.Visible <= 0 || cfg.Hidden <= 0 {
		return nil, fmt.Errorf("rbm: invalid size %d -> %d", cfg.Visible, cfg.Hidden)
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	r := &RBM{
		lif:     cfg.Neuron,
		rng:     rand.New(rand.NewSource(seed)),
		visible: cfg.Visible,
		hidden:  cfg.Hidden,
	}

	if cfg.Encoders != nil {
		if h, v := cfg.Encoders.Dims(); h != cfg.Hidden || v != cfg.Visible {
			return nil, fmt.Errorf("rbm: encoders are %dx%d, want %dx%d", h, v, cfg.Hidden, cfg.Visible)
		}
		r.Encoders = mat.DenseCopyOf(cfg.Encoders)
	} else {
		r.Encoders = r.randomEncoders()
	}

	intercepts := make([]float64, cfg.Hidden)
	dist := distuv.Uniform{Min: cfg.Intercepts[0], Max: cfg.Intercepts[1], Src: r.rng}
	for i := range intercepts {
		intercepts[i] = dist.Rand()
	}
	r.MaxRates = make([]float64, cfg.Hidden)
	for i := range r.MaxRates {
		r.MaxRates[i] = cfg.MaxRate
	}

	var err error
	r.Gain, r.Bias, err = r.lif.GainBias(r.MaxRates, intercepts)
	if err != nil {
		return nil, fmt.Errorf("rbm: %w", err)
	}

	if cfg.RFShape != [2]int{} {
		r.Mask, err = r.receptiveFields(cfg.VisShape, cfg.RFShape)
		if err != nil {
			return nil, err
		}
		r.Encoders.MulElem(r.Encoders, r.Mask)
	}
	r.normalizeEncoders()
	if err := r.CheckParams(); err != nil {
		return nil, fmt.Errorf("rbm: %w", err)
	}
	return r, nil
}

// Visible returns the number of visible units.
func (r *RBM) Visible() int { return r.visible }

// Hidden returns the number of hidden units.
func (r *RBM) Hidden() int { return r.hidden }

func (r *RBM) randomEncoders() *mat.Dense {
	normal := distuv.Normal{Mu: 0, Sigma: 1, Src: r.rng}
	data := make([]float64, r.hidden*r.visible)
	for i := range data {
		data[i] = normal.Rand()
	}
	return mat.NewDense(r.hidden, r.visible, data)
}

// receptiveFields places a rf-sized window at a random top-left corner of
// the image for every hidden unit.
func (r *RBM) receptiveFields(shape, rf [2]int) (*mat.Dense, error) {
	rows, cols := shape[0], shape[1]
	if rows*cols != r.visible {
		return nil, fmt.Errorf("rbm: visible shape %dx%d does not hold %d units", rows, cols, r.visible)
	}
	if rf[0] <= 0 || rf[1] <= 0 || rf[0] > rows || rf[1] > cols {
		return nil, fmt.Errorf("rbm: receptive field %dx%d does not fit %dx%d", rf[0], rf[1], rows, cols)
	}

	mask := mat.NewDense(r.hidden, r.visible, nil)
	for k := 0; k < r.hidden; k++ {
		top := r.rng.Intn(rows - rf[0] + 1)
		left := r.rng.Intn(cols - rf[1] + 1)
		row := mask.RawRowView(k)
		for y := top; y < top+rf[0]; y++ {
			for x := left; x < left+rf[1]; x++ {
				row[y*cols+x] = 1
			}
		}
	}
	return mask, nil
}

// normalizeEncoders scales every encoder row to unit length. A row with
// zero norm is redrawn from the masked normal distribution first.
func (r *RBM) normalizeEncoders() {
	normal := distuv.Normal{Mu: 0, Sigma: 1, Src: r.rng}
	for k := 0; k < r.hidden; k++ {
		row := r.Encoders.RawRowView(k)
		norm := floats.Norm(row, 2)
		for norm == 0 {
			for i := range row {
				row[i] = normal.Rand()
				if r.Mask != nil {
					row[i] *= r.Mask.At(k, i)
				}
			}
			norm = floats.Norm(row, 2)
		}
		floats.Scale(1/norm, row)
	}
}

// StatisticalEncoders draws encoders shaped like the data: random normal
// vectors are coloured by the square root of the data covariance, so
// hidden units prefer directions the data actually varies in.
func (r *RBM) StatisticalEncoders(data *mat.Dense) error {
	n, v := data.Dims()
	if v != r.visible {
		return fmt.Errorf("rbm: data has %d columns, want %d", v, r.visible)
	}

	centred := mat.DenseCopyOf(data)
	col := make([]float64, n)
	for j := 0; j < v; j++ {
		mat.Col(col, j, centred)
		mean := stat.Mean(col, nil)
		floats.AddConst(-mean, col)
		centred.SetCol(j, col)
	}

	cov := mat.NewSymDense(v, nil)
	cov.SymOuterK(1/float64(n), centred.T())

	var eig mat.EigenSym
	if ok := eig.Factorize(cov, true); !ok {
		return fmt.Errorf("rbm: eigendecomposition failed: %w", ErrCovariance)
	}
	w := eig.Values(nil)
	var vecs mat.Dense
	eig.VectorsTo(&vecs)

	var vw, recon mat.Dense
	vw.Mul(&vecs, mat.NewDiagDense(v, w))
	recon.Mul(&vw, vecs.T())
	for i := 0; i < v; i++ {
		for j := 0; j < v; j++ {
			want := cov.At(i, j)
			if math.Abs(recon.At(i, j)-want) > 1e-6+1e-5*math.Abs(want) {
				return fmt.Errorf("rbm: covariance[%d,%d] = %g, reconstructed %g: %w",
					i, j, want, recon.At(i, j), ErrCovariance)
			}
		}
	}

	for i := range w {
		w[i] = math.Sqrt(math.Max(w[i], 0))
	}
	var gamma mat.Dense
	gamma.Mul(mat.NewDiagDense(v, w), vecs.T())

	r.Encoders.Mul(r.randomEncoders(), &gamma)
	if r.Mask != nil {
		r.Encoders.MulElem(r.Encoders, r.Mask)
	}
	r.normalizeEncoders()
	return nil
}

// Encode returns the hidden rates for each row of x.
func (r *RBM) Encode(x mat.Matrix) *mat.Dense {
	var pre mat.Dense
	pre.Mul(x, r.Encoders.T())
	return r.lif.Rates(&pre, r.Gain, r.Bias, r.MaxRates)
}

// Decode maps hidden rates back to the visible space.
func (r *RBM) Decode(y mat.Matrix) (*mat.Dense, error) {
	if r.Decoders == nil {
		return nil, ErrNotPretrained
	}
	var out mat.Dense
	out.Mul(y, r.Decoders)
	return &out, nil
}

// Pretrain fits the decoders to reconstruct data from its own encoding
// and returns the mean per-dimension RMSE of the fit.
func (r *RBM) Pretrain(data *mat.Dense) (float64, error) {
	acts := r.Encode(data)
	decoders, rmses, err := LstsqL2(acts, data, 0.1)
	if err != nil {
		return 0, fmt.Errorf("rbm: pretrain: %w", err)
	}
	r.Decoders = decoders
	if err := r.CheckParams(); err != nil {
		return 0, fmt.Errorf("rbm: pretrain: %w", err)
	}

	rmse := stat.Mean(rmses, nil)
	fmt.Printf("Trained RBM: %0.3f\n", rmse)
	return rmse, nil
}

// CheckParams returns an error wrapping ErrNonFinite if any parameter
// has gone NaN or infinite.
func (r *RBM) CheckParams() error {
	if err := net.CheckFinite("encoders", r.Encoders.RawMatrix().Data); err != nil {
		return err
	}
	if err := net.CheckFinite("max rates", r.MaxRates); err != nil {
		return err
	}
	if err := net.CheckFinite("gain", r.Gain); err != nil {
		return err
	}
	if err := net.CheckFinite("bias", r.Bias); err != nil {
		return err
	}
	if r.Decoders != nil {
		return net.CheckFinite("decoders", r.Decoders.RawMatrix().Data)
	}
	return nil
}

// RatesCurve tabulates every hidden unit's rate for n encoder inputs
// evenly spaced over [lo, hi]. Row i of rates is the response to x[i].
func (r *RBM) RatesCurve(lo, hi float64, n int) (x []float64, rates *mat.Dense) {
	x = floats.Span(make([]float64, n), lo, hi)
	pre := mat.NewDense(n, r.hidden, nil)
	for i, v := range x {
		row := pre.RawRowView(i)
		for k := range row {
			row[k] = v
		}
	}
	return x, r.lif.Rates(pre, r.Gain, r.Bias, r.MaxRates)
}
