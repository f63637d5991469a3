package nef

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/FlavioCFOliveira/deepnef/internal/dataset"
	"github.com/FlavioCFOliveira/deepnef/internal/neuron"
)

func uniformData(rng *rand.Rand, rows, cols int, lo, hi float64) *mat.Dense {
	data := make([]float64, rows*cols)
	for i := range data {
		data[i] = lo + (hi-lo)*rng.Float64()
	}
	return mat.NewDense(rows, cols, data)
}

func assertUnitRows(t *testing.T, m *mat.Dense) {
	t.Helper()
	rows, _ := m.Dims()
	for i := 0; i < rows; i++ {
		assert.InDelta(t, 1.0, floats.Norm(m.RawRowView(i), 2), 1e-9, "row %d", i)
	}
}

func TestNewRBMUnitNorm(t *testing.T) {
	r, err := NewRBM(DefaultConfig(20, 30))
	require.NoError(t, err)
	assertUnitRows(t, r.Encoders)
	assert.Nil(t, r.Decoders)
	assert.Equal(t, 20, r.Visible())
	assert.Equal(t, 30, r.Hidden())
}

func TestNewRBMReceptiveFields(t *testing.T) {
	cfg := DefaultConfig(28*28, 40)
	cfg.VisShape = [2]int{28, 28}
	cfg.RFShape = [2]int{9, 9}
	cfg.Seed = 3

	r, err := NewRBM(cfg)
	require.NoError(t, err)
	require.NotNil(t, r.Mask)
	assertUnitRows(t, r.Encoders)

	for k := 0; k < 40; k++ {
		assert.Equal(t, 81.0, floats.Sum(r.Mask.RawRowView(k)))
		for i, e := range r.Encoders.RawRowView(k) {
			if r.Mask.At(k, i) == 0 {
				assert.Zero(t, e)
			}
		}
	}
}

func TestNewRBMErrors(t *testing.T) {
	cfg := DefaultConfig(16, 4)
	cfg.VisShape = [2]int{4, 4}
	cfg.RFShape = [2]int{5, 1}
	_, err := NewRBM(cfg)
	assert.Error(t, err)

	cfg.VisShape = [2]int{3, 3}
	cfg.RFShape = [2]int{2, 2}
	_, err = NewRBM(cfg)
	assert.Error(t, err)

	cfg = DefaultConfig(16, 4)
	cfg.Encoders = mat.NewDense(4, 15, nil)
	_, err = NewRBM(cfg)
	assert.Error(t, err)

	cfg = DefaultConfig(16, 4)
	cfg.MaxRate = 600
	_, err = NewRBM(cfg)
	assert.Error(t, err)

	_, err = NewRBM(DefaultConfig(0, 4))
	assert.Error(t, err)

	cfg = DefaultConfig(16, 4)
	cfg.Intercepts = [2]float64{1, 1}
	_, err = NewRBM(cfg)
	assert.ErrorIs(t, err, neuron.ErrIntercept)
}

func TestNewRBMRejectsNonFiniteEncoders(t *testing.T) {
	enc := mat.NewDense(2, 3, []float64{1, 0, 0, 0, math.Inf(1), 1})
	cfg := DefaultConfig(3, 2)
	cfg.Encoders = enc
	cfg.Seed = 3

	r, err := NewRBM(cfg)
	assert.ErrorIs(t, err, ErrNonFinite)
	assert.Nil(t, r)
}

func TestNewRBMEncodersOption(t *testing.T) {
	cfg := DefaultConfig(3, 2)
	cfg.Encoders = mat.NewDense(2, 3, []float64{3, 0, 4, 0, 0, 0})
	cfg.Seed = 1

	r, err := NewRBM(cfg)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0.6, 0, 0.8}, r.Encoders.RawRowView(0), 1e-12)
	// The zero row is redrawn.
	assertUnitRows(t, r.Encoders)
	// The caller's matrix is not modified.
	assert.Equal(t, 3.0, cfg.Encoders.At(0, 0))
}

func TestStatisticalEncoders(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	base := uniformData(rng, 300, 3, -1, 1)
	// Six correlated columns from three sources.
	mix := mat.NewDense(3, 6, []float64{
		1, 0.5, 0, 0, 1, 0,
		0, 0.5, 1, 0, 0, 0,
		0, 0, 0, 1, 1, 0.1,
	})
	var data mat.Dense
	data.Mul(base, mix)

	cfg := DefaultConfig(6, 10)
	cfg.Seed = 2
	r, err := NewRBM(cfg)
	require.NoError(t, err)
	require.NoError(t, r.StatisticalEncoders(&data))
	assertUnitRows(t, r.Encoders)

	assert.Error(t, r.StatisticalEncoders(mat.NewDense(10, 5, nil)))
}

func TestStatisticalEncodersZeroVariance(t *testing.T) {
	cfg := DefaultConfig(4, 6)
	cfg.VisShape = [2]int{2, 2}
	cfg.RFShape = [2]int{1, 1}
	cfg.Seed = 5
	r, err := NewRBM(cfg)
	require.NoError(t, err)

	constant := mat.NewDense(20, 4, nil)
	for i := 0; i < 20; i++ {
		constant.SetRow(i, []float64{0.3, 0.3, 0.3, 0.3})
	}
	require.NoError(t, r.StatisticalEncoders(constant))
	assertUnitRows(t, r.Encoders)

	// Every row falls back to a masked draw: one nonzero of magnitude 1.
	for k := 0; k < 6; k++ {
		var nonzero int
		for i, e := range r.Encoders.RawRowView(k) {
			if e != 0 {
				nonzero++
				assert.Equal(t, 1.0, r.Mask.At(k, i))
			}
		}
		assert.Equal(t, 1, nonzero)
	}
}

func TestLstsqL2MatchesNormalEquations(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	for _, tc := range []struct {
		name       string
		rows, cols int
	}{
		{"primal", 30, 8},
		{"dual", 6, 12},
	} {
		t.Run(tc.name, func(t *testing.T) {
			a := uniformData(rng, tc.rows, tc.cols, 0, 2)
			y := uniformData(rng, tc.rows, 3, -1, 1)

			x, rmses, err := LstsqL2(a, y, 0.1)
			require.NoError(t, err)

			sigma := 0.1 * mat.Max(a)
			lambda := sigma * sigma * float64(tc.rows)
			var gram, rhs mat.Dense
			gram.Mul(a.T(), a)
			for i := 0; i < tc.cols; i++ {
				gram.Set(i, i, gram.At(i, i)+lambda)
			}
			rhs.Mul(a.T(), y)
			var want mat.Dense
			require.NoError(t, want.Solve(&gram, &rhs))

			assert.True(t, mat.EqualApprox(x, &want, 1e-8))
			require.Len(t, rmses, 3)

			var resid mat.Dense
			resid.Mul(a, x)
			resid.Sub(&resid, y)
			col := make([]float64, tc.rows)
			for j, got := range rmses {
				mat.Col(col, j, &resid)
				assert.InDelta(t, floats.Norm(col, 2)/math.Sqrt(float64(tc.rows)), got, 1e-12)
			}
		})
	}
}

func TestLstsqL2Errors(t *testing.T) {
	_, _, err := LstsqL2(mat.NewDense(3, 2, nil), mat.NewDense(4, 1, nil), 0.1)
	assert.Error(t, err)

	// All-silent activities leave nothing to regularise with.
	_, _, err = LstsqL2(mat.NewDense(5, 2, nil), mat.NewDense(5, 1, nil), 0.1)
	assert.ErrorIs(t, err, ErrSingular)
}

func TestPretrainImprovesWithMoreUnits(t *testing.T) {
	rng := rand.New(rand.NewSource(13))
	data := uniformData(rng, 300, 4, -1, 1)

	fit := func(hidden int) float64 {
		cfg := DefaultConfig(4, hidden)
		cfg.Seed = 17
		r, err := NewRBM(cfg)
		require.NoError(t, err)
		rmse, err := r.Pretrain(data)
		require.NoError(t, err)
		return rmse
	}

	small, large := fit(5), fit(100)
	assert.Less(t, large, small)
	assert.Less(t, large, 0.1)
}

func identityLayer(t *testing.T, visible int) *RBM {
	t.Helper()
	cfg := DefaultConfig(visible, visible)
	cfg.Encoders = mat.NewDense(visible, visible, nil)
	for i := 0; i < visible; i++ {
		cfg.Encoders.Set(i, i, 1)
	}
	cfg.Seed = 1
	r, err := NewRBM(cfg)
	require.NoError(t, err)
	return r
}

func TestIdentityLayerReconstructs(t *testing.T) {
	rng := rand.New(rand.NewSource(19))
	data := uniformData(rng, 200, 8, 0, 1)

	r := identityLayer(t, 8)
	_, err := r.Pretrain(data)
	require.NoError(t, err)

	dbn := &DBN{}
	dbn.Add(r)
	rmses, err := dbn.TestReconstruction(data)
	require.NoError(t, err)
	assert.Len(t, rmses, 200)
	assert.Less(t, stat.Mean(rmses, nil), 0.15)
}

func TestReconstructionWorkersAgree(t *testing.T) {
	rng := rand.New(rand.NewSource(53))
	data := uniformData(rng, 1000, 6, -1, 1)

	r := identityLayer(t, 6)
	_, err := r.Pretrain(data)
	require.NoError(t, err)

	serial, err := (&DBN{RBMs: []*RBM{r}}).TestReconstruction(data)
	require.NoError(t, err)
	parallel, err := (&DBN{RBMs: []*RBM{r}, Workers: 4}).TestReconstruction(data)
	require.NoError(t, err)
	assert.InDeltaSlice(t, serial, parallel, 1e-12)

	_, err = (&DBN{RBMs: []*RBM{identityLayer(t, 6)}, Workers: 4}).TestReconstruction(data)
	assert.ErrorIs(t, err, ErrNotPretrained)
}

func TestDecodeBeforePretrain(t *testing.T) {
	r := identityLayer(t, 3)
	_, err := r.Decode(mat.NewDense(1, 3, nil))
	assert.ErrorIs(t, err, ErrNotPretrained)

	_, err = r.Backprop(context.Background(), mat.NewDense(20, 3, nil), DefaultTrainConfig())
	assert.ErrorIs(t, err, ErrNotPretrained)
}

func TestDBNOrder(t *testing.T) {
	rng := rand.New(rand.NewSource(23))
	data := uniformData(rng, 40, 6, -1, 1)

	first, err := NewRBM(DefaultConfig(6, 5))
	require.NoError(t, err)
	second, err := NewRBM(DefaultConfig(5, 3))
	require.NoError(t, err)
	first.Decoders = uniformData(rng, 5, 6, -1, 1)
	second.Decoders = uniformData(rng, 3, 5, -1, 1)

	dbn := &DBN{RBMs: []*RBM{first, second}}
	codes := dbn.Encode(data)
	assert.True(t, mat.Equal(codes, second.Encode(first.Encode(data))))

	recon, err := dbn.Reconstruct(data)
	require.NoError(t, err)
	down, err := second.Decode(codes)
	require.NoError(t, err)
	want, err := first.Decode(down)
	require.NoError(t, err)
	assert.True(t, mat.Equal(recon, want))
}

func TestReconstructionGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(29))
	x := uniformData(rng, 5, 4, -1, 1)

	first, err := NewRBM(DefaultConfig(4, 6))
	require.NoError(t, err)
	second, err := NewRBM(DefaultConfig(6, 3))
	require.NoError(t, err)
	first.Decoders = uniformData(rng, 6, 4, -0.5, 0.5)
	second.Decoders = uniformData(rng, 3, 6, -0.5, 0.5)
	layers := []*RBM{first, second}

	_, grads := reconstructionGrads(layers, x, true)

	check := func(name string, params, analytic []float64) {
		t.Helper()
		orig := append([]float64(nil), params...)
		numeric := fd.Gradient(nil, func(p []float64) float64 {
			copy(params, p)
			cost, _ := reconstructionGrads(layers, x, true)
			return cost
		}, orig, &fd.Settings{Formula: fd.Central, Step: 1e-6})
		copy(params, orig)
		assert.InDeltaSlice(t, numeric, analytic, 1e-6, name)
	}

	for l, r := range layers {
		check("encoders", r.Encoders.RawMatrix().Data, grads[l].enc.RawMatrix().Data)
		check("bias", r.Bias, grads[l].bias)
		check("decoders", r.Decoders.RawMatrix().Data, grads[l].dec.RawMatrix().Data)
	}
}

func TestBackpropReducesError(t *testing.T) {
	rng := rand.New(rand.NewSource(31))
	data := uniformData(rng, 100, 8, 0, 1)

	r := identityLayer(t, 8)
	_, err := r.Pretrain(data)
	require.NoError(t, err)

	dbn := &DBN{RBMs: []*RBM{r}}
	before, err := dbn.TestReconstruction(data)
	require.NoError(t, err)

	cfg := TrainConfig{Rate: 0.05, Epochs: 5, BatchSize: 20}
	costs, err := dbn.Backprop(context.Background(), data, cfg)
	require.NoError(t, err)
	assert.Len(t, costs, 5)
	require.NoError(t, r.CheckParams())

	after, err := dbn.TestReconstruction(data)
	require.NoError(t, err)
	assert.Less(t, stat.Mean(after, nil), stat.Mean(before, nil))
}

func TestBackpropReceptiveFields(t *testing.T) {
	data := uniformData(rand.New(rand.NewSource(43)), 40, 16, -1, 1)

	outside := func(unmasked bool) int {
		cfg := DefaultConfig(16, 6)
		cfg.VisShape = [2]int{4, 4}
		cfg.RFShape = [2]int{2, 2}
		cfg.Seed = 47
		r, err := NewRBM(cfg)
		require.NoError(t, err)
		_, err = r.Pretrain(data)
		require.NoError(t, err)

		train := TrainConfig{Rate: 0.05, Epochs: 2, BatchSize: 20, Unmasked: unmasked}
		_, err = r.Backprop(context.Background(), data, train)
		require.NoError(t, err)

		var n int
		for k := 0; k < 6; k++ {
			for i := 0; i < 16; i++ {
				if r.Mask.At(k, i) == 0 && r.Encoders.At(k, i) != 0 {
					n++
				}
			}
		}
		return n
	}

	assert.Zero(t, outside(false))
	assert.Greater(t, outside(true), 0)
}

func TestBackpropBatchSize(t *testing.T) {
	r := identityLayer(t, 3)
	_, err := r.Pretrain(uniformData(rand.New(rand.NewSource(1)), 20, 3, 0, 1))
	require.NoError(t, err)

	_, err = r.Backprop(context.Background(), mat.NewDense(21, 3, nil), DefaultTrainConfig())
	assert.ErrorIs(t, err, dataset.ErrBatchSize)
}

func TestBackpropCancelled(t *testing.T) {
	data := uniformData(rand.New(rand.NewSource(2)), 40, 3, 0, 1)
	r := identityLayer(t, 3)
	_, err := r.Pretrain(data)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.Backprop(ctx, data, DefaultTrainConfig())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCheckParams(t *testing.T) {
	r := identityLayer(t, 3)
	require.NoError(t, r.CheckParams())

	r.Bias[1] = math.NaN()
	assert.ErrorIs(t, r.CheckParams(), ErrNonFinite)
}

func TestRatesCurve(t *testing.T) {
	r, err := NewRBM(DefaultConfig(2, 4))
	require.NoError(t, err)

	x, rates := r.RatesCurve(-1, 1, 201)
	require.Len(t, x, 201)
	assert.Equal(t, -1.0, x[0])
	assert.InDelta(t, 1.0, x[200], 1e-12)

	rows, cols := rates.Dims()
	assert.Equal(t, 201, rows)
	assert.Equal(t, 4, cols)
	// Every unit has its intercept at -0.5, so it is all but silent at -1
	// and reaches its max rate at 1.
	for k := 0; k < cols; k++ {
		assert.Less(t, rates.At(0, k), 0.01)
		assert.InDelta(t, 1.0, rates.At(200, k), 1e-3)
	}
}

func TestRun(t *testing.T) {
	rng := rand.New(rand.NewSource(37))
	set := func(n int) *dataset.Set {
		s := &dataset.Set{Channels: 1, Height: 4, Width: 4}
		for i := 0; i < n; i++ {
			s.Images = append(s.Images, uniformData(rng, 1, 16, -1, 1).RawRowView(0))
		}
		return s
	}
	train, valid, test := set(60), set(20), set(20)

	cfg := RunConfig{
		Hidden:          []int{12, 6},
		RFShapes:        [][2]int{{3, 3}, {}},
		PretrainSamples: 40,
		ValidSamples:    10,
		Train:           TrainConfig{Rate: 0.05, Epochs: 2, BatchSize: 20},
		Seed:            41,
	}
	dbn, res, err := Run(context.Background(), cfg, train, valid, test)
	require.NoError(t, err)

	require.Len(t, dbn.RBMs, 2)
	assert.NotNil(t, dbn.RBMs[0].Mask)
	assert.Nil(t, dbn.RBMs[1].Mask)
	assert.Len(t, res.LayerErrors, 2)
	assert.Len(t, res.Costs, 2)
	assert.Greater(t, res.TestError, 0.0)

	cfg.RFShapes = [][2]int{{3, 3}}
	_, _, err = Run(context.Background(), cfg, train, valid, test)
	assert.Error(t, err)
}

func TestRunSampleCounts(t *testing.T) {
	set := &dataset.Set{Channels: 1, Height: 2, Width: 2, Images: [][]float64{{0, 1, 0, 1}}}
	base := RunConfig{Hidden: []int{4}, PretrainSamples: 1, ValidSamples: 1, Train: DefaultTrainConfig()}

	for _, tc := range []struct {
		name            string
		pretrain, valid int
	}{
		{"zero pretrain", 0, 1},
		{"zero valid", 1, 0},
		{"negative pretrain", -5, 1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			cfg.PretrainSamples, cfg.ValidSamples = tc.pretrain, tc.valid
			assert.NotPanics(t, func() {
				_, _, err := Run(context.Background(), cfg, set, set, set)
				assert.ErrorIs(t, err, ErrSampleCount)
			})
		})
	}
}
