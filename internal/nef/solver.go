package nef

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// ErrSingular reports a regularised Gram matrix that is not positive definite.
var ErrSingular = errors.New("gram matrix is not positive definite")

// LstsqL2 solves min ||A·X - Y||² + λ||X||² by Cholesky factorisation of
// the regularised Gram matrix, with λ = (reg·max(A))²·m for an m x n
// activity matrix A. When there are fewer samples than units the m x m
// dual system is solved instead. rmses holds the fit's RMSE for each
// column of Y.
func LstsqL2(a, y *mat.Dense, reg float64) (x *mat.Dense, rmses []float64, err error) {
	m, n := a.Dims()
	if ym, _ := y.Dims(); ym != m {
		return nil, nil, fmt.Errorf("lstsq: %d activity rows but %d target rows", m, ym)
	}

	sigma := reg * mat.Max(a)
	lambda := sigma * sigma * float64(m)

	transpose := m < n
	size := n
	if transpose {
		size = m
	}
	gram := mat.NewSymDense(size, nil)
	if transpose {
		gram.SymOuterK(1, a)
	} else {
		gram.SymOuterK(1, a.T())
	}
	for i := 0; i < size; i++ {
		gram.SetSym(i, i, gram.At(i, i)+lambda)
	}

	var chol mat.Cholesky
	if ok := chol.Factorize(gram); !ok {
		return nil, nil, fmt.Errorf("lstsq: lambda %g: %w", lambda, ErrSingular)
	}

	x = new(mat.Dense)
	if transpose {
		var z mat.Dense
		if err := chol.SolveTo(&z, y); err != nil {
			return nil, nil, fmt.Errorf("lstsq: %w", err)
		}
		x.Mul(a.T(), &z)
	} else {
		var b mat.Dense
		b.Mul(a.T(), y)
		if err := chol.SolveTo(x, &b); err != nil {
			return nil, nil, fmt.Errorf("lstsq: %w", err)
		}
	}

	return x, columnRMSE(a, x, y), nil
}

func columnRMSE(a, x, y *mat.Dense) []float64 {
	var resid mat.Dense
	resid.Mul(a, x)
	resid.Sub(&resid, y)

	m, k := resid.Dims()
	rmses := make([]float64, k)
	col := make([]float64, m)
	for j := range rmses {
		mat.Col(col, j, &resid)
		rmses[j] = math.Sqrt(floats.Dot(col, col) / float64(m))
	}
	return rmses
}
