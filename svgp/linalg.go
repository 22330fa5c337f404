package svgp

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// jittered returns a copy of a with jitter added to the diagonal.
func jittered(a mat.Symmetric, jitter float64) *mat.SymDense {
	n := a.Symmetric()
	j := mat.NewSymDense(n, nil)
	j.CopySym(a)
	for i := 0; i != n; i++ {
		j.SetSym(i, i, j.At(i, i)+jitter)
	}
	return j
}

func factorize(a *mat.SymDense, name string) (*mat.Cholesky, error) {
	var chol mat.Cholesky
	if ok := chol.Factorize(a); !ok {
		return nil, errors.Wrapf(ErrSingular, "cholesky of %s", name)
	}
	return &chol, nil
}
