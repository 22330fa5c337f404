package model

import (
	"math"

	"bitbucket.org/dtolpin/svgpvae/priors"
	"bitbucket.org/dtolpin/svgpvae/svgp"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"
)

// Objective is the ELBO of a fixed batch as a function of the
// packed SVGP parameters (see svgp.SVGP.Pack). The decoder is
// held fixed. Observe installs its argument into the SVGP.
type Objective struct {
	GP      *svgp.SVGP
	Decoder Decoder
	Shape   ImageShape
	Images  *mat.Dense
	Aux     *mat.Dense
	// Priors, if not nil, are added over the leading
	// hyperparameter block of the packed vector.
	Priors priors.Priors

	// Err is the error of the last failed evaluation;
	// Observe returns -Inf on failure.
	Err error

	x []float64
}

func (m *Objective) Observe(x []float64) float64 {
	m.x = append(m.x[:0], x...)
	ll, err := m.elbo(x)
	if err != nil {
		m.Err = err
		return math.Inf(-1)
	}
	return ll
}

// Gradient returns the gradient at the point of the last call
// to Observe, by central differences.
func (m *Objective) Gradient() []float64 {
	grad := fd.Gradient(nil, func(x []float64) float64 {
		ll, err := m.elbo(x)
		if err != nil {
			return math.NaN()
		}
		return ll
	}, m.x, &fd.Settings{Formula: fd.Central})

	// Differentiation moved the parameters around m.x.
	if err := m.GP.Unpack(m.x); err != nil {
		m.Err = err
	}
	return grad
}

func (m *Objective) elbo(x []float64) (float64, error) {
	if err := m.GP.Unpack(x); err != nil {
		return 0, err
	}
	r, err := Forward(m.GP, m.Decoder, m.Shape, m.Images, m.Aux)
	if err != nil {
		return 0, err
	}
	ll := r.ELBO
	if m.Priors != nil {
		ll += m.Priors.Observe(x[:m.Priors.NTheta()])
	}
	return ll, nil
}
