package svgp

import (
	"bitbucket.org/dtolpin/svgpvae/kernel"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Config is the construction-time configuration of an SVGP.
// It is not retained: New copies what it needs.
type Config struct {
	// Inducing holds the initial inducing point locations,
	// M rows of [id, view, object features...].
	Inducing      *mat.Dense
	FixedInducing bool

	// Initial GP hyperparameters; zero values default to
	// length scale 1, amplitude 1, noise 0.1.
	LengthScale float64
	Amplitude   float64
	Noise       float64
	// FixedGP keeps length scale and amplitude constant.
	// The noise is always trainable.
	FixedGP bool

	// Embeddings is the initial object embedding table. When
	// nil, object features are read inline from the data.
	Embeddings *mat.Dense
	// Normalize turns the object kernel into cosine similarity.
	Normalize bool

	Jitter   float64
	NTrain   int
	Channels int
}

// Params is the parameter bundle shared by all channels:
// GP hyperparameters, inducing points and object features.
// Version is incremented on every update.
type Params struct {
	Version     uint64
	LengthScale float64
	Amplitude   float64
	Noise       float64
	Inducing    *mat.Dense
	Objects     kernel.Objects
}

// Kernel returns the composite kernel for the current values.
func (p *Params) Kernel(normalize bool) *kernel.Composite {
	return &kernel.Composite{
		LengthScale: p.LengthScale,
		Amplitude:   p.Amplitude,
		Normalize:   normalize,
		Objects:     p.Objects,
	}
}

func (p *Params) validate() error {
	switch {
	case !(p.Noise > 0):
		return errors.Wrapf(ErrHyperparameter, "noise %v", p.Noise)
	case !(p.LengthScale > 0):
		return errors.Wrapf(ErrHyperparameter,
			"length scale %v", p.LengthScale)
	case !(p.Amplitude > 0):
		return errors.Wrapf(ErrHyperparameter,
			"amplitude %v", p.Amplitude)
	}
	m, d := p.Inducing.Dims()
	if m == 0 || d < 2 {
		return errors.Wrapf(kernel.ErrShape,
			"inducing points are %d×%d", m, d)
	}
	if dim := p.Objects.Dim(); dim >= 0 && dim != d-2 {
		return errors.Wrapf(kernel.ErrShape,
			"embeddings of width %d, inducing features of width %d",
			dim, d-2)
	}
	return nil
}

func (p *Params) clone() Params {
	c := *p
	c.Inducing = mat.DenseCopyOf(p.Inducing)
	if o, ok := p.Objects.(kernel.Learned); ok {
		c.Objects = kernel.Learned{Table: mat.DenseCopyOf(o.Table)}
	}
	return c
}

// Variational is the Gaussian q(u) = N(Mean, Factor·Factorᵀ)
// of one latent channel.
type Variational struct {
	Mean   *mat.VecDense
	Factor *mat.Dense
}

// Cov returns the covariance Factor·Factorᵀ.
func (q *Variational) Cov() *mat.SymDense {
	m, _ := q.Factor.Dims()
	s := mat.NewSymDense(m, nil)
	s.SymOuterK(1, q.Factor)
	return s
}

func (q *Variational) clone() Variational {
	mean := mat.NewVecDense(q.Mean.Len(), nil)
	mean.CopyVec(q.Mean)
	return Variational{
		Mean:   mean,
		Factor: mat.DenseCopyOf(q.Factor),
	}
}

func (q *Variational) validate(m int) error {
	r, c := q.Factor.Dims()
	if q.Mean.Len() != m || r != m || c != m {
		return errors.Wrapf(kernel.ErrShape,
			"variational mean of length %d and factor %d×%d "+
				"for %d inducing points",
			q.Mean.Len(), r, c, m)
	}
	return nil
}
