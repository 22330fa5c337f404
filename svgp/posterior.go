package svgp

import (
	"sync"

	"bitbucket.org/dtolpin/svgpvae/kernel"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Posterior is the predictive distribution of one channel at
// a set of test points under q(u).
type Posterior struct {
	Mean *mat.VecDense
	// Var is the diagonal of the predictive covariance.
	Var *mat.VecDense
}

// predictor holds A = K_xm·K_mm⁻¹ and A·(K_mm − S)
// for one channel.
type predictor struct {
	a    *mat.Dense
	amid *mat.Dense
	mean *mat.VecDense
}

func (s *SVGP) predictor(in *inducing, kxm *mat.Dense, q *Variational) *predictor {
	var a mat.Dense
	a.Mul(kxm, in.inv)
	var mean mat.VecDense
	mean.MulVec(&a, q.Mean)

	var mid, amid mat.Dense
	mid.Sub(in.kmm, q.Cov())
	amid.Mul(&a, &mid)
	return &predictor{a: &a, amid: &amid, mean: &mean}
}

func (s *SVGP) testTerms(x *mat.Dense) (*inducing, *mat.Dense, error) {
	in, err := s.inducingTerms()
	if err != nil {
		return nil, nil, err
	}
	kxm, err := in.kern.Matrix(x, kernel.Test,
		s.params.Inducing, kernel.Inducing)
	if err != nil {
		return nil, nil, errors.Wrap(err, "K_xm")
	}
	return in, kxm, nil
}

func (s *SVGP) posterior(in *inducing, kxm *mat.Dense, kxx []float64, q *Variational) Posterior {
	pr := s.predictor(in, kxm, q)
	v := make([]float64, len(kxx))
	for i := range v {
		v[i] = kxx[i] - floats.Dot(pr.amid.RawRowView(i), pr.a.RawRowView(i))
	}
	return Posterior{
		Mean: pr.mean,
		Var:  mat.NewVecDense(len(v), v),
	}
}

// ApproximatePosterior computes the predictive mean and
// variance of channel l at the auxiliary features x:
//
//	A    = K_xm·K_mm⁻¹
//	mean = A·μ
//	cov  = K_xx − A·(K_mm − S)·Aᵀ
func (s *SVGP) ApproximatePosterior(x *mat.Dense, l int) (Posterior, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkChannel(l); err != nil {
		return Posterior{}, err
	}
	in, kxm, err := s.testTerms(x)
	if err != nil {
		return Posterior{}, err
	}
	kxx, err := in.kern.Diag(x, kernel.Test, x, kernel.Test)
	if err != nil {
		return Posterior{}, errors.Wrap(err, "K_xx")
	}
	return s.posterior(in, kxm, kxx, &s.channels[l]), nil
}

// ApproximatePosteriorCov is ApproximatePosterior with the full
// predictive covariance matrix in place of its diagonal.
func (s *SVGP) ApproximatePosteriorCov(x *mat.Dense, l int) (*mat.VecDense, *mat.Dense, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkChannel(l); err != nil {
		return nil, nil, err
	}
	in, kxm, err := s.testTerms(x)
	if err != nil {
		return nil, nil, err
	}
	kxx, err := in.kern.Matrix(x, kernel.Test, x, kernel.Test)
	if err != nil {
		return nil, nil, errors.Wrap(err, "K_xx")
	}
	pr := s.predictor(in, kxm, &s.channels[l])
	var correction, cov mat.Dense
	correction.Mul(pr.amid, pr.a.T())
	cov.Sub(kxx, &correction)
	return pr.mean, &cov, nil
}

// Posteriors computes the predictive distributions of all
// channels concurrently.
func (s *SVGP) Posteriors(x *mat.Dense) ([]Posterior, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	in, kxm, err := s.testTerms(x)
	if err != nil {
		return nil, err
	}
	kxx, err := in.kern.Diag(x, kernel.Test, x, kernel.Test)
	if err != nil {
		return nil, errors.Wrap(err, "K_xx")
	}

	posts := make([]Posterior, len(s.channels))
	var wg sync.WaitGroup
	for l := range s.channels {
		l := l
		wg.Add(1)
		go func() {
			defer wg.Done()
			posts[l] = s.posterior(in, kxm, kxx, &s.channels[l])
		}()
	}
	wg.Wait()
	return posts, nil
}
