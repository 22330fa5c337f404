package svgp

import (
	"math"
	"math/rand"
	"testing"

	"golang.org/x/sync/errgroup"

	"bitbucket.org/dtolpin/svgpvae/kernel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// circle places m inducing points evenly on the view axis, all
// with the same object features.
func circle(m int, features ...float64) *mat.Dense {
	z := mat.NewDense(m, 2+len(features), nil)
	for i := 0; i != m; i++ {
		z.Set(i, 1, 2*math.Pi*float64(i)/float64(m))
		for j, f := range features {
			z.Set(i, 2+j, f)
		}
	}
	return z
}

func testBatch() *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		0, 0.4, 1,
		0, 2.5, 1,
		0, 4.9, 1,
	})
}

func newTest(t *testing.T, cfg Config) *SVGP {
	if cfg.Inducing == nil {
		cfg.Inducing = circle(5, 1)
	}
	if cfg.Jitter == 0 {
		cfg.Jitter = 1e-6
	}
	if cfg.NTrain == 0 {
		cfg.NTrain = 100
	}
	if cfg.Channels == 0 {
		cfg.Channels = 1
	}
	s, err := New(cfg)
	require.NoError(t, err)
	return s
}

// cholesky returns the lower triangular factor of a positive
// definite matrix.
func cholesky(a mat.Matrix) *mat.Dense {
	n, _ := a.Dims()
	l := mat.NewDense(n, n, nil)
	for i := 0; i != n; i++ {
		for j := 0; j <= i; j++ {
			sum := a.At(i, j)
			for k := 0; k != j; k++ {
				sum -= l.At(i, k) * l.At(j, k)
			}
			if i == j {
				l.Set(i, i, math.Sqrt(sum))
			} else {
				l.Set(i, j, sum/l.At(j, j))
			}
		}
	}
	return l
}

// randomize sets random variational parameters in all channels.
func randomize(t *testing.T, s *SVGP, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	require.NoError(t, s.Update(func(_ *Params, channels []Variational) error {
		for _, q := range channels {
			m := q.Mean.Len()
			for i := 0; i != m; i++ {
				q.Mean.SetVec(i, rng.NormFloat64())
				for j := 0; j <= i; j++ {
					q.Factor.Set(i, j, 0.3*rng.NormFloat64())
				}
				q.Factor.Set(i, i, 0.5+rng.Float64())
			}
		}
		return nil
	}))
}

func kmm(t *testing.T, s *SVGP) *mat.Dense {
	p := s.Params()
	K, err := p.Kernel(s.Normalize).Matrix(
		p.Inducing, kernel.Inducing, p.Inducing, kernel.Inducing)
	require.NoError(t, err)
	return K
}

func TestVariationalLossScenario(t *testing.T) {
	s := newTest(t, Config{Noise: 0.1})
	loss, err := s.VariationalLoss(testBatch(), 0)
	require.NoError(t, err)

	assert.False(t, math.IsNaN(loss.Recon) || math.IsInf(loss.Recon, 0))
	assert.False(t, math.IsNaN(loss.KL) || math.IsInf(loss.KL, 0))
	assert.GreaterOrEqual(t, loss.KL, 0.)
	require.Equal(t, 3, loss.Mean.Len())
	for i := 0; i != 3; i++ {
		v := loss.Mean.AtVec(i)
		assert.False(t, math.IsNaN(v) || math.IsInf(v, 0))
	}
}

func TestKLZeroAtPrior(t *testing.T) {
	s := newTest(t, Config{Jitter: 1e-10})
	L := cholesky(kmm(t, s))
	require.NoError(t, s.Update(func(_ *Params, channels []Variational) error {
		channels[0].Factor.Copy(L)
		return nil
	}))
	loss, err := s.VariationalLoss(testBatch(), 0)
	require.NoError(t, err)
	assert.InDelta(t, 0, loss.KL, 1e-6)
}

func TestKLNonNegative(t *testing.T) {
	table := mat.NewDense(2, 2, []float64{1, 0.5, -0.3, 2})
	for i, cfg := range []Config{
		{},
		{Normalize: true},
		{Embeddings: table},
		{Embeddings: table, Normalize: true},
	} {
		for seed := int64(1); seed != 20; seed++ {
			cfg.Inducing = circle(6, 1, 0.5)
			cfg.LengthScale = 0.5 + float64(seed)/10
			cfg.Amplitude = 1.3
			s := newTest(t, cfg)
			randomize(t, s, seed)
			loss, err := s.VariationalLoss(
				mat.NewDense(2, 4, []float64{
					0, 1, 1, 0.5,
					1, 3, 0.2, 1,
				}), 0)
			require.NoError(t, err)
			assert.GreaterOrEqual(t, loss.KL, 0., "case %d, seed %d", i, seed)
			assert.False(t, math.IsNaN(loss.Recon), "case %d, seed %d", i, seed)
		}
	}
}

// TestReconMatchesExplicit checks the loss against the
// per-datapoint formulation with explicit λ_i matrices.
func TestReconMatchesExplicit(t *testing.T) {
	s := newTest(t, Config{Noise: 0.2, LengthScale: 0.9, Amplitude: 1.1})
	randomize(t, s, 7)
	x := testBatch()
	loss, err := s.VariationalLoss(x, 0)
	require.NoError(t, err)

	p := s.Params()
	q, err := s.Channel(0)
	require.NoError(t, err)
	kern := p.Kernel(false)
	K := kmm(t, s)
	var inv mat.Dense
	require.NoError(t, inv.Inverse(jittered(symmetric(K), s.Jitter)))
	knm, err := kern.Matrix(x, kernel.Training, p.Inducing, kernel.Inducing)
	require.NoError(t, err)
	knn, err := kern.Diag(x, kernel.Training, x, kernel.Training)
	require.NoError(t, err)
	var S mat.Dense
	S.Mul(q.Factor, q.Factor.T())

	n, _ := knm.Dims()
	sum := 0.
	for i := 0; i != n; i++ {
		k := knm.RowView(i)
		var kk, lambda, tmp, slambda mat.Dense
		kk.Outer(1, k, k)
		tmp.Mul(&kk, &inv)
		lambda.Mul(&inv, &tmp)
		slambda.Mul(&S, &lambda)

		var a mat.VecDense
		a.MulVec(&inv, k)
		tilde := knn[i] - mat.Dot(k, &a)
		sum += (tilde + mat.Trace(&slambda)) / p.Noise
	}
	assert.InDelta(t, -0.5*sum, loss.Recon, 1e-8)

	var alpha mat.VecDense
	alpha.MulVec(&inv, q.Mean)
	var mean mat.VecDense
	mean.MulVec(knm, &alpha)
	for i := 0; i != n; i++ {
		assert.InDelta(t, mean.AtVec(i), loss.Mean.AtVec(i), 1e-9)
	}
}

func symmetric(a mat.Matrix) *mat.SymDense {
	n, _ := a.Dims()
	s := mat.NewSymDense(n, nil)
	for i := 0; i != n; i++ {
		for j := i; j != n; j++ {
			s.SetSym(i, j, a.At(i, j))
		}
	}
	return s
}

func TestTrainingSizeDoesNotAffectLoss(t *testing.T) {
	a := newTest(t, Config{NTrain: 100})
	b := newTest(t, Config{NTrain: 200})
	randomize(t, a, 3)
	randomize(t, b, 3)
	la, err := a.VariationalLoss(testBatch(), 0)
	require.NoError(t, err)
	lb, err := b.VariationalLoss(testBatch(), 0)
	require.NoError(t, err)
	assert.Equal(t, la.Recon, lb.Recon)
	assert.Equal(t, la.KL, lb.KL)
}

func TestLossesMatchSingleChannel(t *testing.T) {
	s := newTest(t, Config{Channels: 4})
	randomize(t, s, 11)
	losses, _, err := s.VariationalLosses(testBatch())
	require.NoError(t, err)
	require.Len(t, losses, 4)
	for l, loss := range losses {
		single, err := s.VariationalLoss(testBatch(), l)
		require.NoError(t, err)
		assert.InDelta(t, single.Recon, loss.Recon, 1e-12)
		assert.InDelta(t, single.KL, loss.KL, 1e-12)
	}
	assert.NotEqual(t, losses[0].KL, losses[1].KL)
}

func TestPosteriorAtInducingPoints(t *testing.T) {
	s := newTest(t, Config{Jitter: 1e-9, Channels: 2})
	randomize(t, s, 5)
	z := s.Params().Inducing
	for l := 0; l != 2; l++ {
		post, err := s.ApproximatePosterior(z, l)
		require.NoError(t, err)
		q, err := s.Channel(l)
		require.NoError(t, err)
		S := q.Cov()
		for i := 0; i != s.M(); i++ {
			assert.InDelta(t, q.Mean.AtVec(i), post.Mean.AtVec(i), 1e-4)
			assert.InDelta(t, S.At(i, i), post.Var.AtVec(i), 1e-4)
		}
	}
}

func TestPosteriorCovarianceLimits(t *testing.T) {
	s := newTest(t, Config{Jitter: 1e-10})
	p := s.Params()
	kern := p.Kernel(false)
	x := testBatch()
	kxx, err := kern.Matrix(x, kernel.Test, x, kernel.Test)
	require.NoError(t, err)
	kxm, err := kern.Matrix(x, kernel.Test, p.Inducing, kernel.Inducing)
	require.NoError(t, err)
	K := kmm(t, s)
	var inv mat.Dense
	require.NoError(t, inv.Inverse(jittered(symmetric(K), s.Jitter)))
	var tmp, qxx mat.Dense
	tmp.Mul(kxm, &inv)
	qxx.Mul(&tmp, kxm.T())

	// S = 0 is the projected process: K_xx − K_xm·K_mm⁻¹·K_mx.
	require.NoError(t, s.Update(func(_ *Params, channels []Variational) error {
		channels[0].Factor.Zero()
		return nil
	}))
	_, cov, err := s.ApproximatePosteriorCov(x, 0)
	require.NoError(t, err)
	n, _ := x.Dims()
	for i := 0; i != n; i++ {
		for j := 0; j != n; j++ {
			assert.InDelta(t, kxx.At(i, j)-qxx.At(i, j), cov.At(i, j), 1e-6)
		}
	}

	// S = K_mm recovers the prior covariance.
	L := cholesky(K)
	require.NoError(t, s.Update(func(_ *Params, channels []Variational) error {
		channels[0].Factor.Copy(L)
		return nil
	}))
	_, cov, err = s.ApproximatePosteriorCov(x, 0)
	require.NoError(t, err)
	post, err := s.ApproximatePosterior(x, 0)
	require.NoError(t, err)
	for i := 0; i != n; i++ {
		for j := 0; j != n; j++ {
			assert.InDelta(t, kxx.At(i, j), cov.At(i, j), 1e-6)
		}
		assert.InDelta(t, cov.At(i, i), post.Var.AtVec(i), 1e-9)
	}
}

func TestPosteriorsMatchSingleChannel(t *testing.T) {
	s := newTest(t, Config{Channels: 3})
	randomize(t, s, 13)
	posts, err := s.Posteriors(testBatch())
	require.NoError(t, err)
	for l, post := range posts {
		single, err := s.ApproximatePosterior(testBatch(), l)
		require.NoError(t, err)
		assert.True(t, mat.EqualApprox(single.Mean, post.Mean, 1e-12))
		assert.True(t, mat.EqualApprox(single.Var, post.Var, 1e-12))
	}
}

func TestLearnedObjectIDOutOfRange(t *testing.T) {
	s := newTest(t, Config{
		Inducing:   circle(4, 1, 0),
		Embeddings: mat.NewDense(2, 2, []float64{1, 0, 0, 1}),
	})
	x := mat.NewDense(2, 4, []float64{
		0, 1, 0, 0,
		5, 2, 0, 0,
	})
	_, err := s.VariationalLoss(x, 0)
	assert.ErrorIs(t, err, kernel.ErrObjectID)
	_, err = s.ApproximatePosterior(x, 0)
	assert.ErrorIs(t, err, kernel.ErrObjectID)

	x.Set(1, 0, 1)
	_, err = s.VariationalLoss(x, 0)
	assert.NoError(t, err)
}

func TestErrors(t *testing.T) {
	// Duplicate inducing points without jitter are singular.
	dup := mat.NewDense(2, 3, []float64{0, 1, 1, 0, 1, 1})
	s, err := New(Config{Inducing: dup, NTrain: 1, Channels: 1})
	require.NoError(t, err)
	_, err = s.VariationalLoss(testBatch(), 0)
	assert.ErrorIs(t, err, ErrSingular)

	s = newTest(t, Config{})
	_, err = s.VariationalLoss(testBatch(), 1)
	assert.ErrorIs(t, err, ErrChannel)
	_, err = s.ApproximatePosterior(testBatch(), -1)
	assert.ErrorIs(t, err, ErrChannel)

	err = s.Update(func(p *Params, _ []Variational) error {
		p.Noise = 0
		return nil
	})
	assert.ErrorIs(t, err, ErrHyperparameter)
	assert.Equal(t, DefaultNoise, s.Params().Noise)
	assert.Zero(t, s.Params().Version)

	_, err = New(Config{
		Inducing:   circle(3, 1),
		Embeddings: mat.NewDense(2, 2, nil),
		NTrain:     1,
		Channels:   1,
	})
	assert.ErrorIs(t, err, kernel.ErrShape)
}

func TestPackUnpack(t *testing.T) {
	for _, cfg := range []Config{
		{},
		{FixedGP: true, FixedInducing: true},
		{Inducing: circle(3, 1, 1), Embeddings: mat.NewDense(2, 2, []float64{1, 2, 3, 4}), Channels: 2},
	} {
		s := newTest(t, cfg)
		randomize(t, s, 17)
		x := s.Pack()
		m := s.M()
		_, d := s.Params().Inducing.Dims()
		want := 1 + s.L()*(m+m*m)
		if !cfg.FixedGP {
			want += 2
		}
		if !cfg.FixedInducing {
			want += m * (d - 1)
		}
		if cfg.Embeddings != nil {
			want += 4
		}
		require.Len(t, x, want)

		x[len(x)-1] += 0.25
		if !cfg.FixedGP {
			x[0] = math.Log(2)
		}
		require.NoError(t, s.Unpack(x))
		assert.InDeltaSlice(t, x, s.Pack(), 1e-12)
		assert.Equal(t, uint64(2), s.Params().Version)
		if !cfg.FixedGP {
			assert.InDelta(t, 2, s.Params().LengthScale, 1e-12)
		}

		assert.ErrorIs(t, s.Unpack(x[1:]), kernel.ErrShape)
	}
}

func TestAmplitude(t *testing.T) {
	for _, a := range []float64{-1, math.NaN()} {
		_, err := New(Config{
			Inducing:  circle(3, 1),
			Amplitude: a,
			NTrain:    1,
			Channels:  1,
		})
		assert.ErrorIs(t, err, ErrHyperparameter, "amplitude %v", a)
	}

	s := newTest(t, Config{})
	for _, a := range []float64{0, -2} {
		err := s.Update(func(p *Params, _ []Variational) error {
			p.Amplitude = a
			return nil
		})
		assert.ErrorIs(t, err, ErrHyperparameter, "amplitude %v", a)
	}
	assert.Equal(t, DefaultAmplitude, s.Params().Amplitude)
	x := s.Pack()
	assert.False(t, math.IsNaN(x[1]))
}

func TestUpdateKeepsLayout(t *testing.T) {
	for i, fn := range []func(*Params, []Variational){
		func(p *Params, _ []Variational) {
			p.Objects = kernel.Learned{Table: mat.NewDense(2, 1, []float64{1, 2})}
		},
		func(p *Params, _ []Variational) { p.Objects = nil },
		func(p *Params, _ []Variational) { p.Inducing = nil },
		func(p *Params, _ []Variational) { p.Inducing = circle(4, 1) },
		func(p *Params, _ []Variational) { p.Inducing = circle(5, 1, 1) },
		func(_ *Params, channels []Variational) { channels[0].Mean = nil },
		func(_ *Params, channels []Variational) {
			channels[0].Factor = mat.NewDense(2, 2, nil)
		},
	} {
		s := newTest(t, Config{})
		n := len(s.Pack())
		err := s.Update(func(p *Params, channels []Variational) error {
			fn(p, channels)
			return nil
		})
		assert.ErrorIs(t, err, kernel.ErrShape, "case %d", i)
		assert.Len(t, s.Pack(), n, "case %d", i)
		assert.Zero(t, s.Params().Version, "case %d", i)
	}

	// Learned tables may change values, not the kind or size.
	table := mat.NewDense(2, 1, []float64{1, 2})
	for i, objects := range []kernel.Objects{
		kernel.Inline{},
		kernel.Learned{Table: mat.NewDense(3, 1, nil)},
		kernel.Learned{},
	} {
		s := newTest(t, Config{Embeddings: table})
		err := s.Update(func(p *Params, _ []Variational) error {
			p.Objects = objects
			return nil
		})
		assert.ErrorIs(t, err, kernel.ErrShape, "case %d", i)
	}
	s := newTest(t, Config{Embeddings: table})
	require.NoError(t, s.Update(func(p *Params, _ []Variational) error {
		p.Objects = kernel.Learned{Table: mat.NewDense(2, 1, []float64{3, 4})}
		return nil
	}))
	assert.Equal(t, 3., s.Summary().Embeddings.At(0, 0))
}

func TestConcurrentUpdate(t *testing.T) {
	s := newTest(t, Config{Channels: 2})
	randomize(t, s, 19)
	var g errgroup.Group
	g.Go(func() error {
		for i := 0; i != 50; i++ {
			if err := s.Unpack(s.Pack()); err != nil {
				return err
			}
		}
		return nil
	})
	g.Go(func() error {
		for i := 0; i != 50; i++ {
			if s.M() != 5 || s.L() != 2 {
				t.Errorf("M = %d, L = %d", s.M(), s.L())
			}
			if _, _, err := s.VariationalLosses(testBatch()); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, g.Wait())
	assert.Equal(t, uint64(51), s.Params().Version)
}

func TestLossesNoise(t *testing.T) {
	s := newTest(t, Config{Channels: 2})
	require.NoError(t, s.Update(func(p *Params, _ []Variational) error {
		p.Noise = 0.3
		return nil
	}))
	_, noise, err := s.VariationalLosses(testBatch())
	require.NoError(t, err)
	assert.Equal(t, 0.3, noise)
}
