// Package svgp implements the sparse variational Gaussian process
// of Hensman et al. (2013) with one independent variational
// distribution over the inducing points per latent channel.
//
// All kernel matrices are recomputed on every call from the
// current parameters. Forward computations hold a read lock on
// the parameters for their whole duration; Update and Unpack
// hold the write lock, so a forward pass never observes a
// partially updated parameter bundle.
package svgp

import (
	"sync"

	"bitbucket.org/dtolpin/svgpvae/kernel"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"k8s.io/klog/v2"
)

var (
	// ErrSingular is returned when a jittered covariance
	// matrix is still not positive definite.
	ErrSingular = errors.New("matrix is not positive definite")
	// ErrHyperparameter is returned on a non-positive noise,
	// length scale or amplitude.
	ErrHyperparameter = errors.New("invalid hyperparameter")
	// ErrChannel is returned for a latent channel index
	// outside of [0, L).
	ErrChannel = errors.New("latent channel out of range")
)

// Default hyperparameter values.
const (
	DefaultLengthScale = 1.
	DefaultAmplitude   = 1.
	DefaultNoise       = 0.1
)

// SVGP is the sparse GP layer of the SVGPVAE.
type SVGP struct {
	Jitter        float64
	NTrain        int
	FixedInducing bool
	FixedGP       bool
	Normalize     bool

	// m and l are fixed at construction.
	m, l int

	mu       sync.RWMutex
	params   Params
	channels []Variational
}

// New creates an SVGP from the configuration. Variational
// means start at zero and covariance factors at the identity.
func New(cfg Config) (*SVGP, error) {
	if cfg.Channels <= 0 {
		return nil, errors.Errorf("%d latent channels", cfg.Channels)
	}
	if cfg.NTrain <= 0 {
		return nil, errors.Errorf("training set size %d", cfg.NTrain)
	}
	if cfg.Jitter < 0 {
		return nil, errors.Errorf("negative jitter %v", cfg.Jitter)
	}
	if cfg.Inducing == nil {
		return nil, errors.Wrap(kernel.ErrShape, "no inducing points")
	}

	p := Params{
		LengthScale: cfg.LengthScale,
		Amplitude:   cfg.Amplitude,
		Noise:       cfg.Noise,
		Inducing:    mat.DenseCopyOf(cfg.Inducing),
		Objects:     kernel.Inline{},
	}
	if p.LengthScale == 0 {
		p.LengthScale = DefaultLengthScale
	}
	if p.Amplitude == 0 {
		p.Amplitude = DefaultAmplitude
	}
	if p.Noise == 0 {
		p.Noise = DefaultNoise
	}
	if cfg.Embeddings != nil {
		p.Objects = kernel.Learned{Table: mat.DenseCopyOf(cfg.Embeddings)}
	}
	if err := p.validate(); err != nil {
		return nil, err
	}

	m, _ := p.Inducing.Dims()
	channels := make([]Variational, cfg.Channels)
	for l := range channels {
		factor := mat.NewDense(m, m, nil)
		for i := 0; i != m; i++ {
			factor.Set(i, i, 1)
		}
		channels[l] = Variational{
			Mean:   mat.NewVecDense(m, nil),
			Factor: factor,
		}
	}

	return &SVGP{
		Jitter:        cfg.Jitter,
		NTrain:        cfg.NTrain,
		FixedInducing: cfg.FixedInducing,
		FixedGP:       cfg.FixedGP,
		Normalize:     cfg.Normalize,
		m:             m,
		l:             cfg.Channels,
		params:        p,
		channels:      channels,
	}, nil
}

// L returns the number of latent channels.
func (s *SVGP) L() int {
	return s.l
}

// M returns the number of inducing points.
func (s *SVGP) M() int {
	return s.m
}

// Params returns a copy of the current parameter bundle.
func (s *SVGP) Params() Params {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.params.clone()
}

// Channel returns a copy of the variational state of channel l.
func (s *SVGP) Channel(l int) (Variational, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkChannel(l); err != nil {
		return Variational{}, err
	}
	return s.channels[l].clone(), nil
}

// Update applies fn to copies of the parameters and of the
// channel states and, if fn succeeds and the result is valid,
// installs them under the next version. No forward computation
// runs while fn is applied. fn may change values but not shapes:
// the number of inducing points, the object feature variant and
// the embedding table size are fixed at construction.
func (s *SVGP) Update(fn func(p *Params, channels []Variational) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.params.clone()
	channels := make([]Variational, len(s.channels))
	for l := range channels {
		channels[l] = s.channels[l].clone()
	}
	if err := fn(&p, channels); err != nil {
		return err
	}
	if err := s.checkLayout(&p, channels); err != nil {
		return err
	}
	if err := p.validate(); err != nil {
		return err
	}

	p.Version = s.params.Version + 1
	s.params = p
	s.channels = channels
	klog.V(2).Infof("svgp: parameters updated to version %d", p.Version)
	return nil
}

// checkLayout rejects updates that change the shape of the
// parameters: the number and width of inducing points, the
// object feature variant and the embedding table size.
func (s *SVGP) checkLayout(p *Params, channels []Variational) error {
	if p.Inducing == nil || p.Objects == nil {
		return errors.Wrap(kernel.ErrShape, "missing inducing points or objects")
	}
	m, d := p.Inducing.Dims()
	_, d0 := s.params.Inducing.Dims()
	if m != s.m || d != d0 {
		return errors.Wrapf(kernel.ErrShape,
			"inducing points are %d×%d, were %d×%d", m, d, s.m, d0)
	}
	switch o := p.Objects.(type) {
	case kernel.Inline:
		if _, ok := s.params.Objects.(kernel.Inline); !ok {
			return errors.Wrap(kernel.ErrShape, "object features changed to inline")
		}
	case kernel.Learned:
		o0, ok := s.params.Objects.(kernel.Learned)
		if !ok {
			return errors.Wrap(kernel.ErrShape, "object features changed to learned")
		}
		if o.Table == nil {
			return errors.Wrap(kernel.ErrShape, "missing embedding table")
		}
		r, c := o.Table.Dims()
		r0, c0 := o0.Table.Dims()
		if r != r0 || c != c0 {
			return errors.Wrapf(kernel.ErrShape,
				"embedding table is %d×%d, was %d×%d", r, c, r0, c0)
		}
	default:
		return errors.Wrapf(kernel.ErrShape, "object features %T", p.Objects)
	}
	if len(channels) != s.l {
		return errors.Wrapf(ErrChannel, "%d channels, was %d", len(channels), s.l)
	}
	for l, q := range channels {
		if q.Mean == nil || q.Factor == nil {
			return errors.Wrapf(kernel.ErrShape, "channel %d: missing variational parameters", l)
		}
		if err := q.validate(m); err != nil {
			return errors.Wrapf(err, "channel %d", l)
		}
	}
	return nil
}

// Summary is a snapshot of the parameters for debugging output.
type Summary struct {
	Version     uint64
	LengthScale float64
	Amplitude   float64
	Noise       float64
	// Embeddings is nil when object features are inline.
	Embeddings *mat.Dense
	Inducing   *mat.Dense
}

// Summary returns the current parameter values.
func (s *SVGP) Summary() Summary {
	p := s.Params()
	sum := Summary{
		Version:     p.Version,
		LengthScale: p.LengthScale,
		Amplitude:   p.Amplitude,
		Noise:       p.Noise,
		Inducing:    p.Inducing,
	}
	if o, ok := p.Objects.(kernel.Learned); ok {
		sum.Embeddings = o.Table
	}
	return sum
}

func (s *SVGP) checkChannel(l int) error {
	if l < 0 || l >= len(s.channels) {
		return errors.Wrapf(ErrChannel,
			"channel %d of %d", l, len(s.channels))
	}
	return nil
}

// Loss is the contribution of one latent channel and one
// batch to the ELBO.
type Loss struct {
	// Recon is the batch-summed expected log-likelihood
	// surrogate.
	Recon float64
	// KL is KL(q(u) || p(u)), a global quantity.
	KL float64
	// Mean is the posterior mean at the batch points.
	Mean *mat.VecDense
}

// VariationalLoss computes the loss terms of channel l on the
// auxiliary features x of a training batch.
func (s *SVGP) VariationalLoss(x *mat.Dense, l int) (Loss, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkChannel(l); err != nil {
		return Loss{}, err
	}
	in, err := s.inducingTerms()
	if err != nil {
		return Loss{}, err
	}
	b, err := s.batchTerms(in, x)
	if err != nil {
		return Loss{}, err
	}
	return s.channelLoss(in, b, &s.channels[l])
}

// VariationalLosses computes the loss terms of all channels
// concurrently, along with the observation noise of the same
// parameter version. Kernel matrices are shared between
// channels within the call.
func (s *SVGP) VariationalLosses(x *mat.Dense) (
	losses []Loss, noise float64,
	err error,
) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	in, err := s.inducingTerms()
	if err != nil {
		return nil, 0, err
	}
	b, err := s.batchTerms(in, x)
	if err != nil {
		return nil, 0, err
	}

	losses = make([]Loss, len(s.channels))
	var g errgroup.Group
	for l := range s.channels {
		l := l
		g.Go(func() error {
			loss, err := s.channelLoss(in, b, &s.channels[l])
			if err != nil {
				return errors.Wrapf(err, "channel %d", l)
			}
			losses[l] = loss
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}
	if klog.V(2).Enabled() {
		for l, loss := range losses {
			klog.Infof("svgp: v%d channel %d: recon %.6g, kl %.6g",
				s.params.Version, l, loss.Recon, loss.KL)
		}
	}
	return losses, s.params.Noise, nil
}

// inducing holds the channel-independent terms over the
// inducing points.
type inducing struct {
	kern   *kernel.Composite
	kmm    *mat.SymDense // unjittered
	inv    *mat.SymDense // (K_mm + jitter·I)⁻¹
	logDet float64       // log|K_mm + jitter·I|
}

func (s *SVGP) inducingTerms() (*inducing, error) {
	p := &s.params
	kern := p.Kernel(s.Normalize)
	K, err := kern.Matrix(p.Inducing, kernel.Inducing,
		p.Inducing, kernel.Inducing)
	if err != nil {
		return nil, errors.Wrap(err, "K_mm")
	}
	m, _ := K.Dims()
	kmm := mat.NewSymDense(m, nil)
	for i := 0; i != m; i++ {
		for j := i; j != m; j++ {
			kmm.SetSym(i, j, K.At(i, j))
		}
	}

	chol, err := factorize(jittered(kmm, s.Jitter), "K_mm")
	if err != nil {
		return nil, err
	}
	inv := mat.NewSymDense(m, nil)
	if err := chol.InverseTo(inv); err != nil {
		return nil, errors.Wrapf(ErrSingular, "K_mm: %v", err)
	}
	return &inducing{
		kern:   kern,
		kmm:    kmm,
		inv:    inv,
		logDet: chol.LogDet(),
	}, nil
}

// batch holds the channel-independent terms over a batch.
type batch struct {
	knm  *mat.Dense // K_nm
	proj *mat.Dense // K_nm·K_mm⁻¹
	// nystrom is diag(K_nn − K_nm·K_mm⁻¹·K_mn).
	nystrom []float64
}

func (s *SVGP) batchTerms(in *inducing, x *mat.Dense) (*batch, error) {
	z := s.params.Inducing
	knn, err := in.kern.Diag(x, kernel.Training, x, kernel.Training)
	if err != nil {
		return nil, errors.Wrap(err, "K_nn")
	}
	knm, err := in.kern.Matrix(x, kernel.Training, z, kernel.Inducing)
	if err != nil {
		return nil, errors.Wrap(err, "K_nm")
	}

	var proj mat.Dense
	proj.Mul(knm, in.inv)
	nystrom := make([]float64, len(knn))
	for i := range nystrom {
		nystrom[i] = knn[i] - floats.Dot(proj.RawRowView(i), knm.RawRowView(i))
	}
	return &batch{
		knm:     knm,
		proj:    &proj,
		nystrom: nystrom,
	}, nil
}

func (s *SVGP) channelLoss(in *inducing, b *batch, q *Variational) (Loss, error) {
	m := float64(in.kmm.Symmetric())
	S := q.Cov()
	cholS, err := factorize(jittered(S, s.Jitter), "S")
	if err != nil {
		return Loss{}, err
	}

	// K_mm⁻¹·μ and the posterior mean K_nm·K_mm⁻¹·μ
	var alpha, mean mat.VecDense
	alpha.MulVec(in.inv, q.Mean)
	mean.MulVec(b.knm, &alpha)

	var invS mat.Dense
	invS.Mul(in.inv, S)
	kl := 0.5 * (in.logDet - cholS.LogDet() - m +
		mat.Trace(&invS) + mat.Dot(q.Mean, &alpha))

	// With p_i = K_mm⁻¹·k_i, trace(S·K_mm⁻¹·k_i·k_iᵀ·K_mm⁻¹)
	// equals p_iᵀ·S·p_i.
	var projS mat.Dense
	projS.Mul(b.proj, S)
	traces := 0.
	for i := range b.nystrom {
		traces += floats.Dot(projS.RawRowView(i), b.proj.RawRowView(i))
	}

	precision := 1 / s.params.Noise
	recon := -0.5 * precision * (floats.Sum(b.nystrom) + traces)

	return Loss{
		Recon: recon,
		KL:    kl,
		Mean:  &mean,
	}, nil
}
