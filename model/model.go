// Package model assembles the SVGPVAE objective from the sparse
// GP layer and an external decoder, and runs the prediction
// pipeline at test time.
package model

import (
	"bitbucket.org/dtolpin/infergo/dist"
	"bitbucket.org/dtolpin/svgpvae/svgp"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// ErrShape is returned when images, auxiliary data and
// reconstructions disagree in size.
var ErrShape = errors.New("batch shape mismatch")

// Decoder maps a B×L latent code to B flattened images.
type Decoder interface {
	Decode(z *mat.Dense) (*mat.Dense, error)
}

// ImageShape is the shape of one image before flattening.
type ImageShape struct {
	Width    int
	Height   int
	Channels int
}

// Pixels returns the flattened image size.
func (s ImageShape) Pixels() int {
	return s.Width * s.Height * s.Channels
}

// Spatial returns the number of pixel locations.
func (s ImageShape) Spatial() int {
	return s.Width * s.Height
}

// Result is the outcome of a training forward pass.
type Result struct {
	ELBO float64
	// ReconError is the summed squared error divided by the
	// image size.
	ReconError float64
	// InsideELBO is Σ recon − (B/N)·Σ KL over channels.
	InsideELBO  float64
	InsideRecon float64
	InsideKL    float64
	// Recon and KL are the per-channel terms.
	Recon []float64
	KL    []float64
	// Reconstruction holds the decoded images, Latent the
	// stacked posterior means (B×L).
	Reconstruction *mat.Dense
	Latent         *mat.Dense
}

// Forward computes the ELBO of a batch of flattened images and
// their auxiliary features.
func Forward(
	gp *svgp.SVGP, dec Decoder, shape ImageShape,
	images, aux *mat.Dense,
) (*Result, error) {
	b, k := images.Dims()
	if n, _ := aux.Dims(); n != b {
		return nil, errors.Wrapf(ErrShape,
			"%d images, %d rows of auxiliary data", b, n)
	}
	if k != shape.Pixels() {
		return nil, errors.Wrapf(ErrShape,
			"images of size %d, shape %+v", k, shape)
	}

	losses, noise, err := gp.VariationalLosses(aux)
	if err != nil {
		return nil, errors.Wrap(err, "variational loss")
	}
	r := &Result{
		Recon:  make([]float64, len(losses)),
		KL:     make([]float64, len(losses)),
		Latent: mat.NewDense(b, len(losses), nil),
	}
	for l, loss := range losses {
		r.Recon[l] = loss.Recon
		r.KL[l] = loss.KL
		r.Latent.SetCol(l, loss.Mean.RawVector().Data)
	}
	r.InsideRecon = floats.Sum(r.Recon)
	r.InsideKL = floats.Sum(r.KL)
	// KL is global and amortized over minibatches; the
	// reconstruction surrogate is already a batch sum.
	r.InsideELBO = r.InsideRecon -
		float64(b)/float64(gp.NTrain)*r.InsideKL

	r.Reconstruction, err = decode(dec, r.Latent, images)
	if err != nil {
		return nil, err
	}
	resid := residuals(images, r.Reconstruction)
	r.ReconError = floats.Dot(resid, resid) / float64(k)

	ll, err := Likelihood(noise, resid)
	if err != nil {
		return nil, err
	}
	r.ELBO = ll + r.InsideELBO
	return r, nil
}

// Likelihood is the Gaussian log-likelihood of the residuals
// with standard deviation noise:
//
//	−n·log(noise) − ½·n·log(2π) − ½·Σr²/noise²
func Likelihood(noise float64, resid []float64) (float64, error) {
	if !(noise > 0) {
		return 0, errors.Wrapf(svgp.ErrHyperparameter, "noise %v", noise)
	}
	return dist.Normal.Logps(0, noise, resid...), nil
}

// Prediction is the outcome of the test-time pipeline.
type Prediction struct {
	// Latent holds the posterior means, Var the posterior
	// variances, both B×L.
	Latent         *mat.Dense
	Var            *mat.Dense
	Reconstruction *mat.Dense
	// RowErrors is the summed squared error of each image and
	// ReconError their sum divided by the spatial image size.
	// Both are left empty when no images are given.
	RowErrors  []float64
	ReconError float64
}

// Predict decodes the posterior means at the auxiliary
// features of test points. If images is not nil, the
// reconstruction error against them is reported.
func Predict(
	gp *svgp.SVGP, dec Decoder, shape ImageShape,
	images, aux *mat.Dense,
) (*Prediction, error) {
	b, _ := aux.Dims()
	if images != nil {
		n, k := images.Dims()
		if n != b || k != shape.Pixels() {
			return nil, errors.Wrapf(ErrShape,
				"%d×%d images, %d rows of auxiliary data, shape %+v",
				n, k, b, shape)
		}
	}

	posts, err := gp.Posteriors(aux)
	if err != nil {
		return nil, errors.Wrap(err, "posterior")
	}
	p := &Prediction{
		Latent: mat.NewDense(b, len(posts), nil),
		Var:    mat.NewDense(b, len(posts), nil),
	}
	for l, post := range posts {
		p.Latent.SetCol(l, post.Mean.RawVector().Data)
		p.Var.SetCol(l, post.Var.RawVector().Data)
	}

	p.Reconstruction, err = decode(dec, p.Latent, images)
	if err != nil {
		return nil, err
	}
	if images == nil {
		return p, nil
	}

	_, k := images.Dims()
	resid := residuals(images, p.Reconstruction)
	p.RowErrors = make([]float64, b)
	for i := range p.RowErrors {
		row := resid[i*k : (i+1)*k]
		p.RowErrors[i] = floats.Dot(row, row)
	}
	p.ReconError = floats.Sum(p.RowErrors) / float64(shape.Spatial())
	return p, nil
}

func decode(dec Decoder, z, images *mat.Dense) (*mat.Dense, error) {
	recon, err := dec.Decode(z)
	if err != nil {
		return nil, errors.Wrap(err, "decode")
	}
	if images != nil {
		rb, rk := recon.Dims()
		b, k := images.Dims()
		if rb != b || rk != k {
			return nil, errors.Wrapf(ErrShape,
				"reconstruction is %d×%d, images are %d×%d",
				rb, rk, b, k)
		}
	}
	return recon, nil
}

// residuals returns images − recon, flattened row major.
func residuals(images, recon *mat.Dense) []float64 {
	b, k := images.Dims()
	resid := make([]float64, 0, b*k)
	for i := 0; i != b; i++ {
		row := make([]float64, k)
		floats.SubTo(row, images.RawRowView(i), recon.RawRowView(i))
		resid = append(resid, row...)
	}
	return resid
}
