// Package config reads the construction-time configuration of
// an SVGPVAE model from a YAML document.
package config

import (
	"io"

	"bitbucket.org/dtolpin/svgpvae/decoder"
	"bitbucket.org/dtolpin/svgpvae/model"
	"bitbucket.org/dtolpin/svgpvae/svgp"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v3"
)

// File is the configuration document.
type File struct {
	LatentChannels int     `yaml:"latent_channels"`
	Jitter         float64 `yaml:"jitter"`
	// NTrain is the training set size; when zero, the size
	// of the loaded training data is used.
	NTrain int `yaml:"n_train"`
	// DType is the floating point type, only float64.
	DType string `yaml:"dtype"`

	FixedInducingPoints   bool `yaml:"fixed_inducing_points"`
	FixedGPParams         bool `yaml:"fixed_gp_params"`
	ObjectKernelNormalize bool `yaml:"object_kernel_normalize"`

	// InducingPoints are rows of [id, view, features...].
	InducingPoints [][]float64 `yaml:"inducing_points"`
	// ObjectVectors is the initial embedding table; when
	// absent, object features are read from the data.
	ObjectVectors [][]float64 `yaml:"object_vectors,omitempty"`

	LengthScale float64 `yaml:"length_scale"`
	Amplitude   float64 `yaml:"amplitude"`
	Noise       float64 `yaml:"noise"`

	Image   Image   `yaml:"image"`
	Decoder Decoder `yaml:"decoder"`
}

type Image struct {
	Width    int `yaml:"width"`
	Height   int `yaml:"height"`
	Channels int `yaml:"channels"`
}

// Decoder holds the weights of the affine decoder.
type Decoder struct {
	Weights [][]float64 `yaml:"weights"`
	Bias    []float64   `yaml:"bias,omitempty"`
}

// Load decodes and validates a configuration.
func Load(r io.Reader) (*File, error) {
	f := &File{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(f); err != nil {
		return nil, errors.Wrap(err, "config")
	}
	if f.DType == "" {
		f.DType = "float64"
	}
	if f.Image.Channels == 0 {
		f.Image.Channels = 1
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// Validate checks the configuration for consistency.
func (f *File) Validate() error {
	switch {
	case f.DType != "float64":
		return errors.Errorf("config: dtype %q, only float64 is supported",
			f.DType)
	case f.LatentChannels <= 0:
		return errors.Errorf("config: latent_channels %d", f.LatentChannels)
	case f.Jitter < 0:
		return errors.Errorf("config: negative jitter %v", f.Jitter)
	case f.NTrain < 0:
		return errors.Errorf("config: negative n_train %d", f.NTrain)
	case f.Noise < 0 || f.LengthScale < 0 || f.Amplitude < 0:
		return errors.New("config: negative hyperparameter")
	case len(f.InducingPoints) == 0:
		return errors.New("config: no inducing points")
	case f.Image.Width <= 0 || f.Image.Height <= 0 || f.Image.Channels <= 0:
		return errors.Errorf("config: image shape %+v", f.Image)
	}

	width := len(f.InducingPoints[0])
	if width < 2 {
		return errors.Errorf("config: inducing points of width %d", width)
	}
	if _, err := dense(f.InducingPoints); err != nil {
		return errors.Wrap(err, "config: inducing_points")
	}
	if f.ObjectVectors != nil {
		if _, err := dense(f.ObjectVectors); err != nil {
			return errors.Wrap(err, "config: object_vectors")
		}
		if w := len(f.ObjectVectors[0]); w != width-2 {
			return errors.Errorf("config: object vectors of width %d, "+
				"inducing points have %d features", w, width-2)
		}
	}

	if len(f.Decoder.Weights) != f.LatentChannels {
		return errors.Errorf("config: decoder has %d weight rows for %d channels",
			len(f.Decoder.Weights), f.LatentChannels)
	}
	w, err := dense(f.Decoder.Weights)
	if err != nil {
		return errors.Wrap(err, "config: decoder weights")
	}
	if _, k := w.Dims(); k != f.Shape().Pixels() {
		return errors.Errorf("config: decoder has %d outputs, images have %d pixels",
			k, f.Shape().Pixels())
	}
	return nil
}

// ObjectDim returns the width of object feature vectors.
func (f *File) ObjectDim() int {
	return len(f.InducingPoints[0]) - 2
}

// Shape returns the image shape.
func (f *File) Shape() model.ImageShape {
	return model.ImageShape{
		Width:    f.Image.Width,
		Height:   f.Image.Height,
		Channels: f.Image.Channels,
	}
}

// SVGP returns the SVGP configuration. ntrain is used when the
// file does not set n_train.
func (f *File) SVGP(ntrain int) svgp.Config {
	cfg := svgp.Config{
		FixedInducing: f.FixedInducingPoints,
		LengthScale:   f.LengthScale,
		Amplitude:     f.Amplitude,
		Noise:         f.Noise,
		FixedGP:       f.FixedGPParams,
		Normalize:     f.ObjectKernelNormalize,
		Jitter:        f.Jitter,
		NTrain:        f.NTrain,
		Channels:      f.LatentChannels,
	}
	if cfg.NTrain == 0 {
		cfg.NTrain = ntrain
	}
	cfg.Inducing, _ = dense(f.InducingPoints)
	if f.ObjectVectors != nil {
		cfg.Embeddings, _ = dense(f.ObjectVectors)
	}
	return cfg
}

// NewDecoder returns the affine decoder of the configuration.
func (f *File) NewDecoder() (*decoder.Affine, error) {
	w, err := dense(f.Decoder.Weights)
	if err != nil {
		return nil, err
	}
	return decoder.New(w, f.Decoder.Bias)
}

// dense packs rows of equal length into a matrix.
func dense(rows [][]float64) (*mat.Dense, error) {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return nil, errors.New("empty matrix")
	}
	c := len(rows[0])
	data := make([]float64, 0, len(rows)*c)
	for i, row := range rows {
		if len(row) != c {
			return nil, errors.Errorf("row %d has %d elements, want %d",
				i, len(row), c)
		}
		data = append(data, row...)
	}
	return mat.NewDense(len(rows), c, data), nil
}
