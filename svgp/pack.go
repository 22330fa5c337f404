package svgp

import (
	"math"

	"bitbucket.org/dtolpin/svgpvae/kernel"
	"github.com/pkg/errors"
)

// Pack flattens the trainable parameters into a vector, in order:
//
//	log length scale, log amplitude   unless FixedGP
//	log noise
//	inducing points, columns 1..      unless FixedInducing
//	object embeddings                 in Learned mode
//	μ_l, A_l (row major)              for each channel l
//
// The positive hyperparameters are packed as logarithms so that
// any vector unpacks into valid values.
func (s *SVGP) Pack() []float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p := &s.params
	var x []float64
	if !s.FixedGP {
		x = append(x, math.Log(p.LengthScale), math.Log(p.Amplitude))
	}
	x = append(x, math.Log(p.Noise))
	if !s.FixedInducing {
		m, _ := p.Inducing.Dims()
		for i := 0; i != m; i++ {
			x = append(x, p.Inducing.RawRowView(i)[1:]...)
		}
	}
	if o, ok := p.Objects.(kernel.Learned); ok {
		n, _ := o.Table.Dims()
		for i := 0; i != n; i++ {
			x = append(x, o.Table.RawRowView(i)...)
		}
	}
	for _, q := range s.channels {
		x = append(x, q.Mean.RawVector().Data...)
		m, _ := q.Factor.Dims()
		for i := 0; i != m; i++ {
			x = append(x, q.Factor.RawRowView(i)...)
		}
	}
	return x
}

// Unpack is the inverse of Pack. The parameters are replaced
// as one update.
func (s *SVGP) Unpack(x []float64) error {
	return s.Update(func(p *Params, channels []Variational) error {
		k := 0
		next := func(dst []float64) {
			k += copy(dst, x[k:])
		}
		if want := s.packedLen(p, channels); len(x) != want {
			return errors.Wrapf(kernel.ErrShape,
				"packed vector of length %d, want %d", len(x), want)
		}

		if !s.FixedGP {
			p.LengthScale = math.Exp(x[k])
			p.Amplitude = math.Exp(x[k+1])
			k += 2
		}
		p.Noise = math.Exp(x[k])
		k++
		if !s.FixedInducing {
			m, _ := p.Inducing.Dims()
			for i := 0; i != m; i++ {
				next(p.Inducing.RawRowView(i)[1:])
			}
		}
		if o, ok := p.Objects.(kernel.Learned); ok {
			n, _ := o.Table.Dims()
			for i := 0; i != n; i++ {
				next(o.Table.RawRowView(i))
			}
		}
		for _, q := range channels {
			next(q.Mean.RawVector().Data)
			m, _ := q.Factor.Dims()
			for i := 0; i != m; i++ {
				next(q.Factor.RawRowView(i))
			}
		}
		return nil
	})
}

func (s *SVGP) packedLen(p *Params, channels []Variational) int {
	n := 1
	if !s.FixedGP {
		n += 2
	}
	m, d := p.Inducing.Dims()
	if !s.FixedInducing {
		n += m * (d - 1)
	}
	if o, ok := p.Objects.(kernel.Learned); ok {
		r, c := o.Table.Dims()
		n += r * c
	}
	for range channels {
		n += m + m*m
	}
	return n
}
