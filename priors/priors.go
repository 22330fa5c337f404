// Package priors holds optional priors over the positive GP
// hyperparameters. Hyperparameters are optimized on the log
// scale, so the priors are normal over the logarithms.
package priors

import (
	"math"

	. "bitbucket.org/dtolpin/infergo/dist"
	"bitbucket.org/dtolpin/infergo/model"
)

type Priors interface {
	model.Model
	NTheta() int
}

// Hyper is the prior over the leading block of a packed SVGP
// parameter vector: log length scale and log amplitude, unless
// Fixed, followed by log noise.
type Hyper struct {
	Fixed bool
}

func (m *Hyper) NTheta() int {
	if m.Fixed {
		return 1
	}
	return 3
}

func (m *Hyper) Observe(x []float64) float64 {
	const (
		l = iota // length scale
		a        // amplitude
		s        // noise
	)

	ll := 0.
	if m.Fixed {
		// The noise comes first when the kernel is fixed.
		return Normal.Logp(math.Log(0.1), 1, x[0])
	}

	// Length scale is around 1, in wide margins; the view
	// period is 2π.
	ll += Normal.Logp(0, 2, x[l])
	// Amplitude is mostly around 1.
	ll += Normal.Logp(0, 1, x[a])
	// Noise standard deviation is around 0.1.
	ll += Normal.Logp(math.Log(0.1), 1, x[s])

	return ll
}
