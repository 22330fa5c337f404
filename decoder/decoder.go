// Package decoder provides a minimal decoder for the command
// line tools: an affine map from the latent code to pixels.
package decoder

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Affine decodes z into z·W + b.
type Affine struct {
	W *mat.Dense // L×K
	B []float64  // K
}

// New returns an affine decoder with weights w and bias b;
// a nil bias is zero.
func New(w *mat.Dense, b []float64) (*Affine, error) {
	_, k := w.Dims()
	if b == nil {
		b = make([]float64, k)
	}
	if len(b) != k {
		return nil, errors.Errorf("bias of length %d for %d outputs",
			len(b), k)
	}
	return &Affine{W: w, B: b}, nil
}

func (d *Affine) Decode(z *mat.Dense) (*mat.Dense, error) {
	_, l := z.Dims()
	if r, _ := d.W.Dims(); r != l {
		return nil, errors.Errorf("latent code of width %d, decoder expects %d",
			l, r)
	}
	var out mat.Dense
	out.Mul(z, d.W)
	n, _ := out.Dims()
	for i := 0; i != n; i++ {
		row := out.RawRowView(i)
		for j := range row {
			row[j] += d.B[j]
		}
	}
	return &out, nil
}
