// Package kernel implements the composite covariance of the
// SVGP layer: a periodic kernel over the view coordinate
// multiplied by a linear kernel over object feature vectors.
//
// Rows of the input matrices are laid out as
//
//	column 0   object id (integral, looked up in Learned mode)
//	column 1   view coordinate, e.g. a rotation angle
//	column 2.. object feature vector
package kernel

import (
	"math"

	"bitbucket.org/dtolpin/gogp/kernel"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Period of the view kernel.
const Period = 2 * math.Pi

var (
	// ErrObjectID is returned when an object id does not
	// address a row of the embedding table.
	ErrObjectID = errors.New("object id out of range")
	// ErrShape is returned on mismatched feature widths.
	ErrShape = errors.New("feature dimension mismatch")
	// ErrZeroObject is returned when the object kernel is
	// normalized and an object vector has zero norm.
	ErrZeroObject = errors.New("zero object vector")
)

// Role tells the kernel where a row came from, and therefore
// where its object features are.
type Role int

const (
	// Inducing rows always carry their features inline.
	Inducing Role = iota
	// Training rows carry an object id.
	Training
	// Test rows carry an object id.
	Test
)

func (r Role) String() string {
	switch r {
	case Inducing:
		return "inducing"
	case Training:
		return "training"
	case Test:
		return "test"
	}
	return "unknown"
}

// Objects resolves the object feature vectors of data rows.
// The two implementations are Inline and Learned.
type Objects interface {
	// Features returns the object vector of row i of x.
	Features(x *mat.Dense, i int) ([]float64, error)
	// Dim returns the object vector width, or -1 when it
	// is dictated by the data.
	Dim() int
}

// Inline reads object features from columns 2.. of each row.
type Inline struct{}

func (Inline) Features(x *mat.Dense, i int) ([]float64, error) {
	return x.RawRowView(i)[2:], nil
}

func (Inline) Dim() int { return -1 }

// Learned looks object vectors up in a table by the id in
// column 0. The table is shared with the optimizer, which
// updates it between forward passes.
type Learned struct {
	Table *mat.Dense
}

func (o Learned) Features(x *mat.Dense, i int) ([]float64, error) {
	id := x.At(i, 0)
	n, _ := o.Table.Dims()
	if id != math.Trunc(id) || id < 0 || int(id) >= n {
		return nil, errors.Wrapf(ErrObjectID,
			"row %d: id %v, table has %d rows", i, id, n)
	}
	return o.Table.RawRowView(int(id)), nil
}

func (o Learned) Dim() int {
	_, c := o.Table.Dims()
	return c
}

// Composite is the product of the view and object kernels.
type Composite struct {
	LengthScale float64
	Amplitude   float64
	// Normalize divides the object kernel by the product of
	// the norms of the two vectors.
	Normalize bool
	Objects   Objects
}

// View is the periodic kernel over the view coordinate.
func (k *Composite) View(a, b float64) float64 {
	return k.Amplitude * k.Amplitude *
		kernel.Periodic.Cov(k.LengthScale, Period, a, b)
}

// Object is the linear kernel over object vectors.
func (k *Composite) Object(a, b []float64) float64 {
	v := floats.Dot(a, b)
	if k.Normalize {
		v /= floats.Norm(a, 2) * floats.Norm(b, 2)
	}
	return v
}

// features collects the object vectors of all rows of x.
func (k *Composite) features(x *mat.Dense, role Role) ([][]float64, error) {
	r, c := x.Dims()
	if c < 2 {
		return nil, errors.Wrapf(ErrShape,
			"%s rows have %d columns, need at least 2", role, c)
	}
	objs := make([][]float64, r)
	for i := range objs {
		var err error
		if role == Inducing {
			objs[i], err = Inline{}.Features(x, i)
		} else {
			objs[i], err = k.Objects.Features(x, i)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "%s rows", role)
		}
		if k.Normalize && floats.Norm(objs[i], 2) == 0 {
			return nil, errors.Wrapf(ErrZeroObject, "%s row %d", role, i)
		}
	}
	return objs, nil
}

func checkWidth(xo, yo [][]float64) error {
	if len(xo) == 0 || len(yo) == 0 {
		return nil
	}
	if len(xo[0]) != len(yo[0]) {
		return errors.Wrapf(ErrShape,
			"object vectors of width %d and %d",
			len(xo[0]), len(yo[0]))
	}
	return nil
}

// Matrix computes the full covariance matrix K(x, y).
func (k *Composite) Matrix(
	x *mat.Dense, rx Role,
	y *mat.Dense, ry Role,
) (*mat.Dense, error) {
	xo, err := k.features(x, rx)
	if err != nil {
		return nil, err
	}
	yo, err := k.features(y, ry)
	if err != nil {
		return nil, err
	}
	if len(xo) == 0 || len(yo) == 0 {
		return nil, errors.Wrapf(ErrShape,
			"empty %s×%s kernel matrix", rx, ry)
	}
	if err := checkWidth(xo, yo); err != nil {
		return nil, err
	}

	K := mat.NewDense(len(xo), len(yo), nil)
	for i := range xo {
		xv := x.At(i, 1)
		row := K.RawRowView(i)
		for j := range yo {
			row[j] = k.View(xv, y.At(j, 1)) * k.Object(xo[i], yo[j])
		}
	}
	return K, nil
}

// Diag computes the matching-index terms K(x_i, y_i) only,
// in O(n) rather than O(n²).
func (k *Composite) Diag(
	x *mat.Dense, rx Role,
	y *mat.Dense, ry Role,
) ([]float64, error) {
	xr, _ := x.Dims()
	yr, _ := y.Dims()
	if xr != yr {
		return nil, errors.Wrapf(ErrShape,
			"diagonal of %d×%d kernel", xr, yr)
	}
	xo, err := k.features(x, rx)
	if err != nil {
		return nil, err
	}
	yo, err := k.features(y, ry)
	if err != nil {
		return nil, err
	}
	if err := checkWidth(xo, yo); err != nil {
		return nil, err
	}

	d := make([]float64, xr)
	for i := range d {
		d[i] = k.View(x.At(i, 1), y.At(i, 1)) * k.Object(xo[i], yo[i])
	}
	return d, nil
}
