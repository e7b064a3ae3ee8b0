package calibration

import (
	"errors"
	"fmt"
	"math"

	"github.com/itohio/gofilament/pkg/fixedpoint"
)

var (
	// ErrFit is the class of curve fitting failures.
	ErrFit = errors.New("fit error")
	// ErrInsufficientPoints is returned when fitting fewer than three points.
	ErrInsufficientPoints = fmt.Errorf("%w: insufficient points", ErrFit)
	// ErrDegenerate is returned when the normal equations are singular.
	ErrDegenerate = fmt.Errorf("%w: degenerate calibration", ErrFit)

	// ErrDomain is the class of inversion failures.
	ErrDomain = errors.New("domain error")
	// ErrNoRealRoot is returned when the reading is never reached by the curve.
	ErrNoRealRoot = fmt.Errorf("%w: no real root", ErrDomain)
	// ErrOutOfDomain is returned when no root is a plausible diameter.
	ErrOutOfDomain = fmt.Errorf("%w: out of domain", ErrDomain)

	// ErrNoCalibration is returned when no curve has been fitted yet.
	ErrNoCalibration = errors.New("no calibration")
)

// MinPoints is the number of distinct diameters a quadratic needs.
const MinPoints = 3

// domainSlack allows an inverted root to exceed [0, MaxDiameter] by one wire
// LSB before it is rejected; such roots are clamped into range.
const domainSlack = fixedpoint.Resolution

// Curve models the sensor reading as a quadratic function of filament
// diameter:
//
//	reading = A·d² + B·d + C
//
// The field at the sensor falls off with distance, so readings move
// monotonically with diameter on one side of the vertex only. Diameters are
// recovered by solving the quadratic for a reading and keeping the root that
// lies within [0, MaxDiameter].
type Curve struct {
	A, B, C float64

	// MaxDiameter is the largest diameter in the table the curve was fitted over.
	MaxDiameter float64
	// Points is the number of points the curve was fitted over.
	Points int
}

// Eval returns the reading predicted for diameter d.
func (c *Curve) Eval(d float64) float64 {
	return (c.A*d+c.B)*d + c.C
}

// Vertex returns the diameter at the parabola's vertex. ok is false for a
// straight line.
func (c *Curve) Vertex() (d float64, ok bool) {
	if c.A == 0 {
		return 0, false
	}
	return -c.B / (2 * c.A), true
}

// Fit computes the ordinary least-squares quadratic through the table.
//
// Diameters are centred and scaled to [-1, 1] before the 3x3 normal equations
// are built, which keeps the sums of fourth powers well conditioned; the
// coefficients are then mapped back to raw diameters.
func Fit(t Table) (*Curve, error) {
	n := t.Len()
	if n < MinPoints {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrInsufficientPoints, n, MinPoints)
	}

	distinct := make(map[fixedpoint.Word]struct{}, n)
	var mean float64
	for _, p := range t.points {
		distinct[p.Diameter] = struct{}{}
		mean += p.Diameter.Float()
	}
	if len(distinct) < MinPoints {
		return nil, fmt.Errorf("%w: %d distinct diameters", ErrDegenerate, len(distinct))
	}
	mean /= float64(n)

	var scale float64
	for _, p := range t.points {
		scale = math.Max(scale, math.Abs(p.Diameter.Float()-mean))
	}

	// s[k] = Σu^k, r[k] = Σu^k·y
	var s [5]float64
	var r [3]float64
	for _, p := range t.points {
		u := (p.Diameter.Float() - mean) / scale
		y := p.Reading.Float()
		pow := 1.0
		for k := 0; k < 5; k++ {
			s[k] += pow
			if k < 3 {
				r[k] += pow * y
			}
			pow *= u
		}
	}

	m := [3][4]float64{
		{s[4], s[3], s[2], r[2]},
		{s[3], s[2], s[1], r[1]},
		{s[2], s[1], s[0], r[0]},
	}
	x, err := solve3(m)
	if err != nil {
		return nil, err
	}

	// reading = A·u² + B·u + C with u = (d - mean) / scale
	ua, ub, uc := x[0], x[1], x[2]
	s2 := scale * scale
	return &Curve{
		A:           ua / s2,
		B:           ub/scale - 2*ua*mean/s2,
		C:           ua*mean*mean/s2 - ub*mean/scale + uc,
		MaxDiameter: t.MaxDiameter(),
		Points:      n,
	}, nil
}

// solve3 solves an augmented 3x3 system by Gaussian elimination with partial
// pivoting.
func solve3(m [3][4]float64) ([3]float64, error) {
	var norm float64
	for i := range m {
		for j := 0; j < 3; j++ {
			norm = math.Max(norm, math.Abs(m[i][j]))
		}
	}
	eps := norm * 1e-12

	for col := 0; col < 3; col++ {
		pivot := col
		for row := col + 1; row < 3; row++ {
			if math.Abs(m[row][col]) > math.Abs(m[pivot][col]) {
				pivot = row
			}
		}
		if math.Abs(m[pivot][col]) <= eps {
			return [3]float64{}, fmt.Errorf("%w: singular normal equations", ErrDegenerate)
		}
		m[col], m[pivot] = m[pivot], m[col]

		for row := col + 1; row < 3; row++ {
			f := m[row][col] / m[col][col]
			for k := col; k < 4; k++ {
				m[row][k] -= f * m[col][k]
			}
		}
	}

	var x [3]float64
	for row := 2; row >= 0; row-- {
		sum := m[row][3]
		for k := row + 1; k < 3; k++ {
			sum -= m[row][k] * x[k]
		}
		x[row] = sum / m[row][row]
	}
	return x, nil
}

// Invert returns the diameter at which the curve produces reading.
//
// Of the roots of A·d² + B·d + (C − reading) = 0, only those within
// [0, MaxDiameter] are physically meaningful. When both qualify the smaller
// one is taken: it lies on the branch closest to the sensor, where the
// response is monotonic.
func (c *Curve) Invert(reading float64) (float64, error) {
	a, b, k := c.A, c.B, c.C-reading

	var roots []float64
	switch {
	case a == 0 && b == 0:
		return 0, fmt.Errorf("%w: flat curve", ErrNoRealRoot)
	case a == 0:
		roots = []float64{-k / b}
	default:
		disc := b*b - 4*a*k
		if disc < 0 {
			return 0, fmt.Errorf("%w: reading %.3f", ErrNoRealRoot, reading)
		}
		// Numerically stable form; avoids cancellation when b² ≫ 4ak.
		q := -0.5 * (b + math.Copysign(math.Sqrt(disc), b))
		if q == 0 {
			roots = []float64{0}
		} else {
			roots = []float64{q / a, k / q}
		}
	}

	best, found := 0.0, false
	for _, d := range roots {
		if d < -domainSlack || d > c.MaxDiameter+domainSlack || math.IsNaN(d) {
			continue
		}
		d = math.Min(math.Max(d, 0), c.MaxDiameter)
		if !found || d < best {
			best, found = d, true
		}
	}
	if !found {
		return 0, fmt.Errorf("%w: reading %.3f has roots %v outside [0, %.3f]", ErrOutOfDomain, reading, roots, c.MaxDiameter)
	}
	return best, nil
}
