package thinlens

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/GoSim-25-26J-441/optics-tuner/internal/model"
)

// SpeedOfLight in m/s
const SpeedOfLight = 299792458.0

// momentum returns p*c in eV
func momentum(kinetic, rest float64) float64 {
	return math.Sqrt(kinetic*kinetic + 2*kinetic*rest)
}

// betaGamma returns the relativistic beta*gamma
func betaGamma(kinetic, rest float64) float64 {
	return momentum(kinetic, rest) / rest
}

// gammaOf returns the relativistic gamma
func gammaOf(kinetic, rest float64) float64 {
	return 1 + kinetic/rest
}

func drift(length float64) *mat.Dense {
	return mat.NewDense(2, 2, []float64{1, length, 0, 1})
}

func thinLens(k float64) *mat.Dense {
	return mat.NewDense(2, 2, []float64{1, 0, -k, 1})
}

func damping(ratio float64) *mat.Dense {
	return mat.NewDense(2, 2, []float64{1, 0, 0, ratio})
}

// sector returns the horizontal transfer and dispersion matrices of a sector bend
func sector(length, angle float64) (*mat.Dense, *mat.Dense) {
	if angle == 0 {
		m := drift(length)
		return m, mat.NewDense(3, 3, []float64{1, length, 0, 0, 1, 0, 0, 0, 1})
	}
	rho := length / angle
	c, s := math.Cos(angle), math.Sin(angle)
	m := mat.NewDense(2, 2, []float64{c, rho * s, -s / rho, c})
	d := mat.NewDense(3, 3, []float64{
		c, rho * s, rho * (1 - c),
		-s / rho, c, s,
		0, 0, 1,
	})
	return m, d
}

// embed lifts a 2x2 transfer matrix into the 3x3 dispersion form
func embed(m *mat.Dense) *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		m.At(0, 0), m.At(0, 1), 0,
		m.At(1, 0), m.At(1, 1), 0,
		0, 0, 1,
	})
}

// transportTwiss propagates Twiss parameters through m via sigma = M S M^T
func transportTwiss(t model.Twiss, m *mat.Dense) model.Twiss {
	shape := mat.NewDense(2, 2, []float64{
		t.Beta, -t.Alpha,
		-t.Alpha, t.Gamma(),
	})
	var sigma mat.Dense
	sigma.Product(m, shape, m.T())

	scale := math.Sqrt(mat.Det(&sigma))
	return model.Twiss{
		Beta:      sigma.At(0, 0) / scale,
		Alpha:     -sigma.At(0, 1) / scale,
		Emittance: t.Emittance * scale,
	}
}

// transportDispersion propagates (D, D') through a 3x3 matrix
func transportDispersion(d [2]float64, m *mat.Dense) [2]float64 {
	v := mat.NewVecDense(3, []float64{d[0], d[1], 1})
	var out mat.VecDense
	out.MulVec(m, v)
	return [2]float64{out.AtVec(0), out.AtVec(1)}
}
