package transform

import (
	"math"

	"github.com/golang/geo/r2"
)

const (
	// MaxUndistortIterations caps the Newton iterations used to remove distortion.
	MaxUndistortIterations = 20
	// UndistortTolerance is the largest accepted residual, in gnomic units, between the observed
	// distorted location and the distortion of the estimate. It is scaled up for locations farther
	// than one unit from the optical axis, where double precision cannot resolve it.
	UndistortTolerance = 1e-15
)

// UndistortStatus describes how the inverse distortion iteration for one point finished.
type UndistortStatus struct {
	Iterations int
	Residual   float64
	Converged  bool
}

// Undistort applies the inverse of the distortion model: given a distorted gnomic location, it
// computes the undistorted gnomic location that distorts to it using Newton-Raphson iteration
// seeded at the distorted location.
//
// If the iteration does not converge within MaxUndistortIterations, or the Jacobian becomes
// singular, the last estimate is returned and the status reports Converged false.
func (d *OpenCVDistortion) Undistort(distorted r2.Point) (r2.Point, UndistortStatus) {
	tolerance := UndistortTolerance * math.Max(1, math.Max(math.Abs(distorted.X), math.Abs(distorted.Y)))

	// Start with the distorted point as initial guess
	est := distorted
	var status UndistortStatus
	for ; status.Iterations < MaxUndistortIterations; status.Iterations++ {
		pred := d.ApplyDistortion(est)
		resX := distorted.X - pred.X
		resY := distorted.Y - pred.Y
		status.Residual = math.Max(math.Abs(resX), math.Abs(resY))
		if status.Residual < tolerance {
			status.Converged = true
			return est, status
		}

		j00, j01, j10, j11 := d.jacobianEntries(est)
		det := j00*j11 - j01*j10
		if det == 0 {
			return est, status
		}

		// est += J^-1 * residual
		est.X += (j11*resX - j01*resY) / det
		est.Y += (-j10*resX + j00*resY) / det
	}

	pred := d.ApplyDistortion(est)
	status.Residual = math.Max(math.Abs(distorted.X-pred.X), math.Abs(distorted.Y-pred.Y))
	status.Converged = status.Residual < tolerance
	return est, status
}
