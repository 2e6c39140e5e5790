package transform

import (
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/cameramodel/spatialmath"
)

// DefaultTemperature is the temperature at which the temperature scaling is the identity.
const DefaultTemperature = 0.

// dGnomicDRotated returns the 2x3 Jacobian of the perspective divide at a rotated camera-frame point.
func dGnomicDRotated(p r3.Vector) *mat.Dense {
	invZ := 1 / p.Z
	return mat.NewDense(2, 3, []float64{
		invZ, 0, -p.X * invZ * invZ,
		0, invZ, -p.Y * invZ * invZ,
	})
}

// ComputePixelJacobian returns, for every camera-frame point, the 2x3 Jacobian of its pixel location
// in the given image with respect to the point.
func (m *OpenCVModel) ComputePixelJacobian(points []r3.Vector, image int, temperature float64) ([]*mat.Dense, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rot, err := m.misalignmentLocked(image)
	if err != nil {
		return nil, err
	}
	rotMat := rot.Matrix()
	front := m.intrinsics.linearPart()
	front.Scale(m.temperatureScaleLocked(temperature), front)

	out := make([]*mat.Dense, len(points))
	for i, p := range points {
		rotated := rot.Apply(p)
		gnomic := r2.Point{X: rotated.X / rotated.Z, Y: rotated.Y / rotated.Z}

		var chain, dRotated, jac mat.Dense
		chain.Mul(front, m.distortion.DDistortedDGnomic(gnomic))
		dRotated.Mul(&chain, dGnomicDRotated(rotated))
		jac.Mul(&dRotated, rotMat)
		out[i] = &jac
	}
	return out, nil
}

// ComputeJacobian returns the Jacobian of the pixel locations of camera-frame points with respect to
// the parameters selected for estimation. pointsPerImage[i] holds the points observed in image i at
// temperatures[i]; a nil temperatures slice means DefaultTemperature for every image.
//
// Rows are the x and y pixel coordinates of each point, image by image. Columns follow the resolved
// estimation parameters: one per scalar in order, then three per misalignment. In multiple
// misalignment mode the block of image i is zero outside the rows of image i.
func (m *OpenCVModel) ComputeJacobian(pointsPerImage [][]r3.Vector, temperatures []float64) (*mat.Dense, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if temperatures != nil && len(temperatures) != len(pointsPerImage) {
		return nil, &DimensionError{What: "temperatures", Expected: len(pointsPerImage), Actual: len(temperatures)}
	}
	if m.multipleMisalignments && len(pointsPerImage) > len(m.misalignments) {
		return nil, errors.Errorf("%d images given but only %d misalignments are configured",
			len(pointsPerImage), len(m.misalignments))
	}
	indices, err := m.resolveLocked()
	if err != nil {
		return nil, err
	}

	numRows := 0
	for _, points := range pointsPerImage {
		numRows += 2 * len(points)
	}
	numCols := indices.Len()
	if numRows == 0 || numCols == 0 {
		return nil, errors.Errorf("jacobian would be empty (%d rows, %d columns)", numRows, numCols)
	}
	jac := mat.NewDense(numRows, numCols, nil)

	k2 := m.intrinsics.linearPart()
	row := 0
	for image, points := range pointsPerImage {
		temperature := DefaultTemperature
		if temperatures != nil {
			temperature = temperatures[image]
		}
		rot, err := m.misalignmentLocked(image)
		if err != nil {
			return nil, err
		}
		misalignmentCol := len(indices.Scalars)
		if m.multipleMisalignments {
			misalignmentCol += 3 * image
		}

		for _, p := range points {
			m.fillJacobianRows(jac, row, indices, misalignmentCol, k2, rot, p, temperature)
			row += 2
		}
	}
	return jac, nil
}

// fillJacobianRows writes the two rows of one point into jac starting at row.
func (m *OpenCVModel) fillJacobianRows(
	jac *mat.Dense,
	row int,
	indices EstimationIndices,
	misalignmentCol int,
	k2 *mat.Dense,
	rot spatialmath.Rotation,
	point r3.Vector,
	temperature float64,
) {
	scale := m.temperatureScaleLocked(temperature)
	rotated := rot.Apply(point)
	gnomic := r2.Point{X: rotated.X / rotated.Z, Y: rotated.Y / rotated.Z}
	distorted := m.distortion.ApplyDistortion(gnomic)
	scaled := distorted.Mul(scale)

	// K2 * s(T) maps a change of the distorted gnomic location to a change of pixel location.
	front := mat.DenseCopyOf(k2)
	front.Scale(scale, front)

	var dCoefficients *mat.Dense
	set := func(col int, dx, dy float64) {
		jac.Set(row, col, dx)
		jac.Set(row+1, col, dy)
	}
	for col, idx := range indices.Scalars {
		switch {
		case idx == StateFx:
			set(col, scaled.X, 0)
		case idx == StateFy:
			set(col, 0, scaled.Y)
		case idx == StateAlpha:
			set(col, scaled.Y, 0)
		case idx == StatePx:
			set(col, 1, 0)
		case idx == StatePy:
			set(col, 0, 1)
		case idx >= StateK1 && idx <= StateS4:
			if dCoefficients == nil {
				dCoefficients = &mat.Dense{}
				dCoefficients.Mul(front, m.distortion.DDistortedDCoefficients(gnomic))
			}
			set(col, dCoefficients.At(0, idx-StateK1), dCoefficients.At(1, idx-StateK1))
		case idx >= StateA1 && idx <= StateA3:
			power := temperature
			for i := StateA1; i < idx; i++ {
				power *= temperature
			}
			px := m.intrinsics.linearPartApply(distorted)
			set(col, px.X*power, px.Y*power)
		}
	}

	if !indices.Misalignment {
		return
	}
	var chain, dRotated, dMisalignment, negSkew mat.Dense
	chain.Mul(front, m.distortion.DDistortedDGnomic(gnomic))
	dRotated.Mul(&chain, dGnomicDRotated(rotated))
	negSkew.Scale(-1, spatialmath.SkewMatrix(rotated))
	dMisalignment.Mul(&dRotated, &negSkew)
	for c := 0; c < 3; c++ {
		set(misalignmentCol+c, dMisalignment.At(0, c), dMisalignment.At(1, c))
	}
}
