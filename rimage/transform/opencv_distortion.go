package transform

import (
	"math"
	"strings"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// NumDistortionCoefficients is the number of coefficients of the OpenCV distortion model.
const NumDistortionCoefficients = 12

// DistortionCoefficient indexes the OpenCV distortion coefficient array.
type DistortionCoefficient int

// The coefficients in storage order.
const (
	K1 DistortionCoefficient = iota
	K2
	K3
	K4
	K5
	K6
	P1
	P2
	S1
	S2
	S3
	S4
)

// Descriptive aliases. Each refers to the same slot as its short name.
const (
	Radial2N   = K1 // r^2 term of the radial numerator
	Radial4N   = K2 // r^4 term of the radial numerator
	Radial6N   = K3 // r^6 term of the radial numerator
	Radial2D   = K4 // r^2 term of the radial denominator
	Radial4D   = K5 // r^4 term of the radial denominator
	Radial6D   = K6 // r^6 term of the radial denominator
	TipTiltY   = P1
	TipTiltX   = P2
	ThinPrism1 = S1
	ThinPrism2 = S2
	ThinPrism3 = S3
	ThinPrism4 = S4
)

var distortionCoefficientLabels = [NumDistortionCoefficients]string{
	"k1", "k2", "k3", "k4", "k5", "k6", "p1", "p2", "s1", "s2", "s3", "s4",
}

var distortionCoefficientsByName = map[string]DistortionCoefficient{
	"k1": K1, "k2": K2, "k3": K3, "k4": K4, "k5": K5, "k6": K6,
	"p1": P1, "p2": P2, "s1": S1, "s2": S2, "s3": S3, "s4": S4,
	"radial2n": Radial2N, "radial4n": Radial4N, "radial6n": Radial6N,
	"radial2d": Radial2D, "radial4d": Radial4D, "radial6d": Radial6D,
	"tiptilt_y": TipTiltY, "tiptilt_x": TipTiltX,
	"thinprism_1": ThinPrism1, "thinprism_2": ThinPrism2, "thinprism_3": ThinPrism3, "thinprism_4": ThinPrism4,
}

func (c DistortionCoefficient) String() string {
	if c < 0 || int(c) >= NumDistortionCoefficients {
		return "unknown"
	}
	return distortionCoefficientLabels[c]
}

// DistortionCoefficientByName resolves a coefficient name or alias, case insensitively.
func DistortionCoefficientByName(name string) (DistortionCoefficient, error) {
	c, ok := distortionCoefficientsByName[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return 0, NewConfigurationError("unknown distortion coefficient %q", name)
	}
	return c, nil
}

// OpenCVDistortion is the OpenCV lens model: a rational radial term with three numerator and three
// denominator coefficients, two tangential (tip/tilt) coefficients, and four thin prism coefficients.
//
//	x' = (1+k1r²+k2r⁴+k3r⁶)/(1+k4r²+k5r⁴+k6r⁶) x + [2p1xy + p2(r²+2x²) + s1r² + s2r⁴]
//	y' = (1+k1r²+k2r⁴+k3r⁶)/(1+k4r²+k5r⁴+k6r⁶) y + [p1(r²+2y²) + 2p2xy + s3r² + s4r⁴]
//
// The denominator must stay away from zero over the region of interest; this is not checked.
type OpenCVDistortion struct {
	Coefficients [NumDistortionCoefficients]float64 `json:"coefficients"`
}

// NewOpenCVDistortion takes in a slice of floats that will be passed into the struct in order.
// Missing trailing values are zero.
func NewOpenCVDistortion(inp []float64) (*OpenCVDistortion, error) {
	if len(inp) > NumDistortionCoefficients {
		return nil, errors.Errorf("list of parameters too long, expected max %d, got %d", NumDistortionCoefficients, len(inp))
	}
	d := &OpenCVDistortion{}
	copy(d.Coefficients[:], inp)
	return d, nil
}

// CheckValid checks if the fields for OpenCVDistortion have valid inputs.
func (d *OpenCVDistortion) CheckValid() error {
	if d == nil {
		return InvalidDistortionError("OpenCVDistortion shaped distortion_parameters not provided")
	}
	for i, c := range d.Coefficients {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return InvalidDistortionError(DistortionCoefficient(i).String() + " is not finite")
		}
	}
	return nil
}

// ModelType returns the type of distortion model.
func (d *OpenCVDistortion) ModelType() DistortionType {
	return OpenCVDistortionType
}

// Parameters returns the distortion parameters as a list of floats.
func (d *OpenCVDistortion) Parameters() []float64 {
	if d == nil {
		return []float64{}
	}
	return append([]float64(nil), d.Coefficients[:]...)
}

// Coefficient returns the value of one coefficient.
func (d *OpenCVDistortion) Coefficient(c DistortionCoefficient) float64 {
	return d.Coefficients[c]
}

// SetCoefficient sets the value of one coefficient.
func (d *OpenCVDistortion) SetCoefficient(c DistortionCoefficient, v float64) {
	d.Coefficients[c] = v
}

// Transform distorts the undistorted gnomic location (x, y).
func (d *OpenCVDistortion) Transform(x, y float64) (float64, float64) {
	if d == nil {
		return x, y
	}
	p := d.ApplyDistortion(r2.Point{X: x, Y: y})
	return p.X, p.Y
}

func radialPowers(p r2.Point) (rad2, rad4, rad6 float64) {
	rad2 = p.X*p.X + p.Y*p.Y
	rad4 = rad2 * rad2
	rad6 = rad2 * rad4
	return rad2, rad4, rad6
}

func (d *OpenCVDistortion) radialTerms(rad2, rad4, rad6 float64) (numer, denom float64) {
	c := &d.Coefficients
	numer = 1 + c[K1]*rad2 + c[K2]*rad4 + c[K3]*rad6
	denom = 1 + c[K4]*rad2 + c[K5]*rad4 + c[K6]*rad6
	return numer, denom
}

// ApplyDistortion maps an undistorted gnomic location to its distorted gnomic location.
func (d *OpenCVDistortion) ApplyDistortion(p r2.Point) r2.Point {
	c := &d.Coefficients
	rad2, rad4, rad6 := radialPowers(p)
	numer, denom := d.radialTerms(rad2, rad4, rad6)
	scale := numer / denom
	xy := p.X * p.Y

	return r2.Point{
		X: scale*p.X + 2*c[P1]*xy + c[P2]*(rad2+2*p.X*p.X) + c[S1]*rad2 + c[S2]*rad4,
		Y: scale*p.Y + c[P1]*(rad2+2*p.Y*p.Y) + 2*c[P2]*xy + c[S3]*rad2 + c[S4]*rad4,
	}
}

// ApplyDistortionBatch distorts every point. The output has the same length and order as the input.
func (d *OpenCVDistortion) ApplyDistortionBatch(points []r2.Point) []r2.Point {
	out := make([]r2.Point, len(points))
	for i, p := range points {
		out[i] = d.ApplyDistortion(p)
	}
	return out
}

// jacobianEntries returns the row-major entries of d(distorted)/d(gnomic).
func (d *OpenCVDistortion) jacobianEntries(p r2.Point) (j00, j01, j10, j11 float64) {
	c := &d.Coefficients
	x, y := p.X, p.Y
	rad2, rad4, rad6 := radialPowers(p)
	numer, denom := d.radialTerms(rad2, rad4, rad6)
	scale := numer / denom

	// derivative of the radial ratio through r², already multiplied by dr²/dx = 2x
	dScale := (denom*(2*c[K1]+4*c[K2]*rad2+6*c[K3]*rad4) - numer*(2*c[K4]+4*c[K5]*rad2+6*c[K6]*rad4)) /
		(denom * denom)
	prismX := 2 * (c[S1] + 2*c[S2]*rad2)
	prismY := 2 * (c[S3] + 2*c[S4]*rad2)

	j00 = scale + dScale*x*x + 2*c[P1]*y + 4*c[P2]*x + 2*c[P2]*x + prismX*x
	j01 = dScale*x*y + 2*c[P1]*x + 2*c[P2]*y + prismX*y
	j10 = dScale*x*y + 2*c[P2]*y + 2*c[P1]*x + prismY*x
	j11 = scale + dScale*y*y + 4*c[P1]*y + 2*c[P2]*x + 2*c[P1]*y + prismY*y
	return j00, j01, j10, j11
}

// DDistortedDGnomic returns the 2x2 Jacobian of the distorted gnomic location with respect to the
// undistorted gnomic location.
func (d *OpenCVDistortion) DDistortedDGnomic(p r2.Point) *mat.Dense {
	j00, j01, j10, j11 := d.jacobianEntries(p)
	return mat.NewDense(2, 2, []float64{j00, j01, j10, j11})
}

// DDistortionDGnomic returns the 2x2 Jacobian of the distortion offset (distorted minus undistorted)
// with respect to the undistorted gnomic location. It is DDistortedDGnomic minus the identity.
func (d *OpenCVDistortion) DDistortionDGnomic(p r2.Point) *mat.Dense {
	j00, j01, j10, j11 := d.jacobianEntries(p)
	return mat.NewDense(2, 2, []float64{j00 - 1, j01, j10, j11 - 1})
}

// DDistortedDCoefficients returns the 2x12 Jacobian of the distorted gnomic location with respect to
// the distortion coefficients, columns in storage order.
func (d *OpenCVDistortion) DDistortedDCoefficients(p r2.Point) *mat.Dense {
	rad2, rad4, rad6 := radialPowers(p)
	return d.dDistortedDCoefficients(p, rad2, rad4, rad6)
}

func (d *OpenCVDistortion) dDistortedDCoefficients(p r2.Point, rad2, rad4, rad6 float64) *mat.Dense {
	numer, denom := d.radialTerms(rad2, rad4, rad6)
	x, y := p.X, p.Y
	ratio := numer / (denom * denom)
	xy2 := 2 * x * y

	out := mat.NewDense(2, NumDistortionCoefficients, nil)
	out.SetCol(int(K1), []float64{rad2 / denom * x, rad2 / denom * y})
	out.SetCol(int(K2), []float64{rad4 / denom * x, rad4 / denom * y})
	out.SetCol(int(K3), []float64{rad6 / denom * x, rad6 / denom * y})
	out.SetCol(int(K4), []float64{-rad2 * ratio * x, -rad2 * ratio * y})
	out.SetCol(int(K5), []float64{-rad4 * ratio * x, -rad4 * ratio * y})
	out.SetCol(int(K6), []float64{-rad6 * ratio * x, -rad6 * ratio * y})
	out.SetCol(int(P1), []float64{xy2, rad2 + 2*y*y})
	out.SetCol(int(P2), []float64{rad2 + 2*x*x, xy2})
	out.SetCol(int(S1), []float64{rad2, 0})
	out.SetCol(int(S2), []float64{rad4, 0})
	out.SetCol(int(S3), []float64{0, rad2})
	out.SetCol(int(S4), []float64{0, rad4})
	return out
}
