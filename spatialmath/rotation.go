package spatialmath

import (
	"encoding/json"
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// Rotation is a proper rotation in 3D space stored as a unit quaternion.
// The zero value is not a valid rotation; use NewZeroRotation.
type Rotation struct {
	q quat.Number
}

// NewZeroRotation returns the identity rotation.
func NewZeroRotation() Rotation {
	return Rotation{quat.Number{Real: 1}}
}

// NewRotationFromVector returns the rotation described by a rotation vector, whose direction is the
// rotation axis and whose norm is the rotation angle in radians.
func NewRotationFromVector(v r3.Vector) Rotation {
	return Rotation{R3ToR4(v).ToQuat()}
}

// NewRotationFromQuaternion returns the rotation described by q. q is normalized first.
func NewRotationFromQuaternion(q quat.Number) Rotation {
	n := quat.Abs(q)
	if n == 0 {
		return NewZeroRotation()
	}
	return Rotation{quat.Scale(1/n, q)}
}

// Quaternion returns the rotation as a unit quaternion.
func (r Rotation) Quaternion() quat.Number {
	return r.q
}

// Vector returns the rotation as a rotation vector.
func (r Rotation) Vector() r3.Vector {
	return QuatToR4AA(r.q).ToR3()
}

// Compose returns the rotation that applies other first and then r.
func (r Rotation) Compose(other Rotation) Rotation {
	return NewRotationFromQuaternion(quat.Mul(r.q, other.q))
}

// Inverse returns the rotation undoing r.
func (r Rotation) Inverse() Rotation {
	return Rotation{quat.Conj(r.q)}
}

// Apply rotates v.
func (r Rotation) Apply(v r3.Vector) r3.Vector {
	p := quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}
	out := quat.Mul(quat.Mul(r.q, p), quat.Conj(r.q))
	return r3.Vector{X: out.Imag, Y: out.Jmag, Z: out.Kmag}
}

// Matrix returns the 3x3 rotation matrix.
func (r Rotation) Matrix() *mat.Dense {
	w, x, y, z := r.q.Real, r.q.Imag, r.q.Jmag, r.q.Kmag
	return mat.NewDense(3, 3, []float64{
		1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y),
		2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x),
		2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y),
	})
}

// MarshalJSON encodes the rotation as its rotation vector.
func (r Rotation) MarshalJSON() ([]byte, error) {
	v := r.Vector()
	return json.Marshal([3]float64{v.X, v.Y, v.Z})
}

// UnmarshalJSON decodes a rotation vector.
func (r *Rotation) UnmarshalJSON(data []byte) error {
	var v [3]float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*r = NewRotationFromVector(r3.Vector{X: v[0], Y: v[1], Z: v[2]})
	return nil
}

// RotationAlmostEqual reports whether two rotations differ by an angle of at most tol radians.
func RotationAlmostEqual(a, b Rotation, tol float64) bool {
	return b.Compose(a.Inverse()).Angle() <= tol
}

// Angle returns the rotation angle in [0, pi].
func (r Rotation) Angle() float64 {
	sinHalf := math.Sqrt(r.q.Imag*r.q.Imag + r.q.Jmag*r.q.Jmag + r.q.Kmag*r.q.Kmag)
	return 2 * math.Atan2(sinHalf, math.Abs(r.q.Real))
}

// SkewMatrix returns the cross-product matrix of v, so that SkewMatrix(v)*u == v.Cross(u).
func SkewMatrix(v r3.Vector) *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		0, -v.Z, v.Y,
		v.Z, 0, -v.X,
		-v.Y, v.X, 0,
	})
}
