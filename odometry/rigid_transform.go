package odometry

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// RigidTransform is a rotation followed by a translation, p' = R*p + t.
type RigidTransform struct {
	Rotation    *mat.Dense
	Translation r3.Vector
}

// NewIdentityTransform returns the transform that leaves every point in place.
func NewIdentityTransform() *RigidTransform {
	return &RigidTransform{
		Rotation: mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1}),
	}
}

// Apply transforms a point.
func (rt *RigidTransform) Apply(p r3.Vector) r3.Vector {
	r := rt.Rotation
	return r3.Vector{
		X: r.At(0, 0)*p.X + r.At(0, 1)*p.Y + r.At(0, 2)*p.Z + rt.Translation.X,
		Y: r.At(1, 0)*p.X + r.At(1, 1)*p.Y + r.At(1, 2)*p.Z + rt.Translation.Y,
		Z: r.At(2, 0)*p.X + r.At(2, 1)*p.Y + r.At(2, 2)*p.Z + rt.Translation.Z,
	}
}

// Compose returns the transform that applies other first and then rt.
func (rt *RigidTransform) Compose(other *RigidTransform) *RigidTransform {
	var rot mat.Dense
	rot.Mul(rt.Rotation, other.Rotation)
	return &RigidTransform{
		Rotation:    &rot,
		Translation: rt.Apply(other.Translation),
	}
}

// Matrix returns the 4x4 homogeneous matrix of the transform.
func (rt *RigidTransform) Matrix() *mat.Dense {
	m := mat.NewDense(4, 4, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			m.Set(i, j, rt.Rotation.At(i, j))
		}
	}
	m.Set(0, 3, rt.Translation.X)
	m.Set(1, 3, rt.Translation.Y)
	m.Set(2, 3, rt.Translation.Z)
	m.Set(3, 3, 1)
	return m
}

// RotationAngle returns the magnitude of the rotation in radians.
func (rt *RigidTransform) RotationAngle() float64 {
	cos := (mat.Trace(rt.Rotation) - 1) / 2
	return math.Acos(math.Max(-1, math.Min(1, cos)))
}

func (rt *RigidTransform) String() string {
	return fmt.Sprintf("%v", mat.Formatted(rt.Matrix(), mat.Squeeze()))
}
