package odometry

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"
)

func TestRigidTransform(t *testing.T) {
	identity := NewIdentityTransform()
	p := r3.Vector{X: 1, Y: 2, Z: 3}
	test.That(t, identity.Apply(p), test.ShouldResemble, p)
	test.That(t, identity.RotationAngle(), test.ShouldEqual, 0.)

	quarter := &RigidTransform{Rotation: rotationZ(math.Pi / 2), Translation: r3.Vector{X: 1}}
	moved := quarter.Apply(p)
	test.That(t, moved.X, test.ShouldAlmostEqual, -1)
	test.That(t, moved.Y, test.ShouldAlmostEqual, 1)
	test.That(t, moved.Z, test.ShouldAlmostEqual, 3)
	test.That(t, quarter.RotationAngle(), test.ShouldAlmostEqual, math.Pi/2)

	shift := &RigidTransform{Rotation: NewIdentityTransform().Rotation, Translation: r3.Vector{Z: -1}}
	composed := quarter.Compose(shift)
	direct := quarter.Apply(shift.Apply(p))
	test.That(t, composed.Apply(p).Distance(direct), test.ShouldAlmostEqual, 0)

	half := quarter.Compose(quarter)
	test.That(t, half.RotationAngle(), test.ShouldAlmostEqual, math.Pi)

	m := quarter.Matrix()
	rows, cols := m.Dims()
	test.That(t, rows, test.ShouldEqual, 4)
	test.That(t, cols, test.ShouldEqual, 4)
	test.That(t, m.At(0, 3), test.ShouldEqual, 1.)
	test.That(t, m.At(3, 3), test.ShouldEqual, 1.)
	test.That(t, m.At(3, 0), test.ShouldEqual, 0.)
	test.That(t, mat.EqualApprox(m.Slice(0, 3, 0, 3), quarter.Rotation, 1e-12), test.ShouldBeTrue)
	test.That(t, identity.String(), test.ShouldContainSubstring, "1")
}
