package pointcloud

import (
	"context"
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/google/go-cmp/cmp"
	"github.com/lucasb-eyer/go-colorful"
	"github.com/pkg/errors"
	"go.viam.com/test"
)

var (
	red  = colorful.Color{R: 1}
	blue = colorful.Color{B: 1}
)

func makeGridWithKeys(t *testing.T, size float64, keys ...VoxelCoords) *VoxelGrid {
	t.Helper()
	vg, err := NewVoxelGrid(size)
	test.That(t, err, test.ShouldBeNil)
	for _, k := range keys {
		vg.addSamples(k, red, 1)
	}
	return vg
}

func TestNewVoxelGridInvalidSize(t *testing.T) {
	for _, size := range []float64{0, -1, math.NaN(), math.Inf(1)} {
		vg, err := NewVoxelGrid(size)
		test.That(t, vg, test.ShouldBeNil)
		test.That(t, errors.Is(err, ErrInvalidVoxelSize), test.ShouldBeTrue)
	}
	_, err := NewVoxelGridFromPointCloud(New(), 0)
	test.That(t, errors.Is(err, ErrInvalidVoxelSize), test.ShouldBeTrue)
}

func TestVoxelCoordinates(t *testing.T) {
	vg := makeGridWithKeys(t, 0.5)
	test.That(t, vg.Coordinates(NewVector(0.1, 0.2, 0.3)), test.ShouldResemble, VoxelCoords{0, 0, 0})
	test.That(t, vg.Coordinates(NewVector(0.5, 1.0, 1.49)), test.ShouldResemble, VoxelCoords{1, 2, 2})
	// negative coordinates round toward negative infinity
	test.That(t, vg.Coordinates(NewVector(-0.1, 0.2, -0.6)), test.ShouldResemble, VoxelCoords{-1, 0, -2})
	test.That(t, vg.Coordinates(NewVector(-0.5, -1, 0)), test.ShouldResemble, VoxelCoords{-1, -2, 0})
	test.That(t, vg.VoxelCenter(VoxelCoords{-1, 0, -2}), test.ShouldResemble, NewVector(-0.25, 0.25, -0.75))
	test.That(t, vg.VoxelSize(), test.ShouldEqual, 0.5)
}

func TestAddPointRunningAverage(t *testing.T) {
	t.Run("two points share a voxel", func(t *testing.T) {
		forward, err := NewVoxelGrid(1)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, forward.AddPoint(NewVector(0.1, 0.1, 0.1), red), test.ShouldBeNil)
		test.That(t, forward.AddPoint(NewVector(0.2, 0.2, 0.2), blue), test.ShouldBeNil)

		backward, err := NewVoxelGrid(1)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, backward.AddPoint(NewVector(0.2, 0.2, 0.2), blue), test.ShouldBeNil)
		test.That(t, backward.AddPoint(NewVector(0.1, 0.1, 0.1), red), test.ShouldBeNil)

		for _, vg := range []*VoxelGrid{forward, backward} {
			test.That(t, vg.Size(), test.ShouldEqual, 1)
			vox := vg.GetVoxelFromKey(VoxelCoords{0, 0, 0})
			test.That(t, vox, test.ShouldNotBeNil)
			test.That(t, vox.Count, test.ShouldEqual, 2)
			test.That(t, vox.Color, test.ShouldResemble, colorful.Color{R: 0.5, B: 0.5})
			test.That(t, vox.Center, test.ShouldResemble, NewVector(0.5, 0.5, 0.5))
			test.That(t, vox.Normal, test.ShouldBeNil)
		}
	})

	t.Run("mean of many points", func(t *testing.T) {
		vg, err := NewVoxelGrid(1)
		test.That(t, err, test.ShouldBeNil)
		for i := 1; i <= 4; i++ {
			c := colorful.Color{R: 0.1 * float64(i), G: 1, B: 0}
			test.That(t, vg.AddPoint(NewVector(0.1*float64(i), 0.5, 0.5), c), test.ShouldBeNil)
		}
		vox := vg.GetVoxelFromKey(VoxelCoords{0, 0, 0})
		test.That(t, vox.Count, test.ShouldEqual, 4)
		test.That(t, vox.Color.R, test.ShouldAlmostEqual, 0.25)
		test.That(t, vox.Color.G, test.ShouldAlmostEqual, 1.)
		test.That(t, vox.Color.B, test.ShouldEqual, 0.)
	})

	t.Run("non finite positions", func(t *testing.T) {
		vg, err := NewVoxelGrid(1)
		test.That(t, err, test.ShouldBeNil)
		err = vg.AddPoint(NewVector(math.NaN(), 0, 0), red)
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "x component")
		test.That(t, vg.AddPoint(NewVector(0, 0, math.Inf(-1)), red), test.ShouldNotBeNil)
		test.That(t, vg.Size(), test.ShouldEqual, 0)
	})

	t.Run("cell index out of range", func(t *testing.T) {
		vg, err := NewVoxelGrid(0.01)
		test.That(t, err, test.ShouldBeNil)
		err = vg.AddPoint(NewVector(1e300, 0, 0), red)
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "too far from the origin")
		test.That(t, vg.AddPoint(NewVector(0, -1e17, 0), red), test.ShouldNotBeNil)
		test.That(t, vg.AddPoint(NewVector(0, 0, math.MaxFloat64), red), test.ShouldNotBeNil)
		test.That(t, vg.Size(), test.ShouldEqual, 0)

		test.That(t, vg.AddPoint(NewVector(1e16, 0, 0), red), test.ShouldBeNil)
		test.That(t, vg.Size(), test.ShouldEqual, 1)

		far := New()
		test.That(t, far.Set(NewVector(0, 0, 1), red), test.ShouldBeNil)
		test.That(t, far.Set(NewVector(0, 1e300, 1), red), test.ShouldBeNil)
		_, err = NewVoxelGridFromPointCloud(far, 0.01)
		test.That(t, err, test.ShouldNotBeNil)
		_, err = NewVoxelGridFromPointCloudParallel(context.Background(), far, 0.01, 3)
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "too far from the origin")
	})
}

func TestNewVoxelGridFromPointCloud(t *testing.T) {
	pc := New()
	test.That(t, pc.Set(NewVector(0.01, 0.01, 0.01), red), test.ShouldBeNil)
	test.That(t, pc.Set(NewVector(0.02, 0.02, 0.02), blue), test.ShouldBeNil)
	test.That(t, pc.Set(NewVector(0.5, 0.5, 0.5), blue), test.ShouldBeNil)
	test.That(t, pc.Set(NewVector(-0.5, 0.5, 0.5), red), test.ShouldBeNil)

	vg, err := NewVoxelGridFromPointCloud(pc, 0.1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, vg.Size(), test.ShouldEqual, 3)

	total := 0
	for _, vox := range vg.Voxels {
		total += vox.Count
		test.That(t, vox.Count, test.ShouldBeGreaterThanOrEqualTo, 1)
	}
	test.That(t, total, test.ShouldEqual, pc.Size())
	test.That(t, vg.Keys(), test.ShouldResemble, []VoxelCoords{{-5, 5, 5}, {0, 0, 0}, {5, 5, 5}})

	out, err := vg.ToPointCloud()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out.Size(), test.ShouldEqual, 3)
	c, ok := out.At(0.05, 0.05, 0.05)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, c, test.ShouldResemble, colorful.Color{R: 0.5, B: 0.5})
}

func TestNeighborhood(t *testing.T) {
	vg := makeGridWithKeys(t, 1,
		VoxelCoords{0, 0, 0},
		VoxelCoords{1, 1, 1},
		VoxelCoords{-1, 0, 1},
		VoxelCoords{2, 0, 0},
	)
	keys := func(voxels []*Voxel) []VoxelCoords {
		out := make([]VoxelCoords, 0, len(voxels))
		for _, v := range voxels {
			out = append(out, v.Key)
		}
		return out
	}
	test.That(t, keys(vg.Neighborhood(VoxelCoords{0, 0, 0})), test.ShouldResemble,
		[]VoxelCoords{{-1, 0, 1}, {0, 0, 0}, {1, 1, 1}})
	// the probed cell need not be occupied
	test.That(t, keys(vg.Neighborhood(VoxelCoords{1, 0, 0})), test.ShouldResemble,
		[]VoxelCoords{{0, 0, 0}, {1, 1, 1}, {2, 0, 0}})
	test.That(t, vg.Neighborhood(VoxelCoords{10, 10, 10}), test.ShouldBeEmpty)
	test.That(t, len(neighborOffsets), test.ShouldEqual, 27)
}

func TestMerge(t *testing.T) {
	build := func(points ...Point) *VoxelGrid {
		vg, err := NewVoxelGrid(1)
		test.That(t, err, test.ShouldBeNil)
		for _, p := range points {
			test.That(t, vg.AddPoint(p.Position, p.Color), test.ShouldBeNil)
		}
		return vg
	}
	aPoints := []Point{
		{NewVector(0.1, 0.1, 0.1), red},
		{NewVector(0.2, 0.1, 0.1), red},
		{NewVector(3.5, 0, 0), blue},
	}
	bPoints := []Point{
		{NewVector(0.3, 0.3, 0.3), blue},
		{NewVector(-2, 0, 0), blue},
	}

	ab := build(aPoints...)
	test.That(t, ab.Merge(build(bPoints...)), test.ShouldBeNil)
	ba := build(bPoints...)
	test.That(t, ba.Merge(build(aPoints...)), test.ShouldBeNil)
	test.That(t, cmp.Diff(ab, ba, cmp.AllowUnexported(VoxelGrid{})), test.ShouldBeEmpty)

	vox := ab.GetVoxelFromKey(VoxelCoords{0, 0, 0})
	test.That(t, vox.Count, test.ShouldEqual, 3)
	test.That(t, vox.Color.R, test.ShouldAlmostEqual, 2./3)
	test.That(t, vox.Color.B, test.ShouldAlmostEqual, 1./3)
	test.That(t, ab.Size(), test.ShouldEqual, 3)

	other, err := NewVoxelGrid(2)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, errors.Is(ab.Merge(other), ErrVoxelSizeMismatch), test.ShouldBeTrue)
	test.That(t, ab.Merge(nil), test.ShouldBeNil)
}

func TestEstimateNormals(t *testing.T) {
	t.Run("flat layer", func(t *testing.T) {
		var keys []VoxelCoords
		for i := int64(-1); i <= 1; i++ {
			for j := int64(-1); j <= 1; j++ {
				keys = append(keys, VoxelCoords{i, j, 5})
			}
		}
		vg := makeGridWithKeys(t, 1, keys...)
		test.That(t, vg.EstimateNormals(), test.ShouldEqual, 9)
		for _, vox := range vg.Voxels {
			test.That(t, vox.Normal, test.ShouldNotBeNil)
			test.That(t, vox.Normal.X, test.ShouldAlmostEqual, 0, 1e-9)
			test.That(t, vox.Normal.Y, test.ShouldAlmostEqual, 0, 1e-9)
			// oriented toward the origin
			test.That(t, vox.Normal.Z, test.ShouldAlmostEqual, -1, 1e-9)
		}
	})

	t.Run("collinear voxels", func(t *testing.T) {
		vg := makeGridWithKeys(t, 1, VoxelCoords{0, 0, 3}, VoxelCoords{1, 0, 3}, VoxelCoords{2, 0, 3})
		test.That(t, vg.EstimateNormals(), test.ShouldEqual, 0)
		for _, vox := range vg.Voxels {
			test.That(t, vox.Normal, test.ShouldBeNil)
		}
	})

	t.Run("isolated voxel", func(t *testing.T) {
		vg := makeGridWithKeys(t, 1, VoxelCoords{0, 0, 3}, VoxelCoords{5, 5, 5})
		test.That(t, vg.EstimateNormals(), test.ShouldEqual, 0)
	})

	t.Run("full cube", func(t *testing.T) {
		var keys []VoxelCoords
		for _, off := range neighborOffsets {
			keys = append(keys, off)
		}
		vg := makeGridWithKeys(t, 1, keys...)
		vg.EstimateNormals()
		test.That(t, vg.GetVoxelFromKey(VoxelCoords{0, 0, 0}).Normal, test.ShouldBeNil)
	})

	t.Run("merge clears normals", func(t *testing.T) {
		vg := makeGridWithKeys(t, 1, VoxelCoords{0, 0, 2}, VoxelCoords{1, 0, 2}, VoxelCoords{0, 1, 2})
		test.That(t, vg.EstimateNormals(), test.ShouldEqual, 3)
		test.That(t, vg.Merge(makeGridWithKeys(t, 1, VoxelCoords{4, 4, 4})), test.ShouldBeNil)
		for _, vox := range vg.Voxels {
			test.That(t, vox.Normal, test.ShouldBeNil)
		}
	})
}

func TestEstimatePlaneNormal(t *testing.T) {
	normal, ok := estimatePlaneNormal([]r3.Vector{
		NewVector(0, 0, 0),
		NewVector(1, 0, 1),
		NewVector(0, 1, 0),
		NewVector(1, 1, 1),
	})
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, normal.Norm(), test.ShouldAlmostEqual, 1)
	test.That(t, math.Abs(normal.X), test.ShouldAlmostEqual, math.Sqrt2/2)
	test.That(t, normal.Y, test.ShouldAlmostEqual, 0, 1e-9)
	test.That(t, normal.X, test.ShouldAlmostEqual, -normal.Z)

	// the flat axis is picked whichever axis it is
	for axis, expected := range []r3.Vector{{X: 1}, {Y: 1}, {Z: 1}} {
		var pts []r3.Vector
		for a := -2.; a <= 2; a++ {
			for b := -1.; b <= 1; b++ {
				p := [3]float64{}
				p[(axis+1)%3] = 3 * a
				p[(axis+2)%3] = b
				pts = append(pts, NewVector(p[0], p[1], p[2]))
			}
		}
		normal, ok := estimatePlaneNormal(pts)
		test.That(t, ok, test.ShouldBeTrue)
		test.That(t, math.Abs(normal.Dot(expected)), test.ShouldAlmostEqual, 1, 1e-9)
	}

	_, ok = estimatePlaneNormal([]r3.Vector{NewVector(0, 0, 0), NewVector(1, 1, 1)})
	test.That(t, ok, test.ShouldBeFalse)
	_, ok = estimatePlaneNormal([]r3.Vector{NewVector(1, 1, 1), NewVector(1, 1, 1), NewVector(1, 1, 1)})
	test.That(t, ok, test.ShouldBeFalse)
}

func makeRandomishCloud(t *testing.T, n int) PointCloud {
	t.Helper()
	pc := NewWithPrealloc(n)
	for i := 0; i < n; i++ {
		f := float64(i)
		pos := NewVector(math.Sin(f*0.37)*2, math.Cos(f*0.11)*1.5, 0.5+math.Mod(f*0.013, 3))
		c := colorful.Color{R: math.Mod(f*0.07, 1), G: math.Mod(f*0.03, 1), B: math.Mod(f*0.05, 1)}
		test.That(t, pc.Set(pos, c), test.ShouldBeNil)
	}
	return pc
}

func TestNewVoxelGridFromPointCloudParallel(t *testing.T) {
	pc := makeRandomishCloud(t, 5000)
	sequential, err := NewVoxelGridFromPointCloud(pc, 0.25)
	test.That(t, err, test.ShouldBeNil)

	for _, workers := range []int{0, 1, 2, 3, 8} {
		parallel, err := NewVoxelGridFromPointCloudParallel(context.Background(), pc, 0.25, workers)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, cmp.Diff(sequential, parallel, cmp.AllowUnexported(VoxelGrid{})), test.ShouldBeEmpty)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewVoxelGridFromPointCloudParallel(ctx, pc, 0.25, 4)
	test.That(t, errors.Is(err, context.Canceled), test.ShouldBeTrue)

	_, err = NewVoxelGridFromPointCloudParallel(context.Background(), pc, -1, 4)
	test.That(t, errors.Is(err, ErrInvalidVoxelSize), test.ShouldBeTrue)
}

func TestPartitionOf(t *testing.T) {
	pc := makeRandomishCloud(t, 2000)
	vg, err := NewVoxelGridFromPointCloud(pc, 0.1)
	test.That(t, err, test.ShouldBeNil)

	perWorker := make([]int, 5)
	for _, key := range append(vg.Keys(), VoxelCoords{-7, -3, -1}, VoxelCoords{math.MinInt64, 0, math.MaxInt64}) {
		owner := partitionOf(key, len(perWorker))
		test.That(t, owner, test.ShouldBeBetweenOrEqual, 0, len(perWorker)-1)
		test.That(t, partitionOf(key, len(perWorker)), test.ShouldEqual, owner)
		perWorker[owner]++
	}
	for _, n := range perWorker {
		test.That(t, n, test.ShouldBeGreaterThan, 0)
	}

	parallel, err := NewVoxelGridFromPointCloudParallel(context.Background(), pc, 0.1, 5)
	test.That(t, err, test.ShouldBeNil)
	total := 0
	for _, vox := range parallel.Voxels {
		total += vox.Count
	}
	test.That(t, total, test.ShouldEqual, pc.Size())
}
