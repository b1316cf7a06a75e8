package pointcloud

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// minNormalNeighbors is the smallest neighborhood, self included, that can span a plane.
const minNormalNeighbors = 3

// eigenGapTolerance is the relative gap below which two covariance eigenvalues are treated as equal.
const eigenGapTolerance = 1e-9

// EstimateNormals sets Normal on every voxel from the centers of its 27-neighborhood, the voxel
// included. The normal is the eigenvector of the smallest eigenvalue of the neighborhood's
// covariance, oriented toward the sensor origin. Voxels whose neighborhood is too small,
// collinear or has no distinct smallest direction get a nil Normal.
// It should run after every point has been added; it returns the number of voxels with a normal.
func (vg *VoxelGrid) EstimateNormals() int {
	estimated := 0
	for key, vox := range vg.Voxels {
		neighbors := vg.Neighborhood(key)
		centers := make([]r3.Vector, 0, len(neighbors))
		for _, n := range neighbors {
			centers = append(centers, n.Center)
		}
		normal, ok := estimatePlaneNormal(centers)
		if !ok {
			vox.Normal = nil
			continue
		}
		if normal.Dot(vox.Center) > 0 {
			normal = normal.Mul(-1)
		}
		vox.Normal = &normal
		estimated++
	}
	return estimated
}

// estimatePlaneNormal returns the unit eigenvector of the smallest eigenvalue of the points'
// covariance matrix.
func estimatePlaneNormal(points []r3.Vector) (r3.Vector, bool) {
	if len(points) < minNormalNeighbors {
		return r3.Vector{}, false
	}
	var centroid r3.Vector
	for _, p := range points {
		centroid = centroid.Add(p)
	}
	centroid = centroid.Mul(1. / float64(len(points)))

	cov := mat.NewSymDense(3, nil)
	for _, p := range points {
		d := p.Sub(centroid)
		comps := [3]float64{d.X, d.Y, d.Z}
		for i := 0; i < 3; i++ {
			for j := i; j < 3; j++ {
				cov.SetSym(i, j, cov.At(i, j)+comps[i]*comps[j])
			}
		}
	}
	cov.ScaleSym(1./float64(len(points)), cov)

	var eig mat.EigenSym
	if ok := eig.Factorize(cov, true); !ok {
		return r3.Vector{}, false
	}
	// ascending order
	values := eig.Values(nil)
	const minIdx, midIdx, maxIdx = 0, 1, 2
	scale := values[maxIdx]
	if scale <= 0 {
		return r3.Vector{}, false
	}
	// collinear: the plane through the points is not unique
	if values[midIdx] <= eigenGapTolerance*scale {
		return r3.Vector{}, false
	}
	// isotropic: no direction is flatter than the others
	if values[midIdx]-values[minIdx] <= eigenGapTolerance*scale {
		return r3.Vector{}, false
	}

	var vectors mat.Dense
	eig.VectorsTo(&vectors)
	normal := r3.Vector{X: vectors.At(0, minIdx), Y: vectors.At(1, minIdx), Z: vectors.At(2, minIdx)}
	return normal.Normalize(), true
}
