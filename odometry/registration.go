package odometry

import (
	"context"
	"math"

	"github.com/golang/geo/r3"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/rgbdodometry/logging"
	"go.viam.com/rgbdodometry/pointcloud"
)

var (
	// ErrNotEnoughCorrespondences is returned when fewer than three voxel pairs survive selection.
	ErrNotEnoughCorrespondences = errors.New("not enough correspondences to estimate a rigid transform")

	// ErrDegenerateCorrespondences is returned when the matched voxel centers are collinear or coincident.
	ErrDegenerateCorrespondences = errors.New("correspondences do not constrain a rotation")
)

const (
	minCorrespondences  = 3
	cancelCheckInterval = 1024
	// degenerateTolerance is relative to the largest singular value of the cross covariance.
	degenerateTolerance = 1e-12
)

// ResidualStats summarizes the distances between matched voxel centers after alignment.
type ResidualStats struct {
	Mean   float64
	Median float64
	Max    float64
}

// Result contains the result of registering a source grid onto a target grid.
type Result struct {
	// Transform maps source camera coordinates into target camera coordinates.
	Transform  *RigidTransform
	Iterations int
	Converged  bool
	// RMSE is the root mean square distance between matched centers under Transform.
	RMSE float64
	// Fitness is the fraction of source voxels that were matched.
	Fitness            float64
	NumCorrespondences int
	Residuals          ResidualStats
}

type matchedPair struct {
	source *pointcloud.Voxel
	target *pointcloud.Voxel
	dist   float64
}

// EstimateRigidTransform returns the rotation and translation minimizing the summed squared
// distance between the transformed source points and their target points. src[i] is paired
// with dst[i].
func EstimateRigidTransform(src, dst []r3.Vector) (*RigidTransform, error) {
	if len(src) != len(dst) {
		return nil, errors.Errorf("point sets differ in size %d != %d", len(src), len(dst))
	}
	if len(src) < minCorrespondences {
		return nil, errors.Wrapf(ErrNotEnoughCorrespondences, "got %d pairs", len(src))
	}

	var srcCentroid, dstCentroid r3.Vector
	for i := range src {
		srcCentroid = srcCentroid.Add(src[i])
		dstCentroid = dstCentroid.Add(dst[i])
	}
	srcCentroid = srcCentroid.Mul(1. / float64(len(src)))
	dstCentroid = dstCentroid.Mul(1. / float64(len(dst)))

	// cross covariance H = sum (s - s̄)(d - d̄)^T
	h := mat.NewDense(3, 3, nil)
	for i := range src {
		s := src[i].Sub(srcCentroid)
		d := dst[i].Sub(dstCentroid)
		sv := [3]float64{s.X, s.Y, s.Z}
		dv := [3]float64{d.X, d.Y, d.Z}
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				h.Set(r, c, h.At(r, c)+sv[r]*dv[c])
			}
		}
	}

	var svd mat.SVD
	if ok := svd.Factorize(h, mat.SVDFull); !ok {
		return nil, errors.New("failed to factorize cross covariance")
	}
	values := svd.Values(nil)
	if values[0] == 0 || values[1] <= degenerateTolerance*values[0] {
		return nil, ErrDegenerateCorrespondences
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	// R = V * diag(1, 1, sign(det(V U^T))) * U^T
	var vut mat.Dense
	vut.Mul(&v, u.T())
	if mat.Det(&vut) < 0 {
		for r := 0; r < 3; r++ {
			v.Set(r, 2, -v.At(r, 2))
		}
	}
	var rot mat.Dense
	rot.Mul(&v, u.T())

	rt := &RigidTransform{Rotation: &rot}
	rotated := rt.Apply(srcCentroid)
	rt.Translation = dstCentroid.Sub(rotated)
	return rt, nil
}

// neighborhoodCorrespondences pairs every source voxel, moved by current, with the occupied
// target cells around the cell it lands in.
func neighborhoodCorrespondences(
	ctx context.Context,
	source, target *pointcloud.VoxelGrid,
	current *RigidTransform,
) ([]pointcloud.Correspondence, error) {
	var corrs []pointcloud.Correspondence
	for i, key := range source.Keys() {
		if i%cancelCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		srcVoxel := source.GetVoxelFromKey(key)
		moved := current.Apply(srcVoxel.Center)
		for _, tv := range target.Neighborhood(target.Coordinates(moved)) {
			corrs = append(corrs, pointcloud.Correspondence{Source: srcVoxel, Target: tv})
		}
	}
	return corrs, nil
}

// betterMatch reports whether candidate b should replace the current best a for the same
// source voxel: nearer center first, then closer color, then smaller target index.
func betterMatch(src *pointcloud.Voxel, a, b matchedPair) bool {
	if b.dist != a.dist {
		return b.dist < a.dist
	}
	da := src.Color.DistanceLab(a.target.Color)
	db := src.Color.DistanceLab(b.target.Color)
	if da != db {
		return db < da
	}
	return b.target.Key.Compare(a.target.Key) < 0
}

// selectCorrespondences keeps one target per source voxel and drops pairs farther apart than
// maxDist once the source is moved by current. Candidates for one source voxel must be adjacent.
func selectCorrespondences(
	corrs []pointcloud.Correspondence,
	current *RigidTransform,
	maxDist float64,
) []matchedPair {
	var selected []matchedPair
	var best matchedPair
	var moved r3.Vector
	flush := func() {
		if best.source != nil && best.dist <= maxDist {
			selected = append(selected, best)
		}
	}
	for _, c := range corrs {
		if c.Source != best.source {
			flush()
			moved = current.Apply(c.Source.Center)
			best = matchedPair{source: c.Source, target: c.Target, dist: moved.Distance(c.Target.Center)}
			continue
		}
		candidate := matchedPair{source: c.Source, target: c.Target, dist: moved.Distance(c.Target.Center)}
		if betterMatch(c.Source, best, candidate) {
			best = candidate
		}
	}
	flush()
	return selected
}

func residuals(pairs []matchedPair, rt *RigidTransform) []float64 {
	return lo.Map(pairs, func(p matchedPair, _ int) float64 {
		return rt.Apply(p.source.Center).Distance(p.target.Center)
	})
}

func rmse(res []float64) float64 {
	sum := 0.
	for _, r := range res {
		sum += r * r
	}
	return math.Sqrt(sum / float64(len(res)))
}

// Register estimates the rigid motion that aligns the source grid with the target grid.
//
// The first iteration pairs voxels with FindCorrespondences. Later iterations move every
// source center by the current estimate and search the target cells around where it lands,
// so the estimate keeps sub-voxel precision. Each iteration keeps the single nearest target
// per source voxel, drops pairs beyond cfg.MaxCorrespondenceDistance and solves the full
// transform in closed form from the unmoved source centers. Iteration stops after
// cfg.MaxIterations or once the RMSE changes by less than cfg.ConvergenceThreshold.
func Register(
	ctx context.Context,
	source, target *pointcloud.VoxelGrid,
	cfg Config,
	logger logging.Logger,
) (*Result, error) {
	if source == nil || target == nil {
		return nil, errors.New("cannot register a nil voxel grid")
	}
	if err := cfg.Validate("odometry"); err != nil {
		return nil, err
	}

	current := NewIdentityTransform()
	result := &Result{Transform: current, RMSE: math.Inf(1)}
	var pairs []matchedPair
	for iter := 0; iter < cfg.MaxIterations; iter++ {
		var corrs []pointcloud.Correspondence
		var err error
		if iter == 0 {
			corrs, err = pointcloud.FindCorrespondences(ctx, source, target)
		} else {
			corrs, err = neighborhoodCorrespondences(ctx, source, target, current)
		}
		if err != nil {
			return nil, err
		}

		selected := selectCorrespondences(corrs, current, cfg.MaxCorrespondenceDistance)
		if len(selected) < minCorrespondences {
			return nil, errors.Wrapf(ErrNotEnoughCorrespondences,
				"iteration %d kept %d of %d candidate pairs", iter, len(selected), len(corrs))
		}
		srcPts := lo.Map(selected, func(p matchedPair, _ int) r3.Vector { return p.source.Center })
		dstPts := lo.Map(selected, func(p matchedPair, _ int) r3.Vector { return p.target.Center })
		estimate, err := EstimateRigidTransform(srcPts, dstPts)
		if err != nil {
			return nil, errors.Wrapf(err, "iteration %d", iter)
		}

		current = estimate
		pairs = selected
		iterRMSE := rmse(residuals(pairs, current))
		logger.CDebugw(ctx, "registration iteration",
			"iteration", iter,
			"candidates", len(corrs),
			"correspondences", len(pairs),
			"rmse", iterRMSE)

		delta := math.Abs(result.RMSE - iterRMSE)
		result.Transform = current
		result.Iterations = iter + 1
		result.RMSE = iterRMSE
		if delta < cfg.ConvergenceThreshold {
			result.Converged = true
			break
		}
	}

	res := residuals(pairs, current)
	result.NumCorrespondences = len(pairs)
	result.Fitness = float64(len(pairs)) / float64(source.Size())
	var err error
	if result.Residuals.Mean, err = stats.Mean(res); err != nil {
		return nil, err
	}
	if result.Residuals.Median, err = stats.Median(res); err != nil {
		return nil, err
	}
	if result.Residuals.Max, err = stats.Max(res); err != nil {
		return nil, err
	}
	return result, nil
}
