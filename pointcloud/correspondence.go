package pointcloud

import (
	"context"

	"github.com/pkg/errors"
)

// Correspondence is a candidate pairing of a source voxel with a target voxel. It is a
// proposal for alignment only; nothing about it has been verified.
type Correspondence struct {
	Source *Voxel
	Target *Voxel
}

// FindCorrespondences pairs every occupied source voxel with every occupied target voxel
// among the 27 cells around the source voxel's index, the same index included. A source voxel
// can therefore appear in 0 to 27 correspondences; no ranking or deduplication is done.
//
// Source voxels are visited in Keys order and offsets in (dx, dy, dz) order, so the output is
// deterministic. Both grids must share a voxel size. The context is checked periodically
// since the cost grows with 27 times the number of source voxels.
func FindCorrespondences(ctx context.Context, source, target *VoxelGrid) ([]Correspondence, error) {
	if source == nil || target == nil {
		return nil, errors.New("cannot find correspondences with a nil voxel grid")
	}
	if source.size != target.size {
		return nil, errors.Wrapf(ErrVoxelSizeMismatch, "source %v != target %v", source.size, target.size)
	}

	var correspondences []Correspondence
	for i, key := range source.Keys() {
		if i%cancelCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		srcVoxel := source.Voxels[key]
		for _, targetVoxel := range target.Neighborhood(key) {
			correspondences = append(correspondences, Correspondence{Source: srcVoxel, Target: targetVoxel})
		}
	}
	return correspondences, nil
}
